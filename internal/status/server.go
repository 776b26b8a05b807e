// Package status serves the controller's JSON HTTP surface: health and
// state queries for the ops dashboard, and the registration endpoints
// workers call on startup and heartbeat.
package status

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/registry"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the status server.
type StartOpts struct {
	DB       *gorm.DB
	Registry *registry.Registry
	Port     int
	Out      io.Writer
}

// Start launches the status HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts.DB, opts.Registry)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Status server running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status: %w", err)
	}
	return nil
}

// NewRouter builds the Gin router with all routes registered.
func NewRouter(db *gorm.DB, reg *registry.Registry) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("status: db is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("status: registry is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", handleHealth(db))
	router.GET("/api/sessions", handleSessions(db))
	router.GET("/api/workers", handleWorkers(reg))
	router.POST("/api/workers/register", handleRegister(reg))
	router.POST("/api/workers/:id/heartbeat", handleHeartbeat(reg))
	return router, nil
}

func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// sessionView is the JSON shape for a login session. Phone numbers are
// not exposed.
type sessionView struct {
	RequestID      string    `json:"request_id"`
	BotUserID      int64     `json:"bot_user_id"`
	TelegramUserID *int64    `json:"telegram_user_id,omitempty"`
	Source         string    `json:"source"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func handleSessions(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := db.Model(&models.LoginSession{}).Order("updated_at DESC").Limit(200)
		if state := c.Query("state"); state != "" {
			q = q.Where("state = ?", state)
		} else {
			q = q.Where("expires_at > ?", time.Now())
		}

		var sessions []models.LoginSession
		if err := q.Find(&sessions).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		views := make([]sessionView, 0, len(sessions))
		for _, s := range sessions {
			views = append(views, sessionView{
				RequestID:      s.RequestID,
				BotUserID:      s.BotUserID,
				TelegramUserID: s.TelegramUserID,
				Source:         string(s.Source),
				State:          string(s.State),
				CreatedAt:      s.CreatedAt,
				ExpiresAt:      s.ExpiresAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"sessions": views})
	}
}

func handleWorkers(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		workers, err := reg.List()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"workers": workers})
	}
}

// registerRequest is the body workers POST on startup.
type registerRequest struct {
	BotUserID int64  `json:"bot_user_id" binding:"required"`
	Endpoint  string `json:"endpoint" binding:"required"`
}

func handleRegister(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := reg.Register(req.BotUserID, req.Endpoint); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "registered"})
	}
}

func handleHeartbeat(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var botUserID int64
		if _, err := fmt.Sscan(c.Param("id"), &botUserID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad worker id"})
			return
		}
		if err := reg.Heartbeat(botUserID); err != nil {
			if err == registry.ErrWorkerNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown worker"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
