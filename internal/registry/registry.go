// Package registry tracks the workers serving controlled accounts and
// resolves their dynamically assigned endpoints for the dispatcher.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// DefaultHeartbeatTimeout is how long a worker may go without a
// heartbeat before it is considered stale.
const DefaultHeartbeatTimeout = 90 * time.Second

// ErrWorkerNotFound is returned when no live worker serves an account.
var ErrWorkerNotFound = errors.New("registry: worker not found")

// Registry is the durable worker registry.
type Registry struct {
	db      *gorm.DB
	timeout time.Duration
}

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	DB               *gorm.DB
	HeartbeatTimeout time.Duration // defaults to DefaultHeartbeatTimeout
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("registry: db is required")
	}
	timeout := opts.HeartbeatTimeout
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &Registry{db: opts.DB, timeout: timeout}, nil
}

// Register upserts a worker record on hello/heartbeat.
func (r *Registry) Register(botUserID int64, endpoint string) error {
	if botUserID == 0 {
		return fmt.Errorf("registry: botUserID is required")
	}
	if endpoint == "" {
		return fmt.Errorf("registry: endpoint is required")
	}
	now := time.Now()

	var existing models.Worker
	err := r.db.Where("bot_user_id = ?", botUserID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		w := models.Worker{
			BotUserID:     botUserID,
			Endpoint:      endpoint,
			Status:        models.WorkerStatusOnline,
			StartedAt:     now,
			LastHeartbeat: now,
		}
		if err := r.db.Create(&w).Error; err != nil {
			return fmt.Errorf("registry: register %d: %w", botUserID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: register %d: %w", botUserID, err)
	}

	err = r.db.Model(&models.Worker{}).Where("bot_user_id = ?", botUserID).
		Updates(map[string]interface{}{
			"endpoint":       endpoint,
			"status":         models.WorkerStatusOnline,
			"last_heartbeat": now,
		}).Error
	if err != nil {
		return fmt.Errorf("registry: register %d: %w", botUserID, err)
	}
	return nil
}

// Heartbeat refreshes a worker's liveness timestamp.
func (r *Registry) Heartbeat(botUserID int64) error {
	result := r.db.Model(&models.Worker{}).Where("bot_user_id = ?", botUserID).
		Update("last_heartbeat", time.Now())
	if result.Error != nil {
		return fmt.Errorf("registry: heartbeat %d: %w", botUserID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

// Endpoint resolves the endpoint of the worker serving botUserID.
// Workers with stale heartbeats are treated as absent. Implements
// command.EndpointResolver.
func (r *Registry) Endpoint(botUserID int64) (string, error) {
	var w models.Worker
	cutoff := time.Now().Add(-r.timeout)
	err := r.db.Where("bot_user_id = ? AND status = ? AND last_heartbeat > ?",
		botUserID, models.WorkerStatusOnline, cutoff).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrWorkerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("registry: endpoint %d: %w", botUserID, err)
	}
	return w.Endpoint, nil
}

// Stale returns online workers whose heartbeat has lapsed. Used by the
// sweep to mark them offline and raise operator alerts.
func (r *Registry) Stale() ([]models.Worker, error) {
	var workers []models.Worker
	cutoff := time.Now().Add(-r.timeout)
	err := r.db.Where("status = ? AND last_heartbeat <= ?",
		models.WorkerStatusOnline, cutoff).Find(&workers).Error
	if err != nil {
		return nil, fmt.Errorf("registry: stale: %w", err)
	}
	return workers, nil
}

// MarkOffline sets a worker's status to offline.
func (r *Registry) MarkOffline(botUserID int64) error {
	err := r.db.Model(&models.Worker{}).Where("bot_user_id = ?", botUserID).
		Update("status", models.WorkerStatusOffline).Error
	if err != nil {
		return fmt.Errorf("registry: mark offline %d: %w", botUserID, err)
	}
	return nil
}

// List returns all registered workers.
func (r *Registry) List() ([]models.Worker, error) {
	var workers []models.Worker
	if err := r.db.Order("bot_user_id").Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return workers, nil
}
