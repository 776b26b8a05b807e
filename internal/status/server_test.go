package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/registry"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB, *registry.Registry) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.LoginSession{}, &models.Worker{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	reg, err := registry.NewRegistry(registry.RegistryOpts{DB: db})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	router, err := NewRouter(db, reg)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return router, db, reg
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var parsed map[string]json.RawMessage
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("%s %s: bad JSON %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w, parsed
}

func TestNewRouter_Validation(t *testing.T) {
	if _, err := NewRouter(nil, nil); err == nil {
		t.Error("expected error for nil db")
	}
}

func TestHealthz(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w, body := doJSON(t, router, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if string(body["status"]) != `"ok"` {
		t.Errorf("status field = %s", body["status"])
	}
}

func TestSessions_ExcludesPhoneAndExpired(t *testing.T) {
	router, db, _ := newTestRouter(t)
	now := time.Now()
	tg := int64(42)
	db.Create(&models.LoginSession{
		RequestID: "r1", BotUserID: 100, TelegramUserID: &tg,
		PhoneNumber: "+15550100", Source: models.SourceChat,
		State: models.StateWaitingCode, CreatedAt: now, UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	})
	db.Create(&models.LoginSession{
		RequestID: "r2", BotUserID: 200, Source: models.SourceWeb,
		State: models.StateWaitingPhone, CreatedAt: now, UpdatedAt: now,
		ExpiresAt: now.Add(-time.Hour), // expired
	})

	w, body := doJSON(t, router, http.MethodGet, "/api/sessions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var views []map[string]interface{}
	if err := json.Unmarshal(body["sessions"], &views); err != nil {
		t.Fatalf("unmarshal sessions: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d sessions, want 1 (expired hidden)", len(views))
	}
	if views[0]["request_id"] != "r1" {
		t.Errorf("request_id = %v", views[0]["request_id"])
	}
	if _, exposed := views[0]["phone_number"]; exposed {
		t.Error("phone number must not appear in the API")
	}
	if !strings.Contains(string(body["sessions"]), `"telegram_user_id":42`) {
		t.Errorf("sessions payload = %s", body["sessions"])
	}
}

func TestSessions_StateFilterIncludesExpired(t *testing.T) {
	router, db, _ := newTestRouter(t)
	now := time.Now()
	db.Create(&models.LoginSession{
		RequestID: "r1", BotUserID: 100, Source: models.SourceWeb,
		State: models.StateFailed, CreatedAt: now, UpdatedAt: now,
		ExpiresAt: now.Add(-time.Hour),
	})

	_, body := doJSON(t, router, http.MethodGet, "/api/sessions?state=failed", "")
	var views []map[string]interface{}
	if err := json.Unmarshal(body["sessions"], &views); err != nil {
		t.Fatalf("unmarshal sessions: %v", err)
	}
	if len(views) != 1 {
		t.Errorf("got %d sessions, want 1 (state filter is an audit view)", len(views))
	}
}

func TestWorkerRegisterAndHeartbeat(t *testing.T) {
	router, _, reg := newTestRouter(t)

	w, _ := doJSON(t, router, http.MethodPost, "/api/workers/register",
		`{"bot_user_id":42,"endpoint":"http://10.0.0.5:9100"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d: %s", w.Code, w.Body.String())
	}
	if _, err := reg.Endpoint(42); err != nil {
		t.Fatalf("Endpoint after register: %v", err)
	}

	w, _ = doJSON(t, router, http.MethodPost, "/api/workers/42/heartbeat", "")
	if w.Code != http.StatusOK {
		t.Errorf("heartbeat status = %d", w.Code)
	}

	w, _ = doJSON(t, router, http.MethodPost, "/api/workers/99/heartbeat", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown heartbeat status = %d, want 404", w.Code)
	}

	w, _ = doJSON(t, router, http.MethodPost, "/api/workers/notanumber/heartbeat", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", w.Code)
	}
}

func TestWorkerRegister_BadBody(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w, _ := doJSON(t, router, http.MethodPost, "/api/workers/register", `{"endpoint":""}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWorkersList(t *testing.T) {
	router, _, reg := newTestRouter(t)
	if err := reg.Register(42, "http://10.0.0.5:9100"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	w, body := doJSON(t, router, http.MethodGet, "/api/workers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var workers []models.Worker
	if err := json.Unmarshal(body["workers"], &workers); err != nil {
		t.Fatalf("unmarshal workers: %v", err)
	}
	if len(workers) != 1 || workers[0].BotUserID != 42 {
		t.Errorf("workers = %+v", workers)
	}
}
