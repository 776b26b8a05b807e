package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestRegistry(t *testing.T) (*Registry, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Worker{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	reg, err := NewRegistry(RegistryOpts{DB: db, HeartbeatTimeout: time.Hour})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg, db
}

func TestNewRegistry_RequiresDB(t *testing.T) {
	_, err := NewRegistry(RegistryOpts{})
	if err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestRegister_AndResolve(t *testing.T) {
	reg, _ := openTestRegistry(t)

	if err := reg.Register(42, "http://10.0.0.5:9100"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	endpoint, err := reg.Endpoint(42)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if endpoint != "http://10.0.0.5:9100" {
		t.Errorf("endpoint = %q", endpoint)
	}

	// Re-registration updates the endpoint in place.
	if err := reg.Register(42, "http://10.0.0.6:9100"); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	endpoint, _ = reg.Endpoint(42)
	if endpoint != "http://10.0.0.6:9100" {
		t.Errorf("endpoint after re-register = %q", endpoint)
	}

	workers, err := reg.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(workers) != 1 {
		t.Errorf("List returned %d workers, want 1", len(workers))
	}
}

func TestRegister_Validation(t *testing.T) {
	reg, _ := openTestRegistry(t)
	if err := reg.Register(0, "http://x"); err == nil {
		t.Error("expected error for zero botUserID")
	}
	if err := reg.Register(42, ""); err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestEndpoint_UnknownWorker(t *testing.T) {
	reg, _ := openTestRegistry(t)
	_, err := reg.Endpoint(42)
	if !errors.Is(err, ErrWorkerNotFound) {
		t.Errorf("err = %v, want ErrWorkerNotFound", err)
	}
}

func TestEndpoint_StaleWorkerIsAbsent(t *testing.T) {
	reg, db := openTestRegistry(t)
	if err := reg.Register(42, "http://10.0.0.5:9100"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	db.Model(&models.Worker{}).Where("bot_user_id = ?", 42).
		Update("last_heartbeat", time.Now().Add(-2*time.Hour))

	_, err := reg.Endpoint(42)
	if !errors.Is(err, ErrWorkerNotFound) {
		t.Errorf("stale endpoint err = %v, want ErrWorkerNotFound", err)
	}
}

func TestHeartbeat(t *testing.T) {
	reg, db := openTestRegistry(t)
	if err := reg.Register(42, "http://10.0.0.5:9100"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	db.Model(&models.Worker{}).Where("bot_user_id = ?", 42).
		Update("last_heartbeat", time.Now().Add(-2*time.Hour))

	if err := reg.Heartbeat(42); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if _, err := reg.Endpoint(42); err != nil {
		t.Errorf("Endpoint after heartbeat: %v", err)
	}

	err := reg.Heartbeat(99)
	if !errors.Is(err, ErrWorkerNotFound) {
		t.Errorf("Heartbeat unknown = %v, want ErrWorkerNotFound", err)
	}
}

func TestStaleAndMarkOffline(t *testing.T) {
	reg, db := openTestRegistry(t)
	reg.Register(42, "http://10.0.0.5:9100")
	reg.Register(43, "http://10.0.0.6:9100")
	db.Model(&models.Worker{}).Where("bot_user_id = ?", 42).
		Update("last_heartbeat", time.Now().Add(-2*time.Hour))

	stale, err := reg.Stale()
	if err != nil {
		t.Fatalf("Stale: %v", err)
	}
	if len(stale) != 1 || stale[0].BotUserID != 42 {
		t.Fatalf("Stale = %+v, want just worker 42", stale)
	}

	if err := reg.MarkOffline(42); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	// Offline workers no longer show up as stale, and don't resolve.
	stale, _ = reg.Stale()
	if len(stale) != 0 {
		t.Errorf("Stale after MarkOffline = %+v", stale)
	}
	if _, err := reg.Endpoint(42); !errors.Is(err, ErrWorkerNotFound) {
		t.Errorf("offline Endpoint err = %v, want ErrWorkerNotFound", err)
	}

	// A fresh registration brings the worker back online.
	if err := reg.Register(42, "http://10.0.0.5:9100"); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if _, err := reg.Endpoint(42); err != nil {
		t.Errorf("Endpoint after re-register: %v", err)
	}
}
