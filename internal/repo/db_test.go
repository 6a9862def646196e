package repo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/config"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/domain"
)

func TestOpenSQLite_ErrorOnBadPath(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "does-not-exist", "app.db")

	db, err := OpenSQLite(bad)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}
	lower := strings.ToLower(err.Error())
	if !(os.IsNotExist(err) ||
		strings.Contains(lower, "unable to open database file") ||
		strings.Contains(lower, "no such file or directory") ||
		strings.Contains(lower, "out of memory")) {
		t.Fatalf("unexpected error opening %q: %v", bad, err)
	}
}

func TestOpenSQLite_SetsPragmasAndSingleConnPool(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	var (
		journalMode string
		fkOn        int
		busyMS      int
	)
	if err := db.Raw("PRAGMA journal_mode;").Row().Scan(&journalMode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journalMode)
	}
	if err := db.Raw("PRAGMA foreign_keys;").Row().Scan(&fkOn); err != nil || fkOn != 1 {
		t.Fatalf("expected foreign_keys=1, got %d (%v)", fkOn, err)
	}
	if err := db.Raw("PRAGMA busy_timeout;").Row().Scan(&busyMS); err != nil || busyMS != 5000 {
		t.Fatalf("expected busy_timeout=5000, got %d (%v)", busyMS, err)
	}
	if stats := sqlDB.Stats(); stats.MaxOpenConnections != 1 {
		t.Fatalf("expected MaxOpenConnections=1, got %d", stats.MaxOpenConnections)
	}
}

func TestOpen_SQLiteMigratesSchema(t *testing.T) {
	db, err := Open(config.StoreConfig{Driver: config.DriverSQLite, DBPath: filepath.Join(t.TempDir(), "bot.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	m := db.Migrator()
	for _, tbl := range []any{&domain.Conversation{}, &domain.Message{}, &domain.PendingMessage{}, &domain.WebhookEvent{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}

	now := time.Now().UTC()
	if err := db.Create(&domain.Conversation{UserID: "u1", LastActive: now, CreatedAt: now}).Error; err != nil {
		t.Fatalf("insert conversation: %v", err)
	}
	var got domain.Conversation
	if err := db.First(&got, "user_id = ?", "u1").Error; err != nil {
		t.Fatalf("readback: %v", err)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(config.StoreConfig{Driver: config.DriverMongo}); err == nil {
		t.Fatalf("expected error for non-SQL driver")
	}
}

// Compile-time guard to ensure signature stability.
var _ func(string) (*gorm.DB, error) = OpenSQLite
