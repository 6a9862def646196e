package dedupe

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/config"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/repo"
)

func TestMemory_FirstSeenAndTTL(t *testing.T) {
	m, err := NewMemory(16, time.Minute)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := m.FirstSeen(ctx, "ev1", "message"); !ok {
		t.Fatalf("first sighting must be fresh")
	}
	if ok, _ := m.FirstSeen(ctx, "ev1", "message"); ok {
		t.Fatalf("second sighting must be a duplicate")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := m.FirstSeen(ctx, "ev1", "message"); !ok {
		t.Fatalf("expired id must be fresh again")
	}
	if ok, _ := m.FirstSeen(ctx, "", "message"); !ok {
		t.Fatalf("empty id is never a duplicate")
	}
	if ok, _ := m.FirstSeen(ctx, "", "message"); !ok {
		t.Fatalf("empty id is never a duplicate")
	}
}

func TestMemory_EvictsOldest(t *testing.T) {
	m, _ := NewMemory(2, time.Hour)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		m.FirstSeen(ctx, id, "")
	}
	if ok, _ := m.FirstSeen(ctx, "a", ""); !ok {
		t.Fatalf("evicted id should be treated as fresh")
	}
	if ok, _ := m.FirstSeen(ctx, "c", ""); ok {
		t.Fatalf("recent id should still be a duplicate")
	}
}

func TestNewMemory_RejectsBadSize(t *testing.T) {
	if _, err := NewMemory(0, time.Minute); err == nil {
		t.Fatalf("expected error for size 0")
	}
}

func TestSQL_FirstSeen(t *testing.T) {
	db, err := repo.Open(config.StoreConfig{Driver: config.DriverSQLite, DBPath: filepath.Join(t.TempDir(), "d.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	d := NewSQL(db, time.Hour)
	ctx := context.Background()

	if ok, err := d.FirstSeen(ctx, "ev1", "message"); err != nil || !ok {
		t.Fatalf("first = %v %v", ok, err)
	}
	if ok, err := d.FirstSeen(ctx, "ev1", "message"); err != nil || ok {
		t.Fatalf("repeat = %v %v", ok, err)
	}
	if n, err := d.Purge(ctx); err != nil || n != 0 {
		t.Fatalf("purge = %d %v", n, err)
	}
}

// fakeRedis implements the SetNX part of redis.Cmdable.
type fakeRedis struct {
	redis.Cmdable
	keys map[string]bool
	err  error
	ttl  time.Duration
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value any, exp time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	f.ttl = exp
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	if f.keys[key] {
		cmd.SetVal(false)
		return cmd
	}
	f.keys[key] = true
	cmd.SetVal(true)
	return cmd
}

func TestRedis_FirstSeen(t *testing.T) {
	f := &fakeRedis{keys: map[string]bool{}}
	d := NewRedis(f, 5*time.Minute)
	ctx := context.Background()

	if ok, err := d.FirstSeen(ctx, "ev1", "message"); err != nil || !ok {
		t.Fatalf("first = %v %v", ok, err)
	}
	if ok, err := d.FirstSeen(ctx, "ev1", "message"); err != nil || ok {
		t.Fatalf("repeat = %v %v", ok, err)
	}
	if !f.keys["linebot:event:ev1"] || f.ttl != 5*time.Minute {
		t.Fatalf("unexpected key/ttl: %v %v", f.keys, f.ttl)
	}

	f.err = errors.New("conn refused")
	if _, err := d.FirstSeen(ctx, "ev2", "message"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	d, err := New(config.DedupeConfig{Backend: config.DedupeMemory, Size: 8, TTL: time.Minute}, nil)
	if _, ok := d.(*Memory); err != nil || !ok {
		t.Fatalf("memory backend = %T %v", d, err)
	}
	d, err = New(config.DedupeConfig{Backend: config.DedupeRedis, RedisAddr: "localhost:0", TTL: time.Minute}, nil)
	if _, ok := d.(*Redis); err != nil || !ok {
		t.Fatalf("redis backend = %T %v", d, err)
	}
	if _, err := New(config.DedupeConfig{Backend: config.DedupeDB}, nil); err == nil {
		t.Fatalf("db backend without db must fail")
	}
	d, err = New(config.DedupeConfig{Backend: config.DedupeOff}, nil)
	if ok, _ := d.FirstSeen(context.Background(), "x", ""); err != nil || !ok {
		t.Fatalf("off backend must accept everything")
	}
	if _, err := New(config.DedupeConfig{Backend: "nope"}, nil); err == nil {
		t.Fatalf("unknown backend must fail")
	}
}
