// Package dedupe drops webhook redeliveries by remembering event ids for a
// bounded time. The platform delivers at least once, so the same event id can
// arrive more than once; only the first sighting is processed.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/config"
	"github.com/EmilyJie/diabetes-mellitus-linebot/internal/repo"
)

// Deduper reports whether an event id is seen for the first time and records it.
type Deduper interface {
	FirstSeen(ctx context.Context, eventID, kind string) (bool, error)
}

// New builds the backend selected by cfg. db is only used by the "db"
// backend and may be nil otherwise.
func New(cfg config.DedupeConfig, db *gorm.DB) (Deduper, error) {
	switch cfg.Backend {
	case config.DedupeMemory:
		return NewMemory(cfg.Size, cfg.TTL)
	case config.DedupeRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedis(rdb, cfg.TTL), nil
	case config.DedupeDB:
		if db == nil {
			return nil, fmt.Errorf("dedupe: db backend needs a SQL store")
		}
		return NewSQL(db, cfg.TTL), nil
	case config.DedupeOff:
		return Off{}, nil
	}
	return nil, fmt.Errorf("dedupe: unknown backend %q", cfg.Backend)
}

// Memory is an in-process LRU of event ids with a per-entry TTL.
type Memory struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
}

// NewMemory returns a Memory holding at most size ids for ttl each.
func NewMemory(size int, ttl time.Duration) (*Memory, error) {
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("dedupe cache init: %w", err)
	}
	return &Memory{cache: cache, ttl: ttl, now: time.Now}, nil
}

// FirstSeen implements Deduper. An empty id is never treated as a duplicate.
func (m *Memory) FirstSeen(_ context.Context, eventID, _ string) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if ts, ok := m.cache.Get(eventID); ok {
		if now.Sub(ts) <= m.ttl {
			return false, nil
		}
		m.cache.Remove(eventID)
	}
	m.cache.Add(eventID, now)
	return true, nil
}

// Redis shares seen ids across replicas with SET NX and an expiry.
type Redis struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedis returns a Redis deduper using rdb.
func NewRedis(rdb redis.Cmdable, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl, prefix: "linebot:event:"}
}

// FirstSeen implements Deduper.
func (r *Redis) FirstSeen(ctx context.Context, eventID, kind string) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	ok, err := r.rdb.SetNX(ctx, r.prefix+eventID, kind, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}

// SQL records seen ids in the webhook_events table.
type SQL struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewSQL returns a SQL deduper over db.
func NewSQL(db *gorm.DB, ttl time.Duration) *SQL {
	return &SQL{db: db, ttl: ttl}
}

// FirstSeen implements Deduper.
func (s *SQL) FirstSeen(ctx context.Context, eventID, kind string) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	return repo.MarkEvent(ctx, s.db, eventID, kind, s.ttl)
}

// Purge deletes expired rows. It is meant to be called periodically.
func (s *SQL) Purge(ctx context.Context) (int64, error) {
	return repo.PurgeExpiredEvents(ctx, s.db, time.Now().UTC())
}

// Off treats every event as new.
type Off struct{}

// FirstSeen implements Deduper.
func (Off) FirstSeen(context.Context, string, string) (bool, error) { return true, nil }
