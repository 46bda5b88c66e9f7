// Package storage persists session snapshots so ended sessions can still be
// reported after they leave the registry.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/config"
	"sandbox-sessions/internal/session"
)

var ErrNotFound = errors.New("session record not found")

// Store is a snapshot backend.
type Store interface {
	Save(ctx context.Context, rec *SessionRecord) error
	Get(ctx context.Context, id string) (*SessionRecord, error)
	List(ctx context.Context, filter RecordFilter) ([]SessionRecord, error)
	// MarkDestroyed flags every record that is not yet destroyed and
	// returns how many changed.
	MarkDestroyed(ctx context.Context, at time.Time) (int, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// Open builds the configured store.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		return NewPostgres(ctx, cfg.DSN, cfg.MaxConns)
	case "redis":
		return NewRedis(ctx, cfg.DSN, cfg.RedisTTL)
	case "sqlite":
		return NewSQLite(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Reconcile marks records left live by a previous process as destroyed.
// Sandboxes never survive a restart, so nothing they describe exists.
func Reconcile(ctx context.Context, st Store, now time.Time) error {
	n, err := st.MarkDestroyed(ctx, now)
	if err != nil {
		return fmt.Errorf("reconciling session records: %w", err)
	}
	if n > 0 {
		log.Info().Int("records", n).Msg("marked stale session records destroyed")
	}
	return nil
}

type Memory struct {
	mu      sync.RWMutex
	records map[string]SessionRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]SessionRecord)}
}

func (m *Memory) Save(_ context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.records[rec.ID]; ok && cur.Generation > rec.Generation {
		return nil
	}
	cp := *rec
	cp.OutputTail = tail(rec.OutputTail, OutputTailLines)
	m.records[rec.ID] = cp
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &rec, nil
}

func (m *Memory) List(_ context.Context, filter RecordFilter) ([]SessionRecord, error) {
	m.mu.RLock()
	var out []SessionRecord
	for _, rec := range m.records {
		if filter.matches(&rec) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()
	return page(out, filter), nil
}

func (m *Memory) MarkDestroyed(_ context.Context, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.records {
		if rec.Status == string(session.StatusDestroyed) {
			continue
		}
		rec.Status = string(session.StatusDestroyed)
		rec.UpdatedAt = at
		m.records[id] = rec
		n++
	}
	return n, nil
}

func (m *Memory) Healthy(context.Context) bool { return true }

func (m *Memory) Close() error { return nil }

// page orders records newest first and applies the filter's window.
func page(recs []SessionRecord, filter RecordFilter) []SessionRecord {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	if filter.Offset >= len(recs) {
		return nil
	}
	recs = recs[filter.Offset:]
	if limit := filter.limit(); len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}
