package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/session"
)

const redisKeyPrefix = "sandbox:session:"

// Redis stores each snapshot as a JSON value that expires ttl after its
// last write.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis connects to redisURL, e.g. redis://localhost:6379/0.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("connected to Redis")
	return &Redis{rdb: rdb, ttl: ttl}, nil
}

func redisKey(id string) string { return redisKeyPrefix + id }

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) Healthy(ctx context.Context) bool {
	return r.rdb.Ping(ctx).Err() == nil
}

// Save writes rec unless a newer generation is already stored.
func (r *Redis) Save(ctx context.Context, rec *SessionRecord) error {
	cp := *rec
	cp.OutputTail = tail(rec.OutputTail, OutputTailLines)
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", rec.ID, err)
	}

	key := redisKey(rec.ID)
	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := r.decode(tx.Get(ctx, key))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if cur != nil && cur.Generation > rec.Generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("writing session %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Redis) decode(cmd *redis.StringCmd) (*SessionRecord, error) {
	data, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding session record: %w", err)
	}
	return &rec, nil
}

func (r *Redis) Get(ctx context.Context, id string) (*SessionRecord, error) {
	rec, err := r.decode(r.rdb.Get(ctx, redisKey(id)))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	return rec, nil
}

// scan visits every stored record.
func (r *Redis) scan(ctx context.Context, visit func(*SessionRecord) error) error {
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("scanning sessions: %w", err)
		}
		for _, key := range keys {
			rec, err := r.decode(r.rdb.Get(ctx, key))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("skipping unreadable session record")
				continue
			}
			if err := visit(rec); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *Redis) List(ctx context.Context, filter RecordFilter) ([]SessionRecord, error) {
	var out []SessionRecord
	err := r.scan(ctx, func(rec *SessionRecord) error {
		if filter.matches(rec) {
			out = append(out, *rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page(out, filter), nil
}

func (r *Redis) MarkDestroyed(ctx context.Context, at time.Time) (int, error) {
	n := 0
	err := r.scan(ctx, func(rec *SessionRecord) error {
		if rec.Status == string(session.StatusDestroyed) {
			return nil
		}
		rec.Status = string(session.StatusDestroyed)
		rec.UpdatedAt = at
		if err := r.Save(ctx, rec); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}
