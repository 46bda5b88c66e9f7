package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/monitor"
	"sandbox-sessions/internal/session"
)

// SnapshotWriter persists session snapshots off the request path. Log never
// blocks; a full buffer drops the entry.
type SnapshotWriter struct {
	store   Store
	metrics *monitor.Metrics
	ch      chan *SessionRecord
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once

	// baseBackoff is the first retry delay; it doubles per attempt.
	baseBackoff time.Duration
}

func NewSnapshotWriter(store Store, metrics *monitor.Metrics, bufferSize int) *SnapshotWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &SnapshotWriter{
		store:       store,
		metrics:     metrics,
		ch:          make(chan *SessionRecord, bufferSize),
		done:        make(chan struct{}),
		baseBackoff: 100 * time.Millisecond,
	}
}

func (w *SnapshotWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Observe queues a snapshot of s. It fits orchestrator.Options.OnChange.
func (w *SnapshotWriter) Observe(s *session.Session) {
	w.Log(RecordFrom(s, time.Now()))
}

func (w *SnapshotWriter) Log(rec *SessionRecord) {
	select {
	case w.ch <- rec:
	default:
		w.record("dropped")
		log.Warn().Str("session_id", rec.ID).Msg("snapshot buffer full, dropping entry")
	}
}

// Flush stops the writer after draining queued entries, or after timeout.
func (w *SnapshotWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("snapshot writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("snapshot writer flush timed out")
	}
}

func (w *SnapshotWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.ch:
			w.writeWithRetry(rec)
		case <-w.done:
			for {
				select {
				case rec := <-w.ch:
					w.writeWithRetry(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *SnapshotWriter) writeWithRetry(rec *SessionRecord) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.Save(ctx, rec)
		cancel()

		if err == nil {
			w.record("ok")
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.baseBackoff
			log.Warn().
				Err(err).
				Str("session_id", rec.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("snapshot write failed, retrying")
			time.Sleep(backoff)
		} else {
			w.record("error")
			log.Error().
				Err(err).
				Str("session_id", rec.ID).
				Msg("snapshot write failed permanently after retries")
		}
	}
}

func (w *SnapshotWriter) record(result string) {
	if w.metrics != nil {
		w.metrics.SnapshotWrites.WithLabelValues(result).Inc()
	}
}
