package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/monitor"
)

// Sweep destroys every session whose lease has lapsed and that is not in
// the middle of a time-critical step. Failures are logged per session and
// never stop the sweep. It returns the number of sessions evicted.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	ctx, span := o.tracer.StartSpan(ctx, "sweep")
	start := time.Now()
	defer func() {
		o.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		span.End()
	}()

	evicted := 0
	for _, s := range o.registry.Sessions() {
		if ctx.Err() != nil {
			break
		}
		if !s.Expired(o.now()) || s.Busy() {
			continue
		}
		unlock := o.registry.Lock(s.Key)
		cur, ok := o.registry.Get(s.Key)
		if !ok || cur != s || !s.Expired(o.now()) || s.Busy() {
			unlock()
			continue
		}
		err := o.teardown(ctx, s, true)
		unlock()
		if err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("eviction failed")
			continue
		}
		log.Info().Str("session_id", s.ID).Str("target_id", s.Key.TargetID).Msg("session evicted")
		evicted++
	}

	counts := make(map[string]int)
	for _, s := range o.registry.Sessions() {
		counts[string(s.Status())]++
	}
	o.metrics.SetSessionCounts(counts)
	span.SetAttributes(monitor.AttrEvicted.Int(evicted))
	return evicted
}

// Evictor runs Sweep on a fixed interval until stopped.
type Evictor struct {
	orch     *Orchestrator
	interval time.Duration
	done     chan struct{}
	stopped  chan struct{}
}

func NewEvictor(orch *Orchestrator, interval time.Duration) *Evictor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Evictor{
		orch:     orch,
		interval: interval,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Run blocks until ctx is done or Stop is called.
func (e *Evictor) Run(ctx context.Context) error {
	defer close(e.stopped)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", e.interval).Msg("eviction scheduler started")
	for {
		select {
		case <-ticker.C:
			if n := e.orch.Sweep(ctx); n > 0 {
				log.Info().Int("evicted", n).Msg("eviction sweep")
			}
		case <-e.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop ends Run and waits for it to return.
func (e *Evictor) Stop() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	<-e.stopped
}
