package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PoolConfig controls pre-booted sandboxes.
type PoolConfig struct {
	MinIdle     int           // Warm sandboxes kept per template
	RefillDelay time.Duration // How often to top up
	MaxAge      time.Duration // Idle sandboxes older than this are recycled
}

type warm struct {
	handle Handle
	booted time.Time
}

// Pool wraps an Engine and keeps booted, empty sandboxes ready for the
// given templates. Boot hands one out when the BootSpec matches a template and
// falls through to the wrapped engine otherwise.
type Pool struct {
	Engine
	templates map[string]BootSpec
	cfg       PoolConfig

	mu   sync.Mutex
	idle map[string][]warm

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewPool(engine Engine, templates []BootSpec, cfg PoolConfig) *Pool {
	if cfg.MinIdle < 1 {
		cfg.MinIdle = 1
	}
	if cfg.RefillDelay <= 0 {
		cfg.RefillDelay = 500 * time.Millisecond
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	p := &Pool{
		Engine:    engine,
		templates: make(map[string]BootSpec, len(templates)),
		cfg:       cfg,
		idle:      make(map[string][]warm),
		done:      make(chan struct{}),
	}
	for _, t := range templates {
		t.SessionID = ""
		p.templates[t.poolKey()] = t
	}
	return p
}

func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.refillLoop(ctx)
	}()
	log.Info().Int("templates", len(p.templates)).Int("min_idle", p.cfg.MinIdle).Msg("sandbox pool started")
}

func (p *Pool) Boot(ctx context.Context, spec BootSpec) (Handle, error) {
	if h, ok := p.acquire(spec.poolKey()); ok {
		log.Debug().Str("session_id", spec.SessionID).Str("sandbox", h.String()).Msg("acquired warm sandbox")
		return h, nil
	}
	return p.Engine.Boot(ctx, spec)
}

func (p *Pool) acquire(key string) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.idle[key]
	if len(list) == 0 {
		return Handle{}, false
	}
	w := list[len(list)-1]
	p.idle[key] = list[:len(list)-1]
	return w.handle, true
}

// Size returns the number of idle sandboxes for spec's template.
func (p *Pool) Size(spec BootSpec) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[spec.poolKey()])
}

func (p *Pool) refillLoop(ctx context.Context) {
	p.refill(ctx)
	ticker := time.NewTicker(p.cfg.RefillDelay)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recycle(ctx)
			p.refill(ctx)
		}
	}
}

func (p *Pool) recycle(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.MaxAge)
	var stale []Handle
	p.mu.Lock()
	for key, list := range p.idle {
		kept := list[:0]
		for _, w := range list {
			if w.booted.Before(cutoff) {
				stale = append(stale, w.handle)
				continue
			}
			kept = append(kept, w)
		}
		p.idle[key] = kept
	}
	p.mu.Unlock()
	for _, h := range stale {
		if err := p.Engine.Destroy(ctx, h); err != nil {
			log.Warn().Err(err).Str("sandbox", h.String()).Msg("failed to recycle warm sandbox")
		}
	}
}

func (p *Pool) refill(ctx context.Context) {
	for key, tmpl := range p.templates {
		p.mu.Lock()
		needed := p.cfg.MinIdle - len(p.idle[key])
		p.mu.Unlock()

		for range needed {
			select {
			case <-p.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			h, err := p.Engine.Boot(ctx, tmpl)
			if err != nil {
				// Capacity belongs to sessions first.
				log.Debug().Err(err).Str("image", tmpl.Image).Msg("warm boot skipped")
				break
			}
			p.mu.Lock()
			p.idle[key] = append(p.idle[key], warm{handle: h, booted: time.Now()})
			p.mu.Unlock()
		}
	}
}

// Close stops refilling, destroys idle sandboxes and closes the engine.
func (p *Pool) Close() error {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()

	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[string][]warm)
	p.mu.Unlock()

	var count int
	for _, list := range idle {
		for _, w := range list {
			if err := p.Engine.Destroy(context.Background(), w.handle); err != nil {
				log.Warn().Err(err).Str("sandbox", w.handle.String()).Msg("failed to cleanup pooled sandbox")
			}
			count++
		}
	}
	if count > 0 {
		log.Info().Int("count", count).Msg("drained pool sandboxes")
	}
	return p.Engine.Close()
}
