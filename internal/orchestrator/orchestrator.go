// Package orchestrator turns execution requests into sandboxed runs. It
// owns the session lifecycle: reuse, boot, the install/build/run sequence,
// deadlines, teardown and eviction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/config"
	"sandbox-sessions/internal/monitor"
	"sandbox-sessions/internal/runtime"
	"sandbox-sessions/internal/sandbox"
	"sandbox-sessions/internal/session"
	"sandbox-sessions/internal/source"
)

// destroyTimeout bounds engine teardown issued outside a caller's context.
const destroyTimeout = 30 * time.Second

// Config holds the orchestrator's tunables.
type Config struct {
	TTL              time.Duration
	DefaultTimeout   time.Duration
	MaxTimeout       time.Duration
	BootRetryBackoff time.Duration
	MaxParallel      int
	MaxTargets       int
	Network          bool
	Limits           sandbox.ResourceLimits
	TreeLimits       sandbox.TreeLimits
	BlockedEnvKeys   []string
}

// ConfigFrom extracts the orchestrator settings from the service config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		TTL:              cfg.Session.TTL,
		DefaultTimeout:   cfg.Session.DefaultTimeout,
		MaxTimeout:       cfg.Session.MaxTimeout,
		BootRetryBackoff: cfg.Sandbox.BootRetryBackoff,
		MaxParallel:      cfg.Session.MaxParallel,
		MaxTargets:       cfg.Session.MaxTargets,
		Network:          cfg.Sandbox.Network,
		Limits:           sandbox.LimitsFromConfig(cfg.Sandbox.DefaultLimits),
		TreeLimits:       sandbox.TreeLimits{MaxFiles: cfg.Sandbox.MaxTreeFiles, MaxBytes: cfg.Sandbox.MaxTreeBytes},
		BlockedEnvKeys:   cfg.Security.BlockedEnvKeys,
	}
}

// Options wires the orchestrator's collaborators. Engine, Registry and
// Targets are required; the rest default.
type Options struct {
	Engine     sandbox.Engine
	Registry   *session.Registry
	Targets    source.TargetProvider
	Env        source.EnvProvider
	Toolchains *runtime.Registry
	Detector   *monitor.EscapeDetector
	Metrics    *monitor.Metrics
	Tracer     *monitor.Tracer
	// OnChange is called after every lifecycle change of a session.
	OnChange func(*session.Session)
	Config   Config
	Clock    func() time.Time
}

type Orchestrator struct {
	engine     sandbox.Engine
	registry   *session.Registry
	targets    source.TargetProvider
	env        source.EnvProvider
	toolchains *runtime.Registry
	detector   *monitor.EscapeDetector
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
	onChange   func(*session.Session)
	cfg        Config
	now        func() time.Time

	mu   sync.Mutex
	runs map[string]*runState // by session id
	wg   sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		engine:     opts.Engine,
		registry:   opts.Registry,
		targets:    opts.Targets,
		env:        opts.Env,
		toolchains: opts.Toolchains,
		detector:   opts.Detector,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		onChange:   opts.OnChange,
		cfg:        opts.Config,
		now:        opts.Clock,
		runs:       make(map[string]*runState),
	}
	if o.env == nil {
		o.env = &source.StaticEnv{}
	}
	if o.toolchains == nil {
		o.toolchains = runtime.NewRegistry()
	}
	if o.detector == nil {
		o.detector = monitor.NewEscapeDetector()
	}
	if o.metrics == nil {
		o.metrics = monitor.NewMetrics()
	}
	if o.tracer == nil {
		o.tracer = monitor.NewTracer()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.cfg.TTL <= 0 {
		o.cfg.TTL = 15 * time.Minute
	}
	if o.cfg.DefaultTimeout <= 0 {
		o.cfg.DefaultTimeout = 5 * time.Minute
	}
	if o.cfg.MaxParallel <= 0 {
		o.cfg.MaxParallel = 4
	}
	o.cfg.Limits = o.cfg.Limits.OrDefault()
	return o
}

// Registry exposes the session registry.
func (o *Orchestrator) Registry() *session.Registry { return o.registry }

// Engine exposes the sandbox engine.
func (o *Orchestrator) Engine() sandbox.Engine { return o.engine }

// Start returns the session for the request's key, creating and booting a
// new one when none is live. It does not wait for the run to finish.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*session.Session, error) {
	if err := req.Validate(o.cfg); err != nil {
		return nil, err
	}
	key := req.key()
	unlock := o.registry.Lock(key)
	defer unlock()

	now := o.now()
	if s, ok := o.registry.Get(key); ok {
		// A run inside boot, mount or its setup steps is never torn down,
		// even once its lease has lapsed.
		if s.Status().Live() && (!s.Expired(now) || s.Busy()) {
			return o.reuse(s, req, now)
		}
		log.Debug().Str("session_id", s.ID).Str("status", string(s.Status())).Msg("replacing stale session")
		if err := o.teardown(ctx, s, false); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to destroy stale sandbox")
		}
	}
	return o.create(ctx, req)
}

func (o *Orchestrator) reuse(s *session.Session, req Request, now time.Time) (*session.Session, error) {
	s.Touch(now)
	if req.TTLMs > 0 {
		s.SetTTL(req.ttl(o.cfg))
	}
	if len(req.ExtraEnv) > 0 {
		s.System("ignoring %d extra environment variables: the session environment is fixed at boot", len(req.ExtraEnv))
	}
	delta := req.delta()
	if len(delta) == 0 && req.OverrideCommand == "" {
		o.notify(s)
		return s, nil
	}

	prev := o.runState(s.ID)
	if s.Status() != session.StatusRunning || prev == nil {
		log.Info().Str("session_id", s.ID).Str("status", string(s.Status())).Int("files", len(delta)).
			Msg("dropping changes sent while the first run is in progress")
		s.System("ignoring %d changed files and override sent while the session is %s", len(delta), s.Status())
		o.notify(s)
		return s, nil
	}
	tree := prev.tree.Overlay(delta)
	override := req.OverrideCommand
	if override == "" && prev.override != "" && !hasManifest(delta) {
		override = prev.override
	}
	plan, err := o.toolchains.Resolve(tree, override)
	if err != nil {
		return nil, err
	}
	if err := o.screen(s.ID, plan); err != nil {
		return nil, err
	}

	log.Info().Str("session_id", s.ID).Int("files", len(delta)).Msg("restarting run in live sandbox")
	s.System("restarting with %d changed files", len(delta))
	o.launch(s, &job{
		plan:     plan,
		tree:     tree,
		mount:    delta,
		override: override,
		env:      s.Env(),
		timeout:  req.timeout(o.cfg),
		prev:     prev,
	})
	return s, nil
}

func (o *Orchestrator) create(ctx context.Context, req Request) (*session.Session, error) {
	target, err := o.targets.Target(ctx, req.TargetID)
	if err != nil {
		if errors.Is(err, source.ErrTargetNotFound) {
			return nil, fmt.Errorf("%w: %w", sandbox.ErrInvalidRequest, err)
		}
		return nil, err
	}
	tree := target.Files.Overlay(req.delta())

	plan, err := o.toolchains.Resolve(tree, req.OverrideCommand)
	if err != nil {
		return nil, err
	}
	if err := o.screen("", plan); err != nil {
		return nil, err
	}

	provided, err := o.env.Environment(ctx, req.OwnerKey, req.TargetID)
	if err != nil {
		return nil, fmt.Errorf("resolve environment: %w", err)
	}
	env := MergeEnv(plan.Env, provided, req.ExtraEnv)

	limits := o.cfg.Limits
	if !plan.Limits.IsZero() {
		limits = plan.Limits
	}
	if req.Limits != nil {
		limits = req.Limits.OrDefault()
	}

	s := o.registry.Create(req.key(), req.ttl(o.cfg), env)
	log.Info().
		Str("session_id", s.ID).
		Str("owner_key", req.OwnerKey).
		Str("target_id", req.TargetID).
		Str("toolchain", plan.Toolchain).
		Msg("session created")

	o.launch(s, &job{
		boot:     true,
		plan:     plan,
		tree:     tree,
		mount:    tree,
		override: req.OverrideCommand,
		env:      env,
		limits:   limits,
		timeout:  req.timeout(o.cfg),
	})
	return s, nil
}

func hasManifest(tree sandbox.FileTree) bool {
	_, ok := tree.Get(runtime.ManifestFile)
	return ok
}

// screen rejects plans whose commands carry critical escape patterns and
// records the rest as security events.
func (o *Orchestrator) screen(sessionID string, plan *runtime.Plan) error {
	for _, step := range plan.Steps {
		dets := o.detector.AnalyzeCommand(step.Command)
		for _, det := range dets {
			o.metrics.RecordSecurityEvent(det.Pattern)
		}
		if det, blocked := monitor.Blocking(dets); blocked {
			log.Warn().
				Str("session_id", sessionID).
				Str("step", string(step.Kind)).
				Str("pattern", det.Pattern).
				Msg("command blocked")
			return fmt.Errorf("%w: %s step matches %s", sandbox.ErrSecurityViolation, step.Kind, det.Pattern)
		}
	}
	return nil
}

// Execute starts the request and waits until its run settles or ctx ends.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	s, err := o.Start(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if err := o.Wait(ctx, s); err != nil {
		return ResultOf(s, o.now()), err
	}
	return ResultOf(s, o.now()), nil
}

// Wait blocks until the session's current run settles.
func (o *Orchestrator) Wait(ctx context.Context, s *session.Session) error {
	select {
	case <-s.Settled():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get looks a session up by id without renewing its lease.
func (o *Orchestrator) Get(id string) (*session.Session, bool) {
	return o.registry.GetByID(id)
}

// Touch renews a session's lease.
func (o *Orchestrator) Touch(id string) (*session.Session, error) {
	s, ok := o.registry.GetByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	s.Touch(o.now())
	return s, nil
}

// Status reports a session and renews its lease.
func (o *Orchestrator) Status(id string) (Result, error) {
	s, err := o.Touch(id)
	if err != nil {
		return Result{}, err
	}
	return ResultOf(s, o.now()), nil
}

// List reports the sessions of one owner, or all sessions when owner is
// empty.
func (o *Orchestrator) List(owner string) []Result {
	var sessions []*session.Session
	if owner == "" {
		sessions = o.registry.Sessions()
	} else {
		sessions = o.registry.Owned(owner)
	}
	now := o.now()
	out := make([]Result, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ResultOf(s, now))
	}
	return out
}

// Stop destroys a session. Unknown ids are a no-op so repeated stops are
// safe.
func (o *Orchestrator) Stop(ctx context.Context, id string) error {
	s, ok := o.registry.GetByID(id)
	if !ok {
		return nil
	}
	unlock := o.registry.Lock(s.Key)
	defer unlock()
	log.Info().Str("session_id", id).Msg("stopping session")
	return o.teardown(ctx, s, false)
}

// Shutdown destroys every session and waits for run goroutines.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var errs []error
	for _, s := range o.registry.Sessions() {
		unlock := o.registry.Lock(s.Key)
		if err := o.teardown(ctx, s, false); err != nil {
			errs = append(errs, err)
		}
		unlock()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// teardown destroys s and its sandbox and removes it from the registry.
// The caller holds the key lock. It is safe to call more than once.
func (o *Orchestrator) teardown(ctx context.Context, s *session.Session, evicted bool) error {
	first := s.Destroy(o.now(), evicted)

	var err error
	if h := s.DetachHandle(); !h.IsZero() {
		o.metrics.ActiveSandboxes.Dec()
		if derr := o.engine.Destroy(ctx, h); derr != nil {
			err = &sandbox.ExecutionError{SessionID: s.ID, Op: "destroy", Err: derr}
		}
	}
	o.registry.Remove(s)

	o.mu.Lock()
	delete(o.runs, s.ID)
	o.mu.Unlock()

	if first {
		if evicted {
			s.System("session expired")
			o.metrics.EvictionsTotal.Inc()
		}
		s.System("session destroyed")
		s.Log().Close()
		o.notify(s)
	}
	return err
}

// release destroys the sandbox of a session whose run has settled.
func (o *Orchestrator) release(s *session.Session) {
	h := s.DetachHandle()
	if h.IsZero() {
		return
	}
	o.metrics.ActiveSandboxes.Dec()
	o.destroyHandle(s.ID, h)
}

func (o *Orchestrator) destroyHandle(sessionID string, h sandbox.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := o.engine.Destroy(ctx, h); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Str("sandbox", h.String()).Msg("failed to destroy sandbox")
	}
}

func (o *Orchestrator) runState(id string) *runState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[id]
}

func (o *Orchestrator) notify(s *session.Session) {
	if o.onChange != nil {
		o.onChange(s)
	}
}
