package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/monitor"
	"sandbox-sessions/internal/runtime"
	"sandbox-sessions/internal/sandbox"
	"sandbox-sessions/internal/session"
)

// killWait bounds how long a superseded run waits for its process to exit.
const killWait = 5 * time.Second

// job is one run generation of a session.
type job struct {
	gen      int
	boot     bool // false when restarting inside a live sandbox
	plan     *runtime.Plan
	tree     sandbox.FileTree // full tree after this generation's mount
	mount    sandbox.FileTree // what this generation writes
	override string
	env      map[string]string
	limits   sandbox.ResourceLimits
	timeout  time.Duration
	prev     *runState
	state    *runState
}

type exitStatus struct {
	code int
	err  error
}

// runState tracks the process of one generation so it can be killed from
// outside the run goroutine.
type runState struct {
	gen      int
	tree     sandbox.FileTree
	override string
	exit     chan exitStatus
	done     chan struct{}

	mu     sync.Mutex
	proc   sandbox.Process
	killed bool
	once   sync.Once
}

func (rs *runState) setProc(p sandbox.Process) {
	rs.mu.Lock()
	killed := rs.killed
	rs.proc = p
	rs.mu.Unlock()
	if killed && p != nil {
		_ = p.Kill(context.Background())
	}
}

func (rs *runState) kill() {
	rs.mu.Lock()
	rs.killed = true
	p := rs.proc
	rs.mu.Unlock()
	if p != nil {
		if err := p.Kill(context.Background()); err != nil {
			log.Debug().Err(err).Msg("kill failed")
		}
	}
}

func (rs *runState) finish() {
	rs.once.Do(func() { close(rs.done) })
}

// launch starts a new generation for s in the background.
func (o *Orchestrator) launch(s *session.Session, j *job) {
	runCtx, cancel := context.WithCancel(context.Background())
	j.gen = s.BeginRun(o.now(), cancel)
	j.state = &runState{
		gen:      j.gen,
		tree:     j.tree,
		override: j.override,
		exit:     make(chan exitStatus, 1),
		done:     make(chan struct{}),
	}
	o.mu.Lock()
	o.runs[s.ID] = j.state
	o.mu.Unlock()
	o.notify(s)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(runCtx, s, j)
	}()
}

func (o *Orchestrator) run(runCtx context.Context, s *session.Session, j *job) {
	ctx, span := o.tracer.StartSpan(runCtx, "start",
		monitor.AttrSessionID.String(s.ID),
		monitor.AttrOwnerKey.String(s.Key.OwnerKey),
		monitor.AttrTargetID.String(s.Key.TargetID),
		monitor.AttrToolchain.String(j.plan.Toolchain),
	)

	outcome, err := Guard(ctx, j.timeout, func(ctx context.Context) (session.Outcome, error) {
		return o.sequence(ctx, runCtx, s, j)
	})
	switch {
	case sandbox.IsTimeout(err):
		o.onTimeout(s, j, err)
		monitor.EndSpan(span, err)
	case err != nil:
		// Stopped, destroyed or superseded: whoever cancelled owns the sandbox.
		j.state.kill()
		j.state.finish()
		monitor.EndSpan(span, nil)
	default:
		o.settle(runCtx, s, j, outcome)
		monitor.EndSpan(span, outcome.Err)
	}
}

// sequence performs boot, mount, install, build and run. It returns when
// the run exits or signals readiness. A non-nil error means the generation
// was cancelled; step failures are reported in the outcome.
func (o *Orchestrator) sequence(ctx, runCtx context.Context, s *session.Session, j *job) (session.Outcome, error) {
	var h sandbox.Handle
	if j.boot {
		spec := sandbox.BootSpec{
			SessionID: s.ID,
			Image:     j.plan.Image,
			Limits:    j.limits,
			Network:   o.cfg.Network,
			Ports:     []int{j.plan.Port},
		}
		s.System("booting %s sandbox from %s", o.engine.Name(), j.plan.Image)
		var err error
		h, err = o.boot(ctx, s, spec)
		if err != nil {
			if ctx.Err() != nil {
				return session.Outcome{}, ctx.Err()
			}
			return o.failure(s, "boot", err, nil), nil
		}
		if err := s.AttachHandle(h); err != nil {
			o.destroyHandle(s.ID, h)
			return session.Outcome{}, context.Canceled
		}
		o.metrics.ActiveSandboxes.Inc()
		o.notify(s)
	} else {
		if j.prev != nil {
			j.prev.kill()
			select {
			case <-j.prev.done:
			case <-ctx.Done():
				return session.Outcome{}, ctx.Err()
			}
		}
		h = s.Handle()
		if h.IsZero() {
			return o.failure(s, "restart", fmt.Errorf("%w: session has no sandbox", sandbox.ErrSandboxNotFound), nil), nil
		}
	}

	if err := o.mount(ctx, s, h, j.mount); err != nil {
		if ctx.Err() != nil {
			return session.Outcome{}, ctx.Err()
		}
		return o.failure(s, "mount", err, nil), nil
	}
	if j.boot {
		if err := s.Advance(j.gen, session.StatusReady); err != nil {
			return session.Outcome{}, context.Canceled
		}
		s.System("sandbox ready")
		o.notify(s)
	}

	steps := j.plan.Steps
	for _, step := range steps[:len(steps)-1] {
		code, err := o.step(ctx, s, j, h, step)
		if ctx.Err() != nil {
			return session.Outcome{}, ctx.Err()
		}
		if err != nil {
			return o.failure(s, string(step.Kind), err, nil), nil
		}
		if code != 0 {
			err := fmt.Errorf("%w: %s step exited with code %d", step.FailureErr(), step.Kind, code)
			return o.failure(s, string(step.Kind), err, &code), nil
		}
	}
	return o.runStep(ctx, runCtx, s, j, h)
}

// boot allocates a sandbox, retrying once after the configured backoff when
// the failure is transient.
func (o *Orchestrator) boot(ctx context.Context, s *session.Session, spec sandbox.BootSpec) (sandbox.Handle, error) {
	ctx, span := o.tracer.StartSpan(ctx, "boot", monitor.AttrSessionID.String(s.ID))
	defer span.End()

	for attempt := 0; ; attempt++ {
		start := time.Now()
		h, err := o.engine.Boot(ctx, spec)
		o.metrics.RecordBoot(o.engine.Name(), err)
		o.metrics.RecordStep("boot", time.Since(start).Seconds())
		if err == nil {
			return h, nil
		}
		if sandbox.Kind(err) == sandbox.KindInternal {
			err = fmt.Errorf("%w: %v", sandbox.ErrBootFailure, err)
		}
		if attempt > 0 || !sandbox.IsRetryable(err) || ctx.Err() != nil {
			span.RecordError(err)
			return sandbox.Handle{}, err
		}
		log.Warn().Err(err).Str("session_id", s.ID).Dur("backoff", o.cfg.BootRetryBackoff).Msg("boot failed, retrying")
		s.System("boot failed, retrying in %s: %v", o.cfg.BootRetryBackoff, err)
		select {
		case <-time.After(o.cfg.BootRetryBackoff):
		case <-ctx.Done():
			return sandbox.Handle{}, ctx.Err()
		}
	}
}

func (o *Orchestrator) mount(ctx context.Context, s *session.Session, h sandbox.Handle, tree sandbox.FileTree) error {
	if err := tree.Validate(o.cfg.TreeLimits); err != nil {
		return err
	}
	ctx, span := o.tracer.StartSpan(ctx, "mount", monitor.AttrSessionID.String(s.ID))
	start := time.Now()
	err := o.engine.Mount(ctx, h, tree)
	o.metrics.RecordStep("mount", time.Since(start).Seconds())
	monitor.EndSpan(span, err)
	if err != nil && !errors.Is(err, sandbox.ErrMountFailure) {
		err = fmt.Errorf("%w: %v", sandbox.ErrMountFailure, err)
	}
	return err
}

// step runs an install or build step to completion.
func (o *Orchestrator) step(ctx context.Context, s *session.Session, j *job, h sandbox.Handle, step runtime.Step) (int, error) {
	ctx, span := o.tracer.StartSpan(ctx, string(step.Kind),
		monitor.AttrSessionID.String(s.ID),
		monitor.AttrStep.String(step.Command),
	)
	s.System("%s step started", step.Kind)
	log.Debug().Str("session_id", s.ID).Str("step", string(step.Kind)).Str("command", step.Command).Msg("step started")
	start := time.Now()

	proc, err := o.engine.Run(ctx, h, sandbox.RunSpec{
		Command: step.Command,
		Env:     j.env,
		Stdout:  s.OutputWriter(j.gen, session.StreamStdout),
		Stderr:  s.OutputWriter(j.gen, session.StreamStderr),
	})
	if err != nil {
		monitor.EndSpan(span, err)
		return -1, fmt.Errorf("%w: %v", step.FailureErr(), err)
	}
	j.state.setProc(proc)
	code, err := proc.Wait(ctx)
	j.state.setProc(nil)
	o.metrics.RecordStep(string(step.Kind), time.Since(start).Seconds())
	span.SetAttributes(monitor.AttrExitCode.Int(code))
	monitor.EndSpan(span, err)
	if err != nil {
		_ = proc.Kill(context.Background())
		return -1, err
	}
	return code, nil
}

// runStep starts the final step and waits for it to exit, signal
// readiness, or run out of time.
func (o *Orchestrator) runStep(ctx, runCtx context.Context, s *session.Session, j *job, h sandbox.Handle) (session.Outcome, error) {
	step := j.plan.RunStep()
	if err := s.Advance(j.gen, session.StatusRunning); err != nil {
		return session.Outcome{}, context.Canceled
	}
	s.System("run step started")
	log.Debug().Str("session_id", s.ID).Str("step", "run").Str("command", step.Command).Msg("step started")
	o.notify(s)

	ready := newReadiness(j.plan.ReadyPattern, j.plan.Port)
	watcher := o.detector.OutputWatcher(func(det monitor.Detection) {
		o.metrics.RecordSecurityEvent(det.Pattern)
		log.Warn().Str("session_id", s.ID).Str("pattern", det.Pattern).Str("severity", det.Severity).Msg("suspicious output")
		s.System("security event: %s (%s)", det.Pattern, det.Severity)
	})

	// The process outlives the deadline once ready, so it is bound to the
	// session's run context rather than ctx.
	proc, err := o.engine.Run(runCtx, h, sandbox.RunSpec{
		Command: step.Command,
		Env:     j.env,
		Stdout:  io.MultiWriter(s.OutputWriter(j.gen, session.StreamStdout), ready.Stream(), watcher),
		Stderr:  io.MultiWriter(s.OutputWriter(j.gen, session.StreamStderr), ready.Stream(), watcher),
	})
	if err != nil {
		if ctx.Err() != nil {
			return session.Outcome{}, ctx.Err()
		}
		return o.failure(s, "run", fmt.Errorf("%w: %v", sandbox.ErrRuntime, err), nil), nil
	}
	j.state.setProc(proc)
	go func() {
		code, err := proc.Wait(context.Background())
		j.state.exit <- exitStatus{code: code, err: err}
	}()

	select {
	case ex := <-j.state.exit:
		return o.exitOutcome(s, ex), nil
	case port := <-ready.Ready():
		endpoint, err := o.engine.Endpoint(ctx, h, port)
		if err != nil {
			log.Debug().Err(err).Str("session_id", s.ID).Int("port", port).Msg("no preview endpoint")
			s.System("process ready on port %d; no preview endpoint: %v", port, err)
			endpoint = ""
		} else {
			s.System("preview ready at %s", endpoint)
		}
		return session.Outcome{Status: session.StatusRunning, Preview: endpoint, At: o.now()}, nil
	case <-ctx.Done():
		return session.Outcome{}, ctx.Err()
	}
}

func (o *Orchestrator) exitOutcome(s *session.Session, ex exitStatus) session.Outcome {
	code := ex.code
	if ex.err != nil {
		return o.failure(s, "run", fmt.Errorf("%w: %v", sandbox.ErrRuntime, ex.err), nil)
	}
	if code != 0 {
		return o.failure(s, "run", fmt.Errorf("%w: exited with code %d", sandbox.ErrRuntime, code), &code)
	}
	return session.Outcome{Status: session.StatusCompleted, ExitCode: &code, At: o.now()}
}

func (o *Orchestrator) failure(s *session.Session, op string, err error, code *int) session.Outcome {
	log.Info().Err(err).Str("session_id", s.ID).Str("op", op).Msg("run failed")
	s.System("%s failed: %v", op, err)
	return session.Outcome{
		Status:   session.StatusFailed,
		ExitCode: code,
		Err:      &sandbox.ExecutionError{SessionID: s.ID, Op: op, Err: err},
		At:       o.now(),
	}
}

// settle applies a finished sequence. Terminal outcomes release the
// sandbox at once; a ready process is handed to watch.
func (o *Orchestrator) settle(runCtx context.Context, s *session.Session, j *job, out session.Outcome) {
	if !s.Settle(j.gen, out) {
		j.state.kill()
		j.state.finish()
		return
	}
	if out.Status.Terminal() {
		if out.ExitCode != nil {
			s.System("exited with code %d", *out.ExitCode)
		}
		o.recordExecution(s, j)
		o.release(s)
		s.Touch(o.now())
		o.notify(s)
		j.state.finish()
		return
	}
	o.notify(s)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.watch(runCtx, s, j)
	}()
}

// watch follows a ready process until it exits or its generation ends.
func (o *Orchestrator) watch(runCtx context.Context, s *session.Session, j *job) {
	defer j.state.finish()
	select {
	case ex := <-j.state.exit:
		var err error
		if ex.err != nil || ex.code != 0 {
			err = &sandbox.ExecutionError{SessionID: s.ID, Op: "run", Err: fmt.Errorf("%w: exited with code %d", sandbox.ErrRuntime, ex.code)}
		}
		if !s.RecordExit(j.gen, ex.code, err, o.now()) {
			return
		}
		s.System("process exited with code %d", ex.code)
		o.recordExecution(s, j)
		o.release(s)
		o.notify(s)
	case <-runCtx.Done():
		j.state.kill()
		select {
		case <-j.state.exit:
		case <-time.After(killWait):
			log.Warn().Str("session_id", s.ID).Msg("superseded process did not exit")
		}
	}
}

// onTimeout kills the run, records the timeout and destroys the sandbox so
// it is never reused.
func (o *Orchestrator) onTimeout(s *session.Session, j *job, err error) {
	defer j.state.finish()
	execErr := &sandbox.ExecutionError{SessionID: s.ID, Op: "run", Err: err}
	if !s.Settle(j.gen, session.Outcome{Status: session.StatusTimeout, Err: execErr, At: o.now()}) {
		j.state.kill()
		return
	}
	log.Warn().Str("session_id", s.ID).Dur("timeout", j.timeout).Msg("execution timed out")
	s.System("execution timed out after %s", j.timeout)
	j.state.kill()
	o.recordExecution(s, j)
	o.release(s)
	o.notify(s)
}

func (o *Orchestrator) recordExecution(s *session.Session, j *job) {
	snap := s.Snapshot()
	o.metrics.RecordExecution(j.plan.Toolchain, string(snap.Status), snap.ErrorKind, snap.Duration(o.now()).Seconds())
	var size int
	for _, text := range s.Log().Texts() {
		size += len(text)
	}
	o.metrics.OutputSizeBytes.Observe(float64(size))
}
