package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"sandbox-sessions/internal/sandbox"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrHandleInUse       = errors.New("session already owns a sandbox")
)

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
	StatusExpired      Status = "expired"
	StatusDestroyed    Status = "destroyed"
)

var transitions = map[Status][]Status{
	StatusInitializing: {StatusReady, StatusFailed, StatusTimeout, StatusDestroyed},
	StatusReady:        {StatusRunning, StatusFailed, StatusTimeout, StatusExpired, StatusDestroyed},
	StatusRunning:      {StatusRunning, StatusCompleted, StatusFailed, StatusTimeout, StatusExpired, StatusDestroyed},
	StatusCompleted:    {StatusExpired, StatusDestroyed},
	StatusFailed:       {StatusExpired, StatusDestroyed},
	StatusTimeout:      {StatusExpired, StatusDestroyed},
	StatusExpired:      {StatusDestroyed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a run in this status has ended.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Live reports whether a session in this status may be reused.
func (s Status) Live() bool {
	return s == StatusInitializing || s == StatusReady || s == StatusRunning
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s == StatusDestroyed
}

// Key is the natural key of a session.
type Key struct {
	OwnerKey string
	TargetID string
}

func (k Key) String() string { return k.OwnerKey + "/" + k.TargetID }

// Session is one live or recently live sandbox bound to an owner and target.
// All mutable state is guarded by mu; the output log has its own lock.
type Session struct {
	ID        string
	Key       Key
	CreatedAt time.Time

	log *OutputLog

	mu           sync.Mutex
	status       Status
	ttl          time.Duration
	lastActivity time.Time
	expiresAt    time.Time
	handle       sandbox.Handle
	env          map[string]string
	startedAt    time.Time
	endedAt      time.Time
	exitCode     *int
	preview      string
	err          error
	generation   int
	busy         bool
	settled      chan struct{}
	cancelRun    context.CancelFunc
}

func newSession(id string, key Key, ttl time.Duration, env map[string]string, now time.Time, maxOutput int) *Session {
	snapshot := make(map[string]string, len(env))
	for k, v := range env {
		snapshot[k] = v
	}
	return &Session{
		ID:           id,
		Key:          key,
		CreatedAt:    now,
		log:          NewOutputLog(maxOutput),
		status:       StatusInitializing,
		ttl:          ttl,
		lastActivity: now,
		expiresAt:    now.Add(ttl),
		env:          snapshot,
		settled:      make(chan struct{}),
	}
}

func (s *Session) Log() *OutputLog { return s.log }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Transition moves the session to a new status.
func (s *Session) Transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

// Advance is Transition on behalf of run generation gen. A stale
// generation never moves the session.
func (s *Session) Advance(gen int, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return fmt.Errorf("%w: generation %d superseded by %d", ErrInvalidTransition, gen, s.generation)
	}
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to Status) error {
	if !CanTransition(s.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, to)
	}
	s.status = to
	return nil
}

// Touch renews the lease. Leases only move forward: an older timestamp
// arriving late never shortens expiry.
func (s *Session) Touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.lastActivity) {
		s.lastActivity = at
	}
	s.expiresAt = s.lastActivity.Add(s.ttl)
}

// SetTTL replaces the lease length and recomputes expiry.
func (s *Session) SetTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl > 0 {
		s.ttl = ttl
		s.expiresAt = s.lastActivity.Add(ttl)
	}
}

func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Expired reports whether the lease has lapsed at now.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.expiresAt)
}

// Env returns a copy of the environment snapshot.
func (s *Session) Env() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.env))
	for k, v := range s.env {
		out[k] = v
	}
	return out
}

func (s *Session) Handle() sandbox.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// AttachHandle records the sandbox the session exclusively owns. It fails
// once the session has settled or been destroyed, or when a handle is
// already attached; the caller then owns h and must destroy it.
func (s *Session) AttachHandle(h sandbox.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Live() {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, s.ID, s.status)
	}
	if !s.handle.IsZero() {
		return fmt.Errorf("%w: %s", ErrHandleInUse, s.handle)
	}
	s.handle = h
	return nil
}

// DetachHandle clears and returns the sandbox handle so exactly one caller
// destroys it.
func (s *Session) DetachHandle() sandbox.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handle
	s.handle = sandbox.Handle{}
	return h
}

// BeginRun starts a new run generation. Output from older generations is
// dropped from then on.
func (s *Session) BeginRun(now time.Time, cancel context.CancelFunc) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.generation++
	s.cancelRun = cancel
	s.startedAt = now
	s.endedAt = time.Time{}
	s.exitCode = nil
	s.preview = ""
	s.err = nil
	s.busy = true
	select {
	case <-s.settled:
		s.settled = make(chan struct{})
	default:
	}
	return s.generation
}

func (s *Session) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Current reports whether gen is still the active run generation.
func (s *Session) Current(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation && s.status != StatusDestroyed
}

// Busy reports whether a generation is inside its time-critical section:
// boot, mount, install, build or a run still waiting for readiness.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Settled returns a channel closed when the current generation reaches a
// resting point: a terminal status, readiness, or destruction.
func (s *Session) Settled() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled
}

// Outcome describes how a generation settled.
type Outcome struct {
	Status   Status
	ExitCode *int
	Err      error
	Preview  string
	At       time.Time
}

// Settle applies the outcome of generation gen. It returns false when gen
// is stale or the transition is not allowed, in which case nothing changes.
func (s *Session) Settle(gen int, o Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	if o.Status != s.status && !CanTransition(s.status, o.Status) {
		return false
	}
	s.status = o.Status
	if o.ExitCode != nil {
		code := *o.ExitCode
		s.exitCode = &code
	}
	if o.Err != nil {
		s.err = o.Err
	}
	if o.Preview != "" {
		s.preview = o.Preview
	}
	if o.Status.Terminal() {
		s.endedAt = o.At
		if s.cancelRun != nil {
			s.cancelRun()
			s.cancelRun = nil
		}
	}
	s.busy = false
	s.closeSettledLocked()
	return true
}

// RecordExit stores the exit of a long-lived process that settled earlier
// on readiness. It moves running to completed or failed.
func (s *Session) RecordExit(gen int, code int, err error, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.status != StatusRunning {
		return false
	}
	c := code
	s.exitCode = &c
	s.endedAt = at
	if code == 0 && err == nil {
		s.status = StatusCompleted
	} else {
		s.status = StatusFailed
		s.err = err
	}
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	return true
}

// Destroy marks the session destroyed, cancels any run in flight and wakes
// waiters. It reports false when the session was already destroyed.
func (s *Session) Destroy(at time.Time, evicted bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDestroyed {
		return false
	}
	if evicted && CanTransition(s.status, StatusExpired) {
		s.status = StatusExpired
	}
	s.status = StatusDestroyed
	if s.endedAt.IsZero() {
		s.endedAt = at
	}
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	s.busy = false
	s.closeSettledLocked()
	return true
}

func (s *Session) closeSettledLocked() {
	select {
	case <-s.settled:
	default:
		close(s.settled)
	}
}

// Err returns the failure recorded for the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Preview() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preview
}

// SetPreview records the preview endpoint for generation gen.
func (s *Session) SetPreview(gen int, endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.generation {
		s.preview = endpoint
	}
}

// OutputWriter returns a writer appending to the log on behalf of
// generation gen. Writes from a stale generation, or after a timeout or
// destroy, are discarded.
func (s *Session) OutputWriter(gen int, stream Stream) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		if s.acceptsOutput(gen) {
			s.log.Append(stream, string(p))
		}
		return len(p), nil
	})
}

func (s *Session) acceptsOutput(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation && s.status != StatusDestroyed && s.status != StatusTimeout
}

// System appends a lifecycle note to the output log.
func (s *Session) System(format string, args ...any) {
	s.log.Append(StreamSystem, fmt.Sprintf(format, args...))
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// Snapshot is a point-in-time copy of a session for reporting and storage.
type Snapshot struct {
	ID           string            `json:"sessionId"`
	OwnerKey     string            `json:"ownerKey"`
	TargetID     string            `json:"targetId"`
	Status       Status            `json:"status"`
	Handle       sandbox.Handle    `json:"-"`
	Generation   int               `json:"generation"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastActivity time.Time         `json:"lastActivity"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	StartedAt    time.Time         `json:"startedAt,omitempty"`
	EndedAt      time.Time         `json:"endedAt,omitempty"`
	ExitCode     *int              `json:"exitCode,omitempty"`
	Preview      string            `json:"previewEndpoint,omitempty"`
	Error        string            `json:"error,omitempty"`
	ErrorKind    string            `json:"errorKind,omitempty"`
	Env          map[string]string `json:"-"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:           s.ID,
		OwnerKey:     s.Key.OwnerKey,
		TargetID:     s.Key.TargetID,
		Status:       s.status,
		Handle:       s.handle,
		Generation:   s.generation,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		ExpiresAt:    s.expiresAt,
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
		Preview:      s.preview,
	}
	if s.exitCode != nil {
		code := *s.exitCode
		snap.ExitCode = &code
	}
	if s.err != nil {
		snap.Error = s.err.Error()
		snap.ErrorKind = sandbox.Kind(s.err)
	}
	return snap
}

// Duration is the wall time of the current generation, up to now when it
// has not ended.
func (snap Snapshot) Duration(now time.Time) time.Duration {
	if snap.StartedAt.IsZero() {
		return 0
	}
	end := snap.EndedAt
	if end.IsZero() {
		end = now
	}
	return end.Sub(snap.StartedAt)
}
