package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"sandbox-sessions/internal/sandbox"
	"sandbox-sessions/internal/session"
	"sandbox-sessions/internal/source"
)

// Request asks for one target to be executed for one owner.
type Request struct {
	OwnerKey        string                  `json:"owner_key"`
	TargetID        string                  `json:"target_id"`
	OverrideCommand string                  `json:"override_command,omitempty"`
	TimeoutMs       int64                   `json:"timeout_ms,omitempty"`
	TTLMs           int64                   `json:"ttl_ms,omitempty"`
	ExtraEnv        map[string]string       `json:"extra_env,omitempty"`
	Files           map[string]string       `json:"files,omitempty"` // inline delta over the target tree
	Limits          *sandbox.ResourceLimits `json:"limits,omitempty"`
	// ParallelHint asks for this target to run alongside its siblings in a
	// batch. A batch runs concurrently when every target carries it.
	ParallelHint    bool                    `json:"parallel_hint,omitempty"`
}

func (r Request) key() session.Key {
	return session.Key{OwnerKey: r.OwnerKey, TargetID: r.TargetID}
}

// delta converts the inline files into a tree.
func (r Request) delta() sandbox.FileTree {
	if len(r.Files) == 0 {
		return nil
	}
	tree := make(sandbox.FileTree, len(r.Files))
	for p, content := range r.Files {
		tree[p] = []byte(content)
	}
	return tree
}

// Validate checks the request shape. Deadlines are checked against cfg.
func (r Request) Validate(cfg Config) error {
	if strings.TrimSpace(r.OwnerKey) == "" {
		return fmt.Errorf("%w: owner_key is required", sandbox.ErrInvalidRequest)
	}
	if len(r.OwnerKey) > 256 {
		return fmt.Errorf("%w: owner_key too long", sandbox.ErrInvalidRequest)
	}
	if err := source.ValidateTargetID(r.TargetID); err != nil {
		return err
	}
	if r.TimeoutMs < 0 || r.TTLMs < 0 {
		return fmt.Errorf("%w: timeout_ms and ttl_ms must not be negative", sandbox.ErrInvalidRequest)
	}
	if cfg.MaxTimeout > 0 && time.Duration(r.TimeoutMs)*time.Millisecond > cfg.MaxTimeout {
		return fmt.Errorf("%w: timeout_ms exceeds maximum of %s", sandbox.ErrInvalidRequest, cfg.MaxTimeout)
	}
	if len(r.OverrideCommand) > 64<<10 {
		return fmt.Errorf("%w: override_command too large", sandbox.ErrInvalidRequest)
	}
	if r.Limits != nil {
		if err := r.Limits.OrDefault().Validate(); err != nil {
			return err
		}
	}
	return ValidateEnv(r.ExtraEnv, cfg.BlockedEnvKeys)
}

func (r Request) timeout(cfg Config) time.Duration {
	if r.TimeoutMs > 0 {
		return time.Duration(r.TimeoutMs) * time.Millisecond
	}
	return cfg.DefaultTimeout
}

func (r Request) ttl(cfg Config) time.Duration {
	if r.TTLMs > 0 {
		return time.Duration(r.TTLMs) * time.Millisecond
	}
	return cfg.TTL
}

// ErrorInfo is the reported form of a session failure.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result reports a session's execution.
type Result struct {
	SessionID       string         `json:"session_id"`
	OwnerKey        string         `json:"owner_key"`
	TargetID        string         `json:"target_id"`
	Status          session.Status `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	DurationMs      *int64         `json:"duration_ms,omitempty"`
	ExitCode        *int           `json:"exit_code,omitempty"`
	Output          []string       `json:"output"`
	Error           *ErrorInfo     `json:"error,omitempty"`
	PreviewEndpoint string         `json:"preview_endpoint,omitempty"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

// Succeeded reports whether the result counts as a success in a batch: a
// clean exit, or a long-lived process that signalled readiness.
func (r Result) Succeeded() bool {
	return r.Status == session.StatusCompleted || (r.Status == session.StatusRunning && r.Error == nil)
}

// ResultOf builds the report for s.
func ResultOf(s *session.Session, now time.Time) Result {
	snap := s.Snapshot()
	res := Result{
		SessionID:       snap.ID,
		OwnerKey:        snap.OwnerKey,
		TargetID:        snap.TargetID,
		Status:          snap.Status,
		StartedAt:       snap.StartedAt,
		ExitCode:        snap.ExitCode,
		Output:          s.Log().Texts(),
		PreviewEndpoint: snap.Preview,
		ExpiresAt:       snap.ExpiresAt,
	}
	if !snap.EndedAt.IsZero() {
		ended := snap.EndedAt
		res.EndedAt = &ended
		ms := snap.Duration(now).Milliseconds()
		res.DurationMs = &ms
	}
	if snap.Error != "" && (snap.Status == session.StatusFailed || snap.Status == session.StatusTimeout) {
		res.Error = &ErrorInfo{Kind: snap.ErrorKind, Message: snap.Error}
	}
	return res
}

// failedResult reports a request that never produced a session.
func failedResult(req Request, err error) Result {
	return Result{
		OwnerKey: req.OwnerKey,
		TargetID: req.TargetID,
		Status:   session.StatusFailed,
		Output:   []string{},
		Error:    &ErrorInfo{Kind: sandbox.Kind(err), Message: err.Error()},
	}
}

// Summary aggregates a batch.
type Summary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// BatchResult holds per-target results in request order.
type BatchResult struct {
	Results []Result `json:"results"`
	Summary Summary  `json:"summary"`
}
