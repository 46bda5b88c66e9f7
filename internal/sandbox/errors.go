package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. Every failure surfaced by the
// session manager wraps exactly one of these.
var (
	ErrBootFailure        = errors.New("sandbox boot failed")
	ErrMountFailure       = errors.New("file tree mount failed")
	ErrDependencyInstall  = errors.New("dependency install failed")
	ErrBuild              = errors.New("build failed")
	ErrRuntime            = errors.New("run step failed")
	ErrTimeout            = errors.New("execution timed out")
	ErrResourceExhausted  = errors.New("sandbox capacity exhausted")
	ErrInvalidRequest     = errors.New("invalid execution request")
	ErrSecurityViolation  = errors.New("security violation detected")
	ErrSandboxNotFound    = errors.New("sandbox not found")
	ErrNoEndpoint         = errors.New("preview endpoint unavailable")
	ErrEngineUnavailable  = errors.New("sandbox engine unavailable")
	ErrUnsupportedRuntime = errors.New("unsupported runtime")
)

// Error kinds reported to API clients and persisted with session records.
const (
	KindBootFailure       = "boot_failure"
	KindMountFailure      = "mount_failure"
	KindDependencyInstall = "dependency_install_failure"
	KindBuild             = "build_failure"
	KindRuntime           = "runtime_error"
	KindTimeout           = "timeout"
	KindResourceExhausted = "resource_exhaustion"
	KindInvalidRequest    = "invalid_request"
	KindSecurityViolation = "security_violation"
	KindNotFound          = "not_found"
	KindInternal          = "internal"
)

// ExecutionError wraps errors with session context.
type ExecutionError struct {
	SessionID string
	Op        string // The operation that failed
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("session %s: %s: %s", e.SessionID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Kind maps an error onto its taxonomy kind. Unknown errors are internal.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrBootFailure), errors.Is(err, ErrEngineUnavailable):
		return KindBootFailure
	case errors.Is(err, ErrMountFailure):
		return KindMountFailure
	case errors.Is(err, ErrDependencyInstall):
		return KindDependencyInstall
	case errors.Is(err, ErrBuild):
		return KindBuild
	case errors.Is(err, ErrRuntime):
		return KindRuntime
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnsupportedRuntime):
		return KindInvalidRequest
	case errors.Is(err, ErrSecurityViolation):
		return KindSecurityViolation
	case errors.Is(err, ErrSandboxNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRetryable reports whether a boot attempt that failed with err may be
// retried once.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBootFailure) || errors.Is(err, ErrResourceExhausted)
}

// IsSecurityViolation returns true if the error is a security violation.
func IsSecurityViolation(err error) bool {
	return errors.Is(err, ErrSecurityViolation)
}
