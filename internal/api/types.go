package api

import (
	"errors"
	"net/http"

	"sandbox-sessions/internal/orchestrator"
	"sandbox-sessions/internal/sandbox"
	"sandbox-sessions/internal/session"
	"sandbox-sessions/internal/storage"
)

// StartResponse acknowledges a start request.
type StartResponse struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// BatchRequest starts several targets for one owner.
type BatchRequest struct {
	OwnerKey  string            `json:"owner_key"`
	TargetIDs []string          `json:"target_ids"`
	Parallel  bool              `json:"parallel"`
	TimeoutMs int64             `json:"timeout_ms,omitempty"`
	ExtraEnv  map[string]string `json:"extra_env,omitempty"`
}

func (b BatchRequest) requests() []orchestrator.Request {
	reqs := make([]orchestrator.Request, len(b.TargetIDs))
	for i, id := range b.TargetIDs {
		reqs[i] = orchestrator.Request{
			OwnerKey:  b.OwnerKey,
			TargetID:  id,
			TimeoutMs: b.TimeoutMs,
			ExtraEnv:  b.ExtraEnv,
		}
	}
	return reqs
}

// ListResponse holds live sessions and, when a store is configured,
// historical records.
type ListResponse struct {
	Sessions []orchestrator.Result  `json:"sessions"`
	History  []storage.SessionRecord `json:"history,omitempty"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Engine   string `json:"engine"`
	EngineOK bool   `json:"engine_ok"`
	Store    bool   `json:"store"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
}

// statusFor maps an error onto its HTTP status and API code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	}
	switch sandbox.Kind(err) {
	case sandbox.KindInvalidRequest:
		return http.StatusBadRequest, "INVALID_REQUEST"
	case sandbox.KindSecurityViolation:
		return http.StatusForbidden, "SECURITY_BLOCKED"
	case sandbox.KindResourceExhausted:
		return http.StatusServiceUnavailable, "RESOURCE_EXHAUSTED"
	case sandbox.KindBootFailure:
		return http.StatusServiceUnavailable, "ENGINE_UNAVAILABLE"
	case sandbox.KindNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case sandbox.KindTimeout:
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func kindOf(err error) string {
	if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, storage.ErrNotFound) {
		return sandbox.KindNotFound
	}
	return sandbox.Kind(err)
}
