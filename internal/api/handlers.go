package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/monitor"
	"sandbox-sessions/internal/orchestrator"
	"sandbox-sessions/internal/storage"
)

type Handlers struct {
	orch    *orchestrator.Orchestrator
	store   storage.Store
	metrics *monitor.Metrics
	// waitTimeout caps ?wait=true requests.
	waitTimeout time.Duration
}

func NewHandlers(orch *orchestrator.Orchestrator, store storage.Store, metrics *monitor.Metrics, waitTimeout time.Duration) *Handlers {
	if waitTimeout <= 0 {
		waitTimeout = 30 * time.Minute
	}
	return &Handlers{orch: orch, store: store, metrics: metrics, waitTimeout: waitTimeout}
}

func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	s, err := h.orch.Start(r.Context(), req)
	if err != nil {
		writeErr(w, err, r)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := context.WithTimeout(r.Context(), h.waitTimeout)
		defer cancel()
		if err := h.orch.Wait(ctx, s); err != nil {
			log.Debug().Err(err).Str("session_id", s.ID).Msg("wait ended before settle")
		}
		writeJSON(w, http.StatusOK, orchestrator.ResultOf(s, time.Now()))
		return
	}

	writeJSON(w, http.StatusAccepted, StartResponse{SessionID: s.ID, Status: s.Status()})
}

func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := h.orch.Status(id)
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}

	if h.store != nil {
		rec, serr := h.store.Get(r.Context(), id)
		if serr == nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
		if !errors.Is(serr, storage.ErrNotFound) {
			log.Warn().Err(serr).Str("session_id", id).Msg("snapshot lookup failed")
		}
	}
	writeErr(w, err, r)
}

func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner_key")
	resp := ListResponse{Sessions: h.orch.List(owner)}

	if h.store != nil && r.URL.Query().Get("history") != "" {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		recs, err := h.store.List(r.Context(), storage.RecordFilter{
			OwnerKey: owner,
			Status:   r.URL.Query().Get("status"),
			Limit:    limit,
		})
		if err != nil {
			writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
			return
		}
		resp.History = recs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.orch.Stop(r.Context(), id); err != nil {
		// The session is gone either way; engine errors are only logged.
		log.Warn().Err(err).Str("session_id", id).Msg("stop finished with errors")
	}
	writeJSON(w, http.StatusAccepted, StopResponse{SessionID: id, Status: "destroyed"})
}

func (h *Handlers) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.waitTimeout)
	defer cancel()
	batch, err := h.orch.StartMultiple(ctx, req.requests(), req.Parallel)
	if err != nil {
		writeErr(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}

// writeErr reports err with the status its kind maps to.
func writeErr(w http.ResponseWriter, err error, r *http.Request) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{
		Error:     err.Error(),
		Code:      code,
		Kind:      kindOf(err),
		RequestID: RequestIDFromContext(r.Context()),
	})
}
