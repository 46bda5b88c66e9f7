package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/orchestrator"
	"sandbox-sessions/internal/session"
)

// idleCheck is how often a quiet stream rechecks whether its session has
// reached a resting status.
const idleCheck = 500 * time.Millisecond

// follow delivers the session's output from cursor on: the buffered
// records first, then live ones. It returns nil once the session is no
// longer live and every record has been delivered.
func follow(ctx context.Context, s *session.Session, cursor int, emit func(session.Record) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	records := s.Log().Subscribe(ctx, cursor)

	ticker := time.NewTicker(idleCheck)
	defer ticker.Stop()
	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return ctx.Err()
			}
			if err := emit(rec); err != nil {
				return err
			}
			cursor = rec.Seq + 1
		case <-ticker.C:
			if !s.Status().Live() && s.Log().Len() <= cursor {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// cursorFrom reads the resume point from Last-Event-ID or ?cursor=.
func cursorFrom(r *http.Request) int {
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		if n, err := strconv.Atoi(id); err == nil && n >= 0 {
			return n + 1
		}
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("cursor")); err == nil && n >= 0 {
		return n
	}
	return 0
}

// SSEWriter writes Server-Sent Events and flushes each one.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter returns nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEWriter{w: w, flusher: flusher}
}

// Event sends one event. id is omitted when negative.
func (s *SSEWriter) Event(id int, event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id >= 0 {
		fmt.Fprintf(s.w, "id: %d\n", id)
	}
	fmt.Fprintf(s.w, "event: %s\n", event)
	// Each line needs its own data: prefix or a newline in process output
	// would end the event.
	for _, line := range strings.Split(strings.TrimSuffix(data, "\n"), "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (h *Handlers) HandleOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, err := h.orch.Touch(id)
	if err != nil {
		writeErr(w, err, r)
		return
	}

	sse := NewSSEWriter(w)
	if sse == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	err = follow(r.Context(), s, cursorFrom(r), func(rec session.Record) error {
		return sse.Event(rec.Seq, string(rec.Stream), rec.Text)
	})
	if err != nil {
		log.Debug().Err(err).Str("session_id", id).Msg("output stream ended")
		return
	}
	done, _ := json.Marshal(orchestrator.ResultOf(s, time.Now()))
	_ = sse.Event(-1, "done", string(done))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// wsMessage is one frame of the WebSocket output stream.
type wsMessage struct {
	Type   string               `json:"type"` // record or done
	Record *session.Record      `json:"record,omitempty"`
	Result *orchestrator.Result `json:"result,omitempty"`
}

func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, err := h.orch.Touch(id)
	if err != nil {
		writeErr(w, err, r)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("session_id", id).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = follow(ctx, s, cursorFrom(r), func(rec session.Record) error {
		return ws.WriteJSON(wsMessage{Type: "record", Record: &rec})
	})
	if err != nil {
		return
	}
	res := orchestrator.ResultOf(s, time.Now())
	_ = ws.WriteJSON(wsMessage{Type: "done", Result: &res})
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
