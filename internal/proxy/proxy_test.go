package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sandbox-sessions/internal/session"
)

type fakeSessions struct {
	byID    map[string]*session.Session
	touched []string
}

func (f *fakeSessions) Touch(id string) (*session.Session, error) {
	s, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	f.touched = append(f.touched, id)
	return s, nil
}

func runningSession(t *testing.T, reg *session.Registry, target, endpoint string) *session.Session {
	t.Helper()
	s := reg.Create(session.Key{OwnerKey: "alice", TargetID: target}, time.Minute, nil)
	if err := s.Transition(session.StatusReady); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(session.StatusRunning); err != nil {
		t.Fatal(err)
	}
	s.SetPreview(s.Generation(), endpoint)
	return s
}

func newMux(p *PreviewProxy) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/preview/{id}/{path...}", p)
	return mux
}

func TestPreviewProxy_ForwardsAndStripsCredentials(t *testing.T) {
	var gotPath, gotKey, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotKey = r.Header.Get("X-API-Key")
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, "hello from sandbox")
	}))
	defer upstream.Close()

	reg := session.NewRegistry(0)
	s := runningSession(t, reg, "web", upstream.URL)
	sessions := &fakeSessions{byID: map[string]*session.Session{s.ID: s}}
	srv := httptest.NewServer(newMux(New(sessions, "X-API-Key")))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/preview/"+s.ID+"/assets/app.js?v=2", nil)
	req.Header.Set("X-API-Key", "secret")
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK || string(body) != "hello from sandbox" {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
	if gotPath != "/assets/app.js?v=2" {
		t.Errorf("upstream path = %q", gotPath)
	}
	if gotKey != "" || gotAuth != "" {
		t.Errorf("credentials forwarded: key=%q auth=%q", gotKey, gotAuth)
	}
	if len(sessions.touched) != 1 {
		t.Errorf("lease not renewed: %v", sessions.touched)
	}
}

func TestPreviewProxy_Errors(t *testing.T) {
	reg := session.NewRegistry(0)
	noPreview := reg.Create(session.Key{OwnerKey: "alice", TargetID: "cli"}, time.Minute, nil)
	dead := runningSession(t, reg, "dead", "http://127.0.0.1:1")

	sessions := &fakeSessions{byID: map[string]*session.Session{
		noPreview.ID: noPreview,
		dead.ID:      dead,
	}}
	mux := newMux(New(sessions, "X-API-Key"))

	tests := []struct {
		name string
		id   string
		want int
	}{
		{"unknown session", "missing", http.StatusNotFound},
		{"no preview endpoint", noPreview.ID, http.StatusBadGateway},
		{"upstream down", dead.ID, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview/"+tt.id+"/", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
