// Package proxy forwards preview traffic to the long-lived process of a
// session.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/sandbox"
	"sandbox-sessions/internal/session"
)

// Sessions resolves a session and renews its lease.
type Sessions interface {
	Touch(id string) (*session.Session, error)
}

// PreviewProxy serves /preview/{id}/{path...}. Every proxied request
// counts as activity on the session.
type PreviewProxy struct {
	sessions Sessions
	// stripHeaders are removed before forwarding so API credentials never
	// reach sandboxed code.
	stripHeaders []string
	transport    http.RoundTripper
}

func New(sessions Sessions, apiKeyHeader string) *PreviewProxy {
	strip := []string{"Authorization", "Cookie"}
	if apiKeyHeader != "" {
		strip = append(strip, apiKeyHeader)
	}
	return &PreviewProxy{
		sessions:     sessions,
		stripHeaders: strip,
		transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
	}
}

func (p *PreviewProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, err := p.sessions.Touch(id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	target, err := previewTarget(s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	rest := r.PathValue("path")
	rp := &httputil.ReverseProxy{
		Transport: p.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = strings.TrimSuffix(target.Path, "/") + "/" + rest
			pr.Out.URL.RawPath = ""
			for _, h := range p.stripHeaders {
				pr.Out.Header.Del(h)
			}
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Debug().Err(err).Str("session_id", id).Msg("preview upstream failed")
			http.Error(w, "preview unavailable", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}

func previewTarget(s *session.Session) (*url.URL, error) {
	endpoint := s.Preview()
	if endpoint == "" || s.Status() != session.StatusRunning {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNoEndpoint, s.ID)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrNoEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("preview endpoint must be http or https")
	}
	return u, nil
}
