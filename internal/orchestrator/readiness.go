package orchestrator

import (
	"bytes"
	"io"
	"regexp"
	"strconv"
	"sync"
)

var defaultReadyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)listening on`),
	regexp.MustCompile(`(?i)ready in`),
	regexp.MustCompile(`(?i)local:\s+https?://`),
	regexp.MustCompile(`(?i)running on https?://`),
	regexp.MustCompile(`(?i)server started`),
}

var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::\]|[A-Za-z][\w.-]*):(\d{2,5})\b`),
	regexp.MustCompile(`(?i)\bport\s*:?\s*(\d{2,5})\b`),
}

// maxPendingLine bounds the unterminated tail kept per stream.
const maxPendingLine = 4096

// readiness watches run output for the first line signalling that a
// long-lived process is serving. It fires at most once.
type readiness struct {
	patterns    []*regexp.Regexp
	defaultPort int

	once sync.Once
	ch   chan int
}

// newReadiness compiles pattern, or falls back to the defaults when it is
// empty. Manifests are validated upstream so a bad pattern also falls back.
func newReadiness(pattern string, defaultPort int) *readiness {
	r := &readiness{patterns: defaultReadyPatterns, defaultPort: defaultPort, ch: make(chan int, 1)}
	if pattern != "" {
		if re, err := regexp.Compile(pattern); err == nil {
			r.patterns = []*regexp.Regexp{re}
		}
	}
	return r
}

// Ready delivers the detected port once.
func (r *readiness) Ready() <-chan int { return r.ch }

// Stream returns a writer for one output stream. Lines are matched only
// once complete.
func (r *readiness) Stream() io.Writer { return &lineScanner{r: r} }

func (r *readiness) scan(line []byte) {
	for _, re := range r.patterns {
		if !re.Match(line) {
			continue
		}
		port := extractPort(line, r.defaultPort)
		r.once.Do(func() { r.ch <- port })
		return
	}
}

// extractPort pulls host:port or "port N" out of a ready line.
func extractPort(line []byte, fallback int) int {
	for _, re := range portPatterns {
		m := re.FindSubmatch(line)
		if m == nil {
			continue
		}
		if port, err := strconv.Atoi(string(m[1])); err == nil && port > 0 && port <= 65535 {
			return port
		}
	}
	return fallback
}

type lineScanner struct {
	r       *readiness
	mu      sync.Mutex
	pending []byte
}

func (l *lineScanner) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, p...)
	for {
		i := bytes.IndexByte(l.pending, '\n')
		if i < 0 {
			break
		}
		l.r.scan(l.pending[:i])
		l.pending = l.pending[i+1:]
	}
	if len(l.pending) > maxPendingLine {
		l.r.scan(l.pending)
		l.pending = l.pending[:0]
	}
	return len(p), nil
}
