package session

import (
	"context"
	"sync"
	"time"
)

type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
)

// TruncatedMarker is appended once when the log reaches its byte cap.
const TruncatedMarker = "[output truncated]"

// Record is one entry of a session's output log.
type Record struct {
	Seq    int       `json:"seq"`
	Time   time.Time `json:"timestamp"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
}

// OutputLog is an append-only, totally ordered log of a session's output.
// Subscribers read by cursor so a slow reader never blocks producers and
// never misses records.
type OutputLog struct {
	mu        sync.Mutex
	records   []Record
	bytes     int
	maxBytes  int
	truncated bool
	closed    bool
	notify    chan struct{}
	now       func() time.Time
}

// NewOutputLog returns a log capped at maxBytes of stdout/stderr text.
// A cap <= 0 means unbounded.
func NewOutputLog(maxBytes int) *OutputLog {
	return &OutputLog{
		maxBytes: maxBytes,
		notify:   make(chan struct{}),
		now:      time.Now,
	}
}

// Append adds a record and wakes subscribers. Once the cap is hit further
// stdout/stderr text is dropped; system records are always kept.
func (l *OutputLog) Append(stream Stream, text string) bool {
	if text == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	if stream != StreamSystem && l.maxBytes > 0 {
		if l.truncated {
			return false
		}
		if l.bytes+len(text) > l.maxBytes {
			l.truncated = true
			l.appendLocked(StreamSystem, TruncatedMarker)
			return false
		}
		l.bytes += len(text)
	}
	l.appendLocked(stream, text)
	return true
}

func (l *OutputLog) appendLocked(stream Stream, text string) {
	l.records = append(l.records, Record{
		Seq:    len(l.records),
		Time:   l.now(),
		Stream: stream,
		Text:   text,
	})
	close(l.notify)
	l.notify = make(chan struct{})
}

// Close ends the log. Subscribers drain what is left and then finish.
func (l *OutputLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.notify)
}

func (l *OutputLog) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *OutputLog) Truncated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncated
}

func (l *OutputLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Records returns a copy of every record so far.
func (l *OutputLog) Records() []Record {
	recs, _, _ := l.Since(0)
	return recs
}

// Texts returns the text of every record so far.
func (l *OutputLog) Texts() []string {
	recs := l.Records()
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Text
	}
	return out
}

// Since returns records with Seq >= cursor, a channel that is closed on the
// next append, and whether the log is closed.
func (l *OutputLog) Since(cursor int) ([]Record, <-chan struct{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cursor < 0 {
		cursor = 0
	}
	var out []Record
	if cursor < len(l.records) {
		out = make([]Record, len(l.records)-cursor)
		copy(out, l.records[cursor:])
	}
	return out, l.notify, l.closed
}

// Subscribe delivers every record from cursor on, in order, until the log
// closes or ctx is done.
func (l *OutputLog) Subscribe(ctx context.Context, cursor int) <-chan Record {
	out := make(chan Record, 64)
	go func() {
		defer close(out)
		for {
			recs, notify, closed := l.Since(cursor)
			for _, r := range recs {
				select {
				case out <- r:
					cursor = r.Seq + 1
				case <-ctx.Done():
					return
				}
			}
			if len(recs) > 0 {
				continue
			}
			if closed {
				return
			}
			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
