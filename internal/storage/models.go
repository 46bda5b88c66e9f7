package storage

import (
	"time"

	"sandbox-sessions/internal/session"
)

// OutputTailLines bounds how much output a stored record keeps.
const OutputTailLines = 200

// SessionRecord is the persisted form of a session snapshot.
type SessionRecord struct {
	ID           string     `json:"id" db:"id"`
	OwnerKey     string     `json:"owner_key" db:"owner_key"`
	TargetID     string     `json:"target_id" db:"target_id"`
	Status       string     `json:"status" db:"status"`
	Generation   int        `json:"generation" db:"generation"`
	ExitCode     *int       `json:"exit_code,omitempty" db:"exit_code"`
	Preview      string     `json:"preview_endpoint,omitempty" db:"preview_endpoint"`
	Error        string     `json:"error,omitempty" db:"error"`
	ErrorKind    string     `json:"error_kind,omitempty" db:"error_kind"`
	OutputTail   []string   `json:"output_tail" db:"output_tail"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	LastActivity time.Time  `json:"last_activity" db:"last_activity"`
	ExpiresAt    time.Time  `json:"expires_at" db:"expires_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// RecordFrom captures s for storage.
func RecordFrom(s *session.Session, now time.Time) *SessionRecord {
	snap := s.Snapshot()
	rec := &SessionRecord{
		ID:           snap.ID,
		OwnerKey:     snap.OwnerKey,
		TargetID:     snap.TargetID,
		Status:       string(snap.Status),
		Generation:   snap.Generation,
		ExitCode:     snap.ExitCode,
		Preview:      snap.Preview,
		Error:        snap.Error,
		ErrorKind:    snap.ErrorKind,
		OutputTail:   tail(s.Log().Texts(), OutputTailLines),
		CreatedAt:    snap.CreatedAt,
		LastActivity: snap.LastActivity,
		ExpiresAt:    snap.ExpiresAt,
		StartedAt:    timePtr(snap.StartedAt),
		EndedAt:      timePtr(snap.EndedAt),
		UpdatedAt:    now,
	}
	return rec
}

// RecordFilter provides criteria for listing records.
type RecordFilter struct {
	OwnerKey string
	Status   string
	Limit    int
	Offset   int
}

func (f RecordFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

func (f RecordFilter) matches(rec *SessionRecord) bool {
	return (f.OwnerKey == "" || rec.OwnerKey == f.OwnerKey) && (f.Status == "" || rec.Status == f.Status)
}

func tail(lines []string, n int) []string {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
