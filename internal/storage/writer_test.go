package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"sandbox-sessions/internal/config"
	"sandbox-sessions/internal/monitor"
)

func configFor(driver string) config.StoreConfig {
	return config.StoreConfig{Driver: driver}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

// flakyStore fails the first failures saves.
type flakyStore struct {
	*Memory
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) Save(ctx context.Context, rec *SessionRecord) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.Memory.Save(ctx, rec)
}

func TestSnapshotWriter_RetriesThenSucceeds(t *testing.T) {
	st := &flakyStore{Memory: NewMemory(), failures: 2}
	metrics := monitor.NewMetrics()
	w := NewSnapshotWriter(st, metrics, 10)
	w.baseBackoff = time.Millisecond
	w.Start()

	w.Log(record("s-1", "alice", "completed", 1, base))
	w.Flush(time.Second)

	if _, err := st.Get(context.Background(), "s-1"); err != nil {
		t.Fatalf("record not written: %v", err)
	}
	if st.calls != 3 {
		t.Errorf("save calls = %d, want 3", st.calls)
	}
	if got := counterValue(t, metrics.SnapshotWrites.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok writes = %v, want 1", got)
	}
}

func TestSnapshotWriter_GivesUpAfterRetries(t *testing.T) {
	st := &flakyStore{Memory: NewMemory(), failures: 100}
	metrics := monitor.NewMetrics()
	w := NewSnapshotWriter(st, metrics, 10)
	w.baseBackoff = time.Millisecond
	w.Start()

	w.Log(record("s-1", "alice", "completed", 1, base))
	w.Flush(time.Second)

	if st.calls != 4 {
		t.Errorf("save calls = %d, want 4", st.calls)
	}
	if got := counterValue(t, metrics.SnapshotWrites.WithLabelValues("error")); got != 1 {
		t.Errorf("failed writes = %v, want 1", got)
	}
}

func TestSnapshotWriter_DropsWhenFull(t *testing.T) {
	metrics := monitor.NewMetrics()
	w := NewSnapshotWriter(NewMemory(), metrics, 1)

	// Not started: the first entry fills the buffer.
	w.Log(record("s-1", "alice", "running", 1, base))
	w.Log(record("s-2", "alice", "running", 1, base))

	if got := counterValue(t, metrics.SnapshotWrites.WithLabelValues("dropped")); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestSnapshotWriter_FlushDrainsQueue(t *testing.T) {
	st := NewMemory()
	w := NewSnapshotWriter(st, nil, 100)
	for i, id := range []string{"a", "b", "c"} {
		w.Log(record(id, "alice", "completed", 1, base.Add(time.Duration(i)*time.Second)))
	}
	w.Start()
	w.Flush(time.Second)
	w.Flush(time.Second)

	list, _ := st.List(context.Background(), RecordFilter{})
	if len(list) != 3 {
		t.Errorf("stored %d records, want 3", len(list))
	}
}

func TestReconcile(t *testing.T) {
	st := NewMemory()
	_ = st.Save(context.Background(), record("s-1", "alice", "running", 1, base))
	if err := Reconcile(context.Background(), st, base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	rec, _ := st.Get(context.Background(), "s-1")
	if rec.Status != "destroyed" {
		t.Errorf("status = %s, want destroyed", rec.Status)
	}
}
