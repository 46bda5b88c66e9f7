package session

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan Record) []Record {
	t.Helper()
	var out []Record
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatal("subscriber did not finish")
		}
	}
}

func TestOutputLog_SequenceIsDense(t *testing.T) {
	l := NewOutputLog(0)
	l.Append(StreamStdout, "a")
	l.Append(StreamStderr, "b")
	l.Append(StreamSystem, "c")
	l.Append(StreamStdout, "")

	recs := l.Records()
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i, r := range recs {
		if r.Seq != i {
			t.Errorf("record %d has seq %d", i, r.Seq)
		}
	}
	if recs[1].Stream != StreamStderr {
		t.Errorf("stream = %s, want stderr", recs[1].Stream)
	}
}

func TestOutputLog_TruncatesOnce(t *testing.T) {
	l := NewOutputLog(10)
	l.Append(StreamStdout, "12345")
	l.Append(StreamStdout, "67890")
	l.Append(StreamStdout, "overflow")
	l.Append(StreamStdout, "more")
	l.Append(StreamSystem, "done")

	texts := l.Texts()
	want := []string{"12345", "67890", TruncatedMarker, "done"}
	if fmt.Sprint(texts) != fmt.Sprint(want) {
		t.Errorf("texts = %q, want %q", texts, want)
	}
	if !l.Truncated() {
		t.Error("Truncated() = false")
	}
}

func TestOutputLog_LateAndEarlySubscribersSeeSameOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewOutputLog(0)
	early := l.Subscribe(ctx, 0)

	for i := 0; i < 50; i++ {
		l.Append(StreamStdout, fmt.Sprintf("line %d", i))
	}
	late := l.Subscribe(ctx, 0)
	for i := 50; i < 100; i++ {
		l.Append(StreamStdout, fmt.Sprintf("line %d", i))
	}
	l.Close()

	a := collect(t, early)
	b := collect(t, late)
	if len(a) != 100 || len(b) != 100 {
		t.Fatalf("early got %d, late got %d records, want 100", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("record %d differs: %+v vs %+v", i, a[i], b[i])
		}
		if a[i].Text != fmt.Sprintf("line %d", i) {
			t.Fatalf("record %d out of order: %q", i, a[i].Text)
		}
	}
}

func TestOutputLog_SubscribeFromCursor(t *testing.T) {
	l := NewOutputLog(0)
	for i := 0; i < 5; i++ {
		l.Append(StreamStdout, fmt.Sprint(i))
	}
	l.Close()

	recs := collect(t, l.Subscribe(context.Background(), 3))
	if len(recs) != 2 || recs[0].Seq != 3 || recs[1].Seq != 4 {
		t.Errorf("got %+v, want seq 3 and 4", recs)
	}
}

func TestOutputLog_AppendAfterCloseIsDropped(t *testing.T) {
	l := NewOutputLog(0)
	l.Close()
	if l.Append(StreamStdout, "x") {
		t.Error("append after close accepted")
	}
	l.Close()
	if l.Len() != 0 {
		t.Errorf("Len = %d, want 0", l.Len())
	}
}

func TestOutputLog_SubscriberStopsOnCancel(t *testing.T) {
	l := NewOutputLog(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch := l.Subscribe(ctx, 0)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("unexpected record")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop")
	}
}
