package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"sandbox-sessions/internal/orchestrator"
	"sandbox-sessions/internal/sandbox"
	"sandbox-sessions/internal/sandbox/fake"
	"sandbox-sessions/internal/session"
	"sandbox-sessions/internal/source"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	orch   *orchestrator.Orchestrator
	engine *fake.Engine
	clock  *clock
}

func newHarness(t testing.TB, trees map[string]sandbox.FileTree, mutate ...func(*orchestrator.Options)) *harness {
	t.Helper()
	engine := fake.New()
	clk := newClock()
	reg := session.NewRegistry(1 << 20)
	reg.SetClock(clk.Now)
	opts := orchestrator.Options{
		Engine:   engine,
		Registry: reg,
		Targets:  &source.Static{Trees: trees},
		Clock:    clk.Now,
		Config: orchestrator.Config{
			TTL:              time.Minute,
			DefaultTimeout:   5 * time.Second,
			MaxTimeout:       time.Minute,
			BootRetryBackoff: time.Millisecond,
			MaxParallel:      4,
			MaxTargets:       8,
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	o := orchestrator.New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return &harness{orch: o, engine: engine, clock: clk}
}

// manifest builds a target tree holding only a sandbox.yaml.
func manifest(lines ...string) sandbox.FileTree {
	return sandbox.FileTree{"sandbox.yaml": []byte(strings.Join(lines, "\n") + "\n")}
}

func output(s *session.Session) string {
	return strings.Join(s.Log().Texts(), "")
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func execute(t *testing.T, h *harness, req orchestrator.Request) orchestrator.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.orch.Execute(ctx, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func TestExecute_Completed(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{
		"app": manifest("toolchain: shell", "install: echo installing", "run: echo ok"),
	})

	res := execute(t, h, orchestrator.Request{OwnerKey: "alice", TargetID: "app"})
	if res.Status != session.StatusCompleted {
		t.Fatalf("status = %s, error = %+v", res.Status, res.Error)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", res.ExitCode)
	}
	if res.EndedAt == nil || res.DurationMs == nil {
		t.Error("expected ended_at and duration_ms")
	}
	joined := strings.Join(res.Output, "")
	if !strings.Contains(joined, "installing") || !strings.Contains(joined, "ok") {
		t.Errorf("output missing step text: %q", joined)
	}
	eventually(t, "sandbox release", func() bool { return h.engine.Live() == 0 })
	if got, want := h.engine.Commands(), []string{"echo installing", "echo ok"}; strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestExecute_StepFailureKinds(t *testing.T) {
	tests := []struct {
		name     string
		manifest []string
		want     error
	}{
		{"install", []string{"toolchain: shell", "install: exit 3", "run: echo ok"}, sandbox.ErrDependencyInstall},
		{"build", []string{"toolchain: shell", "build: \"false\"", "run: echo ok"}, sandbox.ErrBuild},
		{"run", []string{"toolchain: shell", "run: exit 2"}, sandbox.ErrRuntime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, map[string]sandbox.FileTree{"app": manifest(tt.manifest...)})
			res := execute(t, h, orchestrator.Request{OwnerKey: "alice", TargetID: "app"})
			if res.Status != session.StatusFailed {
				t.Fatalf("status = %s, want failed", res.Status)
			}
			if res.Error == nil || res.Error.Kind != sandbox.Kind(tt.want) {
				t.Errorf("error = %+v, want kind %s", res.Error, sandbox.Kind(tt.want))
			}
			eventually(t, "sandbox release", func() bool { return h.engine.Live() == 0 })
		})
	}
}

func TestStart_SingleFlightPerKey(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{
		"app": manifest("toolchain: shell", "run: serve 3000"),
	})
	h.engine.BootDelay = 20 * time.Millisecond

	const callers = 10
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.orch.Start(context.Background(), orchestrator.Request{OwnerKey: "alice", TargetID: "app"})
			if err != nil {
				t.Errorf("Start: %v", err)
				return
			}
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got session %s, want %s", i, ids[i], ids[0])
		}
	}
	s, _ := h.orch.Get(ids[0])
	if err := h.orch.Wait(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if h.engine.BootCalls() != 1 {
		t.Errorf("boots = %d, want 1", h.engine.BootCalls())
	}
}

func TestStart_DistinctOwnersGetDistinctSessions(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{
		"app": manifest("toolchain: shell", "run: serve 3000"),
	})
	a, err := h.orch.Start(context.Background(), orchestrator.Request{OwnerKey: "alice", TargetID: "app"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.orch.Start(context.Background(), orchestrator.Request{OwnerKey: "bob", TargetID: "app"})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatal("owners share a session")
	}
	if got := h.orch.List("alice"); len(got) != 1 || got[0].SessionID != a.ID {
		t.Errorf("List(alice) = %+v", got)
	}
}

func TestExecute_ReadyProcessGetsPreview(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{
		"web": manifest("toolchain: shell", "run: serve 3000"),
	})

	res := execute(t, h, orchestrator.Request{OwnerKey: "alice", TargetID: "web"})
	if res.Status != session.StatusRunning {
		t.Fatalf("status = %s, want running", res.Status)
	}
	if want := "http://fake-1.sandbox.test:3000"; res.PreviewEndpoint != want {
		t.Errorf("preview = %q, want %q", res.PreviewEndpoint, want)
	}
	if !res.Succeeded() {
		t.Error("ready process should count as success")
	}
	if h.engine.Live() != 1 {
		t.Errorf("live = %d, want 1", h.engine.Live())
	}
}

func TestExecute_ReadyProcessOutlivesDeadline(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{
		"web": manifest("toolchain: shell", "run: serve 3000"),
	})

	res := execute(t, h, orchestrator.Request{OwnerKey: "alice", TargetID: "web", TimeoutMs: 40})
	if res.Status != session.StatusRunning {
		t.Fatalf("status = %s, want running", res.Status)
	}
	time.Sleep(80 * time.Millisecond)

	s, _ := h.orch.Get(res.SessionID)
	if s.Status() != session.StatusRunning {
		t.Errorf("status after deadline = %s, want running", s.Status())
	}
	if !h.engine.IsLive(s.Handle()) {
		t.Error("sandbox destroyed after readiness")
	}
}

func TestExecute_Timeout(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{
		"repo-a": manifest("toolchain: shell", "run: echo hi"),
	})

	req := orchestrator.Request{
		OwnerKey:        "chat-1",
		TargetID:        "repo-a",
		OverrideCommand: "sleep 10 && echo done",
		TimeoutMs:       30,
	}
	res := execute(t, h, req)
	if res.Status != session.StatusTimeout {
		t.Fatalf("status = %s, want timeout", res.Status)
	}
	if res.Error == nil || res.Error.Kind != sandbox.KindTimeout {
		t.Errorf("error = %+v, want kind %s", res.Error, sandbox.KindTimeout)
	}
	for _, line := range res.Output {
		if strings.Contains(line, "done") {
			t.Errorf("result output contains %q", line)
		}
	}
	// Let the killed command's remaining output arrive, if any would.
	time.Sleep(150 * time.Millisecond)
	s, _ := h.orch.Get(res.SessionID)
	for _, rec := range s.Log().Records() {
		if strings.Contains(rec.Text, "done") {
			t.Errorf("log record %d (%s) contains %q", rec.Seq, rec.Stream, rec.Text)
		}
	}
	eventually(t, "sandbox release", func() bool { return h.engine.Live() == 0 })

	next, err := h.orch.Start(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if next.ID == res.SessionID {
		t.Error("timed-out session was reused")
	}
	_ = h.orch.Wait(context.Background(), next)
	if h.engine.BootCalls() != 2 {
		t.Errorf("boots = %d, want a fresh sandbox", h.engine.BootCalls())
	}
}

func TestExecute_StepCommandsStayOutOfLog(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{
		"app": manifest("toolchain: shell", "install: echo deps-marker", "build: \"false\"", "run: echo never"),
	})
	res := execute(t, h, orchestrator.Request{OwnerKey: "alice", TargetID: "app"})
	if res.Status != session.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	s, _ := h.orch.Get(res.SessionID)
	for _, rec := range s.Log().Records() {
		if rec.Stream == session.StreamSystem && (strings.Contains(rec.Text, "echo") || strings.Contains(rec.Text, "false")) {
			t.Errorf("system record carries command text: %q", rec.Text)
		}
	}
	if !strings.Contains(output(s), "deps-marker") {
		t.Error("install output missing")
	}
}

func TestExecute_BootRetry(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		err        error
		wantStatus session.Status
		wantCalls  int
	}{
		{"transient failure recovers", 1, sandbox.ErrBootFailure, session.StatusCompleted, 2},
		{"exhaustion retried once", 1, sandbox.ErrResourceExhausted, session.StatusCompleted, 2},
		{"repeated failure gives up", 5, sandbox.ErrBootFailure, session.StatusFailed, 2},
		{"permanent failure not retried", 5, sandbox.ErrInvalidRequest, session.StatusFailed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, map[string]sandbox.FileTree{"app": manifest("toolchain: shell", "run: echo ok")})
			h.engine.FailBoot = func(call int) error {
				if call <= tt.failures {
					return fmt.Errorf("%w: attempt %d", tt.err, call)
				}
				return nil
			}
			res := execute(t, h, orchestrator.Request{OwnerKey: "alice", TargetID: "app"})
			if res.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", res.Status, tt.wantStatus)
			}
			if h.engine.BootCalls() != tt.wantCalls {
				t.Errorf("boot calls = %d, want %d", h.engine.BootCalls(), tt.wantCalls)
			}
		})
	}
}

func TestStart_RestartsRunningSessionWithDelta(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{
		"web": manifest("toolchain: shell", "run: serve 3000"),
	})
	req := orchestrator.Request{OwnerKey: "alice", TargetID: "web"}
	first := execute(t, h, req)
	if first.Status != session.StatusRunning {
		t.Fatalf("status = %s, want running", first.Status)
	}
	s, _ := h.orch.Get(first.SessionID)
	gen := s.Generation()

	req.Files = map[string]string{"index.html": "<h1>v2</h1>"}
	second := execute(t, h, req)
	if second.SessionID != first.SessionID {
		t.Fatal("restart created a new session")
	}
	if second.Status != session.StatusRunning {
		t.Fatalf("status after restart = %s", second.Status)
	}
	if s.Generation() != gen+1 {
		t.Errorf("generation = %d, want %d", s.Generation(), gen+1)
	}
	if h.engine.BootCalls() != 1 {
		t.Errorf("restart rebooted: %d boots", h.engine.BootCalls())
	}
	if data, ok := h.engine.File(s.Handle(), "index.html"); !ok || string(data) != "<h1>v2</h1>" {
		t.Errorf("delta not mounted: %q %v", data, ok)
	}
}

func TestStart_ReusesSettledSessionWithoutRestart(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{
		"web": manifest("toolchain: shell", "run: serve 3000"),
	})
	req := orchestrator.Request{OwnerKey: "alice", TargetID: "web"}
	first := execute(t, h, req)
	second := execute(t, h, req)
	if first.SessionID != second.SessionID {
		t.Fatal("live session not reused")
	}
	if h.engine.BootCalls() != 1 || len(h.engine.Commands()) != 1 {
		t.Errorf("boots = %d, commands = %v", h.engine.BootCalls(), h.engine.Commands())
	}
}

func TestStart_OverrideAndEnv(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{
		"app": manifest("toolchain: shell", "run: echo default", "env:", "  GREETING: manifest"),
	}, func(o *orchestrator.Options) {
		o.Env = &source.StaticEnv{Shared: map[string]string{"GREETING": "shared", "REGION": "eu"}}
	})

	res := execute(t, h, orchestrator.Request{
		OwnerKey:        "alice",
		TargetID:        "app",
		OverrideCommand: "printenv GREETING && printenv REGION",
		ExtraEnv:        map[string]string{"GREETING": "request"},
	})
	if res.Status != session.StatusCompleted {
		t.Fatalf("status = %s, error = %+v", res.Status, res.Error)
	}
	joined := strings.Join(res.Output, "")
	if !strings.Contains(joined, "request\n") || !strings.Contains(joined, "eu\n") {
		t.Errorf("env precedence wrong: %q", joined)
	}
}

func TestStart_RejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{"app": manifest("toolchain: shell", "run: echo ok")})
	tests := []struct {
		name string
		req  orchestrator.Request
		want error
	}{
		{"missing owner", orchestrator.Request{TargetID: "app"}, sandbox.ErrInvalidRequest},
		{"bad target id", orchestrator.Request{OwnerKey: "a", TargetID: "../etc"}, sandbox.ErrInvalidRequest},
		{"unknown target", orchestrator.Request{OwnerKey: "a", TargetID: "nope"}, sandbox.ErrInvalidRequest},
		{"timeout too long", orchestrator.Request{OwnerKey: "a", TargetID: "app", TimeoutMs: int64(time.Hour / time.Millisecond)}, sandbox.ErrInvalidRequest},
		{"reserved env", orchestrator.Request{OwnerKey: "a", TargetID: "app", ExtraEnv: map[string]string{"LD_PRELOAD": "x"}}, sandbox.ErrInvalidRequest},
		{"blocked command", orchestrator.Request{OwnerKey: "a", TargetID: "app", OverrideCommand: "cat /sys/fs/cgroup/release_agent"}, sandbox.ErrSecurityViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Start(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if h.engine.BootCalls() != 0 {
		t.Errorf("rejected requests booted %d sandboxes", h.engine.BootCalls())
	}
}

func TestExecute_InvalidDeltaFailsMount(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{"app": manifest("toolchain: shell", "run: echo ok")})
	res := execute(t, h, orchestrator.Request{
		OwnerKey: "alice",
		TargetID: "app",
		Files:    map[string]string{"../escape": "x"},
	})
	if res.Status != session.StatusFailed || res.Error == nil || res.Error.Kind != sandbox.KindMountFailure {
		t.Errorf("result = %s %+v, want mount failure", res.Status, res.Error)
	}
}

func TestStop_Idempotent(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{"web": manifest("toolchain: shell", "run: serve 3000")})
	res := execute(t, h, orchestrator.Request{OwnerKey: "alice", TargetID: "web"})
	s, _ := h.orch.Get(res.SessionID)

	for i := 0; i < 3; i++ {
		if err := h.orch.Stop(context.Background(), res.SessionID); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
	if s.Status() != session.StatusDestroyed {
		t.Errorf("status = %s, want destroyed", s.Status())
	}
	if h.engine.Destroys() != 1 {
		t.Errorf("destroys = %d, want 1", h.engine.Destroys())
	}
	if _, ok := h.orch.Get(res.SessionID); ok {
		t.Error("destroyed session still registered")
	}
	if !s.Log().Closed() {
		t.Error("output log left open")
	}
}

func TestSweep_EvictsExpiredSessions(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{"web": manifest("toolchain: shell", "run: serve 3000")})
	res := execute(t, h, orchestrator.Request{OwnerKey: "alice", TargetID: "web"})

	h.clock.Advance(30 * time.Second)
	if n := h.orch.Sweep(context.Background()); n != 0 {
		t.Fatalf("evicted %d before expiry", n)
	}
	if _, err := h.orch.Touch(res.SessionID); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(45 * time.Second)
	if n := h.orch.Sweep(context.Background()); n != 0 {
		t.Fatalf("evicted %d after renewal", n)
	}

	h.clock.Advance(time.Minute)
	if n := h.orch.Sweep(context.Background()); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if h.engine.Live() != 0 {
		t.Error("evicted sandbox still live")
	}
	if _, err := h.orch.Status(res.SessionID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("status after eviction: %v", err)
	}
}

func TestSweep_RacesStopWithoutDoubleDestroy(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{"web": manifest("toolchain: shell", "run: serve 3000")})
	res := execute(t, h, orchestrator.Request{OwnerKey: "alice", TargetID: "web"})
	h.clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.orch.Sweep(context.Background())
	}()
	go func() {
		defer wg.Done()
		_ = h.orch.Stop(context.Background(), res.SessionID)
	}()
	wg.Wait()

	if h.engine.Destroys() != 1 {
		t.Errorf("destroys = %d, want 1", h.engine.Destroys())
	}
	if h.orch.Registry().Len() != 0 {
		t.Error("session left in registry")
	}
}

func TestSweep_SkipsBusySessions(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{"slow": manifest("toolchain: shell", "install: sleep 20", "run: echo ok")})
	s, err := h.orch.Start(context.Background(), orchestrator.Request{OwnerKey: "alice", TargetID: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(2 * time.Minute)
	if n := h.orch.Sweep(context.Background()); n != 0 {
		t.Errorf("evicted busy session")
	}
	if err := h.orch.Wait(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if s.Status() != session.StatusCompleted {
		t.Errorf("status = %s, want completed", s.Status())
	}
}

func TestStart_ReusesBusySessionPastItsLease(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{"slow": manifest("toolchain: shell", "install: sleep 20", "run: echo ok")})
	req := orchestrator.Request{OwnerKey: "alice", TargetID: "slow"}
	s, err := h.orch.Start(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(2 * time.Minute)

	again, err := h.orch.Start(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != s.ID {
		t.Fatal("busy session was replaced")
	}
	if h.engine.BootCalls() != 1 {
		t.Errorf("boots = %d, want 1", h.engine.BootCalls())
	}
	if s.Status() == session.StatusDestroyed {
		t.Fatal("busy session was torn down")
	}
	if s.Expired(h.clock.Now()) {
		t.Error("reuse should renew the lease")
	}
	if err := h.orch.Wait(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if s.Status() != session.StatusCompleted {
		t.Errorf("status = %s, want completed", s.Status())
	}
}

func TestStart_NotesChangesIgnoredBeforeFirstRun(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{"slow": manifest("toolchain: shell", "install: sleep 20", "run: echo ok")})
	s, err := h.orch.Start(context.Background(), orchestrator.Request{OwnerKey: "alice", TargetID: "slow"})
	if err != nil {
		t.Fatal(err)
	}

	again, err := h.orch.Start(context.Background(), orchestrator.Request{
		OwnerKey: "alice",
		TargetID: "slow",
		Files:    map[string]string{"late.txt": "late"},
		ExtraEnv: map[string]string{"LATE": "1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != s.ID {
		t.Fatal("session not reused")
	}
	if err := h.orch.Wait(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	var notes []string
	for _, rec := range s.Log().Records() {
		if rec.Stream == session.StreamSystem {
			notes = append(notes, rec.Text)
		}
	}
	joined := strings.Join(notes, "\n")
	for _, want := range []string{"ignoring 1 changed files", "ignoring 1 extra environment variables"} {
		if !strings.Contains(joined, want) {
			t.Errorf("system notes %q missing %q", joined, want)
		}
	}
	if _, ok := s.Env()["LATE"]; ok {
		t.Error("extra env leaked into the fixed session environment")
	}
	if h.engine.BootCalls() != 1 || len(h.engine.Commands()) != 2 {
		t.Errorf("boots = %d, commands = %v", h.engine.BootCalls(), h.engine.Commands())
	}
}

func TestStartMultiple_ParallelHint(t *testing.T) {
	trees := map[string]sandbox.FileTree{
		"a": manifest("toolchain: shell", "run: sleep 20"),
		"b": manifest("toolchain: shell", "run: sleep 20"),
		"c": manifest("toolchain: shell", "run: sleep 20"),
	}
	h := newHarness(t, trees)

	var mu sync.Mutex
	maxLive := 0
	stop := make(chan struct{})
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := h.engine.Live(); n > 0 {
				mu.Lock()
				if n > maxLive {
					maxLive = n
				}
				mu.Unlock()
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	reqs := []orchestrator.Request{
		{OwnerKey: "alice", TargetID: "a", ParallelHint: true},
		{OwnerKey: "alice", TargetID: "b", ParallelHint: true},
		{OwnerKey: "alice", TargetID: "c", ParallelHint: true},
	}
	batch, err := h.orch.StartMultiple(context.Background(), reqs, false)
	close(stop)
	<-polled
	if err != nil {
		t.Fatal(err)
	}
	if batch.Summary.Successful != 3 {
		t.Errorf("summary = %+v", batch.Summary)
	}
	mu.Lock()
	defer mu.Unlock()
	if maxLive < 3 {
		t.Errorf("max concurrent sandboxes = %d, want 3 when every target hints parallel", maxLive)
	}
}

func TestStartMultiple_PartialFailure(t *testing.T) {
	trees := map[string]sandbox.FileTree{
		"ok-a":   manifest("toolchain: shell", "run: echo a"),
		"broken": manifest("toolchain: shell", "build: \"false\"", "run: echo never"),
		"web":    manifest("toolchain: shell", "run: serve 3000"),
	}
	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			h := newHarness(t, trees)
			reqs := []orchestrator.Request{
				{OwnerKey: "alice", TargetID: "ok-a"},
				{OwnerKey: "alice", TargetID: "broken"},
				{OwnerKey: "alice", TargetID: "web"},
			}
			batch, err := h.orch.StartMultiple(context.Background(), reqs, parallel)
			if err != nil {
				t.Fatal(err)
			}
			want := orchestrator.Summary{Total: 3, Successful: 2, Failed: 1}
			if batch.Summary != want {
				t.Errorf("summary = %+v, want %+v", batch.Summary, want)
			}
			for i, res := range batch.Results {
				if res.TargetID != reqs[i].TargetID {
					t.Errorf("result %d is %s, want %s", i, res.TargetID, reqs[i].TargetID)
				}
			}
			if batch.Results[1].Error == nil || batch.Results[1].Error.Kind != sandbox.KindBuild {
				t.Errorf("broken target error = %+v", batch.Results[1].Error)
			}
		})
	}
}

func TestStartMultiple_RejectsInvalidRequestsPerTarget(t *testing.T) {
	h := newHarness(t, map[string]sandbox.FileTree{"app": manifest("toolchain: shell", "run: echo ok")})
	batch, err := h.orch.StartMultiple(context.Background(), []orchestrator.Request{
		{OwnerKey: "alice", TargetID: "app"},
		{OwnerKey: "alice", TargetID: "missing"},
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	if batch.Summary.Successful != 1 || batch.Summary.Failed != 1 {
		t.Errorf("summary = %+v", batch.Summary)
	}
	if batch.Results[1].Error == nil || batch.Results[1].Error.Kind != sandbox.KindInvalidRequest {
		t.Errorf("missing target error = %+v", batch.Results[1].Error)
	}
}

func TestStartMultiple_Limits(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.orch.StartMultiple(context.Background(), nil, true); !errors.Is(err, sandbox.ErrInvalidRequest) {
		t.Errorf("empty batch: %v", err)
	}
	reqs := make([]orchestrator.Request, 9)
	if _, err := h.orch.StartMultiple(context.Background(), reqs, true); !errors.Is(err, sandbox.ErrInvalidRequest) {
		t.Errorf("oversized batch: %v", err)
	}
}

func TestOnChange_ObservesLifecycle(t *testing.T) {
	var mu sync.Mutex
	var seen []session.Status
	h := newHarness(t, map[string]sandbox.FileTree{"app": manifest("toolchain: shell", "run: echo ok")},
		func(o *orchestrator.Options) {
			o.OnChange = func(s *session.Session) {
				mu.Lock()
				seen = append(seen, s.Status())
				mu.Unlock()
			}
		})
	res := execute(t, h, orchestrator.Request{OwnerKey: "alice", TargetID: "app"})
	if err := h.orch.Stop(context.Background(), res.SessionID); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []session.Status{session.StatusReady, session.StatusRunning, session.StatusCompleted, session.StatusDestroyed}
	idx := 0
	for _, st := range seen {
		if idx < len(want) && st == want[idx] {
			idx++
		}
	}
	if idx != len(want) {
		t.Errorf("observed %v, want subsequence %v", seen, want)
	}
}
