// Package fake provides a scripted in-memory sandbox engine for tests.
//
// Commands are interpreted rather than executed. A command is a chain of
// segments joined by "&&"; each segment is one of
//
//	echo WORDS...      write WORDS to stdout
//	echoerr WORDS...   write WORDS to stderr
//	printenv KEY       write the value of KEY to stdout
//	cat PATH           write a mounted file to stdout
//	sleep N            block for N sleep units (fractions allowed)
//	serve PORT         announce a listener on PORT and block until killed
//	true | false       exit 0 | 1
//	exit N             stop with exit code N
//
// Anything else exits 127, like a shell would.
package fake

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"sandbox-sessions/internal/sandbox"
)

// Engine implements sandbox.Engine.
type Engine struct {
	// SleepUnit is the duration of "sleep 1". Defaults to 10ms.
	SleepUnit time.Duration
	// BootDelay is added to every Boot.
	BootDelay time.Duration
	// FailBoot, when set, is consulted on every Boot with the 1-based call
	// number; a non-nil result fails that boot.
	FailBoot func(call int) error
	// MountErr fails every Mount when set.
	MountErr error
	// MaxLive bounds concurrently booted sandboxes when > 0.
	MaxLive int
	// EndpointFunc overrides the preview endpoint resolution.
	EndpointFunc func(h sandbox.Handle, port int) (string, error)

	mu           sync.Mutex
	seq          int
	bootCalls    int
	destroys     int
	destroyCalls int
	boxes        map[string]*box
	commands     []string
	closed       bool
}

type box struct {
	tree  sandbox.FileTree
	procs map[*process]struct{}
}

func New() *Engine {
	return &Engine{SleepUnit: 10 * time.Millisecond}
}

func (e *Engine) Name() string { return "fake" }

func (e *Engine) Boot(ctx context.Context, spec sandbox.BootSpec) (sandbox.Handle, error) {
	e.mu.Lock()
	e.bootCalls++
	call := e.bootCalls
	failBoot := e.FailBoot
	delay := e.BootDelay
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return sandbox.Handle{}, fmt.Errorf("%w: %v", sandbox.ErrBootFailure, ctx.Err())
		}
	}
	if failBoot != nil {
		if err := failBoot(call); err != nil {
			return sandbox.Handle{}, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.boxes == nil {
		e.boxes = make(map[string]*box)
	}
	if e.MaxLive > 0 && len(e.boxes) >= e.MaxLive {
		return sandbox.Handle{}, fmt.Errorf("%w: %d sandboxes running", sandbox.ErrResourceExhausted, len(e.boxes))
	}
	e.seq++
	id := fmt.Sprintf("fake-%d", e.seq)
	e.boxes[id] = &box{tree: sandbox.FileTree{}, procs: make(map[*process]struct{})}
	return sandbox.Handle{ID: id, Backend: e.Name()}, nil
}

func (e *Engine) Mount(_ context.Context, h sandbox.Handle, tree sandbox.FileTree) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.MountErr != nil {
		return e.MountErr
	}
	b, ok := e.boxes[h.ID]
	if !ok {
		return fmt.Errorf("%w: %w: %s", sandbox.ErrMountFailure, sandbox.ErrSandboxNotFound, h)
	}
	b.tree = b.tree.Overlay(tree)
	return nil
}

func (e *Engine) Run(_ context.Context, h sandbox.Handle, rs sandbox.RunSpec) (sandbox.Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.boxes[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrSandboxNotFound, h)
	}
	e.commands = append(e.commands, rs.Command)

	p := &process{
		engine: e,
		box:    b,
		spec:   rs,
		tree:   b.tree,
		unit:   e.sleepUnit(),
		killed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	b.procs[p] = struct{}{}
	go p.run()
	return p, nil
}

func (e *Engine) sleepUnit() time.Duration {
	if e.SleepUnit <= 0 {
		return 10 * time.Millisecond
	}
	return e.SleepUnit
}

func (e *Engine) Endpoint(_ context.Context, h sandbox.Handle, port int) (string, error) {
	e.mu.Lock()
	_, ok := e.boxes[h.ID]
	fn := e.EndpointFunc
	e.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", sandbox.ErrSandboxNotFound, h)
	}
	if fn != nil {
		return fn(h, port)
	}
	return fmt.Sprintf("http://%s.sandbox.test:%d", h.ID, port), nil
}

func (e *Engine) Destroy(_ context.Context, h sandbox.Handle) error {
	e.mu.Lock()
	e.destroyCalls++
	b, ok := e.boxes[h.ID]
	delete(e.boxes, h.ID)
	var procs []*process
	if ok {
		e.destroys++
		for p := range b.procs {
			procs = append(procs, p)
		}
	}
	e.mu.Unlock()

	for _, p := range procs {
		p.kill()
		<-p.done
	}
	return nil
}

func (e *Engine) Healthy(context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

func (e *Engine) Close() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.boxes))
	for id := range e.boxes {
		ids = append(ids, id)
	}
	e.closed = true
	e.mu.Unlock()
	for _, id := range ids {
		_ = e.Destroy(context.Background(), sandbox.Handle{ID: id, Backend: e.Name()})
	}
	return nil
}

// Boots returns the number of successful boots.
func (e *Engine) Boots() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// BootCalls returns the number of Boot invocations, including failures.
func (e *Engine) BootCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bootCalls
}

// Destroys returns how many live sandboxes were torn down.
func (e *Engine) Destroys() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroys
}

// DestroyCalls returns the number of Destroy invocations, including no-ops.
func (e *Engine) DestroyCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyCalls
}

// Live returns the number of currently booted sandboxes.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.boxes)
}

// IsLive reports whether h is still booted.
func (e *Engine) IsLive(h sandbox.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.boxes[h.ID]
	return ok
}

// Commands returns every command passed to Run, in order.
func (e *Engine) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// File returns a mounted file from a live sandbox.
func (e *Engine) File(h sandbox.Handle, path string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.boxes[h.ID]
	if !ok {
		return nil, false
	}
	return b.tree.Get(path)
}

type process struct {
	engine *Engine
	box    *box
	spec   sandbox.RunSpec
	tree   sandbox.FileTree
	unit   time.Duration

	killOnce sync.Once
	killed   chan struct{}
	done     chan struct{}
	exitCode int
}

func (p *process) kill() {
	p.killOnce.Do(func() { close(p.killed) })
}

func (p *process) run() {
	defer func() {
		p.engine.mu.Lock()
		delete(p.box.procs, p)
		p.engine.mu.Unlock()
		close(p.done)
	}()
	for _, segment := range strings.Split(p.spec.Command, "&&") {
		code, stop := p.exec(strings.Fields(segment))
		p.exitCode = code
		if stop || code != 0 {
			return
		}
	}
}

func write(w io.Writer, s string) {
	if w != nil {
		_, _ = io.WriteString(w, s)
	}
}

func unquote(words []string) string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = strings.Trim(w, `"'`)
	}
	return strings.Join(out, " ")
}

// block waits for d or a kill. It reports false when killed.
func (p *process) block(d time.Duration) bool {
	if d < 0 {
		<-p.killed
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.killed:
		return false
	}
}

func (p *process) exec(words []string) (code int, stop bool) {
	select {
	case <-p.killed:
		return 137, true
	default:
	}
	if len(words) == 0 {
		return 0, false
	}
	args := words[1:]
	switch words[0] {
	case "echo":
		write(p.spec.Stdout, unquote(args)+"\n")
	case "echoerr":
		write(p.spec.Stderr, unquote(args)+"\n")
	case "printenv":
		if len(args) != 1 {
			return 1, true
		}
		v, ok := p.spec.Env[args[0]]
		if !ok {
			return 1, true
		}
		write(p.spec.Stdout, v+"\n")
	case "cat":
		if len(args) != 1 {
			return 1, true
		}
		data, ok := p.tree.Get(args[0])
		if !ok {
			write(p.spec.Stderr, "cat: "+args[0]+": No such file or directory\n")
			return 1, true
		}
		write(p.spec.Stdout, string(data))
	case "sleep":
		n := 1.0
		if len(args) > 0 {
			if f, err := strconv.ParseFloat(args[0], 64); err == nil {
				n = f
			}
		}
		if !p.block(time.Duration(n * float64(p.unit))) {
			return 137, true
		}
	case "serve":
		port := "8080"
		if len(args) > 0 {
			port = args[0]
		}
		write(p.spec.Stdout, "listening on http://localhost:"+port+"\n")
		p.block(-1)
		return 137, true
	case "true":
	case "false":
		return 1, true
	case "exit":
		code := 0
		if len(args) > 0 {
			code, _ = strconv.Atoi(args[0])
		}
		return code, true
	default:
		write(p.spec.Stderr, "sh: "+words[0]+": not found\n")
		return 127, true
	}
	return 0, false
}

func (p *process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *process) Kill(context.Context) error {
	p.kill()
	return nil
}
