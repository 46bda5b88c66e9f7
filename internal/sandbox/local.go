package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// LocalEngine runs steps as host processes in a scratch directory. It
// provides no isolation and exists for development machines without a
// container runtime.
type LocalEngine struct {
	root  string
	slots *slots

	mu    sync.Mutex
	boxes map[string]*localBox
}

type localBox struct {
	dir   string
	procs map[*localProcess]struct{}
}

func NewLocalEngine(root string, maxConcurrent int) *LocalEngine {
	return &LocalEngine{
		root:  root,
		slots: newSlots(maxConcurrent),
		boxes: make(map[string]*localBox),
	}
}

func (e *LocalEngine) Name() string { return "local" }

func (e *LocalEngine) Boot(_ context.Context, spec BootSpec) (Handle, error) {
	if err := e.slots.acquire(); err != nil {
		return Handle{}, err
	}
	id := ContainerPrefix + shortID(uuid.New().String())
	dir, err := os.MkdirTemp(e.root, id+"-*")
	if err != nil {
		e.slots.release()
		return Handle{}, fmt.Errorf("%w: creating workspace: %v", ErrBootFailure, err)
	}

	e.mu.Lock()
	e.boxes[id] = &localBox{dir: dir, procs: make(map[*localProcess]struct{})}
	e.mu.Unlock()

	log.Debug().Str("session_id", spec.SessionID).Str("dir", dir).Msg("local sandbox booted")
	return Handle{ID: id, Backend: e.Name()}, nil
}

func (e *LocalEngine) box(h Handle) (*localBox, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	box, ok := e.boxes[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, h)
	}
	return box, nil
}

func (e *LocalEngine) Mount(_ context.Context, h Handle, tree FileTree) error {
	box, err := e.box(h)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMountFailure, err)
	}
	return tree.WriteTo(box.dir)
}

func (e *LocalEngine) Run(_ context.Context, h Handle, rs RunSpec) (Process, error) {
	box, err := e.box(h)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("/bin/sh", "-c", rs.Command) // #nosec G204 -- local engine runs the session's own commands
	cmd.Dir = box.dir
	env := map[string]string{"HOME": box.dir, "PATH": os.Getenv("PATH")}
	for k, v := range rs.Env {
		env[k] = v
	}
	cmd.Env = envList(env)
	cmd.Stdout = rs.Stdout
	cmd.Stderr = rs.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting process: %w", err)
	}

	p := &localProcess{cmd: cmd, done: make(chan struct{})}
	e.mu.Lock()
	box.procs[p] = struct{}{}
	e.mu.Unlock()

	go func() {
		p.reap()
		e.mu.Lock()
		delete(box.procs, p)
		e.mu.Unlock()
	}()
	return p, nil
}

type localProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
	err      error
}

func (p *localProcess) reap() {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.exitCode = 0
	case errors.As(err, &exitErr):
		p.exitCode = exitErr.ExitCode()
	default:
		p.exitCode = -1
		p.err = err
	}
	close(p.done)
}

func (p *localProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Kill signals the whole process group started for the step.
func (p *localProcess) Kill(_ context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("killing process group: %w", err)
	}
	return nil
}

func (e *LocalEngine) Endpoint(_ context.Context, h Handle, port int) (string, error) {
	if _, err := e.box(h); err != nil {
		return "", err
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

func (e *LocalEngine) Destroy(ctx context.Context, h Handle) error {
	e.mu.Lock()
	box, ok := e.boxes[h.ID]
	delete(e.boxes, h.ID)
	var procs []*localProcess
	if ok {
		for p := range box.procs {
			procs = append(procs, p)
		}
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	defer e.slots.release()

	for _, p := range procs {
		_ = p.Kill(ctx)
		<-p.done
	}
	if err := os.RemoveAll(box.dir); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	return nil
}

func (e *LocalEngine) Healthy(context.Context) bool { return true }

func (e *LocalEngine) Close() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.boxes))
	for id := range e.boxes {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		if err := e.Destroy(context.Background(), Handle{ID: id, Backend: e.Name()}); err != nil {
			log.Error().Err(err).Str("sandbox", id).Msg("local sandbox cleanup failed")
		}
	}
	return nil
}
