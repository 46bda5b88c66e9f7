package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// idleCommand keeps the sandbox's init process alive between steps.
var idleCommand = []string{"/bin/sh", "-c", "trap 'exit 0' TERM; while :; do sleep 3600; done"}

type ctrBox struct {
	container containerd.Container
	task      containerd.Task
	hostDir   string
	network   bool
}

// ContainerdEngine runs each session in a containerd task with the target
// tree bind-mounted from a host directory.
type ContainerdEngine struct {
	client   *Client
	slots    *slots
	workRoot string
	seccomp  string

	mu    sync.Mutex
	boxes map[string]*ctrBox
}

func NewContainerdEngine(client *Client, maxConcurrent int, workRoot, seccompProfile string) *ContainerdEngine {
	return &ContainerdEngine{
		client:   client,
		slots:    newSlots(maxConcurrent),
		workRoot: workRoot,
		seccomp:  seccompProfile,
		boxes:    make(map[string]*ctrBox),
	}
}

func (e *ContainerdEngine) Name() string { return "containerd" }

func (e *ContainerdEngine) Boot(ctx context.Context, spec BootSpec) (Handle, error) {
	if err := e.slots.acquire(); err != nil {
		return Handle{}, err
	}
	booted := false
	defer func() {
		if !booted {
			e.slots.release()
		}
	}()

	id := ContainerPrefix + shortID(uuid.New().String())
	logger := log.With().Str("session_id", spec.SessionID).Str("container_id", id).Logger()

	profile, err := NewSecurityProfile(e.seccomp, spec.Network)
	if err != nil {
		return Handle{}, err
	}

	hostDir, err := os.MkdirTemp(e.workRoot, id+"-*")
	if err != nil {
		return Handle{}, fmt.Errorf("%w: creating workspace: %v", ErrBootFailure, err)
	}
	if err := os.Chmod(hostDir, 0o777); err != nil { // #nosec G302 -- sandbox runs as nobody
		_ = os.RemoveAll(hostDir)
		return Handle{}, fmt.Errorf("%w: %v", ErrBootFailure, err)
	}

	image, err := e.client.PullImage(ctx, spec.Image)
	if err != nil {
		_ = os.RemoveAll(hostDir)
		return Handle{}, err
	}

	limits := spec.Limits.OrDefault()
	nsCtx := e.client.WithNamespace(ctx)
	ctr, err := e.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(idleCommand...),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, profile)
				ApplyResourceLimits(s, limits)
				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: WorkspaceDir,
					Type:        "bind",
					Source:      hostDir,
					Options:     []string{"rbind", "rw"},
				})
				s.Process.Env = envList(nil)
				s.Process.Cwd = WorkspaceDir
				return nil
			},
		),
	)
	if err != nil {
		_ = os.RemoveAll(hostDir)
		return Handle{}, fmt.Errorf("%w: creating container: %v", ErrBootFailure, err)
	}

	box := &ctrBox{container: ctr, hostDir: hostDir, network: spec.Network}
	task, err := ctr.NewTask(nsCtx, cio.NullIO)
	if err != nil {
		e.cleanupBox(context.WithoutCancel(ctx), box)
		return Handle{}, fmt.Errorf("%w: creating task: %v", ErrBootFailure, err)
	}
	box.task = task
	if err := task.Start(nsCtx); err != nil {
		e.cleanupBox(context.WithoutCancel(ctx), box)
		return Handle{}, fmt.Errorf("%w: starting task: %v", ErrBootFailure, err)
	}

	e.mu.Lock()
	e.boxes[id] = box
	e.mu.Unlock()
	booted = true

	logger.Info().Str("image", spec.Image).Bool("network", spec.Network).Msg("containerd sandbox booted")
	return Handle{ID: id, Backend: e.Name()}, nil
}

func (e *ContainerdEngine) box(h Handle) (*ctrBox, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	box, ok := e.boxes[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, h)
	}
	return box, nil
}

func (e *ContainerdEngine) Mount(_ context.Context, h Handle, tree FileTree) error {
	box, err := e.box(h)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMountFailure, err)
	}
	return tree.WriteTo(box.hostDir)
}

func (e *ContainerdEngine) Run(ctx context.Context, h Handle, rs RunSpec) (Process, error) {
	box, err := e.box(h)
	if err != nil {
		return nil, err
	}
	nsCtx := e.client.WithNamespace(ctx)

	spec, err := box.container.Spec(nsCtx)
	if err != nil {
		return nil, fmt.Errorf("loading container spec: %w", err)
	}
	pspec := *spec.Process
	pspec.Args = []string{"/bin/sh", "-c", rs.Command}
	pspec.Env = envList(rs.Env)
	pspec.Cwd = rs.workDir()
	pspec.Terminal = false

	execID := "run-" + shortID(uuid.New().String())
	proc, err := box.task.Exec(nsCtx, execID, &pspec, cio.NewCreator(cio.WithStreams(nil, rs.Stdout, rs.Stderr)))
	if err != nil {
		return nil, fmt.Errorf("creating exec process: %w", err)
	}

	// The wait channel must outlive the caller's context; timeouts are
	// enforced by killing the process.
	waitCtx := e.client.WithNamespace(context.WithoutCancel(ctx))
	statusC, err := proc.Wait(waitCtx)
	if err != nil {
		_, _ = proc.Delete(waitCtx)
		return nil, fmt.Errorf("waiting on exec process: %w", err)
	}
	if err := proc.Start(nsCtx); err != nil {
		_, _ = proc.Delete(waitCtx)
		return nil, fmt.Errorf("starting exec process: %w", err)
	}

	p := &ctrProcess{proc: proc, nsCtx: waitCtx, done: make(chan struct{})}
	go p.reap(statusC)
	return p, nil
}

type ctrProcess struct {
	proc  containerd.Process
	nsCtx context.Context

	done     chan struct{}
	exitCode int
	err      error
}

func (p *ctrProcess) reap(statusC <-chan containerd.ExitStatus) {
	status := <-statusC
	code, _, err := status.Result()
	p.proc.IO().Wait()
	if _, derr := p.proc.Delete(p.nsCtx); derr != nil {
		log.Debug().Err(derr).Str("exec_id", p.proc.ID()).Msg("exec delete failed")
	}
	p.exitCode = int(code)
	p.err = err
	close(p.done)
}

func (p *ctrProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *ctrProcess) Kill(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.proc.Kill(p.nsCtx, syscall.SIGKILL)
}

func (e *ContainerdEngine) Endpoint(_ context.Context, h Handle, port int) (string, error) {
	box, err := e.box(h)
	if err != nil {
		return "", err
	}
	if !box.network {
		return "", fmt.Errorf("%w: sandbox %s has no network", ErrNoEndpoint, h)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

func (e *ContainerdEngine) Destroy(ctx context.Context, h Handle) error {
	e.mu.Lock()
	box, ok := e.boxes[h.ID]
	delete(e.boxes, h.ID)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	defer e.slots.release()
	return e.cleanupBox(ctx, box)
}

func (e *ContainerdEngine) Healthy(ctx context.Context) bool {
	if e.client.Healthy(ctx) {
		return true
	}
	if err := e.client.Reconnect(ctx); err != nil {
		log.Warn().Err(err).Msg("containerd reconnect failed")
		return false
	}
	return true
}

// Close destroys every live sandbox and disconnects.
func (e *ContainerdEngine) Close() error {
	e.mu.Lock()
	boxes := e.boxes
	e.boxes = make(map[string]*ctrBox)
	e.mu.Unlock()

	for id, box := range boxes {
		if err := e.cleanupBox(context.Background(), box); err != nil {
			log.Error().Err(err).Str("container_id", id).Msg("sandbox cleanup on close failed")
		}
		e.slots.release()
	}
	return e.client.Close()
}
