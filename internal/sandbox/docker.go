package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DockerAPI is the subset of the Docker client the engine uses, so tests
// can substitute a fake daemon.
type DockerAPI interface {
	Ping(ctx context.Context) error
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	// ExecInput runs cmd with input on its stdin and returns the exit code.
	ExecInput(ctx context.Context, id string, cmd []string, input io.Reader) (int, error)
	ExecCreate(ctx context.Context, id string, opts container.ExecOptions) (string, error)
	// ExecAttach returns the multiplexed stdout/stderr stream of an exec.
	ExecAttach(ctx context.Context, execID string) (io.ReadCloser, error)
	ExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ListContainers(ctx context.Context, namePrefix string) ([]string, error)
	Close() error
}

type dockerClient struct {
	cli *client.Client
}

// NewDockerAPI connects to the daemon at host, or the one named by the
// environment (DOCKER_HOST and friends) when host is empty.
func NewDockerAPI(host string) (DockerAPI, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating docker client: %v", ErrEngineUnavailable, err)
	}
	return &dockerClient{cli: cli}, nil
}

func (d *dockerClient) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *dockerClient) PullImage(ctx context.Context, ref string) error {
	if _, err := d.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *dockerClient) CreateContainer(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerClient) StartContainer(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *dockerClient) RemoveContainer(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (d *dockerClient) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	return d.cli.ContainerInspect(ctx, id)
}

func (d *dockerClient) ExecInput(ctx context.Context, id string, cmd []string, input io.Reader) (int, error) {
	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, err
	}
	resp, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, err
	}
	defer resp.Close()

	go func() {
		_, _ = io.Copy(resp.Conn, input)
		_ = resp.CloseWrite()
	}()
	_, _ = io.Copy(io.Discard, resp.Reader)

	info, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, err
	}
	return info.ExitCode, nil
}

func (d *dockerClient) ExecCreate(ctx context.Context, id string, opts container.ExecOptions) (string, error) {
	resp, err := d.cli.ContainerExecCreate(ctx, id, opts)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

type hijackedStream struct {
	r     *bufio.Reader
	close func()
}

func (h *hijackedStream) Read(p []byte) (int, error) { return h.r.Read(p) }
func (h *hijackedStream) Close() error { h.close(); return nil }

func (d *dockerClient) ExecAttach(ctx context.Context, execID string) (io.ReadCloser, error) {
	resp, err := d.cli.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{})
	if err != nil {
		return nil, err
	}
	return &hijackedStream{r: resp.Reader, close: resp.Close}, nil
}

func (d *dockerClient) ExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return d.cli.ContainerExecInspect(ctx, execID)
}

func (d *dockerClient) ListContainers(ctx context.Context, namePrefix string) ([]string, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", namePrefix)),
	})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, c := range list {
		for _, name := range c.Names {
			if strings.HasPrefix(strings.TrimPrefix(name, "/"), namePrefix) {
				ids = append(ids, c.ID)
				break
			}
		}
	}
	return ids, nil
}

func (d *dockerClient) Close() error { return d.cli.Close() }

// DockerEngine runs each session in a long-lived container and every step
// as an exec inside it.
type DockerEngine struct {
	api        DockerAPI
	slots      *slots
	seccomp    string
	publicHost string

	mu    sync.Mutex
	boxes map[string]string // handle id -> container id
}

func NewDockerEngine(api DockerAPI, maxConcurrent int, seccompProfile, publicHost string) *DockerEngine {
	if publicHost == "" {
		publicHost = "127.0.0.1"
	}
	return &DockerEngine{
		api:        api,
		slots:      newSlots(maxConcurrent),
		seccomp:    seccompProfile,
		publicHost: publicHost,
		boxes:      make(map[string]string),
	}
}

func (e *DockerEngine) Name() string { return "docker" }

func (e *DockerEngine) Boot(ctx context.Context, spec BootSpec) (Handle, error) {
	if err := e.slots.acquire(); err != nil {
		return Handle{}, err
	}
	booted := false
	defer func() {
		if !booted {
			e.slots.release()
		}
	}()

	name := ContainerPrefix + shortID(uuid.New().String())
	profile, err := NewSecurityProfile(e.seccomp, spec.Network)
	if err != nil {
		return Handle{}, err
	}
	secOpts, err := profile.DockerSecurityOpts()
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrBootFailure, err)
	}

	if err := e.api.PullImage(ctx, spec.Image); err != nil {
		return Handle{}, fmt.Errorf("%w: pulling image %s: %v", ErrBootFailure, spec.Image, err)
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port := nat.Port(strconv.Itoa(p) + "/tcp")
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: e.publicHost, HostPort: ""}}
	}

	limits := spec.Limits.OrDefault()
	network := "none"
	if spec.Network {
		network = "bridge"
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          []string{"tail", "-f", "/dev/null"},
		Env:          envList(nil),
		WorkingDir:   WorkspaceDir,
		User:         fmt.Sprintf("%d:%d", sandboxUID, sandboxGID),
		ExposedPorts: exposed,
		Labels:       map[string]string{"sandbox.session": spec.SessionID},
	}
	host := &container.HostConfig{
		NetworkMode:    container.NetworkMode(network),
		PortBindings:   bindings,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    secOpts,
		ReadonlyRootfs: true,
		Resources:      limits.DockerResources(),
		Tmpfs: map[string]string{
			"/tmp":       fmt.Sprintf("rw,nosuid,nodev,size=%dm", limits.DiskMB),
			WorkspaceDir: fmt.Sprintf("rw,nosuid,nodev,exec,size=%dm,uid=%d,gid=%d", limits.DiskMB, sandboxUID, sandboxGID),
		},
	}

	id, err := e.api.CreateContainer(ctx, name, cfg, host)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: creating container: %v", ErrBootFailure, err)
	}
	if err := e.api.StartContainer(ctx, id); err != nil {
		_ = e.api.RemoveContainer(context.WithoutCancel(ctx), id)
		return Handle{}, fmt.Errorf("%w: starting container: %v", ErrBootFailure, err)
	}

	e.mu.Lock()
	e.boxes[name] = id
	e.mu.Unlock()
	booted = true

	log.Info().
		Str("session_id", spec.SessionID).
		Str("container", name).
		Str("image", spec.Image).
		Msg("docker sandbox booted")
	return Handle{ID: name, Backend: e.Name()}, nil
}

func (e *DockerEngine) container(h Handle) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.boxes[h.ID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSandboxNotFound, h)
	}
	return id, nil
}

func (e *DockerEngine) Mount(ctx context.Context, h Handle, tree FileTree) error {
	id, err := e.container(h)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMountFailure, err)
	}
	archive, err := tree.Tar()
	if err != nil {
		return err
	}
	// The workspace is a tmpfs owned by the sandbox user, which the copy
	// API cannot write into; extract from inside instead.
	code, err := e.api.ExecInput(ctx, id, []string{"tar", "-x", "-f", "-", "-C", WorkspaceDir}, archive)
	if err != nil {
		return fmt.Errorf("%w: copying files: %v", ErrMountFailure, err)
	}
	if code != 0 {
		return fmt.Errorf("%w: tar exited with %d", ErrMountFailure, code)
	}
	return nil
}

// pidFile records the shell pid of a step so Kill can find it.
func pidFile(execKey string) string { return "/tmp/.sandbox-" + execKey + ".pid" }

// setsidLaunch starts the step in its own session when the image ships a
// setsid that can wait for its child, so the recorded pid leads a process
// group. The user command travels as a separate argument and is never
// spliced into shell text.
const setsidLaunch = `if setsid -w true >/dev/null 2>&1; then exec setsid -w /bin/sh -c "$1" sh "$2"; fi; exec /bin/sh -c "$1" sh "$2"`

// stepCmd builds the exec argv for a step. The user command is always last.
func stepCmd(execKey, command string) []string {
	record := fmt.Sprintf(`echo $$ > %s; exec /bin/sh -c "$1"`, pidFile(execKey))
	return []string{"/bin/sh", "-c", setsidLaunch, "sh", record, command}
}

func (e *DockerEngine) Run(ctx context.Context, h Handle, rs RunSpec) (Process, error) {
	id, err := e.container(h)
	if err != nil {
		return nil, err
	}

	key := shortID(uuid.New().String())
	execID, err := e.api.ExecCreate(ctx, id, container.ExecOptions{
		Cmd:          stepCmd(key, rs.Command),
		Env:          envList(rs.Env),
		WorkingDir:   rs.workDir(),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}
	stream, err := e.api.ExecAttach(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}

	stdout, stderr := rs.Stdout, rs.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	p := &dockerProcess{
		engine:    e,
		container: id,
		execID:    execID,
		key:       key,
		stream:    stream,
		done:      make(chan struct{}),
	}
	go p.pump(stdout, stderr)
	return p, nil
}

type dockerProcess struct {
	engine    *DockerEngine
	container string
	execID    string
	key       string
	stream    io.ReadCloser

	done     chan struct{}
	exitCode int
	err      error
}

func (p *dockerProcess) pump(stdout, stderr io.Writer) {
	defer close(p.done)
	defer p.stream.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, p.stream); err != nil {
		p.err = fmt.Errorf("reading exec output: %w", err)
	}

	// The stream can close a moment before the daemon records the exit.
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		info, err := p.engine.api.ExecInspect(ctx, p.execID)
		if err != nil {
			if p.err == nil {
				p.err = fmt.Errorf("inspecting exec: %w", err)
			}
			p.exitCode = -1
			return
		}
		if !info.Running {
			p.exitCode = info.ExitCode
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	p.exitCode = -1
	if p.err == nil {
		p.err = fmt.Errorf("exec %s still running after stream closed", p.execID)
	}
}

func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Kill signals the step's process group. Without one it kills the direct
// children of the recorded pid and then the pid itself.
func (p *dockerProcess) Kill(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	f := pidFile(p.key)
	script := fmt.Sprintf("p=$(cat %s 2>/dev/null) && { kill -KILL -- -$p 2>/dev/null || "+
		"{ for c in $(pgrep -P $p 2>/dev/null); do kill -KILL $c; done; kill -KILL $p; }; }; rm -f %s", f, f)
	execID, err := p.engine.api.ExecCreate(ctx, p.container, container.ExecOptions{
		Cmd: []string{"/bin/sh", "-c", script},
	})
	if err != nil {
		return fmt.Errorf("creating kill exec: %w", err)
	}
	stream, err := p.engine.api.ExecAttach(ctx, execID)
	if err != nil {
		return fmt.Errorf("running kill exec: %w", err)
	}
	_, _ = io.Copy(io.Discard, stream)
	_ = stream.Close()
	_ = p.stream.Close()
	return nil
}

func (e *DockerEngine) Endpoint(ctx context.Context, h Handle, port int) (string, error) {
	id, err := e.container(h)
	if err != nil {
		return "", err
	}
	info, err := e.api.InspectContainer(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspecting container: %w", err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("%w: no network settings", ErrNoEndpoint)
	}
	for p, binds := range info.NetworkSettings.Ports {
		if p.Int() != port || len(binds) == 0 {
			continue
		}
		hostIP := binds[0].HostIP
		if hostIP == "" || hostIP == "0.0.0.0" {
			hostIP = e.publicHost
		}
		return fmt.Sprintf("http://%s:%s", hostIP, binds[0].HostPort), nil
	}
	return "", fmt.Errorf("%w: port %d is not published", ErrNoEndpoint, port)
}

func (e *DockerEngine) Destroy(ctx context.Context, h Handle) error {
	e.mu.Lock()
	id, ok := e.boxes[h.ID]
	delete(e.boxes, h.ID)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	defer e.slots.release()
	if err := e.api.RemoveContainer(ctx, id); err != nil {
		return fmt.Errorf("removing container %s: %w", h.ID, err)
	}
	log.Debug().Str("container", h.ID).Msg("docker sandbox destroyed")
	return nil
}

func (e *DockerEngine) Healthy(ctx context.Context) bool {
	return e.api.Ping(ctx) == nil
}

// CleanupOrphaned removes sandbox containers that survived a crash.
func (e *DockerEngine) CleanupOrphaned(ctx context.Context) (int, error) {
	ids, err := e.api.ListContainers(ctx, ContainerPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}
	e.mu.Lock()
	live := make(map[string]bool, len(e.boxes))
	for _, id := range e.boxes {
		live[id] = true
	}
	e.mu.Unlock()

	var cleaned int
	for _, id := range ids {
		if live[id] {
			continue
		}
		if err := e.api.RemoveContainer(ctx, id); err != nil {
			log.Error().Err(err).Str("container_id", id).Msg("failed to remove orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

func (e *DockerEngine) Close() error {
	e.mu.Lock()
	boxes := e.boxes
	e.boxes = make(map[string]string)
	e.mu.Unlock()

	for name, id := range boxes {
		if err := e.api.RemoveContainer(context.Background(), id); err != nil {
			log.Error().Err(err).Str("container", name).Msg("container removal on close failed")
		}
		e.slots.release()
	}
	return e.api.Close()
}
