package sandbox

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
)

// WorkspaceDir is where the target file tree is mounted inside every sandbox.
const WorkspaceDir = "/workspace"

// ContainerPrefix marks every sandbox created by this service so leftovers
// can be found after a crash.
const ContainerPrefix = "sandbox-"

// Handle identifies one booted sandbox. It is only meaningful to the engine
// that produced it and is never persisted as a live reference.
type Handle struct {
	ID      string
	Backend string
}

func (h Handle) IsZero() bool { return h.ID == "" }

func (h Handle) String() string {
	if h.IsZero() {
		return "<none>"
	}
	return h.Backend + "/" + h.ID
}

// BootSpec describes the sandbox to create.
type BootSpec struct {
	SessionID string
	Image     string
	Limits    ResourceLimits
	Network   bool
	Ports     []int // container ports that may serve previews
}

// poolKey groups boot specs that produce interchangeable sandboxes.
func (b BootSpec) poolKey() string {
	ports := append([]int(nil), b.Ports...)
	sort.Ints(ports)
	return fmt.Sprintf("%s|%v|%v|%d/%d/%d/%d", b.Image, b.Network, ports,
		b.Limits.CPUShares, b.Limits.MemoryMB, b.Limits.PidsLimit, b.Limits.DiskMB)
}

// RunSpec describes one command executed inside a booted sandbox. The
// command runs through /bin/sh -c with WorkDir as its working directory.
type RunSpec struct {
	Command string
	Env     map[string]string
	WorkDir string
	Stdout  io.Writer
	Stderr  io.Writer
}

func (r RunSpec) workDir() string {
	if r.WorkDir == "" {
		return WorkspaceDir
	}
	return r.WorkDir
}

// Process is a command started by Engine.Run.
type Process interface {
	// Wait blocks until the process exits and its output has been fully
	// delivered. It may be called more than once.
	Wait(ctx context.Context) (int, error)
	// Kill forcibly stops the process and everything it spawned.
	Kill(ctx context.Context) error
}

// Engine is the isolation backend. Implementations must be safe for
// concurrent use across different handles.
type Engine interface {
	Name() string
	Boot(ctx context.Context, spec BootSpec) (Handle, error)
	Mount(ctx context.Context, h Handle, tree FileTree) error
	Run(ctx context.Context, h Handle, spec RunSpec) (Process, error)
	// Endpoint returns a host-reachable base URL for a port inside the
	// sandbox, or ErrNoEndpoint.
	Endpoint(ctx context.Context, h Handle, port int) (string, error)
	// Destroy releases the sandbox. Destroying an unknown or already
	// destroyed handle is not an error.
	Destroy(ctx context.Context, h Handle) error
	Healthy(ctx context.Context) bool
	Close() error
}

// Base environment present in every sandbox before session values are applied.
var baseEnv = map[string]string{
	"PATH":    "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME":    "/tmp",
	"LANG":    "C.UTF-8",
	"SANDBOX": "true",
}

// envList renders env as sorted KEY=VALUE pairs layered over the base environment.
func envList(env map[string]string) []string {
	merged := make(map[string]string, len(baseEnv)+len(env))
	for k, v := range baseEnv {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// slots bounds the number of live sandboxes. Unlike the request semaphore in
// the API layer it never blocks: a full table is reported as exhaustion.
type slots struct {
	sem chan struct{}
}

func newSlots(n int) *slots {
	if n < 1 {
		n = 100
	}
	return &slots{sem: make(chan struct{}, n)}
}

func (s *slots) acquire() error {
	select {
	case s.sem <- struct{}{}:
		return nil
	default:
		return fmt.Errorf("%w: %d sandboxes running", ErrResourceExhausted, cap(s.sem))
	}
}

func (s *slots) release() {
	select {
	case <-s.sem:
	default:
	}
}

func (s *slots) inUse() int { return len(s.sem) }

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
