package runtime

import (
	"fmt"
	"sort"
	"strings"

	"sandbox-sessions/internal/sandbox"
)

// Toolchain defines how a target of one language is installed, built and
// started.
type Toolchain interface {
	// Name returns the toolchain identifier (e.g., "node", "python").
	Name() string

	// Image returns the container image reference for this toolchain.
	Image() string

	// Detect reports whether the file tree looks like a project of this
	// toolchain.
	Detect(tree sandbox.FileTree) bool

	// Commands returns the default install, build and run commands for the
	// tree. Empty commands are skipped.
	Commands(tree sandbox.FileTree) Commands

	// DefaultPort is the port a server started by the run step usually binds.
	DefaultPort() int

	// Env returns toolchain defaults layered under the session environment.
	Env() map[string]string
}

// Commands holds the shell command of each step kind.
type Commands struct {
	Install string
	Build   string
	Run     string
}

// Registry maps toolchain names to implementations. Detection order is
// registration order.
type Registry struct {
	toolchains map[string]Toolchain
	order      []string
}

// NewRegistry creates a registry with all supported toolchains.
func NewRegistry() *Registry {
	r := &Registry{
		toolchains: make(map[string]Toolchain),
	}
	r.Register(&NodeToolchain{})
	r.Register(&PythonToolchain{})
	r.Register(&GoToolchain{})
	r.Register(&ShellToolchain{})
	return r
}

// Register adds a toolchain to the registry.
func (r *Registry) Register(tc Toolchain) {
	if _, ok := r.toolchains[tc.Name()]; !ok {
		r.order = append(r.order, tc.Name())
	}
	r.toolchains[tc.Name()] = tc
}

// Get returns the toolchain with the given name.
func (r *Registry) Get(name string) (Toolchain, error) {
	tc, ok := r.toolchains[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", sandbox.ErrUnsupportedRuntime, name, strings.Join(r.Names(), ", "))
	}
	return tc, nil
}

// Detect returns the first toolchain that recognizes the tree.
func (r *Registry) Detect(tree sandbox.FileTree) (Toolchain, error) {
	for _, name := range r.order {
		if tc := r.toolchains[name]; tc.Detect(tree) {
			return tc, nil
		}
	}
	return nil, fmt.Errorf("%w: no toolchain recognizes the target (add %s)", sandbox.ErrUnsupportedRuntime, ManifestFile)
}

// Names returns all registered toolchain names, sorted.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Images returns all container images needed by registered toolchains.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.toolchains))
	for _, name := range r.order {
		images = append(images, r.toolchains[name].Image())
	}
	return images
}

func has(tree sandbox.FileTree, path string) bool {
	_, ok := tree.Get(path)
	return ok
}
