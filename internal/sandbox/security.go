package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"sandbox-sessions/pkg/seccomp"
)

// Unprivileged identity every sandbox process runs as.
const (
	sandboxUID = 65534
	sandboxGID = 65534
)

type SecurityProfile struct {
	Seccomp       *specs.LinuxSeccomp
	Capabilities  []string
	Namespaces    []specs.LinuxNamespace
	MaskedPaths   []string
	ReadonlyPaths []string
}

// NewSecurityProfile builds the profile for one sandbox. With network
// enabled the sandbox shares the host network namespace so its preview
// ports are reachable on loopback; containerd has no CNI wiring here.
func NewSecurityProfile(seccompName string, network bool) (SecurityProfile, error) {
	sc, err := seccomp.ByName(seccompName)
	if err != nil {
		return SecurityProfile{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	namespaces := []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.IPCNamespace},
	}
	if !network {
		namespaces = append(namespaces, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}
	return SecurityProfile{
		Seccomp:      sc,
		Capabilities: []string{},
		Namespaces:   namespaces,
		MaskedPaths: []string{
			"/proc/acpi",
			"/proc/kcore",
			"/proc/keys",
			"/proc/latency_stats",
			"/proc/timer_list",
			"/proc/timer_stats",
			"/proc/sched_debug",
			"/proc/scsi",
			"/sys/firmware",
			"/sys/devices/virtual/powercap",
		},
		ReadonlyPaths: []string{
			"/proc/asound",
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
	}, nil
}

// DockerSecurityOpts renders the profile as Docker HostConfig.SecurityOpt entries.
func (p SecurityProfile) DockerSecurityOpts() ([]string, error) {
	data, err := seccomp.DockerProfileJSON(p.Seccomp)
	if err != nil {
		return nil, err
	}
	return []string{"no-new-privileges", "seccomp=" + string(data)}, nil
}

func ApplySecurityProfile(spec *specs.Spec, profile SecurityProfile) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}
	if spec.Process.Capabilities == nil {
		spec.Process.Capabilities = &specs.LinuxCapabilities{}
	}

	spec.Linux.Seccomp = profile.Seccomp
	caps := profile.Capabilities
	spec.Process.Capabilities.Bounding = caps
	spec.Process.Capabilities.Effective = caps
	spec.Process.Capabilities.Inheritable = caps
	spec.Process.Capabilities.Permitted = caps
	spec.Process.Capabilities.Ambient = caps

	spec.Linux.Namespaces = profile.Namespaces
	spec.Linux.MaskedPaths = profile.MaskedPaths
	spec.Linux.ReadonlyPaths = profile.ReadonlyPaths

	spec.Process.NoNewPrivileges = true
	spec.Process.User = specs.User{UID: sandboxUID, GID: sandboxGID}

	// Root stays read-only; installs write into /workspace and /tmp.
	if spec.Root != nil {
		spec.Root.Readonly = true
	}
}
