package sandbox

import (
	"fmt"

	"github.com/docker/docker/api/types/container"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares" yaml:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `json:"memory_mb" yaml:"memory_mb"`   // Hard memory limit
	PidsLimit int64 `json:"pids_limit" yaml:"pids_limit"` // Max processes (fork bomb protection)
	DiskMB    int64 `json:"disk_mb" yaml:"disk_mb"`       // Tmpfs size for /tmp
}

// DefaultLimits are sized for a package install followed by a dev server.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUShares: 1024,
		MemoryMB:  1024,
		PidsLimit: 256,
		DiskMB:    512,
	}
}

func (rl ResourceLimits) IsZero() bool { return rl == ResourceLimits{} }

// OrDefault fills unset fields from DefaultLimits.
func (rl ResourceLimits) OrDefault() ResourceLimits {
	d := DefaultLimits()
	if rl.CPUShares == 0 {
		rl.CPUShares = d.CPUShares
	}
	if rl.MemoryMB == 0 {
		rl.MemoryMB = d.MemoryMB
	}
	if rl.PidsLimit == 0 {
		rl.PidsLimit = d.PidsLimit
	}
	if rl.DiskMB == 0 {
		rl.DiskMB = d.DiskMB
	}
	return rl
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUShares < 2 || rl.CPUShares > 8192 {
		return fmt.Errorf("%w: cpu_shares must be 2-8192, got %d", ErrInvalidRequest, rl.CPUShares)
	}
	if rl.MemoryMB < 64 || rl.MemoryMB > 8192 {
		return fmt.Errorf("%w: memory_mb must be 64-8192, got %d", ErrInvalidRequest, rl.MemoryMB)
	}
	if rl.PidsLimit < 16 || rl.PidsLimit > 4096 {
		return fmt.Errorf("%w: pids_limit must be 16-4096, got %d", ErrInvalidRequest, rl.PidsLimit)
	}
	if rl.DiskMB < 16 || rl.DiskMB > 8192 {
		return fmt.Errorf("%w: disk_mb must be 16-8192, got %d", ErrInvalidRequest, rl.DiskMB)
	}
	return nil
}

// DockerResources converts the limits into a Docker host resource block.
func (rl ResourceLimits) DockerResources() container.Resources {
	memoryBytes := rl.MemoryMB * 1024 * 1024
	pids := rl.PidsLimit
	return container.Resources{
		NanoCPUs:   rl.CPUShares * 1e9 / 1024,
		Memory:     memoryBytes,
		MemorySwap: memoryBytes,
		PidsLimit:  &pids,
	}
}

func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	// CFS quota gives a hard cap; shares alone are best-effort.
	period := uint64(100000)
	quota := int64(float64(limits.CPUShares) / 1024.0 * float64(period))
	if quota < 1000 {
		quota = 1000
	}

	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.PidsLimit,
	}

	tmpfsBytes := limits.DiskMB * 1024 * 1024
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})

	// Package managers open many files at once; the limit is higher than a
	// one-shot script would need.
	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 4096, Soft: 4096},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.PidsLimit), Soft: safeUint64(limits.PidsLimit)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
