package sandbox

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/config"
)

// NewEngine picks the configured backend. "auto" prefers containerd on
// Linux and falls back to Docker; the local backend must be asked for
// explicitly because it does not isolate anything.
func NewEngine(ctx context.Context, cfg *config.Config) (Engine, error) {
	switch cfg.Sandbox.Backend {
	case "containerd":
		return newContainerdEngine(ctx, cfg)
	case "docker":
		return newDockerEngine(ctx, cfg)
	case "local":
		log.Warn().Msg("local sandbox backend selected: commands run unisolated on this host")
		return NewLocalEngine(cfg.Sandbox.WorkRoot, cfg.Sandbox.MaxConcurrent), nil
	case "", "auto":
		if runtime.GOOS == "linux" {
			engine, err := newContainerdEngine(ctx, cfg)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return engine, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}
		engine, err := newDockerEngine(ctx, cfg)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return engine, nil
		}
		return nil, fmt.Errorf("%w: install containerd (Linux) or Docker, or set sandbox.backend=local: %v", ErrEngineUnavailable, err)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, docker or local", cfg.Sandbox.Backend)
	}
}

func newContainerdEngine(ctx context.Context, cfg *config.Config) (Engine, error) {
	client, err := NewClient(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		return nil, err
	}
	engine := NewContainerdEngine(client, cfg.Sandbox.MaxConcurrent, cfg.Sandbox.WorkRoot, cfg.Security.SeccompProfile)

	cleaned, err := engine.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}
	return engine, nil
}

func newDockerEngine(ctx context.Context, cfg *config.Config) (Engine, error) {
	api, err := NewDockerAPI(cfg.Sandbox.DockerHost)
	if err != nil {
		return nil, err
	}
	if err := api.Ping(ctx); err != nil {
		_ = api.Close()
		return nil, fmt.Errorf("%w: docker daemon not reachable: %v", ErrEngineUnavailable, err)
	}
	engine := NewDockerEngine(api, cfg.Sandbox.MaxConcurrent, cfg.Security.SeccompProfile, cfg.Sandbox.PublicHost)

	cleaned, err := engine.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}
	return engine, nil
}

// LimitsFromConfig converts configured default limits.
func LimitsFromConfig(d config.DefaultLimits) ResourceLimits {
	return ResourceLimits{
		CPUShares: d.CPUShares,
		MemoryMB:  d.MemoryMB,
		PidsLimit: d.PidsLimit,
		DiskMB:    d.DiskMB,
	}.OrDefault()
}
