package sandbox

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

const cleanupTimeout = 30 * time.Second

func (e *ContainerdEngine) cleanupBox(ctx context.Context, box *ctrBox) error {
	defer func() {
		if box.hostDir != "" {
			_ = os.RemoveAll(box.hostDir)
		}
	}()
	return e.cleanupContainer(ctx, box.container)
}

func (e *ContainerdEngine) cleanupContainer(ctx context.Context, ctr containerd.Container) error {
	if ctr == nil {
		return nil
	}

	id := ctr.ID()
	logger := log.With().Str("container_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	cleanupCtx = e.client.WithNamespace(cleanupCtx)

	if task, err := ctr.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			_ = task.Kill(cleanupCtx, syscall.SIGKILL, containerd.WithKillAll)

			waitCtx, waitCancel := context.WithTimeout(cleanupCtx, 5*time.Second)
			defer waitCancel()
			if exitCh, _ := task.Wait(waitCtx); exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
		}
		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := ctr.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", id, err)
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}

// CleanupOrphaned removes sandbox containers left over from a previous
// process. It is called once at startup, before any session boots.
func (e *ContainerdEngine) CleanupOrphaned(ctx context.Context) (int, error) {
	nsCtx := e.client.WithNamespace(ctx)

	ctrs, err := e.client.Raw().Containers(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range ctrs {
		if !strings.HasPrefix(c.ID(), ContainerPrefix) {
			continue
		}
		if err := e.cleanupContainer(ctx, c); err != nil {
			log.Error().Err(err).Str("container_id", c.ID()).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}
