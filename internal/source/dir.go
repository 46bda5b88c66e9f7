package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"sandbox-sessions/internal/sandbox"
)

// DirProvider reads targets from <root>/<targetID>.
type DirProvider struct {
	root   string
	limits sandbox.TreeLimits
}

func NewDirProvider(root string, limits sandbox.TreeLimits) *DirProvider {
	return &DirProvider{root: root, limits: limits}
}

func (d *DirProvider) Target(ctx context.Context, targetID string) (*Target, error) {
	if err := ValidateTargetID(targetID); err != nil {
		return nil, err
	}
	base := filepath.Join(d.root, filepath.FromSlash(targetID))
	info, err := os.Stat(base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, targetID)
	}
	if err != nil {
		return nil, fmt.Errorf("stat target %s: %w", targetID, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrTargetNotFound, targetID)
	}

	tree := sandbox.FileTree{}
	var total int64
	err = filepath.WalkDir(base, func(p string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			switch entry.Name() {
			case ".git", "node_modules", "__pycache__":
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		total += int64(len(data))
		if d.limits.MaxBytes > 0 && total > d.limits.MaxBytes {
			return fmt.Errorf("%w: target %s exceeds %d bytes", sandbox.ErrMountFailure, targetID, d.limits.MaxBytes)
		}
		if d.limits.MaxFiles > 0 && len(tree) >= d.limits.MaxFiles {
			return fmt.Errorf("%w: target %s exceeds %d files", sandbox.ErrMountFailure, targetID, d.limits.MaxFiles)
		}
		tree[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Target{ID: targetID, Files: tree}, nil
}
