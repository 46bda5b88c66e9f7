// Package source supplies the file trees and environments sessions run.
package source

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"sandbox-sessions/internal/config"
	"sandbox-sessions/internal/sandbox"
)

var ErrTargetNotFound = errors.New("target not found")

// Target is the file tree of one execution target.
type Target struct {
	ID    string
	Files sandbox.FileTree
}

// TargetProvider resolves a target id to its file tree.
type TargetProvider interface {
	Target(ctx context.Context, targetID string) (*Target, error)
}

// EnvProvider supplies the environment injected at boot. Values are passed
// through untouched.
type EnvProvider interface {
	Environment(ctx context.Context, ownerKey, targetID string) (map[string]string, error)
}

var targetIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}(/[A-Za-z0-9][A-Za-z0-9._-]{0,127})?$`)

// ValidateTargetID rejects ids that could escape a provider's root.
func ValidateTargetID(id string) error {
	if !targetIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid target id %q", sandbox.ErrInvalidRequest, id)
	}
	return nil
}

// NewTargetProvider builds the configured provider.
func NewTargetProvider(ctx context.Context, cfg config.SourceConfig, limits sandbox.TreeLimits) (TargetProvider, error) {
	switch cfg.Driver {
	case "", "dir":
		return NewDirProvider(cfg.Root, limits), nil
	case "minio":
		return NewMinioProvider(ctx, cfg.Minio, limits)
	default:
		return nil, fmt.Errorf("unknown source driver %q", cfg.Driver)
	}
}

// Static serves targets from memory. Unknown ids resolve to an empty tree
// when AllowEmpty is set, so requests can carry their files inline.
type Static struct {
	Trees      map[string]sandbox.FileTree
	AllowEmpty bool
}

func (s *Static) Target(_ context.Context, targetID string) (*Target, error) {
	if err := ValidateTargetID(targetID); err != nil {
		return nil, err
	}
	tree, ok := s.Trees[targetID]
	if !ok {
		if !s.AllowEmpty {
			return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, targetID)
		}
		tree = sandbox.FileTree{}
	}
	return &Target{ID: targetID, Files: tree.Overlay(nil)}, nil
}

// StaticEnv serves environments from configuration: shared values first,
// then per-target values.
type StaticEnv struct {
	Shared    map[string]string
	PerTarget map[string]map[string]string
}

func NewStaticEnv(cfg config.SourceConfig) *StaticEnv {
	return &StaticEnv{Shared: cfg.Env, PerTarget: cfg.TargetEnv}
}

func (e *StaticEnv) Environment(_ context.Context, _, targetID string) (map[string]string, error) {
	out := make(map[string]string, len(e.Shared)+len(e.PerTarget[targetID]))
	for k, v := range e.Shared {
		out[k] = v
	}
	for k, v := range e.PerTarget[targetID] {
		out[k] = v
	}
	return out, nil
}
