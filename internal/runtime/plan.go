package runtime

import (
	"fmt"
	"strings"

	"sandbox-sessions/internal/sandbox"
)

// StepKind is the closed set of run-sequence steps.
type StepKind string

const (
	StepInstall StepKind = "install"
	StepBuild   StepKind = "build"
	StepRun     StepKind = "run"
)

// Step is one Engine.Run invocation of a plan.
type Step struct {
	Kind    StepKind
	Command string
}

// FailureErr is the sentinel a non-zero exit of this step maps to.
func (s Step) FailureErr() error {
	switch s.Kind {
	case StepInstall:
		return sandbox.ErrDependencyInstall
	case StepBuild:
		return sandbox.ErrBuild
	default:
		return sandbox.ErrRuntime
	}
}

// Plan is the resolved execution recipe for one target.
type Plan struct {
	Toolchain    string
	Image        string
	Steps        []Step
	Port         int
	ReadyPattern string
	Env          map[string]string
	Limits       sandbox.ResourceLimits
}

// RunStep returns the final step.
func (p *Plan) RunStep() Step {
	if len(p.Steps) == 0 {
		return Step{Kind: StepRun}
	}
	return p.Steps[len(p.Steps)-1]
}

// Resolve builds the plan for a tree. The manifest, when present, pins the
// toolchain and overrides its commands; override replaces the run command.
func (r *Registry) Resolve(tree sandbox.FileTree, override string) (*Plan, error) {
	m, err := LoadManifest(tree)
	if err != nil {
		return nil, err
	}

	var tc Toolchain
	if m != nil && m.Toolchain != "" {
		tc, err = r.Get(m.Toolchain)
	} else {
		tc, err = r.Detect(tree)
		if err != nil && strings.TrimSpace(override) != "" {
			tc, err = r.Get("shell")
		}
	}
	if err != nil {
		return nil, err
	}

	cmds := tc.Commands(tree)
	plan := &Plan{
		Toolchain: tc.Name(),
		Image:     tc.Image(),
		Port:      tc.DefaultPort(),
		Env:       make(map[string]string),
	}
	for k, v := range tc.Env() {
		plan.Env[k] = v
	}

	if m != nil {
		if m.Image != "" {
			plan.Image = m.Image
		}
		if m.Install != nil {
			cmds.Install = *m.Install
		}
		if m.Build != nil {
			cmds.Build = *m.Build
		}
		if m.Run != nil {
			cmds.Run = *m.Run
		}
		if m.Port > 0 {
			plan.Port = m.Port
		}
		plan.ReadyPattern = m.Ready
		for k, v := range m.Env {
			plan.Env[k] = v
		}
		if m.Limits != nil {
			plan.Limits = m.Limits.OrDefault()
		}
	}
	if o := strings.TrimSpace(override); o != "" {
		cmds.Run = o
	}
	if strings.TrimSpace(cmds.Run) == "" {
		return nil, fmt.Errorf("%w: %s target has no run command", sandbox.ErrInvalidRequest, tc.Name())
	}

	if c := strings.TrimSpace(cmds.Install); c != "" {
		plan.Steps = append(plan.Steps, Step{Kind: StepInstall, Command: c})
	}
	if c := strings.TrimSpace(cmds.Build); c != "" {
		plan.Steps = append(plan.Steps, Step{Kind: StepBuild, Command: c})
	}
	plan.Steps = append(plan.Steps, Step{Kind: StepRun, Command: strings.TrimSpace(cmds.Run)})
	return plan, nil
}
