package runtime

import (
	"errors"
	"testing"

	"sandbox-sessions/internal/sandbox"
)

func TestRegistry_Detect(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name string
		tree sandbox.FileTree
		want string
	}{
		{"node", sandbox.FileTree{"package.json": []byte(`{}`)}, "node"},
		{"python requirements", sandbox.FileTree{"requirements.txt": nil, "app.py": nil}, "python"},
		{"python pyproject", sandbox.FileTree{"pyproject.toml": nil}, "python"},
		{"go", sandbox.FileTree{"go.mod": []byte("module x\n"), "main.go": nil}, "go"},
		{"shell", sandbox.FileTree{"run.sh": []byte("echo hi\n")}, "shell"},
		{"node wins over shell", sandbox.FileTree{"package.json": []byte(`{}`), "run.sh": nil}, "node"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, err := r.Detect(tt.tree)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if tc.Name() != tt.want {
				t.Errorf("Detect = %q, want %q", tc.Name(), tt.want)
			}
		})
	}
}

func TestRegistry_DetectUnknown(t *testing.T) {
	_, err := NewRegistry().Detect(sandbox.FileTree{"README.md": nil})
	if !errors.Is(err, sandbox.ErrUnsupportedRuntime) {
		t.Errorf("expected ErrUnsupportedRuntime, got %v", err)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	_, err := NewRegistry().Get("cobol")
	if !errors.Is(err, sandbox.ErrUnsupportedRuntime) {
		t.Errorf("expected ErrUnsupportedRuntime, got %v", err)
	}
}

func TestNodeToolchain_Commands(t *testing.T) {
	tree := sandbox.FileTree{
		"package.json":      []byte(`{"scripts":{"build":"vite build","start":"node server.js"}}`),
		"package-lock.json": []byte(`{}`),
	}
	cmds := (&NodeToolchain{}).Commands(tree)
	if cmds.Install != "npm ci --no-audit --no-fund" {
		t.Errorf("Install = %q", cmds.Install)
	}
	if cmds.Build != "npm run build" {
		t.Errorf("Build = %q", cmds.Build)
	}
	if cmds.Run != "npm start" {
		t.Errorf("Run = %q", cmds.Run)
	}

	bare := (&NodeToolchain{}).Commands(sandbox.FileTree{"package.json": []byte(`{"main":"app.js"}`)})
	if bare.Build != "" || bare.Run != "node app.js" {
		t.Errorf("bare package: %+v", bare)
	}
}

func TestResolve_StepOrder(t *testing.T) {
	tree := sandbox.FileTree{"go.mod": []byte("module x\n"), "go.sum": nil}
	plan, err := NewRegistry().Resolve(tree, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []StepKind{StepInstall, StepBuild, StepRun}
	if len(plan.Steps) != len(want) {
		t.Fatalf("got %d steps, want %d", len(plan.Steps), len(want))
	}
	for i, k := range want {
		if plan.Steps[i].Kind != k {
			t.Errorf("step %d = %s, want %s", i, plan.Steps[i].Kind, k)
		}
	}
	if plan.Port != 8080 {
		t.Errorf("Port = %d, want 8080", plan.Port)
	}
}

func TestResolve_OverrideReplacesRunOnly(t *testing.T) {
	tree := sandbox.FileTree{"requirements.txt": []byte("flask\n")}
	plan, err := NewRegistry().Resolve(tree, "python3 -m pytest")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("got %d steps, want install+run", len(plan.Steps))
	}
	if plan.Steps[0].Kind != StepInstall {
		t.Errorf("first step = %s", plan.Steps[0].Kind)
	}
	if got := plan.RunStep().Command; got != "python3 -m pytest" {
		t.Errorf("run command = %q", got)
	}
}

func TestResolve_OverrideOnEmptyTreeUsesShell(t *testing.T) {
	plan, err := NewRegistry().Resolve(sandbox.FileTree{}, "echo hello")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Toolchain != "shell" || len(plan.Steps) != 1 {
		t.Errorf("plan = %+v", plan)
	}
}

func TestResolve_Manifest(t *testing.T) {
	tree := sandbox.FileTree{
		"package.json": []byte(`{"scripts":{"build":"tsc"}}`),
		ManifestFile: []byte(`toolchain: node
install: pnpm install
build: ""
run: pnpm dev
port: 5173
ready: "ready in \\d+ ms"
env:
  FOO: bar
limits:
  memory_mb: 2048
`),
	}
	plan, err := NewRegistry().Resolve(tree, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("empty build in manifest should skip the step, got %+v", plan.Steps)
	}
	if plan.Steps[0].Command != "pnpm install" || plan.RunStep().Command != "pnpm dev" {
		t.Errorf("steps = %+v", plan.Steps)
	}
	if plan.Port != 5173 {
		t.Errorf("Port = %d", plan.Port)
	}
	if plan.Env["FOO"] != "bar" || plan.Env["NPM_CONFIG_CACHE"] == "" {
		t.Errorf("Env = %v", plan.Env)
	}
	if plan.Limits.MemoryMB != 2048 || plan.Limits.CPUShares != sandbox.DefaultLimits().CPUShares {
		t.Errorf("Limits = %+v", plan.Limits)
	}
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "toolchain: [node"},
		{"bad port", "port: 70000"},
		{"bad pattern", "ready: \"(\""},
		{"bad limits", "limits:\n  memory_mb: 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.data))
			if !errors.Is(err, sandbox.ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}
