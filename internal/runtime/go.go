package runtime

import "sandbox-sessions/internal/sandbox"

// GoToolchain configures Go targets.
type GoToolchain struct{}

func (g *GoToolchain) Name() string { return "go" }

func (g *GoToolchain) Image() string { return "docker.io/library/golang:1.24-alpine" }

func (g *GoToolchain) Detect(tree sandbox.FileTree) bool { return has(tree, "go.mod") }

func (g *GoToolchain) DefaultPort() int { return 8080 }

func (g *GoToolchain) Env() map[string]string {
	return map[string]string{
		"GOCACHE":     "/tmp/.cache/go-build",
		"GOPATH":      "/tmp/go",
		"CGO_ENABLED": "0",
	}
}

func (g *GoToolchain) Commands(tree sandbox.FileTree) Commands {
	cmds := Commands{
		Build: "go build -o /tmp/app .",
		Run:   "/tmp/app",
	}
	if has(tree, "go.sum") {
		cmds.Install = "go mod download"
	}
	return cmds
}
