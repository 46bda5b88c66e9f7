package runtime

import "sandbox-sessions/internal/sandbox"

// ShellToolchain runs a POSIX shell entrypoint.
type ShellToolchain struct{}

func (s *ShellToolchain) Name() string { return "shell" }

func (s *ShellToolchain) Image() string { return "docker.io/library/alpine:3.19" }

func (s *ShellToolchain) Detect(tree sandbox.FileTree) bool {
	return has(tree, "run.sh") || has(tree, "start.sh")
}

func (s *ShellToolchain) DefaultPort() int { return 8080 }

func (s *ShellToolchain) Env() map[string]string { return nil }

func (s *ShellToolchain) Commands(tree sandbox.FileTree) Commands {
	if has(tree, "run.sh") {
		return Commands{Run: "sh -eu run.sh"}
	}
	return Commands{Run: "sh -eu start.sh"}
}
