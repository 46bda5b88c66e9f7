package runtime

import (
	"sandbox-sessions/internal/sandbox"
)

// PythonToolchain configures Python targets.
type PythonToolchain struct{}

func (p *PythonToolchain) Name() string { return "python" }

func (p *PythonToolchain) Image() string { return "docker.io/library/python:3.12-slim" }

func (p *PythonToolchain) Detect(tree sandbox.FileTree) bool {
	return has(tree, "requirements.txt") || has(tree, "pyproject.toml") ||
		has(tree, "main.py") || has(tree, "app.py")
}

func (p *PythonToolchain) DefaultPort() int { return 8000 }

func (p *PythonToolchain) Env() map[string]string {
	return map[string]string{
		"PYTHONUNBUFFERED":        "1", // Unbuffered output
		"PYTHONDONTWRITEBYTECODE": "1",
		"PIP_NO_CACHE_DIR":        "1",
		"PYTHONUSERBASE":          "/tmp/.local",
	}
}

func (p *PythonToolchain) Commands(tree sandbox.FileTree) Commands {
	var cmds Commands
	switch {
	case has(tree, "requirements.txt"):
		cmds.Install = "pip install --user -r requirements.txt"
	case has(tree, "pyproject.toml"):
		cmds.Install = "pip install --user ."
	}
	switch {
	case has(tree, "manage.py"):
		cmds.Run = "python3 manage.py runserver 0.0.0.0:8000"
	case has(tree, "app.py"):
		cmds.Run = "python3 app.py"
	default:
		cmds.Run = "python3 main.py"
	}
	return cmds
}
