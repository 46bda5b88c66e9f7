package runtime

import (
	"encoding/json"

	"sandbox-sessions/internal/sandbox"
)

// NodeToolchain configures Node.js targets.
type NodeToolchain struct{}

func (n *NodeToolchain) Name() string { return "node" }

func (n *NodeToolchain) Image() string { return "docker.io/library/node:20-slim" }

func (n *NodeToolchain) Detect(tree sandbox.FileTree) bool { return has(tree, "package.json") }

func (n *NodeToolchain) DefaultPort() int { return 3000 }

func (n *NodeToolchain) Env() map[string]string {
	return map[string]string{
		"NODE_OPTIONS":               "--max-old-space-size=256", // Limit V8 heap
		"NPM_CONFIG_CACHE":           "/tmp/.npm",
		"NPM_CONFIG_UPDATE_NOTIFIER": "false",
	}
}

type packageJSON struct {
	Main    string            `json:"main"`
	Scripts map[string]string `json:"scripts"`
}

func (n *NodeToolchain) Commands(tree sandbox.FileTree) Commands {
	var pkg packageJSON
	if data, ok := tree.Get("package.json"); ok {
		_ = json.Unmarshal(data, &pkg)
	}

	cmds := Commands{Install: "npm install --no-audit --no-fund"}
	if has(tree, "package-lock.json") {
		cmds.Install = "npm ci --no-audit --no-fund"
	}
	if _, ok := pkg.Scripts["build"]; ok {
		cmds.Build = "npm run build"
	}
	switch {
	case pkg.Scripts["start"] != "":
		cmds.Run = "npm start"
	case pkg.Scripts["dev"] != "":
		cmds.Run = "npm run dev"
	case pkg.Main != "":
		cmds.Run = "node " + pkg.Main
	default:
		cmds.Run = "node index.js"
	}
	return cmds
}
