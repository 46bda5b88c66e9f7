package runtime

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"sandbox-sessions/internal/sandbox"
)

// ManifestFile is the optional per-target manifest at the tree root.
const ManifestFile = "sandbox.yaml"

// Manifest pins the toolchain and overrides its defaults.
//
//	toolchain: node
//	install: npm ci
//	build: npm run build
//	run: npm start
//	port: 3000
//	ready: "compiled successfully"
type Manifest struct {
	Toolchain string                  `yaml:"toolchain"`
	Image     string                  `yaml:"image"`
	Install   *string                 `yaml:"install"`
	Build     *string                 `yaml:"build"`
	Run       *string                 `yaml:"run"`
	Port      int                     `yaml:"port"`
	Ready     string                  `yaml:"ready"`
	Env       map[string]string       `yaml:"env"`
	Limits    *sandbox.ResourceLimits `yaml:"limits"`
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", sandbox.ErrInvalidRequest, ManifestFile, err)
	}
	if m.Port < 0 || m.Port > 65535 {
		return nil, fmt.Errorf("%w: %s: port %d out of range", sandbox.ErrInvalidRequest, ManifestFile, m.Port)
	}
	if m.Ready != "" {
		if _, err := regexp.Compile(m.Ready); err != nil {
			return nil, fmt.Errorf("%w: %s: ready pattern: %v", sandbox.ErrInvalidRequest, ManifestFile, err)
		}
	}
	if m.Limits != nil {
		if err := m.Limits.OrDefault().Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", sandbox.ErrInvalidRequest, ManifestFile, err)
		}
	}
	return &m, nil
}

// LoadManifest reads the manifest from a tree. It returns nil when the tree
// carries none.
func LoadManifest(tree sandbox.FileTree) (*Manifest, error) {
	data, ok := tree.Get(ManifestFile)
	if !ok {
		return nil, nil
	}
	return ParseManifest(data)
}
