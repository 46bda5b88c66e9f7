package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"sandbox-sessions/internal/sandbox"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedEnvKeys may never be supplied by a request: they steer the
// dynamic loader or the sandbox itself.
var reservedEnvKeys = []string{"LD_PRELOAD", "LD_LIBRARY_PATH", "LD_AUDIT", "SANDBOX", "HOME", "PATH"}

// MergeEnv layers maps in order; later layers win.
func MergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// ValidateEnv checks request-supplied variables.
func ValidateEnv(env map[string]string, blocked []string) error {
	deny := make(map[string]bool, len(reservedEnvKeys)+len(blocked))
	for _, k := range reservedEnvKeys {
		deny[k] = true
	}
	for _, k := range blocked {
		deny[strings.ToUpper(k)] = true
	}
	for k, v := range env {
		if !envKeyPattern.MatchString(k) {
			return fmt.Errorf("%w: invalid environment variable name %q", sandbox.ErrInvalidRequest, k)
		}
		if deny[strings.ToUpper(k)] {
			return fmt.Errorf("%w: environment variable %s may not be set", sandbox.ErrInvalidRequest, k)
		}
		if strings.ContainsRune(v, 0) {
			return fmt.Errorf("%w: environment variable %s contains NUL", sandbox.ErrInvalidRequest, k)
		}
	}
	return nil
}
