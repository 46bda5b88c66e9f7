package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// FileTree maps slash-separated relative paths to file contents.
type FileTree map[string][]byte

// TreeLimits bounds what a single mount may carry.
type TreeLimits struct {
	MaxFiles int
	MaxBytes int64
}

func DefaultTreeLimits() TreeLimits {
	return TreeLimits{MaxFiles: 10000, MaxBytes: 64 << 20}
}

// CleanPath normalizes p and rejects anything that would escape the workspace.
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrMountFailure)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: path %q contains NUL", ErrMountFailure, p)
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if path.IsAbs(p) {
		return "", fmt.Errorf("%w: path %q must be relative", ErrMountFailure, p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: path %q escapes the workspace", ErrMountFailure, p)
		}
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", fmt.Errorf("%w: path %q names the workspace root", ErrMountFailure, p)
	}
	return clean, nil
}

// Validate checks every path and the aggregate size against limits.
func (t FileTree) Validate(limits TreeLimits) error {
	if limits.MaxFiles > 0 && len(t) > limits.MaxFiles {
		return fmt.Errorf("%w: %d files exceeds limit of %d", ErrMountFailure, len(t), limits.MaxFiles)
	}
	var total int64
	for p, data := range t {
		if _, err := CleanPath(p); err != nil {
			return err
		}
		total += int64(len(data))
	}
	if limits.MaxBytes > 0 && total > limits.MaxBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMountFailure, total, limits.MaxBytes)
	}
	return nil
}

// Size returns the total content size in bytes.
func (t FileTree) Size() int64 {
	var total int64
	for _, data := range t {
		total += int64(len(data))
	}
	return total
}

// Paths returns the tree's paths in lexical order.
func (t FileTree) Paths() []string {
	out := make([]string, 0, len(t))
	for p := range t {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Get looks up a file by its cleaned path.
func (t FileTree) Get(p string) ([]byte, bool) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, false
	}
	if data, ok := t[clean]; ok {
		return data, true
	}
	data, ok := t[p]
	return data, ok
}

// Overlay returns a new tree with delta applied on top of t. Neither input
// is modified.
func (t FileTree) Overlay(delta FileTree) FileTree {
	out := make(FileTree, len(t)+len(delta))
	for p, data := range t {
		out[p] = data
	}
	for p, data := range delta {
		if clean, err := CleanPath(p); err == nil {
			p = clean
		}
		out[p] = data
	}
	return out
}

// Tar encodes the tree as an uncompressed tar stream rooted at the workspace.
func (t FileTree) Tar() (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	dirs := make(map[string]bool)

	for _, p := range t.Paths() {
		clean, err := CleanPath(p)
		if err != nil {
			return nil, err
		}
		for dir := path.Dir(clean); dir != "." && !dirs[dir]; dir = path.Dir(dir) {
			dirs[dir] = true
		}
	}
	dirList := make([]string, 0, len(dirs))
	for d := range dirs {
		dirList = append(dirList, d)
	}
	sort.Strings(dirList)
	for _, d := range dirList {
		if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: d + "/", Mode: 0o777}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMountFailure, err)
		}
	}

	for _, p := range t.Paths() {
		clean, _ := CleanPath(p)
		data := t[p]
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     clean,
			Mode:     int64(fileMode(clean)),
			Size:     int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMountFailure, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMountFailure, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMountFailure, err)
	}
	return &buf, nil
}

// WriteTo materializes the tree under dir. Files are world-writable because
// sandboxes run as an unprivileged user that does not own the host directory.
func (t FileTree) WriteTo(dir string) error {
	for _, p := range t.Paths() {
		clean, err := CleanPath(p)
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, filepath.FromSlash(clean))
		if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil { // #nosec G301 -- sandbox user must write here
			return fmt.Errorf("%w: %v", ErrMountFailure, err)
		}
		if err := os.WriteFile(dst, t[p], fileMode(clean)); err != nil {
			return fmt.Errorf("%w: %v", ErrMountFailure, err)
		}
		if err := os.Chmod(dst, fileMode(clean)); err != nil { // umask
			return fmt.Errorf("%w: %v", ErrMountFailure, err)
		}
	}
	return nil
}

func fileMode(p string) os.FileMode {
	if strings.HasSuffix(p, ".sh") {
		return 0o777
	}
	return 0o666
}
