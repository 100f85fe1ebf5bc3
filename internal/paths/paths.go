// Package paths resolves the dotclaw install home and its derived
// directory layout, and translates filesystem paths between the host
// and the sandboxed container's mount view.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const envHome = "DOTCLAW_HOME"

// containerWorkspaceRoot is the fixed mount point inside the sandbox
// container, matching the container runtime's IPC contract.
const containerWorkspaceRoot = "/workspace/group"

// Layout holds the resolved install home and its derived directories.
type Layout struct {
	Home       string
	ConfigDir  string
	DataDir    string
	StoreDir   string
	SessionDir string
	IPCDir     string
	GroupsDir  string
	LogsDir    string
	TracesDir  string
	PromptsDir string
}

// Resolve computes the Layout from $DOTCLAW_HOME or ~/.dotclaw.
func Resolve() (*Layout, error) {
	home := os.Getenv(envHome)
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home: %w", err)
		}
		home = filepath.Join(userHome, ".dotclaw")
	}

	data := filepath.Join(home, "data")
	l := &Layout{
		Home:       home,
		ConfigDir:  filepath.Join(home, "config"),
		DataDir:    data,
		StoreDir:   filepath.Join(data, "store"),
		SessionDir: filepath.Join(data, "sessions"),
		IPCDir:     filepath.Join(data, "ipc"),
		GroupsDir:  filepath.Join(home, "groups"),
		LogsDir:    filepath.Join(home, "logs"),
		TracesDir:  filepath.Join(home, "traces"),
		PromptsDir: filepath.Join(home, "prompts"),
	}
	return l, nil
}

// EnsureDirs creates every directory in the layout, matching the
// teacher's 0755-permission MkdirAll convention.
func (l *Layout) EnsureDirs() error {
	dirs := []string{
		l.ConfigDir, l.DataDir, l.StoreDir, l.SessionDir, l.IPCDir,
		l.GroupsDir, l.LogsDir, l.TracesDir, l.PromptsDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", d, err)
		}
	}
	return nil
}

// GroupDir returns the per-group workspace directory, outside the
// install tree's mount allowlist boundary — callers must not assume
// it is reachable from the sandbox except via the translation helpers
// below.
func (l *Layout) GroupDir(group string) string {
	return filepath.Join(l.GroupsDir, group)
}

// JobOutputDir returns the directory for a background job's durable
// output artifacts (e.g. output.md for truncated results).
func (l *Layout) JobOutputDir(group, jobID string) string {
	return filepath.Join(l.GroupDir(group), "jobs", jobID)
}

// HostPathToContainerGroupPath translates a host-side path rooted at
// <groupsDir>/<group>/<rel> into the container-side path
// /workspace/group/<rel>. Returns ("", false) if host is not inside
// the group's root after symlink resolution, or contains a NUL byte.
func (l *Layout) HostPathToContainerGroupPath(group, host string) (string, bool) {
	if strings.ContainsRune(host, 0) {
		return "", false
	}

	root := l.GroupDir(group)
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		// Root may not exist yet; fall back to the lexical form so
		// newly-created groups still resolve.
		realRoot = filepath.Clean(root)
	}

	realHost, err := filepath.EvalSymlinks(host)
	if err != nil {
		realHost = filepath.Clean(host)
	}

	rel, err := filepath.Rel(realRoot, realHost)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return containerWorkspaceRoot, true
	}
	return filepath.ToSlash(filepath.Join(containerWorkspaceRoot, rel)), true
}

// ResolveContainerGroupPathToHost is the inverse of
// HostPathToContainerGroupPath: given a container-side path under
// /workspace/group, returns the corresponding host-side realpath.
// Returns ("", false) for paths escaping the container root, outside
// the workspace prefix, or containing a NUL byte.
func (l *Layout) ResolveContainerGroupPathToHost(group, containerPath string) (string, bool) {
	if strings.ContainsRune(containerPath, 0) {
		return "", false
	}

	cp := filepath.ToSlash(filepath.Clean(containerPath))
	prefix := containerWorkspaceRoot
	if cp != prefix && !strings.HasPrefix(cp, prefix+"/") {
		return "", false
	}

	rel := strings.TrimPrefix(cp, prefix)
	rel = strings.TrimPrefix(rel, "/")

	root := l.GroupDir(group)
	host := root
	if rel != "" {
		host = filepath.Join(root, filepath.FromSlash(rel))
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		realRoot = filepath.Clean(root)
	}
	realHost, err := filepath.EvalSymlinks(host)
	if err != nil {
		// Target may not exist yet (e.g. a file about to be written);
		// validate lexically against the cleaned root instead.
		realHost = filepath.Clean(host)
		if realHost != realRoot && !strings.HasPrefix(realHost, realRoot+string(filepath.Separator)) {
			return "", false
		}
		return realHost, true
	}

	if realHost != realRoot && !strings.HasPrefix(realHost, realRoot+string(filepath.Separator)) {
		return "", false
	}
	return realHost, true
}

// ExpandHome replaces a leading "~" with the user's home directory,
// matching the teacher's config.ExpandHome helper.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
