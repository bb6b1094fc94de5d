// Package workspace manages the per-project directories the agent builds
// into: creation, bounded file listing, safe reads, size accounting, and
// local port probing for dev servers.
package workspace

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when a requested file does not exist or resolves
// outside the workspace.
var ErrNotFound = errors.New("workspace: file not found")

// skipDirs are build-artifact directories excluded from listings and size
// accounting.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"target":       true,
	"__pycache__":  true,
	".cache":       true,
}

// FileNode is one entry of a workspace listing.
type FileNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"` // relative to the listed root
	IsDir    bool       `json:"is_dir"`
	Size     int64      `json:"size,omitempty"`
	Children []FileNode `json:"children,omitempty"`
}

// FileContent is the result of reading a single workspace file.
type FileContent struct {
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
}

// Manager allocates and inspects project workspaces under a fixed root.
type Manager struct {
	Root string
}

// NewManager creates a workspace manager rooted at root, creating the root
// directory if needed.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{Root: root}, nil
}

// Create idempotently creates the directory for a project and returns its
// absolute path.
func (m *Manager) Create(projectID string) (string, error) {
	path, err := filepath.Abs(filepath.Join(m.Root, projectID))
	if err != nil {
		return "", fmt.Errorf("resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return path, nil
}

// ListFiles returns a recursive, depth-bounded listing of path. Artifact
// directories are skipped; within each directory, subdirectories sort before
// files, then lexicographically.
func (m *Manager) ListFiles(path string, maxDepth int) ([]FileNode, error) {
	return m.listDir(path, "", maxDepth)
}

func (m *Manager) listDir(dir, rel string, depth int) ([]FileNode, error) {
	if depth <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	nodes := make([]FileNode, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() && skipDirs[name] {
			continue
		}
		node := FileNode{
			Name:  name,
			Path:  filepath.Join(rel, name),
			IsDir: e.IsDir(),
		}
		if e.IsDir() {
			children, err := m.listDir(filepath.Join(dir, name), node.Path, depth-1)
			if err != nil {
				return nil, err
			}
			node.Children = children
		} else if info, err := e.Info(); err == nil {
			node.Size = info.Size()
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// ReadFile reads rel inside the workspace at path. Paths that escape the
// workspace root are rejected as not found.
func (m *Manager) ReadFile(path, rel string) (*FileContent, error) {
	cleanRoot := filepath.Clean(path)
	full := filepath.Clean(filepath.Join(cleanRoot, rel))
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
		return nil, ErrNotFound
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return &FileContent{
		Content:   string(data),
		Size:      info.Size(),
		Extension: strings.TrimPrefix(filepath.Ext(full), "."),
	}, nil
}

// Size returns the total bytes under path, skipping artifact directories.
func (m *Manager) Size(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] && p != path {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("workspace size: %w", err)
	}
	return total, nil
}

// FindFreePort probes sequentially upward from start, binding and releasing
// a local socket to test availability. It gives up after maxAttempts ports.
func (m *Manager) FindFreePort(start, maxAttempts int) (int, error) {
	if maxAttempts <= 0 {
		maxAttempts = 100
	}
	for port := start; port < start+maxAttempts; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, start+maxAttempts-1)
}
