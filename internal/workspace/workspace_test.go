package workspace

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestCreateIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Create("p1")
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	second, err := m.Create("p1")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if first != second {
		t.Fatalf("expected same path, got %q and %q", first, second)
	}
	if info, err := os.Stat(first); err != nil || !info.IsDir() {
		t.Fatalf("workspace dir missing: %v", err)
	}
}

func TestListFilesSkipsArtifactsAndSortsDirsFirst(t *testing.T) {
	m := newTestManager(t)
	ws, _ := m.Create("p1")

	os.MkdirAll(filepath.Join(ws, "src"), 0o755)
	os.MkdirAll(filepath.Join(ws, "node_modules", "react"), 0o755)
	os.WriteFile(filepath.Join(ws, "a.txt"), []byte("a"), 0o644)
	os.WriteFile(filepath.Join(ws, "src", "main.js"), []byte("x"), 0o644)

	nodes, err := m.ListFiles(ws, 3)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 entries (node_modules skipped), got %d", len(nodes))
	}
	if !nodes[0].IsDir || nodes[0].Name != "src" {
		t.Fatalf("expected src dir first, got %+v", nodes[0])
	}
	if nodes[1].Name != "a.txt" {
		t.Fatalf("expected a.txt after dirs, got %+v", nodes[1])
	}
	if len(nodes[0].Children) != 1 || nodes[0].Children[0].Path != filepath.Join("src", "main.js") {
		t.Fatalf("expected src/main.js child, got %+v", nodes[0].Children)
	}
}

func TestListFilesHonorsMaxDepth(t *testing.T) {
	m := newTestManager(t)
	ws, _ := m.Create("p1")

	os.MkdirAll(filepath.Join(ws, "a", "b"), 0o755)
	os.WriteFile(filepath.Join(ws, "a", "b", "deep.txt"), []byte("x"), 0o644)

	nodes, err := m.ListFiles(ws, 2)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	// Depth 2 reaches a/ and a/b but not b's contents.
	if len(nodes) != 1 || len(nodes[0].Children) != 1 {
		t.Fatalf("unexpected tree: %+v", nodes)
	}
	if len(nodes[0].Children[0].Children) != 0 {
		t.Fatalf("expected depth cutoff below a/b, got %+v", nodes[0].Children[0].Children)
	}
}

func TestReadFileRejectsTraversal(t *testing.T) {
	m := newTestManager(t)
	ws, _ := m.Create("p1")
	os.WriteFile(filepath.Join(m.Root, "secret.txt"), []byte("s"), 0o644)

	if _, err := m.ReadFile(ws, "../secret.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for traversal, got %v", err)
	}
	if _, err := m.ReadFile(ws, "missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing file, got %v", err)
	}
}

func TestReadFileReturnsContentAndExtension(t *testing.T) {
	m := newTestManager(t)
	ws, _ := m.Create("p1")
	os.WriteFile(filepath.Join(ws, "index.html"), []byte("<html></html>"), 0o644)

	fc, err := m.ReadFile(ws, "index.html")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if fc.Content != "<html></html>" || fc.Extension != "html" || fc.Size != 13 {
		t.Fatalf("unexpected content: %+v", fc)
	}
}

func TestSizeSkipsNodeModules(t *testing.T) {
	m := newTestManager(t)
	ws, _ := m.Create("p1")
	os.WriteFile(filepath.Join(ws, "a.txt"), []byte("12345"), 0o644)
	os.MkdirAll(filepath.Join(ws, "node_modules"), 0o755)
	os.WriteFile(filepath.Join(ws, "node_modules", "big.js"), make([]byte, 4096), 0o644)

	size, err := m.Size(ws)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 5 {
		t.Fatalf("expected 5 bytes, got %d", size)
	}
}

func TestFindFreePortSkipsBoundPort(t *testing.T) {
	m := newTestManager(t)

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	port, err := m.FindFreePort(busy, 10)
	if err != nil {
		t.Fatalf("FindFreePort: %v", err)
	}
	if port == busy {
		t.Fatalf("returned the bound port %d", busy)
	}
	if port < busy || port >= busy+10 {
		t.Fatalf("port %d outside probe range", port)
	}
}

func TestFindFreePortBoundsAttempts(t *testing.T) {
	m := newTestManager(t)
	// Ports above 65535 never bind, so every probe fails.
	if _, err := m.FindFreePort(65536, 5); err == nil {
		t.Fatal("expected error probing past the port range")
	}
}
