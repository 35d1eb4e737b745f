// Package testutil provides shared test helpers for shipyard tests.
package testutil

import (
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "shipyard-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	// Resolve symlinks (macOS /var -> /private/var) so path comparisons hold.
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a file with the given content (creating parent
// directories) and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create parent dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// WriteTree writes every file of tree (slash path -> content) under dir.
func WriteTree(t *testing.T, dir string, tree map[string]string) {
	t.Helper()
	for name, content := range tree {
		TempFile(t, dir, name, content)
	}
}

// ListFiles returns the sorted slash paths of every regular file under dir.
func ListFiles(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatalf("failed to walk %s: %v", dir, err)
	}
	sort.Strings(files)
	return files
}

// ReadTree returns slash path -> content for every regular file under dir.
func ReadTree(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	tree := make(map[string][]byte)
	for _, name := range ListFiles(t, dir) {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("failed to read %s: %v", name, err)
		}
		tree[name] = data
	}
	return tree
}

// WriteBillyFile writes content to name inside a billy filesystem.
func WriteBillyFile(t *testing.T, fsys billy.Filesystem, name, content string) {
	t.Helper()
	if err := util.WriteFile(fsys, name, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

// ListBillyFiles returns every regular file in fsys as sorted slash paths.
func ListBillyFiles(t *testing.T, fsys billy.Filesystem) []string {
	t.Helper()
	var files []string
	err := util.Walk(fsys, ".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			files = append(files, strings.TrimPrefix(filepath.ToSlash(path), "/"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to walk filesystem: %v", err)
	}
	sort.Strings(files)
	return files
}

// ReadBillyTree returns slash path -> content for every regular file in fsys.
func ReadBillyTree(t *testing.T, fsys billy.Filesystem) map[string][]byte {
	t.Helper()
	tree := make(map[string][]byte)
	for _, name := range ListBillyFiles(t, fsys) {
		data, err := util.ReadFile(fsys, name)
		if err != nil {
			t.Fatalf("failed to read %s: %v", name, err)
		}
		tree[name] = data
	}
	return tree
}

// FreePort returns an available TCP port for testing.
func FreePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer func() { _ = listener.Close() }()
	return listener.Addr().(*net.TCPAddr).Port
}
