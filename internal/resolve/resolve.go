// Package resolve turns a loaded configuration into an immutable build plan
// and prepares the output directory.
package resolve

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/zombar/shipyard/internal/builderr"
	"github.com/zombar/shipyard/internal/config"
)

// ErrMetricsFileInOutDir is returned by Resolve when metrics_file lies inside
// out_dir, where it would be cleared by every build.
var ErrMetricsFileInOutDir = errors.New("metrics_file is inside out_dir")

// Entry is one named build target.
type Entry struct {
	Name string
	Path string // Absolute source path
}

// Plan is the resolved, read-only build configuration passed through every stage.
type Plan struct {
	ConfigDir string
	Root      string
	PublicDir string // Empty when the configured public dir does not exist
	OutDir    string
	Base      string
	Entries   []Entry // Sorted by name
}

// Entry returns the entry with the given name.
func (p *Plan) Entry(name string) (Entry, bool) {
	for _, e := range p.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Resolve validates the filesystem layout described by cfg and returns the
// build plan. It never modifies the filesystem.
func Resolve(cfg *config.Config) (*Plan, error) {
	root, err := absDir(cfg.Root)
	if err != nil {
		return nil, builderr.WithHint(builderr.Configuration(cfg.Root, err), "set root to the directory holding your HTML entry points")
	}

	plan := &Plan{
		ConfigDir: filepath.Clean(cfg.Dir),
		Root:      root,
		OutDir:    filepath.Clean(cfg.OutDir),
		Base:      cfg.Base,
	}

	if cfg.PublicDir != "" {
		info, err := os.Stat(cfg.PublicDir)
		switch {
		case err == nil && info.IsDir():
			plan.PublicDir = filepath.Clean(cfg.PublicDir)
		case err == nil:
			return nil, builderr.Configurationf(cfg.PublicDir, "public dir is not a directory")
		case !os.IsNotExist(err):
			return nil, builderr.Configuration(cfg.PublicDir, err)
		}
	}

	names := make([]string, 0, len(cfg.Entries))
	for name := range cfg.Entries {
		names = append(names, name)
	}
	sort.Strings(names)

	byPath := make(map[string]string, len(names))
	for _, name := range names {
		path := cfg.Entries[name]
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, filepath.FromSlash(path))
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, builderr.WithHint(
				builderr.Configuration(path, fmt.Errorf("entry %q does not exist", name)),
				"entry paths are relative to root",
			)
		}
		if !info.Mode().IsRegular() {
			return nil, builderr.Configurationf(path, "entry %q is not a regular file", name)
		}
		path = filepath.Clean(path)
		if other, ok := byPath[path]; ok {
			return nil, builderr.WithHint(
				builderr.Configurationf(path, "entries %q and %q use the same file", other, name),
				"give each entry its own source file",
			)
		}
		byPath[path] = name
		plan.Entries = append(plan.Entries, Entry{Name: name, Path: path})
	}

	if err := checkOutDir(plan); err != nil {
		return nil, err
	}
	if cfg.MetricsFile != "" && within(filepath.Clean(cfg.MetricsFile), plan.OutDir) {
		return nil, builderr.WithHint(
			builderr.Configuration(cfg.MetricsFile, ErrMetricsFileInOutDir),
			"write metrics_file outside out_dir",
		)
	}
	return plan, nil
}

// checkOutDir refuses output directories whose clearing would destroy sources.
func checkOutDir(p *Plan) error {
	protected := []string{p.Root, p.ConfigDir, string(filepath.Separator)}
	if p.PublicDir != "" {
		protected = append(protected, p.PublicDir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		protected = append(protected, filepath.Clean(home))
	}
	for _, dir := range protected {
		if dir == "" {
			continue
		}
		if within(dir, p.OutDir) {
			return builderr.WithHint(
				builderr.Configurationf(p.OutDir, "out_dir would contain %s and cannot be cleared safely", dir),
				"choose an out_dir that does not enclose the sources",
			)
		}
	}
	if p.PublicDir != "" && within(p.OutDir, p.PublicDir) {
		return builderr.Configurationf(p.OutDir, "out_dir is inside public_dir")
	}
	return nil
}

// within reports whether path equals dir or lies below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func absDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("root does not exist: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("root is not a directory")
	}
	return abs, nil
}

// Prepare creates the output directory if needed, empties it, and returns a
// filesystem rooted at it. Only the plan's OutDir is ever touched.
func Prepare(p *Plan) (billy.Filesystem, error) {
	if err := os.MkdirAll(p.OutDir, 0755); err != nil {
		return nil, builderr.Configuration(p.OutDir, fmt.Errorf("create out dir: %w", err))
	}
	fsys := osfs.New(p.OutDir, osfs.WithBoundOS())
	if err := Clear(fsys); err != nil {
		return nil, builderr.Configuration(p.OutDir, err)
	}
	return fsys, nil
}

// Clear removes every entry inside fsys, keeping its root.
func Clear(fsys billy.Filesystem) error {
	entries, err := fsys.ReadDir("/")
	if err != nil {
		return fmt.Errorf("list out dir: %w", err)
	}
	for _, entry := range entries {
		if err := util.RemoveAll(fsys, entry.Name()); err != nil {
			return fmt.Errorf("clear %s: %w", entry.Name(), err)
		}
	}
	return nil
}
