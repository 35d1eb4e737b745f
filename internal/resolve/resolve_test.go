package resolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zombar/shipyard/internal/builderr"
	"github.com/zombar/shipyard/internal/config"
	"github.com/zombar/shipyard/testutil"
)

func newConfig(dir string, entries map[string]string) *config.Config {
	cfg := &config.Config{Dir: dir, Entries: entries}
	cfg.ApplyDefaults()
	return cfg
}

func TestResolve(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	testutil.WriteTree(t, dir, map[string]string{
		"app/index.html":    "<html></html>",
		"app/admin/main.ts": "export {}",
		"public/robots.txt": "User-agent: *",
	})

	plan, err := Resolve(newConfig(dir, map[string]string{
		"_layout": "index.html",
		"admin":   "admin/main.ts",
	}))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "app"), plan.Root)
	assert.Equal(t, filepath.Join(dir, "public"), plan.PublicDir)
	assert.Equal(t, filepath.Join(dir, "dist"), plan.OutDir)
	require.Len(t, plan.Entries, 2)
	assert.Equal(t, "_layout", plan.Entries[0].Name)
	assert.Equal(t, filepath.Join(dir, "app", "index.html"), plan.Entries[0].Path)
	assert.Equal(t, "admin", plan.Entries[1].Name)

	entry, ok := plan.Entry("admin")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "app", "admin", "main.ts"), entry.Path)
}

func TestResolve_MissingPublicDirIsOptional(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	testutil.TempFile(t, dir, "app/index.html", "<html></html>")

	plan, err := Resolve(newConfig(dir, nil))
	require.NoError(t, err)
	assert.Empty(t, plan.PublicDir)
}

func TestResolve_MissingEntryLeavesOutDirUntouched(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	testutil.WriteTree(t, dir, map[string]string{
		"app/index.html": "<html></html>",
		"dist/old.js":    "stale",
	})

	_, err := Resolve(newConfig(dir, map[string]string{"_layout": "missing.html"}))
	require.Error(t, err)
	assert.True(t, builderr.IsConfiguration(err))
	assert.Contains(t, err.Error(), "missing.html")

	assert.Equal(t, []string{"old.js"}, testutil.ListFiles(t, filepath.Join(dir, "dist")))
}

func TestResolve_EntryIsDirectory(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "app", "pages"), 0755))

	_, err := Resolve(newConfig(dir, map[string]string{"pages": "pages"}))
	require.Error(t, err)
	assert.True(t, builderr.IsConfiguration(err))
}

func TestResolve_MissingRoot(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	_, err := Resolve(newConfig(dir, nil))
	require.Error(t, err)
	assert.True(t, builderr.IsConfiguration(err))
}

func TestResolve_DuplicateEntryPath(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	testutil.TempFile(t, dir, "app/main.js", "export {}")

	_, err := Resolve(newConfig(dir, map[string]string{
		"a": "main.js",
		"b": "./main.js",
	}))
	require.Error(t, err)
	assert.True(t, builderr.IsConfiguration(err))
	assert.Contains(t, err.Error(), `entries "a" and "b" use the same file`)
}

func TestResolve_MetricsFileInOutDir(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	testutil.TempFile(t, dir, "app/index.html", "<html></html>")

	tests := []struct {
		name        string
		metricsFile string
		wantErr     bool
	}{
		{"inside out dir", "dist/build.prom", true},
		{"nested in out dir", "dist/metrics/build.prom", true},
		{"next to out dir", "build.prom", false},
		{"sibling with shared prefix", "dist-metrics/build.prom", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Dir: dir, MetricsFile: tt.metricsFile}
			cfg.ApplyDefaults()

			_, err := Resolve(cfg)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, builderr.IsConfiguration(err))
			assert.ErrorIs(t, err, ErrMetricsFileInOutDir)
		})
	}
}

func TestResolve_OutDirGuard(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	testutil.WriteTree(t, dir, map[string]string{
		"site/app/index.html": "<html></html>",
		"site/public/a.txt":   "a",
	})

	tests := []struct {
		name   string
		outDir string
	}{
		{"equals root", "site/app"},
		{"encloses root", "site"},
		{"equals public", "site/public"},
		{"inside public", "site/public/dist"},
		{"equals config dir", "."},
		{"filesystem root", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				Dir:       dir,
				Root:      "site/app",
				PublicDir: "site/public",
				OutDir:    tt.outDir,
			}
			cfg.ApplyDefaults()

			_, err := Resolve(cfg)
			require.Error(t, err)
			assert.True(t, builderr.IsConfiguration(err))
		})
	}
}

func TestWithin(t *testing.T) {
	sep := string(filepath.Separator)
	assert.True(t, within(sep+"a", sep+"a"))
	assert.True(t, within(filepath.Join(sep, "a", "b"), sep+"a"))
	assert.False(t, within(sep+"ab", sep+"a"))
	assert.False(t, within(sep+"a", filepath.Join(sep, "a", "b")))
	assert.True(t, within(sep+"a", sep))
}

func TestPrepare_ClearsStaleOutput(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	testutil.WriteTree(t, dir, map[string]string{
		"app/index.html":        "<html></html>",
		"dist/old.js":           "stale",
		"dist/assets/old.css":   "stale",
		"dist/.shipyard/x.json": "{}",
	})

	plan, err := Resolve(newConfig(dir, nil))
	require.NoError(t, err)

	fsys, err := Prepare(plan)
	require.NoError(t, err)

	assert.Empty(t, testutil.ListFiles(t, filepath.Join(dir, "dist")))
	assert.DirExists(t, filepath.Join(dir, "dist"))
	assert.FileExists(t, filepath.Join(dir, "app", "index.html"))

	testutil.WriteBillyFile(t, fsys, "assets/new.js", "fresh")
	assert.Equal(t, []string{"assets/new.js"}, testutil.ListFiles(t, filepath.Join(dir, "dist")))
}

func TestPrepare_CreatesOutDir(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	testutil.TempFile(t, dir, "app/index.html", "<html></html>")

	plan, err := Resolve(newConfig(dir, nil))
	require.NoError(t, err)
	_, err = Prepare(plan)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dir, "dist"))
}

func TestClear_Memfs(t *testing.T) {
	fsys := memfs.New()
	testutil.WriteBillyFile(t, fsys, "a.js", "a")
	testutil.WriteBillyFile(t, fsys, "nested/b.css", "b")

	require.NoError(t, Clear(fsys))

	entries, err := fsys.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
