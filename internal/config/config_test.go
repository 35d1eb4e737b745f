package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zombar/shipyard/internal/builderr"
	"github.com/zombar/shipyard/testutil"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
root: web/app
public_dir: web/public
out_dir: web/dist
base: /static
entries:
  _layout: index.html
  admin: admin/main.ts
minify: false
sourcemap: true
mode: staging
timeout: 2m
components:
  elements:
    - tag: kor-button
      module: "@kor-ui/kor/components/button"
  styles:
    - "@kor-ui/kor/kor-styles.css"
compression:
  extensions: [js, css]
  algorithms: [gzip, brotli, zstd]
  threshold: 1KB
  workers: 4
`
	configPath := testutil.TempFile(t, dir, "shipyard.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Dir)
	assert.Equal(t, filepath.Join(dir, "web", "app"), cfg.Root)
	assert.Equal(t, filepath.Join(dir, "web", "public"), cfg.PublicDir)
	assert.Equal(t, filepath.Join(dir, "web", "dist"), cfg.OutDir)
	assert.Equal(t, "/static/", cfg.Base)
	assert.Equal(t, map[string]string{"_layout": "index.html", "admin": "admin/main.ts"}, cfg.Entries)
	assert.False(t, cfg.MinifyEnabled())
	assert.True(t, cfg.Sourcemap)
	assert.Equal(t, "staging", cfg.Mode)
	assert.Equal(t, 2*time.Minute, cfg.TimeoutDuration())
	require.Len(t, cfg.Components.Elements, 1)
	assert.Equal(t, "kor-button", cfg.Components.Elements[0].Tag)
	assert.Equal(t, []string{"@kor-ui/kor/kor-styles.css"}, cfg.Components.Styles)
	assert.True(t, cfg.InjectComponents())
	assert.Equal(t, []string{"js", "css"}, cfg.Compression.Extensions)
	assert.Equal(t, []string{"gzip", "brotli", "zstd"}, cfg.Compression.Algorithms)
	assert.Equal(t, int64(1024), cfg.Compression.ThresholdBytes())
	assert.Equal(t, 4, cfg.Compression.Workers)
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "shipyard.yaml", "# all defaults\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "app"), cfg.Root)
	assert.Equal(t, filepath.Join(dir, "public"), cfg.PublicDir)
	assert.Equal(t, filepath.Join(dir, "dist"), cfg.OutDir)
	assert.Equal(t, "/", cfg.Base)
	assert.Equal(t, map[string]string{"_layout": "index.html"}, cfg.Entries)
	assert.True(t, cfg.MinifyEnabled())
	assert.Equal(t, "es2020", cfg.Target)
	assert.Equal(t, "production", cfg.Mode)
	assert.Equal(t, "SHIPYARD_", cfg.EnvPrefix)
	assert.Equal(t, time.Duration(0), cfg.TimeoutDuration())
	assert.Equal(t, []string{"js", "mjs", "json", "css", "svg"}, cfg.Compression.Extensions)
	assert.Equal(t, []string{"gzip", "brotli"}, cfg.Compression.Algorithms)
	assert.Equal(t, int64(0), cfg.Compression.ThresholdBytes())
}

func TestLoad_JSONC(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `{
  // Layout page only
  "entries": {"_layout": "index.html"},
  "out_dir": "../dist", /* sibling of the config dir */
  "compression": {"algorithms": ["brotli"]},
}`
	configPath := testutil.TempFile(t, dir, "cfg/shipyard.jsonc", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "dist"), cfg.OutDir)
	assert.Equal(t, []string{"brotli"}, cfg.Compression.Algorithms)
}

func TestParse_DuplicateKeys(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		data string
	}{
		{
			name: "yaml entry",
			ext:  ".yaml",
			data: "entries:\n  _layout: index.html\n  _layout: other.html\n",
		},
		{
			name: "json entry",
			ext:  ".json",
			data: `{"entries": {"_layout": "index.html", "_layout": "other.html"}}`,
		},
		{
			name: "jsonc top level",
			ext:  ".jsonc",
			data: "{\n  // first\n  \"out_dir\": \"dist\",\n  \"out_dir\": \"build\",\n}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.ext)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "already defined")
		})
	}
}

func TestParse_JSON(t *testing.T) {
	data := `{
	"root": "src",
	"entries": {"_layout": "index.html", "admin": "admin/main.ts"},
	"minify": false,
	"compression": {"extensions": ["js"], "workers": 2, "threshold": "1KB"}
}`
	cfg, err := Parse([]byte(data), ".json")
	require.NoError(t, err)
	assert.Equal(t, "src", cfg.Root)
	assert.Equal(t, map[string]string{"_layout": "index.html", "admin": "admin/main.ts"}, cfg.Entries)
	require.NotNil(t, cfg.Minify)
	assert.False(t, *cfg.Minify)
	assert.Equal(t, []string{"js"}, cfg.Compression.Extensions)
	assert.Equal(t, 2, cfg.Compression.Workers)
	assert.Equal(t, "1KB", cfg.Compression.Threshold)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/shipyard.yaml")
	require.Error(t, err)
	assert.True(t, builderr.IsConfiguration(err))
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "shipyard.yaml", "entries: [invalid yaml\n")

	_, err := Load(configPath)
	require.Error(t, err)
	assert.True(t, builderr.IsConfiguration(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "empty entry path",
			mutate:  func(c *Config) { c.Entries = map[string]string{"_layout": " "} },
			wantErr: "has no path",
		},
		{
			name:    "empty entry name",
			mutate:  func(c *Config) { c.Entries = map[string]string{"": "index.html"} },
			wantErr: "entry names must not be empty",
		},
		{
			name:    "unknown algorithm",
			mutate:  func(c *Config) { c.Compression.Algorithms = []string{"gzip", "lzma"} },
			wantErr: `unknown compression algorithm "lzma"`,
		},
		{
			name:    "duplicate algorithm",
			mutate:  func(c *Config) { c.Compression.Algorithms = []string{"gzip", "gzip"} },
			wantErr: "listed twice",
		},
		{
			name:    "blank extension",
			mutate:  func(c *Config) { c.Compression.Extensions = []string{"js", "."} },
			wantErr: "empty extension",
		},
		{
			name:    "negative workers",
			mutate:  func(c *Config) { c.Compression.Workers = -1 },
			wantErr: "must not be negative",
		},
		{
			name:    "bad threshold",
			mutate:  func(c *Config) { c.Compression.Threshold = "lots" },
			wantErr: "invalid compression.threshold",
		},
		{
			name:    "bad timeout",
			mutate:  func(c *Config) { c.Timeout = "soon" },
			wantErr: "invalid timeout",
		},
		{
			name: "duplicate component tag",
			mutate: func(c *Config) {
				c.Components.Elements = []ComponentConfig{
					{Tag: "kor-card", Module: "a"},
					{Tag: "kor-card", Module: "b"},
				}
			},
			wantErr: "registered twice",
		},
		{
			name:    "mode with path separator",
			mutate:  func(c *Config) { c.Mode = "../prod" },
			wantErr: "invalid mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Dir: "/srv/site"}
			cfg.ApplyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFind(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	_, err := Find(dir)
	require.Error(t, err)
	assert.True(t, builderr.IsConfiguration(err))
	assert.NotEmpty(t, builderr.Hints(err))

	testutil.TempFile(t, dir, "shipyard.json", "{}")
	testutil.TempFile(t, dir, "shipyard.yml", "")

	path, err := Find(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "shipyard.yml"), path)
}
