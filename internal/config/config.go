// Package config handles build configuration loading and validation for shipyard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/zombar/shipyard/internal/builderr"
	"github.com/zombar/shipyard/pkg/bytesize"
)

// FileNames are the conventional config file names, in lookup order.
var FileNames = []string{"shipyard.yaml", "shipyard.yml", "shipyard.json", "shipyard.jsonc"}

// Known compression algorithm names.
const (
	AlgorithmGzip   = "gzip"
	AlgorithmBrotli = "brotli"
	AlgorithmZstd   = "zstd"
)

// ComponentConfig registers one custom element tag with the module that defines it.
type ComponentConfig struct {
	Tag    string `yaml:"tag" json:"tag"`
	Module string `yaml:"module" json:"module"`
}

// ComponentsConfig holds the component registry declarations.
type ComponentsConfig struct {
	Elements []ComponentConfig `yaml:"elements" json:"elements"`
	Styles   []string          `yaml:"styles" json:"styles"` // Global stylesheets imported after the elements
	Inject   *bool             `yaml:"inject" json:"inject"` // Inject the registry bundle into HTML entries (default: true)
}

// CompressionConfig holds the compression stage settings.
type CompressionConfig struct {
	Extensions []string `yaml:"extensions" json:"extensions"` // Compression Filter, without leading dots
	Algorithms []string `yaml:"algorithms" json:"algorithms"` // gzip, brotli, zstd
	Threshold  string   `yaml:"threshold" json:"threshold"`   // Minimum artifact size, e.g. "1KB"
	Workers    int      `yaml:"workers" json:"workers"`       // 0 = GOMAXPROCS

	thresholdBytes int64
}

// ThresholdBytes returns the parsed threshold.
func (c CompressionConfig) ThresholdBytes() int64 {
	return c.thresholdBytes
}

// Config is the build configuration file.
type Config struct {
	Root        string            `yaml:"root" json:"root"`
	PublicDir   string            `yaml:"public_dir" json:"public_dir"`
	OutDir      string            `yaml:"out_dir" json:"out_dir"`
	Base        string            `yaml:"base" json:"base"`
	Entries     map[string]string `yaml:"entries" json:"entries"`
	Minify      *bool             `yaml:"minify" json:"minify"`
	Sourcemap   bool              `yaml:"sourcemap" json:"sourcemap"`
	Target      string            `yaml:"target" json:"target"`
	Mode        string            `yaml:"mode" json:"mode"`
	EnvPrefix   string            `yaml:"env_prefix" json:"env_prefix"`
	Timeout     string            `yaml:"timeout" json:"timeout"`
	MetricsFile string            `yaml:"metrics_file" json:"metrics_file"`
	Components  ComponentsConfig  `yaml:"components" json:"components"`
	Compression CompressionConfig `yaml:"compression" json:"compression"`

	// Dir is the directory of the loaded config file; relative paths resolve against it.
	Dir string `yaml:"-" json:"-"`

	timeout time.Duration
}

// Find returns the first conventional config file present in dir.
func Find(dir string) (string, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", builderr.WithHint(
		builderr.Configurationf(dir, "no config file found"),
		"create shipyard.yaml or pass --config",
	)
}

// Load loads a build configuration from a YAML or JSON(C) file, applies
// defaults, resolves paths, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, builderr.Configuration(path, fmt.Errorf("read config file: %w", err))
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, builderr.Configuration(path, err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, builderr.Configuration(path, fmt.Errorf("resolve config dir: %w", err))
	}
	cfg.Dir = dir
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, builderr.Configuration(path, err)
	}
	return cfg, nil
}

// Parse decodes config bytes. ext selects the input format (".json" and
// ".jsonc" are JSON with comments, anything else YAML). No defaults are
// applied.
func Parse(data []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		// Plain JSON is valid YAML; decoding it as YAML rejects duplicate
		// keys, which encoding/json silently collapses.
		data = jsonc.ToJSON(data)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields and makes every path absolute.
func (c *Config) ApplyDefaults() {
	if c.Dir == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Dir = wd
		}
	}
	if c.Root == "" {
		c.Root = "app"
	}
	if c.PublicDir == "" {
		c.PublicDir = "public"
	}
	if c.OutDir == "" {
		c.OutDir = "dist"
	}
	if c.Base == "" {
		c.Base = "/"
	}
	if !strings.HasSuffix(c.Base, "/") {
		c.Base += "/"
	}
	if len(c.Entries) == 0 {
		c.Entries = map[string]string{"_layout": "index.html"}
	}
	if c.Minify == nil {
		minify := true
		c.Minify = &minify
	}
	if c.Target == "" {
		c.Target = "es2020"
	}
	if c.Mode == "" {
		c.Mode = "production"
	}
	if c.EnvPrefix == "" {
		c.EnvPrefix = "SHIPYARD_"
	}
	if c.Components.Inject == nil {
		inject := true
		c.Components.Inject = &inject
	}
	if len(c.Compression.Extensions) == 0 {
		c.Compression.Extensions = []string{"js", "mjs", "json", "css", "svg"}
	}
	if len(c.Compression.Algorithms) == 0 {
		c.Compression.Algorithms = []string{AlgorithmGzip, AlgorithmBrotli}
	}

	c.Root = c.abs(c.Root)
	c.PublicDir = c.abs(c.PublicDir)
	c.OutDir = c.abs(c.OutDir)
	if c.MetricsFile != "" {
		c.MetricsFile = c.abs(c.MetricsFile)
	}
}

func (c *Config) abs(path string) string {
	// Expand home directory
	if strings.HasPrefix(path, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(c.Dir, path)
}

// Validate checks if the build configuration is valid.
func (c *Config) Validate() error {
	if len(c.Entries) == 0 {
		return fmt.Errorf("at least one entry is required")
	}
	for name, path := range c.Entries {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("entry names must not be empty")
		}
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("entry %q has no path", name)
		}
	}
	if c.Mode != "" && strings.ContainsAny(c.Mode, `/\`) {
		return fmt.Errorf("invalid mode %q", c.Mode)
	}

	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("timeout must not be negative")
		}
		c.timeout = d
	}

	seenTags := make(map[string]bool, len(c.Components.Elements))
	for _, comp := range c.Components.Elements {
		if comp.Tag == "" || comp.Module == "" {
			return fmt.Errorf("components.elements entries need both tag and module")
		}
		if seenTags[comp.Tag] {
			return fmt.Errorf("component tag %q registered twice", comp.Tag)
		}
		seenTags[comp.Tag] = true
	}

	if len(c.Compression.Extensions) == 0 {
		return fmt.Errorf("compression.extensions must not be empty")
	}
	for _, ext := range c.Compression.Extensions {
		if strings.Trim(ext, ". ") == "" {
			return fmt.Errorf("compression.extensions contains an empty extension")
		}
	}
	seenAlgorithms := make(map[string]bool, len(c.Compression.Algorithms))
	for _, name := range c.Compression.Algorithms {
		switch name {
		case AlgorithmGzip, AlgorithmBrotli, AlgorithmZstd:
		default:
			return fmt.Errorf("unknown compression algorithm %q", name)
		}
		if seenAlgorithms[name] {
			return fmt.Errorf("compression algorithm %q listed twice", name)
		}
		seenAlgorithms[name] = true
	}
	if c.Compression.Workers < 0 {
		return fmt.Errorf("compression.workers must not be negative")
	}
	if c.Compression.Threshold != "" {
		n, err := bytesize.Parse(c.Compression.Threshold)
		if err != nil {
			return fmt.Errorf("invalid compression.threshold: %w", err)
		}
		c.Compression.thresholdBytes = n
	}
	return nil
}

// TimeoutDuration returns the parsed build timeout; zero means no limit.
func (c *Config) TimeoutDuration() time.Duration {
	return c.timeout
}

// MinifyEnabled reports whether output is minified.
func (c *Config) MinifyEnabled() bool {
	return c.Minify == nil || *c.Minify
}

// InjectComponents reports whether HTML entries receive the registry bundle.
func (c *Config) InjectComponents() bool {
	return c.Components.Inject == nil || *c.Components.Inject
}
