// Package env loads the client-visible environment from .env files and
// exposes it to bundled code as import.meta.env defines.
package env

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Env is the resolved client environment for one build.
type Env struct {
	Mode string
	Base string
	Vars map[string]string // Only prefixed variables
}

// Files returns the env files consulted for mode, lowest precedence first.
func Files(mode string) []string {
	return []string{
		".env",
		".env.local",
		".env." + mode,
		".env." + mode + ".local",
	}
}

// Load reads the env files present in dir, lets the process environment
// override them, and keeps only keys starting with prefix.
func Load(dir, mode, base, prefix string) (*Env, error) {
	merged := make(map[string]string)
	for _, name := range Files(mode) {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		vars, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		for k, v := range vars {
			merged[k] = v
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, prefix) {
			merged[k] = v
		}
	}

	e := &Env{Mode: mode, Base: base, Vars: make(map[string]string)}
	for k, v := range merged {
		if strings.HasPrefix(k, prefix) {
			e.Vars[k] = v
		}
	}
	return e, nil
}

// Defines returns the esbuild define map replacing import.meta.env lookups
// with string literals.
func (e *Env) Defines() map[string]string {
	prod := e.Mode == "production"

	object := map[string]any{
		"MODE":     e.Mode,
		"BASE_URL": e.Base,
		"PROD":     prod,
		"DEV":      !prod,
	}
	defines := map[string]string{
		"import.meta.env.MODE":     quote(e.Mode),
		"import.meta.env.BASE_URL": quote(e.Base),
		"import.meta.env.PROD":     fmt.Sprint(prod),
		"import.meta.env.DEV":      fmt.Sprint(!prod),
	}

	keys := make([]string, 0, len(e.Vars))
	for k := range e.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		object[k] = e.Vars[k]
		defines["import.meta.env."+k] = quote(e.Vars[k])
	}

	// encoding/json sorts map keys, keeping the define deterministic.
	whole, _ := json.Marshal(object)
	defines["import.meta.env"] = string(whole)
	return defines
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
