package bundle

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
)

// metafile is the subset of the esbuild metafile JSON the bundler reads.
type metafile struct {
	Inputs  map[string]metafileInput  `json:"inputs"`
	Outputs map[string]metafileOutput `json:"outputs"`
}

type metafileInput struct {
	Bytes   int              `json:"bytes"`
	Imports []metafileImport `json:"imports"`
}

type metafileImport struct {
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	External bool   `json:"external,omitempty"`
}

type metafileOutput struct {
	Bytes      int              `json:"bytes"`
	Imports    []metafileImport `json:"imports"`
	EntryPoint string           `json:"entryPoint,omitempty"`
	CSSBundle  string           `json:"cssBundle,omitempty"`
}

// outputInfo is a metafile output translated to out-dir-relative slash paths.
type outputInfo struct {
	Path      string
	CSSBundle string
	Chunks    []string // Statically imported chunks
}

// graph indexes a parsed metafile.
type graph struct {
	byEntry  map[string]outputInfo // Keyed by metafile entryPoint
	byOutput map[string]outputInfo // Keyed by out-dir-relative path
}

// parseMetafile decodes raw metafile JSON. Metafile paths are relative to
// workDir; returned paths are relative to outDir.
func parseMetafile(raw, workDir, outDir string) (*graph, error) {
	var m metafile
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode metafile: %w", err)
	}

	toOut := func(p string) (string, error) {
		rel, err := filepath.Rel(outDir, filepath.Join(workDir, filepath.FromSlash(p)))
		if err != nil {
			return "", err
		}
		return filepath.ToSlash(rel), nil
	}

	g := &graph{
		byEntry:  make(map[string]outputInfo),
		byOutput: make(map[string]outputInfo, len(m.Outputs)),
	}

	keys := make([]string, 0, len(m.Outputs))
	for k := range m.Outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// CSS bundles carry the entryPoint of the script that imported them;
	// collect them first so the script stays the entry's primary output.
	cssBundles := make(map[string]bool)
	for _, key := range keys {
		if b := m.Outputs[key].CSSBundle; b != "" {
			rel, err := toOut(b)
			if err != nil {
				return nil, fmt.Errorf("metafile css bundle %s: %w", b, err)
			}
			cssBundles[rel] = true
		}
	}

	for _, key := range keys {
		out := m.Outputs[key]
		rel, err := toOut(key)
		if err != nil {
			return nil, fmt.Errorf("metafile output %s: %w", key, err)
		}
		info := outputInfo{Path: rel}
		if out.CSSBundle != "" {
			info.CSSBundle, _ = toOut(out.CSSBundle)
		}
		for _, imp := range out.Imports {
			if imp.External || imp.Kind != "import-statement" {
				continue
			}
			chunk, err := toOut(imp.Path)
			if err != nil {
				return nil, fmt.Errorf("metafile import %s: %w", imp.Path, err)
			}
			info.Chunks = append(info.Chunks, chunk)
		}
		g.byOutput[rel] = info
		if out.EntryPoint != "" && !cssBundles[rel] {
			g.byEntry[out.EntryPoint] = info
		}
	}
	return g, nil
}

// isEntryOutput reports whether rel is the primary output of some entry point.
func (g *graph) isEntryOutput(rel string) bool {
	for _, info := range g.byEntry {
		if info.Path == rel || info.CSSBundle == rel {
			return true
		}
	}
	return false
}
