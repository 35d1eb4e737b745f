package compress

import (
	"path"
	"sort"
	"strings"
)

// Filter selects the artifacts that get sidecars by file extension.
type Filter struct {
	exts map[string]bool
}

// NewFilter builds a case-insensitive filter. Extensions may be given with or
// without the leading dot.
func NewFilter(extensions []string) Filter {
	f := Filter{exts: make(map[string]bool, len(extensions))}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			f.exts["."+ext] = true
		}
	}
	return f
}

// Match reports whether p should be compressed. Sidecars never match, so the
// stage cannot compress its own output.
func (f Filter) Match(p string) bool {
	if IsSidecar(p) {
		return false
	}
	return f.exts[strings.ToLower(path.Ext(p))]
}

// Extensions returns the filter's extensions with leading dots, sorted.
func (f Filter) Extensions() []string {
	exts := make([]string, 0, len(f.exts))
	for ext := range f.exts {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
