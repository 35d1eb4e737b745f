package bundle

import (
	"mime"
	"path"
	"sort"
	"strings"
)

// Kind classifies how an artifact was produced.
type Kind string

const (
	KindHTML      Kind = "html"      // Rewritten HTML entry
	KindEntry     Kind = "entry"     // Script or stylesheet output of an entry point
	KindChunk     Kind = "chunk"     // Shared code-split chunk
	KindAsset     Kind = "asset"     // File-loader output (images, fonts, svg)
	KindSourcemap Kind = "sourcemap" // Linked source map
	KindPublic    Kind = "public"    // Copied verbatim from the public dir
)

// Artifact is one file of the finished output, held in memory until written.
type Artifact struct {
	Path        string // Slash-separated, relative to the output directory
	ContentType string
	Kind        Kind
	Contents    []byte
}

// Size returns the artifact length in bytes.
func (a Artifact) Size() int64 {
	return int64(len(a.Contents))
}

// EntryOutput records the files an entry point produced.
type EntryOutput struct {
	Name     string
	Source   string   // Source path relative to the root
	File     string   // HTML page for HTML entries, bundled file otherwise
	Scripts  []string // Bundled scripts referenced by the page
	CSS      []string // Stylesheets linked for the entry
	Preloads []string // Statically imported chunks
}

// Output is the complete result of a bundling pass.
type Output struct {
	Artifacts []Artifact // Sorted by Path
	Entries   []EntryOutput
}

// Paths returns the artifact paths in order.
func (o *Output) Paths() []string {
	paths := make([]string, len(o.Artifacts))
	for i, a := range o.Artifacts {
		paths[i] = a.Path
	}
	return paths
}

// Lookup returns the artifact at p.
func (o *Output) Lookup(p string) (Artifact, bool) {
	i := sort.Search(len(o.Artifacts), func(i int) bool { return o.Artifacts[i].Path >= p })
	if i < len(o.Artifacts) && o.Artifacts[i].Path == p {
		return o.Artifacts[i], true
	}
	return Artifact{}, false
}

func (o *Output) sort() {
	sort.Slice(o.Artifacts, func(i, j int) bool { return o.Artifacts[i].Path < o.Artifacts[j].Path })
}

// contentTypes pins the types served for common web artifacts, independent of
// the host's mime database.
var contentTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".json":  "application/json",
	".map":   "application/json",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".avif":  "image/avif",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".txt":   "text/plain; charset=utf-8",
	".xml":   "application/xml",
	".wasm":  "application/wasm",
}

// ContentType infers a content type from the extension of p.
func ContentType(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
