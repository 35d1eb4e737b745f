package bundle

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zombar/shipyard/internal/builderr"
	"github.com/zombar/shipyard/internal/components"
	"github.com/zombar/shipyard/internal/resolve"
	"github.com/zombar/shipyard/testutil"
)

const indexHTML = `<!doctype html>
<html>
<head>
  <title>Notes</title>
  <link rel="icon" href="/favicon.svg">
  <script type="module" src="./main.js"></script>
</head>
<body><h1>Notes</h1></body>
</html>`

func newPlan(t *testing.T, dir string, entries map[string]string) *resolve.Plan {
	t.Helper()
	plan := &resolve.Plan{
		ConfigDir: dir,
		Root:      filepath.Join(dir, "app"),
		OutDir:    filepath.Join(dir, "dist"),
		Base:      "/",
	}
	if info, err := os.Stat(filepath.Join(dir, "public")); err == nil && info.IsDir() {
		plan.PublicDir = filepath.Join(dir, "public")
	}
	for name, path := range entries {
		plan.Entries = append(plan.Entries, resolve.Entry{Name: name, Path: filepath.Join(plan.Root, path)})
	}
	return plan
}

func writeApp(t *testing.T, dir string) {
	t.Helper()
	testutil.WriteTree(t, dir, map[string]string{
		"app/index.html":     indexHTML,
		"app/main.js":        "import { greet } from './util.js';\nimport './style.css';\ndocument.querySelector('h1').textContent = greet(import.meta.env.SHIPYARD_TITLE);\n",
		"app/util.js":        "export function greet(name) { return 'Hello, ' + name; }\n",
		"app/style.css":      "h1 { color: rebeccapurple; background: url(./logo.svg); }\n",
		"app/logo.svg":       `<svg xmlns="http://www.w3.org/2000/svg"></svg>`,
		"app/unused.js":      "export const unused = 1;\n",
		"public/robots.txt":  "User-agent: *\n",
		"public/favicon.svg": `<svg xmlns="http://www.w3.org/2000/svg"><circle r="1"/></svg>`,
	})
}

func pathsMatching(out *Output, pattern string) []string {
	re := regexp.MustCompile(pattern)
	var matched []string
	for _, p := range out.Paths() {
		if re.MatchString(p) {
			matched = append(matched, p)
		}
	}
	return matched
}

func TestBundle_HTMLEntry(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	writeApp(t, dir)

	b := New(Options{
		Minify:  true,
		Target:  "es2020",
		Defines: map[string]string{"import.meta.env.SHIPYARD_TITLE": `"Notes"`},
	}, zerolog.Nop())

	out, err := b.Bundle(context.Background(), newPlan(t, dir, map[string]string{"_layout": "index.html"}))
	require.NoError(t, err)

	// Only files reachable from the entry, plus public files.
	require.Len(t, out.Artifacts, 6, "artifacts: %v", out.Paths())
	assert.Len(t, pathsMatching(out, `^assets/main-[A-Z0-9]+\.js$`), 1)
	assert.Len(t, pathsMatching(out, `^assets/main-[A-Z0-9]+\.css$`), 1)
	assert.Len(t, pathsMatching(out, `^assets/logo-[A-Z0-9]+\.svg$`), 1)
	assert.Empty(t, pathsMatching(out, `unused|util`))

	html, ok := out.Lookup("index.html")
	require.True(t, ok)
	assert.Equal(t, KindHTML, html.Kind)
	assert.Equal(t, "text/html; charset=utf-8", html.ContentType)

	script := pathsMatching(out, `\.js$`)[0]
	style := pathsMatching(out, `\.css$`)[0]
	page := string(html.Contents)
	assert.Contains(t, page, `src="/`+script+`"`)
	assert.Contains(t, page, `<link rel="stylesheet" href="/`+style+`"/>`)
	assert.Contains(t, page, `href="/favicon.svg"`)
	assert.NotContains(t, page, "./main.js")

	js, _ := out.Lookup(script)
	assert.Equal(t, KindEntry, js.Kind)
	assert.Contains(t, string(js.Contents), `"Notes"`)
	assert.Contains(t, string(js.Contents), "Hello, ")

	css, _ := out.Lookup(style)
	assert.Regexp(t, `url\("?/assets/logo-[A-Z0-9]+\.svg"?\)`, string(css.Contents))

	robots, ok := out.Lookup("robots.txt")
	require.True(t, ok)
	assert.Equal(t, KindPublic, robots.Kind)
	assert.Equal(t, "User-agent: *\n", string(robots.Contents))

	require.Len(t, out.Entries, 1)
	assert.Equal(t, "_layout", out.Entries[0].Name)
	assert.Equal(t, "index.html", out.Entries[0].Source)
	assert.Equal(t, "index.html", out.Entries[0].File)
	assert.Equal(t, []string{script}, out.Entries[0].Scripts)
	assert.Equal(t, []string{style}, out.Entries[0].CSS)
}

func TestBundle_Deterministic(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	writeApp(t, dir)

	plan := newPlan(t, dir, map[string]string{"_layout": "index.html"})
	b := New(Options{Minify: true, Target: "es2020"}, zerolog.Nop())

	first, err := b.Bundle(context.Background(), plan)
	require.NoError(t, err)
	second, err := b.Bundle(context.Background(), plan)
	require.NoError(t, err)

	require.Equal(t, first.Paths(), second.Paths())
	for i := range first.Artifacts {
		assert.True(t, bytes.Equal(first.Artifacts[i].Contents, second.Artifacts[i].Contents), first.Artifacts[i].Path)
	}
}

func TestBundle_DirectEntriesShareChunks(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	testutil.WriteTree(t, dir, map[string]string{
		"app/admin.ts":  "import { api } from './shared';\nexport const admin: string = api('admin');\n",
		"app/notes.ts":  "import { api } from './shared';\nexport const notes: string = api('notes');\n",
		"app/shared.ts": "export function api(path: string): string { return '/api/' + path; }\n",
		"app/theme.css": "body { margin: 0 }\n",
	})

	b := New(Options{Target: "es2020"}, zerolog.Nop())
	out, err := b.Bundle(context.Background(), newPlan(t, dir, map[string]string{
		"admin": "admin.ts",
		"notes": "notes.ts",
		"theme": "theme.css",
	}))
	require.NoError(t, err)

	require.Len(t, out.Entries, 3)
	for _, eo := range out.Entries {
		_, ok := out.Lookup(eo.File)
		assert.True(t, ok, "entry %s output %s missing", eo.Name, eo.File)
	}
	assert.True(t, strings.HasSuffix(out.Entries[0].File, ".js"))
	assert.True(t, strings.HasSuffix(out.Entries[2].File, ".css"))

	chunks := 0
	for _, a := range out.Artifacts {
		if a.Kind == KindChunk {
			chunks++
		}
	}
	assert.Equal(t, 1, chunks, "artifacts: %v", out.Paths())
	require.Len(t, out.Entries[0].Preloads, 1)
	assert.Equal(t, out.Entries[0].Preloads, out.Entries[1].Preloads)
}

func TestBundle_ComponentRegistry(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	testutil.WriteTree(t, dir, map[string]string{
		"app/index.html": `<html><head><script type="module" src="/main.js"></script></head>
<body><x-hello></x-hello><x-card></x-card></body></html>`,
		"app/main.js":             "console.log('page');\n",
		"app/components/hello.js": "customElements.define('x-hello', class extends HTMLElement {});\n",
		"app/components/base.css": ":root { --x: 1 }\n",
	})

	registry := components.New()
	require.NoError(t, registry.Register("x-hello", "./components/hello.js"))
	require.NoError(t, registry.RegisterStyle("./components/base.css"))

	var logs bytes.Buffer
	b := New(Options{Target: "es2020", Registry: registry, InjectComponents: true}, zerolog.New(&logs))
	out, err := b.Bundle(context.Background(), newPlan(t, dir, map[string]string{"_layout": "index.html"}))
	require.NoError(t, err)

	require.Len(t, out.Entries, 1)
	eo := out.Entries[0]
	require.Len(t, eo.Scripts, 2)
	require.Len(t, eo.CSS, 1)

	registryJS, ok := out.Lookup(eo.Scripts[0])
	require.True(t, ok)
	assert.Contains(t, string(registryJS.Contents), "customElements.define")

	html, _ := out.Lookup("index.html")
	page := string(html.Contents)
	assert.Less(t, strings.Index(page, eo.Scripts[0]), strings.Index(page, eo.Scripts[1]))
	assert.Contains(t, page, `<link rel="stylesheet" href="/`+eo.CSS[0]+`"/>`)

	assert.Contains(t, logs.String(), "x-card")
	assert.NotContains(t, logs.String(), `"x-hello"`)
}

func TestBundle_Errors(t *testing.T) {
	tests := []struct {
		name    string
		tree    map[string]string
		entry   string
		wantMsg string
	}{
		{
			name:    "unresolved script in html",
			tree:    map[string]string{"app/index.html": `<script type="module" src="./missing.js"></script>`},
			entry:   "index.html",
			wantMsg: `unresolved import "./missing.js"`,
		},
		{
			name:    "syntax error",
			tree:    map[string]string{"app/main.js": "export const = ;\n"},
			entry:   "main.js",
			wantMsg: "main.js",
		},
		{
			name:    "unresolved module import",
			tree:    map[string]string{"app/main.js": "import './nope.js';\n"},
			entry:   "main.js",
			wantMsg: "nope.js",
		},
		{
			name:    "unsupported file type",
			tree:    map[string]string{"app/notes.md": "# notes\n"},
			entry:   "notes.md",
			wantMsg: `unsupported file type ".md"`,
		},
		{
			name: "public collision",
			tree: map[string]string{
				"app/index.html":    "<p>app</p>",
				"public/index.html": "<p>public</p>",
			},
			entry:   "index.html",
			wantMsg: "output path collision: index.html",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, cleanup := testutil.TempDir(t)
			defer cleanup()
			testutil.WriteTree(t, dir, tt.tree)

			b := New(Options{Target: "es2020"}, zerolog.Nop())
			_, err := b.Bundle(context.Background(), newPlan(t, dir, map[string]string{"page": tt.entry}))
			require.Error(t, err)
			assert.True(t, builderr.IsBuild(err), "got %T: %v", err, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestBundle_SidecarPathCollision(t *testing.T) {
	sidecars := func(p string) []string {
		if strings.HasSuffix(p, ".json") {
			return []string{p + ".gz", p + ".br"}
		}
		return nil
	}

	tests := []struct {
		name    string
		tree    map[string]string
		wantErr string
	}{
		{
			name: "public file at a sidecar path",
			tree: map[string]string{
				"public/data.json":    "{}",
				"public/data.json.br": "handmade",
			},
			wantErr: "output path collision: data.json.br is the sidecar path of data.json",
		},
		{
			name: "sidecar suffix on a file that is not compressed",
			tree: map[string]string{
				"public/notes.txt":    "notes",
				"public/notes.txt.gz": "handmade",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, cleanup := testutil.TempDir(t)
			defer cleanup()
			testutil.TempFile(t, dir, "app/about.html", "<p>About</p>")
			testutil.WriteTree(t, dir, tt.tree)

			b := New(Options{Target: "es2020", Sidecars: sidecars}, zerolog.Nop())
			_, err := b.Bundle(context.Background(), newPlan(t, dir, map[string]string{"about": "about.html"}))
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, builderr.IsBuild(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestReadPublic(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	testutil.WriteTree(t, dir, map[string]string{
		"robots.txt":         "User-agent: *\n",
		"images/icons/a.svg": "<svg/>",
	})

	artifacts, err := readPublic(dir)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, "images/icons/a.svg", artifacts[0].Path)
	assert.Equal(t, "image/svg+xml", artifacts[0].ContentType)
	assert.Equal(t, "robots.txt", artifacts[1].Path)
	assert.Equal(t, KindPublic, artifacts[1].Kind)
	assert.Equal(t, "User-agent: *\n", string(artifacts[1].Contents))

	artifacts, err = readPublic("")
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestBundle_UnknownTarget(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	testutil.TempFile(t, dir, "app/main.js", "console.log(1)\n")

	b := New(Options{Target: "es3"}, zerolog.Nop())
	_, err := b.Bundle(context.Background(), newPlan(t, dir, map[string]string{"main": "main.js"}))
	require.Error(t, err)
	assert.True(t, builderr.IsBuild(err))
}

func TestBundle_Timeout(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	writeApp(t, dir)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	b := New(Options{Target: "es2020"}, zerolog.Nop())
	_, err := b.Bundle(ctx, newPlan(t, dir, map[string]string{"_layout": "index.html"}))
	require.Error(t, err)
	assert.True(t, builderr.IsBuild(err))
	assert.ErrorIs(t, err, builderr.ErrTimeout)
}

func TestBundle_HTMLWithoutScripts(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	testutil.TempFile(t, dir, "app/about.html", `<p>About <a href="https://example.com">us</a></p>`)

	b := New(Options{Target: "es2020"}, zerolog.Nop())
	out, err := b.Bundle(context.Background(), newPlan(t, dir, map[string]string{"about": "about.html"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"about.html"}, out.Paths())
}

func TestEmit(t *testing.T) {
	fsys := memfs.New()
	out := &Output{Artifacts: []Artifact{
		{Path: "assets/app-ABC.js", Contents: []byte("console.log(1)")},
		{Path: "index.html", Contents: []byte("<html></html>")},
	}}

	require.NoError(t, Emit(fsys, out))

	data, err := util.ReadFile(fsys, "assets/app-ABC.js")
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(data))
	data, err = util.ReadFile(fsys, "index.html")
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(data))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/javascript; charset=utf-8", ContentType("assets/a.MJS"))
	assert.Equal(t, "image/svg+xml", ContentType("logo.svg"))
	assert.Equal(t, "application/json", ContentType("data/feed.json"))
	assert.Equal(t, "application/octet-stream", ContentType("LICENSE"))
}
