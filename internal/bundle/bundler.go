// Package bundle turns the entry points of a build plan into output
// artifacts. Module resolution, transpiling, minification, and code splitting
// are delegated to esbuild; this package wires HTML entries, the component
// registry, and public files around it.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	"github.com/zombar/shipyard/internal/builderr"
	"github.com/zombar/shipyard/internal/components"
	"github.com/zombar/shipyard/internal/resolve"
)

// componentsNamespace is the esbuild namespace of the registry module.
const componentsNamespace = "shipyard-components"

// Naming templates for bundled output.
const (
	entryNames = "assets/[name]-[hash]"
	chunkNames = "assets/[name]-[hash]"
	assetNames = "assets/[name]-[hash]"
)

// fileLoaderExts are emitted as hashed files when imported from scripts or styles.
var fileLoaderExts = []string{
	".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".ico", ".svg",
	".woff", ".woff2", ".ttf", ".otf", ".eot",
}

// directExts are entry extensions bundled without an HTML page.
var directExts = map[string]bool{
	".js": true, ".mjs": true, ".jsx": true, ".ts": true, ".tsx": true, ".css": true,
}

var targets = map[string]api.Target{
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"esnext": api.ESNext,
}

// Options controls how entries are transformed.
type Options struct {
	Minify           bool
	Sourcemap        bool
	Target           string
	Defines          map[string]string
	Registry         *components.Registry
	InjectComponents bool

	// Sidecars returns the paths the compression stage will write next to an
	// artifact. No artifact may occupy one of them.
	Sidecars func(path string) []string
}

// Bundler builds the entries of a plan.
type Bundler struct {
	opts   Options
	logger zerolog.Logger
}

// New creates a bundler.
func New(opts Options, logger zerolog.Logger) *Bundler {
	if opts.Registry == nil {
		opts.Registry = components.New()
	}
	return &Bundler{opts: opts, logger: logger.With().Str("stage", "bundle").Logger()}
}

// buildInput is one esbuild entry point and where it came from.
type buildInput struct {
	source string // Absolute path, or the virtual registry specifier
	out    string // Custom output name for direct entries
	entry  string // Entry name that first requested it
}

// Bundle transforms every entry of plan into an Output. Nothing is written:
// the returned artifacts live in memory until Emit.
func (b *Bundler) Bundle(ctx context.Context, plan *resolve.Plan) (*Output, error) {
	var (
		pages  []*page
		inputs []buildInput
		seen   = make(map[string]int)
	)
	addInput := func(in buildInput) {
		if i, ok := seen[in.source]; ok {
			if in.out != "" && inputs[i].out == "" {
				inputs[i].out = in.out
			}
			return
		}
		seen[in.source] = len(inputs)
		inputs = append(inputs, in)
	}

	for _, entry := range plan.Entries {
		ext := strings.ToLower(filepath.Ext(entry.Path))
		switch {
		case ext == ".html" || ext == ".htm":
			p, err := parsePage(entry.Name, entry.Path, plan.Root, plan.PublicDir)
			if err != nil {
				return nil, builderr.Build(entry.Name, err)
			}
			for _, ref := range p.refs {
				addInput(buildInput{source: ref.source, entry: entry.Name})
			}
			pages = append(pages, p)
		case directExts[ext]:
			addInput(buildInput{source: entry.Path, out: entry.Name, entry: entry.Name})
		default:
			return nil, builderr.WithHint(
				builderr.Buildf(entry.Name, "unsupported file type %q", ext),
				"entries must be .html, .js, .mjs, .jsx, .ts, .tsx, or .css files",
			)
		}
	}

	inject := b.opts.InjectComponents && b.opts.Registry.Len() > 0 && len(pages) > 0
	if inject {
		addInput(buildInput{source: components.VirtualModule, out: "components"})
	}

	for _, p := range pages {
		if b.opts.Registry.Len() == 0 {
			break
		}
		if missing := b.opts.Registry.Unregistered(p.tags); len(missing) > 0 {
			b.logger.Warn().
				Str("entry", p.entry).
				Strs("tags", missing).
				Msg("Page uses custom elements that are not registered")
		}
	}

	var (
		result api.BuildResult
		g      = &graph{byEntry: map[string]outputInfo{}, byOutput: map[string]outputInfo{}}
	)
	if len(inputs) > 0 {
		var err error
		if result, err = b.run(ctx, plan, inputs); err != nil {
			return nil, err
		}
		if g, err = parseMetafile(result.Metafile, plan.Root, plan.OutDir); err != nil {
			return nil, builderr.Build("", err)
		}
	}

	out := &Output{}
	for _, file := range result.OutputFiles {
		rel, err := filepath.Rel(plan.OutDir, file.Path)
		if err != nil {
			return nil, builderr.Build("", fmt.Errorf("output %s: %w", file.Path, err))
		}
		rel = filepath.ToSlash(rel)
		out.Artifacts = append(out.Artifacts, Artifact{
			Path:        rel,
			ContentType: ContentType(rel),
			Kind:        classify(rel, g),
			Contents:    file.Contents,
		})
	}

	infoFor := func(source string) (outputInfo, error) {
		key := metafileKey(plan.Root, source)
		info, ok := g.byEntry[key]
		if !ok {
			return outputInfo{}, fmt.Errorf("no output produced for %s", key)
		}
		return info, nil
	}

	for _, entry := range plan.Entries {
		in, ok := seen[entry.Path]
		if !ok || inputs[in].out != entry.Name {
			continue
		}
		info, err := infoFor(entry.Path)
		if err != nil {
			return nil, builderr.Build(entry.Name, err)
		}
		eo := EntryOutput{Name: entry.Name, Source: relSlash(plan.Root, entry.Path), File: info.Path, Preloads: info.Chunks}
		if info.CSSBundle != "" {
			eo.CSS = []string{info.CSSBundle}
		}
		out.Entries = append(out.Entries, eo)
	}

	var registryInfo outputInfo
	if inject {
		var err error
		if registryInfo, err = infoFor(components.VirtualModule); err != nil {
			return nil, builderr.Build("", err)
		}
	}

	for _, p := range pages {
		l := newLinker(p.doc)
		eo := EntryOutput{Name: p.entry, Source: relSlash(plan.Root, p.source), File: p.out}
		link := func(info outputInfo) {
			if info.CSSBundle != "" {
				l.stylesheet(plan.Base + info.CSSBundle)
				eo.CSS = appendUnique(eo.CSS, info.CSSBundle)
			}
			for _, chunk := range info.Chunks {
				l.modulepreload(plan.Base + chunk)
				eo.Preloads = appendUnique(eo.Preloads, chunk)
			}
		}

		if inject {
			l.prependScript(plan.Base + registryInfo.Path)
			eo.Scripts = append(eo.Scripts, registryInfo.Path)
			link(registryInfo)
		}
		for _, ref := range p.refs {
			info, err := infoFor(ref.source)
			if err != nil {
				return nil, builderr.Build(p.entry, err)
			}
			href := plan.Base + info.Path
			setAttr(ref.node, ref.attr, href)
			l.links[href] = true
			if ref.kind == refStyle {
				eo.CSS = appendUnique(eo.CSS, info.Path)
			} else {
				eo.Scripts = appendUnique(eo.Scripts, info.Path)
			}
			link(info)
		}

		rendered, err := render(p.doc)
		if err != nil {
			return nil, builderr.Build(p.entry, fmt.Errorf("render html: %w", err))
		}
		out.Artifacts = append(out.Artifacts, Artifact{
			Path:        p.out,
			ContentType: ContentType(p.out),
			Kind:        KindHTML,
			Contents:    rendered,
		})
		out.Entries = append(out.Entries, eo)
	}
	sort.Slice(out.Entries, func(i, j int) bool { return out.Entries[i].Name < out.Entries[j].Name })

	public, err := readPublic(plan.PublicDir)
	if err != nil {
		return nil, builderr.Build("", err)
	}
	out.Artifacts = append(out.Artifacts, public...)

	out.sort()
	for i := 1; i < len(out.Artifacts); i++ {
		if out.Artifacts[i].Path == out.Artifacts[i-1].Path {
			return nil, builderr.WithHint(
				builderr.Buildf("", "output path collision: %s", out.Artifacts[i].Path),
				"rename the public file or the entry that produces the same path",
			)
		}
	}
	if err := b.checkSidecarPaths(out); err != nil {
		return nil, err
	}

	b.logger.Debug().
		Int("pages", len(pages)).
		Int("inputs", len(inputs)).
		Int("artifacts", len(out.Artifacts)).
		Msg("Bundle complete")
	return out, nil
}

// checkSidecarPaths rejects artifacts that a sidecar of another artifact
// would overwrite, such as a public data.json.gz next to data.json.
func (b *Bundler) checkSidecarPaths(out *Output) error {
	if b.opts.Sidecars == nil {
		return nil
	}
	for _, a := range out.Artifacts {
		for _, sidecar := range b.opts.Sidecars(a.Path) {
			if _, ok := out.Lookup(sidecar); ok {
				return builderr.WithHint(
					builderr.Buildf("", "output path collision: %s is the sidecar path of %s", sidecar, a.Path),
					"remove the precompressed file; sidecars are generated by the build",
				)
			}
		}
	}
	return nil
}

// run executes esbuild, cancelling it when ctx ends.
func (b *Bundler) run(ctx context.Context, plan *resolve.Plan, inputs []buildInput) (api.BuildResult, error) {
	target, ok := targets[strings.ToLower(b.opts.Target)]
	if !ok {
		return api.BuildResult{}, builderr.Buildf("", "unsupported target %q", b.opts.Target)
	}

	entryPoints := make([]api.EntryPoint, 0, len(inputs))
	for _, in := range inputs {
		entryPoints = append(entryPoints, api.EntryPoint{InputPath: in.source, OutputPath: in.out})
	}

	loaders := make(map[string]api.Loader, len(fileLoaderExts))
	for _, ext := range fileLoaderExts {
		loaders[ext] = api.LoaderFile
	}

	opts := api.BuildOptions{
		EntryPointsAdvanced: entryPoints,
		AbsWorkingDir:       plan.Root,
		Outdir:              plan.OutDir,
		PublicPath:          plan.Base,
		EntryNames:          entryNames,
		ChunkNames:          chunkNames,
		AssetNames:          assetNames,
		Bundle:              true,
		Splitting:           true,
		Format:              api.FormatESModule,
		Platform:            api.PlatformBrowser,
		Target:              target,
		Charset:             api.CharsetUTF8,
		MinifyWhitespace:    b.opts.Minify,
		MinifyIdentifiers:   b.opts.Minify,
		MinifySyntax:        b.opts.Minify,
		Define:              b.opts.Defines,
		Loader:              loaders,
		Metafile:            true,
		Write:               false,
		LogLevel:            api.LogLevelSilent,
		Plugins:             []api.Plugin{registryPlugin(b.opts.Registry, plan.Root)},
	}
	if b.opts.Sourcemap {
		opts.Sourcemap = api.SourceMapLinked
	}

	if err := contextErr(ctx); err != nil {
		return api.BuildResult{}, err
	}
	buildCtx, ctxErr := api.Context(opts)
	if ctxErr != nil {
		return api.BuildResult{}, builderr.Build("", errors.New(formatMessages(ctxErr.Errors)))
	}
	defer buildCtx.Dispose()

	done := make(chan api.BuildResult, 1)
	go func() { done <- buildCtx.Rebuild() }()

	var result api.BuildResult
	select {
	case result = <-done:
	case <-ctx.Done():
		buildCtx.Cancel()
		<-done
		return api.BuildResult{}, contextErr(ctx)
	}

	for _, w := range result.Warnings {
		ev := b.logger.Warn()
		if w.Location != nil {
			ev = ev.Str("file", w.Location.File).Int("line", w.Location.Line)
		}
		ev.Msg(w.Text)
	}
	if len(result.Errors) > 0 {
		return api.BuildResult{}, builderr.Build(entryFor(result.Errors, plan, inputs), errors.New(formatMessages(result.Errors)))
	}
	return result, nil
}

// contextErr converts an ended context into a BuildError.
func contextErr(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return builderr.Build("", builderr.ErrTimeout)
	default:
		return builderr.Build("", err)
	}
}

// registryPlugin serves the component registry as a virtual module.
func registryPlugin(registry *components.Registry, root string) api.Plugin {
	return api.Plugin{
		Name: "shipyard-components",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `^virtual:components$`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					return api.OnResolveResult{Path: args.Path, Namespace: componentsNamespace}, nil
				})
			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: componentsNamespace},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					source := registry.Source()
					return api.OnLoadResult{Contents: &source, ResolveDir: root, Loader: api.LoaderJS}, nil
				})
		},
	}
}

// metafileKey returns how esbuild names source in the metafile.
func metafileKey(root, source string) string {
	if source == components.VirtualModule {
		return componentsNamespace + ":" + source
	}
	return relSlash(root, source)
}

func relSlash(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func classify(rel string, g *graph) Kind {
	switch {
	case strings.HasSuffix(rel, ".map"):
		return KindSourcemap
	case g.isEntryOutput(rel):
		return KindEntry
	case strings.HasSuffix(rel, ".js"):
		return KindChunk
	default:
		return KindAsset
	}
}

// entryFor names the entry whose input produced the first error, if known.
func entryFor(msgs []api.Message, plan *resolve.Plan, inputs []buildInput) string {
	if len(msgs) == 0 || msgs[0].Location == nil {
		return ""
	}
	file := msgs[0].Location.File
	for _, in := range inputs {
		if metafileKey(plan.Root, in.source) == file {
			return in.entry
		}
	}
	return ""
}

func formatMessages(msgs []api.Message) string {
	formatted := api.FormatMessages(msgs, api.FormatMessagesOptions{Kind: api.ErrorMessage})
	for i := range formatted {
		formatted[i] = strings.TrimRight(formatted[i], "\n")
	}
	return strings.Join(formatted, "\n")
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

// readPublic loads every file of the public dir as a public artifact.
func readPublic(dir string) ([]Artifact, error) {
	if dir == "" {
		return nil, nil
	}
	fsys := osfs.New(dir, osfs.WithBoundOS())

	var artifacts []Artifact
	err := util.Walk(fsys, ".", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		data, err := util.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(filepath.ToSlash(path), "/")
		artifacts = append(artifacts, Artifact{
			Path:        rel,
			ContentType: ContentType(rel),
			Kind:        KindPublic,
			Contents:    data,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("copy public dir: %w", err)
	}
	return artifacts, nil
}
