// Package pipeline runs a complete build: Resolver, Bundler, Compression
// Stage, and Manifest, strictly in that order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zombar/shipyard/internal/builderr"
	"github.com/zombar/shipyard/internal/bundle"
	"github.com/zombar/shipyard/internal/components"
	"github.com/zombar/shipyard/internal/compress"
	"github.com/zombar/shipyard/internal/config"
	"github.com/zombar/shipyard/internal/env"
	"github.com/zombar/shipyard/internal/manifest"
	"github.com/zombar/shipyard/internal/metrics"
	"github.com/zombar/shipyard/internal/resolve"
)

// Stage names used in logs and the stage duration metric.
const (
	StageResolve  = "resolve"
	StagePrepare  = "prepare"
	StageBundle   = "bundle"
	StageEmit     = "emit"
	StageCompress = "compress"
	StageManifest = "manifest"
)

// Options carries the collaborators of a build.
type Options struct {
	Logger  zerolog.Logger
	Version string // Reported in shipyard_build_info
}

// Result describes a successful build, or as much of a failed one as was
// produced.
type Result struct {
	Plan        *resolve.Plan
	Output      *bundle.Output
	Compression *compress.Result
	Manifest    *manifest.Manifest
	Metrics     *metrics.BuildMetrics
	Duration    time.Duration
}

// Run executes one build of cfg. A ConfigurationError leaves the output
// directory untouched; a BuildError leaves it empty; a CompressionError leaves
// the artifacts in place but writes no manifest.
func Run(ctx context.Context, cfg *config.Config, opts Options) (res *Result, err error) {
	start := time.Now()
	// Tags every log line of this build; rebuilds in dev mode share a process.
	logger := opts.Logger.With().Str("build", uuid.NewString()).Logger()
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	bm := metrics.NewBuildMetrics(version, cfg.Mode)
	collector := metrics.NewCollector(bm)
	res = &Result{Metrics: bm}

	defer func() {
		res.Duration = time.Since(start)
		collector.RecordResult(err)
		if cfg.MetricsFile != "" && !errors.Is(err, resolve.ErrMetricsFileInOutDir) {
			if werr := bm.WriteTextfile(cfg.MetricsFile); werr != nil {
				logger.Warn().Err(werr).Str("path", cfg.MetricsFile).Msg("failed to write metrics file")
			}
		}
	}()

	if d := cfg.TimeoutDuration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	registry, err := Registry(cfg)
	if err != nil {
		return res, err
	}
	stageOpts, err := compress.OptionsFrom(cfg.Compression)
	if err != nil {
		return res, builderr.Configuration("compression", err)
	}

	done := collector.Stage(StageResolve)
	plan, err := resolve.Resolve(cfg)
	done()
	if err != nil {
		return res, err
	}
	res.Plan = plan
	logger.Debug().
		Str("root", plan.Root).
		Str("out_dir", plan.OutDir).
		Int("entries", len(plan.Entries)).
		Msg("resolved build plan")

	environment, err := env.Load(plan.Root, cfg.Mode, plan.Base, cfg.EnvPrefix)
	if err != nil {
		return res, builderr.Configuration(plan.Root, err)
	}

	done = collector.Stage(StagePrepare)
	fsys, err := resolve.Prepare(plan)
	done()
	if err != nil {
		return res, err
	}

	stage := compress.New(stageOpts, logger)
	bundler := bundle.New(bundle.Options{
		Minify:           cfg.MinifyEnabled(),
		Sourcemap:        cfg.Sourcemap,
		Target:           cfg.Target,
		Defines:          environment.Defines(),
		Registry:         registry,
		InjectComponents: cfg.InjectComponents(),
		Sidecars:         stage.SidecarPaths,
	}, logger)

	done = collector.Stage(StageBundle)
	out, err := bundler.Bundle(ctx, plan)
	done()
	if err != nil {
		return res, discard(fsys, err, logger)
	}
	res.Output = out
	collector.RecordOutput(out)

	done = collector.Stage(StageEmit)
	err = bundle.Emit(fsys, out)
	done()
	if err != nil {
		return res, err
	}

	done = collector.Stage(StageCompress)
	cres, err := stage.Run(ctx, fsys, out.Paths())
	done()
	collector.RecordCompression(cres, err)
	res.Compression = cres
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, discard(fsys, timeoutErr(ctxErr), logger)
		}
		return res, err
	}

	done = collector.Stage(StageManifest)
	m, err := manifest.Build(fsys, plan.Base, out, cres)
	if err == nil {
		err = m.Write(fsys)
	}
	done()
	if err != nil {
		return res, discard(fsys, builderr.Build("", err), logger)
	}
	res.Manifest = m

	logger.Info().
		Int("artifacts", len(out.Artifacts)).
		Int("sidecars", len(cres.Sidecars)).
		Dur("took", time.Since(start)).
		Msg("build complete")
	return res, nil
}

// Registry builds the component registry declared in cfg.
func Registry(cfg *config.Config) (*components.Registry, error) {
	registry := components.New()
	for _, el := range cfg.Components.Elements {
		if err := registry.Register(el.Tag, el.Module); err != nil {
			return nil, builderr.Configuration("components", err)
		}
	}
	for _, style := range cfg.Components.Styles {
		if err := registry.RegisterStyle(style); err != nil {
			return nil, builderr.Configuration("components", err)
		}
	}
	return registry, nil
}

// discard empties the output directory after a failed build so no partial
// output survives.
func discard(fsys billy.Filesystem, err error, logger zerolog.Logger) error {
	if cerr := resolve.Clear(fsys); cerr != nil {
		logger.Error().Err(cerr).Msg("failed to clear output directory")
	}
	return err
}

func timeoutErr(ctxErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return builderr.Build("", builderr.ErrTimeout)
	}
	return builderr.Build("", ctxErr)
}

// CompressDir runs the Compression Stage over an existing output directory.
// When the directory holds a manifest its sidecar records are refreshed; a
// failed run removes the manifest so the directory reads as incomplete.
func CompressDir(ctx context.Context, dir string, cc config.CompressionConfig, logger zerolog.Logger) (*compress.Result, error) {
	stageOpts, err := compress.OptionsFrom(cc)
	if err != nil {
		return nil, builderr.Configuration("compression", err)
	}
	fsys := osfs.New(dir, osfs.WithBoundOS())
	paths, err := compress.Discover(fsys)
	if err != nil {
		return nil, builderr.Configuration(dir, err)
	}

	m, merr := manifest.Read(fsys)
	if merr != nil && !errors.Is(merr, manifest.ErrNotFound) {
		return nil, builderr.Configuration(dir, merr)
	}
	if m != nil {
		// The manifest is authoritative for what belongs to the build.
		paths = m.Paths()
	}

	res, err := compress.New(stageOpts, logger).Run(ctx, fsys, paths)
	if err != nil {
		if m != nil {
			if rerr := manifest.Remove(fsys); rerr != nil {
				logger.Error().Err(rerr).Msg("failed to remove manifest")
			}
		}
		return res, err
	}

	if m != nil {
		if err := m.SetSidecars(fsys, res); err != nil {
			return res, fmt.Errorf("update manifest: %w", err)
		}
		if err := m.Write(fsys); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Verify checks the output directory dir against its manifest.
func Verify(dir string) ([]manifest.Problem, error) {
	fsys := osfs.New(dir, osfs.WithBoundOS())
	m, err := manifest.Read(fsys)
	if err != nil {
		return nil, err
	}
	return manifest.Verify(fsys, m)
}
