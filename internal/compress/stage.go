package compress

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	"github.com/zombar/shipyard/internal/builderr"
	"github.com/zombar/shipyard/internal/config"
	"github.com/zombar/shipyard/pkg/bytesize"
)

// MetadataDir holds build metadata inside the output directory. The stage
// never compresses anything below it.
const MetadataDir = ".shipyard"

// Options configures a Stage.
type Options struct {
	Extensions []string
	Algorithms []Algorithm
	Threshold  int64 // Artifacts smaller than this are skipped
	Workers    int   // 0 = GOMAXPROCS
}

// OptionsFrom converts the validated compression config.
func OptionsFrom(c config.CompressionConfig) (Options, error) {
	algs, err := Algorithms(c.Algorithms)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Extensions: c.Extensions,
		Algorithms: algs,
		Threshold:  c.ThresholdBytes(),
		Workers:    c.Workers,
	}, nil
}

// Sidecar is one compressed file written next to its source artifact.
type Sidecar struct {
	Source    string
	Path      string
	Algorithm string
	Size      int64
}

// Result lists what a run produced. All slices are sorted.
type Result struct {
	Sidecars   []Sidecar
	Compressed []string // Artifacts that received every sidecar
	Skipped    []string // Matching artifacts below the threshold
}

// SidecarsFor returns the sidecars produced for source.
func (r *Result) SidecarsFor(source string) []Sidecar {
	i := sort.Search(len(r.Sidecars), func(i int) bool { return r.Sidecars[i].Source >= source })
	j := i
	for j < len(r.Sidecars) && r.Sidecars[j].Source == source {
		j++
	}
	return r.Sidecars[i:j]
}

// Stage writes sidecars for the artifacts that pass its filter.
type Stage struct {
	filter     Filter
	algorithms []Algorithm
	threshold  int64
	workers    int
	logger     zerolog.Logger
}

// New creates a compression stage.
func New(opts Options, logger zerolog.Logger) *Stage {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Stage{
		filter:     NewFilter(opts.Extensions),
		algorithms: opts.Algorithms,
		threshold:  opts.Threshold,
		workers:    workers,
		logger:     logger.With().Str("stage", "compress").Logger(),
	}
}

// Filter returns the stage's extension filter.
func (s *Stage) Filter() Filter { return s.filter }

// SidecarPaths returns the sidecar paths Run writes for artifact p, or nil
// when p is not compressed. The size threshold is not considered.
func (s *Stage) SidecarPaths(p string) []string {
	if !s.filter.Match(p) || isMetadata(p) {
		return nil
	}
	paths := make([]string, len(s.algorithms))
	for i, alg := range s.algorithms {
		paths[i] = p + alg.Extension()
	}
	return paths
}

type artifactResult struct {
	path     string
	sidecars []Sidecar
	skipped  bool
	failures []builderr.ArtifactFailure
}

// Run compresses every path in paths that matches the filter and threshold.
// Originals are only read. Artifacts are processed independently by a bounded
// worker pool; an artifact that fails keeps none of its sidecars and the
// failures are returned together as a CompressionError once every other
// artifact has finished.
func (s *Stage) Run(ctx context.Context, fsys billy.Filesystem, paths []string) (*Result, error) {
	start := time.Now()

	var candidates []string
	for _, p := range paths {
		if s.filter.Match(p) && !isMetadata(p) {
			candidates = append(candidates, p)
		}
	}
	sort.Strings(candidates)

	results := make([]artifactResult, len(candidates))
	var wg sync.WaitGroup

	// Create a semaphore to limit parallelism
	sem := make(chan struct{}, s.workers)

	for i, p := range candidates {
		idx, artifact := i, p
		wg.Go(func() {
			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				results[idx] = artifactResult{path: artifact}
				return
			}
			results[idx] = s.compressArtifact(fsys, artifact)
		})
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("compression interrupted: %w", err)
	}

	res := &Result{}
	var failures []builderr.ArtifactFailure
	for _, r := range results {
		switch {
		case len(r.failures) > 0:
			failures = append(failures, r.failures...)
		case r.skipped:
			res.Skipped = append(res.Skipped, r.path)
		default:
			res.Compressed = append(res.Compressed, r.path)
			res.Sidecars = append(res.Sidecars, r.sidecars...)
		}
	}
	sort.Slice(res.Sidecars, func(i, j int) bool {
		if res.Sidecars[i].Source != res.Sidecars[j].Source {
			return res.Sidecars[i].Source < res.Sidecars[j].Source
		}
		return res.Sidecars[i].Path < res.Sidecars[j].Path
	})

	s.logger.Info().
		Int("artifacts", len(res.Compressed)).
		Int("sidecars", len(res.Sidecars)).
		Int("skipped", len(res.Skipped)).
		Int("failed", len(failures)).
		Int("workers", s.workers).
		Dur("took", time.Since(start)).
		Msg("compression finished")

	if len(failures) > 0 {
		return res, &builderr.CompressionError{Failures: failures}
	}
	return res, nil
}

func (s *Stage) compressArtifact(fsys billy.Filesystem, p string) artifactResult {
	r := artifactResult{path: p}

	data, err := util.ReadFile(fsys, p)
	if err != nil {
		r.failures = append(r.failures, builderr.ArtifactFailure{Path: p, Algorithm: "read", Err: err})
		return r
	}
	if int64(len(data)) < s.threshold {
		r.skipped = true
		s.logger.Debug().Str("path", p).Str("size", bytesize.Format(int64(len(data)))).Msg("below threshold")
		return r
	}

	for _, alg := range s.algorithms {
		sidecar, err := writeSidecar(fsys, p, data, alg)
		if err != nil {
			r.failures = append(r.failures, builderr.ArtifactFailure{Path: p, Algorithm: alg.Name(), Err: err})
			continue
		}
		s.logger.Trace().
			Str("path", sidecar.Path).
			Str("size", bytesize.Format(sidecar.Size)).
			Float64("ratio", bytesize.Ratio(int64(len(data)), sidecar.Size)).
			Msg("sidecar written")
		r.sidecars = append(r.sidecars, sidecar)
	}

	if len(r.failures) > 0 {
		// Drop every sidecar of a failed artifact, including stale ones from
		// an earlier run.
		for _, alg := range s.algorithms {
			if err := fsys.Remove(p + alg.Extension()); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn().Err(err).Str("path", p+alg.Extension()).Msg("failed to remove sidecar")
			}
		}
		r.sidecars = nil
		for _, f := range r.failures {
			s.logger.Error().Err(f.Err).Str("path", f.Path).Str("algorithm", f.Algorithm).Msg("compression failed")
		}
	}
	return r
}

func writeSidecar(fsys billy.Filesystem, p string, data []byte, alg Algorithm) (Sidecar, error) {
	compressed, err := alg.Compress(data)
	if err != nil {
		return Sidecar{}, fmt.Errorf("compress: %w", err)
	}
	target := p + alg.Extension()
	if err := util.WriteFile(fsys, target, compressed, 0644); err != nil {
		return Sidecar{}, fmt.Errorf("write %s: %w", target, err)
	}
	return Sidecar{Source: p, Path: target, Algorithm: alg.Name(), Size: int64(len(compressed))}, nil
}

// Discover lists the artifacts already present in fsys: every regular file
// that is neither a sidecar nor build metadata. Paths are slash separated and
// sorted.
func Discover(fsys billy.Filesystem) ([]string, error) {
	var paths []string
	err := util.Walk(fsys, ".", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(path.Clean("/"+p), "/")
		if info.IsDir() {
			if rel == MetadataDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || IsSidecar(rel) {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover artifacts: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

func isMetadata(p string) bool {
	return p == MetadataDir || strings.HasPrefix(p, MetadataDir+"/")
}
