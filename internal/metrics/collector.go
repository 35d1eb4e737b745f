package metrics

import (
	"errors"
	"time"

	"github.com/zombar/shipyard/internal/builderr"
	"github.com/zombar/shipyard/internal/bundle"
	"github.com/zombar/shipyard/internal/compress"
)

// Build results used as the "result" label of shipyard_builds_total.
const (
	ResultOK            = "ok"
	ResultConfiguration = "configuration_error"
	ResultBuild         = "build_error"
	ResultCompression   = "compression_error"
	ResultOther         = "error"
)

// Collector translates stage results into metric values.
type Collector struct {
	m   *BuildMetrics
	now func() time.Time
}

// NewCollector creates a collector for m.
func NewCollector(m *BuildMetrics) *Collector {
	return &Collector{m: m, now: time.Now}
}

// Metrics returns the underlying metrics.
func (c *Collector) Metrics() *BuildMetrics {
	return c.m
}

// Stage starts timing the named stage. Call the returned function when the
// stage ends.
func (c *Collector) Stage(name string) func() {
	start := c.now()
	return func() {
		c.m.StageDuration.WithLabelValues(name).Observe(c.now().Sub(start).Seconds())
	}
}

// RecordOutput records artifact counts and sizes by kind.
func (c *Collector) RecordOutput(out *bundle.Output) {
	if out == nil {
		return
	}
	counts := make(map[bundle.Kind]int)
	sizes := make(map[bundle.Kind]int64)
	for _, a := range out.Artifacts {
		counts[a.Kind]++
		sizes[a.Kind] += a.Size()
	}
	for kind, n := range counts {
		c.m.Artifacts.WithLabelValues(string(kind)).Set(float64(n))
		c.m.ArtifactBytes.WithLabelValues(string(kind)).Set(float64(sizes[kind]))
	}
}

// RecordCompression records sidecars by algorithm and any failures carried
// by err.
func (c *Collector) RecordCompression(res *compress.Result, err error) {
	if res != nil {
		counts := make(map[string]int)
		sizes := make(map[string]int64)
		for _, sc := range res.Sidecars {
			counts[sc.Algorithm]++
			sizes[sc.Algorithm] += sc.Size
		}
		for alg, n := range counts {
			c.m.Sidecars.WithLabelValues(alg).Set(float64(n))
			c.m.SidecarBytes.WithLabelValues(alg).Set(float64(sizes[alg]))
		}
		c.m.CompressionSkipped.Set(float64(len(res.Skipped)))
	}

	var cerr *builderr.CompressionError
	if errors.As(err, &cerr) {
		c.m.CompressionFailures.Add(float64(len(cerr.Failures)))
	}
}

// RecordResult counts the build outcome.
func (c *Collector) RecordResult(err error) {
	c.m.Builds.WithLabelValues(ResultLabel(err)).Inc()
}

// ResultLabel maps a build error to its result label.
func ResultLabel(err error) string {
	switch builderr.ExitCode(err) {
	case builderr.ExitOK:
		return ResultOK
	case builderr.ExitConfiguration:
		return ResultConfiguration
	case builderr.ExitBuild:
		return ResultBuild
	case builderr.ExitCompression:
		return ResultCompression
	default:
		return ResultOther
	}
}
