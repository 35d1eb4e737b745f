package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zombar/shipyard/internal/builderr"
	"github.com/zombar/shipyard/internal/bundle"
	"github.com/zombar/shipyard/internal/compress"
)

func TestNewBuildMetrics(t *testing.T) {
	m := NewBuildMetrics("1.2.3", "production")
	require.NotNil(t, m)

	// Registries are independent, so a second build does not panic on
	// duplicate registration.
	other := NewBuildMetrics("1.2.3", "production")
	assert.NotSame(t, m.Registry, other.Registry)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.BuildInfo.WithLabelValues("1.2.3", "production")))
}

func TestCollector_RecordOutput(t *testing.T) {
	m := NewBuildMetrics("dev", "production")
	c := NewCollector(m)

	c.RecordOutput(&bundle.Output{Artifacts: []bundle.Artifact{
		{Path: "index.html", Kind: bundle.KindHTML, Contents: make([]byte, 100)},
		{Path: "assets/a.js", Kind: bundle.KindEntry, Contents: make([]byte, 300)},
		{Path: "assets/b.js", Kind: bundle.KindEntry, Contents: make([]byte, 200)},
	}})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Artifacts.WithLabelValues("html")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Artifacts.WithLabelValues("entry")))
	assert.Equal(t, float64(500), testutil.ToFloat64(m.ArtifactBytes.WithLabelValues("entry")))

	c.RecordOutput(nil)
}

func TestCollector_RecordCompression(t *testing.T) {
	m := NewBuildMetrics("dev", "production")
	c := NewCollector(m)

	res := &compress.Result{
		Sidecars: []compress.Sidecar{
			{Source: "a.js", Path: "a.js.br", Algorithm: "brotli", Size: 10},
			{Source: "a.js", Path: "a.js.gz", Algorithm: "gzip", Size: 12},
			{Source: "b.js", Path: "b.js.br", Algorithm: "brotli", Size: 5},
		},
		Skipped: []string{"tiny.js"},
	}
	err := &builderr.CompressionError{Failures: []builderr.ArtifactFailure{
		{Path: "c.js", Algorithm: "gzip", Err: errors.New("boom")},
		{Path: "d.js", Algorithm: "read", Err: errors.New("gone")},
	}}
	c.RecordCompression(res, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Sidecars.WithLabelValues("brotli")))
	assert.Equal(t, float64(15), testutil.ToFloat64(m.SidecarBytes.WithLabelValues("brotli")))
	assert.Equal(t, float64(12), testutil.ToFloat64(m.SidecarBytes.WithLabelValues("gzip")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CompressionSkipped))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CompressionFailures))
}

func TestCollector_Stage(t *testing.T) {
	m := NewBuildMetrics("dev", "production")
	c := NewCollector(m)

	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }
	done := c.Stage("bundle")
	now = now.Add(250 * time.Millisecond)
	done()

	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration, "shipyard_stage_duration_seconds"))

	mfs, err := m.Registry.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range mfs {
		if mf.GetName() != "shipyard_stage_duration_seconds" {
			continue
		}
		found = true
		require.Len(t, mf.GetMetric(), 1)
		h := mf.GetMetric()[0].GetHistogram()
		assert.Equal(t, uint64(1), h.GetSampleCount())
		assert.InDelta(t, 0.25, h.GetSampleSum(), 1e-9)
	}
	assert.True(t, found, "shipyard_stage_duration_seconds not gathered")
}

func TestResultLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ResultOK},
		{builderr.Configurationf("x", "bad"), ResultConfiguration},
		{builderr.Buildf("main", "bad"), ResultBuild},
		{&builderr.CompressionError{}, ResultCompression},
		{errors.New("other"), ResultOther},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ResultLabel(tt.err))
		})
	}
}

func TestCollector_RecordResult(t *testing.T) {
	m := NewBuildMetrics("dev", "production")
	c := NewCollector(m)

	c.RecordResult(nil)
	c.RecordResult(builderr.Buildf("main", "bad"))
	c.RecordResult(nil)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Builds.WithLabelValues(ResultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Builds.WithLabelValues(ResultBuild)))
}

func TestWriteTextfile(t *testing.T) {
	m := NewBuildMetrics("dev", "production")
	c := NewCollector(m)
	c.RecordOutput(&bundle.Output{Artifacts: []bundle.Artifact{
		{Path: "index.html", Kind: bundle.KindHTML, Contents: make([]byte, 42)},
	}})
	c.RecordResult(nil)

	path := filepath.Join(t.TempDir(), "shipyard.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `shipyard_artifact_bytes{kind="html"} 42`)
	assert.Contains(t, text, `shipyard_builds_total{result="ok"} 1`)
	assert.Contains(t, text, `shipyard_build_info{mode="production",version="dev"} 1`)
}

func TestHandler(t *testing.T) {
	m := NewPreviewMetrics()
	m.Requests.WithLabelValues("200", "br").Inc()
	m.BytesServed.WithLabelValues("br").Add(1024)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(m.Registry).ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `shipyard_preview_requests_total{code="200",encoding="br"} 1`)
	assert.Contains(t, string(body), `shipyard_preview_bytes_total{encoding="br"} 1024`)
}
