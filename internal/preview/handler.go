// Package preview serves a completed output directory over HTTP, preferring
// the precompressed sidecars written by the build.
package preview

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	"github.com/zombar/shipyard/internal/compress"
	"github.com/zombar/shipyard/internal/manifest"
	"github.com/zombar/shipyard/internal/metrics"
)

// encodingPreference lists the algorithms in the order they are offered.
var encodingPreference = []string{"brotli", "zstd", "gzip"}

// ErrIncomplete is returned when the output directory has no manifest.
var ErrIncomplete = errors.New("output directory has no manifest; the last build did not complete")

// Handler serves the artifacts listed in a build manifest.
type Handler struct {
	fsys       billy.Filesystem
	manifest   *manifest.Manifest
	manifestMu sync.RWMutex
	base       string
	liveReload bool
	metrics    *metrics.PreviewMetrics
	logger     zerolog.Logger
}

// NewHandler reads the manifest from fsys. base overrides the manifest's base
// path when non-empty. pm may be nil.
func NewHandler(fsys billy.Filesystem, base string, pm *metrics.PreviewMetrics, logger zerolog.Logger) (*Handler, error) {
	m, err := manifest.Read(fsys)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return nil, ErrIncomplete
		}
		return nil, err
	}
	if base == "" {
		base = m.Base
	}
	return &Handler{
		fsys:     fsys,
		manifest: m,
		base:     normalizeBase(base),
		metrics:  pm,
		logger:   logger.With().Str("component", "preview").Logger(),
	}, nil
}

func normalizeBase(base string) string {
	if base == "" || base == "/" {
		return "/"
	}
	return "/" + strings.Trim(base, "/") + "/"
}

// Base returns the URL prefix the handler serves under.
func (h *Handler) Base() string { return h.base }

// Reload re-reads the manifest after a rebuild. On error the previous
// manifest stays in use.
func (h *Handler) Reload() error {
	m, err := manifest.Read(h.fsys)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return ErrIncomplete
		}
		return err
	}
	h.manifestMu.Lock()
	h.manifest = m
	h.manifestMu.Unlock()
	return nil
}

func (h *Handler) current() *manifest.Manifest {
	h.manifestMu.RLock()
	defer h.manifestMu.RUnlock()
	return h.manifest
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	encoding := h.serve(rec, r)

	if h.metrics != nil {
		h.metrics.Requests.WithLabelValues(strconv.Itoa(rec.status), encodingLabel(encoding)).Inc()
		h.metrics.BytesServed.WithLabelValues(encodingLabel(encoding)).Add(float64(rec.written))
		h.metrics.RequestTimes.Observe(time.Since(start).Seconds())
	}
	h.logger.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.status).
		Str("encoding", encoding).
		Dur("took", time.Since(start)).
		Msg("request")
}

func encodingLabel(enc string) string {
	if enc == "" {
		return "identity"
	}
	return enc
}

// serve writes the response and returns the content encoding used.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request) string {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return ""
	}

	m := h.current()
	rel, ok := h.resolve(m, r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return ""
	}
	a := m.Artifacts[rel]

	header := w.Header()
	header.Set("Content-Type", a.ContentType)
	header.Set("ETag", etag(a.Digest))
	if strings.HasPrefix(rel, "assets/") {
		header.Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		header.Set("Cache-Control", "no-cache")
	}

	if h.liveReload && path.Ext(rel) == ".html" {
		return h.serveWithReload(w, r, rel)
	}

	file, encoding := rel, ""
	if len(a.Sidecars) > 0 {
		header.Add("Vary", "Accept-Encoding")
		accepted := parseAcceptEncoding(r.Header.Get("Accept-Encoding"))
		for _, name := range encodingPreference {
			sc, ok := a.Sidecars[name]
			if !ok {
				continue
			}
			alg, err := compress.Lookup(name)
			if err != nil || !accepted.allows(alg.Encoding()) {
				continue
			}
			file, encoding = sc.Path, alg.Encoding()
			header.Set("Content-Encoding", encoding)
			header.Set("ETag", etag(sc.Digest))
			break
		}
	}

	data, err := util.ReadFile(h.fsys, file)
	if err != nil {
		h.logger.Error().Err(err).Str("file", file).Msg("failed to read artifact")
		header.Del("Content-Encoding")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return ""
	}
	http.ServeContent(w, r, path.Base(rel), time.Time{}, bytes.NewReader(data))
	return encoding
}

// serveWithReload serves an HTML artifact with the live reload script
// appended.
func (h *Handler) serveWithReload(w http.ResponseWriter, r *http.Request, rel string) string {
	data, err := util.ReadFile(h.fsys, rel)
	if err != nil {
		h.logger.Error().Err(err).Str("file", rel).Msg("failed to read artifact")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return ""
	}
	w.Header().Del("ETag")
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, path.Base(rel), time.Time{}, bytes.NewReader(injectReloadScript(data)))
	return ""
}

// injectReloadScript inserts the reload script before </body>, or appends it
// when the document has no closing body tag.
func injectReloadScript(page []byte) []byte {
	i := bytes.LastIndex(bytes.ToLower(page), []byte("</body>"))
	if i < 0 {
		return append(page[:len(page):len(page)], reloadScript...)
	}
	out := make([]byte, 0, len(page)+len(reloadScript))
	out = append(out, page[:i]...)
	out = append(out, reloadScript...)
	return append(out, page[i:]...)
}

// resolve maps a request path to a manifest artifact. Extension-less paths
// that match nothing fall back to index.html so client-side routing works.
func (h *Handler) resolve(m *manifest.Manifest, urlPath string) (string, bool) {
	if !strings.HasPrefix(urlPath+"/", h.base) {
		return "", false
	}
	rest := strings.TrimPrefix(urlPath, strings.TrimSuffix(h.base, "/"))
	rel := strings.TrimPrefix(path.Clean("/"+rest), "/")
	if rel == compress.MetadataDir || strings.HasPrefix(rel, compress.MetadataDir+"/") {
		return "", false
	}

	candidates := []string{"index.html"}
	if rel != "" {
		candidates = []string{rel, rel + ".html", rel + "/index.html"}
	}
	for _, c := range candidates {
		if _, ok := m.Artifacts[c]; ok {
			return c, true
		}
	}
	if path.Ext(rel) == "" {
		if _, ok := m.Artifacts["index.html"]; ok {
			return "index.html", true
		}
	}
	return "", false
}

func etag(digest string) string {
	d := strings.TrimPrefix(digest, "blake3:")
	if len(d) > 16 {
		d = d[:16]
	}
	return fmt.Sprintf("%q", d)
}

// acceptedEncodings holds the q-values of an Accept-Encoding header.
type acceptedEncodings map[string]float64

func parseAcceptEncoding(header string) acceptedEncodings {
	accepted := make(acceptedEncodings)
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		q := 1.0
		if k, v, ok := strings.Cut(strings.TrimSpace(params), "="); ok && strings.TrimSpace(k) == "q" {
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				q = parsed
			}
		}
		accepted[name] = q
	}
	return accepted
}

func (a acceptedEncodings) allows(encoding string) bool {
	if q, ok := a[encoding]; ok {
		return q > 0
	}
	q, ok := a["*"]
	return ok && q > 0
}

// statusRecorder captures the status code and body size for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}
