package preview

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/zombar/shipyard/internal/metrics"
	"github.com/zombar/shipyard/internal/tracing"
)

// Server is the preview HTTP server.
type Server struct {
	server   *http.Server
	mux      *http.ServeMux
	handler  *Handler
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates a preview server for h. When pm is non-nil its registry is
// exposed at /-/metrics.
func NewServer(h *Handler, pm *metrics.PreviewMetrics, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()

	// Register handlers
	mux.HandleFunc("/-/health", healthHandler)
	if pm != nil {
		mux.Handle("/-/metrics", metrics.Handler(pm.Registry))
	}
	mux.Handle("/", h)

	return &Server{
		mux:     mux,
		handler: h,
		logger:  logger,
	}
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr asks for port 0.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("preview server stopped")
		}
	}()

	return ln.Addr().String(), nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	bound, err := s.Start(addr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("url", "http://"+bound).Msg("preview server listening")

	<-ctx.Done()
	return s.Stop()
}

// EnableLiveReload serves r at ReloadPath and appends the reload script to
// HTML pages. It must be called before Start.
func (s *Server) EnableLiveReload(r *Reloader) {
	s.handler.liveReload = true
	s.mux.Handle(ReloadPath, r)
}

// EnableTrace exposes snapshots of rec at /-/trace. It must be called before
// Start.
func (s *Server) EnableTrace(rec *tracing.Recorder) {
	s.mux.Handle("/-/trace", traceHandler(rec))
}

// traceHandler returns a runtime trace snapshot.
// The output is compatible with `go tool trace`.
func traceHandler(rec *tracing.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rec.Enabled() {
			http.Error(w, "tracing not enabled (use --trace flag)", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", "attachment; filename=trace.out")

		if err := rec.Snapshot(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// healthHandler returns a simple health check response.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
