package main

import (
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zombar/shipyard/internal/builderr"
	"github.com/zombar/shipyard/internal/metrics"
	"github.com/zombar/shipyard/internal/preview"
	"github.com/zombar/shipyard/internal/tracing"
)

func newPreviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview [dir]",
		Short: "Serve a completed build locally",
		Long: `Preview serves the output directory the way a production static server
configured for precompressed files would: sidecars are chosen from the
Accept-Encoding header (br, then zstd, then gzip) and hashed assets are
marked immutable.

The directory must hold a manifest from a completed build.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runPreview,
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:4173", "address to listen on")
	cmd.Flags().StringVar(&previewBase, "base", "", "URL base path (default: the base recorded at build time)")
	cmd.Flags().BoolVar(&previewMetrics, "metrics", true, "expose Prometheus metrics at /-/metrics")
	cmd.Flags().BoolVar(&previewTrace, "trace", false, "record a runtime trace and expose it at /-/trace")
	return cmd
}

func runPreview(cmd *cobra.Command, args []string) error {
	var dir string
	if len(args) == 1 {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		dir = abs
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir = cfg.OutDir
	}

	var pm *metrics.PreviewMetrics
	if previewMetrics {
		pm = metrics.NewPreviewMetrics()
	}

	handler, err := preview.NewHandler(osfs.New(dir, osfs.WithBoundOS()), previewBase, pm, log.Logger)
	if errors.Is(err, preview.ErrIncomplete) {
		return builderr.WithHint(err, "run shipyard build first")
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := preview.NewServer(handler, pm, log.Logger)
	if previewTrace {
		rec, err := tracing.Start(0, 0)
		if err != nil {
			return err
		}
		defer rec.Stop()
		srv.EnableTrace(rec)
	}

	log.Info().Str("dir", displayPath(dir)).Str("base", handler.Base()).Msg("serving build")
	return srv.Run(ctx, listenAddr)
}
