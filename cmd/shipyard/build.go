package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zombar/shipyard/internal/pipeline"
	"github.com/zombar/shipyard/internal/report"
	"github.com/zombar/shipyard/internal/tracing"
)

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the application (default command)",
		Long: `Build resolves the configured entries, bundles them, writes gzip and brotli
sidecars for compressible artifacts, and records everything in
.shipyard/manifest.json inside the output directory.

A failed build never leaves a partial output directory: configuration errors
leave it untouched, bundling errors leave it empty.`,
		Args: cobra.NoArgs,
		RunE: runBuild,
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print the size report")
	cmd.Flags().StringVar(&traceFile, "trace", "", "write a runtime trace of the build to this file")
	return cmd
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if traceFile != "" {
		rec, err := tracing.Start(0, 0)
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.WriteFile(traceFile); err != nil {
				log.Warn().Err(err).Str("path", traceFile).Msg("failed to write trace")
			}
			rec.Stop()
		}()
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := pipeline.Run(ctx, cfg, pipeline.Options{Logger: log.Logger, Version: Version})
	if err != nil {
		return err
	}

	if quiet {
		return nil
	}
	return report.Write(cmd.OutOrStdout(), displayPath(cfg.OutDir), res.Manifest, cfg.Compression.Algorithms)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
