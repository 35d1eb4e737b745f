package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zombar/shipyard/internal/pipeline"
)

func newCompressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compress [dir]",
		Short: "Write compressed sidecars for an existing output directory",
		Long: `Compress runs only the compression stage over a directory that was built
earlier (default: the configured output directory). Existing sidecars are
overwritten; if the directory holds a manifest, its sidecar records are
refreshed.

Examples:
  # Recompress the configured output directory
  shipyard compress

  # Compress any static directory with the default settings
  shipyard compress ./site`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCompress,
	}
}

func runCompress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigOrDefault()
	if err != nil {
		return err
	}
	dir := cfg.OutDir
	if len(args) == 1 {
		if dir, err = filepath.Abs(args[0]); err != nil {
			return err
		}
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a directory", displayPath(dir))
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := pipeline.CompressDir(ctx, dir, cfg.Compression, log.Logger)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d artifacts compressed, %d sidecars written, %d skipped\n",
		len(res.Compressed), len(res.Sidecars), len(res.Skipped))
	return nil
}
