package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zombar/shipyard/internal/builderr"
	"github.com/zombar/shipyard/internal/manifest"
	"github.com/zombar/shipyard/internal/pipeline"
)

var errVerifyFailed = errors.New("output directory does not match its manifest")

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [dir]",
		Short: "Check an output directory against its manifest",
		Long: `Verify recomputes the digest of every artifact and sidecar listed in the
manifest, checks that each sidecar decompresses to its artifact, and reports
files that the build did not produce.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runVerify,
	}
}

func runVerify(cmd *cobra.Command, args []string) error {
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

	problems, err := pipeline.Verify(dir)
	if errors.Is(err, manifest.ErrNotFound) {
		return builderr.WithHint(fmt.Errorf("%s: %w", displayPath(dir), err), "run shipyard build first")
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, p := range problems {
		_, _ = fmt.Fprintln(out, p.String())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %d problems", errVerifyFailed, len(problems))
	}
	_, _ = fmt.Fprintf(out, "%s: ok\n", displayPath(dir))
	return nil
}
