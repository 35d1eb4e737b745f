// shipyard builds a web application into a deterministic, precompressed
// output directory.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zombar/shipyard/internal/builderr"
	"github.com/zombar/shipyard/internal/config"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
	quiet    bool

	// Runtime trace of the build, written on exit
	traceFile string

	// Preview flags
	listenAddr     string
	previewBase    string
	previewMetrics bool
	previewTrace   bool

	// Dev flags
	devListen string
	devMode   string
	devPoll   time.Duration
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(builderr.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shipyard",
		Short: "shipyard - deterministic web asset builds",
		Long: `shipyard bundles a web application and writes gzip and brotli sidecars
next to every compressible artifact, so any static file server can serve them
precompressed.

QUICK START:

  # Build using ./shipyard.yaml:
  shipyard

  # Serve the build locally:
  shipyard preview

  # Check a deployed directory against its manifest:
  shipyard verify

For more help on any command, use: shipyard <command> --help`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd.ErrOrStderr())
		},
		RunE: runBuild,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: shipyard.yaml in the working directory)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print the size report")
	rootCmd.Flags().StringVar(&traceFile, "trace", "", "write a runtime trace of the build to this file")

	rootCmd.AddCommand(newBuildCmd())
	rootCmd.AddCommand(newCompressCmd())
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newPreviewCmd())
	rootCmd.AddCommand(newDevCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "shipyard %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	}
}

func setupLogging(w io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
}

// configPath returns the config named by --config, or the conventional config
// file in the working directory.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return config.Find(wd)
}

func loadConfig() (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Msg("loading config")
	return config.Load(path)
}

// loadConfigOrDefault is loadConfig for commands that can run without a
// project, such as compress and preview given an explicit directory.
func loadConfigOrDefault() (*config.Config, error) {
	if cfgFile != "" {
		return config.Load(cfgFile)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if path, err := config.Find(wd); err == nil {
		return config.Load(path)
	}

	cfg := &config.Config{Dir: wd}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, builderr.Configuration(wd, err)
	}
	return cfg, nil
}

// displayPath returns p relative to the working directory when it lies below
// it.
func displayPath(p string) string {
	wd, err := os.Getwd()
	if err != nil {
		return p
	}
	rel, err := filepath.Rel(wd, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return filepath.ToSlash(rel)
}

// printError writes err and its hints for the user.
func printError(w io.Writer, err error) {
	_, _ = fmt.Fprintf(w, "error: %v\n", err)
	for _, hint := range builderr.Hints(err) {
		_, _ = fmt.Fprintf(w, "  hint: %s\n", hint)
	}
}
