package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zombar/shipyard/internal/builderr"
	"github.com/zombar/shipyard/internal/config"
	"github.com/zombar/shipyard/internal/pipeline"
	"github.com/zombar/shipyard/internal/preview"
	"github.com/zombar/shipyard/internal/watch"
)

func newDevCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Build, serve, and rebuild on changes",
		Long: `Dev builds the application, serves the output like preview does, and
rebuilds whenever a file under the root directory, the public directory, or
the config file changes. Open pages reload after every successful rebuild.

Every rebuild is a complete build, sidecars and manifest included.`,
		Args: cobra.NoArgs,
		RunE: runDev,
	}
	cmd.Flags().StringVar(&devListen, "listen", "127.0.0.1:5173", "address to listen on")
	cmd.Flags().StringVar(&devMode, "mode", "development", "build mode used for env files and import.meta.env.MODE")
	cmd.Flags().DurationVar(&devPoll, "poll", watch.DefaultInterval, "how often sources are checked for changes")
	return cmd
}

func runDev(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	cfg, err := loadDevConfig(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := pipeline.Options{Logger: log.Logger, Version: Version}
	if _, err := pipeline.Run(ctx, cfg, opts); err != nil {
		return err
	}

	handler, err := preview.NewHandler(osfs.New(cfg.OutDir, osfs.WithBoundOS()), "", nil, log.Logger)
	if err != nil {
		return err
	}
	reloader := preview.NewReloader(log.Logger)
	defer reloader.Close()

	srv := preview.NewServer(handler, nil, log.Logger)
	srv.EnableLiveReload(reloader)
	bound, err := srv.Start(devListen)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Stop() }()
	log.Info().Str("url", "http://"+bound+handler.Base()).Msg("dev server listening")

	w := watch.New(watch.Options{
		Paths:    []string{cfg.Root, cfg.PublicDir, path},
		Exclude:  []string{cfg.OutDir},
		Interval: devPoll,
	}, log.Logger)

	return w.Run(ctx, func(ctx context.Context, changed []string) {
		next, err := loadDevConfig(path)
		if err != nil {
			logBuildError(err, "config reload failed")
			reloader.Broadcast(preview.MsgError)
			return
		}
		if next.OutDir != cfg.OutDir {
			log.Warn().Str("out_dir", cfg.OutDir).Msg("out_dir changes need a restart; keeping the current one")
			next.OutDir = cfg.OutDir
		}

		log.Info().Int("changed", len(changed)).Str("first", displayPath(changed[0])).Msg("rebuilding")
		if _, err := pipeline.Run(ctx, next, opts); err != nil {
			logBuildError(err, "rebuild failed")
			reloader.Broadcast(preview.MsgError)
			return
		}
		if err := handler.Reload(); err != nil {
			log.Error().Err(err).Msg("failed to reload manifest")
			return
		}
		reloader.Broadcast(preview.MsgReload)
	})
}

// loadDevConfig loads the config at path with the dev mode applied.
func loadDevConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if devMode != "" {
		if strings.ContainsAny(devMode, `/\`) {
			return nil, builderr.Configurationf(path, "invalid mode %q", devMode)
		}
		cfg.Mode = devMode
	}
	return cfg, nil
}

func logBuildError(err error, msg string) {
	ev := log.Error().Err(err)
	if hints := builderr.Hints(err); len(hints) > 0 {
		ev = ev.Strs("hints", hints)
	}
	ev.Msg(msg)
}
