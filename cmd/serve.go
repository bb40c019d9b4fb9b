package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chaos-io/cutout/api"
	"github.com/chaos-io/cutout/config"
	"github.com/chaos-io/cutout/pipeline"
	"github.com/chaos-io/cutout/registry"
	"github.com/chaos-io/cutout/segment"
	"github.com/chaos-io/cutout/store"
)

const shutdownGrace = 2 * time.Minute

func newServeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// lockDataDir 保证同一数据目录只有一个实例在写
func lockDataDir(dir string) (*flock.Flock, error) {
	lock := flock.New(filepath.Join(dir, "cutout.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another cutout instance is using %s", dir)
	}
	return lock, nil
}

func prepareDirs(cfg config.Config) error {
	for _, dir := range cfg.Storage.Dirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func serve(ctx context.Context, cfg config.Config) error {
	if err := prepareDirs(cfg); err != nil {
		return err
	}
	lock, err := lockDataDir(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock()
	}()

	history, err := store.OpenHistory(cfg.Storage.HistoryDB)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() {
		_ = history.Close()
	}()

	reg := registry.New()
	artifacts := store.Artifacts{Root: cfg.Storage.OutputDir}
	worker := &pipeline.Worker{
		Remover:      segment.Shared(cfg.Segment.URL, cfg.Segment.Timeout),
		Tracker:      reg,
		Packager:     pipeline.Packager{Artifacts: artifacts},
		Recorder:     history,
		WorkDir:      cfg.Storage.WorkDir,
		MaxDimension: cfg.Limits.MaxDimension,
	}
	launcher := pipeline.NewLauncher(worker, reg, history, cfg.Storage.UploadDir)

	janitor := pipeline.NewJanitor(reg, artifacts, cfg.Retention.TTL)
	if err := janitor.Start(cfg.Retention.Interval); err != nil {
		return err
	}

	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(&api.Server{
		Launcher:  launcher,
		Progress:  reg,
		Artifacts: artifacts,
		History:   history,
		Limits: api.Limits{
			MaxBatch:     cfg.Limits.MaxBatch,
			MaxFileBytes: cfg.Limits.MaxFileBytes,
			MaxDimension: cfg.Limits.MaxDimension,
		},
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "server").Str("addr", cfg.Server.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Str("component", "server").Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			janitor.Stop(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("http shutdown")
	}
	janitor.Stop(shutdownCtx)
	if err := launcher.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("jobs still running at exit")
	}
	return nil
}
