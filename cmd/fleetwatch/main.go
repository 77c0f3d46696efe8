package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fleetwatch/fleetwatch/internal/alerts"
	"github.com/fleetwatch/fleetwatch/internal/api"
	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/internal/thresholds"
	"github.com/fleetwatch/fleetwatch/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "fleetwatch",
	Short:   "Fleetwatch - fleet telemetry alert engine",
	Long:    `Fleetwatch evaluates fleet device telemetry against configurable thresholds and manages the resulting alerts through their acknowledge/resolve lifecycle`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Fleetwatch %s (built %s)\n", Version, BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer() error {
	cfg := config.Load()
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "fleetwatch",
	})

	log.Info().Str("version", Version).Str("dataDir", cfg.DataDir).Msg("Starting fleetwatch")

	st, err := store.New(store.DefaultConfig(cfg.DataDir))
	if err != nil {
		return fmt.Errorf("failed to open alert store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := thresholds.NewRegistry(ctx, st)
	if err != nil {
		return fmt.Errorf("failed to build threshold registry: %w", err)
	}

	if cfg.ThresholdSeedFile != "" {
		if err := registry.LoadSeedFile(ctx, cfg.ThresholdSeedFile); err != nil {
			log.Warn().Err(err).Str("file", cfg.ThresholdSeedFile).Msg("Threshold seed load failed")
		}
	}

	hub := websocket.NewHub()

	evaluator := alerts.NewEvaluator(registry, st, alerts.Policy{
		AutoResolve:      cfg.AutoResolve,
		AutoResolveAfter: cfg.AutoResolveAfter,
	}, hub)
	lifecycle := alerts.NewLifecycle(st, hub)

	router := api.NewRouter(st, registry, evaluator, lifecycle, hub)
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run()
		return nil
	})

	if cfg.ThresholdSeedFile != "" {
		g.Go(func() error {
			if err := registry.Watch(gctx, cfg.ThresholdSeedFile); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("Threshold watcher stopped")
			}
			return nil
		})
	}

	if cfg.ResolvedRetention > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if _, err := st.PruneResolved(gctx, cfg.ResolvedRetention); err != nil {
						log.Warn().Err(err).Msg("Resolved alert cleanup failed")
					}
				}
			}
		})
	}

	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		log.Info().Msg("Shutting down")
		registry.Stop()
		hub.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info().Msg("Shutdown complete")
	return nil
}
