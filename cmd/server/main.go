package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/api"
	"sandbox-sessions/internal/config"
	"sandbox-sessions/internal/monitor"
	"sandbox-sessions/internal/orchestrator"
	"sandbox-sessions/internal/runtime"
	"sandbox-sessions/internal/sandbox"
	"sandbox-sessions/internal/session"
	"sandbox-sessions/internal/source"
	"sandbox-sessions/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	if err := serve(cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func serve(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	tracer := monitor.NewTracer()
	toolchains := runtime.NewRegistry()

	engine, err := sandbox.NewEngine(ctx, cfg)
	if err != nil {
		return err
	}
	if cfg.Pool.Enabled {
		pool := sandbox.NewPool(engine, poolTemplates(cfg, toolchains), sandbox.PoolConfig{
			MinIdle:     cfg.Pool.MinIdle,
			RefillDelay: cfg.Pool.RefillDelay,
			MaxAge:      cfg.Pool.MaxAge,
		})
		pool.Start(ctx)
		engine = pool
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Error().Err(err).Msg("engine close error")
		}
	}()

	store, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := storage.Reconcile(ctx, store, time.Now()); err != nil {
		log.Warn().Err(err).Msg("failed to reconcile snapshots from previous run")
	}

	writer := storage.NewSnapshotWriter(store, metrics, cfg.Store.BufferSize)
	writer.Start()
	defer writer.Flush(10 * time.Second)

	limits := sandbox.TreeLimits{MaxFiles: cfg.Sandbox.MaxTreeFiles, MaxBytes: cfg.Sandbox.MaxTreeBytes}
	targets, err := source.NewTargetProvider(ctx, cfg.Source, limits)
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Options{
		Engine:     engine,
		Registry:   session.NewRegistry(cfg.Session.MaxOutputBytes),
		Targets:    targets,
		Env:        source.NewStaticEnv(cfg.Source),
		Toolchains: toolchains,
		Metrics:    metrics,
		Tracer:     tracer,
		OnChange:   writer.Observe,
		Config:     orchestrator.ConfigFrom(cfg),
	})
	evictor := orchestrator.NewEvictor(orch, cfg.Session.SweepInterval)
	server := api.NewServer(cfg, orch, store, metrics)

	var g run.Group

	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		g.Add(
			func() error {
				<-signalCtx.Done()
				log.Info().Msg("termination signal received, shutting down")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	{
		g.Add(
			func() error {
				log.Info().
					Str("addr", cfg.Address()).
					Str("engine", engine.Name()).
					Str("store", cfg.Store.Driver).
					Str("source", cfg.Source.Driver).
					Bool("pool", cfg.Pool.Enabled).
					Msg("server starting")
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			func(_ error) {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer shutdownCancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("HTTP server shutdown error")
				}
			},
		)
	}

	{
		evictCtx, evictCancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return evictor.Run(evictCtx)
			},
			func(_ error) {
				evictCancel()
				evictor.Stop()
			},
		)
	}

	runErr := g.Run()

	// Sessions hold sandboxes; release them before the engine goes away.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("session shutdown error")
	}
	return runErr
}

// poolTemplates yields one warm-sandbox template per toolchain, shaped the
// way sessions boot them by default.
func poolTemplates(cfg *config.Config, toolchains *runtime.Registry) []sandbox.BootSpec {
	limits := sandbox.LimitsFromConfig(cfg.Sandbox.DefaultLimits).OrDefault()
	var templates []sandbox.BootSpec
	for _, name := range toolchains.Names() {
		tc, err := toolchains.Get(name)
		if err != nil {
			continue
		}
		templates = append(templates, sandbox.BootSpec{
			Image:   tc.Image(),
			Limits:  limits,
			Network: cfg.Sandbox.Network,
			Ports:   []int{tc.DefaultPort()},
		})
	}
	return templates
}
