package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshp123/gohome-fusionsolar/internal/config"
	"github.com/joshp123/gohome-fusionsolar/internal/core"
	"github.com/joshp123/gohome-fusionsolar/internal/log"
	"github.com/joshp123/gohome-fusionsolar/internal/plugins"
	"github.com/joshp123/gohome-fusionsolar/internal/router"
	"github.com/joshp123/gohome-fusionsolar/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// .env is optional; it only seeds password_env variables.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	configPath := lflag.String("config", envOrDefault("FUSIONSOLAR_CONFIG", config.DefaultPath), "path to the YAML config")
	lflag.Configure()

	// lflag sets llog's level; mirror it into slog
	var level slog.Level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		log.Ctx(ctx).Error("fusionsolar exited", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).Info("fusionsolar exited cleanly")
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	compiled := plugins.Compiled(ctx, cfg)
	if err := core.ValidatePlugins(compiled); err != nil {
		return err
	}
	enabled := config.EnabledPlugins(cfg)
	if err := core.ValidateEnabledPlugins(compiled, enabled, false); err != nil {
		return err
	}
	active := core.FilterPlugins(compiled, enabled, false)
	defer closePlugins(ctx, compiled)

	if err := core.WriteDashboards(cfg.Core.DashboardDir, active); err != nil {
		log.Ctx(ctx).Warn("dashboards not written", "dir", cfg.Core.DashboardDir, "error", err)
	}

	grpcServer, err := server.NewGRPCServer(cfg.Core.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	if err := router.RegisterPlugins(grpcServer.Server, active); err != nil {
		return err
	}

	metricsRegistry := core.MetricsRegistry(active)
	metricsRegistry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fusionsolar_build_info",
		Help: "Build information",
	}, func() float64 { return 1 }))

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/health", server.HealthHandler)
	httpMux.Handle("/metrics", server.MetricsHandler(metricsRegistry))
	httpMux.Handle("/dashboards/", server.DashboardsHandler(core.DashboardsMap(active)))
	httpMux.Handle("/diagnostics/", server.DiagnosticsHandler(active))
	for _, plugin := range active {
		if registrant, ok := plugin.(core.HTTPRegistrant); ok {
			registrant.RegisterHTTP(httpMux)
		}
	}
	httpServer := server.NewHTTPServer(cfg.Core.HTTPAddr, httpMux)

	var wg sync.WaitGroup
	errs := make(chan error, 2+len(active))

	for _, plugin := range active {
		plugin := plugin
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx := log.WithAttrs(ctx, "plugin", plugin.ID())
			if err := plugin.Start(pctx); err != nil {
				log.Ctx(pctx).Error("plugin stopped", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		core.WatchHealth(ctx, grpcServer.Health, active)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		watchReload(ctx, configPath, active)
	}()

	go func() {
		log.Ctx(ctx).Info("http listening", "addr", cfg.Core.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil {
			errs <- fmt.Errorf("http serve: %w", err)
		}
	}()
	go func() {
		log.Ctx(ctx).Info("grpc listening", "addr", cfg.Core.GRPCAddr)
		if err := grpcServer.Serve(); err != nil {
			errs <- fmt.Errorf("grpc serve: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Ctx(ctx).Warn("http shutdown", "error", err)
	}
	grpcServer.Stop()
	if runErr == nil {
		wg.Wait()
	}
	return runErr
}

// watchReload re-reads the config on SIGHUP and hands it to plugins that
// support live reload.
func watchReload(ctx context.Context, path string, active []core.Plugin) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		cfg, err := config.Load(path)
		if err != nil {
			log.Ctx(ctx).Error("config reload failed", "path", path, "error", err)
			continue
		}
		for _, plugin := range active {
			if reloader, ok := plugin.(core.Reloader); ok {
				reloader.Reload(ctx, cfg)
			}
		}
		log.Ctx(ctx).Info("config reloaded", "path", path)
	}
}

func closePlugins(ctx context.Context, compiled []core.Plugin) {
	for _, plugin := range compiled {
		closer, ok := plugin.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			log.Ctx(ctx).Warn("plugin close failed", "plugin", plugin.ID(), "error", err)
		}
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
