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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/palisade/palisade/internal/config"
	"github.com/palisade/palisade/internal/gateway"
	"github.com/palisade/palisade/internal/logging"
	"github.com/palisade/palisade/internal/observability"
)

func newRunCmd() *cobra.Command {
	var configPath string
	var modeOverride string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Palisade gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return errors.New("config path is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if modeOverride != "" {
				cfg.Engine.Mode = modeOverride
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runGateway(cmd.Context(), cfg, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&modeOverride, "mode", "", "Override the engine mode (enforce or detect)")

	return cmd
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func runGateway(ctx context.Context, cfg *config.Config, configPath string) error {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	gw, err := gateway.New(cfg, newRegistries(logger), logger)
	if err != nil {
		return err
	}

	if cfg.Logging.DecisionLog != "" {
		dlog, closer, err := logging.OpenDecisionLog(cfg.ResolvePath(cfg.Logging.DecisionLog))
		if err != nil {
			return err
		}
		defer func() { _ = closer() }()
		gw.SetDecisionLogger(dlog)
	}

	metricsSrv := startMetricsServer(cfg, gw)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           gw,
		ReadHeaderTimeout: 5 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(signalCtx)

	g.Go(func() error {
		logger.Info("gateway listening",
			zap.String("addr", cfg.Server.Listen),
			zap.String("mode", cfg.Engine.Mode))
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.ResolvePath(cfg.Server.TLS.CertFile), cfg.ResolvePath(cfg.Server.TLS.KeyFile))
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if cfg.Engine.HotReload {
		g.Go(func() error {
			return gw.Watch(gctx, configPath)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func startMetricsServer(cfg *config.Config, gw *gateway.Gateway) *http.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	gw.SetMetrics(metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))

	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
