package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/epuerta/codeagent/internal/config"
	"github.com/epuerta/codeagent/internal/executor"
	"github.com/epuerta/codeagent/internal/functions"
	"github.com/epuerta/codeagent/internal/metrics"
)

// App holds everything a command needs for one invocation
type App struct {
	Config    *config.Config
	Service   *executor.Service
	Functions *functions.Registry

	metricsSrv *http.Server
}

// NewApp loads the configuration and builds the executor stack
func NewApp(cmd *cobra.Command) (*App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("codeagent", reg, appLogger)

	svc, err := executor.NewFromConfig(cmd.Context(), cfg, appLogger, collector)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:    cfg,
		Service:   svc,
		Functions: functions.NewDefaultRegistry(svc),
	}
	if cfg.MetricsAddr != "" {
		app.serveMetrics(cfg.MetricsAddr, reg)
	}
	return app, nil
}

func (a *App) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	a.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	appLogger.Info("serving metrics", zap.String("addr", addr))
}

// Close stops the metrics endpoint and releases the service
func (a *App) Close() error {
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(ctx)
	}
	return a.Service.Close()
}
