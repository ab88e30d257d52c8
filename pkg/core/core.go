package core

import (
	"context"
	"fmt"
	"time"

	config "github.com/okserver/okserver/pkg/core/config"
	"github.com/okserver/okserver/pkg/core/server"
	"github.com/okserver/okserver/pkg/metrics"
	"go.uber.org/zap"
)

const metricsShutdownTimeout = 2 * time.Second

// Run starts the listener-responder and blocks until ctx is cancelled or
// binding fails.
func Run(ctx context.Context, cfg *config.TranslatedConfig, w Writer, s Server, logger *zap.Logger) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics.Init(ctx)

	if cfg.MetricsEnabled {
		stop, err := startMetrics(cfg.MetricsListen, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	l := &exchangeLogger{cfg: cfg, wrt: w, logger: logger}

	return s.ListenAndServe(ctx, serverOptions(cfg), l.logExchange)
}

func serverOptions(cfg *config.TranslatedConfig) server.Options {
	return server.Options{
		Address:             cfg.ListenAddress(),
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		ShutdownTimeout:     cfg.ShutdownTimeout,
		MaxConnections:      cfg.MaxConnections,
		MaxRequestLineBytes: cfg.MaxRequestLineBytes,
	}
}

func startMetrics(addr string, logger *zap.Logger) (func(), error) {
	ms, err := metrics.NewServer(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start metrics listener: %w", err)
	}

	go func() {
		if err := ms.Serve(); err != nil {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()
	logger.Info("metrics listening", zap.String("address", ms.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := ms.Shutdown(ctx); err != nil {
			logger.Warn("metrics shutdown failed", zap.Error(err))
		}
	}, nil
}

type exchangeLogger struct {
	cfg    *config.TranslatedConfig
	wrt    Writer
	logger *zap.Logger
}

func (l *exchangeLogger) logExchange(ex *server.Exchange) {
	if !l.cfg.LoggingEnabled || l.wrt == nil {
		return
	}

	if l.cfg.ExcludeRegexp != nil && l.cfg.ExcludeRegexp.String() != "" && ex.Request != nil &&
		l.cfg.ExcludeRegexp.MatchString(ex.Request.RequestLine.Target) {
		return
	}

	if err := l.wrt.LogExchange(ex); err != nil {
		l.logger.Warn("failed to log exchange", zap.String("connection_id", ex.ID), zap.Error(err))
	}
}
