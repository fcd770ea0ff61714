package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/livetraffic/internal/clock"
	"github.com/dgnsrekt/livetraffic/internal/config"
	"github.com/dgnsrekt/livetraffic/internal/hub"
	"github.com/dgnsrekt/livetraffic/internal/server"
	"github.com/dgnsrekt/livetraffic/internal/sse"
	"github.com/dgnsrekt/livetraffic/internal/stats"
	"github.com/dgnsrekt/livetraffic/internal/telemetry"
	"github.com/dgnsrekt/livetraffic/internal/window"
	"github.com/dgnsrekt/livetraffic/internal/ws"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the telemetry server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("configuration loaded",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("staticDir", cfg.Server.StaticDir),
		zap.Duration("window", cfg.Metrics.Window),
		zap.Duration("tickInterval", cfg.Metrics.TickInterval),
		zap.Duration("keepAlive", cfg.Stream.KeepAlive),
		zap.Bool("websocket", cfg.Stream.WebSocket),
		zap.Strings("exclude", cfg.Observe.Exclude),
	)

	clk := clock.New()
	counter := window.NewCounter(cfg.Metrics.Window, cfg.Metrics.CompactThreshold)
	computer := stats.NewComputer(counter, cfg.Metrics.Instant)
	h := hub.New(computer, hub.Options{
		TickInterval: cfg.Metrics.TickInterval,
		KeepAlive:    cfg.Stream.KeepAlive,
		Buffer:       cfg.Stream.Buffer,
		Clock:        clk,
	}, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		telemetry.NewCollector(counter, h),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := server.RouterOptions{
		Exclude:        cfg.Observe.Exclude,
		StaticDir:      cfg.Server.StaticDir,
		Stream:         sse.NewHandler(h, cfg.Stream.WriteTimeout, logger),
		ConnectLimiter: rate.NewLimiter(rate.Limit(cfg.Stream.ConnectRate), cfg.Stream.ConnectBurst),
		Gatherer:       reg,
	}
	if cfg.Stream.WebSocket {
		opts.WebSocket = ws.NewHandler(h, ws.Options{
			WriteWait: cfg.Stream.WriteTimeout,
			PongWait:  4 * cfg.Stream.KeepAlive,
		}, logger)
	}

	router, err := server.NewRouter(server.NewServer(counter, computer, h, clk, logger), opts, logger)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}

	// No WriteTimeout: streams are long-lived and bound each frame write
	// themselves.
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hubDone := make(chan struct{})
	go func() {
		h.Run(hubCtx)
		close(hubDone)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			stopHub()
			<-hubDone
			return err
		}
	}

	// Stop the tick and close subscribers first so stream handlers return
	// and Shutdown doesn't wait on them.
	stopHub()
	<-hubDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server stopped", zap.Uint64("requestsObserved", counter.Total()))
	return nil
}
