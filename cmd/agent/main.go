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

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/a2a"
	"github.com/nidhogg/control-tower/internal/app"
	"github.com/nidhogg/control-tower/internal/config"
	"github.com/nidhogg/control-tower/internal/telemetry"
)

func main() {
	var (
		role      = pflag.StringP("role", "r", "", "agent to run: vision or supplier")
		addr      = pflag.String("addr", ":8081", "listen address")
		publicURL = pflag.String("public-url", "", "URL advertised in the agent card (default http://localhost<addr>/)")
		cfgPath   = pflag.StringP("config", "c", "", "config file (default $CONFIG_PATH or "+app.DefaultConfigPath+")")
	)
	pflag.Parse()

	key, err := a2a.ParseAgentKey(*role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "--role: %v\n", err)
		pflag.Usage()
		os.Exit(2)
	}
	cfg, _, err := app.LoadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := app.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("agent", string(key)))

	url := *publicURL
	if url == "" {
		url = "http://localhost" + *addr + "/"
	}
	if err := run(key, *addr, url, cfg, logger); err != nil {
		logger.Fatal("agent stopped", zap.Error(err))
	}
}

func run(key a2a.AgentKey, addr, url string, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName + "-" + string(key) + "-agent",
	}, logger)
	if err != nil {
		return err
	}
	defer otelShutdown(context.Background())

	var exec a2a.Executor
	switch key {
	case a2a.AgentVision:
		router, err := app.Providers(cfg.Providers, logger)
		if err != nil {
			logger.Warn("some providers could not be registered", zap.Error(err))
		}
		exec = app.LocalAnalyzer(cfg, router, logger).HandleAgentMessage
	case a2a.AgentSupplier:
		m, cleanup, err := app.LocalMatcher(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		defer cleanup()
		exec = m.HandleAgentMessage
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           a2a.NewServer(string(key), app.Card(key, url), exec, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("Agent listening", zap.String("addr", addr), zap.String("url", url))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("Shutting down agent...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
