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

	"github.com/go-chi/chi/v5"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/control-tower/internal/a2a"
	"github.com/nidhogg/control-tower/internal/api"
	"github.com/nidhogg/control-tower/internal/app"
	"github.com/nidhogg/control-tower/internal/catalog"
	"github.com/nidhogg/control-tower/internal/config"
	"github.com/nidhogg/control-tower/internal/event"
	"github.com/nidhogg/control-tower/internal/eventbus"
	"github.com/nidhogg/control-tower/internal/gateway"
	"github.com/nidhogg/control-tower/internal/order"
	"github.com/nidhogg/control-tower/internal/telemetry"
	"github.com/nidhogg/control-tower/internal/vision"
	"github.com/nidhogg/control-tower/internal/workflow"
)

var version = "dev"

func main() {
	cfgPath := pflag.StringP("config", "c", "", "config file (default $CONFIG_PATH or "+app.DefaultConfigPath+")")
	pflag.Parse()

	cfg, path, err := app.LoadConfig(*cfgPath)
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

	logger.Info("Starting control tower...", zap.String("config", path), zap.String("version", version))
	if err := run(cfg, logger); err != nil {
		logger.Fatal("control tower stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	}, logger)
	if err != nil {
		return err
	}

	broadcaster := event.NewBroadcaster(cfg.Events.ObserverBuffer, cfg.Events.History, logger)
	mux := chi.NewRouter()

	// Agents
	endpoints := map[a2a.AgentKey]string{
		a2a.AgentVision:   agentURL(cfg, a2a.AgentVision),
		a2a.AgentSupplier: agentURL(cfg, a2a.AgentSupplier),
	}
	resolver := a2a.NewResolver(endpoints, cfg.Agents.DiscoveryTTL.Std(), nil, logger)
	client := a2a.NewClient(nil, logger)

	var analyzer workflow.Analyzer
	if cfg.Agents.VisionMode == config.ModeLocal {
		router, err := app.Providers(cfg.Providers, logger)
		if err != nil {
			logger.Warn("some providers could not be registered", zap.Error(err))
		}
		local := app.LocalAnalyzer(cfg, router, logger)
		mountAgent(mux, a2a.AgentVision, endpoints[a2a.AgentVision], local.HandleAgentMessage, logger)
		analyzer = local
	} else {
		analyzer = vision.NewRemoteAnalyzer(client, endpointOf(resolver, a2a.AgentVision), cfg.Vision.MaxImageKB, logger)
	}

	var matcher workflow.Matcher
	cleanup := app.Cleanup(func() {})
	if cfg.Agents.SupplierMode == config.ModeLocal {
		local, done, err := app.LocalMatcher(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		cleanup = done
		mountAgent(mux, a2a.AgentSupplier, endpoints[a2a.AgentSupplier], local.HandleAgentMessage, logger)
		matcher = local
	} else {
		matcher = catalog.NewRemoteMatcher(client, endpointOf(resolver, a2a.AgentSupplier), logger)
	}
	defer cleanup()

	orch := workflow.New(workflow.Deps{
		Discoverer: resolver,
		Analyzer:   analyzer,
		Matcher:    matcher,
		Placer:     order.NewStubPlacer(logger),
		Publisher:  broadcaster,
	}, workflow.Config{
		MaxImageBytes: cfg.Workflow.MaxImageBytes,
		StageTimeout:  cfg.Workflow.StageTimeout.Std(),
		StagePause:    cfg.Workflow.StagePause.Std(),
	}, logger)

	// Notifications
	gw := gateway.NewGateway(logger)
	if s := cfg.Gateway.Slack; s.Enabled {
		gw.Register(gateway.NewSlackNotifier(s.BotToken, s.Channel, logger))
	}
	if d := cfg.Gateway.Discord; d.Enabled {
		gw.Register(gateway.NewDiscordNotifier(d.BotToken, d.ChannelID, logger))
	}
	if wh := cfg.Gateway.Webhook; wh.Enabled {
		gw.Register(gateway.NewWebhookNotifier(wh.URL, logger))
	}
	if err := gw.ConnectAll(ctx); err != nil {
		logger.Warn("some notifiers failed to connect", zap.Error(err))
	}

	var mirror *eventbus.Mirror
	if cfg.Database.Redis.URL != "" {
		m, err := eventbus.Connect(ctx, cfg.Database.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without event mirror", zap.Error(err))
		} else {
			mirror = m
		}
	}

	handler := api.NewHandler(orch, resolver, broadcaster, api.Options{
		VisionURL:     endpoints[a2a.AgentVision],
		SupplierURL:   endpoints[a2a.AgentSupplier],
		StaticDir:     cfg.Server.StaticDir,
		TestImagesDir: cfg.Server.TestImagesDir,
		CORSOrigins:   cfg.Server.CORSOrigins,
		Notices:       gw.History,
	}, logger)
	mux.Mount("/", handler.Router())

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Control tower listening", zap.String("addr", srv.Addr),
			zap.String("vision", cfg.Agents.VisionMode), zap.String("supplier", cfg.Agents.SupplierMode),
			zap.String("catalog", cfg.Catalog.Backend))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		gw.Run(gctx, broadcaster)
		return nil
	})
	if mirror != nil {
		g.Go(func() error {
			mirror.Run(gctx, broadcaster)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down control tower...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("workflow did not stop in time", zap.Error(err))
		}
		broadcaster.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		gw.Close()
		if mirror != nil {
			mirror.Close()
		}
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// agentURL is the configured base URL of an agent. A local agent without a
// URL is served by this process under /agents/<key>.
func agentURL(cfg *config.Config, key a2a.AgentKey) string {
	url, mode := cfg.Agents.SupplierURL, cfg.Agents.SupplierMode
	if key == a2a.AgentVision {
		url, mode = cfg.Agents.VisionURL, cfg.Agents.VisionMode
	}
	if url == "" && mode == config.ModeLocal {
		url = fmt.Sprintf("http://127.0.0.1:%d/agents/%s", cfg.Server.Port, key)
	}
	return url
}

// mountAgent exposes an in-process capability as an A2A agent so that
// discovery reads a real card.
func mountAgent(mux chi.Router, key a2a.AgentKey, url string, exec a2a.Executor, logger *zap.Logger) {
	srv := a2a.NewServer(string(key), app.Card(key, url+"/"), exec, logger.With(zap.String("agent", string(key))))
	mux.Mount("/agents/"+string(key), srv.Router())
}

// endpointOf returns the endpoint advertised by the discovered card, falling
// back to the configured base URL.
func endpointOf(r *a2a.Resolver, key a2a.AgentKey) func() string {
	return func() string {
		for _, d := range r.Cached() {
			if d.Key == key && d.EndpointURL != "" {
				return d.EndpointURL
			}
		}
		return r.BaseURL(key)
	}
}
