package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dskrypa/hass-nest-web/internal/api"
	"github.com/dskrypa/hass-nest-web/internal/audit"
	"github.com/dskrypa/hass-nest-web/internal/config"
	"github.com/dskrypa/hass-nest-web/internal/coordinator"
	"github.com/dskrypa/hass-nest-web/internal/entity"
	"github.com/dskrypa/hass-nest-web/internal/hass"
	"github.com/dskrypa/hass-nest-web/internal/metrics"
	"github.com/dskrypa/hass-nest-web/internal/nest"
	"github.com/dskrypa/hass-nest-web/internal/platform"
	"github.com/dskrypa/hass-nest-web/internal/shadowstate"
)

func main() {
	// Load environment variables
	envErr := godotenv.Load()

	configPath := flag.String("config", os.Getenv("NEST_WEB_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.Level())
	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Nest web bridge failed", zap.Error(err))
	}
	logger.Info("Shut down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting Nest web bridge",
		zap.Duration("refresh_interval", cfg.RefreshInterval()),
		zap.Strings("structures", cfg.NestWeb.Structure),
		zap.String("mqtt_broker", cfg.MQTT.Broker))

	token, err := cfg.RefreshToken()
	if err != nil {
		return err
	}
	overrides := cfg.NestWeb.Overrides
	auth, err := nest.NewAuthenticator(ctx, nest.AuthConfig{
		RefreshToken: token,
		ClientID:     overrides.ClientID,
		TokenURL:     overrides.TokenURL,
		IssueJWTURL:  overrides.AuthURL,
		Logger:       logger.Named("auth"),
	})
	if err != nil {
		return fmt.Errorf("failed to create authenticator: %w", err)
	}
	client := nest.NewClient(auth, nest.Options{
		BaseURL:        overrides.BaseURL,
		UserAgent:      overrides.UserAgent,
		RequestTimeout: overrides.RequestTimeout,
	}, logger)

	// Observers. The collector reads the graph at scrape time, after coord is set.
	var coord *coordinator.Coordinator
	tracker := shadowstate.NewTracker(shadowstate.DefaultCapacity)
	collector := metrics.NewCollector(metrics.GraphFunc(func() *coordinator.Graph { return coord.Graph() }))

	db, err := audit.OpenDB(cfg.Audit.Path)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer db.Close()
	store := audit.NewStore(db)
	recorder := audit.NewRecorder(store, 256, logger)

	coord = coordinator.New(client, coordinator.Config{
		RefreshInterval: cfg.RefreshInterval(),
		Structures:      cfg.NestWeb.Structure,
	}, logger,
		coordinator.WithObserver(collector),
		coordinator.WithObserver(tracker),
		coordinator.WithObserver(recorder),
	)
	defer func() {
		if err := coord.Close(); err != nil {
			logger.Warn("Failed to close coordinator", zap.Error(err))
		}
	}()

	if err := coord.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize Nest web: %w", err)
	}

	// Entities
	queue := entity.NewQueue(0)
	registry := platform.NewRegistry(logger)
	if err := platform.RegisterBuiltin(registry); err != nil {
		return err
	}
	entities, err := registry.CreateAll(platform.NewContext(coord, queue, logger, cfg.NestWeb.FanDuration))
	if err != nil {
		return err
	}
	defer func() {
		for _, e := range entities {
			if c, ok := e.(interface{ Close() }); ok {
				c.Close()
			}
		}
	}()
	logger.Info("Created entities", zap.Int("count", len(entities)), zap.Strings("platforms", registry.Names()))

	// MQTT
	topics := hass.Topics{DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix, Base: cfg.MQTT.BaseTopic}
	broker, err := hass.NewPahoBroker(hass.MQTTConfig{
		Broker:            cfg.MQTT.Broker,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		ClientID:          cfg.MQTT.ClientID,
		AvailabilityTopic: topics.Availability(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to MQTT: %w", err)
	}
	defer broker.Disconnect()

	host := hass.NewHost(broker, entities, queue, hass.Config{
		Topics:       topics,
		ScanInterval: cfg.ScanInterval,
	}, logger,
		hass.WithRecorder(recorder),
		hass.WithRecorder(collector),
	)

	// HTTP API
	server := api.NewServer(api.Options{
		Port:           cfg.API.Port,
		Entities:       entities,
		Coordinator:    coord,
		Decisions:      tracker,
		Events:         store,
		Metrics:        metrics.Handler(metrics.NewRegistry(collector)),
		StreamInterval: cfg.API.StreamInterval,
	}, logger)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			logger.Warn("Failed to stop HTTP API server", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return recorder.Run(gctx) })
	g.Go(func() error { return host.Run(gctx) })

	logger.Info("Nest web bridge running. Press Ctrl+C to exit.")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutting down gracefully...")
	return nil
}
