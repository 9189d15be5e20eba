package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"oceanflow/config"
	"oceanflow/internal/channel"
	"oceanflow/internal/dashboard"
	"oceanflow/internal/metrics"
	"oceanflow/logger"
	"oceanflow/models"
	"oceanflow/processor"
	"oceanflow/reader/ocean"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithEnv("APP_ENV", "LOG_LEVEL").WithFields(logger.Fields{
		"service": cfg.Oceanflow.Name,
		"version": cfg.Oceanflow.Version,
		"env":     env,
		"mode":    cfg.Reader.Mode,
	}).Info("starting oceanflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if strings.ToLower(cfg.Logging.Level) == logger.ReportLevel {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		cw := cfg.Metrics.CloudWatch
		if !logger.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard) {
			log.WithComponent("main").Warn("cloudwatch metrics unavailable; continuing without them")
		}
		log.WithComponent("main").WithField("cloudwatch", logger.CloudWatchEnabled()).Info("metrics publishing configured")
	}
	if cfg.Metrics.Prometheus {
		metrics.Init()
	}

	client, err := ocean.NewClient(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create exchange client")
		os.Exit(1)
	}
	defer client.Close()

	catalog := ocean.NewCatalog(cfg, client)
	symbols, err := catalog.Symbols(ctx, cfg.Reader.Symbols)
	if err != nil {
		if config.IsProductionLike(env) {
			log.WithError(err).Error("failed to resolve markets")
			os.Exit(1)
		}
		log.WithError(err).Warn("failed to resolve markets; continuing with none")
		symbols = nil
	}
	log.WithFields(logger.Fields{"markets": len(symbols)}).Info("resolved markets")

	entries, err := ocean.NewBootstrapper(cfg, client).Bootstrap(ctx, symbols)
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Error("failed to seed order books")
		os.Exit(1)
	}

	events := channel.NewQueue[models.Event]("events")

	tracker := processor.NewTracker(cfg, events, entries)
	if err := tracker.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start tracker")
		os.Exit(1)
	}

	strategy, err := ocean.NewStrategy(cfg, client, events)
	if err != nil {
		log.WithError(err).Error("failed to create market data strategy")
		os.Exit(1)
	}

	server, err := dashboard.NewServer(cfg.Dashboard, log, tracker, catalog)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		events.StartMetricsReporting(ctx, cfg.Logging.ReportInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := strategy.Run(ctx, symbols)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		entry := log.WithComponent("main").WithError(err).WithFields(logger.Fields{"action": ocean.Classify(err).String()})
		entry.Error("market data strategy stopped")
		stop()
	}()

	if server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx, cfg.Oceanflow.Name); err != nil {
				log.WithError(err).Warn("dashboard server stopped")
			}
		}()
	}

	log.Info("all components started successfully")

	<-ctx.Done()
	log.Info("starting graceful shutdown")

	events.Close()
	tracker.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("oceanflow stopped")
}
