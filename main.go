package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookflow/aggregator"
	"bookflow/cache"
	"bookflow/config"
	"bookflow/internal/errorhandler"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/registry"
	"bookflow/server"
	"bookflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Bookflow.Name,
		"version":     cfg.Bookflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting bookflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init()
	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, cfg.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	handler := errorhandler.New(cfg.ErrorHandler.InitialBackoff, cfg.ErrorHandler.MaxBackoff, log)
	defer handler.Stop()
	manager := registry.NewManager(handler, log)
	factory := registry.NewFactory(cfg, handler, manager, log)

	var store cache.Store = cache.NewMemoryStore()
	if cfg.Cache.Redis.Enabled {
		rs, err := cache.NewRedisStore(ctx, cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB, cfg.Cache.Redis.Prefix)
		if err != nil {
			log.WithError(err).WithEnv("REDIS_ADDR").Warn("redis unavailable, using in-memory cache")
		} else {
			store = rs
		}
	}

	merger := aggregator.NewMerger(cfg.Aggregator.MaxDepth, cfg.Aggregator.PricePrecision, cfg.Aggregator.QuantityPrecision)
	data := aggregator.NewDataService(store, merger, cfg.Cache.TTL, log)
	defer data.Close()

	bus := aggregator.NewBus(cfg.Server.EventBuffer)
	defer bus.Close()
	service := aggregator.NewService(factory, cfg.Aggregator, bus, data, log)

	var wg sync.WaitGroup

	if cfg.Network.Enabled {
		monitor := registry.NewNetworkMonitor(cfg.Network.CheckAddress, cfg.Network.CheckInterval, cfg.Network.CheckTimeout, log)
		manager.Watch(monitor)
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.Run(ctx)
		}()
	}

	if srv := server.NewServer(cfg.Server, service, data, registry.Supported, log); srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Error("http server failed")
				cancel()
			}
		}()
	} else {
		log.WithComponent("main").Info("http server disabled")
	}

	var kafkaWriter *writer.KafkaWriter
	if cfg.Storage.Kafka.Enabled {
		kafkaWriter, err = writer.NewKafkaWriter(cfg.Storage.Kafka, bus, service.Exchanges)
		if err != nil {
			log.WithError(err).WithEnv("KAFKA_BROKERS").Error("failed to create kafka writer")
			os.Exit(1)
		}
		if err := kafkaWriter.Start(ctx); err != nil {
			log.WithError(err).Warn("kafka writer failed to start")
		}
	}

	var snapshotWriter *writer.SnapshotWriter
	if cfg.Storage.S3.Enabled {
		snapshotWriter, err = writer.NewSnapshotWriter(ctx, cfg.Storage.S3, cfg.Bookflow.Version, service)
		if err != nil {
			log.WithError(err).Error("failed to create S3 writer")
			os.Exit(1)
		}
		if err := snapshotWriter.Start(ctx); err != nil {
			log.WithError(err).Warn("s3 writer failed to start")
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping snapshot writer")
	}

	if sub := cfg.Subscription; sub.Symbol != "" && len(sub.Exchanges) > 0 {
		if err := service.Subscribe(ctx, sub.Symbol, sub.Exchanges); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"symbol":    sub.Symbol,
				"exchanges": sub.Exchanges,
			}).Warn("initial subscription incomplete")
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown")
	cancel()

	if snapshotWriter != nil {
		log.Info("stopping S3 writer")
		snapshotWriter.Stop()
	}
	if kafkaWriter != nil {
		log.Info("stopping kafka writer")
		kafkaWriter.Stop()
	}

	log.Info("closing exchange connections")
	manager.DisconnectAll()
	factory.DisconnectAll()

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

	log.Info("bookflow stopped")
}
