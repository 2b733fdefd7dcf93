package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/enclave/internal/cache"
	"github.com/dshills/enclave/internal/config"
	"github.com/dshills/enclave/internal/events"
	"github.com/dshills/enclave/internal/exec"
	"github.com/dshills/enclave/internal/filestore"
	"github.com/dshills/enclave/internal/logging"
	"github.com/dshills/enclave/internal/sandbox"
	"github.com/dshills/enclave/internal/store"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		return 1
	}

	log := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	defer func() { _ = log.Sync() }()

	repo, kv, closeStore, err := buildStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open plugin store: %v\n", err)
		return 1
	}
	defer closeStore()

	files, err := buildFiles(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open file storage: %v\n", err)
		return 1
	}

	ch, closeCache, err := buildCache(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect cache: %v\n", err)
		return 1
	}
	defer closeCache()

	pub, consumer, closeEvents, err := buildEvents(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect event broker: %v\n", err)
		return 1
	}
	defer closeEvents()

	registry, err := sandbox.DefaultRegistry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	engine := sandbox.NewEngine(registry, log)
	defer engine.Cleanup()

	svc := exec.NewService(exec.Options{
		Repository:       repo,
		KV:               kv,
		Files:            files,
		Cache:            ch,
		Events:           pub,
		Engine:           engine,
		Log:              log,
		Environment:      cfg.Environment,
		PlatformVersion:  cfg.Platform.Version,
		PlatformServices: cfg.Platform.Services,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Infow("shutting down", "signal", sig.String())
		cancel()
	}()

	log.Infow("enclaved started",
		"version", version,
		"environment", cfg.Environment,
		"store", cfg.Store.Driver,
		"files", cfg.Files.Driver,
		"cache", cfg.Cache.Driver,
		"events", cfg.Events.Driver)

	if consumer != nil {
		err := consumer.Run(ctx, svc.HandleQueueMessage)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("consumer stopped", "error", err)
			return 1
		}
	} else {
		// No queue configured: stay up for direct use until signaled.
		<-ctx.Done()
	}

	log.Infow("enclaved stopped")
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildStore returns the plugin repository and document store, which the
// mysql and memory drivers both serve from one backend.
func buildStore(cfg *config.Config) (store.PluginRepository, store.KVStore, func(), error) {
	switch cfg.Store.Driver {
	case "mysql":
		m, err := store.NewMySQL(store.MySQLOptions{
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return m, m, func() { _ = m.Close() }, nil
	default:
		mem := store.NewMemory()
		return mem, mem, func() {}, nil
	}
}

func buildFiles(cfg *config.Config) (filestore.FileStorage, error) {
	switch cfg.Files.Driver {
	case "disk":
		return filestore.NewDisk(cfg.Files.Root)
	default:
		return filestore.NewMemory(), nil
	}
}

func buildCache(cfg *config.Config) (cache.Cache, func(), error) {
	switch cfg.Cache.Driver {
	case "redis":
		r, err := cache.NewRedis(cache.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return cache.NewMemory(), func() {}, nil
	}
}

// buildEvents returns the publisher and, for the rabbitmq driver, the
// execution-queue consumer. The memory driver has no queue to consume.
func buildEvents(cfg *config.Config) (events.Publisher, *events.Consumer, func(), error) {
	switch cfg.Events.Driver {
	case "rabbitmq":
		pub, err := events.NewRabbit(events.RabbitOptions{
			URL:      cfg.Events.URL,
			Exchange: cfg.Events.Exchange,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		consumer, err := events.NewConsumer(events.ConsumerOptions{
			URL:   cfg.Events.URL,
			Queue: cfg.Events.ExecutionQueue,
		})
		if err != nil {
			_ = pub.Close()
			return nil, nil, nil, err
		}
		closeAll := func() {
			_ = consumer.Close()
			_ = pub.Close()
		}
		return pub, consumer, closeAll, nil
	default:
		return events.NewMemory(), nil, func() {}, nil
	}
}
