package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/casevault/evidencesync/internal/config"
	"github.com/casevault/evidencesync/internal/evidence"
	"github.com/casevault/evidencesync/internal/httpapi"
	"github.com/casevault/evidencesync/internal/hub"
)

func main() {
	configPath := flag.String("config", os.Getenv("EVIDENCESYNC_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("evidencesync: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	vault, ledgerStore, err := evidence.BuildStoresFromDSN(cfg.StoreDSN)
	if err != nil {
		log.Fatalf("evidencesync: build stores: %v", err)
	}
	ledger := evidence.NewLedger(ledgerStore)

	mirror, err := buildMirror(cfg.Mirror, ledger)
	if err != nil {
		log.Fatalf("evidencesync: build mirror: %v", err)
	}
	blobs, err := buildBlobs(cfg.Blobs)
	if err != nil {
		log.Fatalf("evidencesync: build blob store: %v", err)
	}
	locker, err := evidence.BuildCaseLockerFromDSN(cfg.LockDSN)
	if err != nil {
		log.Fatalf("evidencesync: build case locker: %v", err)
	}

	eventHub := hub.New(hub.Options{
		QueueSize:        cfg.HubQueueSize,
		HeartbeatTimeout: cfg.HeartbeatTimeout.Duration,
		Logger:           logger,
	})
	eventHub.Start()
	defer eventHub.Close()

	engine := evidence.NewEngine(evidence.EngineOptions{
		Vault:         vault,
		Ledger:        ledger,
		Mirror:        mirror,
		Blobs:         blobs,
		Events:        eventHub,
		Logger:        logger,
		SkewTolerance: cfg.SkewTolerance.Duration,
	})
	scheduler := evidence.NewScheduler(evidence.SchedulerOptions{
		Engine:   engine,
		Locker:   locker,
		Vault:    vault,
		Logger:   logger,
		Debounce: cfg.SyncDebounce.Duration,
		LockTTL:  cfg.LockTTL.Duration,
		Interval: cfg.SyncInterval.Duration,
	})
	scheduler.Start()
	defer scheduler.Close()

	broker := evidence.NewBroker(evidence.BrokerOptions{
		Vault:       vault,
		Ledger:      ledger,
		Blobs:       blobs,
		Events:      eventHub,
		Trigger:     scheduler,
		Logger:      logger,
		Secret:      []byte(cfg.CallbackSecret),
		SessionTTL:  cfg.SessionTTL.Duration,
		MaxSkew:     cfg.CallbackMaxSkew.Duration,
		EditorURL:   cfg.EditorURL,
		CallbackURL: cfg.CallbackURL,
	})
	go expireLoop(broker)

	server := httpapi.NewServer(httpapi.ServerDeps{
		Vault:     vault,
		Ledger:    ledger,
		Blobs:     blobs,
		Broker:    broker,
		Scheduler: scheduler,
		Hub:       eventHub,
		Logger:    logger,
	}, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow.Duration,
		MaxBodyBytes:    cfg.MaxBodyBytes,
	})

	logger.Info("listening", "addr", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, server); err != nil {
		log.Fatalf("evidencesync: %v", err)
	}
}

func buildMirror(cfg config.MirrorConfig, ledger *evidence.Ledger) (evidence.MirrorAdapter, error) {
	switch cfg.Kind {
	case "", "memory":
		return evidence.NewMemoryMirror(ledger.Compute), nil
	case "minio":
		return evidence.NewMinioMirror(evidence.MinioOptions{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			UseSSL:    cfg.UseSSL,
		})
	default:
		log.Fatalf("evidencesync: unknown mirror kind %q", cfg.Kind)
		return nil, nil
	}
}

func buildBlobs(cfg config.BlobConfig) (evidence.BlobStore, error) {
	switch cfg.Kind {
	case "", "memory":
		return evidence.NewMemoryBlobStore(), nil
	case "minio":
		return evidence.NewMinioBlobStore(evidence.MinioOptions{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			UseSSL:    cfg.UseSSL,
		})
	default:
		log.Fatalf("evidencesync: unknown blob store kind %q", cfg.Kind)
		return nil, nil
	}
}

func expireLoop(broker *evidence.Broker) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		broker.ExpireStale(context.Background())
	}
}
