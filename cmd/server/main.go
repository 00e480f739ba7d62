// Package main is the entry point for the trendwatch transaction observer.
// It polls a ledger fullnode for transactions, classifies and persists the
// interesting ones, scores them with an ensemble of small neural models and
// periodically retrains and publishes fresh models.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trendwatch/internal/blobstore"
	"trendwatch/internal/broadcast"
	"trendwatch/internal/chain"
	"trendwatch/internal/config"
	"trendwatch/internal/cursor"
	"trendwatch/internal/ensemble"
	"trendwatch/internal/ingest"
	"trendwatch/internal/scheduler"
	"trendwatch/internal/server"
	"trendwatch/internal/training"
	"trendwatch/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting trendwatch")

	// Cursor/state database: poll position and training-run history.
	store, err := cursor.Open(cfg.CursorDBPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state database")
	}
	defer store.Close()

	// Event source and ingestion pipeline.
	chainClient := chain.NewClient(cfg.ChainRPCURL, log)
	sink := ingest.NewFileSink(cfg.TransactionsDir(), log)
	buffer := ingest.NewBuffer(chainClient, sink, store, ingest.Config{
		Capacity:      cfg.BufferCapacity,
		PollLimit:     cfg.PollLimit,
		PullPageLimit: cfg.PullPageLimit,
		PullTarget:    cfg.PullTarget,
		PullPageDelay: cfg.PullPageDelay,
		FlushInterval: cfg.FlushInterval,
		DedupCeiling:  cfg.DedupCeiling,
		Categories:    cfg.Categories,
	}, log)

	// Model archive store.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	blob, err := blobstore.New(startupCtx, blobstore.Config{
		Endpoint:  cfg.BlobEndpoint,
		Region:    cfg.BlobRegion,
		Bucket:    cfg.BlobBucket,
		AccessKey: cfg.BlobAccessKey,
		SecretKey: cfg.BlobSecretKey,
		Retain:    cfg.BlobRetain,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize blob store")
	}

	// Optional on-chain registry gateway.
	var gateway training.RegistryGateway
	if cfg.RegistryEnabled {
		registryClient, err := chain.NewRegistryClient(
			chainClient, cfg.RegistryPackage, cfg.RegistryObjectID, cfg.RegistryToken, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize registry client")
		}
		gateway = registryClient
	}

	hub := broadcast.NewHub(log)
	registry := ensemble.NewRegistry()
	predictor := ensemble.NewPredictor(registry, log)

	trainer := training.NewTrainer(
		buffer, blob, gateway, hub, store,
		registry, predictor,
		training.NewRandomThresholdLabeler(time.Now().UnixNano()),
		training.Config{
			Categories:      cfg.Categories,
			FeatureLength:   cfg.FeatureLength,
			RawFeatureLen:   cfg.RawFeatureLen,
			TrainWindow:     cfg.TrainWindow,
			AutoTrainWindow: cfg.AutoTrainWindow,
			TrainEpochs:     cfg.TrainEpochs,
			AutoTrainEpochs: cfg.AutoTrainEpochs,
		}, log)

	// Resume with the currently published ensemble when a registry is
	// available; a fresh deployment has none yet.
	if gateway != nil {
		if err := trainer.ReloadLatest(startupCtx); err != nil {
			log.Warn().Err(err).Msg("No ensemble reloaded at startup, waiting for first training run")
		}
	}

	srv := server.New(server.Deps{
		Log:       log,
		Config:    cfg,
		Buffer:    buffer,
		Census:    sink,
		Registry:  registry,
		Predictor: predictor,
		Trainer:   trainer,
		Runs:      store,
		Archives:  blob,
		Hub:       hub,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Background jobs: poll cycle, interval flush, optional retrain.
	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.PollSchedule, &scheduler.PollJob{Buffer: buffer}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register poll job")
	}
	if err := sched.AddJob("@every 1m", &scheduler.FlushJob{Buffer: buffer}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register flush job")
	}
	if cfg.TrainSchedule != "" {
		if err := sched.AddJob(cfg.TrainSchedule, &scheduler.RetrainJob{Trainer: trainer}); err != nil {
			log.Fatal().Err(err).Msg("Failed to register retrain job")
		}
	}
	sched.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	sched.Stop()
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Flush whatever is still buffered so no observed event is lost.
	buffer.Close()

	log.Info().Msg("Trendwatch stopped")
}
