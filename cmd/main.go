package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"imagegen-worker/config"
	"imagegen-worker/engine/httpengine"
	"imagegen-worker/health"
	"imagegen-worker/metrics"
	"imagegen-worker/queues"
	qpubsub "imagegen-worker/queues/pubsub"
	"imagegen-worker/styles"
	"imagegen-worker/taskqueue"
	"imagegen-worker/worker"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if len(os.Getenv("CONSOLE_LOG")) > 0 {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	setLogger(os.Getenv("WORKER_LOG_LEVEL"))
	log.Info().Msgf("Starting imagegen-worker version: %s", version)
	// Load config
	cfg := config.Load()
	setLogger(cfg.LogLevel)
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	// Preflight required configuration
	if cfg.GoogleProjectID == "" {
		log.Fatal().Msg("missing Google project id; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or WORKER_PUBSUB_PROJECT_ID")
	}
	if cfg.Subscription == "" {
		log.Fatal().Msg("missing Pub/Sub subscription; set GENERATION_REQUEST_SUBSCRIPTION or WORKER_PUBSUB_SUBSCRIPTION")
	}
	if cfg.PubsubTopic == "" {
		log.Fatal().Msg("missing Pub/Sub topic; set GENERATION_RESULT_TOPIC or WORKER_PUBSUB_TOPIC")
	}

	lib, err := styles.Load(cfg.StylesFile)
	if err != nil {
		log.Fatal().Err(err).Str("stylesFile", cfg.StylesFile).Msg("failed to load style presets")
	}
	log.Info().Int("styles", len(lib.Names())).Msg("style presets loaded")

	// Context and shutdown handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue := taskqueue.NewQueueManager(cfg.QueueCapacity, cfg.QueueHistory)
	eng := httpengine.NewClient(httpengine.Options{BaseURL: cfg.EngineURL, Timeout: cfg.EngineTimeout})
	w := worker.NewWorker(queue, eng, lib, worker.LogRecorder{}, worker.Options{
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		InpaintPatchModel: cfg.InpaintPatchModel,
	})

	// Metrics and health HTTP server
	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux, queue)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting metrics/health server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	if cfg.CredentialsFile != "" {
		log.Info().Str("credsFile", cfg.CredentialsFile).Msg("using explicit Google credentials file")
	} else {
		log.Info().Msg("using default Google credentials (in-cluster or ambient)")
	}
	publisher := qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.PubsubTopic, cfg.CredentialsFile)
	controller := worker.NewController(publisher, w)
	subscriber := qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.Subscription, cfg.CredentialsFile, qpubsub.ReceiveOptions{
		MaxOutstanding: queue.Capacity(),
		MaxExtension:   cfg.ReceiveMaxExtension,
	})

	// Start subscriber loop
	go func() {
		log.Info().Str("subscription", cfg.Subscription).Int("queueCapacity", queue.Capacity()).Msg("starting subscriber loop")
		if err := subscriber.Start(ctx, func(ctx context.Context, req *queues.GenerationRequest) error {
			return controller.Handle(ctx, req)
		}); err != nil {
			// Non-recoverable: if we can't receive from Pub/Sub, terminate the process
			log.Fatal().Err(err).Msg("subscriber exited with fatal error; shutting down")
		}
	}()

	// Block until shutdown
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	log.Info().Interface("queue", queue.Snapshot()).Msg("shutdown complete")
}
