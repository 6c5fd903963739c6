package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	transcriptengine "github.com/snarg/transcript-engine"
	"github.com/snarg/transcript-engine/internal/align"
	"github.com/snarg/transcript-engine/internal/api"
	"github.com/snarg/transcript-engine/internal/config"
	"github.com/snarg/transcript-engine/internal/database"
	"github.com/snarg/transcript-engine/internal/diarize"
	"github.com/snarg/transcript-engine/internal/events"
	"github.com/snarg/transcript-engine/internal/ingest"
	"github.com/snarg/transcript-engine/internal/jobs"
	"github.com/snarg/transcript-engine/internal/metrics"
	"github.com/snarg/transcript-engine/internal/mqttclient"
	"github.com/snarg/transcript-engine/internal/pipeline"
	"github.com/snarg/transcript-engine/internal/retry"
	"github.com/snarg/transcript-engine/internal/storage"
	"github.com/snarg/transcript-engine/internal/summarize"
	"github.com/snarg/transcript-engine/internal/transcribe"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "Postgres URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.AudioDir, "audio-dir", "", "audio directory (overrides AUDIO_DIR)")
	flag.StringVar(&overrides.WatchDir, "watch-dir", "", "inbox directory (overrides WATCH_DIR)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("transcript-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := api.HealthDeps{}

	// Job store: Postgres when configured, memory otherwise
	var store jobs.Store
	var db *database.DB
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = database.Connect(ctx, cfg.DatabaseURL, cfg.Workers, dbLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.InitSchema(ctx, transcriptengine.SchemaSQL); err != nil {
			log.Fatal().Err(err).Msg("failed to initialize schema")
		}
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate schema")
		}
		store = db.Jobs()
		health.Database = api.PingFunc(db.HealthCheck)
	} else {
		log.Warn().Msg("DATABASE_URL not set, jobs are kept in memory and lost on restart")
		store = jobs.NewMemStore()
	}

	// Audio storage
	storeLog := log.With().Str("component", "storage").Logger()
	audio, services, err := storage.New(cfg.S3, cfg.AudioDir, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize audio storage")
	}
	for _, svc := range services {
		svc.Start()
		defer svc.Stop()
	}

	// Engines
	var transcriber transcribe.Provider
	switch cfg.STTProvider {
	case "deepinfra":
		transcriber = transcribe.NewDeepInfraClient(cfg.DeepInfraAPIKey, cfg.DeepInfraModel, cfg.StageTimeout)
	default:
		transcriber = transcribe.NewWhisperClient(cfg.WhisperURL, cfg.WhisperModel, cfg.StageTimeout, transcribe.WhisperOptions{
			Language: cfg.WhisperLanguage,
			Prompt:   cfg.WhisperPrompt,
			APIKey:   cfg.WhisperAPIKey,
		})
	}
	var diarizer diarize.Provider
	switch cfg.DiarizeProvider {
	case "elevenlabs":
		diarizer = diarize.NewElevenLabsClient(cfg.ElevenLabsAPIKey, cfg.ElevenLabsModel, cfg.StageTimeout)
	default:
		diarizer = diarize.NewHTTPClient(cfg.DiarizeURL, cfg.DiarizeAPIKey, cfg.StageTimeout)
	}
	log.Info().
		Str("stt", transcriber.Name()).
		Str("stt_model", transcriber.Model()).
		Str("diarizer", cfg.DiarizeProvider).
		Msg("engines configured")

	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Timeout:     cfg.StageTimeout,
	}

	// Summary cache: Redis when configured, memory otherwise
	var cache summarize.Cache
	if cfg.RedisAddr != "" {
		rc, err := summarize.NewRedisCache(ctx, summarize.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
		}
		defer rc.Close()
		cache = rc
		health.Cache = rc
	} else {
		cache = summarize.NewMemCache()
	}
	summaries := summarize.NewService(store,
		summarize.NewChatClient(cfg.LLMURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.StageTimeout),
		cache, policy, log.With().Str("component", "summarize").Logger())
	editor := jobs.NewEditor(store, summaries, log.With().Str("component", "editor").Logger())

	// Events: SSE bus always, MQTT when a broker is configured
	bus := events.NewBus(512)
	publishers := events.Multi{bus}
	var mqtt *mqttclient.Client
	var mqttEvents *mqttclient.Events
	if cfg.MQTTBrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topics:    []string{mqttclient.CommandFilter(cfg.MQTTTopicPrefix)},
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Log:       mqttLog,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		mqttEvents = mqttclient.NewEvents(mqtt, cfg.MQTTTopicPrefix, mqttLog)
		publishers = append(publishers, mqttEvents)
		health.MQTT = mqtt
	}

	// Pipeline
	orch := pipeline.New(pipeline.Options{
		Store:       store,
		Audio:       audio,
		Transcriber: transcriber,
		Diarizer:    diarizer,
		AlignConfig: align.Config{
			GapTolerance:   cfg.AlignGapTolerance,
			MinDuration:    cfg.AlignMinDuration,
			MaxDuration:    cfg.AlignMaxDuration,
			DefaultSpeaker: cfg.AlignDefaultSpeaker,
		},
		Invalidator: summaries,
		Events:      publishers,
		Retry:       policy,
		Workers:     cfg.Workers,
		QueueSize:   cfg.QueueSize,
		AutoAdvance: cfg.AutoAdvance,
		Log:         log,
	})
	orch.Start()
	failed, queued, err := orch.Recover(ctx)
	if err != nil {
		log.Error().Err(err).Msg("startup recovery failed")
	} else if failed > 0 || queued > 0 {
		log.Info().Int("failed", failed).Int("requeued", queued).Msg("startup recovery complete")
	}
	health.Queue = orch.Stats

	if mqtt != nil {
		mqtt.SetMessageHandler(mqttEvents.CommandHandler(ctx, orch))
	}

	janitor := pipeline.NewJanitor(orch, cfg.Retention, log.With().Str("component", "janitor").Logger())
	janitor.Start()

	// Inbox watcher
	var watcher *ingest.FileWatcher
	if cfg.WatchDir != "" {
		watcher = ingest.NewFileWatcher(orch, cfg.WatchDir, cfg.MaxUploadMB<<20, log.With().Str("component", "watcher").Logger())
		if err := watcher.Start(); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.WatchDir).Msg("failed to start file watcher")
		}
		health.Watcher = watcher.Status
	}

	// Metrics
	collector := metrics.NewCollector(nil, orch)
	if db != nil {
		collector = metrics.NewCollector(db.Pool, orch)
	}
	prometheus.MustRegister(collector)

	// HTTP Server
	srv := api.NewServer(api.ServerOptions{
		Config:    cfg,
		Pipeline:  orch,
		Store:     store,
		Editor:    editor,
		Summaries: summaries,
		Events:    bus,
		Health:    health,
		Version:   version,
		StartTime: startTime,
		Log:       log.With().Str("component", "http").Logger(),
	})

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if watcher != nil {
		watcher.Stop()
	}
	janitor.Stop()
	orch.Stop()

	log.Info().Msg("transcript-engine stopped")
}
