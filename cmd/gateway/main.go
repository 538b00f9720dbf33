package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/iflabx/opencane-gateway/internal/adapter"
	"github.com/iflabx/opencane-gateway/internal/api"
	"github.com/iflabx/opencane-gateway/internal/audio"
	"github.com/iflabx/opencane-gateway/internal/config"
	"github.com/iflabx/opencane-gateway/internal/digitaltask"
	"github.com/iflabx/opencane-gateway/internal/metrics"
	"github.com/iflabx/opencane-gateway/internal/policy"
	"github.com/iflabx/opencane-gateway/internal/runtime"
	"github.com/iflabx/opencane-gateway/internal/session"
	"github.com/iflabx/opencane-gateway/internal/store"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env", "", "path to a .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "http", "", "control API listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace..error)")
	flag.StringVar(&overrides.Adapter, "adapter", "", "device adapter (websocket, ec600, generic_mqtt, mock)")
	flag.StringVar(&overrides.MQTTHost, "mqtt-host", "", "MQTT broker host")
	flag.StringVar(&overrides.LifelogDB, "lifelog-db", "", "lifelog SQLite path")
	flag.Parse()

	early := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load(overrides)
	if err != nil {
		early.Fatal().Err(err).Msg("failed to load config")
	}

	log := newLogger(cfg)
	log.Info().Str("version", version).Str("adapter", cfg.Adapter).Msg("opencane gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores
	lifelog, err := store.NewLifelogStore(cfg.LifelogDBPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open lifelog store")
	}
	defer lifelog.Close()

	taskStore, err := store.NewTaskStore(cfg.DigitalTask.SQLitePath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open task store")
	}
	defer taskStore.Close()

	obsStore, err := store.NewObservabilityStore(cfg.ObservabilityDBPath, cfg.ControlAPI.ObservabilityMaxSamples, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open observability store")
	}
	defer obsStore.Close()

	// Device adapter
	deviceAdapter, stopWatch, err := adapter.Build(cfg, log.With().Str("component", "adapter").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build adapter")
	}
	defer stopWatch()

	// Digital tasks. The executor is an external collaborator; without one
	// configured, tasks fail fast with a clear error instead of hanging.
	tasks := digitaltask.NewService(digitaltask.Options{
		Store:                 taskStore,
		Executor:              unconfiguredExecutor,
		DefaultTimeoutSeconds: cfg.DigitalTask.DefaultTimeoutSeconds,
		MaxConcurrentTasks:    cfg.DigitalTask.MaxConcurrentTasks,
		StatusRetryCount:      cfg.DigitalTask.StatusRetryCount,
		StatusRetryBackoffMs:  int(cfg.DigitalTask.StatusRetryBackoff.Milliseconds()),
		Log:                   log,
	})

	// Runtime orchestrator
	core := runtime.NewCore(runtime.Options{
		Adapter:  deviceAdapter,
		Sessions: session.NewManager(lifelog, log),
		Audio: audio.NewPipeline(audio.Options{
			MaxBytes:         int64(cfg.Audio.MaxBytes),
			EnableVAD:        cfg.Audio.VADEnabled,
			PrebufferChunks:  cfg.Audio.PrebufferChunks,
			JitterWindow:     cfg.Audio.JitterWindow,
			VADSilenceChunks: cfg.Audio.VADSilenceChunks,
			Log:              log,
		}),
		Lifelog:                 lifelog,
		Tasks:                   tasks,
		Safety:                  buildSafetyPolicy(cfg),
		Interaction:             buildInteractionPolicy(cfg),
		TTSMode:                 cfg.TTSMode,
		TTSAudioChunkBytes:      cfg.TTSAudioChunkBytes,
		NoHeartbeatTimeout:      time.Duration(cfg.NoHeartbeatTimeoutS) * time.Second,
		DeviceAuthEnabled:       cfg.DeviceAuthEnabled,
		AllowUnboundDevices:     cfg.AllowUnboundDevices,
		RequireActivatedDevices: cfg.RequireActivatedDevices,
		Log:                     log,
	})
	tasks.SetStatusCallback(core.PushTaskUpdateFromPayload)

	if recovered := tasks.RecoverUnfinishedTasks(ctx, 100); recovered > 0 {
		log.Info().Int("count", recovered).Msg("recovered unfinished digital tasks")
	}

	if err := core.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start device runtime")
	}

	// Control API
	srv := api.NewServer(cfg, api.Deps{
		Runtime:   core,
		Tasks:     tasks,
		Lifelog:   lifelog,
		Obs:       api.NewObservabilityRecorder(cfg.ControlAPI.ObservabilityMaxSamples, obsStore, log),
		Metrics:   metrics.InstrumentHandler(promhttp.Handler()),
		Version:   version,
		StartTime: startTime,
	}, log.With().Str("component", "http").Logger())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if err := core.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("device runtime shutdown error")
	}
	tasks.Shutdown(shutdownCtx)

	log.Info().Msg("opencane gateway stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.LogFormat == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger().Level(level)
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
}

func buildSafetyPolicy(cfg *config.Config) *policy.SafetyPolicy {
	sp := policy.NewSafetyPolicy()
	if cfg.Safety.MaxOutputChars > 0 {
		sp.MaxOutputChars = cfg.Safety.MaxOutputChars
	}
	if cfg.Safety.ConfidenceThreshold > 0 {
		sp.LowConfidenceThreshold = cfg.Safety.ConfidenceThreshold
	}
	return sp
}

func buildInteractionPolicy(cfg *config.Config) *policy.InteractionPolicy {
	ip := policy.NewInteractionPolicy()
	if cfg.Interaction.QuietHoursStart >= 0 && cfg.Interaction.QuietHoursEnd >= 0 {
		ip.QuietHoursEnabled = true
		ip.QuietHoursStartHour = cfg.Interaction.QuietHoursStart
		ip.QuietHoursEndHour = cfg.Interaction.QuietHoursEnd
	}
	sources := map[string]bool{}
	for _, src := range strings.Split(cfg.Interaction.ProactiveSources, ",") {
		if src = strings.TrimSpace(src); src != "" {
			sources[src] = true
		}
	}
	if len(sources) > 0 {
		ip.ProactiveSources = sources
	}
	return ip
}

// unconfiguredExecutor stands in until an agent executor is wired via
// deployment-specific integration.
func unconfiguredExecutor(ctx context.Context, goal, sessionID string) (digitaltask.ExecutorResult, error) {
	return digitaltask.ExecutorResult{}, errors.New("digital task executor is not configured")
}
