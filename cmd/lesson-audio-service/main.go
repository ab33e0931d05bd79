// main package for the lesson-audio-service.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/lesson-audio-service/internal/audio"
	"github.com/book-expert/lesson-audio-service/internal/config"
	"github.com/book-expert/lesson-audio-service/internal/core"
	"github.com/book-expert/lesson-audio-service/internal/objectstore"
	"github.com/book-expert/lesson-audio-service/internal/pipeline"
	"github.com/book-expert/lesson-audio-service/internal/synth"
	"github.com/book-expert/lesson-audio-service/internal/worker"
)

const healthCheckTimeout = 10 * time.Second

// ErrNoProvidersEnabled indicates the configuration enables no speech provider.
var ErrNoProvidersEnabled = errors.New("no speech provider enabled in configuration")

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "lesson-audio-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// A temporary logger carries us until configuration tells us where logs
	// belong.
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logsDir := cfg.Paths.BaseLogsDir
	if logsDir == "" {
		logsDir = os.TempDir()
	}

	finalLog, err := setupLogger(logsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runService(ctx, cfg, finalLog)
}

func runService(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.ObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}

	orchestrator, err := buildPipeline(ctx, cfg, store, log)
	if err != nil {
		return err
	}

	jobWorker := worker.New(
		natsConnection, jetstreamContext, workerConfig(cfg), store, orchestrator, log,
	)

	log.System(
		"lesson-audio-service initialized, listening for jobs on subject: %s",
		cfg.NATS.JobsSubject,
	)

	runErr := jobWorker.Run(ctx)
	if runErr != nil {
		return fmt.Errorf("worker stopped: %w", runErr)
	}

	return nil
}

func buildPipeline(
	ctx context.Context,
	cfg *config.Config,
	store core.ObjectStore,
	log *logger.Logger,
) (*pipeline.Orchestrator, error) {
	providers, err := buildProviders(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	batcher, err := synth.NewBatcher(
		providers, cfg.Providers.Default, cfg.Providers.VoiceRoutes, log,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batcher: %w", err)
	}

	runner, err := audio.NewRunner(
		time.Duration(cfg.Audio.FFmpegTimeoutSeconds)*time.Second, log,
	)
	if err != nil {
		return nil, fmt.Errorf("audio toolchain unavailable: %w", err)
	}

	normalizer := audio.NewNormalizer(runner, audio.NormalizeOptions{
		TargetLUFS:    cfg.Audio.TargetLUFS,
		TruePeakDB:    cfg.Audio.TruePeakDB,
		LoudnessRange: cfg.Audio.LoudnessRange,
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
	}, log)

	assembler := audio.NewAssembler(runner, audio.AssembleOptions{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		Bitrate:    cfg.Audio.Bitrate,
		WorkDir:    cfg.Audio.WorkDir,
	}, log)

	masterer := audio.NewMasterer(runner, masterOptions(cfg, log), log)

	return pipeline.New(pipeline.Deps{
		Synth:      batcher,
		Normalizer: normalizer,
		Assembler:  assembler,
		Masterer:   masterer,
		Store:      store,
		Validators: nil,
		Log:        log,
	}, pipeline.Options{
		SampleRate:   cfg.Audio.SampleRate,
		Channels:     cfg.Audio.Channels,
		UploadFolder: cfg.Pipeline.UploadFolder,
		WorkDir:      cfg.Audio.WorkDir,
	}), nil
}

// buildProviders constructs every enabled speech provider. An unreachable
// HTTP service is logged but not fatal at startup; jobs fail transiently and
// retry once it recovers.
func buildProviders(
	ctx context.Context,
	cfg *config.Config,
	log *logger.Logger,
) ([]core.SpeechProvider, error) {
	var providers []core.SpeechProvider

	if cfg.Providers.HTTP.Enabled {
		httpProvider := synth.NewHTTPProvider(synth.HTTPProviderConfig{
			BaseURL: cfg.Providers.HTTP.BaseURL,
			Timeout: time.Duration(cfg.Providers.HTTP.TimeoutSeconds) * time.Second,
			Limits: core.ProviderLimits{
				MaxChars:      cfg.Providers.HTTP.MaxChars,
				MaxItems:      cfg.Providers.HTTP.MaxItems,
				MaxConcurrent: cfg.Providers.HTTP.MaxConcurrent,
			},
		})

		healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)

		healthErr := httpProvider.HealthCheck(healthCtx)

		cancel()

		if healthErr != nil {
			log.Warn("HTTP TTS service not healthy at startup: %v", healthErr)
		}

		providers = append(providers, httpProvider)
	}

	if cfg.Providers.Piper.Enabled {
		piperProvider, piperErr := synth.NewPiperProvider(synth.PiperConfig{
			BinaryPath: cfg.Providers.Piper.BinaryPath,
			ModelPath:  cfg.Providers.Piper.ModelPath,
			Limits: core.ProviderLimits{
				MaxChars:      cfg.Providers.Piper.MaxChars,
				MaxItems:      cfg.Providers.Piper.MaxItems,
				MaxConcurrent: cfg.Providers.Piper.MaxConcurrent,
			},
		}, log)
		if piperErr != nil {
			return nil, fmt.Errorf("failed to create piper provider: %w", piperErr)
		}

		providers = append(providers, piperProvider)
	}

	if len(providers) == 0 {
		return nil, ErrNoProvidersEnabled
	}

	return providers, nil
}

func masterOptions(cfg *config.Config, log *logger.Logger) audio.MasterOptions {
	// Loudness targets share the normalizer's clamping so a bad override
	// cannot reach the final loudnorm pass either.
	loudness := audio.NormalizeOptions{
		TargetLUFS:    cfg.Audio.TargetLUFS,
		TruePeakDB:    cfg.Audio.TruePeakDB,
		LoudnessRange: cfg.Audio.LoudnessRange,
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
	}.Sanitize(log)

	return audio.MasterOptions{
		Enabled:         !cfg.Audio.MasteringDisabled,
		HighpassHz:      audio.DefaultHighpassHz,
		CompThresholdDB: audio.DefaultCompThresholdDB,
		CompRatio:       audio.DefaultCompRatio,
		PresenceFreqHz:  audio.DefaultPresenceFreqHz,
		PresenceGainDB:  audio.DefaultPresenceGainDB,
		TargetLUFS:      loudness.TargetLUFS,
		TruePeakDB:      loudness.TruePeakDB,
		LoudnessRange:   loudness.LoudnessRange,
		Bitrate:         cfg.Audio.Bitrate,
		SampleRate:      cfg.Audio.SampleRate,
		Channels:        cfg.Audio.Channels,
	}
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		StreamName:        cfg.NATS.StreamName,
		ConsumerName:      cfg.NATS.ConsumerName,
		JobsSubject:       cfg.NATS.JobsSubject,
		ProgressSubject:   cfg.NATS.ProgressSubject,
		CompletedSubject:  cfg.NATS.CompletedSubject,
		FailedSubject:     cfg.NATS.FailedSubject,
		MaxAttempts:       cfg.Worker.MaxAttempts,
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		AckWait:           time.Duration(cfg.Worker.AckWaitSeconds) * time.Second,
		Heartbeat:         time.Duration(cfg.Worker.HeartbeatSeconds) * time.Second,
		BackoffBase:       time.Duration(cfg.Worker.BackoffBaseSeconds) * time.Second,
		BackoffMax:        time.Duration(cfg.Worker.BackoffMaxSeconds) * time.Second,
		JobTimeout:        time.Duration(cfg.Worker.JobTimeoutSeconds) * time.Second,
	}
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
