// Package config provides the configuration structure for the lesson audio
// service.
package config

import (
	"fmt"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Defaults applied by Sanitize for absent or invalid values.
const (
	defaultStreamName       = "LESSON_AUDIO_JOBS"
	defaultConsumerName     = "lesson-audio-workers"
	defaultJobsSubject      = "lesson.audio.generate"
	defaultProgressSubject  = "lesson.audio.progress"
	defaultCompletedSubject = "lesson.audio.completed"
	defaultFailedSubject    = "lesson.audio.failed"
	defaultBucket           = "LESSON_AUDIO"

	defaultSampleRate    = 44100
	defaultChannels      = 1
	defaultBitrate       = "128k"
	defaultFFmpegTimeout = 120

	defaultMaxAttempts    = 3
	defaultConcurrentJobs = 4
	defaultAckWaitSec     = 600
	defaultHeartbeatSec   = 30
	defaultBackoffBaseSec = 15
	defaultBackoffMaxSec  = 300
	defaultJobTimeoutSec  = 1800

	defaultHTTPTimeoutSec = 120
	defaultMaxChars       = 4000
	defaultMaxItems       = 50
	defaultMaxConcurrent  = 2
	defaultUploadFolder   = "lessons"
	defaultProviderName   = "http"
)

// NATSConfig holds queue, event-subject and bucket settings.
type NATSConfig struct {
	URL               string `toml:"url"`
	StreamName        string `toml:"stream_name"`
	ConsumerName      string `toml:"consumer_name"`
	JobsSubject       string `toml:"jobs_subject"`
	ProgressSubject   string `toml:"progress_subject"`
	CompletedSubject  string `toml:"completed_subject"`
	FailedSubject     string `toml:"failed_subject"`
	ObjectStoreBucket string `toml:"object_store_bucket"`
}

// AudioConfig holds the fixed output profile, loudness targets and ffmpeg
// settings.
type AudioConfig struct {
	SampleRate           int     `toml:"sample_rate"`
	Channels             int     `toml:"channels"`
	Bitrate              string  `toml:"bitrate"`
	TargetLUFS           float64 `toml:"target_lufs"`
	TruePeakDB           float64 `toml:"true_peak_db"`
	LoudnessRange        float64 `toml:"loudness_range"`
	FFmpegTimeoutSeconds int     `toml:"ffmpeg_timeout_seconds"`
	// MasteringDisabled must be set explicitly to bypass the mastering
	// chain; an absent key leaves mastering active.
	MasteringDisabled bool   `toml:"mastering_disabled"`
	WorkDir           string `toml:"work_dir"`
}

// WorkerConfig holds retry, heartbeat and concurrency settings for the job
// runner.
type WorkerConfig struct {
	MaxAttempts        int `toml:"max_attempts"`
	MaxConcurrentJobs  int `toml:"max_concurrent_jobs"`
	AckWaitSeconds     int `toml:"ack_wait_seconds"`
	HeartbeatSeconds   int `toml:"heartbeat_seconds"`
	BackoffBaseSeconds int `toml:"backoff_base_seconds"`
	BackoffMaxSeconds  int `toml:"backoff_max_seconds"`
	JobTimeoutSeconds  int `toml:"job_timeout_seconds"`
}

// HTTPProviderConfig configures the HTTP TTS provider.
type HTTPProviderConfig struct {
	Enabled        bool   `toml:"enabled"`
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxChars       int    `toml:"max_chars"`
	MaxItems       int    `toml:"max_items"`
	MaxConcurrent  int    `toml:"max_concurrent"`
}

// PiperProviderConfig configures the local Piper provider.
type PiperProviderConfig struct {
	Enabled       bool   `toml:"enabled"`
	BinaryPath    string `toml:"binary_path"`
	ModelPath     string `toml:"model_path"`
	MaxChars      int    `toml:"max_chars"`
	MaxItems      int    `toml:"max_items"`
	MaxConcurrent int    `toml:"max_concurrent"`
}

// ProvidersConfig groups provider settings and voice routing.
type ProvidersConfig struct {
	Default     string              `toml:"default"`
	VoiceRoutes map[string]string   `toml:"voice_routes"`
	HTTP        HTTPProviderConfig  `toml:"http"`
	Piper       PiperProviderConfig `toml:"piper"`
}

// PipelineConfig holds orchestrator settings.
type PipelineConfig struct {
	UploadFolder string `toml:"upload_folder"`
}

// PathsConfig holds filesystem paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Audio     AudioConfig     `toml:"audio"`
	Worker    WorkerConfig    `toml:"worker"`
	Providers ProvidersConfig `toml:"providers"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration via the central configurator and applies
// defaults for anything absent or invalid.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.Sanitize(log)

	return &cfg, nil
}

// Sanitize fills in defaults and repairs invalid numeric overrides with a
// logged warning. A bad override never crashes the service.
func (c *Config) Sanitize(log *logger.Logger) {
	c.NATS.sanitize()
	c.Audio.sanitize(log)
	c.Worker.sanitize(log)
	c.Providers.sanitize()

	if c.Pipeline.UploadFolder == "" {
		c.Pipeline.UploadFolder = defaultUploadFolder
	}
}

func (n *NATSConfig) sanitize() {
	setIfEmpty(&n.StreamName, defaultStreamName)
	setIfEmpty(&n.ConsumerName, defaultConsumerName)
	setIfEmpty(&n.JobsSubject, defaultJobsSubject)
	setIfEmpty(&n.ProgressSubject, defaultProgressSubject)
	setIfEmpty(&n.CompletedSubject, defaultCompletedSubject)
	setIfEmpty(&n.FailedSubject, defaultFailedSubject)
	setIfEmpty(&n.ObjectStoreBucket, defaultBucket)
}

func (a *AudioConfig) sanitize(log *logger.Logger) {
	if a.SampleRate <= 0 || a.SampleRate > 192000 {
		if a.SampleRate != 0 {
			log.Warn("invalid sample rate %d, using %d", a.SampleRate, defaultSampleRate)
		}

		a.SampleRate = defaultSampleRate
	}

	if a.Channels <= 0 || a.Channels > 2 {
		if a.Channels != 0 {
			log.Warn("invalid channel count %d, using %d", a.Channels, defaultChannels)
		}

		a.Channels = defaultChannels
	}

	setIfEmpty(&a.Bitrate, defaultBitrate)

	if a.FFmpegTimeoutSeconds <= 0 {
		a.FFmpegTimeoutSeconds = defaultFFmpegTimeout
	}
	// Loudness values are sanitized by audio.NormalizeOptions; zero
	// values here mean "use the documented defaults".
}

func (w *WorkerConfig) sanitize(log *logger.Logger) {
	if w.MaxAttempts <= 0 {
		if w.MaxAttempts < 0 {
			log.Warn("invalid max_attempts %d, using %d", w.MaxAttempts, defaultMaxAttempts)
		}

		w.MaxAttempts = defaultMaxAttempts
	}

	if w.MaxConcurrentJobs <= 0 {
		if w.MaxConcurrentJobs < 0 {
			log.Warn(
				"invalid max_concurrent_jobs %d, using %d",
				w.MaxConcurrentJobs, defaultConcurrentJobs,
			)
		}

		w.MaxConcurrentJobs = defaultConcurrentJobs
	}

	if w.AckWaitSeconds <= 0 {
		w.AckWaitSeconds = defaultAckWaitSec
	}

	if w.HeartbeatSeconds <= 0 {
		w.HeartbeatSeconds = defaultHeartbeatSec
	}

	if w.BackoffBaseSeconds <= 0 {
		w.BackoffBaseSeconds = defaultBackoffBaseSec
	}

	if w.BackoffMaxSeconds < w.BackoffBaseSeconds {
		w.BackoffMaxSeconds = defaultBackoffMaxSec
	}

	if w.JobTimeoutSeconds <= 0 {
		w.JobTimeoutSeconds = defaultJobTimeoutSec
	}
}

func (p *ProvidersConfig) sanitize() {
	setIfEmpty(&p.Default, defaultProviderName)

	if p.HTTP.TimeoutSeconds <= 0 {
		p.HTTP.TimeoutSeconds = defaultHTTPTimeoutSec
	}

	sanitizeLimits(&p.HTTP.MaxChars, &p.HTTP.MaxItems, &p.HTTP.MaxConcurrent)
	sanitizeLimits(&p.Piper.MaxChars, &p.Piper.MaxItems, &p.Piper.MaxConcurrent)
}

func sanitizeLimits(maxChars, maxItems, maxConcurrent *int) {
	if *maxChars <= 0 {
		*maxChars = defaultMaxChars
	}

	if *maxItems <= 0 {
		*maxItems = defaultMaxItems
	}

	if *maxConcurrent <= 0 {
		*maxConcurrent = defaultMaxConcurrent
	}
}

func setIfEmpty(target *string, value string) {
	if *target == "" {
		*target = value
	}
}
