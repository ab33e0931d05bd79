// Package config_test tests configuration parsing and sanitization.
package config_test

import (
	"testing"

	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/lesson-audio-service/internal/config"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

func TestConfigParsing(t *testing.T) {
	t.Parallel()

	tomlData := `
[nats]
url = "nats://127.0.0.1:4222"
stream_name = "LESSON_AUDIO_JOBS"
consumer_name = "lesson-audio-workers"
jobs_subject = "lesson.audio.generate"
progress_subject = "lesson.audio.progress"
completed_subject = "lesson.audio.completed"
failed_subject = "lesson.audio.failed"
object_store_bucket = "LESSON_AUDIO"

[audio]
sample_rate = 44100
channels = 1
bitrate = "128k"
target_lufs = -16.0
true_peak_db = -1.5
loudness_range = 11.0
ffmpeg_timeout_seconds = 90
mastering_disabled = true

[worker]
max_attempts = 5
ack_wait_seconds = 900
heartbeat_seconds = 20
backoff_base_seconds = 10
backoff_max_seconds = 240
job_timeout_seconds = 2400

[providers]
default = "http"

[providers.voice_routes]
haruka = "http"
emma = "piper"

[providers.http]
enabled = true
base_url = "http://localhost:8000"
timeout_seconds = 60
max_chars = 3000
max_items = 40
max_concurrent = 3

[providers.piper]
enabled = true
binary_path = "/usr/local/bin/piper"
model_path = "/models/en_US.onnx"

[pipeline]
upload_folder = "lessons"

[paths]
base_logs_dir = "/var/log/lesson-audio"
`

	var cfg config.Config

	err := toml.Unmarshal([]byte(tomlData), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "LESSON_AUDIO_JOBS", cfg.NATS.StreamName)
	assert.Equal(t, "lesson.audio.generate", cfg.NATS.JobsSubject)
	assert.Equal(t, "LESSON_AUDIO", cfg.NATS.ObjectStoreBucket)

	assert.Equal(t, 44100, cfg.Audio.SampleRate)
	assert.InEpsilon(t, -16.0, cfg.Audio.TargetLUFS, 0.001)
	assert.True(t, cfg.Audio.MasteringDisabled)

	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.Equal(t, 900, cfg.Worker.AckWaitSeconds)

	assert.Equal(t, "http", cfg.Providers.Default)
	assert.Equal(t, "piper", cfg.Providers.VoiceRoutes["emma"])
	assert.Equal(t, "http://localhost:8000", cfg.Providers.HTTP.BaseURL)
	assert.Equal(t, 3, cfg.Providers.HTTP.MaxConcurrent)
	assert.Equal(t, "/models/en_US.onnx", cfg.Providers.Piper.ModelPath)

	assert.Equal(t, "/var/log/lesson-audio", cfg.Paths.BaseLogsDir)
}

func TestSanitizeFillsDefaults(t *testing.T) {
	t.Parallel()

	var cfg config.Config

	cfg.Sanitize(newTestLogger(t))

	assert.Equal(t, "LESSON_AUDIO_JOBS", cfg.NATS.StreamName)
	assert.Equal(t, "lesson.audio.generate", cfg.NATS.JobsSubject)
	assert.Equal(t, 44100, cfg.Audio.SampleRate)
	assert.Equal(t, 1, cfg.Audio.Channels)
	assert.Equal(t, "128k", cfg.Audio.Bitrate)

	// Omitting the key never silently bypasses the mastering chain.
	assert.False(t, cfg.Audio.MasteringDisabled)

	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 4, cfg.Worker.MaxConcurrentJobs)
	assert.Equal(t, "http", cfg.Providers.Default)
	assert.Equal(t, 4000, cfg.Providers.HTTP.MaxChars)
	assert.Equal(t, "lessons", cfg.Pipeline.UploadFolder)
}

func TestSanitizeRepairsInvalidOverrides(t *testing.T) {
	t.Parallel()

	var cfg config.Config

	cfg.Audio.SampleRate = -8000
	cfg.Audio.Channels = 7
	cfg.Worker.MaxAttempts = -2
	cfg.Sanitize(newTestLogger(t))

	assert.Equal(t, 44100, cfg.Audio.SampleRate)
	assert.Equal(t, 1, cfg.Audio.Channels)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
}
