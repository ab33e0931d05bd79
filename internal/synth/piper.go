package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/book-expert/logger"

	"github.com/book-expert/lesson-audio-service/internal/audio"
	"github.com/book-expert/lesson-audio-service/internal/core"
)

// Piper outputs raw 16-bit PCM at 22050 Hz mono; the normalizer resamples
// to the pipeline format afterwards.
const (
	piperSampleRate = 22050
	piperChannels   = 1
)

var (
	// ErrPiperNotFound is returned when the piper binary is missing.
	ErrPiperNotFound = errors.New("piper binary not found")
	// ErrPiperModelMissing is returned when no model path is configured.
	ErrPiperModelMissing = errors.New("no piper model specified")
	// ErrPiperFailed is returned when synthesis fails.
	ErrPiperFailed = errors.New("piper synthesis failed")
)

// PiperConfig configures the local Piper subprocess provider.
type PiperConfig struct {
	BinaryPath string
	ModelPath  string
	Limits     core.ProviderLimits
}

// PiperProvider synthesizes speech with a local piper process, one
// invocation per batch item, in order.
type PiperProvider struct {
	config PiperConfig
	log    *logger.Logger
}

// NewPiperProvider verifies the binary exists and returns the provider.
func NewPiperProvider(cfg PiperConfig, log *logger.Logger) (*PiperProvider, error) {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "piper"
	}

	_, err := exec.LookPath(cfg.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPiperNotFound, cfg.BinaryPath)
	}

	if cfg.ModelPath == "" {
		return nil, ErrPiperModelMissing
	}

	return &PiperProvider{config: cfg, log: log}, nil
}

// Name implements core.SpeechProvider.
func (p *PiperProvider) Name() string {
	return "piper"
}

// Limits implements core.SpeechProvider.
func (p *PiperProvider) Limits() core.ProviderLimits {
	return p.config.Limits
}

// SynthesizeBatch implements core.SpeechProvider.
func (p *PiperProvider) SynthesizeBatch(
	ctx context.Context,
	reqs []core.SpeechRequest,
) ([][]byte, error) {
	buffers := make([][]byte, 0, len(reqs))

	for i, req := range reqs {
		audioData, err := p.synthesizeOne(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}

		buffers = append(buffers, audioData)
	}

	return buffers, nil
}

func (p *PiperProvider) synthesizeOne(
	ctx context.Context,
	req core.SpeechRequest,
) ([]byte, error) {
	if req.Text == "" {
		return nil, ErrEmptySpeechText
	}

	args := []string{
		"--model", p.config.ModelPath,
		"--output-raw",
	}

	if req.VoiceID != "" && req.VoiceID != "default" {
		args = append(args, "--speaker", req.VoiceID)
	}

	// Piper's length scale is the inverse of playback rate: 0.7x speech
	// needs a scale of 1/0.7.
	if req.Speed > 0 && req.Speed != 1.0 {
		args = append(args, "--length-scale", fmt.Sprintf("%.3f", 1.0/req.Speed))
	}

	cmd := exec.CommandContext(ctx, p.config.BinaryPath, args...)
	cmd.Stdin = bytes.NewReader([]byte(req.Text))

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrProviderBusy, ctx.Err())
		}

		p.log.Error("piper failed: %v, stderr: %s", runErr, stderr.String())

		return nil, fmt.Errorf("%w: %w", ErrPiperFailed, runErr)
	}

	rawPCM := stdout.Bytes()
	if len(rawPCM) == 0 {
		return nil, fmt.Errorf("%w: no audio output", ErrPiperFailed)
	}

	return audio.WrapPCM(rawPCM, piperSampleRate, piperChannels), nil
}
