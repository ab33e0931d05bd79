package audio

import (
	"context"
	"fmt"
	"strconv"

	"github.com/book-expert/logger"
)

// Loudness normalization defaults. Overrides outside the ranges accepted by
// ffmpeg's loudnorm filter fall back to these with a logged warning; a bad
// override must never crash a run.
const (
	DefaultTargetLUFS    = -16.0
	DefaultTruePeakDB    = -1.5
	DefaultLoudnessRange = 11.0

	minTargetLUFS = -70.0
	maxTargetLUFS = -5.0
	minTruePeakDB = -9.0
	maxTruePeakDB = 0.0
)

// NormalizeOptions configures the per-segment loudness pass and the fixed
// output format that makes segments from different providers comparable.
type NormalizeOptions struct {
	TargetLUFS    float64
	TruePeakDB    float64
	LoudnessRange float64
	SampleRate    int
	Channels      int
}

// Sanitize clamps out-of-range loudness settings back to the documented
// defaults, logging each fallback.
func (o NormalizeOptions) Sanitize(log *logger.Logger) NormalizeOptions {
	if o.TargetLUFS < minTargetLUFS || o.TargetLUFS > maxTargetLUFS {
		log.Warn(
			"target loudness %.1f LUFS out of range [%.0f, %.0f], using default %.1f",
			o.TargetLUFS, minTargetLUFS, maxTargetLUFS, DefaultTargetLUFS,
		)

		o.TargetLUFS = DefaultTargetLUFS
	}

	if o.TruePeakDB < minTruePeakDB || o.TruePeakDB > maxTruePeakDB {
		log.Warn(
			"true peak %.1f dB out of range [%.0f, %.0f], using default %.1f",
			o.TruePeakDB, minTruePeakDB, maxTruePeakDB, DefaultTruePeakDB,
		)

		o.TruePeakDB = DefaultTruePeakDB
	}

	if o.LoudnessRange <= 0 {
		o.LoudnessRange = DefaultLoudnessRange
	}

	return o
}

func (o NormalizeOptions) loudnormFilter() string {
	return fmt.Sprintf(
		"loudnorm=I=%.1f:TP=%.1f:LRA=%.1f",
		o.TargetLUFS, o.TruePeakDB, o.LoudnessRange,
	)
}

// Normalizer applies the per-segment loudness pass. It is applied to every
// non-pause, non-empty segment independently and never to silence.
type Normalizer struct {
	runner *Runner
	opts   NormalizeOptions
	log    *logger.Logger
}

// NewNormalizer creates a Normalizer. Options are sanitized on construction
// so every later call runs with valid settings.
func NewNormalizer(runner *Runner, opts NormalizeOptions, log *logger.Logger) *Normalizer {
	return &Normalizer{
		runner: runner,
		opts:   opts.Sanitize(log),
		log:    log,
	}
}

// Options returns the effective (sanitized) settings.
func (n *Normalizer) Options() NormalizeOptions {
	return n.opts
}

// Normalize runs the loudness pass and resamples to the fixed output
// format. Empty input is returned unchanged; it is not an error.
func (n *Normalizer) Normalize(ctx context.Context, wavData []byte) ([]byte, error) {
	if len(wavData) == 0 {
		return wavData, nil
	}

	args := []string{
		"-f", "wav",
		"-i", "pipe:0",
		"-af", n.opts.loudnormFilter(),
		"-ar", strconv.Itoa(n.opts.SampleRate),
		"-ac", strconv.Itoa(n.opts.Channels),
		"-f", "wav",
		"pipe:1",
	}

	out, err := n.runner.Run(ctx, wavData, args...)
	if err != nil {
		return nil, fmt.Errorf("loudness normalization: %w", err)
	}

	return out, nil
}
