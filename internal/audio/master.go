package audio

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/book-expert/logger"
)

// Mastering chain defaults. The filter order is load-bearing: high-pass
// before compression, compression before EQ, and loudness normalization
// last so earlier stages cannot invalidate the final level.
const (
	DefaultHighpassHz        = 80
	DefaultCompThresholdDB   = -18.0
	DefaultCompRatio         = 3.0
	DefaultCompAttackMs      = 20.0
	DefaultCompReleaseMs     = 250.0
	DefaultPresenceFreqHz    = 3000
	DefaultPresenceGainDB    = 2.0
	DefaultPresenceBandwidth = 1.0
)

// MasterOptions configures the single final mastering pass.
type MasterOptions struct {
	// Enabled false is a deliberate pass-through bypass for environments
	// without the audio toolchain, never a silent failure.
	Enabled bool

	HighpassHz      int
	CompThresholdDB float64
	CompRatio       float64
	PresenceFreqHz  int
	PresenceGainDB  float64

	TargetLUFS    float64
	TruePeakDB    float64
	LoudnessRange float64

	Bitrate    string
	SampleRate int
	Channels   int
}

// FilterChain renders the fixed ffmpeg filter graph:
// high-pass -> compressor -> equalizer -> loudnorm.
func (o MasterOptions) FilterChain() string {
	filters := []string{
		fmt.Sprintf("highpass=f=%d", o.HighpassHz),
		fmt.Sprintf(
			"acompressor=threshold=%.1fdB:ratio=%.1f:attack=%.0f:release=%.0f",
			o.CompThresholdDB, o.CompRatio, DefaultCompAttackMs, DefaultCompReleaseMs,
		),
		fmt.Sprintf(
			"equalizer=f=%d:t=q:w=%.1f:g=%.1f",
			o.PresenceFreqHz, DefaultPresenceBandwidth, o.PresenceGainDB,
		),
		fmt.Sprintf(
			"loudnorm=I=%.1f:TP=%.1f:LRA=%.1f",
			o.TargetLUFS, o.TruePeakDB, o.LoudnessRange,
		),
	}

	return strings.Join(filters, ",")
}

// Masterer applies the mastering chain exactly once to the fully assembled
// file. It is never applied per segment; doing so would double-process the
// joins and over-compress transitions.
type Masterer struct {
	runner *Runner
	opts   MasterOptions
	log    *logger.Logger
}

// NewMasterer creates a Masterer.
func NewMasterer(runner *Runner, opts MasterOptions, log *logger.Logger) *Masterer {
	return &Masterer{runner: runner, opts: opts, log: log}
}

// Enabled reports whether the chain is active.
func (m *Masterer) Enabled() bool {
	return m.opts.Enabled
}

// Master runs the chain over the assembled file. With mastering disabled it
// logs the bypass and returns a copy of the input.
func (m *Masterer) Master(ctx context.Context, encoded []byte) ([]byte, error) {
	if !m.opts.Enabled {
		m.log.Warn("mastering disabled by configuration, passing audio through")

		out := make([]byte, len(encoded))
		copy(out, encoded)

		return out, nil
	}

	args := []string{
		"-f", "mp3",
		"-i", "pipe:0",
		"-af", m.opts.FilterChain(),
		"-codec:a", "libmp3lame",
		"-b:a", m.opts.Bitrate,
		"-ar", strconv.Itoa(m.opts.SampleRate),
		"-ac", strconv.Itoa(m.opts.Channels),
		"-f", "mp3",
		"pipe:1",
	}

	out, err := m.runner.Run(ctx, encoded, args...)
	if err != nil {
		return nil, fmt.Errorf("mastering pass: %w", err)
	}

	return out, nil
}
