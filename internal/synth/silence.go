// Package synth implements the batch synthesizer: provider clients, script
// grouping and sub-splitting, local silence generation, and the duration
// anomaly heuristics applied to provider output.
package synth

import (
	"sync"

	"github.com/book-expert/lesson-audio-service/internal/audio"
)

// SilenceCache generates silence buffers once per unique pause duration and
// reuses them for the rest of the run. Silence is speed-invariant, so one
// cache is shared across all speed passes of a script.
type SilenceCache struct {
	mu         sync.Mutex
	sampleRate int
	channels   int
	buffers    map[float64][]byte
}

// NewSilenceCache creates a cache producing WAV silence in the pipeline's
// fixed sample format.
func NewSilenceCache(sampleRate, channels int) *SilenceCache {
	return &SilenceCache{
		sampleRate: sampleRate,
		channels:   channels,
		buffers:    make(map[float64][]byte),
	}
}

// Get returns the silence buffer for the duration, generating it on first
// use. Non-positive durations return nil: a zero-length pause produces no
// segment at all.
func (c *SilenceCache) Get(durationSeconds float64) []byte {
	if durationSeconds <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	buffer, ok := c.buffers[durationSeconds]
	if !ok {
		buffer = audio.Silence(durationSeconds, c.sampleRate, c.channels)
		c.buffers[durationSeconds] = buffer
	}

	return buffer
}

// Warm pre-generates buffers for the given durations.
func (c *SilenceCache) Warm(durations []float64) {
	for _, duration := range durations {
		c.Get(duration)
	}
}

// Len returns the number of cached durations.
func (c *SilenceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.buffers)
}
