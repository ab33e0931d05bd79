// Package core defines the contracts and shared data model for the lesson
// audio service.
package core

import (
	"context"
	"errors"
)

// Sentinel errors shared across the pipeline. The worker maps these to its
// retry policy; components below it only classify, never retry.
var (
	// ErrProviderBusy indicates a TTS provider is unavailable or rate
	// limited. Transient: eligible for retry.
	ErrProviderBusy = errors.New("speech provider busy or unavailable")
	// ErrBatchMisaligned indicates a provider returned a different number
	// of buffers than requested. Always fatal; alignment is never guessed.
	ErrBatchMisaligned = errors.New("batch request/response count mismatch")
	// ErrNothingToAssemble indicates every segment for a script was empty.
	ErrNothingToAssemble = errors.New("no non-empty segments to assemble")
	// ErrToolchainTimeout indicates a decode/encode subprocess exceeded its
	// deadline. Transient at the job level.
	ErrToolchainTimeout = errors.New("audio toolchain subprocess timed out")
)

// SpeechRequest is one item of a provider synthesis call.
type SpeechRequest struct {
	Text         string
	VoiceID      string
	LanguageCode string
	Speed        float64
	Pitch        float64
	IsSSML       bool
}

// ProviderLimits describes a provider's per-call request limits and the
// number of calls it tolerates in flight.
type ProviderLimits struct {
	MaxChars      int
	MaxItems      int
	MaxConcurrent int
}

// SpeechProvider is the uniform contract over TTS backends. SynthesizeBatch
// must return exactly one buffer per request, in request order; providers
// that cannot batch natively issue one upstream call per item internally.
// Unavailable/rate-limited conditions must wrap ErrProviderBusy.
type SpeechProvider interface {
	Name() string
	Limits() ProviderLimits
	SynthesizeBatch(ctx context.Context, reqs []SpeechRequest) ([][]byte, error)
}

// ObjectStore is the artifact storage contract. UploadFile streams from disk
// so large finals never have to be held in memory.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte) error
	UploadFile(ctx context.Context, key, path string) error
	Download(ctx context.Context, key string) ([]byte, error)
}

// ProgressSink receives coarse-grained job progress as a percentage.
// Implementations must tolerate repeated values; callers guarantee the
// reported percentage never decreases.
type ProgressSink func(percent int)

// NopProgress discards progress updates.
func NopProgress(int) {}
