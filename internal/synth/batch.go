package synth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/book-expert/logger"

	"github.com/book-expert/lesson-audio-service/internal/core"
	"github.com/book-expert/lesson-audio-service/internal/script"
)

const defaultMaxConcurrent = 2

// Static errors.
var (
	ErrNoProviders     = errors.New("batcher needs at least one provider")
	ErrUnknownProvider = errors.New("no such speech provider")
)

// BatchProgress reports provider calls completed out of the total planned
// for one SynthesizeBatch run, letting the caller map batches to an overall
// percentage.
type BatchProgress func(completed, total int)

// groupKey identifies one batch group: units sharing a provider, voice and
// language are synthesized together.
type groupKey struct {
	provider string
	voice    string
	language string
}

// batchCall is one provider invocation: a slice of a group that fits the
// provider's request limits, in unit order.
type batchCall struct {
	provider core.SpeechProvider
	indices  []int
	requests []core.SpeechRequest
}

// Batcher groups script units into few large provider calls and
// demultiplexes the results back to per-unit buffers by position.
type Batcher struct {
	providers       map[string]core.SpeechProvider
	defaultProvider string
	voiceRoutes     map[string]string
	log             *logger.Logger
}

// NewBatcher creates a Batcher over the given providers. voiceRoutes maps a
// voice ID to a provider name; unrouted voices use defaultProvider.
func NewBatcher(
	providers []core.SpeechProvider,
	defaultProvider string,
	voiceRoutes map[string]string,
	log *logger.Logger,
) (*Batcher, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}

	byName := make(map[string]core.SpeechProvider, len(providers))
	for _, provider := range providers {
		byName[provider.Name()] = provider
	}

	if defaultProvider == "" {
		defaultProvider = providers[0].Name()
	}

	if _, ok := byName[defaultProvider]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnknownProvider, defaultProvider)
	}

	for voice, name := range voiceRoutes {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("%w: voice %q routed to %q", ErrUnknownProvider, voice, name)
		}
	}

	return &Batcher{
		providers:       byName,
		defaultProvider: defaultProvider,
		voiceRoutes:     voiceRoutes,
		log:             log,
	}, nil
}

// SynthesizeBatch synthesizes every non-marker unit at the given speed and
// returns segments keyed by unit index. Pauses come from the silence cache,
// never from a provider; markers produce nothing. If any provider call
// fails, all partial results are discarded and the error propagates: a
// partially cached run could silently mix speeds or voices downstream.
func (b *Batcher) SynthesizeBatch(
	ctx context.Context,
	units []script.Unit,
	speed core.Speed,
	silence *SilenceCache,
	progress BatchProgress,
) (map[int]core.AudioSegment, error) {
	segments := make(map[int]core.AudioSegment, len(units))

	groups := b.buildGroups(units, speed, silence, segments)

	calls := b.planCalls(groups)
	if len(calls) == 0 {
		return segments, nil
	}

	callErr := b.runCalls(ctx, calls, segments, progress)
	if callErr != nil {
		return nil, callErr
	}

	return segments, nil
}

// buildGroups partitions speakable units into batch groups, fills silence
// segments for pauses as it walks, and returns the groups in first-unit
// order so call planning is deterministic.
func (b *Batcher) buildGroups(
	units []script.Unit,
	speed core.Speed,
	silence *SilenceCache,
	segments map[int]core.AudioSegment,
) []*batchGroup {
	var ordered []*batchGroup

	index := make(map[groupKey]*batchGroup)

	for i, unit := range units {
		switch {
		case unit.Kind == script.UnitPause:
			buffer := silence.Get(unit.PauseSeconds)
			if buffer != nil {
				segments[i] = core.AudioSegment{UnitIndex: i, Data: buffer}
			}
		case unit.Speakable():
			key := groupKey{
				provider: b.ProviderFor(unit),
				voice:    unit.VoiceID,
				language: unit.Language,
			}

			group, ok := index[key]
			if !ok {
				group = &batchGroup{key: key}
				index[key] = group
				ordered = append(ordered, group)
			}

			group.add(i, b.buildRequest(unit, speed))
		default:
			// Markers never produce a segment.
		}
	}

	return ordered
}

// ProviderFor returns the provider name a unit's voice routes to. Exposed
// so post-processing can pick the matching duration validator.
func (b *Batcher) ProviderFor(unit script.Unit) string {
	if name, ok := b.voiceRoutes[unit.VoiceID]; ok {
		return name
	}

	return b.defaultProvider
}

func (b *Batcher) buildRequest(unit script.Unit, speed core.Speed) core.SpeechRequest {
	rate := speed.Multiplier()
	if unit.SpeedOverride != 0 {
		// Overrides scale the pass rate rather than replacing it, so an
		// overridden unit still differs across speed variants.
		rate = speed.Multiplier() * unit.SpeedOverride
	}

	return core.SpeechRequest{
		Text:         CleanText(unit.Text),
		VoiceID:      unit.VoiceID,
		LanguageCode: unit.Language,
		Speed:        rate,
		Pitch:        0,
		IsSSML:       false,
	}
}

type batchGroup struct {
	key      groupKey
	indices  []int
	requests []core.SpeechRequest
}

func (g *batchGroup) add(unitIndex int, req core.SpeechRequest) {
	g.indices = append(g.indices, unitIndex)
	g.requests = append(g.requests, req)
}

// planCalls sub-splits each group into calls that respect the provider's
// character and item limits, preserving unit order within the group. An
// oversized single item still gets its own call; the provider decides
// whether to reject it.
func (b *Batcher) planCalls(groups []*batchGroup) []batchCall {
	var calls []batchCall

	for _, group := range groups {
		provider := b.providers[group.key.provider]
		limits := provider.Limits()

		current := batchCall{provider: provider}
		chars := 0

		for i, req := range group.requests {
			itemChars := len([]rune(req.Text))
			overChars := limits.MaxChars > 0 && chars+itemChars > limits.MaxChars
			overItems := limits.MaxItems > 0 && len(current.requests) >= limits.MaxItems

			if len(current.requests) > 0 && (overChars || overItems) {
				calls = append(calls, current)
				current = batchCall{provider: provider}
				chars = 0
			}

			current.indices = append(current.indices, group.indices[i])
			current.requests = append(current.requests, req)
			chars += itemChars
		}

		if len(current.requests) > 0 {
			calls = append(calls, current)
		}
	}

	return calls
}

// runCalls issues the planned calls with bounded per-provider concurrency
// and demultiplexes results back to unit indices by position. Order sent
// equals order received; a count mismatch is fatal for the whole run.
func (b *Batcher) runCalls(
	ctx context.Context,
	calls []batchCall,
	segments map[int]core.AudioSegment,
	progress BatchProgress,
) error {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	semaphores := b.providerSemaphores(calls)

	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
		firstErr  error
		completed int
	)

	for _, call := range calls {
		waitGroup.Add(1)

		go func(call batchCall) {
			defer waitGroup.Done()

			semaphore := semaphores[call.provider.Name()]
			semaphore <- struct{}{}

			defer func() { <-semaphore }()

			if callCtx.Err() != nil {
				return
			}

			buffers, err := b.executeCall(callCtx, call)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				if firstErr == nil {
					firstErr = err

					cancel()
				}

				return
			}

			for i, buffer := range buffers {
				unitIndex := call.indices[i]
				segments[unitIndex] = core.AudioSegment{
					UnitIndex: unitIndex,
					Data:      buffer,
				}
			}

			completed++

			if progress != nil {
				progress(completed, len(calls))
			}
		}(call)
	}

	waitGroup.Wait()

	return firstErr
}

func (b *Batcher) providerSemaphores(calls []batchCall) map[string]chan struct{} {
	semaphores := make(map[string]chan struct{})

	for _, call := range calls {
		name := call.provider.Name()
		if _, ok := semaphores[name]; ok {
			continue
		}

		capacity := call.provider.Limits().MaxConcurrent
		if capacity <= 0 {
			capacity = defaultMaxConcurrent
		}

		semaphores[name] = make(chan struct{}, capacity)
	}

	return semaphores
}

func (b *Batcher) executeCall(ctx context.Context, call batchCall) ([][]byte, error) {
	buffers, err := call.provider.SynthesizeBatch(ctx, call.requests)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", call.provider.Name(), err)
	}

	if len(buffers) != len(call.requests) {
		return nil, fmt.Errorf(
			"%w: provider %s got %d items, returned %d",
			core.ErrBatchMisaligned,
			call.provider.Name(),
			len(call.requests),
			len(buffers),
		)
	}

	return buffers, nil
}
