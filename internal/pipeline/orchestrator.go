// Package pipeline drives the audio assembly engine end to end: batch
// synthesis, per-segment post-processing, concatenation assembly, mastering
// and artifact upload, once per playback speed variant.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/lesson-audio-service/internal/audio"
	"github.com/book-expert/lesson-audio-service/internal/core"
	"github.com/book-expert/lesson-audio-service/internal/script"
	"github.com/book-expert/lesson-audio-service/internal/synth"
)

// Per-speed progress milestones, as percentages of one speed pass. Progress
// is reported at coarse milestones only; finer granularity has no value for
// multi-minute jobs.
const (
	milestoneSynthesized = 50
	milestoneNormalized  = 70
	milestoneAssembled   = 85
	milestoneMastered    = 95
	milestoneUploaded    = 100

	percentFull = 100

	artifactPermissions = 0o600
)

// Synthesizer is the batch synthesis dependency.
type Synthesizer interface {
	SynthesizeBatch(
		ctx context.Context,
		units []script.Unit,
		speed core.Speed,
		silence *synth.SilenceCache,
		progress synth.BatchProgress,
	) (map[int]core.AudioSegment, error)
	ProviderFor(unit script.Unit) string
}

// Normalizer is the per-segment loudness pass dependency.
type Normalizer interface {
	Normalize(ctx context.Context, wavData []byte) ([]byte, error)
}

// Assembler is the concatenation dependency.
type Assembler interface {
	Assemble(ctx context.Context, segments []core.AudioSegment) (*audio.Assembly, error)
}

// Masterer is the final mastering-chain dependency.
type Masterer interface {
	Master(ctx context.Context, encoded []byte) ([]byte, error)
}

// PersistFunc receives each speed's result as soon as its artifact is
// stored, so callers can reveal variants progressively.
type PersistFunc func(speed core.Speed, result *core.AssemblyResult) error

// Deps are the orchestrator's injected collaborators. Everything is
// constructor-injected so tests can substitute fakes without process-wide
// state.
type Deps struct {
	Synth      Synthesizer
	Normalizer Normalizer
	Assembler  Assembler
	Masterer   Masterer
	Store      core.ObjectStore
	// Validators maps provider name to its duration validator; providers
	// without an entry use the default heuristic.
	Validators map[string]synth.DurationValidator
	Log        *logger.Logger
}

// Options are the orchestrator's fixed settings.
type Options struct {
	SampleRate   int
	Channels     int
	UploadFolder string
	WorkDir      string
}

// Orchestrator produces one AssemblyResult per speed variant for a script.
type Orchestrator struct {
	deps             Deps
	opts             Options
	defaultValidator synth.DurationValidator
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	return &Orchestrator{
		deps:             deps,
		opts:             opts,
		defaultValidator: synth.NewHeuristicValidator(),
	}
}

// GenerateAll runs the full pipeline once per requested speed, slowest
// first. A single silence cache is shared across every pass: silence is
// speed-invariant, so each unique pause duration is generated exactly once
// per script run.
//
// Each completed speed is persisted immediately. A failure stops the
// remaining passes but never invalidates speeds already persisted; the
// completed results are returned alongside the error.
func (o *Orchestrator) GenerateAll(
	ctx context.Context,
	scr *script.Script,
	speeds []core.Speed,
	sink core.ProgressSink,
	persist PersistFunc,
) (map[core.Speed]*core.AssemblyResult, error) {
	validationErr := scr.Validate()
	if validationErr != nil {
		return nil, fmt.Errorf("invalid script: %w", validationErr)
	}

	if len(speeds) == 0 {
		speeds = core.Speeds
	}

	silence := synth.NewSilenceCache(o.opts.SampleRate, o.opts.Channels)
	silence.Warm(scr.PauseDurations())

	results := make(map[core.Speed]*core.AssemblyResult, len(speeds))
	progress := newMonotonicProgress(sink)

	for i, speed := range speeds {
		slice := progressSlice{
			sink:  progress,
			base:  i * percentFull / len(speeds),
			width: percentFull / len(speeds),
		}

		result, err := o.GenerateOne(ctx, scr, speed, silence, slice.report)
		if err != nil {
			return results, fmt.Errorf("speed %s: %w", speed.Label(), err)
		}

		if persist != nil {
			persistErr := persist(speed, result)
			if persistErr != nil {
				return results, fmt.Errorf(
					"failed to persist speed %s: %w", speed.Label(), persistErr,
				)
			}
		}

		results[speed] = result

		o.deps.Log.Info(
			"completed speed %s for lesson %s: %d timing entries, %d s",
			speed.Label(), scr.LessonID,
			len(result.TimingData), result.ActualDurationSeconds,
		)
	}

	progress.report(percentFull)

	return results, nil
}

// GenerateOne runs a single speed pass. Timing is derived independently for
// every speed: providers produce materially different audio per requested
// rate, never a uniform time-stretch of the natural pass.
func (o *Orchestrator) GenerateOne(
	ctx context.Context,
	scr *script.Script,
	speed core.Speed,
	silence *synth.SilenceCache,
	report func(percent int),
) (*core.AssemblyResult, error) {
	segments, err := o.deps.Synth.SynthesizeBatch(
		ctx, scr.Units, speed, silence,
		func(completed, total int) {
			report(completed * milestoneSynthesized / total)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("batch synthesis: %w", err)
	}

	report(milestoneSynthesized)

	ordered, err := o.postProcess(ctx, scr, segments)
	if err != nil {
		return nil, err
	}

	report(milestoneNormalized)

	assembly, err := o.deps.Assembler.Assemble(ctx, ordered)
	if err != nil {
		return nil, fmt.Errorf("assembly: %w", err)
	}

	report(milestoneAssembled)

	mastered, err := o.deps.Masterer.Master(ctx, assembly.Audio)
	if err != nil {
		return nil, fmt.Errorf("mastering: %w", err)
	}

	report(milestoneMastered)

	audioURL, err := o.uploadArtifact(ctx, scr.LessonID, speed, mastered)
	if err != nil {
		return nil, err
	}

	report(milestoneUploaded)

	return &core.AssemblyResult{
		AudioURL:              audioURL,
		ActualDurationSeconds: (assembly.DurationMs + 500) / 1000,
		TimingData:            assembly.Timing,
	}, nil
}

// postProcess normalizes every spoken segment (never pauses), flags
// implausible durations as warnings, and returns the segments in strict
// unit order for assembly.
func (o *Orchestrator) postProcess(
	ctx context.Context,
	scr *script.Script,
	segments map[int]core.AudioSegment,
) ([]core.AudioSegment, error) {
	indices := make([]int, 0, len(segments))
	for unitIndex := range segments {
		indices = append(indices, unitIndex)
	}

	sort.Ints(indices)

	ordered := make([]core.AudioSegment, 0, len(indices))

	for _, unitIndex := range indices {
		segment := segments[unitIndex]
		unit := scr.Units[unitIndex]

		if unit.Speakable() {
			normalized, err := o.deps.Normalizer.Normalize(ctx, segment.Data)
			if err != nil {
				return nil, fmt.Errorf("normalize unit %d: %w", unitIndex, err)
			}

			segment.Data = normalized

			o.flagSuspiciousDuration(unit, segment)
		}

		ordered = append(ordered, segment)
	}

	return ordered, nil
}

// flagSuspiciousDuration applies the provider's duration heuristic. This is
// deliberately warning-only: degenerate output is logged for review, never
// re-synthesized automatically.
func (o *Orchestrator) flagSuspiciousDuration(unit script.Unit, segment core.AudioSegment) {
	info, parseErr := audio.ParseWAV(segment.Data)
	if parseErr != nil {
		o.deps.Log.Warn(
			"cannot inspect normalized segment for unit %d: %v",
			segment.UnitIndex, parseErr,
		)

		return
	}

	validator := o.validatorFor(unit)
	synth.CheckDuration(validator, segment.UnitIndex, unit.Text, info.DurationMs(), o.deps.Log)
}

func (o *Orchestrator) validatorFor(unit script.Unit) synth.DurationValidator {
	providerName := o.deps.Synth.ProviderFor(unit)
	if validator, ok := o.deps.Validators[providerName]; ok {
		return validator
	}

	return o.defaultValidator
}

// uploadArtifact writes the mastered audio to a scratch file and streams it
// into the object store. The scratch file is removed on every exit path.
func (o *Orchestrator) uploadArtifact(
	ctx context.Context,
	lessonID string,
	speed core.Speed,
	mastered []byte,
) (string, error) {
	scratchDir := o.opts.WorkDir
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}

	scratch := filepath.Join(
		scratchDir,
		fmt.Sprintf("lesson-%s-%s-%s.mp3", lessonID, speed.Label(), uuid.NewString()),
	)

	writeErr := os.WriteFile(scratch, mastered, artifactPermissions)
	if writeErr != nil {
		return "", fmt.Errorf("failed to write artifact scratch file: %w", writeErr)
	}

	defer func() {
		removeErr := os.Remove(scratch)
		if removeErr != nil {
			o.deps.Log.Warn("failed to remove scratch file %s: %v", scratch, removeErr)
		}
	}()

	key := fmt.Sprintf(
		"%s/%s/audio_%s_%s.mp3",
		o.opts.UploadFolder, lessonID, speed.Label(), uuid.NewString()[:8],
	)

	uploadErr := o.deps.Store.UploadFile(ctx, key, scratch)
	if uploadErr != nil {
		return "", fmt.Errorf("failed to upload artifact: %w", uploadErr)
	}

	return key, nil
}

// monotonicProgress guarantees the externally visible percentage never
// decreases, whatever milestone arithmetic feeds it.
type monotonicProgress struct {
	sink core.ProgressSink
	last int
}

func newMonotonicProgress(sink core.ProgressSink) *monotonicProgress {
	if sink == nil {
		sink = core.NopProgress
	}

	return &monotonicProgress{sink: sink, last: -1}
}

func (p *monotonicProgress) report(percent int) {
	if percent <= p.last {
		return
	}

	p.last = percent
	p.sink(percent)
}

// progressSlice maps one speed pass's 0-100 milestones into its share of
// the overall job percentage.
type progressSlice struct {
	sink  *monotonicProgress
	base  int
	width int
}

func (s progressSlice) report(percent int) {
	s.sink.report(s.base + percent*s.width/percentFull)
}
