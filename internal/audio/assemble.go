package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/book-expert/logger"

	"github.com/book-expert/lesson-audio-service/internal/core"
)

const (
	segmentFileFormat = "seg_%04d.wav"
	concatListName    = "inputs.txt"

	filePermissions = 0o600
)

// AssembleOptions fixes the intermediate PCM format and the target encode
// profile for the assembled file.
type AssembleOptions struct {
	SampleRate int
	Channels   int
	// Bitrate is the libmp3lame target, e.g. "128k".
	Bitrate string
	// WorkDir hosts the per-call temporary directory; empty means the
	// system default.
	WorkDir string
}

// Assembly is the output of one concatenation pass: the encoded audio and
// the per-unit timing table derived from decoded sample counts.
type Assembly struct {
	Audio      []byte
	Timing     []core.TimingEntry
	DurationMs int
}

// Assembler concatenates ordered segments into one continuous file without
// frame-boundary artifacts. The whole ordered sequence is decoded in a
// single concat-demuxer pass to one uncompressed stream, which is then
// encoded exactly once; segments are never re-encoded individually.
type Assembler struct {
	runner *Runner
	opts   AssembleOptions
	log    *logger.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(runner *Runner, opts AssembleOptions, log *logger.Logger) *Assembler {
	return &Assembler{runner: runner, opts: opts, log: log}
}

// TimingForSegments builds the timing table for an ordered, non-empty
// segment slice. Start and end offsets come from each segment's decoded
// sample count, not from pre-normalization estimates. The second return is
// the total duration in milliseconds.
func TimingForSegments(segments []core.AudioSegment) ([]core.TimingEntry, int, error) {
	timing := make([]core.TimingEntry, 0, len(segments))
	cursorMs := 0

	for _, segment := range segments {
		info, err := ParseWAV(segment.Data)
		if err != nil {
			return nil, 0, fmt.Errorf("segment for unit %d: %w", segment.UnitIndex, err)
		}

		durationMs := info.DurationMs()
		timing = append(timing, core.TimingEntry{
			UnitIndex:   segment.UnitIndex,
			StartTimeMs: cursorMs,
			EndTimeMs:   cursorMs + durationMs,
		})
		cursorMs += durationMs
	}

	return timing, cursorMs, nil
}

// Assemble concatenates the ordered segments and returns the encoded audio
// with its timing table. Empty segments are dropped with a warning; their
// units simply have no timing entry. If nothing remains the run fails with
// core.ErrNothingToAssemble, which is not retryable.
func (a *Assembler) Assemble(
	ctx context.Context,
	segments []core.AudioSegment,
) (*Assembly, error) {
	kept := a.dropEmptySegments(segments)
	if len(kept) == 0 {
		return nil, core.ErrNothingToAssemble
	}

	timing, totalMs, err := TimingForSegments(kept)
	if err != nil {
		return nil, err
	}

	// A single segment needs no concatenation, but it still goes through
	// the encode pass: Assembly.Audio is always in the target format, never
	// raw WAV under a full-span timing entry.
	if len(kept) == 1 {
		encoded, encodeErr := a.encodeSingle(ctx, kept[0].Data)
		if encodeErr != nil {
			return nil, encodeErr
		}

		return &Assembly{
			Audio:      encoded,
			Timing:     timing,
			DurationMs: totalMs,
		}, nil
	}

	pcm, err := a.decodeContinuous(ctx, kept)
	if err != nil {
		return nil, err
	}

	a.checkDecodedDrift(pcm, totalMs)

	encoded, err := a.encodeOnce(ctx, pcm)
	if err != nil {
		return nil, err
	}

	return &Assembly{Audio: encoded, Timing: timing, DurationMs: totalMs}, nil
}

func (a *Assembler) dropEmptySegments(segments []core.AudioSegment) []core.AudioSegment {
	kept := make([]core.AudioSegment, 0, len(segments))

	for _, segment := range segments {
		if len(segment.Data) == 0 {
			a.log.Warn("dropping empty segment for unit %d", segment.UnitIndex)

			continue
		}

		kept = append(kept, segment)
	}

	return kept
}

// decodeContinuous writes the ordered segments to disk and decodes them in
// one concat-demuxer pass to a single continuous s16le stream. The working
// directory is removed on every exit path.
func (a *Assembler) decodeContinuous(
	ctx context.Context,
	segments []core.AudioSegment,
) ([]byte, error) {
	tempDir, err := os.MkdirTemp(a.opts.WorkDir, "assemble-")
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}

	defer func() {
		removeErr := os.RemoveAll(tempDir)
		if removeErr != nil {
			a.log.Warn("failed to remove working directory %s: %v", tempDir, removeErr)
		}
	}()

	listPath, err := a.writeConcatInputs(tempDir, segments)
	if err != nil {
		return nil, err
	}

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-ar", strconv.Itoa(a.opts.SampleRate),
		"-ac", strconv.Itoa(a.opts.Channels),
		"-f", "s16le",
		"pipe:1",
	}

	pcm, err := a.runner.Run(ctx, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("concat decode pass: %w", err)
	}

	return pcm, nil
}

func (a *Assembler) writeConcatInputs(
	tempDir string,
	segments []core.AudioSegment,
) (string, error) {
	list := make([]byte, 0, len(segments)*32)

	for i, segment := range segments {
		name := fmt.Sprintf(segmentFileFormat, i)
		path := filepath.Join(tempDir, name)

		writeErr := os.WriteFile(path, segment.Data, filePermissions)
		if writeErr != nil {
			return "", fmt.Errorf("failed to write segment %d: %w", i, writeErr)
		}

		list = append(list, []byte("file '"+name+"'\n")...)
	}

	listPath := filepath.Join(tempDir, concatListName)

	writeErr := os.WriteFile(listPath, list, filePermissions)
	if writeErr != nil {
		return "", fmt.Errorf("failed to write concat list: %w", writeErr)
	}

	return listPath, nil
}

// checkDecodedDrift compares the decoded stream length against the timing
// table. Resampling rounds at input joins, so a few milliseconds of drift
// is expected; more suggests a corrupt input and is worth a warning.
func (a *Assembler) checkDecodedDrift(pcm []byte, expectedMs int) {
	frameSize := a.opts.Channels * bytesPerSample
	decodedMs := len(pcm) / frameSize * msPerSecond / a.opts.SampleRate

	drift := decodedMs - expectedMs
	if drift < 0 {
		drift = -drift
	}

	// Allow 10 ms plus 1 ms per second of audio before complaining.
	allowedMs := 10 + decodedMs/msPerSecond
	if drift > allowedMs {
		a.log.Warn(
			"decoded stream is %d ms but timing table sums to %d ms",
			decodedMs, expectedMs,
		)
	}
}

// encodeSingle encodes one WAV segment straight to the target format,
// resampling to the fixed output profile on the way.
func (a *Assembler) encodeSingle(ctx context.Context, wavData []byte) ([]byte, error) {
	args := []string{
		"-f", "wav",
		"-i", "pipe:0",
		"-ar", strconv.Itoa(a.opts.SampleRate),
		"-ac", strconv.Itoa(a.opts.Channels),
		"-codec:a", "libmp3lame",
		"-b:a", a.opts.Bitrate,
		"-f", "mp3",
		"pipe:1",
	}

	encoded, err := a.runner.Run(ctx, wavData, args...)
	if err != nil {
		return nil, fmt.Errorf("single-segment encode pass: %w", err)
	}

	return encoded, nil
}

// encodeOnce encodes the continuous PCM stream to the target format in a
// single pass.
func (a *Assembler) encodeOnce(ctx context.Context, pcm []byte) ([]byte, error) {
	args := []string{
		"-f", "s16le",
		"-ar", strconv.Itoa(a.opts.SampleRate),
		"-ac", strconv.Itoa(a.opts.Channels),
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", a.opts.Bitrate,
		"-f", "mp3",
		"pipe:1",
	}

	encoded, err := a.runner.Run(ctx, pcm, args...)
	if err != nil {
		return nil, fmt.Errorf("encode pass: %w", err)
	}

	return encoded, nil
}
