package audio_test

import (
	"bytes"
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/lesson-audio-service/internal/audio"
	"github.com/book-expert/lesson-audio-service/internal/core"
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

func requireFFmpeg(t *testing.T) {
	t.Helper()

	_, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
}

func newTestAssembler(t *testing.T) *audio.Assembler {
	t.Helper()

	log := newTestLogger(t)
	runner := audio.NewRunnerWithPath("ffmpeg", 5*time.Second, log)

	return audio.NewAssembler(runner, audio.AssembleOptions{
		SampleRate: 44100,
		Channels:   1,
		Bitrate:    "128k",
		WorkDir:    t.TempDir(),
	}, log)
}

func silentSegment(unitIndex int, seconds float64) core.AudioSegment {
	return core.AudioSegment{
		UnitIndex: unitIndex,
		Data:      audio.Silence(seconds, 44100, 1),
	}
}

func TestAssembleNothingToAssemble(t *testing.T) {
	t.Parallel()

	assembler := newTestAssembler(t)

	_, err := assembler.Assemble(context.Background(), nil)
	require.ErrorIs(t, err, core.ErrNothingToAssemble)

	_, err = assembler.Assemble(context.Background(), []core.AudioSegment{
		{UnitIndex: 0, Data: nil},
		{UnitIndex: 1, Data: []byte{}},
	})
	require.ErrorIs(t, err, core.ErrNothingToAssemble)
}

func TestAssembleSingleSegmentIsEncoded(t *testing.T) {
	t.Parallel()
	requireFFmpeg(t)

	assembler := newTestAssembler(t)
	segment := silentSegment(3, 2.0)

	result, err := assembler.Assemble(context.Background(), []core.AudioSegment{segment})
	require.NoError(t, err)

	// The lone segment skips concatenation but not the encode pass: the
	// output must be in the target format, never the segment's WAV bytes.
	require.NotEmpty(t, result.Audio)
	assert.False(t, bytes.HasPrefix(result.Audio, []byte("RIFF")))

	require.Len(t, result.Timing, 1)
	assert.Equal(t, 3, result.Timing[0].UnitIndex)
	assert.Equal(t, 0, result.Timing[0].StartTimeMs)
	assert.Equal(t, 2000, result.Timing[0].EndTimeMs)
	assert.Equal(t, 2000, result.DurationMs)
}

func TestAssembleDropsEmptySegmentBeforeTiming(t *testing.T) {
	t.Parallel()
	requireFFmpeg(t)

	assembler := newTestAssembler(t)
	segments := []core.AudioSegment{
		{UnitIndex: 0, Data: nil},
		silentSegment(1, 1.0),
	}

	result, err := assembler.Assemble(context.Background(), segments)
	require.NoError(t, err)

	// The empty segment has no timing entry; the run degrades to the
	// single-segment path.
	require.Len(t, result.Timing, 1)
	assert.Equal(t, 1, result.Timing[0].UnitIndex)
}

func TestTimingForSegmentsIsMonotonic(t *testing.T) {
	t.Parallel()

	segments := []core.AudioSegment{
		silentSegment(0, 0.5),
		silentSegment(1, 1.25),
		silentSegment(3, 0.75),
	}

	timing, totalMs, err := audio.TimingForSegments(segments)
	require.NoError(t, err)
	require.Len(t, timing, 3)

	assert.Equal(t, 2500, totalMs)

	for i, entry := range timing {
		assert.GreaterOrEqual(t, entry.EndTimeMs, entry.StartTimeMs)

		if i > 0 {
			assert.GreaterOrEqual(
				t, entry.StartTimeMs, timing[i-1].StartTimeMs,
				"start times must be non-decreasing in unit order",
			)
			assert.Equal(t, timing[i-1].EndTimeMs, entry.StartTimeMs)
		}
	}

	assert.Equal(t, []int{0, 1, 3}, []int{
		timing[0].UnitIndex, timing[1].UnitIndex, timing[2].UnitIndex,
	})
}

func TestTimingForSegmentsRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, _, err := audio.TimingForSegments([]core.AudioSegment{
		{UnitIndex: 0, Data: []byte("definitely not a wav file, but long enough to parse")},
	})
	require.ErrorIs(t, err, audio.ErrNotWAV)
}
