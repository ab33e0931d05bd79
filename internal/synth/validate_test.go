package synth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/lesson-audio-service/internal/synth"
)

func TestHeuristicValidatorBounds(t *testing.T) {
	t.Parallel()

	validator := synth.NewHeuristicValidator()

	minMs, maxMs := validator.Bounds("Hello there")
	assert.Positive(t, minMs)
	assert.Greater(t, maxMs, minMs)

	// Very short text still gets the floor as its lower bound.
	floorMin, _ := validator.Bounds("a")
	assert.Equal(t, 150, floorMin)
}

func TestCheckDurationPlausibleSegmentIsNotFlagged(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)

	finding := synth.CheckDuration(
		synth.NewHeuristicValidator(), 2, "Hello there, how are you today?", 2500, log,
	)
	assert.Nil(t, finding)
}

func TestCheckDurationFlagsRunawayAudio(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)

	// 10 minutes of audio for one short word is runaway output.
	finding := synth.CheckDuration(
		synth.NewHeuristicValidator(), 7, "Hi", 600000, log,
	)
	require.NotNil(t, finding)
	assert.Equal(t, 7, finding.UnitIndex)
	assert.Equal(t, 600000, finding.ActualMs)
	assert.Contains(t, finding.String(), "unit 7")
}

func TestCheckDurationFlagsTruncatedAudio(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)

	finding := synth.CheckDuration(
		synth.NewHeuristicValidator(), 0,
		"This is a long sentence that cannot possibly fit in ten milliseconds.",
		10, log,
	)
	require.NotNil(t, finding)
}

func TestCleanText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"Hello   world", "Hello world"},
		{"  padded  ", "padded"},
		{"line\nbreaks\tand\ttabs", "line breaks and tabs"},
		{"wrapped\r\nline", "wrapped line"},
		{"bell\x07char", "bellchar"},
		{"こんにちは　世界", "こんにちは 世界"},
		{"", ""},
	}

	for _, testCase := range cases {
		assert.Equal(t, testCase.want, synth.CleanText(testCase.in))
	}
}
