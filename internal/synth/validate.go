package synth

import (
	"fmt"

	"github.com/book-expert/logger"
)

// Default heuristic bounds. These are empirically tuned: real speech rarely
// runs faster than ~25 ms per character or slower than ~250 ms per
// character, with fixed slack for lead-in/lead-out.
const (
	defaultMinMsPerChar = 25
	defaultMaxMsPerChar = 250
	defaultSlackMs      = 2000
	defaultFloorMs      = 150
)

// DurationValidator bounds the plausible duration of synthesized audio for
// a given text. Thresholds need provider-specific recalibration, so each
// provider can carry its own implementation.
type DurationValidator interface {
	// Bounds returns the plausible [min, max] duration in milliseconds.
	Bounds(text string) (minMs, maxMs int)
}

// HeuristicValidator is a linear-in-text-length validator.
type HeuristicValidator struct {
	MinMsPerChar int
	MaxMsPerChar int
	SlackMs      int
	FloorMs      int
}

// NewHeuristicValidator returns a validator with the default tuning.
func NewHeuristicValidator() *HeuristicValidator {
	return &HeuristicValidator{
		MinMsPerChar: defaultMinMsPerChar,
		MaxMsPerChar: defaultMaxMsPerChar,
		SlackMs:      defaultSlackMs,
		FloorMs:      defaultFloorMs,
	}
}

// Bounds implements DurationValidator.
func (v *HeuristicValidator) Bounds(text string) (int, int) {
	chars := len([]rune(text))

	minMs := chars * v.MinMsPerChar
	if minMs < v.FloorMs {
		minMs = v.FloorMs
	}

	maxMs := chars*v.MaxMsPerChar + v.SlackMs

	return minMs, maxMs
}

// Finding describes one flagged segment. Findings are quality warnings for
// review, never hard failures: providers occasionally produce truncated or
// runaway output that is still valid audio.
type Finding struct {
	UnitIndex int
	ActualMs  int
	MinMs     int
	MaxMs     int
}

func (f Finding) String() string {
	return fmt.Sprintf(
		"unit %d: audio is %d ms, expected %d-%d ms for its text",
		f.UnitIndex, f.ActualMs, f.MinMs, f.MaxMs,
	)
}

// CheckDuration flags (and logs) a segment whose duration falls outside the
// validator's window. It returns the finding for callers that aggregate QA
// reports; a nil return means the segment looks plausible.
func CheckDuration(
	validator DurationValidator,
	unitIndex int,
	text string,
	actualMs int,
	log *logger.Logger,
) *Finding {
	minMs, maxMs := validator.Bounds(text)
	if actualMs >= minMs && actualMs <= maxMs {
		return nil
	}

	finding := &Finding{
		UnitIndex: unitIndex,
		ActualMs:  actualMs,
		MinMs:     minMs,
		MaxMs:     maxMs,
	}

	log.Warn("suspicious segment duration: %s", finding)

	return finding
}
