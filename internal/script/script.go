// Package script defines the typed lesson script consumed by the audio
// assembly pipeline. A script is an ordered sequence of units; unit order is
// the canonical playback order and is preserved through every pipeline stage.
package script

import (
	"errors"
	"fmt"
)

// Static validation errors.
var (
	ErrNoUnits            = errors.New("script has no units")
	ErrTextEmpty          = errors.New("unit text cannot be empty")
	ErrVoiceEmpty         = errors.New("unit voice cannot be empty")
	ErrLanguageEmpty      = errors.New("unit language cannot be empty")
	ErrNegativePause      = errors.New("pause duration cannot be negative")
	ErrMarkerLabelEmpty   = errors.New("marker label cannot be empty")
	ErrUnknownUnitKind    = errors.New("unknown unit kind")
	ErrSpeedOverrideRange = errors.New("speed override must be between 0.5 and 1.5")
)

// Kind discriminates the unit variants.
type Kind string

const (
	// UnitNarration is commentary spoken in the learner's native language.
	UnitNarration Kind = "narration"
	// UnitTarget is a line spoken in the language being learned.
	UnitTarget Kind = "target"
	// UnitPause is locally generated silence; never sent to a provider.
	UnitPause Kind = "pause"
	// UnitMarker is a non-audio checkpoint; never synthesized and never
	// produces a segment.
	UnitMarker Kind = "marker"
)

// Unit is one item in a script's playback sequence. Field relevance depends
// on Kind: narration/target use Text/VoiceID/Language (target may carry a
// SpeedOverride), pause uses PauseSeconds, marker uses Label.
type Unit struct {
	Kind          Kind    `json:"kind"`
	Text          string  `json:"text,omitempty"`
	VoiceID       string  `json:"voice_id,omitempty"`
	Language      string  `json:"language,omitempty"`
	SpeedOverride float64 `json:"speed_override,omitempty"`
	PauseSeconds  float64 `json:"pause_seconds,omitempty"`
	Label         string  `json:"label,omitempty"`
}

// Speakable reports whether the unit produces provider-synthesized audio.
func (u Unit) Speakable() bool {
	return u.Kind == UnitNarration || u.Kind == UnitTarget
}

// Script is an ordered unit sequence for one lesson.
type Script struct {
	LessonID       string `json:"lesson_id"`
	NativeLanguage string `json:"native_language"`
	TargetLanguage string `json:"target_language"`
	Units          []Unit `json:"units"`
}

// Validate checks structural invariants for every unit. The unit index is
// included in the error so a bad script is diagnosable from logs alone.
func (s *Script) Validate() error {
	if len(s.Units) == 0 {
		return ErrNoUnits
	}

	for i, unit := range s.Units {
		err := validateUnit(unit)
		if err != nil {
			return fmt.Errorf("unit %d: %w", i, err)
		}
	}

	return nil
}

func validateUnit(u Unit) error {
	switch u.Kind {
	case UnitNarration, UnitTarget:
		return validateSpokenUnit(u)
	case UnitPause:
		if u.PauseSeconds < 0 {
			return ErrNegativePause
		}

		return nil
	case UnitMarker:
		if u.Label == "" {
			return ErrMarkerLabelEmpty
		}

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownUnitKind, u.Kind)
	}
}

func validateSpokenUnit(u Unit) error {
	if u.Text == "" {
		return ErrTextEmpty
	}

	if u.VoiceID == "" {
		return ErrVoiceEmpty
	}

	if u.Language == "" {
		return ErrLanguageEmpty
	}

	if u.SpeedOverride != 0 && (u.SpeedOverride < 0.5 || u.SpeedOverride > 1.5) {
		return ErrSpeedOverrideRange
	}

	return nil
}

// SpeakableIndices returns the indices of units that require provider
// synthesis, in playback order.
func (s *Script) SpeakableIndices() []int {
	indices := make([]int, 0, len(s.Units))

	for i, unit := range s.Units {
		if unit.Speakable() {
			indices = append(indices, i)
		}
	}

	return indices
}

// PauseDurations returns the distinct pause lengths in the script, in first
// appearance order. Zero-length pauses are skipped; they produce no segment.
func (s *Script) PauseDurations() []float64 {
	seen := make(map[float64]bool)

	var durations []float64

	for _, unit := range s.Units {
		if unit.Kind != UnitPause || unit.PauseSeconds <= 0 {
			continue
		}

		if !seen[unit.PauseSeconds] {
			seen[unit.PauseSeconds] = true

			durations = append(durations, unit.PauseSeconds)
		}
	}

	return durations
}
