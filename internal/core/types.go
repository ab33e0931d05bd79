package core

// Speed is a supported playback speed variant. Results are keyed by this
// enum rather than by formatted multiplier strings.
type Speed int

const (
	// SpeedSlow is the deliberate 0.7x learner speed.
	SpeedSlow Speed = iota
	// SpeedReduced is the intermediate 0.85x speed.
	SpeedReduced
	// SpeedNatural is the native 1.0x speed.
	SpeedNatural
)

// Speeds lists every variant in generation order, slowest first.
var Speeds = []Speed{SpeedSlow, SpeedReduced, SpeedNatural}

// Multiplier returns the playback-rate multiplier requested from providers.
func (s Speed) Multiplier() float64 {
	switch s {
	case SpeedSlow:
		return 0.7
	case SpeedReduced:
		return 0.85
	case SpeedNatural:
		return 1.0
	default:
		return 1.0
	}
}

// Label returns a filesystem- and key-safe name for the variant.
func (s Speed) Label() string {
	switch s {
	case SpeedSlow:
		return "slow"
	case SpeedReduced:
		return "reduced"
	case SpeedNatural:
		return "natural"
	default:
		return "natural"
	}
}

// AudioSegment is the synthesized (or silent) audio for one script unit.
type AudioSegment struct {
	UnitIndex int
	Data      []byte
}

// TimingEntry locates one unit's audio inside the assembled file. One entry
// exists per successfully written segment; start times are monotonically
// non-decreasing in unit order.
type TimingEntry struct {
	UnitIndex   int `json:"unitIndex"`
	StartTimeMs int `json:"startTimeMs"`
	EndTimeMs   int `json:"endTimeMs"`
}

// AssemblyResult is the stable per-(script, speed) output contract. Field
// names and units are load-bearing for downstream consumers.
type AssemblyResult struct {
	AudioURL              string        `json:"audioUrl"`
	ActualDurationSeconds int           `json:"actualDurationSeconds"`
	TimingData            []TimingEntry `json:"timingData"`
}

// LessonAudioJob is the queue payload that triggers one generation run.
// The script itself lives in the object store under ScriptKey; the queue
// only moves references.
type LessonAudioJob struct {
	JobID     string `json:"job_id"`
	LessonID  string `json:"lesson_id"`
	ScriptKey string `json:"script_key"`
	// SpeedLabels optionally restricts generation to the named variants;
	// empty means all of Speeds.
	SpeedLabels []string `json:"speeds,omitempty"`
}

// JobProgressEvent reports coarse progress for a running job.
type JobProgressEvent struct {
	JobID    string `json:"job_id"`
	LessonID string `json:"lesson_id"`
	Percent  int    `json:"percent"`
}

// SpeedCompletedEvent announces one finished speed variant. It is published
// as soon as that variant's artifact is stored, before the remaining speeds
// finish, so consumers can reveal variants progressively.
type SpeedCompletedEvent struct {
	JobID    string         `json:"job_id"`
	LessonID string         `json:"lesson_id"`
	Speed    string         `json:"speed"`
	Result   AssemblyResult `json:"result"`
}

// JobFailedEvent announces terminal failure. Previously completed speed
// variants for the same lesson remain valid.
type JobFailedEvent struct {
	JobID    string `json:"job_id"`
	LessonID string `json:"lesson_id"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// SpeedFromLabel maps a label back to its Speed. Unknown labels report ok
// as false rather than defaulting, so callers can reject bad payloads.
func SpeedFromLabel(label string) (Speed, bool) {
	for _, s := range Speeds {
		if s.Label() == label {
			return s, true
		}
	}

	return SpeedNatural, false
}
