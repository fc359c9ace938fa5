package amd

import "time"

// Verdict is the outcome of answering-machine detection for one call.
type Verdict string

const (
	// VerdictHuman indicates a live person answered the call.
	VerdictHuman Verdict = "human"

	// VerdictMachine indicates voicemail or an automated greeting answered.
	VerdictMachine Verdict = "machine"
)

// Reason identifies which heuristic produced the verdict.
type Reason string

const (
	// ReasonBeepDetected fires when a sustained high-energy tone within the
	// configured beep band was observed. Overrides all other heuristics.
	ReasonBeepDetected Reason = "beep_detected"

	// ReasonLongContinuousSpeech fires when the very first utterance runs
	// uninterrupted past the machine-greeting threshold.
	ReasonLongContinuousSpeech Reason = "long_continuous_speech"

	// ReasonShortGreetingWithPause fires when the first utterance was short
	// and followed by silence — the "Hello?" pattern of a live answerer.
	ReasonShortGreetingWithPause Reason = "short_greeting_with_pause"

	// ReasonMultipleSegments fires when several distinct utterances were
	// observed; turn-taking is characteristic of a person, not a recording.
	ReasonMultipleSegments Reason = "multiple_segments"

	// ReasonDetectionTimeout marks a forced decision at the detection
	// deadline, leaning on whatever evidence accumulated.
	ReasonDetectionTimeout Reason = "detection_timeout"
)

// Segment is a contiguous interval during which audio energy exceeded the
// silence threshold. Segments are append-only evidence: once closed they are
// never mutated.
type Segment struct {
	Start time.Duration
	End   time.Duration
}

// Duration returns the length of the segment.
func (s Segment) Duration() time.Duration { return s.End - s.Start }

// Result is the immutable outcome of detection for one call. A Detector
// produces at most one Result; audio arriving afterwards never revises it.
//
// Confidence is a heuristic ranking score for operational tuning (e.g.
// routing only high-confidence machine verdicts to a voicemail-drop path).
// It is not a calibrated probability.
type Result struct {
	Verdict    Verdict
	Confidence float64
	Reason     Reason

	// Diagnostics captured at decision time.
	Elapsed        time.Duration
	SpeechRatio    float64
	SegmentCount   int
	EnergyVariance float64
	BeepDetected   bool
}

// Config holds the tuning parameters for a Detector. All durations are in
// elapsed audio time, not wall-clock time — the detector is causal and driven
// purely by the samples it is fed.
type Config struct {
	// SampleRate is the PCM sample rate in Hz of the frames passed to
	// Process. Telephony audio is 8000.
	SampleRate int

	// WindowMs is the analysis window duration in milliseconds.
	WindowMs int

	// SilenceThreshold is the RMS level (int16 scale) above which a window
	// counts as speech.
	SilenceThreshold float64

	// BeepThresholdFactor scales SilenceThreshold to the level a window must
	// sustain to be a beep candidate.
	BeepThresholdFactor float64

	// BeepMinDuration and BeepMaxDuration bound the sustained-tone length
	// accepted as a voicemail beep.
	BeepMinDuration time.Duration
	BeepMaxDuration time.Duration

	// MachineGreeting is the uninterrupted first-utterance length beyond
	// which the caller is assumed to be a recording.
	MachineGreeting time.Duration

	// HumanGreeting is the first-utterance length below which a greeting
	// looks like a live "Hello?".
	HumanGreeting time.Duration

	// MinSilenceAfterGreeting is the pause required after a short first
	// utterance before deciding human.
	MinSilenceAfterGreeting time.Duration

	// MinDecisionTime is the elapsed audio time before any rule may fire.
	MinDecisionTime time.Duration

	// MaxDetectionTime is the deadline at which a decision is forced.
	MaxDetectionTime time.Duration

	// EnergyHistoryLen bounds the rolling per-window energy history used for
	// the variance diagnostic. Oldest entries are evicted first.
	EnergyHistoryLen int
}

// DefaultConfig returns the tuning used for 8kHz telephony audio.
func DefaultConfig() Config {
	return Config{
		SampleRate:              8000,
		WindowMs:                50,
		SilenceThreshold:        500,
		BeepThresholdFactor:     3.0,
		BeepMinDuration:         200 * time.Millisecond,
		BeepMaxDuration:         500 * time.Millisecond,
		MachineGreeting:         2500 * time.Millisecond,
		HumanGreeting:           1500 * time.Millisecond,
		MinSilenceAfterGreeting: 500 * time.Millisecond,
		MinDecisionTime:         1000 * time.Millisecond,
		MaxDetectionTime:        5000 * time.Millisecond,
		EnergyHistoryLen:        100,
	}
}
