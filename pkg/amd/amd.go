// Package amd implements answering-machine detection for outbound telephone
// calls: a causal, one-shot classifier that decides from the opening seconds
// of audio whether a human or a machine answered.
//
// The detector consumes raw linear PCM in fixed analysis windows and keeps
// only cheap evidence per window: RMS energy, speech/silence classification,
// the ordered list of speech segments, and beep-candidate tracking. Decision
// rules are evaluated after every window once a minimum elapsed time has
// passed; the first rule to fire wins and the detector becomes inert.
//
// A Detector belongs to a single call and is not safe for concurrent use —
// feed it from the call's audio loop only.
package amd

import (
	"math"
	"time"
)

// Detector analyses one call's inbound audio and produces at most one
// [Result]. Create one per session with [New]; it must not be shared across
// goroutines.
type Detector struct {
	cfg         Config
	windowBytes int
	windowDur   time.Duration

	pending []byte // partial window carried between Process calls

	windows       int
	speechWindows int

	segments  []Segment
	inSpeech  bool
	openStart time.Duration

	energies []float64

	beepActive   bool
	beepStart    time.Duration
	beepDetected bool

	result *Result
}

// New creates a Detector with the given configuration. Zero-valued fields are
// filled from [DefaultConfig].
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.WindowMs <= 0 {
		cfg.WindowMs = def.WindowMs
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.BeepThresholdFactor <= 1 {
		cfg.BeepThresholdFactor = def.BeepThresholdFactor
	}
	if cfg.BeepMinDuration <= 0 {
		cfg.BeepMinDuration = def.BeepMinDuration
	}
	if cfg.BeepMaxDuration <= 0 {
		cfg.BeepMaxDuration = def.BeepMaxDuration
	}
	if cfg.MachineGreeting <= 0 {
		cfg.MachineGreeting = def.MachineGreeting
	}
	if cfg.HumanGreeting <= 0 {
		cfg.HumanGreeting = def.HumanGreeting
	}
	if cfg.MinSilenceAfterGreeting <= 0 {
		cfg.MinSilenceAfterGreeting = def.MinSilenceAfterGreeting
	}
	if cfg.MinDecisionTime <= 0 {
		cfg.MinDecisionTime = def.MinDecisionTime
	}
	if cfg.MaxDetectionTime <= 0 {
		cfg.MaxDetectionTime = def.MaxDetectionTime
	}
	if cfg.EnergyHistoryLen <= 0 {
		cfg.EnergyHistoryLen = def.EnergyHistoryLen
	}

	samplesPerWindow := cfg.SampleRate * cfg.WindowMs / 1000
	return &Detector{
		cfg:         cfg,
		windowBytes: samplesPerWindow * 2,
		windowDur:   time.Duration(cfg.WindowMs) * time.Millisecond,
	}
}

// Done reports whether a result has been produced. Once true, further audio
// is ignored for classification purposes.
func (d *Detector) Done() bool { return d.result != nil }

// Result returns the decision, or nil if none has been produced yet.
func (d *Detector) Result() *Result { return d.result }

// Process feeds one frame of little-endian 16-bit mono PCM at the configured
// sample rate. It returns a non-nil Result exactly once — on the call whose
// audio completes the decision — and nil on every other call, including all
// calls after the decision.
func (d *Detector) Process(frame []byte) *Result {
	if d.result != nil {
		return nil
	}

	d.pending = append(d.pending, frame...)
	for len(d.pending) >= d.windowBytes {
		window := d.pending[:d.windowBytes]
		d.pending = d.pending[d.windowBytes:]

		d.analyzeWindow(window)
		if res := d.evaluate(); res != nil {
			d.result = res
			d.pending = nil
			return res
		}
	}
	return nil
}

// analyzeWindow updates energy history, speech/silence counters, segment
// boundaries, and beep-candidate state for one analysis window.
func (d *Detector) analyzeWindow(window []byte) {
	start := time.Duration(d.windows) * d.windowDur
	d.windows++

	rms := windowRMS(window)

	d.energies = append(d.energies, rms)
	if len(d.energies) > d.cfg.EnergyHistoryLen {
		d.energies = d.energies[1:]
	}

	speech := rms > d.cfg.SilenceThreshold
	if speech {
		d.speechWindows++
	}

	// Segment edges.
	if speech && !d.inSpeech {
		d.inSpeech = true
		d.openStart = start
	} else if !speech && d.inSpeech {
		d.inSpeech = false
		d.segments = append(d.segments, Segment{Start: d.openStart, End: start})
	}

	// Beep candidate: sustained energy above the beep level, confirmed when
	// the energy drops and the sustained run length falls inside the band.
	loud := rms > d.cfg.SilenceThreshold*d.cfg.BeepThresholdFactor
	switch {
	case loud && !d.beepActive:
		d.beepActive = true
		d.beepStart = start
	case !loud && d.beepActive:
		d.beepActive = false
		run := start - d.beepStart
		if run >= d.cfg.BeepMinDuration && run <= d.cfg.BeepMaxDuration {
			d.beepDetected = true
		}
	}
}

// evaluate applies the decision rules in priority order. It returns nil when
// no rule fires yet.
func (d *Detector) evaluate() *Result {
	now := time.Duration(d.windows) * d.windowDur
	if now < d.cfg.MinDecisionTime {
		return nil
	}

	// Beep overrides every other heuristic.
	if d.beepDetected {
		return d.conclude(VerdictMachine, 0.95, ReasonBeepDetected, now)
	}

	// One long uninterrupted utterance from the start: a recorded greeting.
	if d.inSpeech && len(d.segments) == 0 && now-d.openStart > d.cfg.MachineGreeting {
		return d.conclude(VerdictMachine, 0.85, ReasonLongContinuousSpeech, now)
	}

	// Short first utterance followed by a pause: "Hello?".
	if !d.inSpeech && len(d.segments) == 1 {
		first := d.segments[0]
		if first.Duration() < d.cfg.HumanGreeting && now-first.End >= d.cfg.MinSilenceAfterGreeting {
			return d.conclude(VerdictHuman, 0.80, ReasonShortGreetingWithPause, now)
		}
	}

	// Turn-taking: several distinct utterances.
	if len(d.segments) >= 3 {
		return d.conclude(VerdictHuman, 0.75, ReasonMultipleSegments, now)
	}

	// Deadline: force a decision from whatever evidence exists. Defaulting
	// to human is the conservative choice — dropping a real customer costs
	// more than speaking to a machine.
	if now >= d.cfg.MaxDetectionTime {
		longest := time.Duration(0)
		for _, s := range d.segments {
			if s.Duration() > longest {
				longest = s.Duration()
			}
		}
		if d.inSpeech && now-d.openStart > longest {
			longest = now - d.openStart
		}
		switch {
		case longest >= d.cfg.MachineGreeting:
			return d.conclude(VerdictMachine, 0.60, ReasonDetectionTimeout, now)
		case longest > 0:
			return d.conclude(VerdictHuman, 0.60, ReasonDetectionTimeout, now)
		default:
			return d.conclude(VerdictHuman, 0.40, ReasonDetectionTimeout, now)
		}
	}

	return nil
}

// conclude builds the immutable Result with decision-time diagnostics.
func (d *Detector) conclude(v Verdict, confidence float64, reason Reason, now time.Duration) *Result {
	segments := len(d.segments)
	if d.inSpeech {
		segments++
	}
	speechRatio := 0.0
	if d.windows > 0 {
		speechRatio = float64(d.speechWindows) / float64(d.windows)
	}
	return &Result{
		Verdict:        v,
		Confidence:     confidence,
		Reason:         reason,
		Elapsed:        now,
		SpeechRatio:    speechRatio,
		SegmentCount:   segments,
		EnergyVariance: variance(d.energies),
		BeepDetected:   d.beepDetected,
	}
}

// windowRMS computes root-mean-square energy of little-endian int16 samples.
func windowRMS(window []byte) float64 {
	n := len(window) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(window[i*2]) | int16(window[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// variance computes population variance of the energy history.
func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs))
}
