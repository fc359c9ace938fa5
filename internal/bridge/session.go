// Package bridge implements the per-call session controller and the session
// manager that sits between a telephony leg and a realtime voice provider.
//
// A [Session] owns exactly one [realtime.Adapter]. It drives the adapter
// through its lifecycle, feeds inbound caller audio to both the answering
// machine detector and the provider, routes provider audio to the telephony
// leg, and surfaces transcripts, function calls, and the AMD verdict to the
// host application as [Event] values.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/outdial/voicebridge/internal/cost"
	"github.com/outdial/voicebridge/internal/observe"
	"github.com/outdial/voicebridge/pkg/amd"
	"github.com/outdial/voicebridge/pkg/audio"
	"github.com/outdial/voicebridge/pkg/provider/realtime"
)

// disconnectGrace bounds how long End waits for the adapter's event stream to
// drain after Disconnect before forcing the session into Closed.
const disconnectGrace = 5 * time.Second

// audioOutBuf is the buffer depth of the channel carrying provider audio to
// the telephony leg. Chunks beyond this are dropped, never queued unboundedly.
const audioOutBuf = 64

// eventBuf is the buffer depth of the host-facing event channel.
const eventBuf = 64

// State is the lifecycle phase of a call session.
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StateConfiguring State = "configuring"
	StateActive      State = "active"
	StateClosing     State = "closing"
	StateClosed      State = "closed"

	// StateErrored is absorbing: once entered the session only releases
	// resources. Best-effort disconnect still runs.
	StateErrored State = "errored"
)

// EventType discriminates host-facing session events.
type EventType string

const (
	// EventSpeechStarted reports the caller starting to speak. Buffered
	// outbound audio has already been flushed when this is delivered.
	EventSpeechStarted EventType = "speech_started"

	// EventAudioDone reports that the agent finished its spoken response.
	EventAudioDone EventType = "audio_done"

	// EventTranscriptUser carries a finalized caller utterance in Text.
	EventTranscriptUser EventType = "transcript_user"

	// EventTranscriptAgent carries a finalized agent utterance in Text.
	EventTranscriptAgent EventType = "transcript_agent"

	// EventFunctionCall carries a provider function call request. Answer it
	// with [Session.SubmitFunctionResult].
	EventFunctionCall EventType = "function_call"

	// EventAMDResult carries the answering machine verdict. Emitted at most
	// once per session.
	EventAMDResult EventType = "amd_result"

	// EventConfigApplied reports the provider acknowledging the session
	// configuration.
	EventConfigApplied EventType = "config_applied"

	// EventError carries a provider error in Err. The session keeps running
	// unless the error is fatal (configuration rejection or connection loss).
	EventError EventType = "error"

	// EventClosed is the final event before the channel closes.
	EventClosed EventType = "closed"
)

// Event is a host-facing session event. Exactly one payload field is set
// depending on Type.
type Event struct {
	Type         EventType
	Text         string
	FunctionCall *realtime.FunctionCall
	AMD          *amd.Result
	Err          error
}

// SessionConfig bundles everything a session needs beyond its adapter.
type SessionConfig struct {
	// Provider is the provider name, used in logs and metrics.
	Provider string

	// Agent is passed verbatim to the adapter's ConfigureSession.
	Agent realtime.AgentConfig

	// TelephonyFormat describes the inbound caller audio handed to
	// [Session.WriteAudio]. Companded formats are decoded to linear PCM
	// before answering machine detection.
	TelephonyFormat audio.Format

	// AMD tunes the answering machine detector. Zero fields use defaults.
	AMD amd.Config

	// DisableAMD skips answering machine detection entirely.
	DisableAMD bool
}

// Session is a single call bridged to one provider adapter. All exported
// methods are safe for concurrent use.
type Session struct {
	id      string
	cfg     SessionConfig
	adapter realtime.Adapter
	rates   cost.Table
	metrics *observe.Metrics
	onDone  func(*Session)

	mu          sync.Mutex
	state       State
	err         error
	amdResult   *amd.Result
	detector    *amd.Detector
	startedAt   time.Time
	loopStarted bool

	droppedIn  atomic.Int64
	droppedOut atomic.Int64

	// amdCh hands the verdict from the WriteAudio caller to the event loop,
	// which is the sole sender on events and audioOut.
	amdCh    chan *amd.Result
	events   chan Event
	audioOut chan []byte
	done     chan struct{}
	loopDone chan struct{}

	releaseOnce sync.Once
}

// newSession wires a session around an already-created adapter. The caller
// must invoke start before using it. onDone runs exactly once when the
// session releases its resources; it may be nil.
func newSession(id string, adapter realtime.Adapter, cfg SessionConfig, rates cost.Table, metrics *observe.Metrics, onDone func(*Session)) *Session {
	s := &Session{
		id:       id,
		cfg:      cfg,
		adapter:  adapter,
		rates:    rates,
		metrics:  metrics,
		onDone:   onDone,
		state:    StateIdle,
		amdCh:    make(chan *amd.Result, 1),
		events:   make(chan Event, eventBuf),
		audioOut: make(chan []byte, audioOutBuf),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	if !cfg.DisableAMD {
		amdCfg := cfg.AMD
		if amdCfg.SampleRate == 0 {
			amdCfg.SampleRate = cfg.TelephonyFormat.SampleRate
		}
		s.detector = amd.New(amdCfg)
	}
	return s
}

// start walks the session from Idle to Active: connect, configure, then spawn
// the event loop. Failures during connect or configure are fatal to the
// attempt; the session releases itself and the error propagates.
func (s *Session) start(ctx context.Context) error {
	s.setState(StateConnecting)
	if err := s.adapter.Connect(ctx); err != nil {
		s.fail(fmt.Errorf("bridge: connect: %w", err))
		return fmt.Errorf("bridge: connect: %w", err)
	}

	s.setState(StateConfiguring)
	if err := s.adapter.ConfigureSession(s.cfg.Agent); err != nil {
		s.fail(fmt.Errorf("bridge: configure session: %w", err))
		return fmt.Errorf("bridge: configure session: %w", err)
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.loopStarted = true
	s.mu.Unlock()
	s.setState(StateActive)

	go s.run()
	return nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Provider returns the provider name this session is bridged to.
func (s *Session) Provider() string { return s.cfg.Provider }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session into Errored, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Events returns the host-facing event stream. The channel closes after
// [EventClosed] when the session has fully released.
func (s *Session) Events() <-chan Event { return s.events }

// AudioOut returns the channel carrying provider audio for the telephony
// leg. It closes together with the event stream.
func (s *Session) AudioOut() <-chan []byte { return s.audioOut }

// AMDResult returns the answering machine verdict, or nil while detection is
// still running (or disabled).
func (s *Session) AMDResult() *amd.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amdResult
}

// WriteAudio forwards one inbound caller frame to the provider and, until a
// verdict exists, to the answering machine detector. It reports whether the
// adapter accepted the frame; a refused frame is dropped and counted, never
// retried, so frame ordering is preserved.
func (s *Session) WriteAudio(frame []byte) bool {
	s.feedDetector(frame)

	if s.State() != StateActive {
		return false
	}
	if ok := s.adapter.SendAudio(frame); !ok {
		s.droppedIn.Add(1)
		if s.metrics != nil {
			s.metrics.RecordDroppedFrames(context.Background(), "in", 1)
		}
		return false
	}
	return true
}

// feedDetector decodes the companded frame to linear PCM and advances the
// detector. The verdict is handed to the event loop exactly once.
func (s *Session) feedDetector(frame []byte) {
	s.mu.Lock()
	det := s.detector
	s.mu.Unlock()
	if det == nil {
		return
	}

	var pcm []byte
	switch s.cfg.TelephonyFormat.Encoding {
	case audio.EncodingULaw:
		pcm = audio.DecodeULaw(frame)
	case audio.EncodingALaw:
		pcm = audio.DecodeALaw(frame)
	default:
		pcm = frame
	}

	// A concurrent WriteAudio may have completed detection while the frame
	// was being decoded, so the field has to be checked again under the lock.
	s.mu.Lock()
	if s.detector == nil {
		s.mu.Unlock()
		return
	}
	res := s.detector.Process(pcm)
	if res != nil {
		s.amdResult = res
		s.detector = nil
	}
	s.mu.Unlock()

	if res != nil {
		if s.metrics != nil {
			s.metrics.RecordAMDDecision(context.Background(),
				string(res.Verdict), string(res.Reason), res.Elapsed.Seconds())
		}
		select {
		case s.amdCh <- res:
		default:
		}
	}
}

// SubmitFunctionResult answers a provider function call request.
func (s *Session) SubmitFunctionResult(callID, result string) error {
	if err := s.adapter.SendFunctionResult(callID, result); err != nil {
		return fmt.Errorf("bridge: submit function result: %w", err)
	}
	return nil
}

// CostSnapshot estimates the cost of usage reported so far. Safe to call
// mid-call or after close.
func (s *Session) CostSnapshot() cost.Snapshot {
	return s.rates.Estimate(s.adapter.CostMetrics())
}

// DroppedFrames returns the inbound and outbound frame drop counts.
func (s *Session) DroppedFrames() (in, out int64) {
	return s.droppedIn.Load(), s.droppedOut.Load()
}

// End terminates the session. It disconnects the adapter and waits up to
// disconnectGrace for the event stream to drain; if the adapter does not
// close promptly the session is forced into Closed so release never blocks
// indefinitely. End is idempotent.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed, StateErrored, StateClosing:
		s.mu.Unlock()
		<-s.loopDone
		return nil
	}
	s.state = StateClosing
	s.mu.Unlock()
	slog.Debug("session closing", "session_id", s.id)

	if err := s.adapter.Disconnect(); err != nil {
		slog.Warn("session disconnect error", "session_id", s.id, "err", err)
	}

	timer := time.NewTimer(disconnectGrace)
	defer timer.Stop()
	select {
	case <-s.loopDone:
	case <-timer.C:
		slog.Warn("session disconnect grace expired, forcing close", "session_id", s.id)
		s.release()
		<-s.loopDone
	case <-ctx.Done():
		s.release()
		<-s.loopDone
		return ctx.Err()
	}
	return nil
}

// run is the session event loop. It is the only sender on events and
// audioOut and closes both when it exits.
func (s *Session) run() {
	defer func() {
		close(s.audioOut)
		close(s.events)
		s.release()
		close(s.loopDone)
	}()

	src := s.adapter.Events()
	for {
		select {
		case <-s.done:
			return

		case res := <-s.amdCh:
			s.emit(Event{Type: EventAMDResult, AMD: res})

		case ev, ok := <-src:
			if !ok {
				// The adapter stream ended without a terminal Closed event
				// (abrupt connection loss); the host still gets one.
				s.emit(Event{Type: EventClosed})
				return
			}
			if !s.handle(ev) {
				return
			}
		}
	}
}

// handle routes one adapter event. It returns false when the loop should
// stop.
func (s *Session) handle(ev realtime.Event) bool {
	switch ev.Type {
	case realtime.EventAudioOutChunk:
		select {
		case s.audioOut <- ev.Audio:
		default:
			s.droppedOut.Add(1)
			if s.metrics != nil {
				s.metrics.RecordDroppedFrames(context.Background(), "out", 1)
			}
		}

	case realtime.EventSpeechStarted:
		// Barge-in: stop talking over the caller before telling the host.
		s.drainAudioOut()
		s.emit(Event{Type: EventSpeechStarted})

	case realtime.EventAudioOutDone:
		s.emit(Event{Type: EventAudioDone})

	case realtime.EventTranscriptUser:
		s.emit(Event{Type: EventTranscriptUser, Text: ev.Text})

	case realtime.EventTranscriptAgent:
		s.emit(Event{Type: EventTranscriptAgent, Text: ev.Text})

	case realtime.EventFunctionCallRequest:
		if s.metrics != nil && ev.FunctionCall != nil {
			s.metrics.RecordFunctionCall(context.Background(), s.cfg.Provider, ev.FunctionCall.Name)
		}
		s.emit(Event{Type: EventFunctionCall, FunctionCall: ev.FunctionCall})

	case realtime.EventConfigApplied:
		s.emit(Event{Type: EventConfigApplied})

	case realtime.EventError:
		if s.metrics != nil {
			s.metrics.RecordProviderError(context.Background(), s.cfg.Provider, errorKind(ev.Err))
		}
		s.emit(Event{Type: EventError, Err: ev.Err})
		if errors.Is(ev.Err, realtime.ErrConfigRejected) {
			s.fail(ev.Err)
			return false
		}

	case realtime.EventClosed:
		s.emit(Event{Type: EventClosed})
		return false
	}
	return true
}

// emit delivers a host event, giving up when the session tears down.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// drainAudioOut discards buffered outbound audio on barge-in.
func (s *Session) drainAudioOut() {
	for {
		select {
		case <-s.audioOut:
		default:
			return
		}
	}
}

// fail moves the session into Errored and runs best-effort disconnect.
// Errored shares the release routine with every other teardown path.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateErrored || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	s.err = err
	s.mu.Unlock()
	slog.Error("session errored", "session_id", s.id, "provider", s.cfg.Provider, "err", err)

	if derr := s.adapter.Disconnect(); derr != nil {
		slog.Warn("session disconnect after error", "session_id", s.id, "err", derr)
	}
	s.release()
}

// release finalizes the session exactly once: it settles the terminal state,
// records end-of-session metrics, signals teardown, and notifies the owner.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateErrored {
			s.state = StateClosed
		}
		state := s.state
		started := s.startedAt
		loopStarted := s.loopStarted
		s.mu.Unlock()

		close(s.done)

		// When the event loop never ran (start failed before Active) the
		// channels are still owned here.
		if !loopStarted {
			close(s.audioOut)
			close(s.events)
			close(s.loopDone)
		}

		var elapsed time.Duration
		if !started.IsZero() {
			elapsed = time.Since(started)
		}
		snap := s.CostSnapshot()
		if s.metrics != nil {
			s.metrics.RecordSessionEnd(context.Background(),
				s.cfg.Provider, string(state), elapsed.Seconds(), snap.EstimatedUSD)
		}
		slog.Info("session released",
			"session_id", s.id,
			"provider", s.cfg.Provider,
			"state", state,
			"duration", elapsed,
			"estimated_usd", snap.EstimatedUSD,
			"dropped_in", s.droppedIn.Load(),
			"dropped_out", s.droppedOut.Load(),
		)

		if s.onDone != nil {
			s.onDone(s)
		}
	})
}

// setState records a lifecycle transition.
func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	slog.Debug("session state", "session_id", s.id, "from", prev, "to", next)
}

// errorKind maps an adapter error to a low-cardinality metric label.
func errorKind(err error) string {
	switch {
	case errors.Is(err, realtime.ErrConfigRejected):
		return "config_rejected"
	case errors.Is(err, realtime.ErrNotConnected):
		return "not_connected"
	default:
		return "vendor"
	}
}
