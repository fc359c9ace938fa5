package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/outdial/voicebridge/internal/cost"
	"github.com/outdial/voicebridge/pkg/amd"
	"github.com/outdial/voicebridge/pkg/audio"
	"github.com/outdial/voicebridge/pkg/provider/realtime"
	"github.com/outdial/voicebridge/pkg/provider/realtime/mock"
)

// telephonyFormat is the inbound format used throughout the session tests.
var telephonyFormat = audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000}

// newTestSession builds and starts a session over the given mock adapter.
func newTestSession(t *testing.T, a *mock.Adapter) *Session {
	t.Helper()
	s := newSession("test-session", a, SessionConfig{
		Provider:        mock.Name,
		Agent:           realtime.AgentConfig{Instructions: "You are a helpful agent."},
		TelephonyFormat: telephonyFormat,
	}, cost.Table{}, nil, nil)
	if err := s.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.End(context.Background()) })
	return s
}

// waitEvent reads host events until one of the wanted type arrives.
func waitEvent(t *testing.T, s *Session, want EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %q", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for event %q", want)
		}
	}
}

// waitState polls until the session reaches the wanted state.
func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", s.State(), want)
}

// silenceULaw returns d worth of companded silence at 8 kHz.
func silenceULaw(d time.Duration) []byte {
	n := int(d.Seconds() * 8000)
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = 0xFF // companded near-zero amplitude
	}
	return buf
}

func TestLifecycle_EndToEnd(t *testing.T) {
	t.Parallel()
	a := mock.New()
	s := newTestSession(t, a)

	if got := s.State(); got != StateActive {
		t.Fatalf("state after start = %q, want %q", got, StateActive)
	}
	if !a.Connected() {
		t.Error("adapter was not connected")
	}
	if a.Config().Instructions == "" {
		t.Error("adapter was not configured")
	}

	// Five seconds of silence in 20 ms frames exhausts the detection window.
	silence := silenceULaw(5200 * time.Millisecond)
	for off := 0; off < len(silence); off += 160 {
		end := min(off+160, len(silence))
		s.WriteAudio(silence[off:end])
	}

	ev := waitEvent(t, s, EventAMDResult)
	if ev.AMD == nil {
		t.Fatal("AMD event carries no result")
	}
	if ev.AMD.Verdict != amd.VerdictHuman {
		t.Errorf("verdict = %q, want %q (conservative default on silence)", ev.AMD.Verdict, amd.VerdictHuman)
	}
	if ev.AMD.Reason != amd.ReasonDetectionTimeout {
		t.Errorf("reason = %q, want %q", ev.AMD.Reason, amd.ReasonDetectionTimeout)
	}
	if s.AMDResult() == nil {
		t.Error("AMDResult accessor returned nil after the event")
	}

	if err := s.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("state after End = %q, want %q", got, StateClosed)
	}
	if got := a.DisconnectCount(); got != 1 {
		t.Errorf("disconnect count = %d, want 1", got)
	}

	// Both streams must be closed after release.
	if _, ok := <-s.Events(); ok {
		// drain remaining events until close
		for range s.Events() {
		}
	}
	if _, ok := <-s.AudioOut(); ok {
		t.Error("audio out still open after End")
	}
}

func TestEnd_Idempotent(t *testing.T) {
	t.Parallel()
	a := mock.New()
	s := newTestSession(t, a)

	if err := s.End(context.Background()); err != nil {
		t.Fatalf("first End: %v", err)
	}
	if err := s.End(context.Background()); err != nil {
		t.Fatalf("second End: %v", err)
	}
	if got := a.DisconnectCount(); got != 1 {
		t.Errorf("disconnect count = %d, want 1", got)
	}
}

func TestWriteAudio_ForwardsInOrder(t *testing.T) {
	t.Parallel()
	a := mock.New()
	s := newTestSession(t, a)

	frames := make([][]byte, 5)
	for i := range frames {
		frames[i] = []byte{byte(i), byte(i), byte(i)}
		if !s.WriteAudio(frames[i]) {
			t.Fatalf("frame %d refused", i)
		}
	}

	sent := a.SentFrames()
	if len(sent) != len(frames) {
		t.Fatalf("sent %d frames, want %d", len(sent), len(frames))
	}
	for i, f := range sent {
		if f[0] != byte(i) {
			t.Errorf("frame %d starts with %#x, want %#x", i, f[0], byte(i))
		}
	}
}

func TestWriteAudio_DroppedFrameCounted(t *testing.T) {
	t.Parallel()
	a := mock.New()
	s := newTestSession(t, a)

	a.RejectAudio = true
	if s.WriteAudio([]byte{0x7F, 0x7F}) {
		t.Error("WriteAudio reported success on a refused frame")
	}
	a.RejectAudio = false
	if !s.WriteAudio([]byte{0x7F, 0x7F}) {
		t.Error("WriteAudio failed after refusal cleared")
	}

	in, _ := s.DroppedFrames()
	if in != 1 {
		t.Errorf("dropped inbound frames = %d, want 1", in)
	}
}

func TestBargeIn_DrainsBufferedAudio(t *testing.T) {
	t.Parallel()
	a := mock.New()
	s := newTestSession(t, a)

	for i := 0; i < 10; i++ {
		a.Emit(realtime.Event{Type: realtime.EventAudioOutChunk, Audio: []byte{byte(i)}})
	}
	a.Emit(realtime.Event{Type: realtime.EventSpeechStarted})

	waitEvent(t, s, EventSpeechStarted)

	// The buffered chunks were flushed before the event was delivered.
	select {
	case chunk, ok := <-s.AudioOut():
		if ok {
			t.Errorf("audio out still buffered after barge-in: %v", chunk)
		}
	default:
	}
}

func TestAudioOut_DeliversChunks(t *testing.T) {
	t.Parallel()
	a := mock.New()
	s := newTestSession(t, a)

	want := []byte{0x01, 0x02, 0x03}
	a.Emit(realtime.Event{Type: realtime.EventAudioOutChunk, Audio: want})
	a.Emit(realtime.Event{Type: realtime.EventAudioOutDone})

	select {
	case got := <-s.AudioOut():
		if string(got) != string(want) {
			t.Errorf("chunk = %v, want %v", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio out")
	}
	waitEvent(t, s, EventAudioDone)
}

func TestTranscripts_Forwarded(t *testing.T) {
	t.Parallel()
	a := mock.New()
	s := newTestSession(t, a)

	a.Emit(realtime.Event{Type: realtime.EventTranscriptUser, Text: "hello?"})
	a.Emit(realtime.Event{Type: realtime.EventTranscriptAgent, Text: "Hi, this is the clinic."})

	if ev := waitEvent(t, s, EventTranscriptUser); ev.Text != "hello?" {
		t.Errorf("user transcript = %q", ev.Text)
	}
	if ev := waitEvent(t, s, EventTranscriptAgent); ev.Text != "Hi, this is the clinic." {
		t.Errorf("agent transcript = %q", ev.Text)
	}
}

func TestFunctionCall_RoundTrip(t *testing.T) {
	t.Parallel()
	a := mock.New()
	s := newTestSession(t, a)

	a.Emit(realtime.Event{Type: realtime.EventFunctionCallRequest, FunctionCall: &realtime.FunctionCall{
		ID:            "call-1",
		Name:          "lookup_order",
		ArgumentsJSON: `{"order_id":"A-17"}`,
	}})

	ev := waitEvent(t, s, EventFunctionCall)
	if ev.FunctionCall == nil || ev.FunctionCall.Name != "lookup_order" {
		t.Fatalf("function call = %+v", ev.FunctionCall)
	}

	if err := s.SubmitFunctionResult(ev.FunctionCall.ID, `{"status":"shipped"}`); err != nil {
		t.Fatalf("SubmitFunctionResult: %v", err)
	}
	results := a.FunctionResults()
	if len(results) != 1 || results[0].CallID != "call-1" {
		t.Errorf("recorded results = %+v", results)
	}
}

func TestConfigRejection_MovesToErrored(t *testing.T) {
	t.Parallel()
	a := mock.New()
	s := newTestSession(t, a)

	cause := fmt.Errorf("%w: unsupported voice", realtime.ErrConfigRejected)
	a.Emit(realtime.Event{Type: realtime.EventError, Err: cause})

	ev := waitEvent(t, s, EventError)
	if !errors.Is(ev.Err, realtime.ErrConfigRejected) {
		t.Errorf("event error = %v", ev.Err)
	}

	waitState(t, s, StateErrored)
	if !errors.Is(s.Err(), realtime.ErrConfigRejected) {
		t.Errorf("session error = %v", s.Err())
	}
	if a.DisconnectCount() == 0 {
		t.Error("errored session did not run best-effort disconnect")
	}
}

func TestVendorClose_EndsSessionClosed(t *testing.T) {
	t.Parallel()
	a := mock.New()
	s := newTestSession(t, a)

	a.FailConnection(errors.New("remote hangup"))

	ev := waitEvent(t, s, EventError)
	if ev.Err == nil {
		t.Error("error event carries no cause")
	}
	waitEvent(t, s, EventClosed)
	waitState(t, s, StateClosed)
}

func TestConnectFailure_Propagates(t *testing.T) {
	t.Parallel()
	a := mock.New()
	a.ConnectErr = errors.New("dial tcp: connection refused")

	s := newSession("test-session", a, SessionConfig{
		Provider:        mock.Name,
		TelephonyFormat: telephonyFormat,
	}, cost.Table{}, nil, nil)

	if err := s.start(context.Background()); err == nil {
		t.Fatal("start succeeded with failing adapter")
	}
	if got := s.State(); got != StateErrored {
		t.Errorf("state = %q, want %q", got, StateErrored)
	}
	// Start failure still releases the host-facing streams.
	if _, ok := <-s.Events(); ok {
		t.Error("event stream open after failed start")
	}
}

func TestCostSnapshot_UsesRates(t *testing.T) {
	t.Parallel()
	a := mock.New()
	a.Metrics = realtime.CostMetrics{Provider: mock.Name, AudioInSeconds: 60, AudioOutSeconds: 30}

	rates := cost.Table{
		mock.Name: {AudioInPerMinute: 0.01, AudioOutPerMinute: 0.02},
	}
	s := newSession("test-session", a, SessionConfig{
		Provider:        mock.Name,
		TelephonyFormat: telephonyFormat,
	}, rates, nil, nil)
	if err := s.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.End(context.Background()) })

	snap := s.CostSnapshot()
	want := 0.01 + 0.5*0.02
	if diff := snap.EstimatedUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("estimated cost = %v, want %v", snap.EstimatedUSD, want)
	}
}

func TestAMD_DisabledProducesNoVerdict(t *testing.T) {
	t.Parallel()
	a := mock.New()
	s := newSession("test-session", a, SessionConfig{
		Provider:        mock.Name,
		TelephonyFormat: telephonyFormat,
		DisableAMD:      true,
	}, cost.Table{}, nil, nil)
	if err := s.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.End(context.Background()) })

	silence := silenceULaw(6 * time.Second)
	for off := 0; off < len(silence); off += 160 {
		end := min(off+160, len(silence))
		s.WriteAudio(silence[off:end])
	}
	if s.AMDResult() != nil {
		t.Error("verdict produced with detection disabled")
	}
}

func TestWriteAudio_ConcurrentCallersSafe(t *testing.T) {
	t.Parallel()
	a := mock.New()
	s := newTestSession(t, a)

	// Several writers racing past the decision point must not trip over the
	// detector being retired by whichever frame completes detection.
	const writers = 4
	var wg sync.WaitGroup
	for j := 0; j < writers; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			silence := silenceULaw(2 * time.Second)
			for off := 0; off < len(silence); off += 160 {
				end := min(off+160, len(silence))
				s.WriteAudio(silence[off:end])
			}
		}()
	}
	wg.Wait()

	ev := waitEvent(t, s, EventAMDResult)
	if ev.AMD == nil {
		t.Fatal("AMD event carries no result")
	}
	if s.AMDResult() == nil {
		t.Error("AMDResult accessor returned nil after the event")
	}
}

// truncatedAdapter ends its event stream without a terminal Closed event,
// like a vendor dropping the connection mid-frame.
type truncatedAdapter struct {
	events    chan realtime.Event
	closeOnce sync.Once
}

func newTruncatedAdapter() *truncatedAdapter {
	return &truncatedAdapter{events: make(chan realtime.Event)}
}

func (a *truncatedAdapter) Connect(context.Context) error               { return nil }
func (a *truncatedAdapter) ConfigureSession(realtime.AgentConfig) error { return nil }
func (a *truncatedAdapter) SendAudio([]byte) bool                       { return true }
func (a *truncatedAdapter) SendFunctionResult(string, string) error     { return nil }
func (a *truncatedAdapter) CostMetrics() realtime.CostMetrics           { return realtime.CostMetrics{} }
func (a *truncatedAdapter) Events() <-chan realtime.Event               { return a.events }

func (a *truncatedAdapter) Disconnect() error {
	a.closeOnce.Do(func() { close(a.events) })
	return nil
}

func TestVendorStreamTruncated_HostStillGetsClosed(t *testing.T) {
	t.Parallel()
	a := newTruncatedAdapter()
	s := newSession("test-session", a, SessionConfig{
		Provider:        "truncated",
		TelephonyFormat: telephonyFormat,
		DisableAMD:      true,
	}, cost.Table{}, nil, nil)
	if err := s.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.End(context.Background()) })

	a.Disconnect()

	waitEvent(t, s, EventClosed)
	waitState(t, s, StateClosed)
}
