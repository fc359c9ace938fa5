package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/outdial/voicebridge/pkg/audio"
	"github.com/outdial/voicebridge/pkg/provider/realtime"
	"github.com/outdial/voicebridge/pkg/provider/realtime/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server standing in for the
// Realtime endpoint.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readEvent reads one client event and decodes it.
func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readEvent: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("readEvent unmarshal: %v", err)
	}
	return msg
}

func writeEvent(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeEvent: %v (may be expected on close)", err)
	}
}

func waitEvent(t *testing.T, events <-chan realtime.Event, want realtime.EventType) realtime.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
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

func telephonyConfig() realtime.AgentConfig {
	return realtime.AgentConfig{
		Instructions: "You are a helpful phone agent.",
		Voice:        "alloy",
		InputFormat:  audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000},
		OutputFormat: audio.Format{Encoding: audio.EncodingULaw, SampleRate: 8000},
	}
}

func connect(t *testing.T, srv *httptest.Server, opts ...openai.Option) *openai.Adapter {
	t.Helper()
	opts = append([]openai.Option{openai.WithBaseURL(wsURL(srv))}, opts...)
	a := openai.New("test-api-key", opts...)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { a.Disconnect() })
	if err := a.ConfigureSession(telephonyConfig()); err != nil {
		t.Fatalf("ConfigureSession: %v", err)
	}
	return a
}

// readSessionUpdate reads and checks the client's session.update event.
func readSessionUpdate(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	msg := readEvent(t, conn)
	if msg["type"] != "session.update" {
		t.Fatalf("first event type = %v, want session.update", msg["type"])
	}
	return msg
}

// ── Connection and configuration ──────────────────────────────────────────────

func TestConnect_AuthAndModel(t *testing.T) {
	t.Parallel()

	type handshake struct{ auth, beta, model string }
	hsCh := make(chan handshake, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		hsCh <- handshake{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	a := openai.New("secret-key", openai.WithBaseURL(wsURL(srv)), openai.WithModel("gpt-realtime-mini"))
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer a.Disconnect()

	select {
	case hs := <-hsCh:
		if hs.auth != "Bearer secret-key" {
			t.Errorf("Authorization = %q", hs.auth)
		}
		if hs.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q", hs.beta)
		}
		if hs.model != "gpt-realtime-mini" {
			t.Errorf("model = %q", hs.model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for handshake")
	}
}

func TestConfigureSession_SendsTelephonyFormats(t *testing.T) {
	t.Parallel()

	updateCh := make(chan map[string]any, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		updateCh <- readSessionUpdate(t, conn)
		writeEvent(t, conn, map[string]any{"type": "session.updated"})
		<-conn.CloseRead(context.Background()).Done()
	})

	a := connect(t, srv)

	var msg map[string]any
	select {
	case msg = <-updateCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}

	session := msg["session"].(map[string]any)
	if session["input_audio_format"] != "g711_ulaw" {
		t.Errorf("input_audio_format = %v, want g711_ulaw", session["input_audio_format"])
	}
	if session["output_audio_format"] != "g711_ulaw" {
		t.Errorf("output_audio_format = %v, want g711_ulaw", session["output_audio_format"])
	}
	if session["voice"] != "alloy" {
		t.Errorf("voice = %v, want alloy", session["voice"])
	}
	if session["instructions"] != "You are a helpful phone agent." {
		t.Errorf("instructions = %v", session["instructions"])
	}

	waitEvent(t, a.Events(), realtime.EventConfigApplied)
}

func TestConfigureSession_GreetingTriggersResponse(t *testing.T) {
	t.Parallel()

	responseCh := make(chan map[string]any, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readSessionUpdate(t, conn)
		responseCh <- readEvent(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	a := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer a.Disconnect()

	cfg := telephonyConfig()
	cfg.Greeting = "Hi, this is Ava from Outdial."
	if err := a.ConfigureSession(cfg); err != nil {
		t.Fatalf("ConfigureSession: %v", err)
	}

	select {
	case msg := <-responseCh:
		if msg["type"] != "response.create" {
			t.Fatalf("event after session.update = %v, want response.create", msg["type"])
		}
		resp := msg["response"].(map[string]any)
		if instr := resp["instructions"].(string); !strings.Contains(instr, cfg.Greeting) {
			t.Errorf("greeting instructions = %q", instr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.create")
	}
}

func TestConfigureSession_SecondCallRejected(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readSessionUpdate(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	a := connect(t, srv)
	err := a.ConfigureSession(telephonyConfig())
	if !errors.Is(err, realtime.ErrAlreadyConfigured) {
		t.Errorf("second ConfigureSession error = %v, want ErrAlreadyConfigured", err)
	}
}

// ── Audio path ────────────────────────────────────────────────────────────────

func TestSendAudio_Base64AppendInOrder(t *testing.T) {
	t.Parallel()

	const frames = 4
	framesCh := make(chan []byte, frames)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readSessionUpdate(t, conn)
		for j := 0; j < frames; j++ {
			msg := readEvent(t, conn)
			if msg["type"] != "input_audio_buffer.append" {
				t.Errorf("audio event type = %v", msg["type"])
			}
			decoded, err := base64.StdEncoding.DecodeString(msg["audio"].(string))
			if err != nil {
				t.Errorf("audio decode: %v", err)
			}
			framesCh <- decoded
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	a := connect(t, srv)
	for i := 0; i < frames; i++ {
		if !a.SendAudio([]byte{byte(i), 0x7F}) {
			t.Fatalf("SendAudio(frame %d) = false", i)
		}
	}

	for i := 0; i < frames; i++ {
		select {
		case got := <-framesCh:
			if got[0] != byte(i) {
				t.Fatalf("frame %d arrived with marker %d: reordered", i, got[0])
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}
}

func TestAudioDelta_DecodedToChunk(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readSessionUpdate(t, conn)
		writeEvent(t, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03}),
		})
		writeEvent(t, conn, map[string]any{"type": "response.audio.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	a := connect(t, srv)
	events := a.Events()

	chunk := waitEvent(t, events, realtime.EventAudioOutChunk)
	if len(chunk.Audio) != 3 || chunk.Audio[0] != 0x01 {
		t.Errorf("audio chunk = %v", chunk.Audio)
	}
	waitEvent(t, events, realtime.EventAudioOutDone)
}

func TestSpeechStarted_SurfacedForBargeIn(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readSessionUpdate(t, conn)
		writeEvent(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		<-conn.CloseRead(context.Background()).Done()
	})

	a := connect(t, srv)
	waitEvent(t, a.Events(), realtime.EventSpeechStarted)
}

// ── Transcripts ───────────────────────────────────────────────────────────────

func TestAgentTranscript_AccumulatesDeltas(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readSessionUpdate(t, conn)
		writeEvent(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hello, "})
		writeEvent(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "how can I help?"})
		writeEvent(t, conn, map[string]any{"type": "response.audio_transcript.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	a := connect(t, srv)
	ev := waitEvent(t, a.Events(), realtime.EventTranscriptAgent)
	if ev.Text != "Hello, how can I help?" {
		t.Errorf("agent transcript = %q", ev.Text)
	}
}

func TestUserTranscript_Surfaced(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readSessionUpdate(t, conn)
		writeEvent(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "I want to cancel my subscription.",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	a := connect(t, srv)
	ev := waitEvent(t, a.Events(), realtime.EventTranscriptUser)
	if ev.Text != "I want to cancel my subscription." {
		t.Errorf("user transcript = %q", ev.Text)
	}
}

// ── Function calls and usage ──────────────────────────────────────────────────

func TestFunctionCallRoundTrip(t *testing.T) {
	t.Parallel()

	eventsCh := make(chan map[string]any, 2)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readSessionUpdate(t, conn)
		writeEvent(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call-42",
			"name":      "schedule_callback",
			"arguments": `{"at":"15:00"}`,
		})
		eventsCh <- readEvent(t, conn)
		eventsCh <- readEvent(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	a := connect(t, srv)
	ev := waitEvent(t, a.Events(), realtime.EventFunctionCallRequest)
	if ev.FunctionCall.ID != "call-42" || ev.FunctionCall.Name != "schedule_callback" {
		t.Fatalf("function call = %+v", ev.FunctionCall)
	}

	if err := a.SendFunctionResult("call-42", `{"ok":true}`); err != nil {
		t.Fatalf("SendFunctionResult: %v", err)
	}

	select {
	case item := <-eventsCh:
		if item["type"] != "conversation.item.create" {
			t.Fatalf("first event = %v, want conversation.item.create", item["type"])
		}
		ci := item["item"].(map[string]any)
		if ci["call_id"] != "call-42" || ci["output"] != `{"ok":true}` {
			t.Errorf("function output item = %v", ci)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for conversation.item.create")
	}

	select {
	case next := <-eventsCh:
		if next["type"] != "response.create" {
			t.Errorf("second event = %v, want response.create", next["type"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.create")
	}
}

func TestResponseDone_AccumulatesTokenUsage(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readSessionUpdate(t, conn)
		writeEvent(t, conn, map[string]any{
			"type":     "response.done",
			"response": map[string]any{"usage": map[string]any{"input_tokens": 120, "output_tokens": 45}},
		})
		writeEvent(t, conn, map[string]any{
			"type":     "response.done",
			"response": map[string]any{"usage": map[string]any{"input_tokens": 80, "output_tokens": 30}},
		})
		// A sentinel event so the test knows both usage events were handled.
		writeEvent(t, conn, map[string]any{"type": "response.audio.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	a := connect(t, srv)
	waitEvent(t, a.Events(), realtime.EventAudioOutDone)

	m := a.CostMetrics()
	if m.InputTokens != 200 {
		t.Errorf("InputTokens = %d, want 200", m.InputTokens)
	}
	if m.OutputTokens != 75 {
		t.Errorf("OutputTokens = %d, want 75", m.OutputTokens)
	}
	if m.Provider != openai.Name {
		t.Errorf("Provider = %q, want %q", m.Provider, openai.Name)
	}
	if m.AudioInSeconds != 0 || m.AudioOutSeconds != 0 {
		t.Errorf("audio seconds = %v/%v, want zero for a token-billed vendor", m.AudioInSeconds, m.AudioOutSeconds)
	}
}

// ── Errors and teardown ───────────────────────────────────────────────────────

func TestServerError_Surfaced(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readSessionUpdate(t, conn)
		writeEvent(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "rate limited"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	a := connect(t, srv)
	ev := waitEvent(t, a.Events(), realtime.EventError)
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "rate limited") {
		t.Errorf("error event = %v", ev.Err)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readSessionUpdate(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	a := connect(t, srv)
	if err := a.Disconnect(); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := a.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-a.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event stream did not close after Disconnect")
		}
	}
}
