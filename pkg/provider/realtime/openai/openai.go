// Package openai implements the realtime.Adapter interface for OpenAI's
// Realtime API.
//
// Where the Voice Agent family multiplexes binary audio onto the socket,
// the Realtime API is JSON events end to end: caller audio goes out as
// base64 input_audio_buffer.append events, agent audio comes back as
// base64 response.audio.delta events. Telephony formats are supported
// natively via g711_ulaw / g711_alaw, so narrowband audio passes through
// uncompanded. The vendor bills by tokens; usage arrives on response.done.
//
// The Realtime API has no application-level keepalive requirement, so this
// adapter runs no keepalive loop.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/outdial/voicebridge/pkg/audio"
	"github.com/outdial/voicebridge/pkg/provider/realtime"
)

// Compile-time assertion that Adapter satisfies the realtime contract.
var _ realtime.Adapter = (*Adapter)(nil)

// Name is the provider name this adapter registers under and reports in
// cost metrics.
const Name = "openai-realtime"

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	connectTimeout = 10 * time.Second
	writeTimeout   = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithModel sets the Realtime model. The model is part of the connection
// URL, so it is fixed per adapter, not per AgentConfig.
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// ── Adapter ────────────────────────────────────────────────────────────────────

// Adapter implements realtime.Adapter for OpenAI's Realtime API. One
// Adapter serves one call; create a fresh one per session.
type Adapter struct {
	apiKey  string
	model   string
	baseURL string

	conn   *websocket.Conn
	events chan realtime.Event

	mu           sync.Mutex
	connected    bool
	configured   bool
	closed       bool
	inputTokens  int64
	outputTokens int64

	// agentText accumulates response.audio_transcript.delta events until the
	// matching done event.
	agentText string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a Realtime adapter with the given API key and options.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		events:  make(chan realtime.Event, 64),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Connect dials the Realtime endpoint for the configured model.
func (a *Adapter) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	wsURL := fmt.Sprintf("%s?model=%s", a.baseURL, a.model)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + a.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.ctx = sessCtx
	a.cancel = sessCancel
	a.mu.Unlock()

	go a.receiveLoop()

	return nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Tools             []oaiTool `json:"tools,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`
}

type oaiTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

type createResponseMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.done
	Response *responseDone `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseDone struct {
	Usage *responseUsage `json:"usage,omitempty"`
}

type responseUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Adapter methods ────────────────────────────────────────────────────────────

// ConfigureSession translates cfg into a session.update event. The Realtime
// API applies updates without gating audio, so the adapter is configured as
// soon as the event is written; the server's session.updated acknowledgment
// surfaces as EventConfigApplied. A non-empty greeting triggers an
// immediate response.create so the agent speaks first.
func (a *Adapter) ConfigureSession(cfg realtime.AgentConfig) error {
	a.mu.Lock()
	if !a.connected || a.closed {
		a.mu.Unlock()
		return fmt.Errorf("openai: configure: %w", realtime.ErrNotConnected)
	}
	if a.configured {
		a.mu.Unlock()
		return fmt.Errorf("openai: configure: %w", realtime.ErrAlreadyConfigured)
	}
	a.configured = true
	a.mu.Unlock()

	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  oaiFormat(cfg.InputFormat),
		OutputAudioFormat: oaiFormat(cfg.OutputFormat),
	}
	for _, fn := range cfg.Functions {
		params.Tools = append(params.Tools, oaiTool{
			Type:        "function",
			Name:        fn.Name,
			Description: fn.Description,
			Parameters:  fn.Parameters,
		})
	}

	if err := a.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params}); err != nil {
		a.mu.Lock()
		a.configured = false
		a.mu.Unlock()
		return fmt.Errorf("openai: configure: %w", err)
	}

	if cfg.Greeting != "" {
		err := a.writeJSON(createResponseMessage{
			Type:     "response.create",
			Response: &responseParams{Instructions: "Greet the caller with exactly: " + cfg.Greeting},
		})
		if err != nil {
			slog.Warn("openai: greeting request failed", "err", err)
		}
	}

	return nil
}

// oaiFormat maps an audio.Format onto the Realtime API's format names.
func oaiFormat(f audio.Format) string {
	switch f.Encoding {
	case audio.EncodingULaw:
		return "g711_ulaw"
	case audio.EncodingALaw:
		return "g711_alaw"
	default:
		return "pcm16"
	}
}

// SendAudio forwards one frame as an input_audio_buffer.append event. A
// failed write drops that frame only.
func (a *Adapter) SendAudio(frame []byte) bool {
	a.mu.Lock()
	if !a.connected || !a.configured || a.closed {
		a.mu.Unlock()
		return false
	}
	a.mu.Unlock()

	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame),
	}
	if err := a.writeJSON(msg); err != nil {
		slog.Debug("openai: audio send failed", "err", err)
		return false
	}
	return true
}

// SendFunctionResult returns the function output to the conversation and
// requests the next model response. If the connection is already gone it
// warns and returns nil.
func (a *Adapter) SendFunctionResult(callID, result string) error {
	a.mu.Lock()
	if !a.connected || a.closed {
		a.mu.Unlock()
		slog.Warn("openai: function result after close dropped", "call_id", callID)
		return nil
	}
	a.mu.Unlock()

	err := a.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: result,
		},
	})
	if err != nil {
		return fmt.Errorf("openai: function result: %w", err)
	}
	if err := a.writeJSON(createResponseMessage{Type: "response.create"}); err != nil {
		return fmt.Errorf("openai: function result: %w", err)
	}
	return nil
}

// Disconnect closes the vendor connection and releases all resources. Safe
// to call more than once.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	connected := a.connected
	a.mu.Unlock()

	if !connected {
		a.closeEvents()
		return nil
	}

	a.cancel() // unblocks receiveLoop
	a.conn.Close(websocket.StatusNormalClosure, "session ended")
	return nil
}

// CostMetrics reports accumulated token usage. The Realtime API bills by
// tokens, so the audio-second counters stay zero.
func (a *Adapter) CostMetrics() realtime.CostMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return realtime.CostMetrics{
		Provider:     Name,
		InputTokens:  a.inputTokens,
		OutputTokens: a.outputTokens,
	}
}

// Events returns the normalized event stream.
func (a *Adapter) Events() <-chan realtime.Event { return a.events }

// ── internals ──────────────────────────────────────────────────────────────────

func (a *Adapter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(a.ctx, writeTimeout)
	defer cancel()
	return a.conn.Write(writeCtx, websocket.MessageText, data)
}

// receiveLoop reads server events and dispatches them. It owns the events
// channel: every exit path emits Closed and closes it.
func (a *Adapter) receiveLoop() {
	defer a.closeEvents()

	for {
		_, data, err := a.conn.Read(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.emitControl(realtime.Event{Type: realtime.EventError, Err: fmt.Errorf("openai: read: %w", err)})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: malformed event skipped", "err", err)
			continue
		}

		a.handleServerEvent(&evt)
	}
}

func (a *Adapter) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		slog.Debug("openai: session created")

	case "session.updated":
		a.emitControl(realtime.Event{Type: realtime.EventConfigApplied})

	case "input_audio_buffer.speech_started":
		a.emitControl(realtime.Event{Type: realtime.EventSpeechStarted})

	case "response.audio.delta":
		a.handleAudioDelta(evt.Delta)

	case "response.audio.done":
		a.emitControl(realtime.Event{Type: realtime.EventAudioOutDone})

	case "response.audio_transcript.delta":
		a.mu.Lock()
		a.agentText += evt.Delta
		a.mu.Unlock()

	case "response.audio_transcript.done":
		a.mu.Lock()
		text := a.agentText
		a.agentText = ""
		a.mu.Unlock()
		if text != "" {
			a.emitControl(realtime.Event{Type: realtime.EventTranscriptAgent, Text: text})
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			a.emitControl(realtime.Event{Type: realtime.EventTranscriptUser, Text: evt.Transcript})
		}

	case "response.function_call_arguments.done":
		a.emitControl(realtime.Event{
			Type: realtime.EventFunctionCallRequest,
			FunctionCall: &realtime.FunctionCall{
				ID:            evt.CallID,
				Name:          evt.Name,
				ArgumentsJSON: evt.Arguments,
			},
		})

	case "response.done":
		if evt.Response != nil && evt.Response.Usage != nil {
			a.mu.Lock()
			a.inputTokens += evt.Response.Usage.InputTokens
			a.outputTokens += evt.Response.Usage.OutputTokens
			a.mu.Unlock()
		}

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		a.emitControl(realtime.Event{Type: realtime.EventError, Err: fmt.Errorf("openai: %s", msg)})
	}
}

func (a *Adapter) handleAudioDelta(delta string) {
	if delta == "" {
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(delta)
	if err != nil || len(chunk) == 0 {
		return
	}
	select {
	case a.events <- realtime.Event{Type: realtime.EventAudioOutChunk, Audio: chunk}:
	default:
		slog.Debug("openai: audio out chunk dropped, consumer lagging")
	}
}

// emitControl delivers a control event, blocking until the consumer takes it
// or the session is torn down.
func (a *Adapter) emitControl(ev realtime.Event) {
	select {
	case a.events <- ev:
	case <-a.ctx.Done():
	}
}

// closeEvents emits the final Closed event and closes the stream. Every
// teardown path converges here exactly once. Delivery of Closed is
// guaranteed: when a lagging consumer has left the buffer full, queued
// events are sacrificed oldest-first until the terminal event fits.
func (a *Adapter) closeEvents() {
	a.closeOnce.Do(func() {
		for {
			select {
			case a.events <- realtime.Event{Type: realtime.EventClosed}:
				close(a.events)
				return
			default:
			}
			select {
			case <-a.events:
			default:
			}
		}
	})
}
