// Package deepgram implements the realtime.Adapter interface for the
// Deepgram Voice Agent API.
//
// The Voice Agent exposes recognition, reasoning and synthesis as one
// combined duplex WebSocket: JSON control messages and binary agent audio
// interleave on the same connection. Caller audio is written as raw binary
// frames; a Settings message configures the session; a KeepAlive message
// must be sent on a fixed interval or the server drops the connection as
// idle.
package deepgram

import (
	"bytes"
	"context"
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
const Name = "deepgram"

const (
	defaultBaseURL = "wss://agent.deepgram.com/v1/agent/converse"

	defaultListenModel = "nova-3"
	defaultThinkModel  = "gpt-4o-mini"
	defaultSpeakModel  = "aura-2-thalia-en"

	connectTimeout = 10 * time.Second
	writeTimeout   = 5 * time.Second

	// The server closes idle connections after 10s of silence; KeepAlive on
	// an 8s period stays inside that window regardless of jitter.
	keepaliveInterval = 8 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the Voice Agent WebSocket URL. Primarily used in
// tests to point at a local mock server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// WithKeepaliveInterval overrides the KeepAlive period. Primarily used in
// tests; the default stays inside the server's idle window.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(a *Adapter) { a.keepalive = d }
}

// ── Adapter ────────────────────────────────────────────────────────────────────

// Adapter implements realtime.Adapter for the Deepgram Voice Agent API.
// One Adapter serves one call; create a fresh one per session.
type Adapter struct {
	apiKey    string
	baseURL   string
	keepalive time.Duration

	conn   *websocket.Conn
	events chan realtime.Event

	mu              sync.Mutex
	connected       bool
	configured      bool
	settingsApplied bool
	closed          bool
	pendingCalls    map[string]string // call id → function name
	audioInBytes    int64
	audioOutBytes   int64
	inFormat        audio.Format
	outFormat       audio.Format

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Voice Agent adapter with the given API key and options.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		keepalive:    keepaliveInterval,
		events:       make(chan realtime.Event, 64),
		pendingCalls: make(map[string]string),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Connect dials the Voice Agent endpoint. The connection carries no session
// parameters yet; audio is not accepted until ConfigureSession.
func (a *Adapter) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, a.baseURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Token " + a.apiKey},
		},
	})
	if err != nil {
		return fmt.Errorf("deepgram: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.ctx = sessCtx
	a.cancel = sessCancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.receiveLoop()
	go a.keepaliveLoop()

	return nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type settingsMessage struct {
	Type  string         `json:"type"` // "Settings"
	Audio settingsAudio  `json:"audio"`
	Agent settingsAgent  `json:"agent"`
}

type settingsAudio struct {
	Input  audioStreamConfig `json:"input"`
	Output audioStreamConfig `json:"output"`
}

type audioStreamConfig struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type settingsAgent struct {
	Listen   capabilityConfig `json:"listen"`
	Think    thinkConfig      `json:"think"`
	Speak    capabilityConfig `json:"speak"`
	Greeting string           `json:"greeting,omitempty"`
}

type capabilityConfig struct {
	Provider providerConfig `json:"provider"`
}

type providerConfig struct {
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`
}

type thinkConfig struct {
	Provider  providerConfig       `json:"provider"`
	Prompt    string               `json:"prompt,omitempty"`
	Functions []functionDefinition `json:"functions,omitempty"`
}

type functionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type keepAliveMessage struct {
	Type string `json:"type"` // "KeepAlive"
}

type functionCallResponse struct {
	Type    string `json:"type"` // "FunctionCallResponse"
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	Type        string `json:"type"`
	Role        string `json:"role,omitempty"`    // ConversationText
	Content     string `json:"content,omitempty"` // ConversationText
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`

	Functions []functionCallRequest `json:"functions,omitempty"`
}

type functionCallRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	ClientSide bool   `json:"client_side"`
}

// ── Adapter methods ────────────────────────────────────────────────────────────

// ConfigureSession translates cfg into a Settings message. The adapter marks
// itself configured as soon as the message is written, before the server's
// SettingsApplied acknowledgment, so audio arriving in the meantime is not
// dropped; a server-side rejection invalidates the session via a fatal
// Error event.
func (a *Adapter) ConfigureSession(cfg realtime.AgentConfig) error {
	a.mu.Lock()
	if !a.connected || a.closed {
		a.mu.Unlock()
		return fmt.Errorf("deepgram: configure: %w", realtime.ErrNotConnected)
	}
	if a.configured {
		a.mu.Unlock()
		return fmt.Errorf("deepgram: configure: %w", realtime.ErrAlreadyConfigured)
	}
	a.inFormat = cfg.InputFormat
	a.outFormat = cfg.OutputFormat
	// Marked before the write so the receive loop sees a configured session
	// by the time the server can possibly respond.
	a.configured = true
	a.mu.Unlock()

	msg := settingsMessage{
		Type: "Settings",
		Audio: settingsAudio{
			Input: audioStreamConfig{
				Encoding:   string(cfg.InputFormat.Encoding),
				SampleRate: cfg.InputFormat.SampleRate,
			},
			Output: audioStreamConfig{
				Encoding:   string(cfg.OutputFormat.Encoding),
				SampleRate: cfg.OutputFormat.SampleRate,
				Container:  "none",
			},
		},
		Agent: settingsAgent{
			Listen: capabilityConfig{
				Provider: providerConfig{Type: "deepgram", Model: orDefault(cfg.ListenModel, defaultListenModel)},
			},
			Think: thinkConfig{
				Provider: providerConfig{Type: "open_ai", Model: orDefault(cfg.ThinkModel, defaultThinkModel)},
				Prompt:   cfg.Instructions,
			},
			Speak: capabilityConfig{
				Provider: providerConfig{Type: "deepgram", Model: orDefault(cfg.SpeakModel, defaultSpeakModel)},
			},
			Greeting: cfg.Greeting,
		},
	}
	if cfg.Voice != "" {
		msg.Agent.Speak.Provider.Model = cfg.Voice
	}
	for _, fn := range cfg.Functions {
		msg.Agent.Think.Functions = append(msg.Agent.Think.Functions, functionDefinition{
			Name:        fn.Name,
			Description: fn.Description,
			Parameters:  fn.Parameters,
		})
	}

	if err := a.writeJSON(msg); err != nil {
		a.mu.Lock()
		a.configured = false
		a.mu.Unlock()
		return fmt.Errorf("deepgram: configure: %w", err)
	}
	return nil
}

// SendAudio writes one frame of caller audio as a binary message. A failed
// write drops that frame only; the caller counts it and continues.
func (a *Adapter) SendAudio(frame []byte) bool {
	a.mu.Lock()
	if !a.connected || !a.configured || a.closed {
		a.mu.Unlock()
		return false
	}
	conn, ctx := a.conn, a.ctx
	a.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := conn.Write(writeCtx, websocket.MessageBinary, frame)
	cancel()
	if err != nil {
		slog.Debug("deepgram: audio send failed", "err", err)
		return false
	}

	a.mu.Lock()
	a.audioInBytes += int64(len(frame))
	a.mu.Unlock()
	return true
}

// SendFunctionResult completes the function-call round trip for callID. If
// the connection is already gone it warns and returns nil.
func (a *Adapter) SendFunctionResult(callID, result string) error {
	a.mu.Lock()
	if !a.connected || a.closed {
		a.mu.Unlock()
		slog.Warn("deepgram: function result after close dropped", "call_id", callID)
		return nil
	}
	name := a.pendingCalls[callID]
	delete(a.pendingCalls, callID)
	a.mu.Unlock()

	msg := functionCallResponse{
		Type:    "FunctionCallResponse",
		ID:      callID,
		Name:    name,
		Content: result,
	}
	if err := a.writeJSON(msg); err != nil {
		return fmt.Errorf("deepgram: function result: %w", err)
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

	a.cancel()    // unblocks receiveLoop
	close(a.done) // stops keepaliveLoop
	a.conn.Close(websocket.StatusNormalClosure, "session ended")
	return nil
}

// CostMetrics reports audio seconds by direction, derived from byte counts
// at the negotiated formats. The Voice Agent bills by audio time, not
// tokens.
func (a *Adapter) CostMetrics() realtime.CostMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return realtime.CostMetrics{
		Provider:        Name,
		AudioInSeconds:  a.inFormat.Seconds(a.audioInBytes),
		AudioOutSeconds: a.outFormat.Seconds(a.audioOutBytes),
	}
}

// Events returns the normalized event stream.
func (a *Adapter) Events() <-chan realtime.Event { return a.events }

// ── internals ──────────────────────────────────────────────────────────────────

// writeJSON marshals v and writes it as a text WebSocket message with a
// bounded deadline.
func (a *Adapter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(a.ctx, writeTimeout)
	defer cancel()
	return a.conn.Write(writeCtx, websocket.MessageText, data)
}

// receiveLoop reads vendor frames and dispatches them. It owns the events
// channel: every exit path emits Closed and closes it.
func (a *Adapter) receiveLoop() {
	defer a.closeEvents()

	for {
		typ, data, err := a.conn.Read(a.ctx)
		if err != nil {
			// Local teardown cancelled the context; the Closed event from
			// closeEvents is all the consumer needs.
			if a.ctx.Err() != nil {
				return
			}
			a.emitControl(realtime.Event{Type: realtime.EventError, Err: fmt.Errorf("deepgram: read: %w", err)})
			return
		}

		// Control and audio interleave on the connection. Agent audio is
		// binary; anything that parses as a JSON object is control. Sniff
		// fails closed: an ambiguous frame is treated as control so a stray
		// text payload can never leak into the audio stream.
		if typ == websocket.MessageBinary && !looksLikeJSON(data) {
			a.handleAudio(data)
			continue
		}
		a.handleControl(data)
	}
}

// looksLikeJSON reports whether the frame starts a JSON object.
func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func (a *Adapter) handleAudio(data []byte) {
	if len(data) == 0 {
		return
	}
	a.mu.Lock()
	a.audioOutBytes += int64(len(data))
	a.mu.Unlock()

	// Audio chunks may be dropped when the consumer lags; control events
	// never are.
	chunk := make([]byte, len(data))
	copy(chunk, data)
	select {
	case a.events <- realtime.Event{Type: realtime.EventAudioOutChunk, Audio: chunk}:
	default:
		slog.Debug("deepgram: audio out chunk dropped, consumer lagging")
	}
}

func (a *Adapter) handleControl(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("deepgram: malformed control frame skipped", "err", err)
		return
	}

	switch msg.Type {
	case "Welcome":
		slog.Debug("deepgram: connection welcomed")

	case "SettingsApplied":
		a.mu.Lock()
		a.settingsApplied = true
		a.mu.Unlock()
		a.emitControl(realtime.Event{Type: realtime.EventConfigApplied})

	case "UserStartedSpeaking":
		a.emitControl(realtime.Event{Type: realtime.EventSpeechStarted})

	case "AgentStartedSpeaking":
		// Informational only; audio chunks follow as binary frames.

	case "AgentAudioDone":
		a.emitControl(realtime.Event{Type: realtime.EventAudioOutDone})

	case "ConversationText":
		a.handleConversationText(msg.Role, msg.Content)

	case "FunctionCallRequest":
		a.handleFunctionCalls(msg.Functions)

	case "Warning":
		slog.Warn("deepgram: server warning", "description", msg.Description, "code", msg.Code)

	case "Error":
		a.handleServerError(msg)

	default:
		slog.Debug("deepgram: unhandled control message", "type", msg.Type)
	}
}

func (a *Adapter) handleConversationText(role, content string) {
	if content == "" {
		return
	}
	t := realtime.EventTranscriptAgent
	if role == "user" {
		t = realtime.EventTranscriptUser
	}
	a.emitControl(realtime.Event{Type: t, Text: content})
}

func (a *Adapter) handleFunctionCalls(calls []functionCallRequest) {
	for _, fc := range calls {
		// Server-side functions are executed by the vendor; only
		// client-side calls need the host's round trip.
		if !fc.ClientSide {
			continue
		}
		a.mu.Lock()
		a.pendingCalls[fc.ID] = fc.Name
		a.mu.Unlock()

		a.emitControl(realtime.Event{
			Type: realtime.EventFunctionCallRequest,
			FunctionCall: &realtime.FunctionCall{
				ID:            fc.ID,
				Name:          fc.Name,
				ArgumentsJSON: fc.Arguments,
			},
		})
	}
}

func (a *Adapter) handleServerError(msg serverMessage) {
	desc := msg.Description
	if desc == "" {
		desc = msg.Message
	}
	if desc == "" {
		desc = "unknown error"
	}

	// An error before SettingsApplied on a configured session means the
	// vendor rejected the configuration. That invalidates the optimistic
	// configured flag and is fatal.
	a.mu.Lock()
	rejected := a.configured && !a.settingsApplied
	a.mu.Unlock()

	err := fmt.Errorf("deepgram: %s", desc)
	if rejected {
		err = fmt.Errorf("%w: %s", realtime.ErrConfigRejected, desc)
	}
	a.emitControl(realtime.Event{Type: realtime.EventError, Err: err})
}

// emitControl delivers a control event, blocking until the consumer takes it
// or the session is torn down.
func (a *Adapter) emitControl(ev realtime.Event) {
	select {
	case a.events <- ev:
	case <-a.ctx.Done():
	}
}

// keepaliveLoop sends KeepAlive messages so the server's idle timeout never
// fires during caller silence. Send failures are logged, never fatal: if the
// connection is really gone the receive loop reports it.
func (a *Adapter) keepaliveLoop() {
	ticker := time.NewTicker(a.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.writeJSON(keepAliveMessage{Type: "KeepAlive"}); err != nil {
				slog.Warn("deepgram: keepalive failed", "err", err)
			}
		}
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

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
