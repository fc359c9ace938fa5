// Package realtime defines the Adapter interface for conversational-AI
// vendor backends.
//
// A realtime adapter wraps one vendor's duplex voice API — speech
// recognition, reasoning, and synthesis over a single stateful connection —
// and hides the vendor's wire protocol behind a uniform capability set:
// connect, configure, stream audio, complete function calls, disconnect,
// report usage. Upward it speaks exactly one language, the normalized
// [Event] stream; the session controller never sees a vendor message shape.
//
// One adapter instance serves one call and is discarded on disconnect.
// Implementations must be safe for concurrent use: the audio path and the
// controller's event loop run on different goroutines.
package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/outdial/voicebridge/pkg/audio"
)

// Sentinel errors shared by all adapter implementations. Adapters wrap these
// with operation context; callers match with errors.Is.
var (
	// ErrNotConnected is returned by operations that require an established
	// vendor connection.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrAlreadyConfigured is returned by ConfigureSession when the session
	// has already been configured on this connection.
	ErrAlreadyConfigured = errors.New("realtime: session already configured")

	// ErrConfigRejected is wrapped into the Error event when the vendor
	// rejects the session configuration. It is fatal to the session.
	ErrConfigRejected = errors.New("realtime: configuration rejected")
)

// EventType discriminates the variants of a normalized [Event].
type EventType string

const (
	// EventSpeechStarted: the vendor detected the caller starting to speak.
	// Used for barge-in, to stop playing buffered agent audio.
	EventSpeechStarted EventType = "speech_started"

	// EventAudioOutChunk carries one chunk of synthesised agent audio in the
	// session's negotiated output format.
	EventAudioOutChunk EventType = "audio_out_chunk"

	// EventAudioOutDone: the vendor finished synthesising the current agent
	// turn; no more audio chunks follow until the next turn.
	EventAudioOutDone EventType = "audio_out_done"

	// EventTranscriptUser carries recognised caller speech as text.
	EventTranscriptUser EventType = "transcript_user"

	// EventTranscriptAgent carries the agent's response as text.
	EventTranscriptAgent EventType = "transcript_agent"

	// EventFunctionCallRequest: the model wants a function executed. The host
	// completes the round trip with [Adapter.SendFunctionResult].
	EventFunctionCallRequest EventType = "function_call_request"

	// EventConfigApplied: the vendor acknowledged the session configuration.
	// Informational; adapters that configure optimistically are already
	// accepting audio when this arrives.
	EventConfigApplied EventType = "config_applied"

	// EventError carries a vendor-reported or transport error. Whether it is
	// fatal to the call is decided above the adapter.
	EventError EventType = "error"

	// EventClosed is always the final event on the stream: the vendor
	// connection is gone, cleanly or not.
	EventClosed EventType = "closed"
)

// Event is a normalized message from an adapter to the session controller.
// Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	// Audio is the payload for EventAudioOutChunk.
	Audio []byte

	// Text is the payload for EventTranscriptUser and EventTranscriptAgent.
	Text string

	// FunctionCall is the payload for EventFunctionCallRequest.
	FunctionCall *FunctionCall

	// Err is the payload for EventError.
	Err error
}

// FunctionCall identifies one pending function-call round trip.
type FunctionCall struct {
	// ID correlates the eventual result with this request.
	ID string

	// Name is the function to execute, matching a FunctionDefinition name.
	Name string

	// ArgumentsJSON is the model-produced argument object, verbatim.
	ArgumentsJSON string
}

// FunctionDefinition describes one function offered to the model for the
// session's lifetime.
type FunctionDefinition struct {
	Name        string
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters json.RawMessage
}

// AgentConfig is the vendor-independent session configuration. Each adapter
// translates it into its vendor's settings message.
type AgentConfig struct {
	// Instructions is the system-level prompt that defines the agent's
	// persona and behavioural constraints.
	Instructions string

	// Greeting, when set, is spoken by the agent as soon as the session
	// becomes active, before the caller says anything.
	Greeting string

	// Voice selects the synthesis voice, in the vendor's naming.
	Voice string

	// ListenModel, ThinkModel and SpeakModel select the vendor models for
	// recognition, reasoning and synthesis. Vendors with a single combined
	// model read only ThinkModel.
	ListenModel string
	ThinkModel  string
	SpeakModel  string

	// Functions is the set of functions the model may invoke.
	Functions []FunctionDefinition

	// InputFormat is the format of audio passed to SendAudio; OutputFormat
	// is the format of EventAudioOutChunk payloads. The adapter negotiates
	// both with the vendor and converts where the vendor cannot match them.
	InputFormat  audio.Format
	OutputFormat audio.Format
}

// CostMetrics is a point-in-time snapshot of a session's usage counters.
// Which counters a vendor populates varies: duplex-audio vendors bill by
// audio time, token-based vendors by tokens. Zero values mean no usage of
// that unit, not missing data.
type CostMetrics struct {
	// Provider is the adapter's provider name, keying the rate table.
	Provider string

	AudioInSeconds  float64
	AudioOutSeconds float64

	InputTokens  int64
	OutputTokens int64
}

// Adapter is the uniform contract over any conversational-AI vendor backend.
//
// Lifecycle: Connect, then ConfigureSession exactly once, then the audio and
// function-call operations, then Disconnect. Events() may be consumed from
// the moment Connect returns; the stream ends with EventClosed in every
// teardown path.
type Adapter interface {
	// Connect establishes the vendor connection. It is bounded by ctx and by
	// the adapter's own connect timeout; failure is fatal to the session
	// attempt and propagates to the caller. On success the adapter is
	// connected but does not accept audio until ConfigureSession.
	Connect(ctx context.Context) error

	// ConfigureSession sends the vendor-specific session parameters derived
	// from cfg. It must be called at most once per connection; a second call
	// returns ErrAlreadyConfigured. Adapters whose vendor acknowledges
	// configuration asynchronously may mark themselves configured
	// immediately after sending, accepting a small window of audio in
	// flight before formal acknowledgment; the acknowledgment surfaces
	// later as EventConfigApplied, and a rejection as a fatal EventError.
	ConfigureSession(cfg AgentConfig) error

	// SendAudio forwards one frame of caller audio, already in the session's
	// negotiated input format. It reports success as a boolean rather than
	// an error: a transient send failure on the audio path must not
	// interrupt the call loop — the caller counts the drop and continues
	// with the next frame. Returns false whenever the adapter is not both
	// connected and configured.
	SendAudio(frame []byte) bool

	// SendFunctionResult completes the function-call round trip identified
	// by callID. If the connection is no longer open it logs a warning and
	// returns nil; the call is already lost and there is nothing to unwind.
	SendFunctionResult(callID, result string) error

	// Disconnect sends a graceful end-of-session signal if the connection is
	// open, then releases every resource — timers, buffers, the connection
	// itself — unconditionally, including on error paths. Safe to call more
	// than once; subsequent calls return nil.
	Disconnect() error

	// CostMetrics returns a snapshot of the session's usage counters. It
	// does not mutate state and is callable at any point, including after
	// Disconnect.
	CostMetrics() CostMetrics

	// Events returns the normalized event stream. The channel is closed
	// after EventClosed is delivered. Consumers must drain it promptly;
	// adapters may drop audio-out chunks (never control events) when the
	// consumer falls behind.
	Events() <-chan Event
}
