// Package mock provides a test double for the realtime.Adapter interface.
//
// The Adapter records every call made by the session controller and lets the
// test script the vendor side: inject events with Emit, inject failures via
// the exported error fields, and inspect the frames and function results the
// controller sent.
//
// Example:
//
//	a := mock.New()
//	_ = a.Connect(ctx)
//	_ = a.ConfigureSession(cfg)
//	a.Emit(realtime.Event{Type: realtime.EventSpeechStarted})
package mock

import (
	"context"
	"sync"

	"github.com/outdial/voicebridge/pkg/provider/realtime"
)

// Ensure Adapter implements realtime.Adapter at compile time.
var _ realtime.Adapter = (*Adapter)(nil)

// Name is the provider name the mock reports in cost metrics.
const Name = "mock"

// FunctionResult records a single invocation of SendFunctionResult.
type FunctionResult struct {
	CallID string
	Result string
}

// Adapter is a scriptable in-memory realtime.Adapter. The zero value is not
// usable; create instances with New.
type Adapter struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned from Connect.
	ConnectErr error

	// ConfigureErr, if non-nil, is returned from ConfigureSession.
	ConfigureErr error

	// RejectAudio makes SendAudio report failure for every frame while set.
	RejectAudio bool

	// Metrics is returned verbatim from CostMetrics, with Provider defaulted
	// to Name when empty.
	Metrics realtime.CostMetrics

	connected  bool
	configured bool
	closed     bool

	config          realtime.AgentConfig
	sentFrames      [][]byte
	functionResults []FunctionResult
	disconnectCount int

	events    chan realtime.Event
	closeOnce sync.Once
}

// New creates a mock adapter with a buffered event stream.
func New() *Adapter {
	return &Adapter{events: make(chan realtime.Event, 64)}
}

// ── realtime.Adapter ──────────────────────────────────────────────────────────

func (a *Adapter) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ConnectErr != nil {
		return a.ConnectErr
	}
	a.connected = true
	return nil
}

func (a *Adapter) ConfigureSession(cfg realtime.AgentConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.closed {
		return realtime.ErrNotConnected
	}
	if a.configured {
		return realtime.ErrAlreadyConfigured
	}
	if a.ConfigureErr != nil {
		return a.ConfigureErr
	}
	a.configured = true
	a.config = cfg
	return nil
}

func (a *Adapter) SendAudio(frame []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || !a.configured || a.closed || a.RejectAudio {
		return false
	}
	chunk := make([]byte, len(frame))
	copy(chunk, frame)
	a.sentFrames = append(a.sentFrames, chunk)
	return true
}

func (a *Adapter) SendFunctionResult(callID, result string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.functionResults = append(a.functionResults, FunctionResult{CallID: callID, Result: result})
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.disconnectCount++
	alreadyClosed := a.closed
	a.closed = true
	a.mu.Unlock()

	if !alreadyClosed {
		a.closeEvents()
	}
	return nil
}

func (a *Adapter) CostMetrics() realtime.CostMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.Metrics
	if m.Provider == "" {
		m.Provider = Name
	}
	return m
}

func (a *Adapter) Events() <-chan realtime.Event { return a.events }

// ── scripting and inspection ──────────────────────────────────────────────────

// Emit injects one vendor event into the stream. It is a no-op after
// Disconnect.
func (a *Adapter) Emit(ev realtime.Event) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	a.events <- ev
}

// FailConnection simulates the vendor dropping the connection: the stream
// ends as it would after a remote close.
func (a *Adapter) FailConnection(err error) {
	a.Emit(realtime.Event{Type: realtime.EventError, Err: err})
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.closeEvents()
}

// Connected reports whether Connect succeeded.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Config returns the AgentConfig passed to ConfigureSession.
func (a *Adapter) Config() realtime.AgentConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config
}

// SentFrames returns copies of every frame accepted by SendAudio, in order.
func (a *Adapter) SentFrames() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.sentFrames))
	copy(out, a.sentFrames)
	return out
}

// FunctionResults returns every recorded SendFunctionResult call, in order.
func (a *Adapter) FunctionResults() []FunctionResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]FunctionResult, len(a.functionResults))
	copy(out, a.functionResults)
	return out
}

// DisconnectCount returns how many times Disconnect was called.
func (a *Adapter) DisconnectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnectCount
}

// closeEvents delivers the terminal Closed event and closes the stream,
// dropping buffered events oldest-first if no consumer kept up.
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
