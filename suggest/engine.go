// Package suggest implements an inline-suggestion engine for a single editor view.
//
// The engine watches document edits, waits for the user to pause with a collapsed
// cursor, asks a Client for a completion and folds the streamed reply into ghost
// text. Every host signal (keys, clicks, focus, edits) and every backend event is
// turned into a transition on one State value, so late or abandoned requests can
// never change what the user sees.
package suggest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrEmptyRunID is returned internally when a Client hands back a blank run id.
var ErrEmptyRunID = errors.New("suggest: client returned empty run id")

// CompletionRequest is what the engine asks the backend to complete.
type CompletionRequest struct {
	PrefixText    string
	SuffixText    string
	MaxTokens     int
	Temperature   float64
	Timeout       time.Duration
	StopSequences []string
}

// CompletionResult identifies a started request.
type CompletionResult struct {
	RunID RunID
}

// EventKind is the kind of a StreamEvent.
type EventKind string

const (
	EventDelta EventKind = "delta"
	EventDone  EventKind = "done"
	EventError EventKind = "error"
)

// StreamEvent is one message from the backend stream.
type StreamEvent struct {
	RunID     RunID
	Kind      EventKind
	DeltaText string
	// Err describes the failure for EventError. Informational only.
	Err string
}

// CancelReason says why a run was abandoned.
type CancelReason string

const (
	ReasonUser    CancelReason = "user"
	ReasonInput   CancelReason = "input"
	ReasonTimeout CancelReason = "timeout"
)

// CancelRequest asks the backend to stop producing tokens for a run.
type CancelRequest struct {
	RunID  RunID
	Reason CancelReason
}

// Client is the completion backend.
//
// Complete must return promptly with a fresh run id; results arrive through the
// handlers registered with OnStream, which may be invoked from any goroutine and
// at any time, including after the run was abandoned. Cancel must be idempotent.
// The engine has at most one Complete call in flight; an idle timer that fires
// during a slow call is re-armed once the call returns.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
	Cancel(ctx context.Context, req CancelRequest) error
	OnStream(handler func(StreamEvent)) (unsubscribe func())
}

// Selection is a document range; From == To is a collapsed cursor.
type Selection struct {
	From int
	To   int
}

// Collapsed reports whether the selection is a plain cursor.
func (s Selection) Collapsed() bool {
	return s.From == s.To
}

// Host is the editor surface the engine observes.
//
// Offsets are host document positions. Revision must change on every document
// edit. Host methods are called with the engine lock held, so a Host must not
// call back into the engine from them, and must not notify the engine while
// holding a lock its own methods need. Insert is the exception: it is called
// without the engine lock and may synchronously report the edit via DocChanged.
type Host interface {
	Revision() uint64
	Len() int
	TextRange(from, to int) string
	Selection() Selection
	HasFocus() bool
	Insert(pos int, text string) error
}

// Decorator paints the ghost text. Calls are serialized.
type Decorator interface {
	ShowGhost(pos int, text string)
	HideGhost()
}

// Ghost is the decoration the host should currently display.
type Ghost struct {
	Pos  int
	Text string
}

// Engine is the suggestion engine attached to one editor view.
type Engine struct {
	host      Host
	client    Client
	cfg       Config
	logger    *slog.Logger
	decorator Decorator
	observer  Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	enabled    bool
	closed     bool
	timer      *time.Timer
	// gen invalidates scheduled timers and in-flight Complete calls.
	gen        uint64
	issuing    bool
	// rearm is set when a timer fired while Complete was in flight.
	rearm      bool
	early      []StreamEvent
	// overflowed holds run ids that lost events to a full early buffer.
	overflowed map[RunID]struct{}
	shown      bool

	unsubscribe func()

	renderMu  sync.Mutex
	lastGhost Ghost
	ghostOn   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithDecorator sets the ghost text painter.
func WithDecorator(d Decorator) Option {
	return func(e *Engine) { e.decorator = d }
}

// WithObserver sets a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// New attaches an engine to host and subscribes to client's stream.
func New(host Host, client Client, cfg Config, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		host:    host,
		client:  client,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		state:   Idle(),
		enabled: !cfg.Disabled,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.unsubscribe = client.OnStream(e.handleStream)
	return e
}

// State returns a snapshot of the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Ghost returns the ghost text to display, if any.
func (e *Engine) Ghost() (Ghost, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ghostLocked()
}

func (e *Engine) ghostLocked() (Ghost, bool) {
	if e.closed || e.state.SuggestionText == "" {
		return Ghost{}, false
	}
	sel := e.host.Selection()
	if !sel.Collapsed() {
		return Ghost{}, false
	}
	return Ghost{Pos: sel.To, Text: e.state.SuggestionText}, true
}

// Enabled reports whether the engine may issue requests.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// SetEnabled turns suggestions on or off. Disabling abandons any current
// suggestion; enabling does not schedule until the next edit.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	if e.closed || e.enabled == enabled {
		e.mu.Unlock()
		return
	}
	e.enabled = enabled
	var abandoned RunID
	if !enabled {
		e.stopTimerLocked()
		abandoned = e.abandonLocked(ObservedRejected)
	}
	e.mu.Unlock()

	if abandoned != "" {
		e.cancelRun(abandoned, ReasonUser)
	}
	e.render()
}

// Close detaches the engine: the timer is stopped, the stream subscription is
// dropped and an outstanding run is cancelled. Later calls are no-ops.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.stopTimerLocked()
	abandoned := e.abandonLocked(ObservedIgnored)
	e.closed = true
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if abandoned != "" {
		e.cancelRun(abandoned, ReasonInput)
	}
	e.render()
	e.cancel()
}

// applyLocked runs the reducer. e.mu must be held.
func (e *Engine) applyLocked(t Transition) {
	prev := e.state
	e.state = Apply(prev, t)
	e.logger.Debug("suggestion transition",
		"transition", t.Kind.String(),
		"run_id", string(e.state.RunID),
		"pending", e.state.Pending,
		"text_len", len(e.state.SuggestionText),
	)
}

// abandonLocked resets the state and returns the run id that must be cancelled,
// if any. e.mu must be held.
func (e *Engine) abandonLocked(how ObservedKind) RunID {
	if e.state.IsIdle() {
		return ""
	}
	id := e.state.RunID
	e.notifyLocked(how, id)
	e.applyLocked(Reset())
	e.shown = false
	return id
}

// render pushes the current ghost to the decorator. The snapshot is taken under
// renderMu so the last render always reflects the latest state.
func (e *Engine) render() {
	if e.decorator == nil {
		return
	}
	e.renderMu.Lock()
	defer e.renderMu.Unlock()

	e.mu.Lock()
	g, ok := e.ghostLocked()
	e.mu.Unlock()

	switch {
	case ok && (!e.ghostOn || g != e.lastGhost):
		e.decorator.ShowGhost(g.Pos, g.Text)
		e.lastGhost, e.ghostOn = g, true
	case !ok && e.ghostOn:
		e.decorator.HideGhost()
		e.lastGhost, e.ghostOn = Ghost{}, false
	}
}
