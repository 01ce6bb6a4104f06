package suggest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

const testIdle = 20 * time.Millisecond

// fakeHost is an in-memory single-cursor document.
type fakeHost struct {
	mu       sync.Mutex
	text     []rune
	sel      Selection
	focus    bool
	revision uint64

	// engine receives DocChanged after Insert, like a real editor would.
	engine *Engine
}

func newFakeHost(text string) *fakeHost {
	r := []rune(text)
	return &fakeHost{text: r, sel: Selection{From: len(r), To: len(r)}, focus: true}
}

func (h *fakeHost) Revision() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.revision
}

func (h *fakeHost) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.text)
}

func (h *fakeHost) TextRange(from, to int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	from = max(0, min(from, len(h.text)))
	to = max(from, min(to, len(h.text)))
	return string(h.text[from:to])
}

func (h *fakeHost) Selection() Selection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sel
}

func (h *fakeHost) HasFocus() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.focus
}

func (h *fakeHost) Insert(pos int, text string) error {
	h.mu.Lock()
	if pos < 0 || pos > len(h.text) {
		h.mu.Unlock()
		return errors.New("position out of range")
	}
	ins := []rune(text)
	out := make([]rune, 0, len(h.text)+len(ins))
	out = append(out, h.text[:pos]...)
	out = append(out, ins...)
	out = append(out, h.text[pos:]...)
	h.text = out
	h.sel = Selection{From: pos + len(ins), To: pos + len(ins)}
	h.revision++
	e := h.engine
	h.mu.Unlock()

	if e != nil {
		e.DocChanged()
	}
	return nil
}

func (h *fakeHost) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.text)
}

func (h *fakeHost) setSelection(sel Selection) {
	h.mu.Lock()
	h.sel = sel
	h.mu.Unlock()
}

func (h *fakeHost) setFocus(f bool) {
	h.mu.Lock()
	h.focus = f
	h.mu.Unlock()
}

// typeText inserts s one rune at a time at the caret, notifying the engine
// after every keystroke.
func (h *fakeHost) typeText(s string) {
	for _, r := range s {
		caret := h.Selection().To
		_ = h.Insert(caret, string(r))
	}
}

// fakeClient records calls and lets tests drive the stream.
type fakeClient struct {
	mu        sync.Mutex
	completes []CompletionRequest
	cancels   []CancelRequest
	handlers  map[int]func(StreamEvent)
	nextH     int
	nextRun   int

	completeErr error
	emptyID     bool
	// gate, when set, blocks Complete until closed.
	gate chan struct{}
	// onComplete runs inside Complete after the id is assigned.
	onComplete func(RunID)
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[int]func(StreamEvent))}
}

func (c *fakeClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	c.mu.Lock()
	c.completes = append(c.completes, req)
	gate := c.gate
	err := c.completeErr
	c.nextRun++
	id := RunID(fmt.Sprintf("r%d", c.nextRun))
	if c.emptyID {
		id = ""
	}
	hook := c.onComplete
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return CompletionResult{}, ctx.Err()
		}
	}
	if err != nil {
		return CompletionResult{}, err
	}
	if hook != nil {
		hook(id)
	}
	return CompletionResult{RunID: id}, nil
}

func (c *fakeClient) Cancel(_ context.Context, req CancelRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, req)
	return errors.New("cancel is best effort")
}

func (c *fakeClient) OnStream(handler func(StreamEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextH
	c.nextH++
	c.handlers[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

func (c *fakeClient) emit(ev StreamEvent) {
	c.mu.Lock()
	hs := make([]func(StreamEvent), 0, len(c.handlers))
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (c *fakeClient) completeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.completes)
}

func (c *fakeClient) lastComplete() CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completes[len(c.completes)-1]
}

func (c *fakeClient) cancelCalls() []CancelRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CancelRequest(nil), c.cancels...)
}

func (c *fakeClient) handlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

// recordingDecorator keeps the last painted ghost.
type recordingDecorator struct {
	mu    sync.Mutex
	shown bool
	ghost Ghost
	calls int
}

func (d *recordingDecorator) ShowGhost(pos int, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown, d.ghost = true, Ghost{Pos: pos, Text: text}
	d.calls++
}

func (d *recordingDecorator) HideGhost() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown, d.ghost = false, Ghost{}
	d.calls++
}

func (d *recordingDecorator) current() (Ghost, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ghost, d.shown
}

func testConfig() Config {
	return Config{
		IdleDelay:      testIdle,
		MinPrefixChars: 24,
		MaxPrefixChars: 4000,
		MaxSuffixChars: 2000,
	}
}

// newTestEngine wires an engine to a fresh host and client.
func newTestEngine(t *testing.T, text string, opts ...Option) (*Engine, *fakeHost, *fakeClient) {
	t.Helper()
	host := newFakeHost(text)
	client := newFakeClient()
	e := New(host, client, testConfig(), opts...)
	host.mu.Lock()
	host.engine = e
	host.mu.Unlock()
	t.Cleanup(e.Close)
	return e, host, client
}

// quiet waits long enough for any armed idle timer to have fired.
func quiet() {
	time.Sleep(6 * testIdle)
}
