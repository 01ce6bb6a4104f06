package main

import (
	"errors"
	"log/slog"
	"sync"

	ghostline "github.com/Paranoid-AF/ghostline"
	"github.com/Paranoid-AF/ghostline/suggest"
)

// mirror is the daemon's copy of an editor document. It implements
// suggest.Host over that copy and suggest.Decorator by forwarding ghost
// changes to the editor. Offsets are in runes.
type mirror struct {
	id  string
	out *peer

	mu       sync.Mutex
	text     []rune
	sel      suggest.Selection
	focus    bool
	revision uint64
	engine   *suggest.Engine
}

func newMirror(id string, out *peer, text string, sel *ghostline.Selection, focus bool) *mirror {
	m := &mirror{id: id, out: out, text: []rune(text), focus: focus}
	m.sel = m.clampLocked(sel)
	return m
}

// clampLocked converts a wire selection into a valid one. A nil selection puts
// the caret at the end of the document.
func (m *mirror) clampLocked(sel *ghostline.Selection) suggest.Selection {
	n := len(m.text)
	if sel == nil {
		return suggest.Selection{From: n, To: n}
	}
	return suggest.Selection{
		From: max(0, min(sel.From, n)),
		To:   max(0, min(sel.To, n)),
	}
}

func (m *mirror) Revision() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revision
}

func (m *mirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.text)
}

func (m *mirror) TextRange(from, to int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	from = max(0, min(from, len(m.text)))
	to = max(from, min(to, len(m.text)))
	return string(m.text[from:to])
}

func (m *mirror) Selection() suggest.Selection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sel
}

func (m *mirror) HasFocus() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focus
}

// Insert applies an accepted suggestion to the mirror and tells the editor to
// apply the same edit.
func (m *mirror) Insert(pos int, text string) error {
	m.mu.Lock()
	if pos < 0 || pos > len(m.text) {
		m.mu.Unlock()
		return errors.New("insert position out of range")
	}
	ins := []rune(text)
	out := make([]rune, 0, len(m.text)+len(ins))
	out = append(out, m.text[:pos]...)
	out = append(out, ins...)
	out = append(out, m.text[pos:]...)
	m.text = out
	m.sel = suggest.Selection{From: pos + len(ins), To: pos + len(ins)}
	m.revision++
	e := m.engine
	m.mu.Unlock()

	m.out.send(ghostline.ServerEvent{Type: ghostline.EventInsert, SessionID: m.id, Pos: &pos, Text: text})
	if e != nil {
		e.DocChanged()
	}
	return nil
}

func (m *mirror) ShowGhost(pos int, text string) {
	m.out.send(ghostline.ServerEvent{Type: ghostline.EventGhost, SessionID: m.id, Pos: &pos, Text: text})
}

func (m *mirror) HideGhost() {
	m.out.send(ghostline.ServerEvent{Type: ghostline.EventHide, SessionID: m.id})
}

// update replaces the document and selection with the editor's view. It
// reports whether the text and the selection changed. Text identical to the
// mirror (such as the echo of an accepted suggestion) is not an edit.
func (m *mirror) update(text *string, sel *ghostline.Selection) (textChanged, selChanged bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if text != nil && *text != string(m.text) {
		m.text = []rune(*text)
		m.revision++
		textChanged = true
	}
	var next suggest.Selection
	if sel != nil {
		next = m.clampLocked(sel)
	} else {
		// Keep the caret inside a document that may have shrunk.
		n := len(m.text)
		next = suggest.Selection{From: min(m.sel.From, n), To: min(m.sel.To, n)}
	}
	if next != m.sel {
		m.sel = next
		selChanged = true
	}
	return textChanged, selChanged
}

func (m *mirror) setFocus(focus bool) {
	m.mu.Lock()
	m.focus = focus
	m.mu.Unlock()
}

func (m *mirror) attach(e *suggest.Engine) {
	m.mu.Lock()
	m.engine = e
	m.mu.Unlock()
}

// session is one editor view with its engine.
type session struct {
	id     string
	owner  *peer
	host   *mirror
	engine *suggest.Engine
}

// logObserver records the suggestion lifecycle at debug level.
func logObserver(logger *slog.Logger) suggest.Observer {
	return suggest.ObserverFunc(func(o suggest.Observation) {
		logger.Debug("suggestion", "event", string(o.Kind), "run_id", string(o.RunID), "len", len(o.Text))
	})
}
