package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Paranoid-AF/ghostline/suggest"
)

// Editor is a minimal single-line editor with cursor tracking.
// It reads from /dev/tty so it works even when stdout is redirected.
//
// Editor implements suggest.Host and suggest.Decorator. The engine calls
// those methods from its own goroutines, so all line state is behind mu.
type Editor struct {
	tty      *os.File
	oldState *term.State
	ghostSt  lipgloss.Style

	mu       sync.Mutex
	prompt   string
	buf      []rune
	pos      int // cursor rune offset into buf
	revision uint64
	ghost    string
	engine   *suggest.Engine
}

// NewEditor opens /dev/tty and switches to raw mode.
func NewEditor() (*Editor, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/tty: %w", err)
	}

	old, err := term.MakeRaw(int(tty.Fd()))
	if err != nil {
		tty.Close()
		return nil, fmt.Errorf("raw mode: %w", err)
	}

	renderer := lipgloss.NewRenderer(tty)
	return &Editor{
		tty:      tty,
		oldState: old,
		ghostSt:  renderer.NewStyle().Faint(true),
	}, nil
}

// Attach connects the engine that receives edit notifications.
func (e *Editor) Attach(engine *suggest.Engine) {
	e.mu.Lock()
	e.engine = engine
	e.mu.Unlock()
}

// Close restores terminal state and closes the tty fd.
func (e *Editor) Close() {
	term.Restore(int(e.tty.Fd()), e.oldState)
	e.tty.Close()
}

// Tty returns the tty file for writing prompts/UI.
func (e *Editor) Tty() *os.File {
	return e.tty
}

// --- suggest.Host ---

func (e *Editor) Revision() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.revision
}

func (e *Editor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

func (e *Editor) TextRange(from, to int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	from = max(0, min(from, len(e.buf)))
	to = max(from, min(to, len(e.buf)))
	return string(e.buf[from:to])
}

func (e *Editor) Selection() suggest.Selection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return suggest.Selection{From: e.pos, To: e.pos}
}

func (e *Editor) HasFocus() bool { return true }

func (e *Editor) Insert(pos int, text string) error {
	e.mu.Lock()
	if pos < 0 || pos > len(e.buf) {
		e.mu.Unlock()
		return fmt.Errorf("insert position %d out of range", pos)
	}
	e.insertLocked(pos, []rune(text))
	e.redrawLocked()
	engine := e.engine
	e.mu.Unlock()

	if engine != nil {
		engine.DocChanged()
	}
	return nil
}

// --- suggest.Decorator ---

func (e *Editor) ShowGhost(pos int, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos != e.pos {
		return
	}
	e.ghost = text
	e.redrawLocked()
}

func (e *Editor) HideGhost() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ghost = ""
	e.redrawLocked()
}

// --- line editing ---

func (e *Editor) insertLocked(pos int, ins []rune) {
	out := make([]rune, 0, len(e.buf)+len(ins))
	out = append(out, e.buf[:pos]...)
	out = append(out, ins...)
	out = append(out, e.buf[pos:]...)
	e.buf = out
	e.pos = pos + len(ins)
	e.revision++
}

// edit applies fn to the line under the lock, then tells the engine.
func (e *Editor) edit(fn func()) {
	e.mu.Lock()
	before := e.revision
	fn()
	changed := e.revision != before
	e.redrawLocked()
	engine := e.engine
	e.mu.Unlock()

	if changed && engine != nil {
		engine.DocChanged()
	}
}

// move repositions the caret without editing.
func (e *Editor) move(fn func()) {
	e.mu.Lock()
	fn()
	e.redrawLocked()
	e.mu.Unlock()
}

// key forwards a key to the engine and reports whether it was consumed.
func (e *Editor) key(k suggest.Key) bool {
	e.mu.Lock()
	engine := e.engine
	e.mu.Unlock()
	if engine == nil {
		return false
	}
	return engine.HandleKey(k)
}

// ReadLine displays the prompt and reads a line with full cursor tracking.
// Returns io.EOF when the user presses Ctrl-D on empty input.
func (e *Editor) ReadLine(prompt string) (string, error) {
	e.move(func() { e.prompt = prompt })

	var esc [8]byte // buffer for escape sequences

	for {
		var b [1]byte
		_, err := e.tty.Read(b[:])
		if err != nil {
			return "", err
		}

		switch b[0] {
		case 3: // Ctrl-C
			fmt.Fprintf(e.tty, "\r\n")
			return "", ErrInterrupt

		case 4: // Ctrl-D
			if e.Len() == 0 {
				fmt.Fprintf(e.tty, "\r\n")
				return "", io.EOF
			}

		case 13, 10: // Enter
			return e.submit(), nil

		case 9: // Tab accepts; a plain tab is never inserted
			e.key(suggest.KeyTab)

		case 24: // Ctrl-X dismisses
			e.key(suggest.KeyEscape)

		case 127, 8: // Backspace / Ctrl-H
			e.edit(func() {
				if e.pos > 0 {
					e.buf = append(e.buf[:e.pos-1], e.buf[e.pos:]...)
					e.pos--
					e.revision++
				}
			})

		case 1: // Ctrl-A (Home)
			e.key(suggest.KeyHome)
			e.move(func() { e.pos = 0 })

		case 5: // Ctrl-E (End)
			e.key(suggest.KeyEnd)
			e.move(func() { e.pos = len(e.buf) })

		case 21: // Ctrl-U (clear line)
			e.edit(func() {
				if len(e.buf) > 0 {
					e.buf = e.buf[:0]
					e.pos = 0
					e.revision++
				}
			})

		case 27: // Escape sequence
			n, _ := e.tty.Read(esc[:1])
			if n == 0 || esc[0] != '[' {
				continue
			}
			n, _ = e.tty.Read(esc[1:2])
			if n == 0 {
				continue
			}
			switch esc[1] {
			case 'D': // Left
				e.key(suggest.KeyArrowLeft)
				e.move(func() { e.pos = max(0, e.pos-1) })
			case 'C': // Right
				e.key(suggest.KeyArrowRight)
				e.move(func() { e.pos = min(len(e.buf), e.pos+1) })
			case 'A', 'B': // Up / Down: nowhere to go on one line
				if esc[1] == 'A' {
					e.key(suggest.KeyArrowUp)
				} else {
					e.key(suggest.KeyArrowDown)
				}
			case 'H': // Home
				e.key(suggest.KeyHome)
				e.move(func() { e.pos = 0 })
			case 'F': // End
				e.key(suggest.KeyEnd)
				e.move(func() { e.pos = len(e.buf) })
			case '3': // Delete key: \x1b[3~
				e.tty.Read(esc[2:3]) // consume '~'
				e.edit(func() {
					if e.pos < len(e.buf) {
						e.buf = append(e.buf[:e.pos], e.buf[e.pos+1:]...)
						e.revision++
					}
				})
			case '1': // Home: \x1b[1~
				e.tty.Read(esc[2:3])
				e.key(suggest.KeyHome)
				e.move(func() { e.pos = 0 })
			case '4': // End: \x1b[4~
				e.tty.Read(esc[2:3])
				e.key(suggest.KeyEnd)
				e.move(func() { e.pos = len(e.buf) })
			}

		default: // Printable character
			if b[0] >= 32 {
				// Determine full UTF-8 sequence length
				ch := []byte{b[0]}
				if b[0] >= 0xC0 {
					extra := utf8RuneLen(b[0]) - 1
					tmp := make([]byte, extra)
					e.tty.Read(tmp)
					ch = append(ch, tmp...)
				}
				r, _ := utf8.DecodeRune(ch)
				e.edit(func() { e.insertLocked(e.pos, []rune{r}) })
			}
		}
	}
}

// submit leaves the line on screen without its ghost, starts a fresh empty
// line and tells the engine the document changed.
func (e *Editor) submit() string {
	e.mu.Lock()
	line := string(e.buf)
	e.ghost = ""
	e.redrawLocked()
	fmt.Fprintf(e.tty, "\r\n")
	e.buf = e.buf[:0]
	e.pos = 0
	e.revision++
	engine := e.engine
	e.mu.Unlock()

	if engine != nil {
		engine.DocChanged()
	}
	return line
}

// redrawLocked clears the current line and redraws it. e.mu must be held.
func (e *Editor) redrawLocked() {
	fmt.Fprint(e.tty, composeLine(e.prompt, e.buf, e.pos, e.ghost, e.ghostSt))
}

// composeLine renders prompt, text and ghost text, then moves the terminal
// cursor back to pos. The ghost sits at the caret, so it is only drawn when
// non-empty.
func composeLine(prompt string, buf []rune, pos int, ghost string, style lipgloss.Style) string {
	var sb strings.Builder
	// \r = carriage return, \x1b[K = clear to end of line
	sb.WriteString("\r\x1b[K")
	sb.WriteString(prompt)
	sb.WriteString(string(buf[:pos]))
	back := len(buf) - pos
	if ghost != "" {
		sb.WriteString(style.Render(ghost))
		back += utf8.RuneCountInString(ghost)
	}
	sb.WriteString(string(buf[pos:]))
	if back > 0 {
		fmt.Fprintf(&sb, "\x1b[%dD", back)
	}
	return sb.String()
}

// utf8RuneLen returns the expected byte length of a UTF-8 sequence
// from its leading byte.
func utf8RuneLen(lead byte) int {
	if lead < 0xC0 {
		return 1
	}
	if lead < 0xE0 {
		return 2
	}
	if lead < 0xF0 {
		return 3
	}
	return 4
}

// ErrInterrupt is returned when the user presses Ctrl-C.
var ErrInterrupt = fmt.Errorf("interrupted")
