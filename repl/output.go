package main

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/term"

	"github.com/Paranoid-AF/ghostline/suggest"
)

// termWriter wraps a file and converts \n to \r\n when the file is a terminal
// (needed because raw mode disables the kernel's NL→CRNL translation).
// When the file is redirected, \n passes through unchanged.
func termWriter(f *os.File) io.Writer {
	if term.IsTerminal(int(f.Fd())) {
		return &crlfWriter{w: f}
	}
	return f
}

type crlfWriter struct {
	w io.Writer
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	replaced := bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))
	_, err := c.w.Write(replaced)
	return len(p), err // report original length to caller
}

// event is one suggestion lifecycle milestone in the transcript.
type event struct {
	AtMS  int64  `toml:"at_ms"`
	Kind  string `toml:"kind"`
	RunID string `toml:"run_id"`
	Text  string `toml:"text,omitempty"`
}

// entry is one submitted line.
type entry struct {
	Timestamp time.Time `toml:"timestamp"`
	Line      string    `toml:"line"`
	Accepted  int       `toml:"accepted"`
	Rejected  int       `toml:"rejected"`
	Events    []event   `toml:"events,omitempty"`
}

// transcript collects lifecycle events between submitted lines. It is the
// engine's Observer, so Observe runs with the engine lock held and only
// records.
type transcript struct {
	mu     sync.Mutex
	start  time.Time
	events []event
}

func newTranscript() *transcript {
	return &transcript{start: time.Now()}
}

func (t *transcript) Observe(o suggest.Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event{
		AtMS:  time.Since(t.start).Milliseconds(),
		Kind:  string(o.Kind),
		RunID: string(o.RunID),
		Text:  o.Text,
	})
}

// take returns the entry for line and starts collecting the next one.
func (t *transcript) take(line string, now time.Time) entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := entry{Timestamp: now, Line: line, Events: t.events}
	for _, ev := range t.events {
		switch suggest.ObservedKind(ev.Kind) {
		case suggest.ObservedAccepted:
			e.Accepted++
		case suggest.ObservedRejected:
			e.Rejected++
		}
	}
	t.events = nil
	t.start = now
	return e
}

// writeEntry writes a single TOML [[entry]] table to w. Entries written one
// after another form a valid TOML document.
func writeEntry(w io.Writer, e entry) error {
	doc := struct {
		Entry []entry `toml:"entry"`
	}{Entry: []entry{e}}
	if err := toml.NewEncoder(w).Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
