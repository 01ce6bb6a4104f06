// Command ghostline-repl is an interactive demo of inline suggestions.
// It edits one line in raw terminal mode, shows suggestions as faint ghost
// text after the cursor, and writes a TOML transcript of each submitted line
// to stdout.
//
// Keys: Tab accepts, Ctrl-X dismisses, Enter submits, Ctrl-D or :quit exits.
//
// Usage:
//
//	./ghostline-repl              # interactive, TOML on screen
//	./ghostline-repl > log.toml   # prompt on screen, TOML to file
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	ghostline "github.com/Paranoid-AF/ghostline"
	"github.com/Paranoid-AF/ghostline/backend"
	"github.com/Paranoid-AF/ghostline/suggest"
)

const prompt = "> "

func main() {
	logFile := flag.String("log-file", "", "write debug logs to a rotating file")
	flag.Parse()

	// The terminal is in raw mode, so logs never go to stderr.
	var lw io.Writer = io.Discard
	if *logFile != "" {
		lw = &lumberjack.Logger{Filename: *logFile, MaxSize: 10, MaxBackups: 1}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(lw, &slog.HandlerOptions{Level: slog.LevelDebug})))

	if err := ghostline.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	cfg, err := ghostline.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	client, err := backend.New(ghostline.ClientConfig(cfg, ghostline.LoadPrompt(cfg)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	editor, err := NewEditor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer editor.Close()

	tty := editor.Tty()

	fmt.Fprintf(tty, "\033[2J\033[H") // clear screen
	fmt.Fprintf(tty, "ghostline repl\r\n")
	fmt.Fprintf(tty, "model: %s (%s)\r\n", ghostline.ResolveModel(cfg), cfg.Backend.APIType)
	for _, w := range ghostline.ValidateConfig(cfg) {
		fmt.Fprintf(tty, "warning: %s\r\n", w)
	}
	fmt.Fprintf(tty, "\r\nkeys:\r\n")
	fmt.Fprintf(tty, "  Tab     accept suggestion\r\n")
	fmt.Fprintf(tty, "  Ctrl-X  dismiss suggestion\r\n")
	fmt.Fprintf(tty, "  :quit   exit\r\n\r\n")

	tr := newTranscript()
	engine := suggest.New(editor, client, ghostline.EngineConfig(cfg),
		suggest.WithDecorator(editor),
		suggest.WithObserver(tr),
	)
	defer engine.Close()
	editor.Attach(engine)

	// stdout writer: converts \n → \r\n when stdout is a terminal (raw mode),
	// passes \n through unchanged when redirected to a file.
	out := termWriter(os.Stdout)

	for {
		text, err := editor.ReadLine(prompt)
		if err == io.EOF || err == ErrInterrupt {
			break
		}
		if err != nil {
			fmt.Fprintf(tty, "read error: %v\r\n", err)
			break
		}

		if text == ":quit" || text == ":q" {
			break
		}

		e := tr.take(text, time.Now())
		if text == "" && len(e.Events) == 0 {
			continue
		}
		fmt.Fprintf(tty, "  (%d accepted, %d rejected)\r\n\r\n", e.Accepted, e.Rejected)

		if err := writeEntry(out, e); err != nil {
			fmt.Fprintf(tty, "write error: %v\r\n", err)
		}
	}
}
