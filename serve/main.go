// Command ghostlined is the ghostline daemon.
// It listens on a Unix domain socket (and optionally a websocket) for editor
// sessions, runs one suggestion engine per session, and streams ghost text
// back to the editor.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	ghostline "github.com/Paranoid-AF/ghostline"
)

// Version is set at build time via -ldflags.
var Version = "dev"

type options struct {
	verbose        bool
	socket         string
	listen         string
	logFile        string
	allowedOrigins []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:           "ghostlined",
		Short:         "Inline completion daemon for editors",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.SetVersionTemplate("ghostlined {{.Version}}\n")

	f := cmd.Flags()
	f.BoolVar(&opts.verbose, "verbose", false, "log every message and suggestion transition")
	f.StringVar(&opts.socket, "socket", "", "Unix socket path (default $GHOSTLINE_SOCKET, then $XDG_RUNTIME_DIR/ghostline.sock)")
	f.StringVar(&opts.listen, "listen", "", "also serve websocket sessions at ADDR/ws, e.g. 127.0.0.1:7878")
	f.StringVar(&opts.logFile, "log-file", "", "write logs to a rotating file instead of stderr")
	f.StringSliceVar(&opts.allowedOrigins, "allow-origin", nil, "extra websocket origins to accept (\"*\" for any)")

	return cmd
}

func run(ctx context.Context, opts options) error {
	setupLogging(opts)

	if err := ghostline.LoadEnv(); err != nil {
		slog.Warn("failed to load .env", "path", ghostline.EnvPath(), "error", err)
	}

	cfg, err := ghostline.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "path", ghostline.ConfigPath(), "error", err)
		return err
	}
	for _, w := range ghostline.ValidateConfig(cfg) {
		slog.Warn("config", "warning", w)
	}

	socketPath := opts.socket
	if socketPath == "" {
		socketPath = resolveSocketPath()
	}

	slog.Info("starting", "socket", socketPath, "listen", opts.listen)

	srv, err := NewServerWithFactory(socketPath, cfg, newBackend)
	if err != nil {
		slog.Error("failed to start server", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Serve)

	var httpSrv *http.Server
	if opts.listen != "" {
		httpSrv = &http.Server{
			Addr:              opts.listen,
			Handler:           srv.WebsocketHandler(opts.allowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		if httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
		}
		srv.Close()
		return nil
	})

	slog.Info("ready")
	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		return err
	}
	return nil
}

func setupLogging(opts options) {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	var w io.Writer = os.Stderr
	if opts.logFile != "" {
		w = &lumberjack.Logger{
			Filename:   opts.logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func resolveSocketPath() string {
	if path := os.Getenv("GHOSTLINE_SOCKET"); path != "" {
		return path
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/ghostline.sock"
	}
	return fmt.Sprintf("/tmp/ghostline-%d.sock", os.Getuid())
}
