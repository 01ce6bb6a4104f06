// Package backend streams inline completions from a language-model API.
//
// Client implements suggest.Client: Complete starts a run and returns its id at
// once, tokens are delivered to OnStream handlers as they arrive, and Cancel
// stops a run without ever failing.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/Paranoid-AF/ghostline/redact"
	"github.com/Paranoid-AF/ghostline/suggest"
)

// API types understood by the client.
const (
	APIChatCompletions = "chat_completions"
	APICompletions     = "completions"
	APIOllama          = "ollama"
)

// Defaults applied to zero-valued Config fields.
const (
	defaultRequestsPerMinute  = 120
	defaultBurst              = 4
	defaultBreakerMaxFailures = 5
	defaultBreakerTimeout     = 30 * time.Second
	defaultBreakerInterval    = 60 * time.Second
)

var (
	// ErrRateLimited is returned by Complete when requests arrive faster than allowed.
	ErrRateLimited = errors.New("backend: rate limited")
	// ErrCircuitOpen is returned by Complete while the backend is considered down.
	ErrCircuitOpen = errors.New("backend: circuit open")
	// ErrClosed is returned by Complete after Close.
	ErrClosed = errors.New("backend: client closed")

	errCancelled = errors.New("run cancelled")
	errExpired   = errors.New("run expired")
)

// Config describes the completion endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// APIType is one of APIChatCompletions, APICompletions or APIOllama.
	APIType string
	// Telemetry sends OpenRouter attribution headers.
	Telemetry bool
	// PromptTemplate overrides the embedded system prompt for chat APIs.
	PromptTemplate string
	// Redact masks secrets in the prefix and suffix before they leave the process.
	Redact bool

	RequestsPerMinute  int
	Burst              int
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

// streamer produces the text of one completion, calling emit per chunk.
type streamer interface {
	stream(ctx context.Context, req suggest.CompletionRequest, emit func(string)) error
}

type run struct {
	cancel context.CancelCauseFunc
}

// Client is a streaming completion client. It is safe for concurrent use.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	http     *http.Client
	streamer streamer

	runs    *ttlcache.Cache[suggest.RunID, *run]
	breaker *gobreaker.CircuitBreaker[struct{}]
	limiter *rate.Limiter

	mu       sync.RWMutex
	handlers map[uint64]func(suggest.StreamEvent)
	nextID   uint64

	closed atomic.Bool
	wg     sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the HTTP client used for API calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = defaultBreakerMaxFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}
	if cfg.APIType == "" {
		cfg.APIType = APIChatCompletions
	}

	c := &Client{
		cfg:      cfg,
		logger:   slog.Default(),
		http:     &http.Client{},
		handlers: make(map[uint64]func(suggest.StreamEvent)),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute)/60.0, cfg.Burst),
	}
	for _, opt := range opts {
		opt(c)
	}

	switch cfg.APIType {
	case APIChatCompletions, APICompletions:
		s, err := newOpenAIStreamer(cfg, c.http)
		if err != nil {
			return nil, err
		}
		c.streamer = s
	case APIOllama:
		s, err := newOllamaStreamer(cfg, c.http)
		if err != nil {
			return nil, err
		}
		c.streamer = s
	default:
		return nil, fmt.Errorf("backend: unknown api type %q", cfg.APIType)
	}

	maxFailures := cfg.BreakerMaxFailures
	c.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "completion:" + cfg.APIType,
		MaxRequests: 1,
		Interval:    defaultBreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	c.runs = ttlcache.New[suggest.RunID, *run](
		ttlcache.WithDisableTouchOnHit[suggest.RunID, *run](),
	)
	c.runs.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[suggest.RunID, *run]) {
		if reason == ttlcache.EvictionReasonExpired {
			item.Value().cancel(errExpired)
		}
	})
	go c.runs.Start()

	return c, nil
}

// Complete starts a streaming run and returns its id without waiting for output.
func (c *Client) Complete(_ context.Context, req suggest.CompletionRequest) (suggest.CompletionResult, error) {
	if c.closed.Load() {
		return suggest.CompletionResult{}, ErrClosed
	}
	if c.breaker.State() == gobreaker.StateOpen {
		return suggest.CompletionResult{}, ErrCircuitOpen
	}
	if !c.limiter.Allow() {
		return suggest.CompletionResult{}, ErrRateLimited
	}

	if c.cfg.Redact {
		req.PrefixText = redact.Window(req.PrefixText)
		req.SuffixText = redact.Window(req.SuffixText)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = suggest.DefaultTimeout
	}

	id := newRunID()
	ctx, cancel := context.WithCancelCause(context.Background())
	c.runs.Set(id, &run{cancel: cancel}, timeout)

	c.wg.Add(1)
	go c.stream(ctx, cancel, id, req)

	c.logger.Debug("completion started", "run_id", string(id), "prefix_len", len(req.PrefixText))
	return suggest.CompletionResult{RunID: id}, nil
}

// newRunID returns a lexically sortable run id.
func newRunID() suggest.RunID {
	return suggest.RunID(ulid.Make().String())
}

func (c *Client) stream(ctx context.Context, cancel context.CancelCauseFunc, id suggest.RunID, req suggest.CompletionRequest) {
	defer c.wg.Done()
	defer c.runs.Delete(id)
	defer cancel(nil)

	_, err := c.breaker.Execute(func() (struct{}, error) {
		err := c.streamer.stream(ctx, req, func(text string) {
			if text == "" || ctx.Err() != nil {
				return
			}
			c.emit(suggest.StreamEvent{RunID: id, Kind: suggest.EventDelta, DeltaText: text})
		})
		if err != nil && errors.Is(context.Cause(ctx), errCancelled) {
			// A cancelled run is not a backend failure.
			return struct{}{}, nil
		}
		return struct{}{}, err
	})

	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errCancelled):
		c.logger.Debug("completion cancelled", "run_id", string(id))
	case errors.Is(cause, errExpired):
		c.logger.Debug("completion expired", "run_id", string(id))
		c.emit(suggest.StreamEvent{RunID: id, Kind: suggest.EventError, Err: "run expired"})
	case err != nil:
		c.logger.Debug("completion failed", "run_id", string(id), "error", err)
		c.emit(suggest.StreamEvent{RunID: id, Kind: suggest.EventError, Err: err.Error()})
	default:
		c.emit(suggest.StreamEvent{RunID: id, Kind: suggest.EventDone})
	}
}

// Cancel stops a run. Unknown, finished and already-cancelled runs are ignored.
func (c *Client) Cancel(_ context.Context, req suggest.CancelRequest) error {
	item := c.runs.Get(req.RunID)
	if item == nil {
		return nil
	}
	item.Value().cancel(errCancelled)
	c.runs.Delete(req.RunID)
	c.logger.Debug("completion cancel requested", "run_id", string(req.RunID), "reason", string(req.Reason))
	return nil
}

// OnStream registers handler for every run's events.
func (c *Client) OnStream(handler func(suggest.StreamEvent)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		})
	}
}

func (c *Client) emit(ev suggest.StreamEvent) {
	c.mu.RLock()
	hs := make([]func(suggest.StreamEvent), 0, len(c.handlers))
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	c.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
}

// Running returns the number of runs still streaming.
func (c *Client) Running() int {
	return c.runs.Len()
}

// BreakerState reports the circuit breaker state for diagnostics.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Close cancels every run, waits for their goroutines and stops the run registry.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	for _, item := range c.runs.Items() {
		item.Value().cancel(errCancelled)
	}
	c.wg.Wait()
	c.runs.Stop()
}

var _ suggest.Client = (*Client)(nil)
