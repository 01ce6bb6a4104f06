package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Paranoid-AF/ghostline/suggest"
)

// maxErrorBody caps how much of a failed response is quoted in the error.
const maxErrorBody = 4096

// openaiStreamer talks to OpenAI-compatible chat and legacy completion
// endpoints using server-sent events.
type openaiStreamer struct {
	baseURL   string
	apiKey    string
	model     string
	apiType   string
	telemetry bool
	prompt    string
	client    *http.Client
}

func newOpenAIStreamer(cfg Config, client *http.Client) (*openaiStreamer, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend: base_url is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("backend: model is required")
	}
	return &openaiStreamer{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		apiType:   cfg.APIType,
		telemetry: cfg.Telemetry,
		prompt:    cfg.PromptTemplate,
		client:    client,
	}, nil
}

// --- Chat Completions API ---

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// --- Completions API (fill-in-the-middle) ---

type completionsRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Suffix      string   `json:"suffix,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
}

// streamChunk covers both chat deltas and completion text chunks.
type streamChunk struct {
	Choices []struct {
		Text  string `json:"text"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (s *openaiStreamer) stream(ctx context.Context, req suggest.CompletionRequest, emit func(string)) error {
	var (
		path string
		body any
	)
	if s.apiType == APICompletions {
		path = "/completions"
		body = completionsRequest{
			Model:       s.model,
			Prompt:      req.PrefixText,
			Suffix:      req.SuffixText,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Stop:        req.StopSequences,
			Stream:      true,
		}
	} else {
		path = "/chat/completions"
		system := buildSystemPrompt(s.prompt, PromptData{
			MaxTokens: req.MaxTokens,
			HasSuffix: req.SuffixText != "",
		})
		body = chatCompletionsRequest{
			Model: s.model,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: buildUserMessage(req)},
			},
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Stop:        req.StopSequences,
			Stream:      true,
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	s.setHeaders(httpReq)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return readSSE(resp.Body, emit)
}

// readSSE pumps "data:" lines until the [DONE] sentinel or end of body.
func readSSE(r io.Reader, emit func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "[DONE]" {
			return nil
		}
		if payload == "" {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return fmt.Errorf("failed to parse stream chunk: %w (data: %s)", err, payload)
		}
		if chunk.Error != nil {
			return fmt.Errorf("API error: %s", chunk.Error.Message)
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content != "" {
				emit(c.Delta.Content)
			} else if c.Text != "" {
				emit(c.Text)
			}
		}
	}
	return scanner.Err()
}

// setHeaders sets common headers for API requests.
func (s *openaiStreamer) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	if s.telemetry {
		req.Header.Set("X-Title", "Ghostline - inline suggestions as you type")
		req.Header.Set("HTTP-Referer", "https://github.com/Paranoid-AF/ghostline")
	}
}
