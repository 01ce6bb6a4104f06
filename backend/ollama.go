package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	ollama "github.com/ollama/ollama/api"

	"github.com/Paranoid-AF/ghostline/suggest"
)

// ollamaStreamer uses Ollama's native generate endpoint, which supports
// fill-in-the-middle through the suffix field.
type ollamaStreamer struct {
	client *ollama.Client
	model  string
}

func newOllamaStreamer(cfg Config, httpClient *http.Client) (*ollamaStreamer, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("backend: model is required")
	}

	var client *ollama.Client
	if cfg.BaseURL == "" {
		c, err := ollama.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("could not create ollama client: %w", err)
		}
		client = c
	} else {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid ollama base_url: %w", err)
		}
		client = ollama.NewClient(u, httpClient)
	}

	return &ollamaStreamer{client: client, model: cfg.Model}, nil
}

func (s *ollamaStreamer) stream(ctx context.Context, req suggest.CompletionRequest, emit func(string)) error {
	stream := true
	options := map[string]any{
		"num_predict": req.MaxTokens,
		"temperature": req.Temperature,
	}
	if len(req.StopSequences) > 0 {
		options["stop"] = req.StopSequences
	}

	gr := &ollama.GenerateRequest{
		Model:   s.model,
		Prompt:  req.PrefixText,
		Suffix:  req.SuffixText,
		Stream:  &stream,
		Options: options,
	}

	err := s.client.Generate(ctx, gr, func(res ollama.GenerateResponse) error {
		emit(res.Response)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ollama generate failed: %w", err)
	}
	return nil
}
