package backend

import (
	"log/slog"
	"strings"
	"text/template"

	defaults "github.com/Paranoid-AF/ghostline/default"
	"github.com/Paranoid-AF/ghostline/suggest"
)

// PromptData holds the data passed to the prompt template.
type PromptData struct {
	MaxTokens int
	HasSuffix bool
}

// buildSystemPrompt renders the system prompt from the template. A template
// that fails to parse or execute falls back to the embedded default.
func buildSystemPrompt(tmplSrc string, data PromptData) string {
	if tmplSrc == "" {
		tmplSrc = defaults.DefaultPrompt
	}

	t, err := template.New("prompt").Parse(tmplSrc)
	if err != nil {
		slog.Warn("failed to parse prompt template, falling back to default", "error", err)
		t = template.Must(template.New("prompt").Parse(defaults.DefaultPrompt))
	}

	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		slog.Warn("failed to execute prompt template, falling back to default", "error", err)
		t = template.Must(template.New("prompt").Parse(defaults.DefaultPrompt))
		buf.Reset()
		_ = t.Execute(&buf, data)
	}

	return strings.TrimRight(buf.String(), " \t\n")
}

// buildUserMessage wraps the context windows in tags so the model can tell
// where the cursor is.
func buildUserMessage(req suggest.CompletionRequest) string {
	var sb strings.Builder
	sb.WriteString("<before_cursor>")
	sb.WriteString(req.PrefixText)
	sb.WriteString("</before_cursor>\n")
	if req.SuffixText != "" {
		sb.WriteString("<after_cursor>")
		sb.WriteString(req.SuffixText)
		sb.WriteString("</after_cursor>\n")
	}
	return sb.String()
}
