package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

var (
	// ErrNoProviders is returned when no vision provider is configured.
	ErrNoProviders = errors.New("no vision providers configured")
	// ErrUnknownProvider is returned for provider names outside the registry.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrEmptyContent is returned when a provider answers with no text.
	ErrEmptyContent = errors.New("provider returned empty content")
)

// PageExtraction is the outcome of sending one rendered page to a vision model.
type PageExtraction struct {
	Text   string
	Tokens int
}

// Provider extracts text from a rendered page image via a vision model.
type Provider interface {
	Name() string
	ExtractPageText(ctx context.Context, png []byte, prompt string) (PageExtraction, error)
}

// ExtractionPrompt instructs vision models to transcribe a page verbatim.
const ExtractionPrompt = `Extract all text content from this document page. ` +
	`Transcribe it exactly as written, preserving reading order, headings, lists and table rows. ` +
	`Render tables as lines with cells separated by " | ". ` +
	`Return only the transcribed text, no commentary.`

// costPerPage is the API cost the service pays per page, in USD.
var costPerPage = map[string]float64{
	ProviderOpenAI:    0.03,
	ProviderAnthropic: 0.02,
	ProviderGemini:    0.01,
}

// CostPerPage returns the per-page API cost for a provider, zero if unknown.
func CostPerPage(name string) float64 {
	return costPerPage[name]
}

// keyPrefixes are the shapes real API keys have per provider. Anthropic is
// checked before OpenAI callers care: "sk-ant-" also matches "sk-".
var keyPrefixes = map[string]string{
	ProviderOpenAI:    "sk-",
	ProviderAnthropic: "sk-ant-",
}

// ValidateKeyShape rejects keys that cannot possibly belong to the provider.
// Gemini keys have no stable prefix, so any non-empty key passes.
func ValidateKeyShape(provider, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%s: empty api key", provider)
	}
	prefix, ok := keyPrefixes[provider]
	if !ok {
		return nil
	}
	if !strings.HasPrefix(key, prefix) {
		return fmt.Errorf("%s: api key must start with %q", provider, prefix)
	}
	return nil
}

// cleanExtraction strips markdown code fences models sometimes wrap output in.
func cleanExtraction(content string) string {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		start := 3
		if newlineIdx := strings.Index(content[start:], "\n"); newlineIdx != -1 {
			start += newlineIdx + 1
		}
		if endIdx := strings.LastIndex(content[start:], "```"); endIdx != -1 {
			content = content[start : start+endIdx]
		} else {
			content = content[start:]
		}
	}

	return strings.TrimSpace(content)
}
