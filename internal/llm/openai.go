package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider sends page images to the OpenAI chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

func NewOpenAIProvider(apiKey, model, endpoint string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = endpoint
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

func (p *OpenAIProvider) ExtractPageText(ctx context.Context, png []byte, prompt string) (PageExtraction, error) {
	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)

	request := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURI,
							Detail: openai.ImageURLDetailHigh,
						},
					},
					{
						Type: openai.ChatMessagePartTypeText,
						Text: prompt,
					},
				},
			},
		},
		MaxTokens: 4096,
	}

	// Retry logic for transient failures
	maxRetries := 2
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return PageExtraction{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}

		resp, err := p.client.CreateChatCompletion(ctx, request)
		if err != nil {
			lastErr = fmt.Errorf("openai chat completion: %w", err)
			// Don't retry 4xx errors (client errors)
			if openaiClientError(err) {
				return PageExtraction{}, lastErr
			}
			continue
		}

		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("openai: %w", ErrEmptyContent)
			continue
		}

		text := cleanExtraction(resp.Choices[0].Message.Content)
		if text == "" {
			lastErr = fmt.Errorf("openai: %w", ErrEmptyContent)
			continue
		}

		return PageExtraction{
			Text:   text,
			Tokens: resp.Usage.TotalTokens,
		}, nil
	}

	return PageExtraction{}, fmt.Errorf("openai api failed after %d attempts: %w", maxRetries+1, lastErr)
}

func openaiClientError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= 400 && reqErr.HTTPStatusCode < 500
	}
	return false
}
