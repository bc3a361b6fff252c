package llm

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider sends page images to the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

func (p *AnthropicProvider) ExtractPageText(ctx context.Context, png []byte, prompt string) (PageExtraction, error) {
	contentBlocks := []anthropic.ContentBlockParamUnion{
		anthropic.NewImageBlockBase64("image/png", base64.StdEncoding.EncodeToString(png)),
		anthropic.NewTextBlock(prompt),
	}

	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			{
				Role:    anthropic.MessageParamRoleUser,
				Content: contentBlocks,
			},
		},
	})
	if err != nil {
		return PageExtraction{}, fmt.Errorf("anthropic message: %w", err)
	}

	var textContent string
	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			textContent += b.Text
		}
	}

	text := cleanExtraction(textContent)
	if text == "" {
		return PageExtraction{}, fmt.Errorf("anthropic: %w", ErrEmptyContent)
	}

	return PageExtraction{
		Text:   text,
		Tokens: int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}, nil
}
