package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// LLM providers accepted by ParseProvider.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Default models per provider.
const (
	DefaultModel          = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
)

const maxVerdictTokens = 256

// completer sends one system+user exchange and returns the reply text.
type completer interface {
	complete(ctx context.Context, system, user string) (string, error)
}

// ParseProvider normalizes a provider name. Empty selects openai.
func ParseProvider(name string) (string, error) {
	switch p := strings.ToLower(strings.TrimSpace(name)); p {
	case "", ProviderOpenAI:
		return ProviderOpenAI, nil
	case ProviderAnthropic:
		return ProviderAnthropic, nil
	default:
		return "", fmt.Errorf("unknown llm provider %q (valid: openai, anthropic)", name)
	}
}

func newCompleter(provider string, cfg LLMConfig) completer {
	if provider == ProviderAnthropic {
		opts := []anthropicoption.RequestOption{
			anthropicoption.WithAPIKey(cfg.APIKey),
			anthropicoption.WithMaxRetries(cfg.MaxRetries),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
		}
		if cfg.HTTPClient != nil {
			opts = append(opts, anthropicoption.WithHTTPClient(cfg.HTTPClient))
		}
		return &anthropicCompleter{client: anthropic.NewClient(opts...), model: modelOr(cfg.Model, DefaultAnthropicModel)}
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &openaiCompleter{client: openai.NewClient(opts...), model: modelOr(cfg.Model, DefaultModel)}
}

func modelOr(name, def string) string {
	if name == "" {
		return def
	}
	return name
}

type openaiCompleter struct {
	client openai.Client
	model  string
}

func (c *openaiCompleter) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		MaxTokens:   openai.Int(maxVerdictTokens),
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

type anthropicCompleter struct {
	client anthropic.Client
	model  string
}

func (c *anthropicCompleter) complete(ctx context.Context, system, user string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   maxVerdictTokens,
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return "", fmt.Errorf("messages: %w", err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("messages returned no text")
	}
	return b.String(), nil
}
