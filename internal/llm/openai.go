// Package llm adapts a chat-completion backend to the engine's Completer
// interface.
package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"github.com/taskweave/taskweave"
)

// OpenAICompleter sends single-message chat completions at temperature 0
// so planning and judging are as repeatable as the backend allows.
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

// Option configures an OpenAICompleter.
type Option func(*OpenAICompleter)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *OpenAICompleter) {
		if model != "" {
			c.model = model
		}
	}
}

// NewOpenAICompleter creates a Completer backed by the OpenAI API.
func NewOpenAICompleter(apiKey string, options ...Option) (*OpenAICompleter, error) {
	if apiKey == "" {
		return nil, taskweave.NewConfigurationError("OpenAI API key is required", nil)
	}

	c := &OpenAICompleter{
		client: openai.NewClient(apiKey),
		model:  taskweave.DefaultConfig().Model,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Complete implements taskweave.Completer.
func (c *OpenAICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		}},
	})
	if err != nil {
		return "", taskweave.NewProviderInvokeError("completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", taskweave.NewProviderInvokeError("completion", fmt.Errorf("model returned no choices"))
	}
	return resp.Choices[0].Message.Content, nil
}
