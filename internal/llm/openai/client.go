// Package openai generates response plans with an OpenAI-compatible chat
// completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/llm"
)

// DefaultModel is used when no model is configured.
const DefaultModel = goopenai.GPT4oMini

// Option configures a Client.
type Option func(*goopenai.ClientConfig)

// WithBaseURL points the client at another API root, such as a proxy or a
// local test server. The URL must include the version path ("/v1").
func WithBaseURL(u string) Option {
	return func(c *goopenai.ClientConfig) { c.BaseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *goopenai.ClientConfig) { c.HTTPClient = hc }
}

// Client implements incident.PlanGenerator on chat completions.
type Client struct {
	api   *goopenai.Client
	model string
}

func New(apiKey, model string, opts ...Option) *Client {
	if model == "" {
		model = DefaultModel
	}
	cfg := goopenai.DefaultConfig(apiKey)
	for _, o := range opts {
		o(&cfg)
	}
	return &Client{api: goopenai.NewClientWithConfig(cfg), model: model}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Generate implements incident.PlanGenerator.
func (c *Client) Generate(ctx context.Context, a *alert.Alert) (*alert.ResponsePlan, error) {
	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: c.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: llm.SystemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: llm.BuildPrompt(a)},
		},
		MaxTokens:   llm.MaxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, llm.Classify(statusOf(err), fmt.Errorf("openai: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty reply: %w", llm.ErrNoPlan)
	}

	choice := resp.Choices[0]
	plan, err := llm.ParsePlan(choice.Message.Content, "openai:"+c.model)
	if err != nil {
		if choice.FinishReason == goopenai.FinishReasonLength {
			return nil, fmt.Errorf("openai reply truncated at %d tokens: %w", llm.MaxTokens, err)
		}
		return nil, fmt.Errorf("openai: %w", err)
	}
	return plan, nil
}

// statusOf returns the HTTP status carried by an API error, or 0.
func statusOf(err error) int {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
