// Package claude generates response plans with the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/llm"
)

// DefaultModel is used when no model is configured.
const DefaultModel = string(anthropic.ModelClaudeSonnet4_5)

// Client implements incident.PlanGenerator on the Claude API.
type Client struct {
	api   anthropic.Client
	model anthropic.Model
}

// New creates a client for the API key and model. SDK retries are disabled;
// the planner owns the retry policy. Extra options are appended (tests use
// option.WithBaseURL).
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	if model == "" {
		model = DefaultModel
	}
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &Client{
		api:   anthropic.NewClient(append(base, opts...)...),
		model: anthropic.Model(model),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return string(c.model) }

// Generate implements incident.PlanGenerator.
func (c *Client) Generate(ctx context.Context, a *alert.Alert) (*alert.ResponsePlan, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   llm.MaxTokens,
		Temperature: anthropic.Float(0.2),
		System:      []anthropic.TextBlockParam{{Text: llm.SystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(llm.BuildPrompt(a))),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, llm.Classify(apiErr.StatusCode, fmt.Errorf("claude api error %d: %w", apiErr.StatusCode, err))
		}
		return nil, llm.Classify(0, fmt.Errorf("claude: %w", err))
	}

	text := responseText(msg)
	plan, err := llm.ParsePlan(text, "claude:"+string(c.model))
	if err != nil {
		if msg.StopReason == anthropic.StopReasonMaxTokens {
			return nil, fmt.Errorf("claude reply truncated at %d tokens: %w", llm.MaxTokens, err)
		}
		return nil, fmt.Errorf("claude: %w", err)
	}
	return plan, nil
}

// responseText concatenates the text blocks of a reply.
func responseText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
