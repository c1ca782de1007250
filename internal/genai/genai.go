// Package genai provides LLM-backed generation using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ClientInterface defines the LLM operations the flow engine depends on.
type ClientInterface interface {
	// GenerateWithMessages produces a plain assistant response for the given messages.
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	// GenerateWithTools produces a response that may include tool calls.
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)
}

// FunctionCall holds the name and raw JSON arguments of a requested tool invocation.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCall represents a single tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// ToolCallResponse is the model output for a tool-enabled generation: assistant
// content, tool calls, or both.
type ToolCallResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

// Client wraps the OpenAI chat completion API.
type Client struct {
	client      openai.Client
	model       string
	temperature float64
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	apiKey      string
	model       string
	temperature float64
}

// WithAPIKey sets the OpenAI API key, overriding the OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(c *clientConfig) {
		c.apiKey = key
	}
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(c *clientConfig) {
		c.model = model
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temperature float64) Option {
	return func(c *clientConfig) {
		c.temperature = temperature
	}
}

// NewClient initializes a new GenAI client. The API key comes from the
// OPENAI_API_KEY environment variable unless overridden via WithAPIKey.
func NewClient(opts ...Option) (*Client, error) {
	cfg := clientConfig{
		apiKey:      os.Getenv("OPENAI_API_KEY"),
		model:       openai.ChatModelGPT4o,
		temperature: 0.3,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	slog.Debug("genai.NewClient: creating OpenAI client", "model", cfg.model, "temperature", cfg.temperature)
	return &Client{
		client:      openai.NewClient(option.WithAPIKey(cfg.apiKey)),
		model:       cfg.model,
		temperature: cfg.temperature,
	}, nil
}

// GenerateWithMessages generates a response based on the provided message history.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateWithTools generates a response with the given tool definitions
// available. The returned ToolCallResponse carries assistant content, tool
// calls, or both.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Tools:       tools,
		Temperature: openai.Float(c.temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion with tools failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	choice := resp.Choices[0].Message
	result := &ToolCallResponse{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			},
		})
	}

	slog.Debug("genai.GenerateWithTools: completion received",
		"hasContent", result.Content != "", "toolCallCount", len(result.ToolCalls))
	return result, nil
}
