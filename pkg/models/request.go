package models

import "encoding/json"

// Format identifies the wire format of an upstream provider.
type Format string

const (
	FormatOpenAI    Format = "openai"
	FormatAnthropic Format = "anthropic"
)

// CompletionRequest holds the fields the gate reads from an OpenAI chat
// completion or Anthropic messages request. The body itself is forwarded
// untouched apart from the model name.
type CompletionRequest struct {
	Model     string `json:"model"`
	Stream    bool   `json:"stream,omitempty"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse is the subset of an OpenAI chat completion
// response needed for metering.
type ChatCompletionResponse struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	Usage *Usage `json:"usage,omitempty"`
}

// ChatCompletionChunk is an OpenAI streaming chunk. Usage is left loose so
// it can go through ParseUsage like a non-streaming body.
type ChatCompletionChunk struct {
	ID      string            `json:"id"`
	Model   string            `json:"model"`
	Choices []json.RawMessage `json:"choices"`
	Usage   map[string]any    `json:"usage,omitempty"`
}

// UsageOnly reports whether the chunk is the trailing usage chunk an
// upstream sends when stream_options.include_usage is set.
func (c *ChatCompletionChunk) UsageOnly() bool {
	return c.Usage != nil && len(c.Choices) == 0
}

// AnthropicUsage holds token counts from an Anthropic response.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToUsage converts AnthropicUsage to the standard Usage type.
func (u *AnthropicUsage) ToUsage() *Usage {
	return &Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

// AnthropicResponse is the subset of an Anthropic /v1/messages response
// needed for metering.
type AnthropicResponse struct {
	ID    string          `json:"id"`
	Model string          `json:"model"`
	Usage *AnthropicUsage `json:"usage,omitempty"`
}

// AnthropicStreamEvent represents an Anthropic SSE event.
type AnthropicStreamEvent struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
	Usage   *AnthropicUsage `json:"usage,omitempty"`
}
