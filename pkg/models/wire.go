package models

import (
	"encoding/json"
	"strings"
)

// Provider wire formats. Only the fields the pipeline reads or sends are
// modelled.

// ChatMessage is one message in a chat conversation. Streaming chunks reuse
// it for their delta.
type ChatMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// ChatCompletionRequest is an OpenAI-compatible /v1/chat/completions body.
type ChatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens *int          `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

// ChatCompletionResponse is a non-streaming OpenAI-compatible reply.
type ChatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

// ChatCompletionChunk is one OpenAI streaming chunk.
type ChatCompletionChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta        ChatMessage `json:"delta"`
		FinishReason *string     `json:"finish_reason"`
	} `json:"choices"`
}

// AnthropicRequest is an Anthropic /v1/messages body.
type AnthropicRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream,omitempty"`
}

// AnthropicResponse is a non-streaming Anthropic reply.
type AnthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      *AnthropicUsage `json:"usage,omitempty"`
}

// Text joins the response's text blocks.
func (r *AnthropicResponse) Text() string {
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" || c.Type == "" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToUsage converts to the OpenAI-style counts.
func (u *AnthropicUsage) ToUsage() *Usage {
	return &Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

// AnthropicStreamEvent is the data of one Anthropic SSE event. Delta is
// decoded further according to Type.
type AnthropicStreamEvent struct {
	Type  string          `json:"type"`
	Index int             `json:"index"`
	Delta json.RawMessage `json:"delta,omitempty"`
}

// ContentBlockDelta is the delta of a content_block_delta event.
type ContentBlockDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ContentResponse is the single-payload shape returned by the generation
// gateway when streaming is off.
type ContentResponse struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
}
