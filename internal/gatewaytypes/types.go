// Package gatewaytypes holds the provider-agnostic request/response
// envelope shared by the router, dispatcher, provider adapters, and
// HTTP layer.
package gatewaytypes

import "encoding/json"

// Message is a single chat turn. Content is plain text; multimodal
// parts (vision) ride in ContentParts when non-empty, leaving Content
// as a text-only fallback for providers that don't support parts.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	Parts      []ContentPart `json:"content_parts,omitempty"`
}

// ContentPart is one part of a multimodal message (text or image).
type ContentPart struct {
	Type     string `json:"type"` // "text" | "image_url"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ToolCall is a function-call request emitted by the model.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // "function"
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Tool describes a function the model may call.
type Tool struct {
	Type     string `json:"type"` // "function"
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// CompletionRequest is the canonical chat-completion request the
// router and dispatcher operate on, independent of vendor wire shape.
type CompletionRequest struct {
	ID          string         `json:"id,omitempty"`
	Model       string         `json:"model,omitempty"` // explicit model hint from the caller; empty lets the router choose
	Messages    []Message      `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Stop        []string       `json:"stop,omitempty"`
	Tools       []Tool         `json:"tools,omitempty"`
	ToolChoice  string         `json:"tool_choice,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	UserID      string         `json:"user,omitempty"`
	ProjectID   string         `json:"project_id,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Strategy    string         `json:"strategy,omitempty"` // routing.Strategy override
	Meta        map[string]any `json:"meta,omitempty"`
}

// Usage reports token consumption, either provider-reported or
// locally estimated (Estimated=true in the latter case).
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// CompletionResponse is the canonical non-streaming chat response.
type CompletionResponse struct {
	ID           string   `json:"id"`
	Model        string   `json:"model"`
	Provider     string   `json:"provider"`
	Message      Message  `json:"message"`
	FinishReason string   `json:"finish_reason"`
	Usage        Usage    `json:"usage"`
	LatencyMs    int64    `json:"latency_ms"`
	CostUSD      float64  `json:"cost_usd"`
	Fallbacks    []string `json:"fallbacks,omitempty"` // model IDs tried before this one succeeded
}

// CompletionChunk is one SSE delta in a streaming response.
type CompletionChunk struct {
	ID           string   `json:"id"`
	Model        string   `json:"model"`
	Provider     string   `json:"provider"`
	DeltaContent string   `json:"delta_content,omitempty"`
	DeltaRole    string   `json:"delta_role,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
	Usage        *Usage   `json:"usage,omitempty"` // present only on the terminal chunk, if the vendor reports it
	Done         bool     `json:"-"`                // set on the synthetic terminal chunk after [DONE]
}

// EmbeddingRequest requests one or more embedding vectors.
type EmbeddingRequest struct {
	ID    string   `json:"id,omitempty"`
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
	// InputType hints the embedding's intended use (e.g. Cohere's
	// "search_document" vs "search_query"); providers that don't
	// distinguish input types ignore it.
	InputType string `json:"input_type,omitempty"`
	UserID    string `json:"user,omitempty"`
}

// EmbeddingResponse carries the resulting vectors in input order.
type EmbeddingResponse struct {
	Model     string      `json:"model"`
	Provider  string      `json:"provider"`
	Vectors   [][]float64 `json:"vectors"`
	Usage     Usage       `json:"usage"`
	LatencyMs int64       `json:"latency_ms"`
	CostUSD   float64     `json:"cost_usd"`
}

// Capabilities describes what a model supports, used by content-based
// routing and request validation.
type Capabilities struct {
	Chat       bool
	Embeddings bool
	Tools      bool
	Vision     bool
	Streaming  bool
}

// ModelDescriptor is the canonical registration record for a model
// exposed behind the gateway.
type ModelDescriptor struct {
	ID               string       `json:"id"`            // canonical gateway-facing id, e.g. "gpt-4o"
	DisplayName      string       `json:"display_name"`
	Provider         string       `json:"provider"`       // "openai" | "anthropic" | "cohere" | "huggingface" | "azureopenai"
	ProviderModelID  string       `json:"provider_model_id"`
	ContextWindow    int          `json:"context_window"`
	Capabilities     Capabilities `json:"capabilities"`
	InputPer1K       float64      `json:"input_per_1k"`
	OutputPer1K      float64      `json:"output_per_1k"`
	QualityScore     float64      `json:"quality_score"` // admin weight 0..10, used by quality-optimized and smart strategies
	Experimental     bool         `json:"experimental"`   // eligible for the experimental strategy's bandit arm
	Enabled          bool         `json:"enabled"`
}
