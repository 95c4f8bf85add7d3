// Package chatwire holds the provider-agnostic wire types and request-shaping
// helpers shared by the /v1/chat surface, the Temporal chat workflow, and the
// admin model catalog — the parts of the teacher's old router package that
// are plain data and string-munging rather than routing/scoring logic. The
// scoring/dispatch logic itself lives in internal/routing and
// internal/dispatch.
package chatwire

import "encoding/json"

// Request is a provider-agnostic envelope for the /v1/chat surface.
// Provider adapters (internal/providers) translate gatewaytypes requests
// derived from this into provider-specific API calls.
type Request struct {
	ID string `json:"id,omitempty"`

	Messages []Message `json:"messages"`

	// Optional model hint from client; the router may ignore it.
	ModelHint string `json:"model_hint,omitempty"`

	// Optional: known/estimated token count from client.
	EstimatedInputTokens int `json:"estimated_input_tokens,omitempty"`

	// Arbitrary metadata for policy & tracing; NOT forwarded to providers.
	Meta map[string]any `json:"meta,omitempty"`

	// Optional JSON Schema that the orchestration output should conform to.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	// Parameters forwarded to the provider (temperature, max_tokens, top_p, etc.)
	Parameters map[string]any `json:"parameters,omitempty"`

	// Stream requests SSE streaming from the provider.
	Stream bool `json:"stream,omitempty"`
}

// Message represents a single chat message with a role and content.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Policy specifies routing constraints such as mode, budget, latency, and quality.
type Policy struct {
	Mode         string
	MaxBudgetUSD float64
	MaxLatencyMs int
	MinWeight    int
	OutputSchema string

	// EstimatedOutputTokens is the caller's estimate of how many output tokens
	// the request will produce. Defaults to 512 when zero.
	EstimatedOutputTokens int
}

// Decision captures the routing outcome: which model and provider were
// selected, and why. Handlers build this from a routing.RoutingDecision.
type Decision struct {
	ModelID          string
	ProviderID       string
	EstimatedCostUSD float64
	Reason           string
}

// ModelSpec describes a catalog entry as it arrives over the admin API —
// the JSON shape POSTed to /admin/v1/models, translated into a
// routing.Candidate by the admin handlers.
type ModelSpec struct {
	ID               string  `json:"id"`
	ProviderID       string  `json:"provider_id"`
	Weight           int     `json:"weight"`
	MaxContextTokens int     `json:"max_context_tokens"`
	InputPer1K       float64 `json:"input_per_1k"`
	OutputPer1K      float64 `json:"output_per_1k"`
	Enabled          bool    `json:"enabled"`
	PricingSource    string  `json:"pricing_source,omitempty"`
}

// WireDirective is the JSON shape POSTed to /v1/plan for multi-phase
// orchestration (adversarial/vote/refine), translated into an
// orchestrate.Directive by ToOrchestrateDirective.
type WireDirective struct {
	Mode string `json:"mode,omitempty"` // planning|adversarial|vote|refine

	PrimaryMinWeight int `json:"primary_min_weight,omitempty"`
	ReviewMinWeight  int `json:"review_min_weight,omitempty"`
	Iterations       int `json:"iterations,omitempty"`

	PrimaryModelID string `json:"primary_model_id,omitempty"`
	ReviewModelID  string `json:"review_model_id,omitempty"`

	ReturnPlanOnly bool            `json:"return_plan_only,omitempty"`
	OutputSchema   json.RawMessage `json:"output_schema,omitempty"`
}

// OutputFormat specifies how the response should be shaped before returning to the client.
type OutputFormat struct {
	Type       string `json:"type,omitempty"`
	Schema     string `json:"schema,omitempty"`
	MaxTokens  int    `json:"max_tokens,omitempty"`
	StripThink bool   `json:"strip_think,omitempty"`
}

// ProviderResponse is a raw provider payload prior to content extraction.
type ProviderResponse = json.RawMessage

// MessagesContent concatenates the "user" role messages, newline-separated.
// Used to build a flat content string for same-model refine/vote prompts.
func MessagesContent(msgs []Message) string {
	var s string
	for _, m := range msgs {
		if m.Role == "user" {
			if s != "" {
				s += "\n"
			}
			s += m.Content
		}
	}
	return s
}

// ExtractContent pulls the assistant's text out of a raw provider response,
// trying the OpenAI shape then the Anthropic shape before giving up and
// returning the raw payload.
func ExtractContent(resp ProviderResponse) string {
	var oai struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if json.Unmarshal(resp, &oai) == nil && len(oai.Choices) > 0 {
		return oai.Choices[0].Message.Content
	}
	var ant struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if json.Unmarshal(resp, &ant) == nil && len(ant.Content) > 0 {
		return ant.Content[0].Text
	}
	return string(resp)
}
