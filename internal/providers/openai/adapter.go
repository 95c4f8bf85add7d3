// Package openai implements the ProviderAdapter contract against the
// OpenAI chat-completions and embeddings APIs.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vectorgate/gateway/internal/gatewaytypes"
	"github.com/vectorgate/gateway/internal/providers"
)

// Adapter implements providers.ProviderAdapter for OpenAI, and for
// Azure-OpenAI when constructed with WithAzureAuth (same wire shape,
// different auth header and a mandatory api-version query param).
type Adapter struct {
	id          string
	apiKey      string
	baseURL     string
	client      *http.Client
	azureAPIVer string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout overrides the adapter's HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithHTTPClient overrides the adapter's HTTP client entirely (tests,
// or a shared transport with DNS caching wired in by the caller).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithAzureAuth switches the adapter to Azure-OpenAI's variant of the
// same wire shape: an "api-key" header instead of a Bearer token, and
// an "api-version" query parameter appended to every request.
func WithAzureAuth(apiVersion string) Option {
	return func(a *Adapter) { a.azureAPIVer = apiVersion }
}

// New creates a new OpenAI adapter. id is the provider instance ID
// used for circuit-breaker scoping and cost/usage attribution.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) headers() map[string]string {
	if a.azureAPIVer != "" {
		return map[string]string{"api-key": a.apiKey}
	}
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

// endpoint builds the request URL for path, appending Azure's
// api-version query param when the adapter is in Azure mode.
func (a *Adapter) endpoint(path string) string {
	url := a.baseURL + path
	if a.azureAPIVer != "" {
		url += "?api-version=" + a.azureAPIVer
	}
	return url
}

func (a *Adapter) CreateCompletion(ctx context.Context, model string, req gatewaytypes.CompletionRequest) (gatewaytypes.CompletionResponse, error) {
	payload := buildChatPayload(model, req, false)
	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.endpoint("/chat/completions"), payload, a.headers())
	if err != nil {
		return gatewaytypes.CompletionResponse{}, err
	}
	latency := time.Since(start)

	content := gjson.GetBytes(body, "choices.0.message.content").String()
	finish := gjson.GetBytes(body, "choices.0.finish_reason").String()
	respModel := gjson.GetBytes(body, "model").String()
	if respModel == "" {
		respModel = model
	}

	usage := gatewaytypes.Usage{
		PromptTokens:     int(gjson.GetBytes(body, "usage.prompt_tokens").Int()),
		CompletionTokens: int(gjson.GetBytes(body, "usage.completion_tokens").Int()),
		TotalTokens:      int(gjson.GetBytes(body, "usage.total_tokens").Int()),
	}
	if usage.TotalTokens == 0 {
		usage.Estimated = true
		usage.PromptTokens = estimateTokens(req)
		usage.CompletionTokens = estimateTokenCount(content)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	var toolCalls []gatewaytypes.ToolCall
	for _, tc := range gjson.GetBytes(body, "choices.0.message.tool_calls").Array() {
		var call gatewaytypes.ToolCall
		if err := json.Unmarshal([]byte(tc.Raw), &call); err == nil {
			toolCalls = append(toolCalls, call)
		}
	}

	return gatewaytypes.CompletionResponse{
		ID:           gjson.GetBytes(body, "id").String(),
		Model:        respModel,
		Provider:     a.id,
		Message:      gatewaytypes.Message{Role: "assistant", Content: content, ToolCalls: toolCalls},
		FinishReason: finish,
		Usage:        usage,
		LatencyMs:    latency.Milliseconds(),
	}, nil
}

func (a *Adapter) CreateCompletionStream(ctx context.Context, model string, req gatewaytypes.CompletionRequest) (<-chan gatewaytypes.CompletionChunk, error) {
	payload := buildChatPayload(model, req, true)
	body, err := providers.DoStreamRequest(ctx, a.client, a.endpoint("/chat/completions"), payload, a.headers())
	if err != nil {
		return nil, err
	}

	out := make(chan gatewaytypes.CompletionChunk)
	go func() {
		defer close(out)
		stop := providers.WatchCancel(ctx, body)
		defer stop()
		defer body.Close()

		_ = providers.ScanSSELines(ctx, body, func(data string) error {
			content := gjson.Get(data, "choices.0.delta.content").String()
			role := gjson.Get(data, "choices.0.delta.role").String()
			finish := gjson.Get(data, "choices.0.finish_reason")
			var usage *gatewaytypes.Usage
			if u := gjson.Get(data, "usage"); u.Exists() {
				usage = &gatewaytypes.Usage{
					PromptTokens:     int(u.Get("prompt_tokens").Int()),
					CompletionTokens: int(u.Get("completion_tokens").Int()),
					TotalTokens:      int(u.Get("total_tokens").Int()),
				}
			}
			chunk := gatewaytypes.CompletionChunk{
				ID:           gjson.Get(data, "id").String(),
				Model:        model,
				Provider:     a.id,
				DeltaContent: content,
				DeltaRole:    role,
				Usage:        usage,
			}
			if finish.Exists() && finish.String() != "" {
				chunk.FinishReason = finish.String()
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		select {
		case out <- gatewaytypes.CompletionChunk{Model: model, Provider: a.id, Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (a *Adapter) CreateEmbedding(ctx context.Context, model string, req gatewaytypes.EmbeddingRequest) (gatewaytypes.EmbeddingResponse, error) {
	payload := map[string]any{"model": model, "input": req.Input}
	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.endpoint("/embeddings"), payload, a.headers())
	if err != nil {
		return gatewaytypes.EmbeddingResponse{}, err
	}

	var vectors [][]float64
	for _, item := range gjson.GetBytes(body, "data").Array() {
		var vec []float64
		for _, f := range item.Get("embedding").Array() {
			vec = append(vec, f.Float())
		}
		vectors = append(vectors, vec)
	}

	return gatewaytypes.EmbeddingResponse{
		Model:    model,
		Provider: a.id,
		Vectors:  vectors,
		Usage: gatewaytypes.Usage{
			PromptTokens: int(gjson.GetBytes(body, "usage.prompt_tokens").Int()),
			TotalTokens:  int(gjson.GetBytes(body, "usage.total_tokens").Int()),
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	return a.apiKey != ""
}

func (a *Adapter) ClassifyError(err error) providers.ErrorClass {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429:
			return providers.ErrorClassRateLimited
		case se.StatusCode == 401 || se.StatusCode == 403:
			return providers.ErrorClassAuth
		case se.StatusCode >= 500:
			return providers.ErrorClassTransient
		case strings.Contains(se.Body, "context_length_exceeded"):
			return providers.ErrorClassContextOverflow
		case se.StatusCode >= 400:
			return providers.ErrorClassInvalidRequest
		}
	}
	return providers.ErrorClassTransient
}

func buildChatPayload(model string, req gatewaytypes.CompletionRequest, stream bool) map[string]any {
	messages := make([]map[string]any, len(req.Messages))
	for i, m := range req.Messages {
		msg := map[string]any{"role": m.Role, "content": m.Content}
		if m.Name != "" {
			msg["name"] = m.Name
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		messages[i] = msg
	}
	payload := map[string]any{"model": model, "messages": messages, "stream": stream}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		payload["stop"] = req.Stop
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	if req.ToolChoice != "" {
		payload["tool_choice"] = req.ToolChoice
	}
	if req.UserID != "" {
		payload["user"] = req.UserID
	}
	return payload
}

// estimateTokens gives a char-ratio fallback (roughly 4 chars/token)
// when a provider omits usage in its response.
func estimateTokens(req gatewaytypes.CompletionRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)
	}
	return total/4 + 1
}

func estimateTokenCount(s string) int {
	return len(s)/4 + 1
}
