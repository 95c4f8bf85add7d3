// Package cohere implements the ProviderAdapter contract against
// Cohere's v2 Chat and v1 Embed APIs.
package cohere

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vectorgate/gateway/internal/gatewaytypes"
	"github.com/vectorgate/gateway/internal/providers"
)

// Adapter implements providers.ProviderAdapter for Cohere.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
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

// New creates a new Cohere adapter.
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
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

func buildChatPayload(model string, req gatewaytypes.CompletionRequest, stream bool) map[string]any {
	messages := make([]map[string]string, len(req.Messages))
	for i, m := range req.Messages {
		role := m.Role
		if role == "assistant" {
			role = "assistant"
		}
		messages[i] = map[string]string{"role": role, "content": m.Content}
	}
	payload := map[string]any{"model": model, "messages": messages, "stream": stream}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["p"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		payload["stop_sequences"] = req.Stop
	}
	return payload
}

func (a *Adapter) CreateCompletion(ctx context.Context, model string, req gatewaytypes.CompletionRequest) (gatewaytypes.CompletionResponse, error) {
	payload := buildChatPayload(model, req, false)
	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v2/chat", payload, a.headers())
	if err != nil {
		return gatewaytypes.CompletionResponse{}, err
	}

	content := gjson.GetBytes(body, "message.content.0.text").String()
	usage := gatewaytypes.Usage{
		PromptTokens:     int(gjson.GetBytes(body, "usage.tokens.input_tokens").Int()),
		CompletionTokens: int(gjson.GetBytes(body, "usage.tokens.output_tokens").Int()),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	if usage.TotalTokens == 0 {
		usage.Estimated = true
		usage.PromptTokens = estimateTokens(req)
		usage.CompletionTokens = len(content)/4 + 1
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	return gatewaytypes.CompletionResponse{
		ID:           gjson.GetBytes(body, "id").String(),
		Model:        model,
		Provider:     a.id,
		Message:      gatewaytypes.Message{Role: "assistant", Content: content},
		FinishReason: gjson.GetBytes(body, "finish_reason").String(),
		Usage:        usage,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (a *Adapter) CreateCompletionStream(ctx context.Context, model string, req gatewaytypes.CompletionRequest) (<-chan gatewaytypes.CompletionChunk, error) {
	payload := buildChatPayload(model, req, true)
	body, err := providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v2/chat", payload, a.headers())
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
			evtType := gjson.Get(data, "type").String()
			chunk := gatewaytypes.CompletionChunk{Model: model, Provider: a.id}
			switch evtType {
			case "content-delta":
				chunk.DeltaContent = gjson.Get(data, "delta.message.content.text").String()
			case "message-end":
				chunk.FinishReason = gjson.Get(data, "delta.finish_reason").String()
				in := gjson.Get(data, "delta.usage.tokens.input_tokens").Int()
				out := gjson.Get(data, "delta.usage.tokens.output_tokens").Int()
				if in > 0 || out > 0 {
					chunk.Usage = &gatewaytypes.Usage{
						PromptTokens:     int(in),
						CompletionTokens: int(out),
						TotalTokens:      int(in + out),
					}
				}
			default:
				return nil
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
	inputType := req.InputType
	if inputType == "" {
		inputType = "search_document"
	}
	payload := map[string]any{
		"model":           model,
		"texts":           req.Input,
		"input_type":      inputType,
		"embedding_types": []string{"float"},
	}
	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/embed", payload, a.headers())
	if err != nil {
		return gatewaytypes.EmbeddingResponse{}, err
	}

	var vectors [][]float64
	for _, item := range gjson.GetBytes(body, "embeddings.float").Array() {
		var vec []float64
		for _, f := range item.Array() {
			vec = append(vec, f.Float())
		}
		vectors = append(vectors, vec)
	}

	return gatewaytypes.EmbeddingResponse{
		Model:    model,
		Provider: a.id,
		Vectors:  vectors,
		Usage: gatewaytypes.Usage{
			PromptTokens: int(gjson.GetBytes(body, "meta.billed_units.input_tokens").Int()),
			TotalTokens:  int(gjson.GetBytes(body, "meta.billed_units.input_tokens").Int()),
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
		case strings.Contains(se.Body, "too many tokens"):
			return providers.ErrorClassContextOverflow
		case se.StatusCode >= 400:
			return providers.ErrorClassInvalidRequest
		}
	}
	return providers.ErrorClassTransient
}

func estimateTokens(req gatewaytypes.CompletionRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)
	}
	return total/4 + 1
}
