// Package huggingface implements the ProviderAdapter contract against
// the Hugging Face Inference API: the OpenAI-compatible Messages API
// for chat completions, and the feature-extraction pipeline for
// embeddings.
package huggingface

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

// Adapter implements providers.ProviderAdapter for Hugging Face.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout overrides the adapter's HTTP client timeout. Hugging
// Face cold-starts a model on first call, so the default is generous.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithHTTPClient overrides the adapter's HTTP client entirely (tests,
// or a shared transport with DNS caching wired in by the caller).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates a new Hugging Face adapter. baseURL is normally
// "https://api-inference.huggingface.co" or a dedicated Inference
// Endpoint URL.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
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
		messages[i] = map[string]string{"role": m.Role, "content": m.Content}
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
	return payload
}

func (a *Adapter) CreateCompletion(ctx context.Context, model string, req gatewaytypes.CompletionRequest) (gatewaytypes.CompletionResponse, error) {
	payload := buildChatPayload(model, req, false)
	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/models/"+model+"/v1/chat/completions", payload, a.headers())
	if err != nil {
		return gatewaytypes.CompletionResponse{}, err
	}

	content := gjson.GetBytes(body, "choices.0.message.content").String()
	usage := gatewaytypes.Usage{
		PromptTokens:     int(gjson.GetBytes(body, "usage.prompt_tokens").Int()),
		CompletionTokens: int(gjson.GetBytes(body, "usage.completion_tokens").Int()),
		TotalTokens:      int(gjson.GetBytes(body, "usage.total_tokens").Int()),
	}
	if usage.TotalTokens == 0 {
		usage.Estimated = true
		usage.PromptTokens = estimateTokens(req)
		usage.CompletionTokens = len(content)/4 + 1
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	respModel := gjson.GetBytes(body, "model").String()
	if respModel == "" {
		respModel = model
	}

	return gatewaytypes.CompletionResponse{
		ID:           gjson.GetBytes(body, "id").String(),
		Model:        respModel,
		Provider:     a.id,
		Message:      gatewaytypes.Message{Role: "assistant", Content: content},
		FinishReason: gjson.GetBytes(body, "choices.0.finish_reason").String(),
		Usage:        usage,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (a *Adapter) CreateCompletionStream(ctx context.Context, model string, req gatewaytypes.CompletionRequest) (<-chan gatewaytypes.CompletionChunk, error) {
	payload := buildChatPayload(model, req, true)
	body, err := providers.DoStreamRequest(ctx, a.client, a.baseURL+"/models/"+model+"/v1/chat/completions", payload, a.headers())
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
			finish := gjson.Get(data, "choices.0.finish_reason")
			chunk := gatewaytypes.CompletionChunk{
				Model:        model,
				Provider:     a.id,
				DeltaContent: content,
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

// CreateEmbedding calls the feature-extraction pipeline, which
// returns a bare nested array of floats rather than an envelope
// object, so usage is always estimated (the endpoint reports none).
func (a *Adapter) CreateEmbedding(ctx context.Context, model string, req gatewaytypes.EmbeddingRequest) (gatewaytypes.EmbeddingResponse, error) {
	payload := map[string]any{"inputs": req.Input}
	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/pipeline/feature-extraction/"+model, payload, a.headers())
	if err != nil {
		return gatewaytypes.EmbeddingResponse{}, err
	}

	var vectors [][]float64
	for _, row := range gjson.ParseBytes(body).Array() {
		var vec []float64
		for _, f := range row.Array() {
			vec = append(vec, f.Float())
		}
		vectors = append(vectors, vec)
	}

	tokens := 0
	for _, s := range req.Input {
		tokens += len(s)/4 + 1
	}

	return gatewaytypes.EmbeddingResponse{
		Model:    model,
		Provider: a.id,
		Vectors:  vectors,
		Usage:    gatewaytypes.Usage{PromptTokens: tokens, TotalTokens: tokens, Estimated: true},
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
		// 503 commonly means the model is cold-loading; the dispatcher's
		// transient-retry path is the right place to wait it out.
		case se.StatusCode == 503 || se.StatusCode >= 500:
			return providers.ErrorClassTransient
		case strings.Contains(se.Body, "exceeds the context length") || strings.Contains(se.Body, "input is too long"):
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
