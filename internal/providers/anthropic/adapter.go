// Package anthropic implements the ProviderAdapter contract against
// the Anthropic Messages API.
package anthropic

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

const anthropicVersion = "2023-06-01"
const defaultMaxTokens = 4096

// Adapter implements providers.ProviderAdapter for Anthropic.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout. Default is 30s.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithHTTPClient overrides the adapter's HTTP client entirely (tests,
// or a shared transport with DNS caching wired in by the caller).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates a new Anthropic adapter.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string { return a.id }

// HealthEndpoint returns a URL for health probing. A GET to the
// messages endpoint returns 405 (Method Not Allowed), which proves
// reachability without consuming a completion.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1/messages"
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

// splitSystem pulls any "system" role messages out into Anthropic's
// separate top-level system field; the Messages API rejects a system
// role inside the messages array.
func splitSystem(msgs []gatewaytypes.Message) (system string, rest []map[string]string) {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Role == "system" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(m.Content)
			continue
		}
		rest = append(rest, map[string]string{"role": m.Role, "content": m.Content})
	}
	return sb.String(), rest
}

func buildPayload(model string, req gatewaytypes.CompletionRequest, stream bool) map[string]any {
	system, messages := splitSystem(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	payload := map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     stream,
	}
	if system != "" {
		payload["system"] = system
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		payload["stop_sequences"] = req.Stop
	}
	return payload
}

func (a *Adapter) CreateCompletion(ctx context.Context, model string, req gatewaytypes.CompletionRequest) (gatewaytypes.CompletionResponse, error) {
	payload := buildPayload(model, req, false)
	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, a.headers())
	if err != nil {
		return gatewaytypes.CompletionResponse{}, err
	}

	content := gjson.GetBytes(body, "content.0.text").String()
	usage := gatewaytypes.Usage{
		PromptTokens:     int(gjson.GetBytes(body, "usage.input_tokens").Int()),
		CompletionTokens: int(gjson.GetBytes(body, "usage.output_tokens").Int()),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
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
		FinishReason: gjson.GetBytes(body, "stop_reason").String(),
		Usage:        usage,
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (a *Adapter) CreateCompletionStream(ctx context.Context, model string, req gatewaytypes.CompletionRequest) (<-chan gatewaytypes.CompletionChunk, error) {
	payload := buildPayload(model, req, true)
	body, err := providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, a.headers())
	if err != nil {
		return nil, err
	}

	out := make(chan gatewaytypes.CompletionChunk)
	go func() {
		defer close(out)
		stop := providers.WatchCancel(ctx, body)
		defer stop()
		defer body.Close()

		var promptTokens int
		_ = providers.ScanSSELines(ctx, body, func(data string) error {
			evtType := gjson.Get(data, "type").String()
			chunk := gatewaytypes.CompletionChunk{Model: model, Provider: a.id}
			switch evtType {
			case "message_start":
				promptTokens = int(gjson.Get(data, "message.usage.input_tokens").Int())
				return nil
			case "content_block_delta":
				chunk.DeltaContent = gjson.Get(data, "delta.text").String()
			case "message_delta":
				chunk.FinishReason = gjson.Get(data, "delta.stop_reason").String()
				if outTok := gjson.Get(data, "usage.output_tokens"); outTok.Exists() {
					chunk.Usage = &gatewaytypes.Usage{
						PromptTokens:     promptTokens,
						CompletionTokens: int(outTok.Int()),
						TotalTokens:      promptTokens + int(outTok.Int()),
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

// CreateEmbedding is not supported by Anthropic and always returns an
// error. routing.Candidate carries no embedding capability flag, so the
// router does not keep this provider out of embedding routing.
func (a *Adapter) CreateEmbedding(ctx context.Context, model string, req gatewaytypes.EmbeddingRequest) (gatewaytypes.EmbeddingResponse, error) {
	return gatewaytypes.EmbeddingResponse{}, errors.New("anthropic: embeddings not supported")
}

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	return a.apiKey != ""
}

func (a *Adapter) ClassifyError(err error) providers.ErrorClass {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429 || se.StatusCode == 529:
			return providers.ErrorClassRateLimited
		case se.StatusCode == 401 || se.StatusCode == 403:
			return providers.ErrorClassAuth
		case se.StatusCode >= 500:
			return providers.ErrorClassTransient
		case strings.Contains(se.Body, "prompt is too long") || strings.Contains(se.Body, "prompt_too_long"):
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
