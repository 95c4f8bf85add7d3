package httpapi

import (
	"context"
	"encoding/json"
	"io"

	"github.com/vectorgate/gateway/internal/chatwire"
	"github.com/vectorgate/gateway/internal/routing"
)

// applyRouterDefaults fills in a policy's unset mode/budget/latency from
// the admin-configured Router.Defaults, mirroring the legacy engine's
// config-default fallback in RouteAndSend/RouteAndStream.
func applyRouterDefaults(rt *routing.Router, policy *chatwire.Policy) {
	if rt == nil {
		return
	}
	def := rt.Defaults()
	if policy.Mode == "" {
		policy.Mode = def.Mode
	}
	if policy.MaxBudgetUSD == 0 {
		policy.MaxBudgetUSD = def.MaxBudgetUSD
	}
	if policy.MaxLatencyMs == 0 {
		policy.MaxLatencyMs = def.MaxLatencyMs
	}
}

// dispatchChat routes and sends req through the Router/Dispatcher stack,
// returning a legacy Decision/raw-JSON pair for handlers still speaking the
// /v1/chat and /v1/chat/completions wire shapes.
func dispatchChat(ctx context.Context, d Dependencies, apiKeyID string, req chatwire.Request, policy chatwire.Policy) (chatwire.Decision, chatwire.ProviderResponse, error) {
	applyRouterDefaults(d.Router, &policy)
	gwReq := chatwire.ToGatewayRequest(req, policy)
	resp, dec, err := d.Dispatcher.Dispatch(ctx, apiKeyID, gwReq, chatwire.ModeToStrategy(policy.Mode), policy.MaxBudgetUSD)
	if err != nil {
		return chatwire.Decision{ModelID: dec.SelectedModel, ProviderID: dec.ProviderID, Reason: dec.Reason}, nil, err
	}
	return chatwire.ToDecision(resp, dec), chatwire.ToProviderResponse(resp), nil
}

// streamChat opens a streaming dispatch and returns an io.ReadCloser that
// yields OpenAI-style SSE "data: {...}\n\n" frames, translated from the
// dispatcher's CompletionChunk channel — mirroring the byte-stream shape
// the legacy provider-passthrough body used to produce, so callers can keep
// copying it straight to the response writer.
func streamChat(ctx context.Context, d Dependencies, apiKeyID string, req chatwire.Request, policy chatwire.Policy) (routing.RoutingDecision, io.ReadCloser, error) {
	applyRouterDefaults(d.Router, &policy)
	gwReq := chatwire.ToGatewayRequest(req, policy)
	chunks, dec, err := d.Dispatcher.DispatchStream(ctx, apiKeyID, gwReq, chatwire.ModeToStrategy(policy.Mode), policy.MaxBudgetUSD)
	if err != nil {
		return dec, nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		var werr error
		for chunk := range chunks {
			frame := map[string]any{
				"id":    chunk.ID,
				"model": chunk.Model,
				"choices": []map[string]any{
					{
						"delta": map[string]string{
							"role":    chunk.DeltaRole,
							"content": chunk.DeltaContent,
						},
						"finish_reason": chunk.FinishReason,
					},
				},
			}
			line, _ := json.Marshal(frame)
			if _, werr = pw.Write(append(append([]byte("data: "), line...), '\n', '\n')); werr != nil {
				break
			}
		}
		if werr == nil {
			_, werr = pw.Write([]byte("data: [DONE]\n\n"))
		}
		_ = pw.CloseWithError(werr)
	}()
	return dec, pr, nil
}
