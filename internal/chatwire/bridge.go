package chatwire

import (
	"encoding/json"

	"github.com/vectorgate/gateway/internal/gatewaytypes"
	"github.com/vectorgate/gateway/internal/orchestrate"
	"github.com/vectorgate/gateway/internal/routing"
)

// shapeAsChoices marshals a canonical response into the OpenAI
// choices/message shape that ExtractContent and older /v1/chat clients
// expect on the wire.
func shapeAsChoices(resp gatewaytypes.CompletionResponse) ProviderResponse {
	shaped := map[string]any{
		"id":    resp.ID,
		"model": resp.Model,
		"choices": []map[string]any{
			{
				"message": map[string]string{
					"role":    "assistant",
					"content": resp.Message.Content,
				},
				"finish_reason": resp.FinishReason,
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}
	raw, _ := json.Marshal(shaped)
	return raw
}

// ModeToStrategy maps a Policy.Mode string (the free-form "mode" clients
// set via the side-channel policy or an @@vgate directive) onto a
// routing.Strategy. Unrecognized or empty modes fall back to the smart
// composite scorer.
func ModeToStrategy(mode string) routing.Strategy {
	switch mode {
	case "cheap", "cost", "cost-optimized":
		return routing.StrategyCostOptimized
	case "fast", "latency", "latency-optimized":
		return routing.StrategyLatencyOptimized
	case "quality", "quality-optimized":
		return routing.StrategyQualityOptimized
	case "load-balanced", "round-robin":
		return routing.StrategyLoadBalanced
	case "content", "content-based":
		return routing.StrategyContentBased
	case "experimental":
		return routing.StrategyExperimental
	default:
		return routing.StrategySmart
	}
}

// ToGatewayRequest translates the legacy /v1/chat wire envelope into the
// canonical gatewaytypes request the routing/dispatch stack operates on.
func ToGatewayRequest(req Request, policy Policy) gatewaytypes.CompletionRequest {
	msgs := make([]gatewaytypes.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = gatewaytypes.Message{Role: m.Role, Content: m.Content}
	}
	maxTokens := 0
	if req.Parameters != nil {
		if v, ok := req.Parameters["max_tokens"].(float64); ok {
			maxTokens = int(v)
		}
	}
	return gatewaytypes.CompletionRequest{
		ID:        req.ID,
		Model:     req.ModelHint,
		Messages:  msgs,
		MaxTokens: maxTokens,
		Stream:    req.Stream,
		Meta:      req.Meta,
		Strategy:  string(ModeToStrategy(policy.Mode)),
	}
}

// ToDecision adapts a routing.RoutingDecision plus the response it
// produced into the legacy Decision shape reported to /v1/chat clients.
func ToDecision(resp gatewaytypes.CompletionResponse, dec routing.RoutingDecision) Decision {
	modelID := resp.Model
	providerID := resp.Provider
	if modelID == "" {
		modelID = dec.SelectedModel
	}
	if providerID == "" {
		providerID = dec.ProviderID
	}
	return Decision{
		ModelID:          modelID,
		ProviderID:       providerID,
		EstimatedCostUSD: resp.CostUSD,
		Reason:           dec.Reason,
	}
}

// ToProviderResponse wraps a canonical completion response back into the
// OpenAI-shaped raw JSON that ExtractContent/ShapeOutput expect.
func ToProviderResponse(resp gatewaytypes.CompletionResponse) ProviderResponse {
	return shapeAsChoices(resp)
}

// ToOrchestrateDirective translates the /v1/plan wire directive into the
// orchestrate.Directive the Orchestrator and the Temporal orchestration
// workflow operate on. MinWeight hints (a legacy quality dial) bias the
// phase toward the quality-optimized strategy when set.
func ToOrchestrateDirective(wd WireDirective) orchestrate.Directive {
	primaryStrategy := ""
	if wd.PrimaryMinWeight > 0 {
		primaryStrategy = string(routing.StrategyQualityOptimized)
	}
	reviewStrategy := ""
	if wd.ReviewMinWeight > 0 {
		reviewStrategy = string(routing.StrategyQualityOptimized)
	}
	return orchestrate.Directive{
		Mode:             wd.Mode,
		PrimaryStrategy:  primaryStrategy,
		ReviewStrategy:   reviewStrategy,
		PrimaryModelID:   wd.PrimaryModelID,
		ReviewModelID:    wd.ReviewModelID,
		PrimaryMinWeight: wd.PrimaryMinWeight,
		ReviewMinWeight:  wd.ReviewMinWeight,
		Iterations:       wd.Iterations,
		ReturnPlanOnly:   wd.ReturnPlanOnly,
		OutputSchema:     wd.OutputSchema,
	}
}
