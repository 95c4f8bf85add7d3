package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vectorgate/gateway/internal/dispatch"
	"github.com/vectorgate/gateway/internal/gatewaytypes"
	"github.com/vectorgate/gateway/internal/routing"
)

// Orchestrator drives multi-phase completion pipelines atop a single
// Dispatcher, the way the teacher's Engine drove them atop its own
// adapter map.
type Orchestrator struct {
	dispatcher *dispatch.Dispatcher
}

// New creates an Orchestrator over an already-wired Dispatcher.
func New(d *dispatch.Dispatcher) *Orchestrator {
	return &Orchestrator{dispatcher: d}
}

func messagesContent(msgs []gatewaytypes.Message) string {
	var parts []string
	for _, m := range msgs {
		if m.Role == "user" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

func strategyOrSmart(s string) routing.Strategy {
	if s == "" {
		return routing.StrategySmart
	}
	return routing.Strategy(s)
}

// phaseCall sends req to an explicit model if pinned, falling back to
// routed dispatch under strategy otherwise.
func (o *Orchestrator) phaseCall(ctx context.Context, apiKeyID, modelID, strategy string, req gatewaytypes.CompletionRequest, maxBudgetUSD float64, phase string) (gatewaytypes.CompletionResponse, routing.RoutingDecision, error) {
	if modelID != "" {
		resp, dec, err := o.dispatcher.DispatchToModel(ctx, modelID, req)
		if err == nil {
			return resp, dec, nil
		}
		slog.Warn("orchestrate: pinned model failed, falling through to routing",
			slog.String("phase", phase),
			slog.String("model", modelID),
			slog.String("error", err.Error()),
		)
	}
	return o.dispatcher.Dispatch(ctx, apiKeyID, req, strategyOrSmart(strategy), maxBudgetUSD)
}

// Orchestrate dispatches req per d.Mode, returning a composite
// decision and response. An empty Mode is a single routed dispatch
// (planning mode or direct fallback).
func (o *Orchestrator) Orchestrate(ctx context.Context, apiKeyID string, req gatewaytypes.CompletionRequest, d Directive, maxBudgetUSD float64) (gatewaytypes.CompletionResponse, routing.RoutingDecision, error) {
	switch d.Mode {
	case "adversarial":
		return o.adversarial(ctx, apiKeyID, req, d, maxBudgetUSD)
	case "vote":
		return o.vote(ctx, apiKeyID, req, d, maxBudgetUSD)
	case "refine":
		return o.refine(ctx, apiKeyID, req, d, maxBudgetUSD)
	default:
		req.Strategy = d.PrimaryStrategy
		return o.dispatcher.Dispatch(ctx, apiKeyID, req, strategyOrSmart(d.PrimaryStrategy), maxBudgetUSD)
	}
}

// adversarial implements the 3-phase plan/critique/refine pipeline:
// one model proposes a plan, a second critiques it, the first refines
// it against the critique, for d.Iterations rounds.
func (o *Orchestrator) adversarial(ctx context.Context, apiKeyID string, req gatewaytypes.CompletionRequest, d Directive, maxBudgetUSD float64) (gatewaytypes.CompletionResponse, routing.RoutingDecision, error) {
	iterations := d.Iterations
	if iterations == 0 {
		iterations = 1
	}

	planReq := gatewaytypes.CompletionRequest{
		Messages: []gatewaytypes.Message{
			{Role: "system", Content: "You are a planning assistant. Generate a detailed plan to address the user's request."},
			{Role: "user", Content: messagesContent(req.Messages)},
		},
	}
	planResp, planDec, err := o.phaseCall(ctx, apiKeyID, d.PrimaryModelID, d.PrimaryStrategy, planReq, maxBudgetUSD, "plan")
	if err != nil {
		return gatewaytypes.CompletionResponse{}, routing.RoutingDecision{}, fmt.Errorf("adversarial plan phase: %w", err)
	}
	plan := planResp.Message.Content

	var critique, refinedPlan string
	var lastDec routing.RoutingDecision
	totalCost := planDec.EstimatedCost

	for i := 0; i < iterations; i++ {
		critiqueReq := gatewaytypes.CompletionRequest{
			Messages: []gatewaytypes.Message{
				{Role: "system", Content: "You are a critical reviewer. Analyze the plan below and provide constructive criticism."},
				{Role: "user", Content: fmt.Sprintf("Original request: %s\n\nProposed plan:\n%s\n\nProvide your critique:", messagesContent(req.Messages), plan)},
			},
		}
		critiqueResp, critiqueDec, err := o.phaseCall(ctx, apiKeyID, d.ReviewModelID, d.ReviewStrategy, critiqueReq, maxBudgetUSD, "critique")
		if err != nil {
			return gatewaytypes.CompletionResponse{}, routing.RoutingDecision{}, fmt.Errorf("adversarial critique phase: %w", err)
		}
		critique = critiqueResp.Message.Content
		totalCost += critiqueDec.EstimatedCost

		refineReq := gatewaytypes.CompletionRequest{
			Messages: []gatewaytypes.Message{
				{Role: "system", Content: "You are a planning assistant. Refine your plan based on the critique provided."},
				{Role: "user", Content: fmt.Sprintf("Original request: %s\n\nYour plan:\n%s\n\nCritique:\n%s\n\nProvide a refined plan:", messagesContent(req.Messages), plan, critique)},
			},
		}
		refineResp, refineDec, err := o.phaseCall(ctx, apiKeyID, d.PrimaryModelID, d.PrimaryStrategy, refineReq, maxBudgetUSD, "refine")
		if err != nil {
			return gatewaytypes.CompletionResponse{}, routing.RoutingDecision{}, fmt.Errorf("adversarial refine phase: %w", err)
		}
		refinedPlan = refineResp.Message.Content
		plan = refinedPlan
		lastDec = refineDec
		totalCost += refineDec.EstimatedCost
	}

	result := map[string]any{
		"initial_plan": planResp.Message.Content,
		"critique":     critique,
		"refined_plan": refinedPlan,
	}
	resultJSON, _ := json.Marshal(result)

	lastDec.Reason = "adversarial-orchestration"
	lastDec.EstimatedCost = totalCost
	return gatewaytypes.CompletionResponse{
		Model:    lastDec.SelectedModel,
		Provider: lastDec.ProviderID,
		Message:  gatewaytypes.Message{Role: "assistant", Content: string(resultJSON)},
		CostUSD:  totalCost,
	}, lastDec, nil
}

// vote fans a request out to N models concurrently and has a judge
// model pick the best response. The fan-out uses an errgroup so a
// voter failure never aborts its siblings — only a context
// cancellation does.
func (o *Orchestrator) vote(ctx context.Context, apiKeyID string, req gatewaytypes.CompletionRequest, d Directive, maxBudgetUSD float64) (gatewaytypes.CompletionResponse, routing.RoutingDecision, error) {
	voters := d.Iterations
	if voters < 2 {
		voters = 3
	}

	candidates := o.dispatcher.Router().ListModels()
	if d.ReviewModelID != "" {
		filtered := candidates[:0]
		for _, c := range candidates {
			if c.ModelID != d.ReviewModelID {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return gatewaytypes.CompletionResponse{}, routing.RoutingDecision{}, errors.New("orchestrate: no eligible models for vote")
	}
	if voters > len(candidates) {
		voters = len(candidates)
	}

	type voteResult struct {
		modelID    string
		providerID string
		content    string
		cost       float64
	}

	var mu sync.Mutex
	var results []voteResult

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < voters; i++ {
		cand := candidates[i%len(candidates)]
		g.Go(func() error {
			resp, _, err := o.dispatcher.DispatchToModel(gctx, cand.ModelID, req)
			if err != nil {
				// A voter dropping out shrinks the panel; it never
				// fails the vote itself.
				return nil
			}
			mu.Lock()
			results = append(results, voteResult{
				modelID:    cand.ModelID,
				providerID: cand.ProviderID,
				content:    resp.Message.Content,
				cost:       resp.CostUSD,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return gatewaytypes.CompletionResponse{}, routing.RoutingDecision{}, err
	}

	if len(results) == 0 {
		return gatewaytypes.CompletionResponse{}, routing.RoutingDecision{}, errors.New("orchestrate: all voters failed")
	}

	var totalCost float64
	for _, r := range results {
		totalCost += r.cost
	}

	if len(results) == 1 {
		resultJSON, _ := json.Marshal(map[string]any{
			"responses": []map[string]any{{"model": results[0].modelID, "content": results[0].content}},
			"selected":  0,
		})
		return gatewaytypes.CompletionResponse{
				Model:    results[0].modelID,
				Provider: results[0].providerID,
				Message:  gatewaytypes.Message{Role: "assistant", Content: string(resultJSON)},
				CostUSD:  totalCost,
			}, routing.RoutingDecision{
				SelectedModel: results[0].modelID,
				ProviderID:    results[0].providerID,
				Reason:        "vote-single-response",
				EstimatedCost: totalCost,
				Timestamp:     time.Now(),
			}, nil
	}

	var responseSummary string
	for i, r := range results {
		responseSummary += fmt.Sprintf("\n--- Response %d (model: %s) ---\n%s\n", i+1, r.modelID, r.content)
	}
	judgeReq := gatewaytypes.CompletionRequest{
		Messages: []gatewaytypes.Message{
			{Role: "system", Content: "You are a judge. Given multiple AI responses to the same prompt, select the best one. Reply with ONLY the number (1-based) of the best response."},
			{Role: "user", Content: fmt.Sprintf("Original prompt: %s\n\nResponses:%s\n\nWhich response number is best?", messagesContent(req.Messages), responseSummary)},
		},
	}
	judgeResp, judgeDec, judgeErr := o.phaseCall(ctx, apiKeyID, d.ReviewModelID, d.ReviewStrategy, judgeReq, maxBudgetUSD, "judge")
	if judgeErr == nil {
		totalCost += judgeDec.EstimatedCost
	}

	selectedIdx := 0
	if judgeErr == nil {
		for i := len(results); i >= 1; i-- {
			if strings.Contains(judgeResp.Message.Content, fmt.Sprintf("%d", i)) {
				selectedIdx = i - 1
				break
			}
		}
	}

	var responses []map[string]any
	for i, r := range results {
		responses = append(responses, map[string]any{"model": r.modelID, "content": r.content, "selected": i == selectedIdx})
	}
	resultJSON, _ := json.Marshal(map[string]any{
		"responses": responses,
		"selected":  selectedIdx,
		"judge":     judgeDec.SelectedModel,
	})

	winner := results[selectedIdx]
	return gatewaytypes.CompletionResponse{
		Model:    winner.modelID,
		Provider: winner.providerID,
		Message:  gatewaytypes.Message{Role: "assistant", Content: string(resultJSON)},
		CostUSD:  totalCost,
	}, routing.RoutingDecision{
		SelectedModel: winner.modelID,
		ProviderID:    winner.providerID,
		Reason:        "vote-orchestration",
		EstimatedCost: totalCost,
		Timestamp:     time.Now(),
	}, nil
}

// refine sends req to a single model, then iteratively asks that same
// model to review and improve its own response for d.Iterations
// rounds (default 2).
func (o *Orchestrator) refine(ctx context.Context, apiKeyID string, req gatewaytypes.CompletionRequest, d Directive, maxBudgetUSD float64) (gatewaytypes.CompletionResponse, routing.RoutingDecision, error) {
	iterations := d.Iterations
	if iterations == 0 {
		iterations = 2
	}

	initialResp, initialDec, err := o.phaseCall(ctx, apiKeyID, d.PrimaryModelID, d.PrimaryStrategy, req, maxBudgetUSD, "refine-initial")
	if err != nil {
		return gatewaytypes.CompletionResponse{}, routing.RoutingDecision{}, fmt.Errorf("refine initial phase: %w", err)
	}

	currentContent := initialResp.Message.Content
	lastDec := initialDec
	totalCost := initialDec.EstimatedCost
	refineModelID := lastDec.SelectedModel

	for i := 0; i < iterations; i++ {
		refineReq := gatewaytypes.CompletionRequest{
			Messages: []gatewaytypes.Message{
				{Role: "system", Content: "Review and improve the following response. Fix any errors, add missing details, and improve clarity."},
				{Role: "user", Content: fmt.Sprintf("Original request: %s\n\nCurrent response:\n%s\n\nProvide an improved version:", messagesContent(req.Messages), currentContent)},
			},
		}
		refineResp, dec, refineErr := o.dispatcher.DispatchToModel(ctx, refineModelID, refineReq)
		if refineErr != nil {
			slog.Warn("orchestrate: refine iteration failed",
				slog.String("model", refineModelID),
				slog.Int("iteration", i+1),
				slog.String("error", refineErr.Error()),
			)
			break
		}
		currentContent = refineResp.Message.Content
		lastDec = dec
		totalCost += dec.EstimatedCost
	}

	result := map[string]any{
		"refined_response": currentContent,
		"iterations":       iterations,
		"model":            lastDec.SelectedModel,
	}
	resultJSON, _ := json.Marshal(result)

	lastDec.Reason = "refine-orchestration"
	lastDec.EstimatedCost = totalCost
	return gatewaytypes.CompletionResponse{
		Model:    lastDec.SelectedModel,
		Provider: lastDec.ProviderID,
		Message:  gatewaytypes.Message{Role: "assistant", Content: string(resultJSON)},
		CostUSD:  totalCost,
	}, lastDec, nil
}
