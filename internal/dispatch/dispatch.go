// Package dispatch carries a routing decision to an actual provider
// call: rate-limit admission, per-provider circuit breaking, retry on
// transient failures, and a fallback cascade across the router's
// ranked candidate list. Grounded on the teacher's
// Engine.RouteAndSend/RouteAndStream, split out of the router so a
// dispatch attempt's resilience behavior can be tested independently
// of model scoring.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/vectorgate/gateway/internal/circuitbreaker"
	"github.com/vectorgate/gateway/internal/gatewaytypes"
	"github.com/vectorgate/gateway/internal/providers"
	"github.com/vectorgate/gateway/internal/ratelimit"
	"github.com/vectorgate/gateway/internal/routing"
)

// ErrQueueFull is returned when rate-limit admission's wait queue is
// full for the caller's API key.
var ErrQueueFull = ratelimit.ErrQueueFull

// ErrNoCandidatesLeft is returned when every ranked candidate has
// been tried and none succeeded.
var ErrNoCandidatesLeft = errors.New("dispatch: exhausted all fallback candidates")

const (
	maxRetriesPerCandidate = 2
	retryBaseDelay          = 100 * time.Millisecond
)

// Dispatcher wires a routing.Router's decisions to live provider
// adapters under resilience controls.
type Dispatcher struct {
	router    *routing.Router
	breakers  *circuitbreaker.Registry
	limiter   *ratelimit.Limiter
	adapters  map[string]providers.ProviderAdapter // providerID -> adapter
}

// New creates a Dispatcher. limiter may be nil to disable rate-limit
// admission (e.g. in tests).
func New(router *routing.Router, breakers *circuitbreaker.Registry, limiter *ratelimit.Limiter) *Dispatcher {
	return &Dispatcher{
		router:   router,
		breakers: breakers,
		limiter:  limiter,
		adapters: make(map[string]providers.ProviderAdapter),
	}
}

// RegisterAdapter wires a provider adapter under its ID.
func (d *Dispatcher) RegisterAdapter(a providers.ProviderAdapter) {
	d.adapters[a.ID()] = a
}

// Router exposes the underlying routing.Router for callers (e.g.
// internal/orchestrate) that need the model catalog directly rather
// than a single ranked decision.
func (d *Dispatcher) Router() *routing.Router {
	return d.router
}

// GetAdapter returns the registered adapter for a provider ID.
func (d *Dispatcher) GetAdapter(providerID string) (providers.ProviderAdapter, bool) {
	a, ok := d.adapters[providerID]
	return a, ok
}

// ListAdapterIDs returns every registered provider ID.
func (d *Dispatcher) ListAdapterIDs() []string {
	ids := make([]string, 0, len(d.adapters))
	for id := range d.adapters {
		ids = append(ids, id)
	}
	return ids
}

// UnregisterAdapter removes a provider adapter, e.g. when an admin
// deletes the provider via the /admin/v1/providers API.
func (d *Dispatcher) UnregisterAdapter(providerID string) {
	delete(d.adapters, providerID)
}

// DispatchToModel sends a completion request straight to an explicitly
// named model, bypassing candidate ranking entirely. Used where a
// caller (an orchestration directive, a workflow activity) names a
// specific model rather than asking the router to pick one.
func (d *Dispatcher) DispatchToModel(ctx context.Context, modelID string, req gatewaytypes.CompletionRequest) (gatewaytypes.CompletionResponse, routing.RoutingDecision, error) {
	cand, ok := d.router.GetModel(modelID)
	if !ok {
		return gatewaytypes.CompletionResponse{}, routing.RoutingDecision{}, &routing.NoViableModelError{RequestedModel: modelID, Reason: "model not registered"}
	}
	adapter, ok := d.adapters[cand.ProviderID]
	if !ok {
		return gatewaytypes.CompletionResponse{}, routing.RoutingDecision{}, &routing.NoViableModelError{RequestedModel: modelID, Reason: "no adapter for provider " + cand.ProviderID}
	}

	decision := routing.RoutingDecision{
		RequestID:      req.ID,
		RequestedModel: modelID,
		SelectedModel:  modelID,
		ProviderID:     cand.ProviderID,
		Timestamp:      time.Now(),
	}

	resp, err := d.sendWithRetry(ctx, adapter, modelID, req)
	if err != nil {
		d.router.RecordOutcome(modelID, 0, false)
		return gatewaytypes.CompletionResponse{}, decision, err
	}
	d.router.RecordLatency(modelID, float64(resp.LatencyMs))
	d.router.RecordOutcome(modelID, 0, true)
	decision.EstimatedCost = estimateCostUSD(0, 0, cand.InputPer1K, cand.OutputPer1K)
	return resp, decision, nil
}

func estimateCostUSD(inTokens, outTokens int, inPer1k, outPer1k float64) float64 {
	return float64(inTokens)/1000*inPer1k + float64(outTokens)/1000*outPer1k
}

// Dispatch routes and sends a non-streaming completion request,
// falling back through the ranked candidate list on classified
// failure. apiKeyID admits the request through the rate limiter.
func (d *Dispatcher) Dispatch(ctx context.Context, apiKeyID string, req gatewaytypes.CompletionRequest, strategy routing.Strategy, maxBudgetUSD float64) (gatewaytypes.CompletionResponse, routing.RoutingDecision, error) {
	if err := d.admit(ctx, apiKeyID); err != nil {
		return gatewaytypes.CompletionResponse{}, routing.RoutingDecision{}, err
	}

	decision, ranked, err := d.router.Route(ctx, req, strategy, maxBudgetUSD)
	if err != nil {
		return gatewaytypes.CompletionResponse{}, routing.RoutingDecision{}, err
	}

	for depth, cand := range ranked {
		adapter, ok := d.adapters[cand.ProviderID]
		if !ok {
			continue
		}
		breaker := d.breakerFor(cand.ProviderID)
		if breaker != nil && !breaker.Allow() {
			continue
		}

		resp, err := d.sendWithRetry(ctx, adapter, cand.ModelID, req)
		latencyMs := float64(resp.LatencyMs)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			d.router.RecordLatency(cand.ModelID, latencyMs)
			d.router.RecordOutcome(cand.ModelID, 0, true)
			decision.SelectedModel = cand.ModelID
			decision.ProviderID = cand.ProviderID
			decision.FallbackDepth = depth
			return resp, decision, nil
		}

		if ctx.Err() != nil {
			// Cancellation is not a provider failure: no breaker
			// penalty and no fallback to further candidates.
			return gatewaytypes.CompletionResponse{}, decision, ctx.Err()
		}
		if breaker != nil {
			breaker.RecordFailure()
		}
		d.router.RecordOutcome(cand.ModelID, 0, false)

		class := adapter.ClassifyError(err)
		slog.Warn("dispatch: candidate failed",
			slog.String("model", cand.ModelID),
			slog.String("provider", cand.ProviderID),
			slog.String("class", class.String()),
			slog.String("error", err.Error()),
		)
		switch class {
		case providers.ErrorClassInvalidRequest, providers.ErrorClassAuth:
			// Not retryable and not a capacity problem — surface
			// immediately rather than burning the fallback cascade.
			return gatewaytypes.CompletionResponse{}, decision, err
		default:
			continue
		}
	}

	return gatewaytypes.CompletionResponse{}, decision, ErrNoCandidatesLeft
}

// DispatchStream is Dispatch's streaming counterpart. Per the
// teacher's RouteAndStream, a stream never falls back once the first
// chunk has been delivered — only a failure to open the stream
// advances to the next candidate.
func (d *Dispatcher) DispatchStream(ctx context.Context, apiKeyID string, req gatewaytypes.CompletionRequest, strategy routing.Strategy, maxBudgetUSD float64) (<-chan gatewaytypes.CompletionChunk, routing.RoutingDecision, error) {
	if err := d.admit(ctx, apiKeyID); err != nil {
		return nil, routing.RoutingDecision{}, err
	}

	decision, ranked, err := d.router.Route(ctx, req, strategy, maxBudgetUSD)
	if err != nil {
		return nil, routing.RoutingDecision{}, err
	}

	for depth, cand := range ranked {
		adapter, ok := d.adapters[cand.ProviderID]
		if !ok {
			continue
		}
		breaker := d.breakerFor(cand.ProviderID)
		if breaker != nil && !breaker.Allow() {
			continue
		}

		start := time.Now()
		ch, err := adapter.CreateCompletionStream(ctx, cand.ModelID, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, decision, ctx.Err()
			}
			if breaker != nil {
				breaker.RecordFailure()
			}
			continue
		}
		if breaker != nil {
			breaker.RecordSuccess()
		}
		d.router.RecordLatency(cand.ModelID, float64(time.Since(start).Milliseconds()))
		decision.SelectedModel = cand.ModelID
		decision.ProviderID = cand.ProviderID
		decision.FallbackDepth = depth
		return ch, decision, nil
	}

	return nil, decision, ErrNoCandidatesLeft
}

// DispatchEmbedding routes an embedding request the same way Dispatch
// routes a completion: rank candidates for req.Model, skip models
// without a registered adapter or an open breaker, and fall through
// the ranked list on failure. Embedding requests are never retried
// mid-candidate (no sendWithRetry) since they are typically batched
// and idempotent at the caller.
func (d *Dispatcher) DispatchEmbedding(ctx context.Context, apiKeyID string, req gatewaytypes.EmbeddingRequest, strategy routing.Strategy, maxBudgetUSD float64) (gatewaytypes.EmbeddingResponse, routing.RoutingDecision, error) {
	if err := d.admit(ctx, apiKeyID); err != nil {
		return gatewaytypes.EmbeddingResponse{}, routing.RoutingDecision{}, err
	}

	completionReq := gatewaytypes.CompletionRequest{ID: req.ID, Model: req.Model}
	decision, ranked, err := d.router.Route(ctx, completionReq, strategy, maxBudgetUSD)
	if err != nil {
		return gatewaytypes.EmbeddingResponse{}, routing.RoutingDecision{}, err
	}

	for depth, cand := range ranked {
		adapter, ok := d.adapters[cand.ProviderID]
		if !ok {
			continue
		}
		breaker := d.breakerFor(cand.ProviderID)
		if breaker != nil && !breaker.Allow() {
			continue
		}

		resp, err := adapter.CreateEmbedding(ctx, cand.ModelID, req)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			decision.SelectedModel = cand.ModelID
			decision.ProviderID = cand.ProviderID
			decision.FallbackDepth = depth
			return resp, decision, nil
		}

		if ctx.Err() != nil {
			return gatewaytypes.EmbeddingResponse{}, decision, ctx.Err()
		}
		if breaker != nil {
			breaker.RecordFailure()
		}
		class := adapter.ClassifyError(err)
		slog.Warn("dispatch: embedding candidate failed",
			slog.String("model", cand.ModelID),
			slog.String("provider", cand.ProviderID),
			slog.String("class", class.String()),
			slog.String("error", err.Error()),
		)
		switch class {
		case providers.ErrorClassInvalidRequest, providers.ErrorClassAuth:
			return gatewaytypes.EmbeddingResponse{}, decision, err
		default:
			continue
		}
	}

	return gatewaytypes.EmbeddingResponse{}, decision, ErrNoCandidatesLeft
}

func (d *Dispatcher) breakerFor(providerID string) *circuitbreaker.Breaker {
	if d.breakers == nil {
		return nil
	}
	return d.breakers.For(providerID)
}

func (d *Dispatcher) admit(ctx context.Context, apiKeyID string) error {
	if d.limiter == nil {
		return nil
	}
	_, err := d.limiter.Wait(ctx, apiKeyID)
	return err
}

// sendWithRetry retries a transient-classified failure with the
// spec's 2^attempt exponential backoff, jittered, up to
// maxRetriesPerCandidate times. Other error classes return
// immediately so the caller can decide whether to fall back.
func (d *Dispatcher) sendWithRetry(ctx context.Context, adapter providers.ProviderAdapter, modelID string, req gatewaytypes.CompletionRequest) (gatewaytypes.CompletionResponse, error) {
	resp, err := adapter.CreateCompletion(ctx, modelID, req)
	if err == nil {
		return resp, nil
	}
	if adapter.ClassifyError(err) != providers.ErrorClassTransient {
		return resp, err
	}

	for attempt := 0; attempt < maxRetriesPerCandidate; attempt++ {
		delay := retryBaseDelay * time.Duration(1<<uint(attempt))
		jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-time.After(jittered):
		}
		resp, err = adapter.CreateCompletion(ctx, modelID, req)
		if err == nil {
			return resp, nil
		}
		if adapter.ClassifyError(err) != providers.ErrorClassTransient {
			return resp, err
		}
	}
	return resp, err
}
