package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/vectorgate/gateway/internal/chatwire"
	"github.com/vectorgate/gateway/internal/dispatch"
	"github.com/vectorgate/gateway/internal/events"
	"github.com/vectorgate/gateway/internal/health"
	"github.com/vectorgate/gateway/internal/metrics"
	"github.com/vectorgate/gateway/internal/orchestrate"
	"github.com/vectorgate/gateway/internal/routing"
	"github.com/vectorgate/gateway/internal/stats"
	"github.com/vectorgate/gateway/internal/store"
	"github.com/vectorgate/gateway/internal/tsdb"
)

// Activities holds dependencies for Temporal activity implementations.
type Activities struct {
	Router      *routing.Router
	Dispatcher  *dispatch.Dispatcher
	Orchestrate *orchestrate.Orchestrator
	Store       store.Store
	Health      *health.Tracker
	Metrics     *metrics.Registry
	EventBus    *events.Bus
	Stats       *stats.Collector
	TSDB        *tsdb.Store
}

// SelectModel performs pure model selection via the router, without making
// any provider calls.
func (a *Activities) SelectModel(ctx context.Context, input ChatInput) (chatwire.Decision, error) {
	gwReq := chatwire.ToGatewayRequest(input.Request, input.Policy)
	dec, _, err := a.Router.Route(ctx, gwReq, chatwire.ModeToStrategy(input.Policy.Mode), input.Policy.MaxBudgetUSD)
	if err != nil {
		return chatwire.Decision{}, fmt.Errorf("select model: %w", err)
	}
	decision := chatwire.Decision{
		ModelID:          dec.SelectedModel,
		ProviderID:       dec.ProviderID,
		EstimatedCostUSD: dec.EstimatedCost,
		Reason:           dec.Reason,
	}
	if a.EventBus != nil {
		a.EventBus.Publish(events.Event{
			Type:       events.EventActivityCompleted,
			Activity:   "SelectModel",
			ModelID:    decision.ModelID,
			ProviderID: decision.ProviderID,
			RequestID:  input.RequestID,
		})
	}
	return decision, nil
}

// SendToProvider calls a single provider/model pair directly via the
// dispatcher, bypassing ranking — the model was already chosen by
// SelectModel (or a prior escalation) earlier in the workflow.
func (a *Activities) SendToProvider(ctx context.Context, input SendInput) (SendOutput, error) {
	policy := chatwire.Policy{}
	gwReq := chatwire.ToGatewayRequest(input.Request, policy)

	start := time.Now()
	activity.RecordHeartbeat(ctx, "sending")
	resp, _, err := a.Dispatcher.DispatchToModel(ctx, input.ModelID, gwReq)
	latencyMs := time.Since(start).Milliseconds()

	if err != nil {
		if a.Health != nil {
			a.Health.RecordError(input.ProviderID, err.Error())
		}
		errClass := ""
		if adapter, ok := a.Dispatcher.GetAdapter(input.ProviderID); ok {
			errClass = adapter.ClassifyError(err).String()
		}
		if a.EventBus != nil {
			a.EventBus.Publish(events.Event{
				Type:       events.EventActivityCompleted,
				Activity:   "SendToProvider",
				ModelID:    input.ModelID,
				ProviderID: input.ProviderID,
				LatencyMs:  float64(latencyMs),
				ErrorMsg:   err.Error(),
			})
		}
		return SendOutput{
			LatencyMs:  latencyMs,
			ErrorClass: errClass,
		}, err
	}

	if a.Health != nil {
		a.Health.RecordSuccess(input.ProviderID, float64(latencyMs))
	}

	raw := chatwire.ToProviderResponse(resp)

	if a.EventBus != nil {
		a.EventBus.Publish(events.Event{
			Type:       events.EventActivityCompleted,
			Activity:   "SendToProvider",
			ModelID:    input.ModelID,
			ProviderID: input.ProviderID,
			LatencyMs:  float64(latencyMs),
			CostUSD:    resp.CostUSD,
		})
	}

	return SendOutput{
		Response:      raw,
		LatencyMs:     latencyMs,
		EstimatedCost: resp.CostUSD,
		InputTokens:   resp.Usage.PromptTokens,
		OutputTokens:  resp.Usage.CompletionTokens,
	}, nil
}

// ResolveModel looks up a model's provider ID.
func (a *Activities) ResolveModel(ctx context.Context, modelID string) (string, error) {
	m, ok := a.Router.GetModel(modelID)
	if !ok {
		return "", fmt.Errorf("model %q not found", modelID)
	}
	return m.ProviderID, nil
}

// ClassifyAndEscalate finds a fallback model whose context window holds at
// least twice TokensNeeded. It does not classify the error; every send
// failure is handled the same way.
func (a *Activities) ClassifyAndEscalate(ctx context.Context, input EscalateInput) (EscalateOutput, error) {
	larger, ok := a.Router.FindLargerContext(input.CurrentModelID, input.TokensNeeded*2)
	if !ok {
		return EscalateOutput{ShouldRetry: false}, nil
	}

	if a.EventBus != nil {
		a.EventBus.Publish(events.Event{
			Type:    events.EventEscalation,
			ModelID: input.CurrentModelID,
			Reason:  "escalating to " + larger.ModelID,
		})
	}
	return EscalateOutput{
		NextModelID: larger.ModelID,
		ShouldRetry: true,
	}, nil
}

// StreamSelectModel performs model selection for streaming requests via Temporal for visibility.
// It returns the routing decision and emits a workflow_started event on the EventBus.
func (a *Activities) StreamSelectModel(ctx context.Context, input ChatInput) (chatwire.Decision, error) {
	decision, err := a.SelectModel(ctx, input)
	if err != nil {
		return chatwire.Decision{}, fmt.Errorf("stream select model: %w", err)
	}

	if a.EventBus != nil {
		a.EventBus.Publish(events.Event{
			Type:       events.EventStreamStarted,
			ModelID:    decision.ModelID,
			ProviderID: decision.ProviderID,
			Reason:     fmt.Sprintf("stream-select:%s", input.RequestID),
		})
	}

	return decision, nil
}

// StreamLogResult logs the result of a completed streaming request.
// It records the same observability data as LogResult plus streaming-specific metrics.
func (a *Activities) StreamLogResult(ctx context.Context, input StreamLogInput) error {
	now := time.Now().UTC()

	statusCode := 200
	if !input.Success {
		statusCode = 502
	}

	if a.Store != nil {
		if err := a.Store.LogRequest(ctx, store.RequestLog{
			Timestamp:        now,
			ModelID:          input.ModelID,
			ProviderID:       input.ProviderID,
			Mode:             input.Mode,
			EstimatedCostUSD: input.CostUSD,
			LatencyMs:        input.LatencyMs,
			StatusCode:       statusCode,
			ErrorClass:       input.ErrorClass,
			RequestID:        input.RequestID,
		}); err != nil {
			slog.Warn("log_request failed", slog.String("error", err.Error()), slog.String("request_id", input.RequestID))
		}

		tokens := 0
		if err := a.Store.LogReward(ctx, store.RewardEntry{
			Timestamp:       now,
			RequestID:       input.RequestID,
			ModelID:         input.ModelID,
			ProviderID:      input.ProviderID,
			Mode:            input.Mode,
			EstimatedTokens: tokens,
			TokenBucket:     chatwire.TokenBucketLabel(tokens),
			LatencyMs:       float64(input.LatencyMs),
			CostUSD:         input.CostUSD,
			Success:         input.Success,
			ErrorClass:      input.ErrorClass,
			Reward:          chatwire.ComputeReward(float64(input.LatencyMs), input.CostUSD, input.Success, 0),
		}); err != nil {
			slog.Warn("log_reward failed", slog.String("error", err.Error()), slog.String("request_id", input.RequestID))
		}
	}

	if a.Metrics != nil {
		status := "ok"
		if !input.Success {
			status = "error"
		}
		a.Metrics.RequestsTotal.WithLabelValues(input.Mode, input.ModelID, input.ProviderID, status).Inc()
		if input.Success {
			a.Metrics.RequestLatency.WithLabelValues(input.Mode, input.ModelID, input.ProviderID).Observe(float64(input.LatencyMs))
			a.Metrics.CostUSD.WithLabelValues(input.ModelID, input.ProviderID).Add(input.CostUSD)
		}
	}

	if a.EventBus != nil {
		if input.Success {
			a.EventBus.Publish(events.Event{
				Type:       events.EventRouteSuccess,
				ModelID:    input.ModelID,
				ProviderID: input.ProviderID,
				LatencyMs:  float64(input.LatencyMs),
				CostUSD:    input.CostUSD,
			})
		} else {
			a.EventBus.Publish(events.Event{
				Type:       events.EventRouteError,
				ModelID:    input.ModelID,
				ProviderID: input.ProviderID,
				LatencyMs:  float64(input.LatencyMs),
				ErrorClass: input.ErrorClass,
			})
		}
	}

	if a.Stats != nil {
		a.Stats.Record(stats.Snapshot{
			ModelID:    input.ModelID,
			ProviderID: input.ProviderID,
			LatencyMs:  float64(input.LatencyMs),
			CostUSD:    input.CostUSD,
			Success:    input.Success,
		})
	}

	if a.TSDB != nil && input.Success {
		a.TSDB.Write(tsdb.Point{Timestamp: now, Metric: "latency", ModelID: input.ModelID, ProviderID: input.ProviderID, Value: float64(input.LatencyMs)})
		a.TSDB.Write(tsdb.Point{Timestamp: now, Metric: "cost", ModelID: input.ModelID, ProviderID: input.ProviderID, Value: input.CostUSD})
		a.TSDB.Write(tsdb.Point{Timestamp: now, Metric: "stream_bytes", ModelID: input.ModelID, ProviderID: input.ProviderID, Value: float64(input.BytesStreamed)})
	}

	return nil
}

// LogResult persists observability data: request logs, reward logs, metrics, events, stats, TSDB.
func (a *Activities) LogResult(ctx context.Context, input LogInput) error {
	now := time.Now().UTC()

	statusCode := 200
	if !input.Success {
		statusCode = 502
	}

	if a.Store != nil {
		if err := a.Store.LogRequest(ctx, store.RequestLog{
			Timestamp:        now,
			ModelID:          input.ModelID,
			ProviderID:       input.ProviderID,
			Mode:             input.Mode,
			EstimatedCostUSD: input.CostUSD,
			LatencyMs:        input.LatencyMs,
			StatusCode:       statusCode,
			ErrorClass:       input.ErrorClass,
			RequestID:        input.RequestID,
			PromptTokens:     input.InputTokens,
			CompletionTokens: input.OutputTokens,
			TotalTokens:      input.InputTokens + input.OutputTokens,
		}); err != nil {
			slog.Warn("log_request failed", slog.String("error", err.Error()), slog.String("request_id", input.RequestID))
		}

		tokens := input.InputTokens + input.OutputTokens
		if err := a.Store.LogReward(ctx, store.RewardEntry{
			Timestamp:       now,
			RequestID:       input.RequestID,
			ModelID:         input.ModelID,
			ProviderID:      input.ProviderID,
			Mode:            input.Mode,
			EstimatedTokens: tokens,
			TokenBucket:     chatwire.TokenBucketLabel(tokens),
			LatencyMs:       float64(input.LatencyMs),
			CostUSD:         input.CostUSD,
			Success:         input.Success,
			ErrorClass:      input.ErrorClass,
			Reward:          chatwire.ComputeReward(float64(input.LatencyMs), input.CostUSD, input.Success, 0),
		}); err != nil {
			slog.Warn("log_reward failed", slog.String("error", err.Error()), slog.String("request_id", input.RequestID))
		}
	}

	if a.Metrics != nil {
		status := "ok"
		if !input.Success {
			status = "error"
		}
		a.Metrics.RequestsTotal.WithLabelValues(input.Mode, input.ModelID, input.ProviderID, status).Inc()
		if input.Success {
			a.Metrics.RequestLatency.WithLabelValues(input.Mode, input.ModelID, input.ProviderID).Observe(float64(input.LatencyMs))
			a.Metrics.CostUSD.WithLabelValues(input.ModelID, input.ProviderID).Add(input.CostUSD)
			if input.InputTokens > 0 {
				a.Metrics.TokensTotal.WithLabelValues(input.ModelID, input.ProviderID, "input").Add(float64(input.InputTokens))
			}
			if input.OutputTokens > 0 {
				a.Metrics.TokensTotal.WithLabelValues(input.ModelID, input.ProviderID, "output").Add(float64(input.OutputTokens))
			}
		}
	}

	if a.EventBus != nil {
		if input.Success {
			a.EventBus.Publish(events.Event{
				Type:         events.EventRouteSuccess,
				ModelID:      input.ModelID,
				ProviderID:   input.ProviderID,
				LatencyMs:    float64(input.LatencyMs),
				CostUSD:      input.CostUSD,
				InputTokens:  input.InputTokens,
				OutputTokens: input.OutputTokens,
				TotalTokens:  input.InputTokens + input.OutputTokens,
			})
		} else {
			a.EventBus.Publish(events.Event{
				Type:       events.EventRouteError,
				ModelID:    input.ModelID,
				ProviderID: input.ProviderID,
				LatencyMs:  float64(input.LatencyMs),
				ErrorClass: input.ErrorClass,
			})
		}
	}

	if a.Stats != nil {
		a.Stats.Record(stats.Snapshot{
			ModelID:      input.ModelID,
			ProviderID:   input.ProviderID,
			LatencyMs:    float64(input.LatencyMs),
			CostUSD:      input.CostUSD,
			Success:      input.Success,
			InputTokens:  input.InputTokens,
			OutputTokens: input.OutputTokens,
		})
	}

	if a.TSDB != nil && input.Success {
		a.TSDB.WriteRequestMetrics(input.ModelID, input.ProviderID, input.LatencyMs, input.CostUSD, input.InputTokens+input.OutputTokens)
	}

	return nil
}
