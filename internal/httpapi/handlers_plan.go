package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/vectorgate/gateway/internal/apikey"
	"github.com/vectorgate/gateway/internal/chatwire"
	"github.com/vectorgate/gateway/internal/events"
	"github.com/vectorgate/gateway/internal/providers"
	temporalpkg "github.com/vectorgate/gateway/internal/temporal"
)

type PlanRequest struct {
	Request       chatwire.Request      `json:"request"`
	Orchestration chatwire.WireDirective `json:"orchestration"`
}

type PlanResponse struct {
	NegotiatedModel  string          `json:"negotiated_model"`
	EstimatedCostUSD float64         `json:"estimated_cost_usd"`
	RoutingReason    string          `json:"routing_reason"`
	Response         json.RawMessage `json:"response"`
}

func PlanHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req PlanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		// Validate messages.
		if len(req.Request.Messages) == 0 {
			http.Error(w, "messages required", http.StatusBadRequest)
			return
		}

		// Validate orchestration iterations.
		if req.Orchestration.Iterations < 0 || req.Orchestration.Iterations > 10 {
			http.Error(w, "iterations must be between 0 and 10", http.StatusBadRequest)
			return
		}

		// Validate orchestration mode.
		switch req.Orchestration.Mode {
		case "", "planning", "adversarial", "vote", "refine":
			// valid
		default:
			http.Error(w, "unknown orchestration mode", http.StatusBadRequest)
			return
		}

		// Determine API key ID for workflow attribution.
		apiKeyID := ""
		if rec := apikey.FromContext(r.Context()); rec != nil {
			apiKeyID = rec.ID
		}

		// Inject request ID into context for provider tracing.
		reqCtx := providers.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))

		directive := chatwire.ToOrchestrateDirective(req.Orchestration)

		var decision chatwire.Decision
		var resp json.RawMessage
		var err error
		temporalHandledLogging := false

		directCall := func() (chatwire.Decision, json.RawMessage, error) {
			gwReq := chatwire.ToGatewayRequest(req.Request, chatwire.Policy{Mode: req.Orchestration.Mode})
			cresp, rdec, derr := d.Orchestrator.Orchestrate(reqCtx, apiKeyID, gwReq, directive, 0)
			if derr != nil {
				return chatwire.Decision{}, nil, derr
			}
			return chatwire.ToDecision(cresp, rdec), chatwire.ToProviderResponse(cresp), nil
		}

		if d.TemporalClient != nil && d.CircuitBreaker != nil && d.CircuitBreaker.Allow() {
			// Dispatch via Temporal orchestration workflow (circuit closed or half-open probe).
			requestID := middleware.GetReqID(r.Context())
			input := temporalpkg.OrchestrationInput{
				RequestID: requestID,
				APIKeyID:  apiKeyID,
				Request:   req.Request,
				Directive: directive,
			}
			workflowID := fmt.Sprintf("plan-%s", requestID)
			run, terr := d.TemporalClient.ExecuteWorkflow(reqCtx, client.StartWorkflowOptions{
				ID:        workflowID,
				TaskQueue: d.TemporalTaskQueue,
			}, temporalpkg.OrchestrationWorkflow, input)
			if terr != nil {
				// Temporal unavailable — record failure and fall back.
				d.CircuitBreaker.RecordFailure()
				if d.Metrics != nil {
					d.Metrics.TemporalFallbackTotal.Inc()
				}
				decision, resp, err = directCall()
			} else {
				if d.EventBus != nil {
					d.EventBus.Publish(events.Event{
						Type:         events.EventWorkflowStarted,
						WorkflowID:   workflowID,
						WorkflowType: "OrchestrationWorkflow",
						RequestID:    requestID,
					})
				}
				var output temporalpkg.ChatOutput
				if terr = run.Get(reqCtx, &output); terr != nil {
					d.CircuitBreaker.RecordFailure()
					if d.Metrics != nil {
						d.Metrics.TemporalFallbackTotal.Inc()
					}
					decision, resp, err = directCall()
				} else if output.Error != "" {
					d.CircuitBreaker.RecordSuccess()
					err = fmt.Errorf("%s", output.Error)
					decision = output.Decision
					temporalHandledLogging = true // LogResult activity already ran
					if d.EventBus != nil {
						d.EventBus.Publish(events.Event{
							Type:         events.EventWorkflowFailed,
							WorkflowID:   workflowID,
							WorkflowType: "OrchestrationWorkflow",
							ErrorMsg:     output.Error,
						})
					}
				} else {
					d.CircuitBreaker.RecordSuccess()
					decision = output.Decision
					resp = output.Response
					temporalHandledLogging = true // LogResult activity already ran
					if d.EventBus != nil {
						d.EventBus.Publish(events.Event{
							Type:         events.EventWorkflowCompleted,
							WorkflowID:   workflowID,
							WorkflowType: "OrchestrationWorkflow",
							ModelID:      decision.ModelID,
							ProviderID:   decision.ProviderID,
							LatencyMs:    float64(output.LatencyMs),
							CostUSD:      decision.EstimatedCostUSD,
						})
					}
				}
			}
		} else {
			// Direct orchestrator call (circuit open or Temporal disabled).
			if d.TemporalClient != nil && d.CircuitBreaker != nil {
				// Circuit is open — count the fallback.
				if d.Metrics != nil {
					d.Metrics.TemporalFallbackTotal.Inc()
				}
			}
			decision, resp, err = directCall()
		}
		latencyMs := time.Since(start).Milliseconds()

		mode := req.Orchestration.Mode

		if !temporalHandledLogging {
			recordObservability(d, observeParams{
				Ctx:        r.Context(),
				ModelID:    decision.ModelID,
				ProviderID: decision.ProviderID,
				Mode:       mode,
				CostUSD:    decision.EstimatedCostUSD,
				LatencyMs:  latencyMs,
				Success:    err == nil,
				ErrorClass: errClassFor(err),
				ErrorMsg:   errMsgFor(err),
				Reason:     decision.Reason,
				RequestID:  middleware.GetReqID(r.Context()),
				APIKeyID:   apiKeyID,
			})
		}

		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(PlanResponse{
			NegotiatedModel:  decision.ModelID,
			EstimatedCostUSD: decision.EstimatedCostUSD,
			RoutingReason:    decision.Reason,
			Response:         resp,
		})
	}
}

func errClassFor(err error) string {
	if err == nil {
		return ""
	}
	return "routing_failure"
}

func errMsgFor(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
