package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
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

// maxStreamBytes limits streaming response size to prevent memory exhaustion (100 MB).
const maxStreamBytes = 100 * 1024 * 1024

// warnOnErr logs a warning if a background store operation fails.
// Used for audit logs, request logs, and reward logs that should not block
// the response but whose failures must be visible.
func warnOnErr(op string, err error) {
	if err != nil {
		slog.Warn("store operation failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}

type ChatRequest struct {
	// Side-channel negotiation
	Capabilities map[string]any `json:"capabilities,omitempty"`
	Policy       *PolicyHint    `json:"policy,omitempty"`

	// Output format shaping
	OutputFormat *chatwire.OutputFormat `json:"output_format,omitempty"`

	// Main request payload (provider-agnostic envelope)
	Request chatwire.Request `json:"request"`
}

type PolicyHint struct {
	Mode         string  `json:"mode,omitempty"`
	MaxBudgetUSD float64 `json:"max_budget_usd,omitempty"`
	MaxLatencyMs int     `json:"max_latency_ms,omitempty"`
	MinWeight    int     `json:"min_weight,omitempty"`
}

type ChatResponse struct {
	NegotiatedModel  string          `json:"negotiated_model"`
	EstimatedCostUSD float64         `json:"estimated_cost_usd"`
	RoutingReason    string          `json:"routing_reason"`
	Response         json.RawMessage `json:"response"`
}

// ChatHandler serves the legacy /v1/chat envelope. The actual model
// selection and execution runs through internal/routing + internal/dispatch
// (via the dispatchChat/streamChat bridge); this handler's job is wire
// translation, policy/directive parsing, Temporal dispatch, and
// observability — the same responsibilities it always had.
func ChatHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		if len(req.Request.Messages) == 0 {
			http.Error(w, "messages required", http.StatusBadRequest)
			return
		}

		if req.Policy != nil {
			if req.Policy.MaxBudgetUSD < 0 || req.Policy.MaxBudgetUSD > 100.0 {
				http.Error(w, "max_budget_usd must be between 0 and 100", http.StatusBadRequest)
				return
			}
			if req.Policy.MaxLatencyMs < 0 || req.Policy.MaxLatencyMs > 300000 {
				http.Error(w, "max_latency_ms must be between 0 and 300000", http.StatusBadRequest)
				return
			}
			if req.Policy.MinWeight < 0 || req.Policy.MinWeight > 10 {
				http.Error(w, "min_weight must be between 0 and 10", http.StatusBadRequest)
				return
			}
		}

		var policy chatwire.Policy
		if req.Policy != nil {
			policy = chatwire.Policy{
				Mode:         req.Policy.Mode,
				MaxBudgetUSD: req.Policy.MaxBudgetUSD,
				MaxLatencyMs: req.Policy.MaxLatencyMs,
				MinWeight:    req.Policy.MinWeight,
			}
		}

		// Parse @@vgate in-band directives from message content.
		if dirPolicy := chatwire.ParseDirectives(req.Request.Messages); dirPolicy != nil {
			if dirPolicy.Mode != "" {
				policy.Mode = dirPolicy.Mode
			}
			if dirPolicy.MaxBudgetUSD > 0 {
				policy.MaxBudgetUSD = dirPolicy.MaxBudgetUSD
			}
			if dirPolicy.MaxLatencyMs > 0 {
				policy.MaxLatencyMs = dirPolicy.MaxLatencyMs
			}
			if dirPolicy.MinWeight > 0 {
				policy.MinWeight = dirPolicy.MinWeight
			}
			req.Request.Messages = chatwire.StripDirectives(req.Request.Messages)
		}

		estimatedTokens := req.Request.EstimatedInputTokens
		if estimatedTokens == 0 {
			for _, msg := range req.Request.Messages {
				estimatedTokens += len(msg.Content) / 4
			}
		}
		latencyBudgetMs := policy.MaxLatencyMs

		apiKeyID := ""
		if rec := apikey.FromContext(r.Context()); rec != nil {
			apiKeyID = rec.ID
		}

		reqCtx := providers.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))

		if req.Request.Stream {
			dec, body, serr := streamChat(reqCtx, d, apiKeyID, req.Request, policy)
			if serr != nil {
				http.Error(w, serr.Error(), http.StatusBadGateway)
				return
			}
			defer func() { _ = body.Close() }()

			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Negotiated-Model", dec.SelectedModel)
			w.WriteHeader(http.StatusOK)

			flusher, _ := w.(http.Flusher)
			buf := make([]byte, 32*1024)
			var totalBytes int64
			streamSuccess := true
			reqID := middleware.GetReqID(r.Context())
			for {
				n, readErr := body.Read(buf)
				if n > 0 {
					totalBytes += int64(n)
					if totalBytes > maxStreamBytes {
						slog.Warn("stream: max size exceeded, terminating",
							slog.String("request_id", reqID),
							slog.String("model", dec.SelectedModel),
							slog.Int64("bytes", totalBytes))
						streamSuccess = false
						break
					}
					if _, writeErr := w.Write(buf[:n]); writeErr != nil {
						slog.Warn("stream: write error",
							slog.String("request_id", reqID),
							slog.String("error", writeErr.Error()))
						streamSuccess = false
						break
					}
					if flusher != nil {
						flusher.Flush()
					}
				}
				if readErr != nil {
					if readErr != io.EOF {
						slog.Warn("stream: read error",
							slog.String("request_id", reqID),
							slog.String("model", dec.SelectedModel),
							slog.String("error", readErr.Error()))
						streamSuccess = false
					}
					break
				}
			}

			// After streaming completes, fire a Temporal workflow to log the result
			// for visibility. The actual SSE byte streaming stays direct; Temporal
			// is used only for the logging/observability bookend.
			streamLatencyMs := time.Since(start).Milliseconds()
			if d.TemporalClient != nil {
				logInput := temporalpkg.StreamLogInput{
					LogInput: temporalpkg.LogInput{
						RequestID:  reqID,
						ModelID:    dec.SelectedModel,
						ProviderID: dec.ProviderID,
						Mode:       policy.Mode,
						LatencyMs:  streamLatencyMs,
						CostUSD:    dec.EstimatedCost,
						Success:    streamSuccess,
					},
					BytesStreamed: totalBytes,
				}
				wfID := fmt.Sprintf("stream-log-%s", reqID)
				_, err := d.TemporalClient.ExecuteWorkflow(
					providers.WithRequestID(r.Context(), reqID),
					client.StartWorkflowOptions{
						ID:        wfID,
						TaskQueue: d.TemporalTaskQueue,
					},
					temporalpkg.StreamLogWorkflow,
					logInput,
				)
				if err != nil {
					slog.Warn("stream: failed to start log workflow",
						slog.String("request_id", reqID),
						slog.String("error", err.Error()))
				}
			} else {
				errClass := ""
				httpStatus := http.StatusOK
				if !streamSuccess {
					errClass = "stream_error"
					httpStatus = http.StatusBadGateway
				}
				recordObservability(d, observeParams{
					Ctx:             r.Context(),
					ModelID:         dec.SelectedModel,
					ProviderID:      dec.ProviderID,
					Mode:            policy.Mode,
					CostUSD:         dec.EstimatedCost,
					LatencyMs:       streamLatencyMs,
					Success:         streamSuccess,
					ErrorClass:      errClass,
					RequestID:       reqID,
					APIKeyID:        apiKeyID,
					EstimatedTokens: estimatedTokens,
					LatencyBudgetMs: latencyBudgetMs,
					HTTPStatus:      httpStatus,
				})
			}
			return
		}

		var decision chatwire.Decision
		var resp json.RawMessage
		var err error
		temporalHandledLogging := false

		if d.TemporalClient != nil && d.CircuitBreaker != nil && d.CircuitBreaker.Allow() {
			requestID := middleware.GetReqID(r.Context())
			input := temporalpkg.ChatInput{
				RequestID: requestID,
				APIKeyID:  apiKeyID,
				Request:   req.Request,
				Policy:    policy,
			}
			workflowID := fmt.Sprintf("chat-%s", requestID)
			run, terr := d.TemporalClient.ExecuteWorkflow(reqCtx, client.StartWorkflowOptions{
				ID:        workflowID,
				TaskQueue: d.TemporalTaskQueue,
			}, temporalpkg.ChatWorkflow, input)
			if terr != nil {
				d.CircuitBreaker.RecordFailure()
				if d.Metrics != nil {
					d.Metrics.TemporalFallbackTotal.Inc()
				}
				decision, resp, err = dispatchChat(reqCtx, d, apiKeyID, req.Request, policy)
			} else {
				if d.EventBus != nil {
					d.EventBus.Publish(events.Event{
						Type:         events.EventWorkflowStarted,
						WorkflowID:   workflowID,
						WorkflowType: "ChatWorkflow",
						RequestID:    requestID,
					})
				}
				var output temporalpkg.ChatOutput
				if terr = run.Get(reqCtx, &output); terr != nil {
					d.CircuitBreaker.RecordFailure()
					if d.Metrics != nil {
						d.Metrics.TemporalFallbackTotal.Inc()
					}
					decision, resp, err = dispatchChat(reqCtx, d, apiKeyID, req.Request, policy)
				} else if output.Error != "" {
					d.CircuitBreaker.RecordSuccess()
					err = fmt.Errorf("%s", output.Error)
					decision = output.Decision
					temporalHandledLogging = true
					if d.EventBus != nil {
						d.EventBus.Publish(events.Event{
							Type:         events.EventWorkflowFailed,
							WorkflowID:   workflowID,
							WorkflowType: "ChatWorkflow",
							ErrorMsg:     output.Error,
						})
					}
				} else {
					d.CircuitBreaker.RecordSuccess()
					decision = output.Decision
					resp = output.Response
					temporalHandledLogging = true
					if d.EventBus != nil {
						d.EventBus.Publish(events.Event{
							Type:         events.EventWorkflowCompleted,
							WorkflowID:   workflowID,
							WorkflowType: "ChatWorkflow",
							ModelID:      decision.ModelID,
							ProviderID:   decision.ProviderID,
							LatencyMs:    float64(output.LatencyMs),
							CostUSD:      decision.EstimatedCostUSD,
						})
					}
				}
			}
		} else {
			if d.TemporalClient != nil && d.CircuitBreaker != nil {
				if d.Metrics != nil {
					d.Metrics.TemporalFallbackTotal.Inc()
				}
			}
			decision, resp, err = dispatchChat(reqCtx, d, apiKeyID, req.Request, policy)
		}
		latencyMs := time.Since(start).Milliseconds()

		if err != nil {
			if !temporalHandledLogging {
				recordObservability(d, observeParams{
					Ctx:             r.Context(),
					Mode:            policy.Mode,
					LatencyMs:       latencyMs,
					Success:         false,
					ErrorClass:      "routing_failure",
					ErrorMsg:        err.Error(),
					RequestID:       middleware.GetReqID(r.Context()),
					APIKeyID:        apiKeyID,
					EstimatedTokens: estimatedTokens,
					LatencyBudgetMs: latencyBudgetMs,
					HTTPStatus:      http.StatusBadGateway,
				})
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		if !temporalHandledLogging {
			recordObservability(d, observeParams{
				Ctx:             r.Context(),
				ModelID:         decision.ModelID,
				ProviderID:      decision.ProviderID,
				Mode:            policy.Mode,
				CostUSD:         decision.EstimatedCostUSD,
				LatencyMs:       latencyMs,
				Success:         true,
				Reason:          decision.Reason,
				RequestID:       middleware.GetReqID(r.Context()),
				APIKeyID:        apiKeyID,
				EstimatedTokens: estimatedTokens,
				LatencyBudgetMs: latencyBudgetMs,
				HTTPStatus:      http.StatusOK,
			})
		}

		// Apply output format shaping if requested.
		if req.OutputFormat != nil {
			resp = chatwire.ShapeOutput(resp, *req.OutputFormat)
		}

		_ = json.NewEncoder(w).Encode(ChatResponse{
			NegotiatedModel:  decision.ModelID,
			EstimatedCostUSD: decision.EstimatedCostUSD,
			RoutingReason:    decision.Reason,
			Response:         resp,
		})
	}
}
