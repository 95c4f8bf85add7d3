package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/vectorgate/gateway/internal/apikey"
	"github.com/vectorgate/gateway/internal/contentfilter"
	"github.com/vectorgate/gateway/internal/gatewaytypes"
	"github.com/vectorgate/gateway/internal/routing"
)

// CompletionsHandler serves the canonical /v1/completions surface:
// Router picks a candidate, Dispatcher executes it with retry and
// fallback, CostPipeline prices and budget-checks it. This is
// independent of the legacy /v1/chat envelope handled by ChatHandler.
func CompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req gatewaytypes.CompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 {
			jsonError(w, "messages required", http.StatusBadRequest)
			return
		}

		apiKeyID := ""
		if key := apikey.FromContext(r.Context()); key != nil {
			apiKeyID = key.ID
		}

		if d.ContentFilter != nil {
			var parts []string
			for _, msg := range req.Messages {
				parts = append(parts, msg.Content)
			}
			if res, err := d.ContentFilter.Check(r.Context(), strings.Join(parts, "\n"), contentfilter.DirectionPrompt); err != nil {
				jsonError(w, "content filter error", http.StatusInternalServerError)
				return
			} else if !res.Allowed {
				jsonError(w, (&contentfilter.ContentBlockedError{Result: res}).Error(), http.StatusUnprocessableEntity)
				return
			}
		}

		strategy := routing.Strategy(req.Strategy)
		maxBudgetUSD := 0.0
		if d.CostPipeline != nil && apiKeyID != "" {
			if err := d.CostPipeline.AdmitBudget(r.Context(), apiKeyID, 0); err != nil {
				jsonError(w, err.Error(), http.StatusPaymentRequired)
				return
			}
		}

		resp, decision, err := d.Dispatcher.Dispatch(r.Context(), apiKeyID, req, strategy, maxBudgetUSD)
		latencyMs := time.Since(start).Milliseconds()
		if err != nil {
			recordObservability(d, observeParams{
				Ctx:        r.Context(),
				ModelID:    decision.RequestedModel,
				ProviderID: decision.ProviderID,
				Mode:       string(strategy),
				LatencyMs:  latencyMs,
				Success:    false,
				ErrorClass: "dispatch_error",
				ErrorMsg:   err.Error(),
				Reason:     decision.Reason,
				APIKeyID:   apiKeyID,
				HTTPStatus: http.StatusBadGateway,
			})
			jsonError(w, err.Error(), http.StatusBadGateway)
			return
		}

		if d.CostPipeline != nil {
			d.CostPipeline.RecordCompletion(r.Context(), apiKeyID, req, resp)
		}

		recordObservability(d, observeParams{
			Ctx:          r.Context(),
			ModelID:      resp.Model,
			ProviderID:   resp.Provider,
			Mode:         string(strategy),
			CostUSD:      resp.CostUSD,
			LatencyMs:    latencyMs,
			Success:      true,
			Reason:       decision.Reason,
			APIKeyID:     apiKeyID,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			RequestID:    resp.ID,
		})

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
