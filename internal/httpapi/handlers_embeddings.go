package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vectorgate/gateway/internal/apikey"
	"github.com/vectorgate/gateway/internal/gatewaytypes"
	"github.com/vectorgate/gateway/internal/routing"
)

// EmbeddingsHandler implements POST /v1/embeddings. Router ranks the
// candidates, Dispatcher tries them in order with fallback (an embedding
// call is not retried within one candidate), matching the
// CompletionsHandler shape on the new stack.
func EmbeddingsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req gatewaytypes.EmbeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if len(req.Input) == 0 {
			jsonError(w, "input is required", http.StatusBadRequest)
			return
		}

		apiKeyID := ""
		if key := apikey.FromContext(r.Context()); key != nil {
			apiKeyID = key.ID
		}

		resp, decision, err := d.Dispatcher.DispatchEmbedding(r.Context(), apiKeyID, req, routing.StrategySmart, 0)
		latencyMs := time.Since(start).Milliseconds()
		if err != nil {
			recordObservability(d, observeParams{
				Ctx:        r.Context(),
				ModelID:    req.Model,
				ProviderID: decision.ProviderID,
				Mode:       "embeddings",
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

		recordObservability(d, observeParams{
			Ctx:        r.Context(),
			ModelID:    resp.Model,
			ProviderID: resp.Provider,
			Mode:       "embeddings",
			CostUSD:    resp.CostUSD,
			LatencyMs:  latencyMs,
			Success:    true,
			Reason:     decision.Reason,
			APIKeyID:   apiKeyID,
		})

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
