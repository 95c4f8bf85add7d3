package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vectorgate/gateway/internal/gatewaytypes"
	"github.com/vectorgate/gateway/internal/routing"
)

// toModelDescriptor projects the router's Candidate record onto the
// canonical gatewaytypes.ModelDescriptor shape. Fields the router does
// not track (display name) fall back to the model ID.
func toModelDescriptor(m routing.Candidate) gatewaytypes.ModelDescriptor {
	return gatewaytypes.ModelDescriptor{
		ID:              m.ModelID,
		DisplayName:     m.ModelID,
		Provider:        m.ProviderID,
		ProviderModelID: m.ModelID,
		ContextWindow:   m.MaxContextTokens,
		InputPer1K:      m.InputPer1K,
		OutputPer1K:     m.OutputPer1K,
		Enabled:         m.Enabled,
		QualityScore:    float64(m.QualityScore),
		Capabilities: gatewaytypes.Capabilities{
			Chat:      true,
			Tools:     m.SupportsTools,
			Vision:    m.SupportsVision,
			Streaming: true,
		},
	}
}

// ModelsDescribeHandler serves GET /v1/models: the canonical catalog of
// models currently registered with the router.
func ModelsDescribeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models := d.Router.ListModels()
		descriptors := make([]gatewaytypes.ModelDescriptor, 0, len(models))
		for _, m := range models {
			descriptors = append(descriptors, toModelDescriptor(m))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": descriptors})
	}
}

// ModelDescribeHandler serves GET /v1/models/{id}.
func ModelDescribeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		for _, m := range d.Router.ListModels() {
			if m.ModelID == id {
				_ = json.NewEncoder(w).Encode(toModelDescriptor(m))
				return
			}
		}
		jsonError(w, "model not found: "+id, http.StatusNotFound)
	}
}
