// Package azureopenai implements the ProviderAdapter contract against
// an Azure-OpenAI deployment. The wire shape is identical to OpenAI's
// chat-completions API; only the auth header and a mandatory
// api-version query parameter differ, so this package is a thin
// constructor around the openai package rather than a parallel
// implementation.
package azureopenai

import (
	"net/http"
	"time"

	"github.com/vectorgate/gateway/internal/providers/openai"
)

const defaultAPIVersion = "2024-06-01"

// Adapter is an Azure-OpenAI-configured *openai.Adapter. Declared as a
// type alias so azureopenai.New returns something importers can treat
// uniformly with the other vendor packages while sharing all wire
// logic with openai.Adapter.
type Adapter = openai.Adapter

// Option configures an Adapter.
type Option = openai.Option

// WithTimeout overrides the adapter's HTTP client timeout.
func WithTimeout(d time.Duration) Option { return openai.WithTimeout(d) }

// WithHTTPClient overrides the adapter's HTTP client entirely (tests,
// or a shared transport with DNS caching wired in by the caller).
func WithHTTPClient(c *http.Client) Option { return openai.WithHTTPClient(c) }

// New creates an Azure-OpenAI adapter. baseURL is the deployment's
// resource endpoint, e.g. "https://my-resource.openai.azure.com/openai/deployments/my-deployment".
// apiVersion defaults to defaultAPIVersion when empty.
func New(id, apiKey, baseURL, apiVersion string, opts ...Option) *Adapter {
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	opts = append(opts, openai.WithAzureAuth(apiVersion))
	return openai.New(id, apiKey, baseURL, opts...)
}
