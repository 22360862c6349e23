package gemini

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/line-gemini-relay/internal/config"
)

// CreateFromConfig creates a provider whose HTTP client is traced and bounded
// by gemini.timeout.
func CreateFromConfig(cfg config.GeminiConfig) *Provider {
	httpClient := &http.Client{
		Timeout:   config.Duration(cfg.Timeout),
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	opts := []ProviderOption{
		WithHTTPClient(httpClient),
		WithSystemInstruction(cfg.SystemInstruction),
		WithGenerationConfig(cfg.MaxOutputTokens, cfg.Temperature),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	return New(cfg.APIKey, cfg.Model, opts...)
}
