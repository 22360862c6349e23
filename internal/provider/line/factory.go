package line

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/line-gemini-relay/internal/config"
)

// CreateFromConfig builds the parser and a replier whose HTTP client is
// traced and bounded by line.timeout.
func CreateFromConfig(cfg config.LINEConfig) (*Parser, *Replier) {
	httpClient := &http.Client{
		Timeout:   config.Duration(cfg.Timeout),
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	opts := []ReplierOption{WithHTTPClient(httpClient)}
	if cfg.APIBaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.APIBaseURL))
	}
	return NewParser(cfg.ChannelSecret), NewReplier(cfg.ChannelAccessToken, opts...)
}
