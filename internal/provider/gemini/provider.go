// Package gemini adapts the Gemini API client to the relay's Completer.
package gemini

import (
	"context"
	"net/http"

	geminiapi "github.com/tjfontaine/line-gemini-relay/internal/api/gemini"
	"github.com/tjfontaine/line-gemini-relay/internal/domain"
)

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = httpClient
	}
}

// WithSystemInstruction sets a system instruction sent with every prompt.
func WithSystemInstruction(instruction string) ProviderOption {
	return func(p *Provider) {
		p.systemInstruction = instruction
	}
}

// WithGenerationConfig sets output limits sent with every prompt.
func WithGenerationConfig(maxOutputTokens int, temperature *float32) ProviderOption {
	return func(p *Provider) {
		if maxOutputTokens == 0 && temperature == nil {
			return
		}
		p.generation = &geminiapi.GenerationConfig{
			MaxOutputTokens: maxOutputTokens,
			Temperature:     temperature,
		}
	}
}

// Provider turns a prompt into a single-turn generateContent call against a
// fixed model.
type Provider struct {
	client            *geminiapi.Client
	model             string
	systemInstruction string
	generation        *geminiapi.GenerationConfig
	baseURL           string
	httpClient        *http.Client
}

// New creates a new Gemini provider for model.
func New(apiKey, model string, opts ...ProviderOption) *Provider {
	p := &Provider{
		model: model,
	}

	for _, opt := range opts {
		opt(p)
	}

	var clientOpts []geminiapi.ClientOption
	if p.baseURL != "" {
		clientOpts = append(clientOpts, geminiapi.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		clientOpts = append(clientOpts, geminiapi.WithHTTPClient(p.httpClient))
	}

	p.client = geminiapi.NewClient(apiKey, clientOpts...)
	return p
}

// Name identifies the completion service in startup logs.
func (p *Provider) Name() string {
	return "gemini"
}

// Model returns the model every prompt is sent to.
func (p *Provider) Model() string {
	return p.model
}

// Complete sends prompt as a single user turn. A response without text is
// not an error; it yields a Completion with a nil Text.
func (p *Provider) Complete(ctx context.Context, prompt string) (*domain.Completion, error) {
	req := geminiapi.UserText(prompt)
	if p.systemInstruction != "" {
		req.SystemInstruction = &geminiapi.Content{
			Parts: []geminiapi.Part{{Text: p.systemInstruction}},
		}
	}
	req.GenerationConfig = p.generation

	resp, err := p.client.GenerateContent(ctx, p.model, req)
	if err != nil {
		return nil, err
	}

	return toCompletion(p.model, resp), nil
}

func toCompletion(model string, resp *geminiapi.GenerateContentResponse) *domain.Completion {
	c := &domain.Completion{Model: model}
	if resp.ModelVersion != "" {
		c.Model = resp.ModelVersion
	}

	if text, ok := resp.Text(); ok {
		c.Text = &text
	}
	if len(resp.Candidates) > 0 {
		c.FinishReason = resp.Candidates[0].FinishReason
	}
	if resp.PromptFeedback != nil {
		c.BlockReason = resp.PromptFeedback.BlockReason
	}
	if u := resp.UsageMetadata; u != nil {
		c.Usage = domain.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return c
}
