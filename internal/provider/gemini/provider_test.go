package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	geminiapi "github.com/tjfontaine/line-gemini-relay/internal/api/gemini"
	"github.com/tjfontaine/line-gemini-relay/internal/config"
	"github.com/tjfontaine/line-gemini-relay/internal/domain"
)

func newTestServer(t *testing.T, status int, body string, seen *geminiapi.GenerateContentRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			raw, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(raw, seen); err != nil {
				t.Errorf("bad request body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProvider_Complete(t *testing.T) {
	var seen geminiapi.GenerateContentRequest
	srv := newTestServer(t, http.StatusOK, `{
		"candidates": [{"content": {"role": "model", "parts": [{"text": "hi there"}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 2, "candidatesTokenCount": 3, "totalTokenCount": 5},
		"modelVersion": "gemini-1.5-flash-002"
	}`, &seen)

	temp := float32(0.2)
	p := New("key", "gemini-1.5-flash",
		WithBaseURL(srv.URL),
		WithSystemInstruction("be nice"),
		WithGenerationConfig(256, &temp),
	)

	c, err := p.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if !c.HasText() || *c.Text != "hi there" {
		t.Fatalf("Text = %v, want hi there", c.Text)
	}
	if c.Model != "gemini-1.5-flash-002" {
		t.Errorf("Model = %q", c.Model)
	}
	if c.FinishReason != "STOP" {
		t.Errorf("FinishReason = %q", c.FinishReason)
	}
	if c.Usage.TotalTokens != 5 {
		t.Errorf("Usage = %+v", c.Usage)
	}

	if seen.Contents[0].Parts[0].Text != "hello" {
		t.Errorf("prompt not forwarded: %+v", seen.Contents)
	}
	if seen.SystemInstruction == nil || seen.SystemInstruction.Parts[0].Text != "be nice" {
		t.Error("system instruction not forwarded")
	}
	if seen.GenerationConfig == nil || seen.GenerationConfig.MaxOutputTokens != 256 {
		t.Error("generation config not forwarded")
	}
}

func TestProvider_CompleteWithoutText(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `{"promptFeedback": {"blockReason": "SAFETY"}}`, nil)

	p := New("key", "gemini-1.5-flash", WithBaseURL(srv.URL))
	c, err := p.Complete(context.Background(), "something blocked")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if c.Text != nil {
		t.Errorf("Text = %q, want nil", *c.Text)
	}
	if c.BlockReason != "SAFETY" {
		t.Errorf("BlockReason = %q", c.BlockReason)
	}
}

func TestProvider_CompleteError(t *testing.T) {
	srv := newTestServer(t, http.StatusServiceUnavailable,
		`{"error": {"code": 503, "message": "The model is overloaded.", "status": "UNAVAILABLE"}}`, nil)

	p := New("key", "gemini-1.5-flash", WithBaseURL(srv.URL))
	_, err := p.Complete(context.Background(), "hello")

	apiErr, ok := domain.AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !apiErr.Temporary() {
		t.Error("overloaded error should be temporary")
	}
}

func TestCreateFromConfig(t *testing.T) {
	var seen geminiapi.GenerateContentRequest
	srv := newTestServer(t, http.StatusOK, `{"candidates": [{"content": {"parts": [{"text": "ok"}]}}]}`, &seen)

	p := CreateFromConfig(config.GeminiConfig{
		APIKey:  "key",
		Model:   "gemini-1.5-pro",
		BaseURL: srv.URL,
		Timeout: "5s",
	})

	if p.Model() != "gemini-1.5-pro" {
		t.Errorf("Model() = %q", p.Model())
	}
	if p.Name() != "gemini" {
		t.Errorf("Name() = %q", p.Name())
	}
	if _, err := p.Complete(context.Background(), "ping"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if seen.GenerationConfig != nil {
		t.Error("empty generation config should be omitted")
	}
	if seen.SystemInstruction != nil {
		t.Error("empty system instruction should be omitted")
	}
}
