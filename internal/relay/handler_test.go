package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	lineapi "github.com/tjfontaine/line-gemini-relay/internal/api/line"
	"github.com/tjfontaine/line-gemini-relay/internal/config"
	"github.com/tjfontaine/line-gemini-relay/internal/domain"
	"github.com/tjfontaine/line-gemini-relay/internal/ledger/memory"
	lineprovider "github.com/tjfontaine/line-gemini-relay/internal/provider/line"
	"github.com/tjfontaine/line-gemini-relay/internal/server"
)

const testSecret = "channel-secret"

type completeCall struct {
	prompt string
	ctxErr error
}

type stubCompleter struct {
	mu    sync.Mutex
	calls []completeCall
	fn    func(prompt string) (*domain.Completion, error)
}

func (s *stubCompleter) Complete(ctx context.Context, prompt string) (*domain.Completion, error) {
	s.mu.Lock()
	s.calls = append(s.calls, completeCall{prompt: prompt, ctxErr: ctx.Err()})
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(prompt)
	}
	text := "echo: " + prompt
	return &domain.Completion{Text: &text, Model: "test-model"}, nil
}

func (s *stubCompleter) prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.prompt)
	}
	return out
}

type reply struct {
	token string
	text  string
}

type stubReplier struct {
	mu      sync.Mutex
	replies []reply
	fn      func(token, text string) error
}

func (s *stubReplier) Reply(ctx context.Context, replyToken, text string) error {
	s.mu.Lock()
	s.replies = append(s.replies, reply{token: replyToken, text: text})
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(replyToken, text)
	}
	return nil
}

func (s *stubReplier) sent() []reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reply(nil), s.replies...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(c *stubCompleter, r *stubReplier, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.FallbackText == "" {
		opts.FallbackText = "busy, back soon"
	}
	return NewHandler(lineprovider.NewParser(testSecret), c, r, opts)
}

func post(t *testing.T, h *Handler, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(lineapi.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)
	return rec
}

func postSigned(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	return post(t, h, body, lineapi.Sign(testSecret, []byte(body)))
}

func assertOK(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "OK" {
		t.Errorf("body = %q, want OK", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
}

func textEvent(id, token, text string) string {
	return `{"type":"message","mode":"active","timestamp":1700000000000,` +
		`"webhookEventId":"` + id + `","deliveryContext":{"isRedelivery":false},` +
		`"replyToken":"` + token + `","source":{"type":"user","userId":"U1"},` +
		`"message":{"type":"text","id":"m-` + id + `","text":"` + text + `"}}`
}

func envelope(events ...string) string {
	return `{"destination":"Ubot","events":[` + strings.Join(events, ",") + `]}`
}

func TestHandleCallback_Probe(t *testing.T) {
	c, r := &stubCompleter{}, &stubReplier{}
	h := newTestHandler(c, r, Options{})

	rec := post(t, h, envelope(textEvent("e1", "tok1", "hi")), "")

	assertOK(t, rec)
	if len(c.calls) != 0 || len(r.sent()) != 0 {
		t.Errorf("probe made outbound calls: completions=%d replies=%d", len(c.calls), len(r.sent()))
	}
}

func TestHandleCallback_InvalidSignature(t *testing.T) {
	c, r := &stubCompleter{}, &stubReplier{}
	h := newTestHandler(c, r, Options{})

	body := envelope(textEvent("e1", "tok1", "hi"))
	tests := []struct {
		name      string
		signature string
	}{
		{"wrong secret", lineapi.Sign("other-secret", []byte(body))},
		{"not base64", "%%%"},
		{"tampered", lineapi.Sign(testSecret, []byte(body+" "))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertOK(t, post(t, h, body, tt.signature))
		})
	}

	if len(c.calls) != 0 || len(r.sent()) != 0 {
		t.Errorf("rejected delivery made outbound calls: completions=%d replies=%d", len(c.calls), len(r.sent()))
	}
}

func TestHandleCallback_MalformedBody(t *testing.T) {
	c, r := &stubCompleter{}, &stubReplier{}
	h := newTestHandler(c, r, Options{})

	for _, body := range []string{`not json`, `{"destination":"x"}`, `{"events":"nope"}`} {
		assertOK(t, postSigned(t, h, body))
	}

	if len(c.calls) != 0 || len(r.sent()) != 0 {
		t.Errorf("malformed body made outbound calls")
	}
}

func TestHandleCallback_RepliesToTextMessage(t *testing.T) {
	c := &stubCompleter{fn: func(prompt string) (*domain.Completion, error) {
		text := "hi there"
		return &domain.Completion{Text: &text}, nil
	}}
	r := &stubReplier{}
	h := newTestHandler(c, r, Options{})

	assertOK(t, postSigned(t, h, envelope(textEvent("e1", "tok1", "hello"))))

	if got := c.prompts(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("prompts = %v, want [hello]", got)
	}
	sent := r.sent()
	if len(sent) != 1 {
		t.Fatalf("replies = %d, want 1", len(sent))
	}
	if sent[0] != (reply{token: "tok1", text: "hi there"}) {
		t.Errorf("reply = %+v", sent[0])
	}
}

func TestHandleCallback_FallbackWhenNoText(t *testing.T) {
	empty := ""
	tests := []struct {
		name string
		c    *domain.Completion
	}{
		{"nil text", &domain.Completion{}},
		{"empty text", &domain.Completion{Text: &empty}},
		{"nil completion", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &stubCompleter{fn: func(string) (*domain.Completion, error) { return tt.c, nil }}
			r := &stubReplier{}
			h := newTestHandler(c, r, Options{FallbackText: "please wait"})

			assertOK(t, postSigned(t, h, envelope(textEvent("e1", "tok1", "hello"))))

			sent := r.sent()
			if len(sent) != 1 || sent[0].text != "please wait" || sent[0].token != "tok1" {
				t.Errorf("replies = %+v, want fallback on tok1", sent)
			}
		})
	}
}

func TestHandleCallback_DefaultFallbackText(t *testing.T) {
	c := &stubCompleter{fn: func(string) (*domain.Completion, error) {
		return &domain.Completion{}, nil
	}}
	r := &stubReplier{}
	h := NewHandler(lineprovider.NewParser(testSecret), c, r, Options{})

	assertOK(t, postSigned(t, h, envelope(textEvent("e1", "tok1", "hello"))))

	sent := r.sent()
	if len(sent) != 1 {
		t.Fatalf("replies = %+v, want one", sent)
	}
	if sent[0].text == "" || sent[0].text != config.DefaultFallbackText {
		t.Errorf("reply text = %q, want %q", sent[0].text, config.DefaultFallbackText)
	}
}

func TestHandleCallback_SkipsNonTextEvents(t *testing.T) {
	c, r := &stubCompleter{}, &stubReplier{}
	h := newTestHandler(c, r, Options{})

	sticker := `{"type":"message","replyToken":"tok-s","source":{"type":"user","userId":"U1"},` +
		`"message":{"type":"sticker","id":"s1","packageId":"1","stickerId":"2"}}`
	follow := `{"type":"follow","replyToken":"tok-f","source":{"type":"user","userId":"U1"}}`
	unfollow := `{"type":"unfollow","source":{"type":"user","userId":"U1"}}`

	assertOK(t, postSigned(t, h, envelope(sticker, follow, unfollow)))

	if len(c.calls) != 0 || len(r.sent()) != 0 {
		t.Errorf("non-text events made outbound calls: completions=%d replies=%d", len(c.calls), len(r.sent()))
	}
}

func TestHandleCallback_EmptyEvents(t *testing.T) {
	c, r := &stubCompleter{}, &stubReplier{}
	h := newTestHandler(c, r, Options{})

	assertOK(t, postSigned(t, h, envelope()))

	if len(c.calls) != 0 || len(r.sent()) != 0 {
		t.Error("empty batch made outbound calls")
	}
}

func TestHandleCallback_OrderPreserved(t *testing.T) {
	c, r := &stubCompleter{}, &stubReplier{}
	h := newTestHandler(c, r, Options{})

	assertOK(t, postSigned(t, h, envelope(
		textEvent("e1", "tok1", "first"),
		textEvent("e2", "tok2", "second"),
		textEvent("e3", "tok3", "third"),
	)))

	want := []reply{
		{token: "tok1", text: "echo: first"},
		{token: "tok2", text: "echo: second"},
		{token: "tok3", text: "echo: third"},
	}
	sent := r.sent()
	if len(sent) != len(want) {
		t.Fatalf("replies = %+v", sent)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("reply[%d] = %+v, want %+v", i, sent[i], want[i])
		}
	}
}

func TestHandleCallback_CompletionFailureIsolated(t *testing.T) {
	c := &stubCompleter{fn: func(prompt string) (*domain.Completion, error) {
		if prompt == "bad" {
			return nil, domain.NewAPIError(domain.ErrorTypeServer, "upstream down").WithStatusCode(503)
		}
		text := "ok: " + prompt
		return &domain.Completion{Text: &text}, nil
	}}
	r := &stubReplier{}
	h := newTestHandler(c, r, Options{})

	assertOK(t, postSigned(t, h, envelope(
		textEvent("e1", "tok1", "bad"),
		textEvent("e2", "tok2", "good"),
	)))

	sent := r.sent()
	if len(sent) != 1 || sent[0] != (reply{token: "tok2", text: "ok: good"}) {
		t.Errorf("replies = %+v, want only tok2", sent)
	}
}

func TestHandleCallback_CompletionPanicIsolated(t *testing.T) {
	c := &stubCompleter{fn: func(prompt string) (*domain.Completion, error) {
		if prompt == "boom" {
			panic("completer exploded")
		}
		text := "ok: " + prompt
		return &domain.Completion{Text: &text}, nil
	}}
	r := &stubReplier{}
	h := newTestHandler(c, r, Options{})

	assertOK(t, postSigned(t, h, envelope(
		textEvent("e1", "tok1", "boom"),
		textEvent("e2", "tok2", "fine"),
	)))

	sent := r.sent()
	if len(sent) != 1 || sent[0].token != "tok2" {
		t.Errorf("replies = %+v, want only tok2", sent)
	}
}

func TestHandleCallback_ReplyFailureIsolated(t *testing.T) {
	c := &stubCompleter{}
	r := &stubReplier{fn: func(token, text string) error {
		switch token {
		case "tok1":
			return errors.New("invalid reply token")
		case "tok2":
			panic("replier exploded")
		}
		return nil
	}}
	h := newTestHandler(c, r, Options{})

	assertOK(t, postSigned(t, h, envelope(
		textEvent("e1", "tok1", "a"),
		textEvent("e2", "tok2", "b"),
		textEvent("e3", "tok3", "c"),
	)))

	if got := c.prompts(); len(got) != 3 {
		t.Errorf("prompts = %v, want all three", got)
	}
	if sent := r.sent(); len(sent) != 3 || sent[2].token != "tok3" {
		t.Errorf("replies = %+v, want attempts on all three", sent)
	}
}

func TestHandleCallback_FallbackOnError(t *testing.T) {
	failing := func(string) (*domain.Completion, error) {
		return nil, errors.New("deadline exceeded")
	}

	t.Run("disabled", func(t *testing.T) {
		r := &stubReplier{}
		h := newTestHandler(&stubCompleter{fn: failing}, r, Options{})
		assertOK(t, postSigned(t, h, envelope(textEvent("e1", "tok1", "hi"))))
		if len(r.sent()) != 0 {
			t.Errorf("replies = %+v, want none", r.sent())
		}
	})

	t.Run("enabled", func(t *testing.T) {
		r := &stubReplier{}
		h := newTestHandler(&stubCompleter{fn: failing}, r, Options{FallbackText: "later", FallbackOnError: true})
		assertOK(t, postSigned(t, h, envelope(textEvent("e1", "tok1", "hi"))))
		sent := r.sent()
		if len(sent) != 1 || sent[0] != (reply{token: "tok1", text: "later"}) {
			t.Errorf("replies = %+v, want fallback", sent)
		}
	})
}

func TestHandleCallback_RedeliveryNotProcessedTwice(t *testing.T) {
	c, r := &stubCompleter{}, &stubReplier{}
	store := memory.New(time.Hour)
	h := newTestHandler(c, r, Options{Ledger: store})

	body := envelope(textEvent("e1", "tok1", "hello"))
	assertOK(t, postSigned(t, h, body))
	assertOK(t, postSigned(t, h, body))

	if got := c.prompts(); len(got) != 1 {
		t.Errorf("prompts = %v, want one", got)
	}
	if len(r.sent()) != 1 {
		t.Errorf("replies = %d, want 1", len(r.sent()))
	}

	d, err := store.Lookup(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if d.Status != domain.DeliveryReplied {
		t.Errorf("Status = %q, want replied", d.Status)
	}
	if d.SourceID != "U1" {
		t.Errorf("SourceID = %q, want U1", d.SourceID)
	}
	if d.Model != "test-model" {
		t.Errorf("Model = %q, want test-model", d.Model)
	}
}

func TestHandleCallback_DetachedFromClientCancel(t *testing.T) {
	c, r := &stubCompleter{}, &stubReplier{}
	h := newTestHandler(c, r, Options{})

	body := envelope(textEvent("e1", "tok1", "hello"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(body)).WithContext(ctx)
	req.Header.Set(lineapi.SignatureHeader, lineapi.Sign(testSecret, []byte(body)))
	rec := httptest.NewRecorder()

	h.HandleCallback(rec, req)

	assertOK(t, rec)
	if len(c.calls) != 1 || c.calls[0].ctxErr != nil {
		t.Errorf("completion context should outlive the request: %+v", c.calls)
	}
	if len(r.sent()) != 1 {
		t.Errorf("replies = %d, want 1", len(r.sent()))
	}
}

func TestProcess_Summary(t *testing.T) {
	c := &stubCompleter{fn: func(prompt string) (*domain.Completion, error) {
		switch prompt {
		case "fail":
			return nil, errors.New("nope")
		case "blocked":
			return &domain.Completion{BlockReason: "SAFETY"}, nil
		}
		text := prompt
		return &domain.Completion{Text: &text}, nil
	}}
	h := newTestHandler(c, &stubReplier{}, Options{})

	batch := &domain.EventBatch{Events: []domain.Event{
		{ID: "1", Kind: domain.EventKindMessage, MessageKind: domain.MessageKindText, Text: "ok", ReplyToken: "t1"},
		{ID: "2", Kind: domain.EventKindMessage, MessageKind: domain.MessageKindText, Text: "blocked", ReplyToken: "t2"},
		{ID: "3", Kind: domain.EventKindMessage, MessageKind: domain.MessageKindText, Text: "fail", ReplyToken: "t3"},
		{ID: "4", Kind: domain.EventKindFollow, ReplyToken: "t4"},
	}}

	got := h.Process(context.Background(), batch)
	want := Summary{Events: 4, Skipped: 1, Replied: 2, Fallbacks: 1, Failed: 1}
	if got != want {
		t.Errorf("Process() = %+v, want %+v", got, want)
	}

	if sum := h.Process(context.Background(), nil); sum != (Summary{}) {
		t.Errorf("Process(nil) = %+v", sum)
	}
}

func TestGuard(t *testing.T) {
	if err := guard(func() error { return nil }); err != nil {
		t.Errorf("guard() = %v, want nil", err)
	}
	if err := guard(func() error { panic("x") }); err == nil || !strings.Contains(err.Error(), "panic") {
		t.Errorf("guard() = %v, want panic error", err)
	}
}

// logEntries decodes JSON log lines, keyed by message.
func logEntries(t *testing.T, buf *bytes.Buffer) map[string]map[string]any {
	t.Helper()
	entries := make(map[string]map[string]any)
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		entries[entry["msg"].(string)] = entry
	}
	return entries
}

func newLoggedEndpoint(h *Handler, logger *slog.Logger) http.Handler {
	return server.RequestIDMiddleware(server.LoggingMiddleware(logger)(http.HandlerFunc(h.HandleCallback)))
}

func TestHandleCallback_LogsUpstreamFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	c := &stubCompleter{fn: func(string) (*domain.Completion, error) {
		return nil, domain.NewAPIError(domain.ErrorTypeRateLimit, "quota exhausted").
			WithStatusCode(http.StatusTooManyRequests).
			WithSource(domain.SourceGemini)
	}}
	store := memory.New(time.Hour)
	h := newTestHandler(c, &stubReplier{}, Options{Logger: logger, Ledger: store})

	body := envelope(textEvent("e1", "tok1", "hello"))
	req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(body))
	req.Header.Set(lineapi.SignatureHeader, lineapi.Sign(testSecret, []byte(body)))
	rec := httptest.NewRecorder()
	newLoggedEndpoint(h, logger).ServeHTTP(rec, req)

	assertOK(t, rec)
	entries := logEntries(t, &buf)

	failed, ok := entries["event not relayed"]
	if !ok {
		t.Fatalf("no failure log in %s", buf.String())
	}
	if failed["temporary"] != true {
		t.Errorf("temporary = %v, want true", failed["temporary"])
	}

	access := entries["request completed"]
	if errMsg, _ := access["error"].(string); !strings.Contains(errMsg, "quota exhausted") {
		t.Errorf("access log error = %v", access["error"])
	}

	d, err := store.Lookup(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if d.Status != domain.DeliveryCompletionFailed || !d.Temporary {
		t.Errorf("delivery = %+v, want temporary completion failure", d)
	}
}

func TestHandleCallback_LogsRejection(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := newTestHandler(&stubCompleter{}, &stubReplier{}, Options{Logger: logger})

	body := envelope(textEvent("e1", "tok1", "hello"))
	req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(body))
	req.Header.Set(lineapi.SignatureHeader, lineapi.Sign("other-secret", []byte(body)))
	rec := httptest.NewRecorder()
	newLoggedEndpoint(h, logger).ServeHTTP(rec, req)

	assertOK(t, rec)
	access := logEntries(t, &buf)["request completed"]
	if access["outcome"] != "invalid_signature" {
		t.Errorf("outcome = %v, want invalid_signature", access["outcome"])
	}
	if access["error"] != domain.ErrInvalidSignature.Error() {
		t.Errorf("error = %v, want %q", access["error"], domain.ErrInvalidSignature.Error())
	}
}
