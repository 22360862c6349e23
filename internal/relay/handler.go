// Package relay implements the LINE webhook endpoint: it verifies a delivery,
// asks the completion service for a reply to every text message, and sends
// the reply back through the reply token.
//
// The endpoint answers 200 "OK" on every path. The platform treats any other
// status as a failed delivery and retries it, which cannot help with a bad
// signature or a malformed body and would repeat replies that already went out.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	lineapi "github.com/tjfontaine/line-gemini-relay/internal/api/line"
	"github.com/tjfontaine/line-gemini-relay/internal/config"
	"github.com/tjfontaine/line-gemini-relay/internal/domain"
	"github.com/tjfontaine/line-gemini-relay/internal/ledger"
	"github.com/tjfontaine/line-gemini-relay/internal/server"
)

const (
	defaultProcessTimeout = 25 * time.Second
	defaultMaxBodyBytes   = 1 << 20
)

// Parser verifies and decodes a webhook body.
type Parser interface {
	VerifyAndParse(body []byte, signature string) (*domain.EventBatch, error)
}

// Completer produces a completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (*domain.Completion, error)
}

// Replier sends text to the conversation behind a reply token.
type Replier interface {
	Reply(ctx context.Context, replyToken, text string) error
}

// Options tunes the handler. Zero values select defaults.
type Options struct {
	// FallbackText is sent when the completion carries no text. Empty selects
	// config.DefaultFallbackText.
	FallbackText string
	// FallbackOnError also sends FallbackText when the completion call fails.
	FallbackOnError bool
	// ProcessTimeout bounds all outbound work for one delivery.
	ProcessTimeout time.Duration
	MaxBodyBytes   int64
	// Ledger, if set, deduplicates redelivered events and records outcomes.
	Ledger ledger.Ledger
	Logger *slog.Logger
}

// Handler is the webhook endpoint. It holds no per-request state and is safe
// for concurrent use.
type Handler struct {
	parser    Parser
	completer Completer
	replier   Replier
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewHandler creates a handler from its three collaborators.
func NewHandler(parser Parser, completer Completer, replier Replier, opts Options) *Handler {
	if opts.FallbackText == "" {
		opts.FallbackText = config.DefaultFallbackText
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = defaultProcessTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		parser:    parser,
		completer: completer,
		replier:   replier,
		opts:      opts,
		logger:    logger,
		tracer:    otel.Tracer("github.com/tjfontaine/line-gemini-relay/internal/relay"),
		now:       time.Now,
	}
}

// HandleCallback serves POST /callback.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	signature := r.Header.Get(lineapi.SignatureHeader)
	if signature == "" {
		// Connectivity probe, not a delivery.
		server.AddLogField(ctx, "outcome", "probe")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		h.reject(ctx, fmt.Errorf("read body: %w", err))
		return
	}

	batch, err := h.parser.VerifyAndParse(body, signature)
	if err != nil {
		h.reject(ctx, err)
		return
	}

	// Replies are worth finishing even if the platform hangs up early.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.ProcessTimeout)
	defer cancel()

	sum := h.Process(pctx, batch)

	server.AddLogField(ctx, "outcome", "processed")
	server.AddLogField(ctx, "events", strconv.Itoa(sum.Events))
	server.AddLogField(ctx, "replied", strconv.Itoa(sum.Replied))
	server.AddLogField(ctx, "failed", strconv.Itoa(sum.Failed))
	server.AddLogField(ctx, "duplicates", strconv.Itoa(sum.Duplicates))
}

func (h *Handler) reject(ctx context.Context, err error) {
	reason := "malformed"
	if errors.Is(err, domain.ErrInvalidSignature) {
		reason = "invalid_signature"
	}
	h.logger.WarnContext(ctx, "webhook rejected",
		slog.String("request_id", server.GetRequestID(ctx)),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	server.AddLogField(ctx, "outcome", reason)
	server.AddError(ctx, err)
}

// Summary counts what happened to a batch.
type Summary struct {
	Events     int
	Skipped    int
	Duplicates int
	Replied    int
	Fallbacks  int
	Failed     int
}

// Process relays every text message of batch, one at a time and in order.
// A failure on one event never stops the others.
func (h *Handler) Process(ctx context.Context, batch *domain.EventBatch) Summary {
	if batch == nil {
		return Summary{}
	}
	sum := Summary{Events: len(batch.Events)}

	for _, evt := range batch.Events {
		if !evt.IsTextMessage() {
			sum.Skipped++
			h.logger.DebugContext(ctx, "event skipped",
				slog.String("request_id", server.GetRequestID(ctx)),
				slog.String("event_id", evt.ID),
				slog.String("type", evt.RawType),
			)
			continue
		}

		if !h.claim(ctx, evt) {
			sum.Duplicates++
			continue
		}

		d := h.relayEvent(ctx, evt)
		h.record(ctx, d)

		switch d.Status {
		case domain.DeliveryReplied:
			sum.Replied++
		case domain.DeliveryFallback:
			sum.Replied++
			sum.Fallbacks++
		default:
			sum.Failed++
		}
	}
	return sum
}

// claim reports whether evt should be processed. Ledger errors fail open.
func (h *Handler) claim(ctx context.Context, evt domain.Event) bool {
	if h.opts.Ledger == nil || evt.ID == "" {
		return true
	}

	ok, err := h.opts.Ledger.Claim(ctx, evt.ID, h.now())
	if err != nil {
		h.logger.WarnContext(ctx, "ledger claim failed",
			slog.String("request_id", server.GetRequestID(ctx)),
			slog.String("event_id", evt.ID),
			slog.String("error", err.Error()),
		)
		return true
	}
	if !ok {
		h.logger.InfoContext(ctx, "duplicate event skipped",
			slog.String("request_id", server.GetRequestID(ctx)),
			slog.String("event_id", evt.ID),
			slog.Bool("redelivery", evt.Redelivery),
		)
	}
	return ok
}

func (h *Handler) relayEvent(ctx context.Context, evt domain.Event) *domain.Delivery {
	d := &domain.Delivery{
		ID:         uuid.New().String(),
		EventID:    evt.ID,
		RequestID:  server.GetRequestID(ctx),
		SourceID:   evt.SourceID,
		ReceivedAt: h.now(),
	}

	ctx, span := h.tracer.Start(ctx, "relay.event", trace.WithAttributes(
		attribute.String("line.event_id", evt.ID),
		attribute.Bool("line.redelivery", evt.Redelivery),
		attribute.Int("prompt.length", len(evt.Text)),
	))
	defer span.End()

	text, err := h.completionText(ctx, evt, d)
	if err != nil {
		span.RecordError(err)
		h.finish(ctx, span, d, domain.DeliveryCompletionFailed, err)
		return d
	}

	err = guard(func() error {
		return h.replier.Reply(ctx, evt.ReplyToken, text)
	})
	if err != nil {
		span.RecordError(err)
		h.finish(ctx, span, d, domain.DeliveryReplyFailed, fmt.Errorf("reply: %w", err))
		return d
	}

	if d.Status == "" {
		d.Status = domain.DeliveryReplied
	}
	h.finish(ctx, span, d, d.Status, nil)
	return d
}

// completionText returns the reply for evt: the completion text, or the
// fallback when the completion has none. d is updated with what was learned.
func (h *Handler) completionText(ctx context.Context, evt domain.Event, d *domain.Delivery) (string, error) {
	var c *domain.Completion
	err := guard(func() error {
		var err error
		c, err = h.completer.Complete(ctx, evt.Text)
		return err
	})
	if err != nil {
		if !h.opts.FallbackOnError {
			return "", fmt.Errorf("complete: %w", err)
		}
		d.Status = domain.DeliveryFallback
		d.Error = err.Error()
		return h.opts.FallbackText, nil
	}

	if c != nil {
		d.Model = c.Model
		d.Usage = c.Usage
	}
	if !c.HasText() {
		d.Status = domain.DeliveryFallback
		return h.opts.FallbackText, nil
	}
	return *c.Text, nil
}

func (h *Handler) finish(ctx context.Context, span trace.Span, d *domain.Delivery, status domain.DeliveryStatus, err error) {
	d.Status = status
	d.CompletedAt = h.now()
	if err != nil {
		d.Error = err.Error()
	}
	span.SetAttributes(attribute.String("relay.status", string(status)))

	attrs := []slog.Attr{
		slog.String("request_id", d.RequestID),
		slog.String("event_id", d.EventID),
		slog.String("status", string(status)),
		slog.String("model", d.Model),
		slog.Int("total_tokens", d.Usage.TotalTokens),
		slog.Duration("duration", d.CompletedAt.Sub(d.ReceivedAt)),
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		attrs = append(attrs, slog.String("error", err.Error()))
		if apiErr, ok := domain.AsAPIError(err); ok {
			d.Temporary = apiErr.Temporary()
			span.SetAttributes(attribute.Bool("relay.error.temporary", d.Temporary))
			attrs = append(attrs, slog.Bool("temporary", d.Temporary))
		}
		server.AddError(ctx, err)
		h.logger.LogAttrs(ctx, slog.LevelError, "event not relayed", attrs...)
		return
	}
	if d.Error != "" {
		attrs = append(attrs, slog.String("error", d.Error))
	}
	h.logger.LogAttrs(ctx, slog.LevelInfo, "event relayed", attrs...)
}

func (h *Handler) record(ctx context.Context, d *domain.Delivery) {
	if h.opts.Ledger == nil {
		return
	}
	if err := h.opts.Ledger.Record(ctx, d); err != nil {
		h.logger.WarnContext(ctx, "ledger record failed",
			slog.String("request_id", d.RequestID),
			slog.String("event_id", d.EventID),
			slog.String("error", err.Error()),
		)
	}
}

// guard runs fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
