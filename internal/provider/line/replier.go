package line

import (
	"context"
	"errors"
	"net/http"

	lineapi "github.com/tjfontaine/line-gemini-relay/internal/api/line"
)

// MaxTextLength is the longest text message the Messaging API accepts.
const MaxTextLength = 5000

// ReplierOption configures the replier.
type ReplierOption func(*Replier)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) ReplierOption {
	return func(r *Replier) {
		r.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ReplierOption {
	return func(r *Replier) {
		r.httpClient = httpClient
	}
}

// Replier sends a single text message per reply token.
type Replier struct {
	client     *lineapi.Client
	baseURL    string
	httpClient *http.Client
}

// NewReplier creates a replier using a channel access token.
func NewReplier(accessToken string, opts ...ReplierOption) *Replier {
	r := &Replier{}
	for _, opt := range opts {
		opt(r)
	}

	var clientOpts []lineapi.ClientOption
	if r.baseURL != "" {
		clientOpts = append(clientOpts, lineapi.WithBaseURL(r.baseURL))
	}
	if r.httpClient != nil {
		clientOpts = append(clientOpts, lineapi.WithHTTPClient(r.httpClient))
	}

	r.client = lineapi.NewClient(accessToken, clientOpts...)
	return r
}

// Reply sends text to the conversation identified by replyToken. Text longer
// than MaxTextLength characters is truncated.
func (r *Replier) Reply(ctx context.Context, replyToken, text string) error {
	if replyToken == "" {
		return errors.New("empty reply token")
	}
	return r.client.ReplyMessage(ctx, &lineapi.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   []lineapi.TextMessage{lineapi.NewTextMessage(truncate(text, MaxTextLength))},
	})
}

func truncate(s string, max int) string {
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
