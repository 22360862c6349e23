package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/line-gemini-relay/internal/domain"
)

// SignatureHeader carries the body signature on webhook deliveries.
const SignatureHeader = "X-Line-Signature"

// Sign returns the base64 HMAC-SHA256 of body keyed by channelSecret.
func Sign(channelSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateSignature reports whether signature matches body.
func ValidateSignature(channelSecret, signature string, body []byte) bool {
	decoded, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	return hmac.Equal(decoded, mac.Sum(nil))
}

// ParseCallback verifies body against signature and decodes it. The
// returned error wraps domain.ErrInvalidSignature or domain.ErrMalformedBody.
func ParseCallback(channelSecret, signature string, body []byte) (*CallbackRequest, error) {
	if !ValidateSignature(channelSecret, signature, body) {
		return nil, domain.ErrInvalidSignature
	}

	var raw struct {
		Destination string           `json:"destination"`
		Events      *json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedBody, err)
	}
	if raw.Events == nil {
		return nil, fmt.Errorf("%w: missing events", domain.ErrMalformedBody)
	}

	cb := &CallbackRequest{Destination: raw.Destination}
	if err := json.Unmarshal(*raw.Events, &cb.Events); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedBody, err)
	}
	return cb, nil
}
