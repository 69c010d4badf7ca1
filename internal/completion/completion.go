package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRequest indicates the request cannot be sent as given (empty prompt, missing model, bad limits).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrAuth indicates missing/invalid credentials for the provider.
	ErrAuth = errors.New("authentication failed")

	// ErrTransport indicates a transient failure (network, 429, 5xx, timeouts, etc).
	ErrTransport = errors.New("transport failure")

	// ErrMalformedResponse indicates the provider answered without a usable choice.
	ErrMalformedResponse = errors.New("malformed response")
)

// Request is a single two-message chat completion: a system message followed by a user message.
type Request struct {
	Model        string
	Instructions string
	Prompt       string
	MaxTokens    int
}

type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Validate reports ErrInvalidRequest for requests no provider would accept.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if r.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be > 0, got %d", ErrInvalidRequest, r.MaxTokens)
	}
	return nil
}

// Kind returns a stable label for the class of err, suitable for state attributes and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Disabled is a client that always fails. It is used when no backend is configured.
type Disabled struct{}

func NewDisabled() *Disabled {
	return &Disabled{}
}

func (c *Disabled) Complete(context.Context, Request) (string, error) {
	return "", fmt.Errorf("%w: completion backend is disabled", ErrTransport)
}

var _ Client = (*Disabled)(nil)
