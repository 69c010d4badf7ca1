package completion

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Static returns a fixed text for every valid request and records what it was asked.
type Static struct {
	Text string

	mu       sync.Mutex
	requests []Request
}

func NewStatic(text string) (*Static, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("static response text is empty")
	}
	return &Static{Text: text}, nil
}

func (c *Static) Complete(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	return c.Text, nil
}

// Requests returns a copy of every request accepted so far.
func (c *Static) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.requests...)
}

var _ Client = (*Static)(nil)
