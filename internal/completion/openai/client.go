package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bruwbird/openai-response/internal/completion"
	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultBaseURL     = "https://api.openai.com/v1"

	maxUpstreamErrorMessageBytes = 1024
)

type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// Client sends chat completions to an OpenAI-compatible endpoint.
// Retries are disabled; a failed call is reported to the caller as is.
type Client struct {
	client  openai.Client
	baseURL string
}

func New(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api key is required", completion.ErrAuth)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/v1"
	}

	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	)

	return &Client{
		client:  client,
		baseURL: baseURL,
	}, nil
}

// BaseURL returns the normalized endpoint root, always ending in /v1.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Complete(ctx context.Context, req completion.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	params := openai.ChatCompletionNewParams{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.Instructions),
			openai.UserMessage(req.Prompt),
		},
		MaxTokens: openai.Int(int64(req.MaxTokens)),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", mapAPIError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", completion.ErrMalformedResponse)
	}

	return resp.Choices[0].Message.Content, nil
}

func mapAPIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := truncate(strings.TrimSpace(apiErr.Message))
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}

		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: http %d: %s", completion.ErrAuth, apiErr.StatusCode, msg)
		case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: http %d: %s", completion.ErrInvalidRequest, apiErr.StatusCode, msg)
		default:
			return fmt.Errorf("%w: http %d: %s", completion.ErrTransport, apiErr.StatusCode, msg)
		}
	}

	if isTransportFailure(err) {
		return fmt.Errorf("%w: request failed: %w", completion.ErrTransport, err)
	}
	return fmt.Errorf("%w: decode response: %w", completion.ErrMalformedResponse, err)
}

func isTransportFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func truncate(msg string) string {
	if len(msg) <= maxUpstreamErrorMessageBytes {
		return msg
	}
	cut := maxUpstreamErrorMessageBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "…"
}

var _ completion.Client = (*Client)(nil)
