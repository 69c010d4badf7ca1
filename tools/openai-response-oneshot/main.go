package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bruwbird/openai-response/internal/completion"
	openaiclient "github.com/bruwbird/openai-response/internal/completion/openai"
	"github.com/bruwbird/openai-response/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	defaultTimeout = 30 * time.Second
	maxStdinBytes  = 1 << 20
)

var errPromptEmpty = errors.New("prompt is empty")

type runOptions struct {
	Model        string
	Instructions string
	MaxTokens    int
	BaseURL      string
	Timeout      time.Duration
	OutputJSON   bool
}

type summary struct {
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
	Prompt       string `json:"prompt"`
	MaxTokens    int    `json:"max_tokens"`
	ResponseText string `json:"response_text"`
	LatencyMS    int64  `json:"latency_ms"`
}

type clientFactory func(cfg config.Config) (completion.Client, error)

func main() {
	if err := newRootCmd(os.Stdin, newOpenAIClient).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newOpenAIClient(cfg config.Config) (completion.Client, error) {
	return openaiclient.New(openaiclient.Config{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
	})
}

func newRootCmd(stdin io.Reader, newClient clientFactory) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:           "openai-response-oneshot [prompt...]",
		Short:         "Send one prompt to the chat completion API and print the reply.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(args, stdin)
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts, prompt, newClient, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Model, "model", config.DefaultModel, "chat model id")
	f.StringVar(&opts.Instructions, "instructions", config.DefaultInstructions, "system instructions")
	f.IntVar(&opts.MaxTokens, "max-tokens", config.DefaultMaxTokens, "maximum tokens to generate")
	f.StringVar(&opts.BaseURL, "base-url", "", "OpenAI-compatible endpoint (default https://api.openai.com/v1)")
	f.DurationVar(&opts.Timeout, "timeout", defaultTimeout, "request timeout")
	f.BoolVar(&opts.OutputJSON, "json", false, "print a JSON summary instead of the reply text")

	return cmd
}

// readPrompt joins args, or reads piped stdin when no args are given.
func readPrompt(args []string, stdin io.Reader) (string, error) {
	if prompt := strings.TrimSpace(strings.Join(args, " ")); prompt != "" {
		return prompt, nil
	}

	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "", errPromptEmpty
	}
	if stdin == nil {
		return "", errPromptEmpty
	}

	data, err := io.ReadAll(io.LimitReader(stdin, maxStdinBytes))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errPromptEmpty
	}
	return prompt, nil
}

func run(
	ctx context.Context,
	opts runOptions,
	prompt string,
	newClient clientFactory,
	out io.Writer,
) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(map[string]any{
		config.OptAPIKey:         os.Getenv("OPENAI_API_KEY"),
		config.OptModel:          opts.Model,
		config.OptInstructions:   opts.Instructions,
		config.OptMaxTokens:      opts.MaxTokens,
		config.OptBaseURL:        opts.BaseURL,
		config.OptRequestTimeout: opts.Timeout.String(),
	})
	if err != nil {
		return err
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	started := time.Now()
	text, err := client.Complete(ctx, completion.Request{
		Model:        cfg.Model,
		Instructions: cfg.Instructions,
		Prompt:       prompt,
		MaxTokens:    cfg.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", completion.Kind(err), err)
	}

	if !opts.OutputJSON {
		_, err = fmt.Fprintln(out, text)
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary{
		Model:        cfg.Model,
		Instructions: cfg.Instructions,
		Prompt:       prompt,
		MaxTokens:    cfg.MaxTokens,
		ResponseText: text,
		LatencyMS:    time.Since(started).Milliseconds(),
	})
}
