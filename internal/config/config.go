package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// ErrConfig marks a bad or missing static option. It is fatal at startup.
var ErrConfig = errors.New("invalid configuration")

// Option names accepted by Load.
const (
	OptAPIKey         = "api_key"
	OptName           = "name"
	OptModel          = "model"
	OptInstructions   = "instructions"
	OptMaxTokens      = "max_tokens"
	OptBaseURL        = "base_url"
	OptInputEntity    = "input_entity"
	OptRequestTimeout = "request_timeout"
)

const (
	DefaultName           = "hassio_openai_response"
	DefaultModel          = "gpt-3.5-turbo"
	DefaultInstructions   = "You are a helpful assistant"
	DefaultMaxTokens      = 350
	DefaultInputEntity    = "input_text.gpt_input"
	DefaultRequestTimeout = 30 * time.Second
)

type Config struct {
	APIKey       string
	Name         string
	Model        string
	Instructions string
	MaxTokens    int

	BaseURL        string
	InputEntity    string
	RequestTimeout time.Duration
}

// EntityID is the id the sensor publishes its state under.
func (c Config) EntityID() string {
	return "sensor." + c.Name
}

// Load validates an option map and fills defaults. Unknown keys are ignored.
func Load(options map[string]any) (Config, error) {
	cfg := Config{
		Name:           DefaultName,
		Model:          DefaultModel,
		Instructions:   DefaultInstructions,
		MaxTokens:      DefaultMaxTokens,
		InputEntity:    DefaultInputEntity,
		RequestTimeout: DefaultRequestTimeout,
	}

	apiKey, err := optionalString(options, OptAPIKey)
	if err != nil {
		return Config{}, err
	}
	if apiKey == "" {
		return Config{}, fmt.Errorf("%w: %s is required", ErrConfig, OptAPIKey)
	}
	cfg.APIKey = apiKey

	for name, dst := range map[string]*string{
		OptName:         &cfg.Name,
		OptModel:        &cfg.Model,
		OptInstructions: &cfg.Instructions,
		OptBaseURL:      &cfg.BaseURL,
		OptInputEntity:  &cfg.InputEntity,
	} {
		v, strErr := optionalString(options, name)
		if strErr != nil {
			return Config{}, strErr
		}
		if v != "" {
			*dst = v
		}
	}

	if raw, ok := options[OptMaxTokens]; ok && raw != nil {
		n, tokErr := PositiveInt(raw)
		if tokErr != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrConfig, OptMaxTokens, tokErr)
		}
		cfg.MaxTokens = n
	}

	if raw, ok := options[OptRequestTimeout]; ok && raw != nil {
		d, durErr := duration(raw)
		if durErr != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrConfig, OptRequestTimeout, durErr)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("%w: %s must be > 0, got %s", ErrConfig, OptRequestTimeout, d)
		}
		cfg.RequestTimeout = d
	}

	return cfg, nil
}

// PositiveInt coerces ints, integral floats and base-10 strings to a positive int.
func PositiveInt(raw any) (int, error) {
	switch v := raw.(type) {
	case bool:
		return 0, fmt.Errorf("expected a positive integer, got %v", v)
	case float32:
		return positiveFromFloat(float64(v))
	case float64:
		return positiveFromFloat(v)
	case string:
		// cast parses with base 0; option strings are always decimal.
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected a positive integer, got %q", v)
		}
		return positiveFromInt64(n)
	}

	n, err := cast.ToInt64E(raw)
	if err != nil {
		return 0, fmt.Errorf("expected a positive integer, got %v", raw)
	}
	return positiveFromInt64(n)
}

func positiveFromInt64(n int64) (int, error) {
	if n <= 0 || n > math.MaxInt32 {
		return 0, fmt.Errorf("expected a positive integer, got %d", n)
	}
	return int(n), nil
}

func positiveFromFloat(f float64) (int, error) {
	if f != math.Trunc(f) || f <= 0 || f > math.MaxInt32 {
		return 0, fmt.Errorf("expected a positive integer, got %v", f)
	}
	return int(f), nil
}

// duration accepts Go duration strings; bare numbers are seconds.
func duration(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case int, int64, float64:
		secs, err := cast.ToFloat64E(v)
		if err != nil {
			return 0, err
		}
		return time.Duration(secs * float64(time.Second)), nil
	case string:
		return time.ParseDuration(strings.TrimSpace(v))
	default:
		return cast.ToDurationE(raw)
	}
}

func optionalString(options map[string]any, name string) (string, error) {
	raw, ok := options[name]
	if !ok || raw == nil {
		return "", nil
	}
	s, err := cast.ToStringE(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %s must be a string: %w", ErrConfig, name, err)
	}
	return strings.TrimSpace(s), nil
}

// LoadFile reads a YAML mapping of options. An empty path yields an empty map.
func LoadFile(path string) (map[string]any, error) {
	options := map[string]any{}
	if strings.TrimSpace(path) == "" {
		return options, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config %q: %w", ErrConfig, path, err)
	}
	if err = yaml.Unmarshal(data, &options); err != nil {
		return nil, fmt.Errorf("%w: parse config %q: %w", ErrConfig, path, err)
	}
	if options == nil {
		options = map[string]any{}
	}
	return options, nil
}

type envConfig struct {
	APIKey         string `env:"OPENAI_RESPONSE_API_KEY"`
	APIKeyFallback string `env:"OPENAI_API_KEY"`
	Name           string `env:"OPENAI_RESPONSE_NAME"`
	Model          string `env:"OPENAI_RESPONSE_MODEL"`
	Instructions   string `env:"OPENAI_RESPONSE_INSTRUCTIONS"`
	MaxTokens      string `env:"OPENAI_RESPONSE_MAX_TOKENS"`
	BaseURL        string `env:"OPENAI_RESPONSE_BASE_URL"`
	InputEntity    string `env:"OPENAI_RESPONSE_INPUT_ENTITY"`
	RequestTimeout string `env:"OPENAI_RESPONSE_REQUEST_TIMEOUT"`
}

// LoadFromEnv reads the YAML file at path (if any), overlays OPENAI_RESPONSE_* variables, then validates.
func LoadFromEnv(ctx context.Context, path string) (Config, error) {
	options, err := LoadFile(path)
	if err != nil {
		return Config{}, err
	}

	var env envConfig
	if err = envconfig.Process(ctx, &env); err != nil {
		return Config{}, fmt.Errorf("%w: process env: %w", ErrConfig, err)
	}

	apiKey := strings.TrimSpace(env.APIKey)
	if apiKey == "" {
		if _, set := options[OptAPIKey]; !set {
			apiKey = strings.TrimSpace(env.APIKeyFallback)
		}
	}

	for name, v := range map[string]string{
		OptAPIKey:         apiKey,
		OptName:           env.Name,
		OptModel:          env.Model,
		OptInstructions:   env.Instructions,
		OptMaxTokens:      env.MaxTokens,
		OptBaseURL:        env.BaseURL,
		OptInputEntity:    env.InputEntity,
		OptRequestTimeout: env.RequestTimeout,
	} {
		if v = strings.TrimSpace(v); v != "" {
			options[name] = v
		}
	}

	return Load(options)
}
