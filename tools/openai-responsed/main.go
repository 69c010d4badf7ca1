package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bruwbird/openai-response/internal/completion"
	openaiclient "github.com/bruwbird/openai-response/internal/completion/openai"
	"github.com/bruwbird/openai-response/internal/config"
	"github.com/bruwbird/openai-response/internal/host"
	"github.com/bruwbird/openai-response/internal/httpapi"
	"github.com/bruwbird/openai-response/internal/sensor"
	"github.com/gin-gonic/gin"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	exitOK          = 0
	exitError       = 1
	exitConfigError = 2

	defaultHTTPAddr        = "127.0.0.1:8123"
	defaultStartupTimeout  = 20 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 60 * time.Second

	backendOpenAI   = "openai"
	backendStatic   = "static"
	backendDisabled = "disabled"
)

type flags struct {
	httpAddr       string
	configPath     string
	startupTimeout time.Duration
}

type envConfig struct {
	LogLevel     string `env:"OPENAI_RESPONSE_LOG_LEVEL"`
	Backend      string `env:"OPENAI_RESPONSE_BACKEND"`
	StaticText   string `env:"OPENAI_RESPONSE_STATIC_TEXT"`
	AccessTokens string `env:"OPENAI_RESPONSE_ACCESS_TOKENS"`
	ConfigPath   string `env:"OPENAI_RESPONSE_CONFIG_PATH"`
}

type httpListener struct{ net.Listener }

func main() {
	os.Exit(realMain())
}

func realMain() int {
	fl, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	env, err := parseEnvConfig(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	if fl.configPath == "" {
		fl.configPath = env.ConfigPath
	}

	cfg, err := config.LoadFromEnv(context.Background(), fl.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}

	baseLogger, err := newLogger(env.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	defer func() { _ = baseLogger.Sync() }()

	if err = run(fl, env, cfg, baseLogger); err != nil {
		baseLogger.Error("openai-responsed failed", zap.Error(err))
		if errors.Is(err, config.ErrConfig) {
			return exitConfigError
		}
		return exitError
	}
	return exitOK
}

func parseFlags(args []string, out io.Writer) (flags, error) {
	fs := flag.NewFlagSet("openai-responsed", flag.ContinueOnError)
	fs.SetOutput(out)

	httpAddr := fs.String("http_addr", defaultHTTPAddr, "HTTP listen address")
	configPath := fs.String("config", "", "path to YAML options (or env OPENAI_RESPONSE_CONFIG_PATH)")
	startupTimeout := fs.Duration("startup_timeout", defaultStartupTimeout, "fx startup timeout (e.g. 20s)")

	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}

	if *startupTimeout <= 0 {
		return flags{}, fmt.Errorf("startup_timeout must be > 0, got %s", *startupTimeout)
	}
	if _, _, err := net.SplitHostPort(*httpAddr); err != nil {
		return flags{}, fmt.Errorf("http_addr must be host:port: %w", err)
	}

	return flags{
		httpAddr:       *httpAddr,
		configPath:     strings.TrimSpace(*configPath),
		startupTimeout: *startupTimeout,
	}, nil
}

func parseEnvConfig(ctx context.Context) (envConfig, error) {
	var env envConfig
	if err := envconfig.Process(ctx, &env); err != nil {
		return envConfig{}, fmt.Errorf("process env: %w", err)
	}
	env.LogLevel = strings.TrimSpace(env.LogLevel)
	env.Backend = strings.ToLower(strings.TrimSpace(env.Backend))
	env.StaticText = strings.TrimSpace(env.StaticText)
	env.AccessTokens = strings.TrimSpace(env.AccessTokens)
	env.ConfigPath = strings.TrimSpace(env.ConfigPath)
	return env, nil
}

func run(fl flags, env envConfig, cfg config.Config, baseLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := baseLogger.Sugar().With("component", "openai-responsed")

	client, err := completionClientFromEnv(env, cfg)
	if err != nil {
		return err
	}
	logger.Infow("completion backend", "type", fmt.Sprintf("%T", client))

	lis, err := listenHTTP(ctx, fl.httpAddr)
	if err != nil {
		return err
	}
	defer func() { _ = lis.Close() }()

	if lvl := parseLogLevel(env.LogLevel); lvl <= zapcore.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	app := fx.New(fxOptions(baseLogger, logger, cfg, env, client, lis)...)
	return startAndWait(ctx, app, fl.startupTimeout, logger, fl.httpAddr)
}

func listenHTTP(ctx context.Context, addr string) (net.Listener, error) {
	listenCfg := &net.ListenConfig{}
	lis, err := listenCfg.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("http listen %s: %w", addr, err)
	}
	return lis, nil
}

func completionClientFromEnv(env envConfig, cfg config.Config) (completion.Client, error) {
	switch env.Backend {
	case "", backendOpenAI:
		client, err := openaiclient.New(openaiclient.Config{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrConfig, err)
		}
		return client, nil
	case backendStatic:
		client, err := completion.NewStatic(env.StaticText)
		if err != nil {
			return nil, fmt.Errorf("%w: OPENAI_RESPONSE_STATIC_TEXT: %w", config.ErrConfig, err)
		}
		return client, nil
	case backendDisabled:
		return completion.NewDisabled(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported OPENAI_RESPONSE_BACKEND %q", config.ErrConfig, env.Backend)
	}
}

func fxOptions(
	baseLogger *zap.Logger,
	logger *zap.SugaredLogger,
	cfg config.Config,
	env envConfig,
	client completion.Client,
	lis net.Listener,
) []fx.Option {
	return []fx.Option{
		fx.Supply(baseLogger, logger, cfg, httpListener{Listener: lis}),
		fx.Supply(httpapi.Config{AccessTokens: parseCSVSet(env.AccessTokens)}),
		fx.Provide(func() completion.Client { return client }),
		fx.Provide(
			host.NewServices,
			host.NewStates,
			provideSensor,
			provideAPI,
			provideHTTPServer,
		),
		fx.WithLogger(func() fxevent.Logger { return &fxevent.ZapLogger{Logger: baseLogger} }),
		fx.Invoke(registerSensor),
		fx.Invoke(func(*http.Server) {}),
	}
}

func provideSensor(
	lc fx.Lifecycle,
	cfg config.Config,
	client completion.Client,
	states *host.States,
	logger *zap.SugaredLogger,
) (*sensor.Sensor, error) {
	s, err := sensor.New(cfg, client, sensor.PublishTo(states, cfg.Name), logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			done := make(chan struct{})
			go func() {
				s.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("wait for in-flight completions: %w", ctx.Err())
			}
		},
	})
	return s, nil
}

func registerSensor(lc fx.Lifecycle, s *sensor.Sensor, services *host.Services, states *host.States) error {
	unsubscribe, err := s.Register(services, states)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			unsubscribe()
			return nil
		},
	})
	return nil
}

func provideAPI(
	cfg httpapi.Config,
	services *host.Services,
	states *host.States,
	logger *zap.SugaredLogger,
) (*httpapi.Server, error) {
	return httpapi.New(cfg, services, states, logger)
}

func provideHTTPServer(
	lc fx.Lifecycle,
	lis httpListener,
	api *httpapi.Server,
	cfg config.Config,
	logger *zap.SugaredLogger,
) *http.Server {
	srv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Serve(lis.Listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Errorw("http server stopped", "err", err)
				}
			}()
			logger.Infow("sensor ready", "entity_id", cfg.EntityID(), "input_entity", cfg.InputEntity)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return srv
}

func startAndWait(
	ctx context.Context,
	app *fx.App,
	startupTimeout time.Duration,
	logger *zap.SugaredLogger,
	httpAddr string,
) error {
	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("fx start: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer stopCancel()
		if err := app.Stop(stopCtx); err != nil {
			logger.Warnw("fx stop", "err", err)
		}
	}()

	logger.Infow("http listening", "addr", httpAddr)
	<-ctx.Done()
	logger.Info("shutdown signal received")

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func parseCSVSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(s, ",") {
		v := strings.TrimSpace(part)
		if v == "" {
			continue
		}
		out[v] = struct{}{}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseLogLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLogLevel(level))
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
