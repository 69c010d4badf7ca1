package sensor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bruwbird/openai-response/internal/completion"
	"github.com/bruwbird/openai-response/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	Domain       = "openai_response"
	ServiceInput = "openai_input"
)

// ErrInvalidPayload is returned synchronously for service payloads whose fields
// have the wrong type. No state transition happens.
var ErrInvalidPayload = errors.New("invalid service payload")

// PublishFunc receives every transition together with the sensor's entity id.
type PublishFunc func(entityID string, st State)

// Sensor turns prompts into chat completions and records the outcome.
//
// The mutex only keeps the record consistent in memory. It does not order
// requests: overlapping requests interleave and the last writer wins.
// publishMu keeps publications in the order transitions were applied, so the
// last published state always matches the record.
type Sensor struct {
	cfg     config.Config
	client  completion.Client
	publish PublishFunc
	logger  *zap.SugaredLogger

	clock func() time.Time
	newID func() string

	publishMu sync.Mutex
	mu        sync.Mutex
	state     State

	inflight sync.WaitGroup
}

type Option func(*Sensor)

func WithClock(now func() time.Time) Option {
	return func(s *Sensor) {
		if now != nil {
			s.clock = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Sensor) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func New(
	cfg config.Config,
	client completion.Client,
	publish PublishFunc,
	logger *zap.SugaredLogger,
	opts ...Option,
) (*Sensor, error) {
	if client == nil {
		return nil, errors.New("completion client is required")
	}
	if publish == nil {
		publish = func(string, State) {}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Sensor{
		cfg:     cfg,
		client:  client,
		publish: publish,
		logger:  logger.With("component", "sensor", "entity_id", cfg.EntityID()),
		clock:   time.Now,
		newID:   uuid.NewString,
		state: State{
			Status:    StatusIdle,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Sensor) EntityID() string {
	return s.cfg.EntityID()
}

// State returns a snapshot of the current record.
func (s *Sensor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// StartRequest records the effective parameters and marks the sensor pending.
// Nil or empty overrides fall back to the configured defaults.
func (s *Sensor) StartRequest(model string, prompt *string, instructions *string, maxTokens *int) State {
	if strings.TrimSpace(model) == "" {
		model = s.cfg.Model
	}
	effInstructions := s.cfg.Instructions
	if instructions != nil && *instructions != "" {
		effInstructions = *instructions
	}
	effMaxTokens := s.cfg.MaxTokens
	if maxTokens != nil && *maxTokens > 0 {
		effMaxTokens = *maxTokens
	}
	var effPrompt *string
	if prompt != nil {
		p := *prompt
		effPrompt = &p
	}

	return s.transition(func(st *State) {
		st.Status = StatusPending
		st.Model = model
		st.Prompt = effPrompt
		st.Instructions = effInstructions
		st.MaxTokens = effMaxTokens
		st.ResponseText = ""
		st.Error = ""
		st.ErrorKind = ""
		st.RequestID = s.newID()
	})
}

// CompleteRequest records the response text and marks the sensor done.
func (s *Sensor) CompleteRequest(text string) State {
	return s.transition(func(st *State) {
		st.Status = StatusDone
		st.ResponseText = text
		st.Error = ""
		st.ErrorKind = ""
	})
}

// FailRequest records err and marks the sensor as failed.
func (s *Sensor) FailRequest(err error) State {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return s.transition(func(st *State) {
		st.Status = StatusError
		st.ResponseText = ""
		st.Error = err.Error()
		st.ErrorKind = completion.Kind(err)
	})
}

func (s *Sensor) transition(mutate func(*State)) State {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	mutate(&s.state)
	s.state.UpdatedAt = s.clock()
	snapshot := s.state.clone()
	s.mu.Unlock()

	s.publish(s.cfg.EntityID(), snapshot)
	return snapshot
}

// OnExternalValueChanged starts a request with newValue as the prompt, the
// current model and instructions, and the configured token limit. Empty values
// are ignored. It reports whether a request was started.
func (s *Sensor) OnExternalValueChanged(ctx context.Context, newValue string) bool {
	if newValue == "" {
		return false
	}

	current := s.State()
	instructions := current.Instructions
	maxTokens := s.cfg.MaxTokens

	st := s.StartRequest(current.Model, &newValue, &instructions, &maxTokens)
	s.logger.Infow("request started", requestLogFields(st, "value_changed")...)
	s.dispatch(ctx, st)
	return true
}

// HandleServiceCall extracts {model, prompt, instructions, max_tokens} from
// data, each optional, and starts a request. The completion runs in the
// background; the returned error covers payload decoding only.
func (s *Sensor) HandleServiceCall(ctx context.Context, data map[string]any) error {
	call, err := parseServiceCall(data)
	if err != nil {
		return err
	}

	st := s.StartRequest(call.model, call.prompt, call.instructions, call.maxTokens)
	s.logger.Infow("request started", requestLogFields(st, "service")...)
	s.dispatch(ctx, st)
	return nil
}

// dispatch runs the completion on a worker goroutine. The worker is detached
// from ctx cancellation and is bounded only by the transport timeout.
func (s *Sensor) dispatch(ctx context.Context, st State) {
	req := completion.Request{
		Model:        st.Model,
		Instructions: st.Instructions,
		MaxTokens:    st.MaxTokens,
	}
	if st.Prompt != nil {
		req.Prompt = *st.Prompt
	}
	workerCtx := context.WithoutCancel(ctx)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorw("completion panicked", "request_id", st.RequestID, "panic", r)
				s.FailRequest(fmt.Errorf("completion panicked: %v", r))
			}
		}()

		started := s.clock()
		text, err := s.client.Complete(workerCtx, req)
		latency := s.clock().Sub(started)

		if err != nil {
			s.logFailure(st.RequestID, err, latency)
			s.FailRequest(err)
			return
		}

		s.logger.Infow(
			"response received",
			"request_id", st.RequestID,
			"response_bytes", len(text),
			"latency_ms", latency.Milliseconds(),
		)
		s.CompleteRequest(text)
	}()
}

func (s *Sensor) logFailure(requestID string, err error, latency time.Duration) {
	fields := []any{
		"request_id", requestID,
		"error_kind", completion.Kind(err),
		"latency_ms", latency.Milliseconds(),
		"err", err,
	}
	if errors.Is(err, completion.ErrAuth) {
		s.logger.Errorw("completion failed", append(fields, "hint", "check api_key")...)
		return
	}
	s.logger.Warnw("completion failed", fields...)
}

// Wait blocks until every dispatched completion has finished.
func (s *Sensor) Wait() {
	s.inflight.Wait()
}

func requestLogFields(st State, trigger string) []any {
	promptBytes := 0
	if st.Prompt != nil {
		promptBytes = len(*st.Prompt)
	}
	return []any{
		"request_id", st.RequestID,
		"trigger", trigger,
		"model", st.Model,
		"prompt_bytes", promptBytes,
		"max_tokens", st.MaxTokens,
	}
}
