package host

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrServiceExists   = errors.New("service already registered")
	ErrServiceNotFound = errors.New("service not found")
)

// ServiceHandler handles one invocation of a registered service. data is the
// caller's payload; fields are loosely typed.
type ServiceHandler func(ctx context.Context, data map[string]any) error

type serviceKey struct {
	domain  string
	service string
}

// Services is the dispatch table for named, externally invocable operations.
type Services struct {
	mu       sync.RWMutex
	handlers map[serviceKey]ServiceHandler
	logger   *zap.SugaredLogger
}

func NewServices(logger *zap.SugaredLogger) *Services {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Services{
		handlers: make(map[serviceKey]ServiceHandler),
		logger:   logger.With("component", "services"),
	}
}

func (s *Services) Register(domain, service string, handler ServiceHandler) error {
	key, err := newServiceKey(domain, service)
	if err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("service %s: handler is nil", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handlers[key]; exists {
		return fmt.Errorf("%w: %s", ErrServiceExists, key)
	}
	s.handlers[key] = handler
	s.logger.Debugw("service registered", "service", key.String())
	return nil
}

func (s *Services) Call(ctx context.Context, domain, service string, data map[string]any) error {
	key, err := newServiceKey(domain, service)
	if err != nil {
		return err
	}

	s.mu.RLock()
	handler, ok := s.handlers[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, key)
	}

	if data == nil {
		data = map[string]any{}
	}
	s.logger.Debugw("service call", "service", key.String(), "fields", len(data))
	return handler(ctx, data)
}

// List returns the registered services as sorted "domain.service" names.
func (s *Services) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.handlers))
	for key := range s.handlers {
		out = append(out, key.String())
	}
	slices.Sort(out)
	return out
}

func newServiceKey(domain, service string) (serviceKey, error) {
	key := serviceKey{
		domain:  strings.TrimSpace(domain),
		service: strings.TrimSpace(service),
	}
	if key.domain == "" || key.service == "" {
		return serviceKey{}, fmt.Errorf("%w: domain and service are required", ErrServiceNotFound)
	}
	return key, nil
}

func (k serviceKey) String() string {
	return k.domain + "." + k.service
}
