package sensor

import (
	"context"
	"fmt"

	"github.com/bruwbird/openai-response/internal/host"
)

type ServiceRegistry interface {
	Register(domain, service string, handler host.ServiceHandler) error
}

type StateSubscriber interface {
	Subscribe(entityID string, handler host.StateChangeHandler) func()
}

type StateWriter interface {
	Set(entityID, state string, attrs map[string]any) host.State
}

// Register exposes the input service and starts following the configured
// input entity. The returned func stops following it.
func (s *Sensor) Register(services ServiceRegistry, states StateSubscriber) (func(), error) {
	if err := services.Register(Domain, ServiceInput, s.HandleServiceCall); err != nil {
		return nil, fmt.Errorf("register %s.%s: %w", Domain, ServiceInput, err)
	}

	unsubscribe := states.Subscribe(s.cfg.InputEntity, func(entityID string, _, newState *host.State) {
		if newState == nil {
			return
		}
		s.logger.Debugw("input changed", "input_entity", entityID)
		s.OnExternalValueChanged(context.Background(), newState.State)
	})

	s.logger.Infow(
		"sensor registered",
		"service", Domain+"."+ServiceInput,
		"input_entity", s.cfg.InputEntity,
		"model", s.cfg.Model,
		"max_tokens", s.cfg.MaxTokens,
	)
	return unsubscribe, nil
}

// PublishTo writes every transition into states under the sensor's entity id.
func PublishTo(states StateWriter, friendlyName string) PublishFunc {
	return func(entityID string, st State) {
		attrs := st.Attributes()
		attrs[AttrFriendlyName] = friendlyName
		states.Set(entityID, st.Value(), attrs)
	}
}
