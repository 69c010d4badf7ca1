package sensor

import (
	"fmt"

	"github.com/bruwbird/openai-response/internal/config"
	"github.com/spf13/cast"
)

type serviceCall struct {
	model        string
	prompt       *string
	instructions *string
	maxTokens    *int
}

func parseServiceCall(data map[string]any) (serviceCall, error) {
	var call serviceCall

	model, err := optionalString(data, AttrModel)
	if err != nil {
		return serviceCall{}, err
	}
	if model != nil {
		call.model = *model
	}

	if call.prompt, err = optionalString(data, AttrPrompt); err != nil {
		return serviceCall{}, err
	}
	if call.instructions, err = optionalString(data, AttrInstructions); err != nil {
		return serviceCall{}, err
	}

	if raw, ok := data[AttrMaxTokens]; ok && raw != nil {
		n, tokErr := config.PositiveInt(raw)
		if tokErr != nil {
			return serviceCall{}, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, AttrMaxTokens, tokErr)
		}
		call.maxTokens = &n
	}

	return call, nil
}

func optionalString(data map[string]any, name string) (*string, error) {
	raw, ok := data[name]
	if !ok || raw == nil {
		return nil, nil
	}
	switch raw.(type) {
	case map[string]any, []any:
		return nil, fmt.Errorf("%w: %s must be a string", ErrInvalidPayload, name)
	}
	s, err := cast.ToStringE(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a string: %w", ErrInvalidPayload, name, err)
	}
	return &s, nil
}
