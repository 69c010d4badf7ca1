package sensor

import "time"

type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Published primary values. Idle is never published.
const (
	ValueRequesting       = "requesting"
	ValueResponseReceived = "response_received"
	ValueError            = "error"
)

// Attribute names attached to every published state.
const (
	AttrResponseText = "response_text"
	AttrInstructions = "instructions"
	AttrPrompt       = "prompt"
	AttrModel        = "model"
	AttrMaxTokens    = "max_tokens"
	AttrRequestID    = "request_id"
	AttrFriendlyName = "friendly_name"
	AttrError        = "error"
	AttrErrorKind    = "error_kind"
)

// State is the sensor record. Prompt is nil when the request carried none.
type State struct {
	Status       Status
	Model        string
	Prompt       *string
	Instructions string
	MaxTokens    int
	ResponseText string

	Error     string
	ErrorKind string

	RequestID string
	UpdatedAt time.Time
}

// Value maps the status to the published primary value.
func (s State) Value() string {
	switch s.Status {
	case StatusPending:
		return ValueRequesting
	case StatusDone:
		return ValueResponseReceived
	case StatusError:
		return ValueError
	default:
		return ""
	}
}

// Attributes returns the side-channel data published with Value.
func (s State) Attributes() map[string]any {
	var prompt any
	if s.Prompt != nil {
		prompt = *s.Prompt
	}

	attrs := map[string]any{
		AttrResponseText: s.ResponseText,
		AttrInstructions: s.Instructions,
		AttrPrompt:       prompt,
		AttrModel:        s.Model,
		AttrMaxTokens:    s.MaxTokens,
		AttrRequestID:    s.RequestID,
	}
	if s.Status == StatusError {
		attrs[AttrError] = s.Error
		attrs[AttrErrorKind] = s.ErrorKind
	}
	return attrs
}

func (s State) clone() State {
	if s.Prompt != nil {
		p := *s.Prompt
		s.Prompt = &p
	}
	return s
}
