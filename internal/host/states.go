package host

import (
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the externally observable value of one entity.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// StateChangeHandler is called after an entity's state is written. oldState is
// nil the first time the entity is written.
type StateChangeHandler func(entityID string, oldState, newState *State)

type subscription struct {
	id      uint64
	handler StateChangeHandler
}

// States stores entity states and notifies per-entity subscribers on every write.
type States struct {
	mu     sync.RWMutex
	states map[string]State
	subs   map[string][]subscription
	nextID uint64
	clock  func() time.Time
	logger *zap.SugaredLogger
}

func NewStates(logger *zap.SugaredLogger) *States {
	return NewStatesWithClock(logger, time.Now)
}

func NewStatesWithClock(logger *zap.SugaredLogger, now func() time.Time) *States {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if now == nil {
		now = time.Now
	}
	return &States{
		states: make(map[string]State),
		subs:   make(map[string][]subscription),
		clock:  now,
		logger: logger.With("component", "states"),
	}
}

// Set writes the entity state and runs subscribers synchronously on the caller's goroutine.
// Writing the same state and attributes again is a no-op: nothing is stored
// and no subscriber runs.
func (s *States) Set(entityID, state string, attrs map[string]any) State {
	entityID = strings.TrimSpace(entityID)

	s.mu.Lock()
	now := s.clock()
	next := State{
		EntityID:    entityID,
		State:       state,
		Attributes:  maps.Clone(attrs),
		LastChanged: now,
		LastUpdated: now,
	}
	if next.Attributes == nil {
		next.Attributes = map[string]any{}
	}

	var prev *State
	if old, ok := s.states[entityID]; ok {
		if old.State == state && reflect.DeepEqual(old.Attributes, next.Attributes) {
			s.mu.Unlock()
			return cloneState(old)
		}
		prev = &old
		if old.State == state {
			next.LastChanged = old.LastChanged
		}
	}
	s.states[entityID] = next
	handlers := make([]StateChangeHandler, 0, len(s.subs[entityID]))
	for _, sub := range s.subs[entityID] {
		handlers = append(handlers, sub.handler)
	}
	s.mu.Unlock()

	s.logger.Debugw("state written", "entity_id", entityID, "state", state, "subscribers", len(handlers))

	for _, h := range handlers {
		newState := cloneState(next)
		var oldState *State
		if prev != nil {
			c := cloneState(*prev)
			oldState = &c
		}
		h(entityID, oldState, &newState)
	}
	return cloneState(next)
}

func (s *States) Get(entityID string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[strings.TrimSpace(entityID)]
	if !ok {
		return State{}, false
	}
	return cloneState(st), true
}

// All returns every known state ordered by entity id.
func (s *States) All() []State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]State, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneState(s.states[id]))
	}
	return out
}

// Subscribe registers handler for writes to entityID. The returned func removes it.
func (s *States) Subscribe(entityID string, handler StateChangeHandler) func() {
	entityID = strings.TrimSpace(entityID)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.subs[entityID] = append(s.subs[entityID], subscription{id: id, handler: handler})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.subs[entityID] = slices.DeleteFunc(s.subs[entityID], func(sub subscription) bool {
			return sub.id == id
		})
		if len(s.subs[entityID]) == 0 {
			delete(s.subs, entityID)
		}
	}
}

func cloneState(st State) State {
	st.Attributes = maps.Clone(st.Attributes)
	return st
}
