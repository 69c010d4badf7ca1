package host_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bruwbird/openai-response/internal/host"
	"github.com/google/go-cmp/cmp"
)

func TestServices_RegisterAndCall(t *testing.T) {
	t.Parallel()

	services := host.NewServices(nil)

	var got map[string]any
	err := services.Register("openai_response", "openai_input", func(_ context.Context, data map[string]any) error {
		got = data
		return nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err = services.Call(context.Background(), "openai_response", "openai_input", map[string]any{"prompt": "hi"}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"prompt": "hi"}, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}

	if err = services.Call(context.Background(), "openai_response", "openai_input", nil); err != nil {
		t.Fatalf("Call(nil): %v", err)
	}
	if diff := cmp.Diff(map[string]any{}, got); diff != "" {
		t.Fatalf("nil payload must become empty map (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"openai_response.openai_input"}, services.List()); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}
}

func TestServices_Errors(t *testing.T) {
	t.Parallel()

	services := host.NewServices(nil)
	noop := func(context.Context, map[string]any) error { return nil }

	if err := services.Register("d", "s", noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := services.Register("d", "s", noop); !errors.Is(err, host.ErrServiceExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := services.Register("d", "t", nil); err == nil {
		t.Fatalf("Register(nil handler): expected error")
	}
	if err := services.Call(context.Background(), "d", "missing", nil); !errors.Is(err, host.ErrServiceNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}

	wantErr := errors.New("handler failed")
	if err := services.Register("d", "fails", func(context.Context, map[string]any) error { return wantErr }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := services.Call(context.Background(), "d", "fails", nil); !errors.Is(err, wantErr) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestStates_SetNotifiesSubscribers(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	states := host.NewStatesWithClock(nil, func() time.Time { return now })

	type change struct {
		Old *host.State
		New *host.State
	}
	var changes []change
	unsubscribe := states.Subscribe("input_text.gpt_input", func(entityID string, oldState, newState *host.State) {
		if entityID != "input_text.gpt_input" {
			t.Errorf("unexpected entity id %q", entityID)
		}
		changes = append(changes, change{Old: oldState, New: newState})
	})

	states.Set("input_text.gpt_input", "hello", nil)
	now = now.Add(time.Minute)
	states.Set("input_text.gpt_input", "hello", map[string]any{"k": "v"})
	now = now.Add(time.Minute)
	states.Set("input_text.gpt_input", "hello", map[string]any{"k": "v"})
	states.Set("input_text.other", "ignored", nil)

	first := host.State{
		EntityID:    "input_text.gpt_input",
		State:       "hello",
		Attributes:  map[string]any{},
		LastChanged: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		LastUpdated: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	second := host.State{
		EntityID:    "input_text.gpt_input",
		State:       "hello",
		Attributes:  map[string]any{"k": "v"},
		LastChanged: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		LastUpdated: time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC),
	}
	want := []change{
		{Old: nil, New: &first},
		{Old: &first, New: &second},
	}
	if diff := cmp.Diff(want, changes); diff != "" {
		t.Fatalf("changes mismatch (-want +got):\n%s", diff)
	}

	unsubscribe()
	states.Set("input_text.gpt_input", "again", nil)
	if len(changes) != 2 {
		t.Fatalf("handler must not run after unsubscribe, got %d changes", len(changes))
	}
}

func TestStates_RepeatedWriteIsNoop(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	states := host.NewStatesWithClock(nil, func() time.Time { return now })

	var calls int
	states.Subscribe("input_text.gpt_input", func(string, *host.State, *host.State) { calls++ })

	first := states.Set("input_text.gpt_input", "What is 2+2?", nil)
	now = now.Add(time.Minute)
	again := states.Set("input_text.gpt_input", "What is 2+2?", map[string]any{})

	if calls != 1 {
		t.Fatalf("subscriber calls: got %d, want 1", calls)
	}
	if diff := cmp.Diff(first, again); diff != "" {
		t.Fatalf("repeated write changed the state (-want +got):\n%s", diff)
	}
	got, ok := states.Get("input_text.gpt_input")
	if !ok {
		t.Fatalf("state missing")
	}
	if diff := cmp.Diff(first, got); diff != "" {
		t.Fatalf("stored state mismatch (-want +got):\n%s", diff)
	}
}

func TestStates_GetAndAll(t *testing.T) {
	t.Parallel()

	states := host.NewStates(nil)
	if _, ok := states.Get("sensor.x"); ok {
		t.Fatalf("Get: expected missing entity")
	}

	states.Set("sensor.b", "1", nil)
	states.Set("sensor.a", "2", map[string]any{"x": 1})

	got, ok := states.Get("sensor.a")
	if !ok {
		t.Fatalf("Get: entity missing")
	}
	got.Attributes["x"] = 2
	again, _ := states.Get("sensor.a")
	if diff := cmp.Diff(1, again.Attributes["x"]); diff != "" {
		t.Fatalf("Get must return a copy (-want +got):\n%s", diff)
	}

	ids := make([]string, 0, 2)
	for _, st := range states.All() {
		ids = append(ids, st.EntityID)
	}
	if diff := cmp.Diff([]string{"sensor.a", "sensor.b"}, ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
}
