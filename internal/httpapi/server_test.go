package httpapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bruwbird/openai-response/internal/completion"
	"github.com/bruwbird/openai-response/internal/config"
	"github.com/bruwbird/openai-response/internal/host"
	httpapi "github.com/bruwbird/openai-response/internal/httpapi"
	"github.com/bruwbird/openai-response/internal/sensor"
	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
)

type testEnv struct {
	handler http.Handler
	sensor  *sensor.Sensor
	client  *completion.Static
}

func newTestEnv(t *testing.T, cfg httpapi.Config) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sensorCfg, err := config.Load(map[string]any{"api_key": "k"})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	client, err := completion.NewStatic("Hello!")
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	services := host.NewServices(nil)
	states := host.NewStates(nil)
	s, err := sensor.New(sensorCfg, client, sensor.PublishTo(states, sensorCfg.Name), nil)
	if err != nil {
		t.Fatalf("sensor.New: %v", err)
	}
	unsubscribe, err := s.Register(services, states)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(func() {
		unsubscribe()
		s.Wait()
	})

	srv, err := httpapi.New(cfg, services, states, nil)
	if err != nil {
		t.Fatalf("httpapi.New() error: %v", err)
	}
	return testEnv{handler: srv.Handler(), sensor: s, client: client}
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) host.State {
	t.Helper()

	var st host.State
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode state: %v (body=%s)", err, rec.Body.String())
	}
	return st
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, httpapi.Config{})

	rec := doRequest(t, env.handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusOK)
	}
	if diff := cmp.Diff("ok\n", rec.Body.String()); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestServiceCall_DrivesSensor(t *testing.T) {
	env := newTestEnv(t, httpapi.Config{})

	rec := doRequest(t, env.handler, http.MethodPost, "/api/services/openai_response/openai_input",
		`{"prompt":"Say hi","max_tokens":64}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want %d (body=%s)", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	env.sensor.Wait()

	rec = doRequest(t, env.handler, http.MethodGet, "/api/states/sensor.hassio_openai_response", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusOK)
	}
	st := decodeState(t, rec)
	if diff := cmp.Diff("response_received", st.State); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("Hello!", st.Attributes["response_text"]); diff != "" {
		t.Fatalf("response_text mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(float64(64), st.Attributes["max_tokens"]); diff != "" {
		t.Fatalf("max_tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestServiceCall_Errors(t *testing.T) {
	env := newTestEnv(t, httpapi.Config{})

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "unknown service", path: "/api/services/openai_response/nope", body: `{}`, want: http.StatusNotFound},
		{name: "invalid max tokens", path: "/api/services/openai_response/openai_input", body: `{"prompt":"x","max_tokens":"lots"}`, want: http.StatusBadRequest},
		{name: "not an object", path: "/api/services/openai_response/openai_input", body: `[1,2]`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := doRequest(t, env.handler, http.MethodPost, tt.path, tt.body, nil)
		if rec.Code != tt.want {
			t.Fatalf("%s: status got %d, want %d (body=%s)", tt.name, rec.Code, tt.want, rec.Body.String())
		}
	}
	env.sensor.Wait()
	if len(env.client.Requests()) != 0 {
		t.Fatalf("rejected calls must not reach the completion client")
	}
}

func TestSetInputState_TriggersRequest(t *testing.T) {
	env := newTestEnv(t, httpapi.Config{})

	rec := doRequest(t, env.handler, http.MethodPost, "/api/states/input_text.gpt_input", `{"state":"What is 2+2?"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want %d (body=%s)", rec.Code, http.StatusCreated, rec.Body.String())
	}
	env.sensor.Wait()

	reqs := env.client.Requests()
	want := []completion.Request{{
		Model:        "gpt-3.5-turbo",
		Instructions: "You are a helpful assistant",
		Prompt:       "What is 2+2?",
		MaxTokens:    350,
	}}
	if diff := cmp.Diff(want, reqs); diff != "" {
		t.Fatalf("requests mismatch (-want +got):\n%s", diff)
	}

	rec = doRequest(t, env.handler, http.MethodPost, "/api/states/input_text.gpt_input", `{"state":"What is 2+2?"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusOK)
	}
	env.sensor.Wait()
	if got := len(env.client.Requests()); got != 1 {
		t.Fatalf("unchanged value must not trigger a request, got %d requests", got)
	}

	rec = doRequest(t, env.handler, http.MethodPost, "/api/states/input_text.gpt_input", `{"state":""}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusOK)
	}
	env.sensor.Wait()
	if got := len(env.client.Requests()); got != 1 {
		t.Fatalf("empty value must not trigger a request, got %d requests", got)
	}
}

func TestSetState_Validation(t *testing.T) {
	env := newTestEnv(t, httpapi.Config{})

	if rec := doRequest(t, env.handler, http.MethodPost, "/api/states/nodot", `{"state":"x"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if rec := doRequest(t, env.handler, http.MethodPost, "/api/states/input_text.x", `{}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if rec := doRequest(t, env.handler, http.MethodGet, "/api/states/sensor.unknown", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestListServices(t *testing.T) {
	env := newTestEnv(t, httpapi.Config{})

	rec := doRequest(t, env.handler, http.MethodGet, "/api/services", "", nil)
	var got []string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff([]string{"openai_response.openai_input"}, got); diff != "" {
		t.Fatalf("services mismatch (-want +got):\n%s", diff)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, httpapi.Config{AccessTokens: map[string]struct{}{"secret": {}}})

	rec := doRequest(t, env.handler, http.MethodGet, "/api/states", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if diff := cmp.Diff(`Bearer realm="openai-response"`, rec.Header().Get("WWW-Authenticate")); diff != "" {
		t.Fatalf("WWW-Authenticate mismatch (-want +got):\n%s", diff)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"message": "missing bearer token", "code": "unauthorized"}, body); diff != "" {
		t.Fatalf("error body mismatch (-want +got):\n%s", diff)
	}

	if rec = doRequest(t, env.handler, http.MethodGet, "/api/states", "", map[string]string{
		"Authorization": "Basic secret",
	}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong scheme: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec = doRequest(t, env.handler, http.MethodGet, "/api/states", "", map[string]string{
		"Authorization": "Bearer wrong",
	}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec = doRequest(t, env.handler, http.MethodGet, "/api/states", "", map[string]string{
		"Authorization": "bearer secret",
	}); rec.Code != http.StatusOK {
		t.Fatalf("valid token: got %d, want %d", rec.Code, http.StatusOK)
	}
	if rec = doRequest(t, env.handler, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must not require auth, got %d", rec.Code)
	}
}
