package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"CrewRelay/internal/crew"
	"CrewRelay/internal/events"
	"CrewRelay/internal/execution"
	"CrewRelay/internal/observability/metrics"
	"CrewRelay/internal/relay"
)

// fakeCrewAPI 模拟上游执行 API。
type fakeCrewAPI struct {
	mu         sync.Mutex
	failResume bool
	resumes    []map[string]any
}

func (f *fakeCrewAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer test-token" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"unauthorized"}`))
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/inputs":
		_, _ = w.Write([]byte(`{"inputs":["topic"]}`))
	case r.Method == http.MethodPost && r.URL.Path == "/kickoff":
		_, _ = w.Write([]byte(`{"kickoff_id":"k-1"}`))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/status/"):
		_, _ = w.Write([]byte(`{"state":"RUNNING","status":"running","result":null}`))
	case r.Method == http.MethodPost && r.URL.Path == "/resume":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.resumes = append(f.resumes, body)
		fail := f.failResume
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"detail":"output is required"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"resumed"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeCrewAPI) setFailResume(fail bool) {
	f.mu.Lock()
	f.failResume = fail
	f.mu.Unlock()
}

func (f *fakeCrewAPI) lastResume() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.resumes) == 0 {
		return nil
	}
	return f.resumes[len(f.resumes)-1]
}

type testEnv struct {
	upstream *fakeCrewAPI
	handler  http.Handler
	store    *execution.MemoryStore
}

func newTestEnv(t *testing.T, journal events.Sink) *testEnv {
	t.Helper()
	upstream := &fakeCrewAPI{}
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	client, err := crew.NewHTTPClient(crew.Config{BaseURL: srv.URL, BearerToken: "test-token"})
	if err != nil {
		t.Fatalf("crew client: %v", err)
	}
	m, err := metrics.New(nil)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	store := execution.NewMemoryStore()
	svc, err := relay.NewService(relay.Options{
		Crew:           client,
		Store:          store,
		Journal:        journal,
		Metrics:        m,
		WebhookBaseURL: "https://relay.example.com",
	})
	if err != nil {
		t.Fatalf("relay service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	server := NewServer(svc, Options{
		CrewURL:      srv.URL,
		WebhookURL:   "https://relay.example.com",
		Metrics:      m,
		MountMetrics: true,
		Now:          func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	return &testEnv{upstream: upstream, handler: server.Handler(), store: store}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, body := env.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if body["status"] != "healthy" || body["webhook_url"] != "https://relay.example.com" {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["timestamp"] != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected timestamp: %v", body["timestamp"])
	}
	if body["crew_url"] == "" {
		t.Fatalf("crew url missing")
	}
}

func TestKickoffRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, body := env.do(t, http.MethodPost, "/api/kickoff", `{"topic":""}`)
	if rec.Code != http.StatusBadRequest || body["error"] != "Topic is required" {
		t.Fatalf("expected 400 Topic is required, got %d %v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodPost, "/api/kickoff", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body should be treated as missing topic, got %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodPost, "/api/kickoff", `{"topic":"AI Agents"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %v", rec.Code, body)
	}
	if body["success"] != true || body["kickoff_id"] != "k-1" || body["message"] != "Crew execution started" || body["status"] != "running" {
		t.Fatalf("unexpected kickoff body: %v", body)
	}
	if env.store.Len() != 1 {
		t.Fatalf("record not created")
	}
}

func TestInputsPassthrough(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, body := env.do(t, http.MethodGet, "/api/inputs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if _, ok := body["inputs"]; !ok {
		t.Fatalf("upstream body not passed through: %s", rec.Body.String())
	}
}

func TestStatusIncludesLocalData(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/kickoff", `{"topic":"AI Agents"}`)

	rec, body := env.do(t, http.MethodGet, "/api/status/k-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	local, ok := body["local_data"].(map[string]any)
	if !ok {
		t.Fatalf("local_data missing: %v", body)
	}
	if local["status"] != "running" || local["topic"] != "AI Agents" || body["state"] != "RUNNING" {
		t.Fatalf("unexpected merge: %v", body)
	}

	_, body = env.do(t, http.MethodGet, "/api/status/unknown", "")
	if v, present := body["local_data"]; !present || v != nil {
		t.Fatalf("unknown execution should carry local_data null: %v", body)
	}
}

func TestPendingTasksNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, body := env.do(t, http.MethodGet, "/api/pending-tasks/ghost", "")
	if rec.Code != http.StatusNotFound || body["error"] != "Execution not found" {
		t.Fatalf("expected 404, got %d %v", rec.Code, body)
	}
}

func TestWebhookAcknowledgements(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/api/webhooks/task", "/api/webhooks/step", "/api/webhooks/crew"} {
		rec, body := env.do(t, http.MethodPost, path, `{"kickoff_id":"ghost","name":"draft","result":"x"}`)
		if rec.Code != http.StatusOK || body["received"] != true {
			t.Fatalf("%s: expected ack, got %d %v", path, rec.Code, body)
		}
	}
	if env.store.Len() != 0 {
		t.Fatalf("webhooks for unknown executions must not create records")
	}

	rec, body := env.do(t, http.MethodPost, "/api/webhooks/task", `{"kickoff_id":`)
	if rec.Code != http.StatusInternalServerError || body["error"] != "Webhook processing failed" {
		t.Fatalf("malformed task webhook should surface, got %d %v", rec.Code, body)
	}
	for _, path := range []string{"/api/webhooks/step", "/api/webhooks/crew"} {
		rec, body := env.do(t, http.MethodPost, path, `{"kickoff_id":`)
		if rec.Code != http.StatusOK || body["received"] != true {
			t.Fatalf("%s: failures must be swallowed, got %d %v", path, rec.Code, body)
		}
	}
}

func TestFeedbackRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/kickoff", `{"topic":"AI Agents"}`)
	env.do(t, http.MethodPost, "/api/webhooks/task",
		`{"kickoff_id":"k-1","name":"draft","output":"v1","expected_output":"PAUSES FOR HUMAN review"}`)

	rec, body := env.do(t, http.MethodPost, "/api/feedback", `{"kickoff_id":"k-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing task_id should be 400, got %d %v", rec.Code, body)
	}

	env.upstream.setFailResume(true)
	rec, body = env.do(t, http.MethodPost, "/api/feedback", `{"kickoff_id":"k-1","task_id":"draft","approved":false}`)
	if rec.Code != http.StatusInternalServerError || body["error"] != "Failed to submit feedback" {
		t.Fatalf("expected upstream failure, got %d %v", rec.Code, body)
	}
	details, _ := body["details"].(map[string]any)
	if details["detail"] != "output is required" {
		t.Fatalf("upstream details not attached: %v", body)
	}
	last := env.upstream.lastResume()
	if last["output"] != "v1" || last["executionId"] != "k-1" || last["taskId"] != "draft" {
		t.Fatalf("unexpected resume payload: %v", last)
	}

	env.upstream.setFailResume(false)
	rec, body = env.do(t, http.MethodPost, "/api/feedback", `{"kickoff_id":"k-1","task_id":"draft","approved":true}`)
	if rec.Code != http.StatusOK || body["message"] != "Feedback submitted and crew resumed" || body["execution_id"] != "k-1" {
		t.Fatalf("unexpected feedback response %d %v", rec.Code, body)
	}
	_, body = env.do(t, http.MethodGet, "/api/pending-tasks/k-1", "")
	if body["status"] != "running" {
		t.Fatalf("status should be running after feedback: %v", body)
	}
	if pending, _ := body["pending_tasks"].([]any); len(pending) != 0 {
		t.Fatalf("pending task should be removed: %v", body)
	}
}

func TestEndToEndOverHTTP(t *testing.T) {
	journal := events.NewMemorySink(20)
	env := newTestEnv(t, journal)

	env.do(t, http.MethodPost, "/api/kickoff", `{"topic":"AI Agents"}`)
	env.do(t, http.MethodPost, "/api/webhooks/task",
		`{"kickoff_id":"k-1","name":"draft","output":"v1","expected_output":"HUMAN REVIEW REQUIRED"}`)

	_, body := env.do(t, http.MethodGet, "/api/pending-tasks/k-1", "")
	pending, _ := body["pending_tasks"].([]any)
	if body["status"] != "pending_human_input" || len(pending) != 1 {
		t.Fatalf("unexpected pending view: %v", body)
	}
	if first, _ := pending[0].(map[string]any); first["task_id"] != "draft" {
		t.Fatalf("unexpected pending task: %v", pending[0])
	}

	env.do(t, http.MethodPost, "/api/feedback", `{"kickoff_id":"k-1","task_id":"draft","approved":true}`)
	env.do(t, http.MethodPost, "/api/webhooks/crew", `{"kickoff_id":"k-1","result":"Final article"}`)

	record, err := env.store.Get(context.Background(), "k-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.Status != execution.StatusCompleted || record.FinalOutput == nil || *record.FinalOutput != "Final article" || record.CompletedAt == nil {
		t.Fatalf("unexpected final record: %+v", record)
	}

	rec, body := env.do(t, http.MethodGet, "/api/events/k-1?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("events: unexpected status %d", rec.Code)
	}
	list, _ := body["events"].([]any)
	if len(list) != 2 {
		t.Fatalf("expected task and crew events, got %v", body)
	}
}

func TestEventsUnavailableWithoutReadableJournal(t *testing.T) {
	env := newTestEnv(t, events.Discard{})
	rec, _ := env.do(t, http.MethodGet, "/api/events/k-1", "")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestMetricsEndpointRecordsRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/api/pending-tasks/ghost", "")

	rec, _ := env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	want := `crewrelay_http_requests_total{code="404",handler="/api/pending-tasks/{kickoffID}",method="GET"} 1`
	if !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("missing %q in metrics output", want)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/kickoff", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard CORS, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
