package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"CrewRelay/internal/crew"
	"CrewRelay/internal/events"
	"CrewRelay/internal/execution"
	"CrewRelay/internal/observability/alerting"
	"CrewRelay/internal/relay"
)

// stalledSink 在 release 关闭前阻塞每一次写入，模拟响应缓慢的日志后端。
type stalledSink struct {
	release chan struct{}
	mem     *events.MemorySink
}

func (s *stalledSink) Publish(ctx context.Context, event events.Event) error {
	<-s.release
	return s.mem.Publish(ctx, event)
}

func (s *stalledSink) Recent(ctx context.Context, kickoffID string, limit int) ([]events.Event, error) {
	return s.mem.Recent(ctx, kickoffID, limit)
}

func (s *stalledSink) Close() error { return s.mem.Close() }

// stalledNotifier 模拟一直收不到响应的告警通道。
type stalledNotifier struct {
	release chan struct{}

	mu    sync.Mutex
	count int
}

func (n *stalledNotifier) Notify(context.Context, alerting.Event) error {
	<-n.release
	n.mu.Lock()
	n.count++
	n.mu.Unlock()
	return nil
}

func TestWebhooksAckWhileJournalAndAlertsStall(t *testing.T) {
	upstream := &fakeCrewAPI{}
	srv := httptest.NewServer(upstream)
	defer srv.Close()

	client, err := crew.NewHTTPClient(crew.Config{BaseURL: srv.URL, BearerToken: "test-token"})
	if err != nil {
		t.Fatalf("crew client: %v", err)
	}
	sink := &stalledSink{release: make(chan struct{}), mem: events.NewMemorySink(10)}
	notifier := &stalledNotifier{release: make(chan struct{})}
	store := execution.NewMemoryStore()
	svc, err := relay.NewService(relay.Options{
		Crew:           client,
		Store:          store,
		Journal:        sink,
		JournalTimeout: time.Minute,
		Alerts:         notifier,
		WebhookBaseURL: "https://relay.example.com",
	})
	if err != nil {
		t.Fatalf("relay service: %v", err)
	}
	env := &testEnv{upstream: upstream, handler: NewServer(svc, Options{}).Handler(), store: store}

	if rec, _ := env.do(t, http.MethodPost, "/api/kickoff", `{"topic":"AI Agents"}`); rec.Code != http.StatusOK {
		t.Fatalf("kickoff status %d", rec.Code)
	}

	requests := []struct{ path, body string }{
		{"/api/webhooks/task", `{"kickoff_id":"k-1","name":"draft","output":"v1","expected_output":"PAUSES FOR HUMAN"}`},
		{"/api/webhooks/step", `{"kickoff_id":"k-1","tool":"search"}`},
		{"/api/webhooks/step", `{"kickoff_id":`},
		{"/api/webhooks/crew", `{"kickoff_id":"k-1","result":"Final article"}`},
	}
	for _, req := range requests {
		start := time.Now()
		rec, _ := env.do(t, http.MethodPost, req.path, req.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: unexpected status %d: %s", req.path, rec.Code, rec.Body.String())
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("%s: ack took %s", req.path, elapsed)
		}
	}

	record, err := store.Get(context.Background(), "k-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.Status != execution.StatusCompleted || len(record.PendingTasks) != 1 {
		t.Fatalf("webhooks not reconciled: status=%s pending=%d", record.Status, len(record.PendingTasks))
	}

	close(sink.release)
	close(notifier.release)
	rec, body := env.do(t, http.MethodGet, "/api/events/k-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("events status %d", rec.Code)
	}
	if list, _ := body["events"].([]any); len(list) != 3 {
		t.Fatalf("expected 3 journaled events, got %v", body["events"])
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.count == 0 {
		t.Fatalf("malformed webhook alert was never delivered")
	}
}
