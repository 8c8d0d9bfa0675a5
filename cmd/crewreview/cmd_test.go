package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CrewRelay/internal/review"
	"CrewRelay/sdk/go/crewrelay"
)

// fakeRelay 模拟一次需要一次人工审核的执行。
type fakeRelay struct {
	mu        sync.Mutex
	reviewed  bool
	feedbacks []crewrelay.Feedback
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/kickoff":
		_, _ = w.Write([]byte(`{"success":true,"kickoff_id":"k-cli","message":"Crew execution started","status":"running"}`))
	case r.Method == http.MethodGet && r.URL.Path == "/api/status/k-cli":
		if f.reviewed {
			_, _ = w.Write([]byte(`{"status":"completed","local_data":{"kickoff_id":"k-cli","status":"completed","pending_tasks":[],"completed_tasks":[],"final_output":"the final post"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"running","local_data":{"kickoff_id":"k-cli","status":"pending_human_input","pending_tasks":[{"task_id":"Draft","task_output":"draft v1"}],"completed_tasks":[]}}`))
	case r.Method == http.MethodGet && r.URL.Path == "/api/pending-tasks/k-cli":
		_, _ = w.Write([]byte(`{"kickoff_id":"k-cli","status":"running","pending_tasks":[],"completed_tasks":[]}`))
	case r.Method == http.MethodGet && r.URL.Path == "/api/pending-tasks/missing":
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"Execution not found"}`))
	case r.Method == http.MethodPost && r.URL.Path == "/api/feedback":
		var fb crewrelay.Feedback
		_ = json.NewDecoder(r.Body).Decode(&fb)
		f.feedbacks = append(f.feedbacks, fb)
		f.reviewed = true
		_, _ = w.Write([]byte(`{"success":true,"message":"Feedback submitted and crew resumed","execution_id":"k-cli"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}
}

func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--relay", srv.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestStatusCommandPrintsMergedStatus(t *testing.T) {
	srv := httptest.NewServer(&fakeRelay{})
	defer srv.Close()

	out, err := execute(t, srv, "status", "k-cli")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "running", decoded["status"])
	assert.Contains(t, decoded, "local_data")
}

func TestPendingCommandReportsRelayErrors(t *testing.T) {
	srv := httptest.NewServer(&fakeRelay{})
	defer srv.Close()

	_, err := execute(t, srv, "pending", "missing")
	var apiErr *crewrelay.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "Execution not found", apiErr.Message)
}

func TestStatusCommandRequiresKickoffID(t *testing.T) {
	srv := httptest.NewServer(&fakeRelay{})
	defer srv.Close()

	_, err := execute(t, srv, "status")
	require.Error(t, err)
}

func TestRunReviewSubmitsDecision(t *testing.T) {
	relay := &fakeRelay{}
	srv := httptest.NewServer(relay)
	defer srv.Close()

	var asked []string
	opts := &rootOptions{
		relayURL:   srv.URL,
		httpClient: srv.Client(),
		decider: func(_ context.Context, task crewrelay.PendingTask) (review.Decision, error) {
			asked = append(asked, task.TaskID)
			return review.Decision{Approved: false, Feedback: "Add sources"}, nil
		},
	}

	var out bytes.Buffer
	require.NoError(t, runReview(context.Background(), opts, &out, "solar power", time.Millisecond))

	assert.Equal(t, []string{"Draft"}, asked)
	relay.mu.Lock()
	require.Len(t, relay.feedbacks, 1)
	assert.Equal(t, crewrelay.Feedback{KickoffID: "k-cli", TaskID: "Draft", Feedback: "Add sources"}, relay.feedbacks[0])
	relay.mu.Unlock()

	assert.Contains(t, out.String(), "Crew started: k-cli")
	assert.Contains(t, out.String(), "Execution k-cli finished: completed")
	assert.Contains(t, out.String(), "the final post")
}
