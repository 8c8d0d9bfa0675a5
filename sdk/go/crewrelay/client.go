// Package crewrelay is a Go client for the crew relay REST API.
package crewrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 30 * time.Second

// Client wraps the HTTP interactions with a crew relay.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// PendingTask is a task output awaiting a human decision.
type PendingTask struct {
	TaskID          string    `json:"task_id"`
	TaskName        string    `json:"task_name"`
	TaskDescription string    `json:"task_description"`
	TaskOutput      string    `json:"task_output"`
	ExpectedOutput  string    `json:"expected_output"`
	ReceivedAt      time.Time `json:"received_at"`
}

// CompletedTask is a task the crew finished without human input.
type CompletedTask struct {
	TaskID      string    `json:"task_id"`
	TaskName    string    `json:"task_name"`
	TaskOutput  string    `json:"task_output"`
	CompletedAt time.Time `json:"completed_at"`
}

// Execution is the relay's local record of a crew run.
type Execution struct {
	KickoffID      string          `json:"kickoff_id"`
	Topic          string          `json:"topic"`
	Status         string          `json:"status"`
	PendingTasks   []PendingTask   `json:"pending_tasks"`
	CompletedTasks []CompletedTask `json:"completed_tasks"`
	FinalOutput    *string         `json:"final_output,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Status is the upstream status merged with the relay's local record.
// Fields keeps every key returned by the relay, including upstream ones
// this type does not model.
type Status struct {
	State     string                     `json:"status"`
	LocalData *Execution                 `json:"local_data"`
	Fields    map[string]json.RawMessage `json:"-"`
}

// EffectiveState prefers the local record's status over the upstream one.
func (s Status) EffectiveState() string {
	if s.LocalData != nil && s.LocalData.Status != "" {
		return s.LocalData.Status
	}
	return s.State
}

// PendingTasks mirrors the pending-tasks endpoint.
type PendingTasks struct {
	KickoffID      string          `json:"kickoff_id"`
	Status         string          `json:"status"`
	PendingTasks   []PendingTask   `json:"pending_tasks"`
	CompletedTasks []CompletedTask `json:"completed_tasks"`
}

// KickoffResult is returned when a crew run starts.
type KickoffResult struct {
	Success   bool   `json:"success"`
	KickoffID string `json:"kickoff_id"`
	Message   string `json:"message"`
	Status    string `json:"status"`
}

// Feedback is a human decision on a pending task.
type Feedback struct {
	KickoffID string `json:"kickoff_id"`
	TaskID    string `json:"task_id"`
	Feedback  string `json:"feedback"`
	Approved  bool   `json:"approved"`
}

// FeedbackResult is returned once the crew has been resumed.
type FeedbackResult struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ExecutionID string `json:"execution_id"`
}

// Health describes the relay's health endpoint.
type Health struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	CrewURL    string    `json:"crew_url"`
	WebhookURL string    `json:"webhook_url"`
}

// APIError represents an error response returned by the relay.
type APIError struct {
	StatusCode int
	Message    string
	Details    json.RawMessage
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Details) > 0 {
		return fmt.Sprintf("crewrelay api error (%d): %s - %s", e.StatusCode, e.Message, string(e.Details))
	}
	return fmt.Sprintf("crewrelay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the relay at rawURL. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Inputs returns the crew's declared inputs as returned upstream.
func (c *Client) Inputs(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/api/inputs", &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Kickoff starts a crew run for topic.
func (c *Client) Kickoff(ctx context.Context, topic string) (KickoffResult, error) {
	var res KickoffResult
	if err := c.post(ctx, "/api/kickoff", map[string]string{"topic": topic}, &res); err != nil {
		return KickoffResult{}, err
	}
	return res, nil
}

// Status fetches the merged status of a run.
func (c *Client) Status(ctx context.Context, kickoffID string) (Status, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/api/status/"+url.PathEscape(kickoffID), &raw); err != nil {
		return Status{}, err
	}
	var status Status
	if err := json.Unmarshal(raw, &status); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	if err := json.Unmarshal(raw, &status.Fields); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

// PendingTasks fetches the relay's local view of a run.
func (c *Client) PendingTasks(ctx context.Context, kickoffID string) (PendingTasks, error) {
	var view PendingTasks
	if err := c.get(ctx, "/api/pending-tasks/"+url.PathEscape(kickoffID), &view); err != nil {
		return PendingTasks{}, err
	}
	return view, nil
}

// Feedback submits a decision and resumes the crew.
func (c *Client) Feedback(ctx context.Context, fb Feedback) (FeedbackResult, error) {
	var res FeedbackResult
	if err := c.post(ctx, "/api/feedback", fb, &res); err != nil {
		return FeedbackResult{}, err
	}
	return res, nil
}

// Health queries the relay's health endpoint.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.get(ctx, "/health", &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u := c.baseURL.JoinPath(endpoint)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		var payload struct {
			Error   string          `json:"error"`
			Details json.RawMessage `json:"details"`
		}
		if len(data) > 0 && json.Unmarshal(data, &payload) == nil {
			apiErr.Message = payload.Error
			if len(payload.Details) > 0 && string(payload.Details) != "null" {
				apiErr.Details = payload.Details
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
