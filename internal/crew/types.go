package crew

import (
	"context"
	"encoding/json"
	"fmt"
)

// Webhooks 是每次 kickoff/resume 都需要附带的三个回调地址。
type Webhooks struct {
	TaskWebhookURL string `json:"taskWebhookUrl"`
	StepWebhookURL string `json:"stepWebhookUrl"`
	CrewWebhookURL string `json:"crewWebhookUrl"`
}

// KickoffRequest 是 POST /kickoff 的请求体。
type KickoffRequest struct {
	Inputs map[string]any `json:"inputs"`
	Webhooks
}

// KickoffResponse 是 POST /kickoff 的响应。
type KickoffResponse struct {
	KickoffID string `json:"kickoff_id"`
}

// ResumeRequest 是 POST /resume 的请求体。上游使用驼峰命名的 executionId/taskId，
// output 与 inputs 仅在请求修改（is_approve=false）时出现。
type ResumeRequest struct {
	ExecutionID   string         `json:"executionId"`
	TaskID        string         `json:"taskId"`
	HumanFeedback string         `json:"human_feedback"`
	IsApprove     bool           `json:"is_approve"`
	Output        *string        `json:"output,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	Webhooks
}

// Client 定义了中继服务对上游执行 API 的全部调用。
type Client interface {
	Inputs(ctx context.Context) (json.RawMessage, error)
	Kickoff(ctx context.Context, req KickoffRequest) (*KickoffResponse, error)
	Status(ctx context.Context, kickoffID string) (map[string]any, error)
	Resume(ctx context.Context, req ResumeRequest) (json.RawMessage, error)
}

// APIError 表示上游返回了非 2xx 状态码。Body 在可解析时保留为 JSON 值，否则为文本。
type APIError struct {
	StatusCode int
	Body       any
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	switch body := e.Body.(type) {
	case nil:
		return fmt.Sprintf("crew api error (%d)", e.StatusCode)
	case string:
		return fmt.Sprintf("crew api error (%d): %s", e.StatusCode, body)
	default:
		encoded, _ := json.Marshal(body)
		return fmt.Sprintf("crew api error (%d): %s", e.StatusCode, encoded)
	}
}
