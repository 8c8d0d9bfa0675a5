package relay

import (
	"encoding/json"

	xerrors "CrewRelay/internal/errors"
	"CrewRelay/internal/execution"
)

// 上游要求 kickoff 输入中带上两个以 schema 描述为键的占位字段，键名必须逐字保留。
const (
	ContentReviewSchemaKey = "approved: boolean, feedback: string, selected_angle: string, additional_requirements: string"
	FinalReviewSchemaKey   = "final_approved: boolean, revision_notes: string, publish_immediately: boolean, scheduled_date: string"
)

// 反馈内容为空时的默认文案。
const (
	DefaultApproveFeedback  = "Approved and continue"
	DefaultRevisionFeedback = "Request revisions"
)

// 对外返回的固定文案。
const (
	MsgTopicRequired      = "Topic is required"
	MsgKickoffFailed      = "Failed to kickoff crew"
	MsgStatusFailed       = "Failed to get status"
	MsgInputsFailed       = "Failed to get crew inputs"
	MsgExecutionNotFound  = "Execution not found"
	MsgFeedbackFailed     = "Failed to submit feedback"
	MsgFeedbackFields     = "kickoff_id and task_id are required"
	MsgWebhookFailed      = "Webhook processing failed"
	MsgJournalNotReadable = "Event journal is not readable"
	MsgKickoffStarted     = "Crew execution started"
	MsgFeedbackSubmitted  = "Feedback submitted and crew resumed"
)

const (
	// CodeWebhookProcessing 表示 webhook 处理过程中的内部错误。
	CodeWebhookProcessing xerrors.Code = "WEBHOOK_PROCESSING_FAILED"
	// CodeJournalUnreadable 表示当前事件日志不支持回读。
	CodeJournalUnreadable xerrors.Code = "EVENT_JOURNAL_UNREADABLE"
)

func init() {
	xerrors.Register(CodeWebhookProcessing, xerrors.Attributes{
		Message:  MsgWebhookFailed,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJournalUnreadable, xerrors.Attributes{
		Message:  MsgJournalNotReadable,
		Severity: xerrors.SeverityInfo,
	})
}

// TaskEvent 是任务级 webhook 的请求体。
type TaskEvent struct {
	KickoffID      string `json:"kickoff_id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Output         string `json:"output"`
	ExpectedOutput string `json:"expected_output"`

	Raw json.RawMessage `json:"-"`
}

// StepEvent 是步骤级 webhook 的请求体，仅用于诊断。
type StepEvent struct {
	KickoffID string `json:"kickoff_id"`
	Thought   string `json:"thought,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Result    string `json:"result,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// CrewEvent 是整个执行结束时的 webhook 请求体。
type CrewEvent struct {
	KickoffID string `json:"kickoff_id"`
	Result    string `json:"result"`

	Raw json.RawMessage `json:"-"`
}

// FeedbackRequest 是审核端提交的人工反馈。
type FeedbackRequest struct {
	KickoffID string `json:"kickoff_id"`
	TaskID    string `json:"task_id"`
	Feedback  string `json:"feedback"`
	Approved  bool   `json:"approved"`
}

// FeedbackResult 是反馈提交成功后的结果。
type FeedbackResult struct {
	ExecutionID string
	Upstream    json.RawMessage
}

// KickoffResult 是启动成功后的结果。
type KickoffResult struct {
	KickoffID string
	Status    execution.Status
}

// PendingView 是 pending-tasks 接口返回的视图。
type PendingView struct {
	KickoffID      string                    `json:"kickoff_id"`
	Status         execution.Status          `json:"status"`
	PendingTasks   []execution.PendingTask   `json:"pending_tasks"`
	CompletedTasks []execution.CompletedTask `json:"completed_tasks"`
}
