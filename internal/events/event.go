package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	xerrors "CrewRelay/internal/errors"
)

// Kind 区分三种上游回调。
type Kind string

const (
	KindTask Kind = "task"
	KindStep Kind = "step"
	KindCrew Kind = "crew"
)

// Event 是一条被记录下来的 webhook 回调。Payload 保留上游原始请求体。
type Event struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	KickoffID  string          `json:"kickoff_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// New 构造一条事件并分配唯一 ID。
func New(kind Kind, kickoffID string, payload json.RawMessage, now time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		KickoffID:  kickoffID,
		Payload:    append(json.RawMessage(nil), payload...),
		ReceivedAt: now.UTC(),
	}
}

// Sink 接收 webhook 事件。实现必须可并发调用。
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Reader 由能够回读事件的 Sink 实现，返回按接收顺序排列的最近事件。
type Reader interface {
	Recent(ctx context.Context, kickoffID string, limit int) ([]Event, error)
}

// CodePublishFailed 表示事件日志写入失败。
const CodePublishFailed xerrors.Code = "EVENT_PUBLISH_FAILED"

func init() {
	xerrors.Register(CodePublishFailed, xerrors.Attributes{
		Message:  "failed to journal webhook event",
		Severity: xerrors.SeverityWarning,
	})
}

// Discard 丢弃所有事件，对应 driver=none。
type Discard struct{}

// Publish 实现 Sink 接口。
func (Discard) Publish(context.Context, Event) error { return nil }

// Close 实现 Sink 接口。
func (Discard) Close() error { return nil }

func reverse(list []Event) {
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
}
