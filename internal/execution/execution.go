package execution

import (
	"strings"
	"time"

	xerrors "CrewRelay/internal/errors"
)

// Status 表示执行记录在本地镜像中的状态。
type Status string

const (
	StatusRunning           Status = "running"
	StatusPendingHumanInput Status = "pending_human_input"
	StatusCompleted         Status = "completed"
)

// 上游任务 expected_output 中出现以下任一标记即表示该任务需要人工审核，大小写敏感。
var humanInputMarkers = []string{
	"PAUSES FOR HUMAN",
	"PAUSES FOR FINAL",
	"HUMAN REVIEW REQUIRED",
}

// RequiresHumanInput 判断任务是否需要人工介入。
func RequiresHumanInput(expectedOutput string) bool {
	for _, marker := range humanInputMarkers {
		if strings.Contains(expectedOutput, marker) {
			return true
		}
	}
	return false
}

// PendingTask 是等待人工审核的任务。TaskID 直接取任务名称，
// 因此同名任务会相互冲突，查找时按先到先得处理。
type PendingTask struct {
	TaskID          string    `json:"task_id"`
	TaskName        string    `json:"task_name"`
	TaskDescription string    `json:"task_description"`
	TaskOutput      string    `json:"task_output"`
	ExpectedOutput  string    `json:"expected_output"`
	ReceivedAt      time.Time `json:"received_at"`
}

// CompletedTask 是无需人工介入、已由上游完成的任务。
type CompletedTask struct {
	TaskID      string    `json:"task_id"`
	TaskName    string    `json:"task_name"`
	TaskOutput  string    `json:"task_output"`
	CompletedAt time.Time `json:"completed_at"`
}

// Record 是一次 kickoff 在本地的镜像。
type Record struct {
	KickoffID      string          `json:"kickoff_id"`
	Topic          string          `json:"topic"`
	Status         Status          `json:"status"`
	PendingTasks   []PendingTask   `json:"pending_tasks"`
	CompletedTasks []CompletedTask `json:"completed_tasks"`
	FinalOutput    *string         `json:"final_output,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// NewRecord 构造一条刚启动的执行记录。
func NewRecord(kickoffID, topic string, now time.Time) *Record {
	return &Record{
		KickoffID:      kickoffID,
		Topic:          topic,
		Status:         StatusRunning,
		PendingTasks:   []PendingTask{},
		CompletedTasks: []CompletedTask{},
		CreatedAt:      now,
	}
}

// AddPending 追加待审核任务，并将状态切换为等待人工输入。
func (r *Record) AddPending(task PendingTask) {
	r.Status = StatusPendingHumanInput
	r.PendingTasks = append(r.PendingTasks, task)
}

// AddCompleted 追加已完成任务，状态保持不变。
func (r *Record) AddCompleted(task CompletedTask) {
	r.CompletedTasks = append(r.CompletedTasks, task)
}

// FindPending 返回第一个 TaskID 匹配的待审核任务。
func (r *Record) FindPending(taskID string) (PendingTask, bool) {
	for _, task := range r.PendingTasks {
		if task.TaskID == taskID {
			return task, true
		}
	}
	return PendingTask{}, false
}

// ResolvePending 在人工反馈提交成功后调用：状态回到 running，
// 并移除第一个 TaskID 匹配的待审核任务。返回是否有任务被移除。
func (r *Record) ResolvePending(taskID string) bool {
	r.Status = StatusRunning
	for i, task := range r.PendingTasks {
		if task.TaskID == taskID {
			r.PendingTasks = append(r.PendingTasks[:i:i], r.PendingTasks[i+1:]...)
			return true
		}
	}
	return false
}

// Complete 记录整个 crew 的最终输出。重复调用会以新值覆盖。
func (r *Record) Complete(result string, now time.Time) {
	r.Status = StatusCompleted
	r.FinalOutput = &result
	r.CompletedAt = &now
}

// Clone 返回记录的深拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.PendingTasks = append(make([]PendingTask, 0, len(r.PendingTasks)), r.PendingTasks...)
	clone.CompletedTasks = append(make([]CompletedTask, 0, len(r.CompletedTasks)), r.CompletedTasks...)
	if r.FinalOutput != nil {
		output := *r.FinalOutput
		clone.FinalOutput = &output
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		clone.CompletedAt = &at
	}
	return &clone
}

const (
	CodeExecutionNotFound xerrors.Code = "EXECUTION_NOT_FOUND"
	CodeExecutionConflict xerrors.Code = "EXECUTION_CONFLICT"
)

var (
	// ErrNotFound 表示本地没有该执行 ID 的记录。
	ErrNotFound = xerrors.New(CodeExecutionNotFound, "execution not found")
	// ErrConflict 表示同一执行 ID 已经存在记录。
	ErrConflict = xerrors.New(CodeExecutionConflict, "execution already exists")
)

func init() {
	xerrors.Register(CodeExecutionNotFound, xerrors.Attributes{
		Message:  "execution not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExecutionConflict, xerrors.Attributes{
		Message:  "execution already exists",
		Severity: xerrors.SeverityWarning,
	})
}
