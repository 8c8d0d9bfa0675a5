// Package review 实现人工审核客户端的状态机，基于 crewrelay SDK 与中继交互。
package review

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "CrewRelay/internal/errors"
	"CrewRelay/pkg/logger"
	"CrewRelay/sdk/go/crewrelay"
)

// State 是审核客户端看到的执行状态。
type State string

const (
	StateIdle              State = "idle"
	StateStarting          State = "starting"
	StateRunning           State = "running"
	StatePendingHumanInput State = "pending_human_input"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StateError             State = "error"
)

const (
	// CodeNotStarted 表示尚未成功 kickoff。
	CodeNotStarted xerrors.Code = "REVIEW_NOT_STARTED"
	// CodeNoPendingTask 表示当前没有展示中的待审核任务。
	CodeNoPendingTask xerrors.Code = "REVIEW_NO_PENDING_TASK"
)

func init() {
	xerrors.Register(CodeNotStarted, xerrors.Attributes{Message: "crew 尚未启动", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNoPendingTask, xerrors.Attributes{Message: "没有待审核的任务", Severity: xerrors.SeverityInfo})
}

const (
	defaultApproveFeedback  = "Approved"
	defaultRevisionFeedback = "Please revise"
)

// Relay 是会话依赖的中继接口，由 crewrelay.Client 实现。
type Relay interface {
	Kickoff(ctx context.Context, topic string) (crewrelay.KickoffResult, error)
	Status(ctx context.Context, kickoffID string) (crewrelay.Status, error)
	Feedback(ctx context.Context, fb crewrelay.Feedback) (crewrelay.FeedbackResult, error)
}

// Snapshot 是会话某一时刻的只读视图。
type Snapshot struct {
	State       State
	Topic       string
	KickoffID   string
	Pending     *crewrelay.PendingTask
	FinalOutput *string
	Terminal    bool
	Err         error
}

// Session 维护一次审核流程的状态机：
// idle → starting → running ⇄ pending_human_input → completed/failed，失败时进入 error。
type Session struct {
	relay Relay
	log   *slog.Logger

	mu          sync.Mutex
	state       State
	topic       string
	kickoffID   string
	pending     *crewrelay.PendingTask
	finalOutput *string
	terminal    bool
	lastErr     error
}

// NewSession 创建处于 idle 状态的会话。
func NewSession(relay Relay) *Session {
	return &Session{relay: relay, state: StateIdle, log: logger.Named("review")}
}

// Snapshot 返回当前状态的拷贝。
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:     s.state,
		Topic:     s.topic,
		KickoffID: s.kickoffID,
		Terminal:  s.terminal,
		Err:       s.lastErr,
	}
	if s.pending != nil {
		task := *s.pending
		snap.Pending = &task
	}
	if s.finalOutput != nil {
		out := *s.finalOutput
		snap.FinalOutput = &out
	}
	return snap
}

// Start 发起 kickoff。空主题保持 idle；失败进入 error 并保留主题。
func (s *Session) Start(ctx context.Context, topic string) error {
	s.mu.Lock()
	if strings.TrimSpace(topic) == "" {
		s.lastErr = xerrors.New(xerrors.CodeInvalidArgument, "Topic is required")
		err := s.lastErr
		s.mu.Unlock()
		return err
	}
	s.state = StateStarting
	s.topic = topic
	s.lastErr = nil
	s.mu.Unlock()

	res, err := s.relay.Kickoff(ctx, topic)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateError
		s.lastErr = err
		s.log.Warn("kickoff 失败", slog.String("topic", topic), slog.Any("error", err))
		return err
	}
	s.kickoffID = res.KickoffID
	s.state = StateRunning
	s.terminal = false
	s.log.Info("crew 已启动", slog.String("kickoff_id", res.KickoffID))
	return nil
}

// Poll 执行一次状态轮询。
// 轮询失败只记录错误，不改变状态。
func (s *Session) Poll(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	kickoffID := s.kickoffID
	s.mu.Unlock()
	if kickoffID == "" {
		return s.Snapshot(), xerrors.New(CodeNotStarted, "")
	}

	status, err := s.relay.Status(ctx, kickoffID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kickoffID != kickoffID {
		// 轮询期间会话被重置。
		return s.snapshotLocked(), nil
	}
	if err != nil {
		s.lastErr = err
		s.log.Debug("状态轮询失败", slog.String("kickoff_id", kickoffID), slog.Any("error", err))
		return s.snapshotLocked(), err
	}

	if effective := status.EffectiveState(); effective != "" {
		s.state = State(effective)
	}
	if local := status.LocalData; local != nil {
		if n := len(local.PendingTasks); n > 0 {
			latest := local.PendingTasks[n-1]
			s.pending = &latest
			s.state = StatePendingHumanInput
		}
		if local.FinalOutput != nil {
			out := *local.FinalOutput
			s.finalOutput = &out
		}
	}
	if status.State == string(StateCompleted) || status.State == string(StateFailed) {
		s.terminal = true
	}
	return s.snapshotLocked(), nil
}

// Submit 对当前展示的任务提交审核结论。
// 成功后清除待审核任务并回到 running；失败保留任务并记录错误。
func (s *Session) Submit(ctx context.Context, approved bool, feedback string) error {
	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		return xerrors.New(CodeNoPendingTask, "")
	}
	taskID := s.pending.TaskID
	kickoffID := s.kickoffID
	s.mu.Unlock()

	if strings.TrimSpace(feedback) == "" {
		feedback = defaultRevisionFeedback
		if approved {
			feedback = defaultApproveFeedback
		}
	}

	_, err := s.relay.Feedback(ctx, crewrelay.Feedback{
		KickoffID: kickoffID,
		TaskID:    taskID,
		Feedback:  feedback,
		Approved:  approved,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err
		s.log.Warn("提交审核失败", slog.String("kickoff_id", kickoffID), slog.String("task_id", taskID), slog.Any("error", err))
		return err
	}
	s.pending = nil
	s.state = StateRunning
	s.lastErr = nil
	s.log.Info("审核已提交", slog.String("kickoff_id", kickoffID), slog.String("task_id", taskID), slog.Bool("approved", approved))
	return nil
}

// Reset 清空会话回到 idle。
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	s.topic = ""
	s.kickoffID = ""
	s.pending = nil
	s.finalOutput = nil
	s.terminal = false
	s.lastErr = nil
}

// Decision 是人工对待审核任务的结论。Defer 为 true 时本轮不提交。
type Decision struct {
	Approved bool
	Feedback string
	Defer    bool
}

// Decider 在展示待审核任务时被调用。
type Decider func(ctx context.Context, task crewrelay.PendingTask) (Decision, error)

// Run 以固定间隔轮询，直到进入终态或上下文取消。
// 需要先成功 Start；decide 为 nil 时仅轮询。
func (s *Session) Run(ctx context.Context, interval time.Duration, decide Decider) error {
	if s.Snapshot().KickoffID == "" {
		return xerrors.New(CodeNotStarted, "")
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		snap, err := s.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if snap.Terminal {
			return nil
		}
		if decide == nil || snap.Pending == nil {
			continue
		}
		decision, err := decide(ctx, *snap.Pending)
		if err != nil {
			return err
		}
		if decision.Defer {
			continue
		}
		// 失败已记录在会话中，下一轮会再次询问。
		_ = s.Submit(ctx, decision.Approved, decision.Feedback)
	}
}
