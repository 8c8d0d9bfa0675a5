package relay

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"CrewRelay/internal/crew"
	xerrors "CrewRelay/internal/errors"
	"CrewRelay/internal/events"
	"CrewRelay/internal/execution"
	"CrewRelay/internal/observability/alerting"
	"CrewRelay/internal/observability/metrics"
	"CrewRelay/pkg/logger"
)

const (
	defaultAlertTimeout     = 10 * time.Second
	defaultAlertConcurrency = 8
)

// Options 汇总 Service 的依赖。Crew 与 Store 必填，其余为空时降级为无操作。
type Options struct {
	Crew    crew.Client
	Store   execution.Store
	Journal events.Sink
	// JournalQueue 与 JournalTimeout 控制事件日志的异步队列，0 表示使用 events 包默认值。
	JournalQueue   int
	JournalTimeout time.Duration
	Alerts         alerting.Dispatcher
	// AlertTimeout 限制单次告警发送的时长，默认 10s。
	AlertTimeout time.Duration
	// AlertConcurrency 为同时在途的告警上限，超出时丢弃并记录日志，默认 8。
	AlertConcurrency int64
	Metrics          *metrics.Metrics
	WebhookBaseURL   string
	Now              func() time.Time
}

// Service 负责转发上游调用并把 webhook 回调归并到本地执行表。
// 事件日志与告警都在后台完成，不占用请求的响应路径。
type Service struct {
	crew     crew.Client
	store    execution.Store
	journal  events.Sink
	alerts   alerting.Dispatcher
	metrics  *metrics.Metrics
	webhooks crew.Webhooks
	now      func() time.Time

	alertTimeout time.Duration
	alertSem     *semaphore.Weighted
	alertWG      sync.WaitGroup
}

// NewService 构造中继服务。
func NewService(opts Options) (*Service, error) {
	if opts.Crew == nil || opts.Store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "relay 服务缺少 crew 客户端或执行表")
	}
	journal := opts.Journal
	switch journal.(type) {
	case nil:
		journal = events.Discard{}
	case events.Discard, *events.AsyncSink:
	default:
		journal = events.NewAsyncSink(journal, events.AsyncOptions{
			QueueSize:      opts.JournalQueue,
			PublishTimeout: opts.JournalTimeout,
			Logger:         logger.Named("events"),
		})
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	alertTimeout := opts.AlertTimeout
	if alertTimeout <= 0 {
		alertTimeout = defaultAlertTimeout
	}
	concurrency := opts.AlertConcurrency
	if concurrency <= 0 {
		concurrency = defaultAlertConcurrency
	}
	return &Service{
		crew:         opts.Crew,
		store:        opts.Store,
		journal:      journal,
		alerts:       opts.Alerts,
		metrics:      opts.Metrics,
		webhooks:     WebhookURLs(opts.WebhookBaseURL),
		now:          now,
		alertTimeout: alertTimeout,
		alertSem:     semaphore.NewWeighted(concurrency),
	}, nil
}

// Flush 等待已提交的事件写入日志、在途告警发送完毕，或 ctx 结束。用于停机与测试。
func (s *Service) Flush(ctx context.Context) error {
	if err := s.flushJournal(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		s.alertWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 等待在途告警后关闭事件日志。调用前应先停止 HTTP 服务。
func (s *Service) Close() error {
	s.alertWG.Wait()
	return s.journal.Close()
}

func (s *Service) flushJournal(ctx context.Context) error {
	if flusher, ok := s.journal.(events.Flusher); ok {
		return flusher.Flush(ctx)
	}
	return nil
}

// WebhookURLs 由公网基础地址拼出三个回调地址。
func WebhookURLs(base string) crew.Webhooks {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	return crew.Webhooks{
		TaskWebhookURL: base + "/api/webhooks/task",
		StepWebhookURL: base + "/api/webhooks/step",
		CrewWebhookURL: base + "/api/webhooks/crew",
	}
}

// Webhooks 返回附加到上游请求的回调地址。
func (s *Service) Webhooks() crew.Webhooks {
	return s.webhooks
}

// Tracked 返回当前执行表中的记录数。
func (s *Service) Tracked() int {
	return s.store.Len()
}

func (s *Service) log() *slog.Logger {
	return logger.Named("relay")
}

// GetInputs 原样返回上游对 crew 输入的描述。
func (s *Service) GetInputs(ctx context.Context) (json.RawMessage, error) {
	start := time.Now()
	body, err := s.crew.Inputs(ctx)
	s.metrics.ObserveUpstream("inputs", time.Since(start), err)
	if err != nil {
		return nil, s.upstreamFailure(ctx, "inputs", "", MsgInputsFailed, err)
	}
	return body, nil
}

// Kickoff 启动一次执行，成功后在本地创建 running 状态的记录。
func (s *Service) Kickoff(ctx context.Context, topic string) (*KickoffResult, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, MsgTopicRequired)
	}

	req := crew.KickoffRequest{
		Inputs: map[string]any{
			"topic":                topic,
			ContentReviewSchemaKey: "",
			FinalReviewSchemaKey:   "",
		},
		Webhooks: s.webhooks,
	}
	start := time.Now()
	resp, err := s.crew.Kickoff(ctx, req)
	if err == nil && (resp == nil || strings.TrimSpace(resp.KickoffID) == "") {
		err = stdErrors.New("crew kickoff 响应缺少 kickoff_id")
	}
	s.metrics.ObserveUpstream("kickoff", time.Since(start), err)
	if err != nil {
		return nil, s.upstreamFailure(ctx, "kickoff", "", MsgKickoffFailed, err)
	}

	record := execution.NewRecord(resp.KickoffID, topic, s.now())
	if err := s.store.Create(ctx, record); err != nil {
		if !stdErrors.Is(err, execution.ErrConflict) {
			return nil, xerrors.Wrap(xerrors.CodeUnknown, err, MsgKickoffFailed)
		}
		s.log().Warn("上游返回了已存在的执行 ID，保留原记录", slog.String("kickoff_id", resp.KickoffID))
	}
	s.metrics.SetTrackedExecutions(s.store.Len())

	logger.Audit().Info("crew 执行已启动",
		slog.String("kickoff_id", resp.KickoffID),
		slog.String("topic", topic),
	)
	return &KickoffResult{KickoffID: resp.KickoffID, Status: execution.StatusRunning}, nil
}

// GetStatus 返回上游状态，并附加本地镜像 local_data（没有记录时为 null）。
func (s *Service) GetStatus(ctx context.Context, kickoffID string) (map[string]any, error) {
	start := time.Now()
	status, err := s.crew.Status(ctx, kickoffID)
	s.metrics.ObserveUpstream("status", time.Since(start), err)
	if err != nil {
		return nil, s.upstreamFailure(ctx, "status", kickoffID, MsgStatusFailed, err)
	}

	merged := make(map[string]any, len(status)+1)
	for k, v := range status {
		merged[k] = v
	}
	merged["local_data"] = nil
	record, err := s.store.Get(ctx, kickoffID)
	switch {
	case err == nil:
		merged["local_data"] = record
	case !stdErrors.Is(err, execution.ErrNotFound):
		s.log().Warn("读取本地执行记录失败", slog.String("kickoff_id", kickoffID), slog.Any("error", err))
	}
	return merged, nil
}

// GetPendingTasks 返回本地记录的任务视图。
func (s *Service) GetPendingTasks(ctx context.Context, kickoffID string) (*PendingView, error) {
	record, err := s.store.Get(ctx, kickoffID)
	if err != nil {
		if stdErrors.Is(err, execution.ErrNotFound) {
			return nil, xerrors.Wrap(execution.CodeExecutionNotFound, err, MsgExecutionNotFound,
				xerrors.WithMetadata("kickoff_id", kickoffID))
		}
		return nil, err
	}
	return &PendingView{
		KickoffID:      record.KickoffID,
		Status:         record.Status,
		PendingTasks:   record.PendingTasks,
		CompletedTasks: record.CompletedTasks,
	}, nil
}

// SubmitFeedback 把人工反馈转发给上游，成功后移除对应的待审核任务。
// 本地没有记录或任务时依旧转发，本地更新为空操作。
func (s *Service) SubmitFeedback(ctx context.Context, req FeedbackRequest) (*FeedbackResult, error) {
	if strings.TrimSpace(req.KickoffID) == "" || strings.TrimSpace(req.TaskID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, MsgFeedbackFields)
	}

	feedback := req.Feedback
	if feedback == "" {
		feedback = DefaultRevisionFeedback
		if req.Approved {
			feedback = DefaultApproveFeedback
		}
	}
	resume := crew.ResumeRequest{
		ExecutionID:   req.KickoffID,
		TaskID:        req.TaskID,
		HumanFeedback: feedback,
		IsApprove:     req.Approved,
		Webhooks:      s.webhooks,
	}
	if !req.Approved {
		if record, err := s.store.Get(ctx, req.KickoffID); err == nil {
			if task, ok := record.FindPending(req.TaskID); ok {
				output := task.TaskOutput
				resume.Output = &output
				resume.Inputs = map[string]any{"topic": record.Topic}
			}
		}
	}

	start := time.Now()
	upstream, err := s.crew.Resume(ctx, resume)
	s.metrics.ObserveUpstream("resume", time.Since(start), err)
	if err != nil {
		return nil, s.upstreamFailure(ctx, "resume", req.KickoffID, MsgFeedbackFailed, err)
	}

	var removed bool
	_, err = s.store.Update(ctx, req.KickoffID, func(record *execution.Record) error {
		removed = record.ResolvePending(req.TaskID)
		return nil
	})
	if err != nil && !stdErrors.Is(err, execution.ErrNotFound) {
		s.log().Error("反馈已提交但本地状态更新失败",
			slog.String("kickoff_id", req.KickoffID),
			slog.String("task_id", req.TaskID),
			slog.Any("error", err),
		)
	}

	logger.Audit().Info("人工反馈已提交",
		slog.String("kickoff_id", req.KickoffID),
		slog.String("task_id", req.TaskID),
		slog.Bool("approved", req.Approved),
		slog.Bool("pending_removed", removed),
	)
	return &FeedbackResult{ExecutionID: req.KickoffID, Upstream: upstream}, nil
}

// RecentEvents 返回某次执行最近收到的 webhook 事件。
func (s *Service) RecentEvents(ctx context.Context, kickoffID string, limit int) ([]events.Event, error) {
	reader, ok := events.AsReader(s.journal)
	if !ok {
		return nil, xerrors.New(CodeJournalUnreadable, MsgJournalNotReadable)
	}
	if err := s.flushJournal(ctx); err != nil {
		s.log().Warn("等待事件日志写入超时，返回已写入的部分", slog.String("kickoff_id", kickoffID), slog.Any("error", err))
	}
	return reader.Recent(ctx, kickoffID, limit)
}

func (s *Service) upstreamFailure(ctx context.Context, operation, kickoffID, message string, cause error) error {
	opts := []xerrors.Option{
		xerrors.WithDetails(crew.ErrorDetails(cause)),
		xerrors.WithMetadata("operation", operation),
	}
	var apiErr *crew.APIError
	if stdErrors.As(cause, &apiErr) {
		opts = append(opts, xerrors.WithMetadata("upstream_status", strconv.Itoa(apiErr.StatusCode)))
	}
	err := xerrors.Wrap(xerrors.CodeUpstreamFailure, cause, message, opts...)

	s.log().Error(message,
		slog.String("operation", operation),
		slog.String("kickoff_id", kickoffID),
		slog.Any("error", cause),
	)
	s.alert(ctx, operation, kickoffID, err)
	return err
}

func (s *Service) alert(ctx context.Context, operation, kickoffID string, err error) {
	if s.alerts == nil {
		return
	}
	event, ok := alerting.FromError(operation, kickoffID, err, s.now())
	if !ok {
		return
	}
	if !s.alertSem.TryAcquire(1) {
		s.log().Warn("在途告警过多，丢弃本次告警",
			slog.String("operation", operation),
			slog.String("kickoff_id", kickoffID),
		)
		return
	}
	// 告警在请求返回后继续发送，只保留 ctx 中的值。
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.alertTimeout)
	s.alertWG.Add(1)
	go func() {
		defer s.alertWG.Done()
		defer s.alertSem.Release(1)
		defer cancel()
		if notifyErr := s.alerts.Notify(notifyCtx, event); notifyErr != nil {
			s.log().Warn("告警发送失败", slog.String("operation", operation), slog.Any("error", notifyErr))
		}
	}()
}

func (s *Service) record(ctx context.Context, kind events.Kind, kickoffID string, raw json.RawMessage, fallback any) {
	if len(raw) == 0 {
		raw, _ = json.Marshal(fallback)
	}
	if err := s.journal.Publish(ctx, events.New(kind, kickoffID, raw, s.now())); err != nil {
		wrapped := xerrors.Wrap(events.CodePublishFailed, err, "webhook 事件写入日志失败")
		s.log().Warn(wrapped.Error(),
			slog.String("kind", string(kind)),
			slog.String("kickoff_id", kickoffID),
		)
	}
}
