package relay

import (
	"context"
	stdErrors "errors"
	"log/slog"

	xerrors "CrewRelay/internal/errors"
	"CrewRelay/internal/events"
	"CrewRelay/internal/execution"
	"CrewRelay/pkg/logger"
)

// HandleTaskWebhook 把任务回调归并到本地记录，随后异步写入事件日志。
// 未知执行 ID 直接确认，不创建记录。返回的错误应以 500 回给上游。
func (s *Service) HandleTaskWebhook(ctx context.Context, ev TaskEvent) (err error) {
	defer func() { s.metrics.ObserveWebhook(string(events.KindTask), err) }()

	now := s.now()
	human := execution.RequiresHumanInput(ev.ExpectedOutput)
	_, err = s.store.Update(ctx, ev.KickoffID, func(record *execution.Record) error {
		if human {
			record.AddPending(execution.PendingTask{
				TaskID:          ev.Name,
				TaskName:        ev.Name,
				TaskDescription: ev.Description,
				TaskOutput:      ev.Output,
				ExpectedOutput:  ev.ExpectedOutput,
				ReceivedAt:      now,
			})
			return nil
		}
		record.AddCompleted(execution.CompletedTask{
			TaskID:      ev.Name,
			TaskName:    ev.Name,
			TaskOutput:  ev.Output,
			CompletedAt: now,
		})
		return nil
	})
	s.record(ctx, events.KindTask, ev.KickoffID, ev.Raw, ev)
	if err != nil {
		if stdErrors.Is(err, execution.ErrNotFound) {
			s.log().Warn("任务回调的执行 ID 未知，忽略", slog.String("kickoff_id", ev.KickoffID), slog.String("task", ev.Name))
			return nil
		}
		return xerrors.Wrap(CodeWebhookProcessing, err, MsgWebhookFailed,
			xerrors.WithMetadata("kind", string(events.KindTask)),
			xerrors.WithMetadata("kickoff_id", ev.KickoffID))
	}

	logger.Audit().Info("收到任务回调",
		slog.String("kickoff_id", ev.KickoffID),
		slog.String("task", ev.Name),
		slog.Bool("requires_human_input", human),
	)
	return nil
}

// HandleStepWebhook 只记录步骤回调，不影响执行记录。
func (s *Service) HandleStepWebhook(ctx context.Context, ev StepEvent) error {
	s.record(ctx, events.KindStep, ev.KickoffID, ev.Raw, ev)
	s.metrics.ObserveWebhook(string(events.KindStep), nil)
	s.log().Debug("收到步骤回调",
		slog.String("kickoff_id", ev.KickoffID),
		slog.String("tool", ev.Tool),
	)
	return nil
}

// HandleCrewWebhook 标记执行完成并保存最终输出。重复回调以新值覆盖。
func (s *Service) HandleCrewWebhook(ctx context.Context, ev CrewEvent) (err error) {
	defer func() { s.metrics.ObserveWebhook(string(events.KindCrew), err) }()

	now := s.now()
	_, err = s.store.Update(ctx, ev.KickoffID, func(record *execution.Record) error {
		record.Complete(ev.Result, now)
		return nil
	})
	s.record(ctx, events.KindCrew, ev.KickoffID, ev.Raw, ev)
	if err != nil {
		if stdErrors.Is(err, execution.ErrNotFound) {
			s.log().Warn("crew 回调的执行 ID 未知，忽略", slog.String("kickoff_id", ev.KickoffID))
			return nil
		}
		return xerrors.Wrap(CodeWebhookProcessing, err, MsgWebhookFailed,
			xerrors.WithMetadata("kind", string(events.KindCrew)),
			xerrors.WithMetadata("kickoff_id", ev.KickoffID))
	}

	logger.Audit().Info("crew 执行完成",
		slog.String("kickoff_id", ev.KickoffID),
		slog.Int("result_length", len(ev.Result)),
	)
	return nil
}

// ReportWebhookFailure 记录 webhook 处理失败并按需告警。
func (s *Service) ReportWebhookFailure(ctx context.Context, kind events.Kind, kickoffID string, err error) {
	if err == nil {
		return
	}
	if _, ok := xerrors.From(err); !ok {
		err = xerrors.Wrap(CodeWebhookProcessing, err, MsgWebhookFailed)
	}
	s.log().Error(MsgWebhookFailed,
		slog.String("kind", string(kind)),
		slog.String("kickoff_id", kickoffID),
		slog.Any("error", err),
	)
	s.alert(ctx, "webhook."+string(kind), kickoffID, err)
}
