package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	xerrors "CrewRelay/internal/errors"
	"CrewRelay/internal/events"
	"CrewRelay/internal/relay"
)

const (
	maxRequestBody = 1 << 20
	// 任务输出可能很长，webhook 单独放宽限制。
	maxWebhookBody = 16 << 20
	defaultEvents  = 50
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"timestamp":   s.opts.Now().UTC().Format(time.RFC3339Nano),
		"crew_url":    s.opts.CrewURL,
		"webhook_url": s.opts.WebhookURL,
	})
}

func (s *Server) handleInputs(w http.ResponseWriter, r *http.Request) {
	body, err := s.relay.GetInputs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, body)
}

type kickoffRequest struct {
	Topic string `json:"topic"`
}

func (s *Server) handleKickoff(w http.ResponseWriter, r *http.Request) {
	var req kickoffRequest
	// 请求体无法解析时按缺少 topic 处理。
	_ = json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req)

	res, err := s.relay.Kickoff(r.Context(), req.Topic)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"kickoff_id": res.KickoffID,
		"message":    relay.MsgKickoffStarted,
		"status":     res.Status,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	merged, err := s.relay.GetStatus(r.Context(), chi.URLParam(r, "kickoffID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (s *Server) handlePendingTasks(w http.ResponseWriter, r *http.Request) {
	view, err := s.relay.GetPendingTasks(r.Context(), chi.URLParam(r, "kickoffID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req relay.FeedbackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, relay.MsgFeedbackFields))
		return
	}
	res, err := s.relay.SubmitFeedback(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      relay.MsgFeedbackSubmitted,
		"execution_id": res.ExecutionID,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	kickoffID := chi.URLParam(r, "kickoffID")
	limit := defaultEvents
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	list, err := s.relay.RecentEvents(r.Context(), kickoffID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kickoff_id": kickoffID,
		"events":     list,
	})
}

func (s *Server) handleTaskWebhook(w http.ResponseWriter, r *http.Request) {
	s.recoverWebhook(w, r, events.KindTask, true, func(raw json.RawMessage) (string, error) {
		var ev relay.TaskEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return "", fmt.Errorf("解析任务回调失败: %w", err)
		}
		ev.Raw = raw
		return ev.KickoffID, s.relay.HandleTaskWebhook(r.Context(), ev)
	})
}

func (s *Server) handleStepWebhook(w http.ResponseWriter, r *http.Request) {
	s.recoverWebhook(w, r, events.KindStep, false, func(raw json.RawMessage) (string, error) {
		var ev relay.StepEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return "", fmt.Errorf("解析步骤回调失败: %w", err)
		}
		ev.Raw = raw
		return ev.KickoffID, s.relay.HandleStepWebhook(r.Context(), ev)
	})
}

func (s *Server) handleCrewWebhook(w http.ResponseWriter, r *http.Request) {
	s.recoverWebhook(w, r, events.KindCrew, false, func(raw json.RawMessage) (string, error) {
		var ev relay.CrewEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return "", fmt.Errorf("解析 crew 回调失败: %w", err)
		}
		ev.Raw = raw
		return ev.KickoffID, s.relay.HandleCrewWebhook(r.Context(), ev)
	})
}

// recoverWebhook 统一捕获 webhook 处理中的错误与 panic。
// surface 为 false 时任何失败都以 {"received": true} 确认。
func (s *Server) recoverWebhook(w http.ResponseWriter, r *http.Request, kind events.Kind, surface bool, handle func(raw json.RawMessage) (string, error)) {
	var (
		kickoffID string
		err       error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		var raw []byte
		raw, err = io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			return
		}
		if len(strings.TrimSpace(string(raw))) == 0 {
			raw = []byte("{}")
		}
		kickoffID, err = handle(raw)
	}()

	if err != nil {
		s.relay.ReportWebhookFailure(r.Context(), kind, kickoffID, err)
		if surface {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": relay.MsgWebhookFailed})
			return
		}
		s.log.Warn("webhook 处理失败，已按成功确认", slog.String("kind", string(kind)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}
