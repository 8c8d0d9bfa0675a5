package api

import (
	"encoding/json"
	"net/http"
	"strings"

	xerrors "CrewRelay/internal/errors"
	"CrewRelay/internal/relay"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError 按错误码映射 HTTP 状态，响应体为 {"error": 文案, "details": 上游详情}。
func writeError(w http.ResponseWriter, err error) {
	e, ok := xerrors.From(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal server error"})
		return
	}
	body := map[string]any{"error": e.Message()}
	if details := e.Details(); details != nil {
		body["details"] = details
	}
	writeJSON(w, statusFor(e.Code()), body)
}

func statusFor(code xerrors.Code) int {
	switch {
	case code == xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case code == xerrors.CodeNotFound, strings.HasSuffix(string(code), "_NOT_FOUND"):
		return http.StatusNotFound
	case code == relay.CodeJournalUnreadable:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
