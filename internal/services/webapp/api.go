package webapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/services/monitor"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "webapp",
		"time":    time.Now().Unix(),
	})
}

// --- monitor ---

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitor": s.rt.Monitor.Status()})
}

// handleMonitorRoutes:
// - POST /api/monitor/start
// - POST /api/monitor/stop
func (s *Server) handleMonitorRoutes(w http.ResponseWriter, r *http.Request) {
	action, _ := splitRoute(r.URL.Path, "/api/monitor/")
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch action {
	case "start":
		changed := s.rt.Monitor.Start(s.base)
		writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "monitor": s.rt.Monitor.Status()})
	case "stop":
		before := s.rt.Monitor.State()
		s.rt.Monitor.Stop()
		writeJSON(w, http.StatusOK, map[string]any{
			"changed": before == monitor.StateMonitoring,
			"monitor": s.rt.Monitor.Status(),
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleSignalRoutes 是信号采集端的推送入口：
// - POST /api/signals/text      {"text": "..."}
// - POST /api/signals/chat      ChatMessage
// - POST /api/signals/behavior  BehaviorEvent
//
// 只在 Monitoring 状态下接收；空闲时返回 409，避免输入被静默丢弃。
func (s *Server) handleSignalRoutes(w http.ResponseWriter, r *http.Request) {
	kind, _ := splitRoute(r.URL.Path, "/api/signals/")
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.rt.Monitor.State() != monitor.StateMonitoring {
		writeError(w, http.StatusConflict, errors.New("monitor is idle"))
		return
	}

	var err error
	switch kind {
	case "text":
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		err = s.rt.Signals.Text.Publish(r.Context(), req.Text)
	case "chat":
		var msg model.ChatMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		if err := msg.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		err = s.rt.Signals.Chat.Publish(r.Context(), msg)
	case "behavior":
		var ev model.BehaviorEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		if k, ok := model.ParseBehaviorKind(string(ev.Kind)); ok {
			ev.Kind = k
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		if err := ev.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		err = s.rt.Signals.Behavior.Publish(r.Context(), ev)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type analyzeRequest struct {
	Text     string                `json:"text"`
	Messages []model.ChatMessage   `json:"messages"`
	Events   []model.BehaviorEvent `json:"events"`
}

// handleAnalyze 对一批输入做综合评估，不触发告警与取证。
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	for i, m := range req.Messages {
		if err := m.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("messages[%d]: %w", i, err))
			return
		}
	}
	for i, ev := range req.Events {
		if err := ev.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("events[%d]: %w", i, err))
			return
		}
	}

	v := s.rt.Engine.AnalyzeComprehensive(r.Context(), req.Text, req.Messages, req.Events)
	writeJSON(w, http.StatusOK, map[string]any{
		"verdict":        v,
		"key":            monitor.VerdictKey(v),
		"severity_label": v.Severity.DisplayName(),
		"degraded":       s.rt.Matcher.Degraded(),
	})
}

// --- alerts ---

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.rt.Monitor.ActiveAlerts()})
}

// handleAlertRoutes:
// - POST /api/alerts/{alert_id}/dismiss
// - POST /api/alerts/{alert_id}/false-positive
func (s *Server) handleAlertRoutes(w http.ResponseWriter, r *http.Request) {
	alertID, rest := splitRoute(r.URL.Path, "/api/alerts/")
	if alertID == "" || len(rest) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch rest[0] {
	case "dismiss":
		if !s.rt.Monitor.Dismiss(alertID) {
			writeError(w, http.StatusNotFound, fmt.Errorf("alert not found: %s", alertID))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "alert_id": alertID})
	case "false-positive":
		key, err := s.rt.Monitor.MarkFalsePositive(r.Context(), alertID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "key": key})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleFalsePositives:
// - POST   /api/false-positives {"key": "..."}：按结论键标记误报
// - DELETE /api/false-positives：清空误报标记
func (s *Server) handleFalsePositives(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Key string `json:"key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		key, err := s.rt.Monitor.MarkFalsePositive(r.Context(), req.Key)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "key": key})
	case http.MethodDelete:
		s.rt.Monitor.ClearFalsePositives()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// --- collection ---

func (s *Server) handleCollectionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collection": s.rt.Workflow.Status()})
}

// handleCollectionStop 请求提前封存当前采集会话，不等待封存完成。
func (s *Server) handleCollectionStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.rt.Workflow.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"collection": s.rt.Workflow.Status()})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string, def bool) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return def
	}
	switch s {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

// operatorOf 从可选请求体中取 operator，缺省使用服务配置。
func (s *Server) operatorOf(r *http.Request) (operator, note string) {
	var req struct {
		Operator string `json:"operator,omitempty"`
		Note     string `json:"note,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req) // 允许空 body
	operator = strings.TrimSpace(req.Operator)
	if operator == "" {
		operator = s.opts.Operator
	}
	return operator, strings.TrimSpace(req.Note)
}
