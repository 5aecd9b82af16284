// Package monitor 是风险监控状态机：Idle ⇄ Monitoring。
//
// 监控期间持有文本、聊天消息、操作行为三个独立订阅，每条输入计算一次结论并按等级分派：
// High 发紧急告警并触发取证，Medium 发可忽略告警，Low 只记录，None 不处理。
// 单条流内按到达顺序处理，流之间不保证顺序。
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/hash"
	"fraud-sentinel/internal/platform/id"
	"fraud-sentinel/internal/platform/logging"
	"fraud-sentinel/internal/platform/metrics"
	"fraud-sentinel/internal/platform/pubsub"
)

// DefaultDedupeWindow 内相同结论只告警、只触发取证一次。
const DefaultDedupeWindow = 2 * time.Minute

type State string

const (
	StateIdle       State = "idle"
	StateMonitoring State = "monitoring"
)

// Stream 标识输入通道。
type Stream string

const (
	StreamText     Stream = "text"
	StreamChat     Stream = "chat"
	StreamBehavior Stream = "behavior"
)

// Analyzer 计算单条输入的风险结论，*risk.Engine 实现该接口。
type Analyzer interface {
	AnalyzeText(ctx context.Context, text string) model.RiskVerdict
	AnalyzeChatMessage(ctx context.Context, msg model.ChatMessage) model.RiskVerdict
	AnalyzeBehavior(ev model.BehaviorEvent) model.RiskVerdict
}

// Signals 是三条输入流。
type Signals struct {
	Text     *pubsub.Topic[string]
	Chat     *pubsub.Topic[model.ChatMessage]
	Behavior *pubsub.Topic[model.BehaviorEvent]
}

func NewSignals(buffer int) *Signals {
	return &Signals{
		Text:     pubsub.NewTopic[string](buffer),
		Chat:     pubsub.NewTopic[model.ChatMessage](buffer),
		Behavior: pubsub.NewTopic[model.BehaviorEvent](buffer),
	}
}

// Close 关闭全部输入流。
func (s *Signals) Close() {
	s.Text.Close()
	s.Chat.Close()
	s.Behavior.Close()
}

type AlertLevel string

const (
	// AlertUrgent 对应模态级告警，需要用户立即处理。
	AlertUrgent AlertLevel = "urgent"
	// AlertPassive 可被用户直接忽略。
	AlertPassive AlertLevel = "passive"
)

// Alert 是推送给界面的告警。Key 用于误报标记。
type Alert struct {
	ID       string            `json:"id"`
	Level    AlertLevel        `json:"level"`
	Key      string            `json:"key"`
	Stream   Stream            `json:"stream"`
	Verdict  model.RiskVerdict `json:"verdict"`
	RaisedAt time.Time         `json:"raised_at"`
}

// AlertSink 接收告警，例如 WebSocket hub 或 CLI 输出。
type AlertSink interface {
	Alert(ctx context.Context, a Alert)
}

// Collector 是取证流程的启动入口，*evidence.Workflow 实现该接口。
// Start 在已有采集会话时返回 false。
type Collector interface {
	Start(ctx context.Context, trigger model.RiskVerdict) bool
	Stop()
}

// Action 是监控器对一条结论采取的动作，写入留痕。
type Action string

const (
	ActionRecorded          Action = "recorded"
	ActionAlerted           Action = "alerted"
	ActionCollectionStarted Action = "collection_started"
	ActionCollectionBusy    Action = "collection_busy"
	ActionFalsePositive     Action = "false_positive"
	ActionMonitoringStarted Action = "monitoring_started"
	ActionMonitoringStopped Action = "monitoring_stopped"
)

// Entry 是一条监控留痕。
type Entry struct {
	SessionID string
	Key       string
	Action    Action
	Stream    Stream
	Verdict   *model.RiskVerdict
	At        time.Time
}

// Journal 持久化监控留痕（审计链）。
type Journal interface {
	Record(ctx context.Context, e Entry) error
}

type Options struct {
	Sink         AlertSink
	Collector    Collector
	Journal      Journal
	Logger       *slog.Logger
	DedupeWindow time.Duration
	Now          func() time.Time
}

// Status 是状态快照。
type Status struct {
	State          State     `json:"state"`
	SessionID      string    `json:"session_id,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	ActiveAlerts   int       `json:"active_alerts"`
	FalsePositives int       `json:"false_positives"`
}

// Monitor 是风险监控器。构造后处于 Idle。
type Monitor struct {
	analyzer  Analyzer
	signals   *Signals
	sink      AlertSink
	collector Collector
	journal   Journal
	logger    *slog.Logger
	window    time.Duration
	now       func() time.Time

	mu        sync.Mutex
	state     State
	sessionID string
	startedAt time.Time
	cancel    context.CancelFunc
	subs      []interface{ Cancel() }
	wg        sync.WaitGroup

	lastSeen       map[string]time.Time
	falsePositives map[string]struct{}
	alerts         map[string]Alert
}

func New(analyzer Analyzer, signals *Signals, opts Options) *Monitor {
	m := &Monitor{
		analyzer:       analyzer,
		signals:        signals,
		sink:           opts.Sink,
		collector:      opts.Collector,
		journal:        opts.Journal,
		logger:         logging.OrDefault(opts.Logger),
		window:         opts.DedupeWindow,
		now:            opts.Now,
		state:          StateIdle,
		lastSeen:       make(map[string]time.Time),
		falsePositives: make(map[string]struct{}),
		alerts:         make(map[string]Alert),
	}
	if m.window <= 0 {
		m.window = DefaultDedupeWindow
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// State 返回当前状态。
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:          m.state,
		SessionID:      m.sessionID,
		StartedAt:      m.startedAt,
		ActiveAlerts:   len(m.alerts),
		FalsePositives: len(m.falsePositives),
	}
}

// Start 进入 Monitoring 并订阅三条输入流；已在监控中时为 no-op，返回 false。
func (m *Monitor) Start(ctx context.Context) bool {
	m.mu.Lock()
	if m.state == StateMonitoring {
		m.mu.Unlock()
		return false
	}
	sessionID := id.New("mon")
	runCtx, cancel := context.WithCancel(logging.WithSessionID(ctx, sessionID))

	textSub := m.signals.Text.Subscribe()
	chatSub := m.signals.Chat.Subscribe()
	behaviorSub := m.signals.Behavior.Subscribe()

	m.state = StateMonitoring
	m.sessionID = sessionID
	m.startedAt = m.now()
	m.cancel = cancel
	m.subs = []interface{ Cancel() }{textSub, chatSub, behaviorSub}
	m.wg.Add(3)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		consume(runCtx, textSub, func(text string) { m.handleText(runCtx, sessionID, text) })
	}()
	go func() {
		defer m.wg.Done()
		consume(runCtx, chatSub, func(msg model.ChatMessage) { m.handleChat(runCtx, sessionID, msg) })
	}()
	go func() {
		defer m.wg.Done()
		consume(runCtx, behaviorSub, func(ev model.BehaviorEvent) { m.handleBehavior(runCtx, sessionID, ev) })
	}()

	m.logger.Info("risk monitoring started", "session_id", sessionID)
	m.record(runCtx, Entry{Action: ActionMonitoringStarted})
	return true
}

// Stop 取消三个订阅并回到 Idle，不等待正在处理的条目完成；
// 这些条目算完后会被丢弃，不再告警或触发取证。
// 同时通知取证流程停止（进行中的会话会立即进入封存）。
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state != StateMonitoring {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	subs := m.subs
	sessionID := m.sessionID
	m.state = StateIdle
	m.cancel = nil
	m.subs = nil
	m.sessionID = ""
	m.startedAt = time.Time{}
	m.mu.Unlock()

	cancel()
	for _, s := range subs {
		s.Cancel()
	}
	if m.collector != nil {
		m.collector.Stop()
	}
	m.logger.Info("risk monitoring stopped", "session_id", sessionID)
	m.record(logging.WithSessionID(context.Background(), sessionID), Entry{Action: ActionMonitoringStopped})
}

// Wait 阻塞直到三个消费协程全部退出（用于进程退出前收尾）。
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func consume[T any](ctx context.Context, sub *pubsub.Subscription[T], handle func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case v := <-sub.C:
			if ctx.Err() != nil {
				return
			}
			handle(v)
		}
	}
}

func (m *Monitor) handleText(ctx context.Context, sessionID, text string) {
	defer m.recoverItem(ctx, StreamText)
	if strings.TrimSpace(text) == "" {
		return
	}
	m.dispatch(ctx, sessionID, StreamText, m.analyzer.AnalyzeText(ctx, text))
}

func (m *Monitor) handleChat(ctx context.Context, sessionID string, msg model.ChatMessage) {
	defer m.recoverItem(ctx, StreamChat)
	if err := msg.Validate(); err != nil {
		m.dropInvalid(ctx, StreamChat, err)
		return
	}
	m.dispatch(ctx, sessionID, StreamChat, m.analyzer.AnalyzeChatMessage(ctx, msg))
}

func (m *Monitor) handleBehavior(ctx context.Context, sessionID string, ev model.BehaviorEvent) {
	defer m.recoverItem(ctx, StreamBehavior)
	if err := ev.Validate(); err != nil {
		m.dropInvalid(ctx, StreamBehavior, err)
		return
	}
	m.dispatch(ctx, sessionID, StreamBehavior, m.analyzer.AnalyzeBehavior(ev))
}

func (m *Monitor) dropInvalid(ctx context.Context, stream Stream, err error) {
	metrics.InvalidInputsTotal.WithLabelValues(string(stream)).Inc()
	m.log(ctx).Warn("drop invalid input", "stream", stream, "error", err)
}

// recoverItem 保证单条输入的异常不会终止订阅。
func (m *Monitor) recoverItem(ctx context.Context, stream Stream) {
	if r := recover(); r != nil {
		m.log(ctx).Error("risk evaluation panicked", "stream", stream, "panic", fmt.Sprint(r))
	}
}

func (m *Monitor) log(ctx context.Context) *slog.Logger {
	if sid := logging.SessionID(ctx); sid != "" {
		return m.logger.With("session_id", sid)
	}
	return m.logger
}

// VerdictKey 是结论的去重键：等级 + 理由 + 关键词 + 行为。
func VerdictKey(v model.RiskVerdict) string {
	return hash.Text(
		v.Severity.String(),
		v.Reason,
		strings.Join(v.MatchedKeywords, ","),
		strings.Join(v.MatchedBehaviors, ","),
	)
}

// Dispatch 按等级处理一条已计算好的结论（批量分析入口也复用它）。
// 不要求处于 Monitoring；ctx 已取消时丢弃。
func (m *Monitor) Dispatch(ctx context.Context, stream Stream, v model.RiskVerdict) {
	m.dispatch(ctx, "", stream, v)
}

// sessionOpenLocked 判断结论是否仍属于当前监控会话。sessionID 为空表示不绑定会话。
func (m *Monitor) sessionOpenLocked(ctx context.Context, sessionID string) bool {
	if ctx.Err() != nil {
		return false
	}
	return sessionID == "" || (m.state == StateMonitoring && m.sessionID == sessionID)
}

// dispatch 处理一条结论。sessionID 非空时，会话结束后到达的结论被丢弃。
func (m *Monitor) dispatch(ctx context.Context, sessionID string, stream Stream, v model.RiskVerdict) {
	if ctx.Err() != nil {
		return
	}
	metrics.VerdictsTotal.WithLabelValues(string(stream), v.Severity.String()).Inc()
	if v.Severity == model.SeverityNone {
		return
	}

	key := VerdictKey(v)
	logger := m.log(ctx).With("stream", stream, "severity", v.Severity.String(), "key", key[:12])

	now := m.now()
	m.mu.Lock()
	if !m.sessionOpenLocked(ctx, sessionID) {
		m.mu.Unlock()
		logger.Debug("verdict discarded after monitoring stopped")
		return
	}
	if _, ok := m.falsePositives[key]; ok {
		m.mu.Unlock()
		metrics.SuppressedVerdictsTotal.WithLabelValues("false_positive").Inc()
		logger.Debug("verdict suppressed as false positive")
		return
	}
	if v.Severity >= model.SeverityMedium {
		if last, ok := m.lastSeen[key]; ok && now.Sub(last) < m.window {
			m.mu.Unlock()
			metrics.SuppressedVerdictsTotal.WithLabelValues("duplicate").Inc()
			logger.Debug("duplicate verdict suppressed")
			return
		}
		m.lastSeen[key] = now
		m.pruneLocked(now)
	}
	m.mu.Unlock()

	switch v.Severity {
	case model.SeverityLow:
		logger.Info("low risk recorded", "reason", v.Reason)
		m.record(ctx, Entry{Key: key, Action: ActionRecorded, Stream: stream, Verdict: &v})

	case model.SeverityMedium:
		m.raise(ctx, AlertPassive, key, stream, v)
		m.record(ctx, Entry{Key: key, Action: ActionAlerted, Stream: stream, Verdict: &v})

	case model.SeverityHigh:
		m.raise(ctx, AlertUrgent, key, stream, v)
		started, open := m.startCollection(ctx, sessionID, v)
		if !open {
			logger.Debug("collection skipped: monitoring stopped")
			return
		}
		action := ActionCollectionBusy
		if started {
			action = ActionCollectionStarted
			logger.Warn("high risk: evidence collection started", "reason", v.Reason)
		} else {
			logger.Warn("high risk: evidence collection already running", "reason", v.Reason)
		}
		m.record(ctx, Entry{Key: key, Action: action, Stream: stream, Verdict: &v})
	}
}

// startCollection 在持锁状态下复查会话后启动取证，保证 Stop 之后不会再开启新的采集。
// open 为 false 表示会话已结束。
func (m *Monitor) startCollection(ctx context.Context, sessionID string, v model.RiskVerdict) (started, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sessionOpenLocked(ctx, sessionID) {
		return false, false
	}
	if m.collector == nil {
		return false, true
	}
	return m.collector.Start(context.WithoutCancel(ctx), v), true
}

func (m *Monitor) raise(ctx context.Context, level AlertLevel, key string, stream Stream, v model.RiskVerdict) {
	a := Alert{
		ID:       id.New("alert"),
		Level:    level,
		Key:      key,
		Stream:   stream,
		Verdict:  v,
		RaisedAt: m.now(),
	}
	m.mu.Lock()
	m.alerts[a.ID] = a
	m.mu.Unlock()

	metrics.AlertsTotal.WithLabelValues(string(level)).Inc()
	if m.sink != nil {
		m.sink.Alert(ctx, a)
	}
}

// pruneLocked 清理超出去重窗口的键，避免长时间监控时无限增长。
func (m *Monitor) pruneLocked(now time.Time) {
	for k, t := range m.lastSeen {
		if now.Sub(t) >= m.window {
			delete(m.lastSeen, k)
		}
	}
}

func (m *Monitor) record(ctx context.Context, e Entry) {
	if m.journal == nil {
		return
	}
	if e.SessionID == "" {
		e.SessionID = logging.SessionID(ctx)
	}
	if e.At.IsZero() {
		e.At = m.now()
	}
	if err := m.journal.Record(ctx, e); err != nil {
		m.log(ctx).Warn("journal monitor event failed", "action", e.Action, "error", err)
	}
}

// ActiveAlerts 返回尚未被忽略的告警，按时间排序。
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RaisedAt.Before(out[j].RaisedAt)
	})
	return out
}

// Dismiss 关闭一条告警，不影响后续同类结论。
func (m *Monitor) Dismiss(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[alertID]; !ok {
		return false
	}
	delete(m.alerts, alertID)
	return true
}

// MarkFalsePositive 把结论键标记为误报：相关告警被关闭，之后同键结论不再告警或触发取证。
// 参数可以是告警 ID 或结论键。
func (m *Monitor) MarkFalsePositive(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", &model.InvalidInputError{Field: "key", Reason: "is required"}
	}

	m.mu.Lock()
	key := ref
	if a, ok := m.alerts[ref]; ok {
		key = a.Key
	}
	m.falsePositives[key] = struct{}{}
	for alertID, a := range m.alerts {
		if a.Key == key {
			delete(m.alerts, alertID)
		}
	}
	sessionID := m.sessionID
	m.mu.Unlock()

	m.record(logging.WithSessionID(ctx, sessionID), Entry{Key: key, Action: ActionFalsePositive})
	return key, nil
}

// ClearFalsePositives 清空误报标记。
func (m *Monitor) ClearFalsePositives() {
	m.mu.Lock()
	m.falsePositives = make(map[string]struct{})
	m.mu.Unlock()
}
