package app

import (
	"context"
	"sync"

	"fraud-sentinel/internal/services/monitor"
)

// AuditAppender 是写审计链的能力，*sqlite.Store 实现该接口。
type AuditAppender interface {
	AppendAudit(ctx context.Context, evidenceID, eventType, action, status, actor, source string, detail any) error
}

// AuditJournal 把监控留痕写入审计链（event_type=monitor）。
type AuditJournal struct {
	Store AuditAppender
	Actor string
}

func (j AuditJournal) Record(ctx context.Context, e monitor.Entry) error {
	detail := map[string]any{
		"session_id": e.SessionID,
		"at":         e.At.Unix(),
	}
	if e.Key != "" {
		detail["key"] = e.Key
	}
	if e.Verdict != nil {
		detail["severity"] = e.Verdict.Severity.String()
		detail["reason"] = e.Verdict.Reason
		detail["confidence"] = e.Verdict.Confidence
		detail["keywords"] = e.Verdict.MatchedKeywords
		detail["behaviors"] = e.Verdict.MatchedBehaviors
	}
	source := "monitor"
	if e.Stream != "" {
		source = string(e.Stream)
	}
	actor := j.Actor
	if actor == "" {
		actor = "sentinel"
	}
	return j.Store.AppendAudit(ctx, "", "monitor", string(e.Action), "success", actor, source, detail)
}

// AlertBus 把监控告警分发给多个接收方（WebSocket hub、CLI 输出等）。
// 运行期间可以随时挂载新的接收方。
type AlertBus struct {
	mu    sync.RWMutex
	next  int
	sinks []attachedSink
}

type attachedSink struct {
	id   int
	sink monitor.AlertSink
}

// Attach 挂载接收方，返回取消挂载的函数。
func (b *AlertBus) Attach(s monitor.AlertSink) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.sinks = append(b.sinks, attachedSink{id: id, sink: s})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, x := range b.sinks {
			if x.id == id {
				b.sinks = append(b.sinks[:i], b.sinks[i+1:]...)
				return
			}
		}
	}
}

func (b *AlertBus) Alert(ctx context.Context, a monitor.Alert) {
	b.mu.RLock()
	sinks := append([]attachedSink(nil), b.sinks...)
	b.mu.RUnlock()
	for _, s := range sinks {
		s.sink.Alert(ctx, a)
	}
}

// AlertFunc 把普通函数适配为 monitor.AlertSink。
type AlertFunc func(ctx context.Context, a monitor.Alert)

func (f AlertFunc) Alert(ctx context.Context, a monitor.Alert) { f(ctx, a) }
