package model

import (
	"strings"
	"time"
)

// BehaviorKind 表示用户操作事件类型。
type BehaviorKind string

const (
	BehaviorClick      BehaviorKind = "click"
	BehaviorInput      BehaviorKind = "input"
	BehaviorScroll     BehaviorKind = "scroll"
	BehaviorNavigation BehaviorKind = "navigation"
)

// ParseBehaviorKind 解析事件类型，兼容 CLICK / Navigation 等写法。
func ParseBehaviorKind(s string) (BehaviorKind, bool) {
	switch k := BehaviorKind(strings.ToLower(strings.TrimSpace(s))); k {
	case BehaviorClick, BehaviorInput, BehaviorScroll, BehaviorNavigation:
		return k, true
	default:
		return "", false
	}
}

// BehaviorEvent 是由信号采集端产生的一条操作事件，只被规则引擎消费一次。
type BehaviorEvent struct {
	Kind            BehaviorKind `json:"kind"`
	SourceAppID     string       `json:"source_app_id"`
	SourceViewClass string       `json:"source_view_class,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
	ClickFrequency  int          `json:"click_frequency"`
	InputSpeed      int          `json:"input_speed"` // 字符/秒
}

// Validate 拒绝负频率、负速度与未知类型。
func (e BehaviorEvent) Validate() error {
	if _, ok := ParseBehaviorKind(string(e.Kind)); !ok {
		return &InvalidInputError{Field: "kind", Reason: "unknown behavior kind " + string(e.Kind)}
	}
	if e.ClickFrequency < 0 {
		return &InvalidInputError{Field: "click_frequency", Reason: "must be >= 0"}
	}
	if e.InputSpeed < 0 {
		return &InvalidInputError{Field: "input_speed", Reason: "must be >= 0"}
	}
	return nil
}

// ChatMessage 是一条被观察到的聊天/短信消息。
// ID 只保证在单个监控会话内足够稳定，上游可能重复投递。
type ChatMessage struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	PlatformID string    `json:"platform_id"`
	IsRevoked  bool      `json:"is_revoked"`
	IsDeleted  bool      `json:"is_deleted"`
}

func (m ChatMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return &InvalidInputError{Field: "id", Reason: "is required"}
	}
	if m.Timestamp.IsZero() {
		return &InvalidInputError{Field: "timestamp", Reason: "is required"}
	}
	return nil
}
