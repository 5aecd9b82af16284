package model

import "time"

// VerdictSource 标识结论来自哪条输入通道。
type VerdictSource string

const (
	SourceText          VerdictSource = "text"
	SourceChat          VerdictSource = "chat"
	SourceBehavior      VerdictSource = "behavior"
	SourceComprehensive VerdictSource = "comprehensive"
)

// RiskVerdict 是一次风险融合的输出，不落库；告警与取证是它的副作用。
type RiskVerdict struct {
	Severity         Severity      `json:"severity"`
	Reason           string        `json:"reason"`
	Confidence       float64       `json:"confidence"`
	MatchedKeywords  []string      `json:"matched_keywords"`
	MatchedBehaviors []string      `json:"matched_behaviors"`
	ProducedAt       time.Time     `json:"produced_at"`
	Source           VerdictSource `json:"source,omitempty"`
}

// IsRisky 表示是否需要面向用户（Medium 及以上）。
func (v RiskVerdict) IsRisky() bool {
	return v.Severity >= SeverityMedium
}
