package behavior

import (
	"testing"

	"fraud-sentinel/internal/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(results []Result) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.RuleName)
	}
	return out
}

func TestEvaluateRules(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name string
		ev   model.BehaviorEvent
		want []string
		sev  model.Severity
	}{
		{"high frequency click", model.BehaviorEvent{Kind: model.BehaviorClick, ClickFrequency: 12}, []string{"高频点击"}, model.SeverityHigh},
		{"calm click", model.BehaviorEvent{Kind: model.BehaviorClick, ClickFrequency: 3}, []string{}, model.SeverityNone},
		{"click boundary", model.BehaviorEvent{Kind: model.BehaviorClick, ClickFrequency: 10}, []string{"高频点击"}, model.SeverityHigh},
		{"rapid input", model.BehaviorEvent{Kind: model.BehaviorInput, InputSpeed: 501}, []string{"快速输入"}, model.SeverityMedium},
		{"input boundary", model.BehaviorEvent{Kind: model.BehaviorInput, InputSpeed: 500}, []string{}, model.SeverityNone},
		{"unknown navigation", model.BehaviorEvent{Kind: model.BehaviorNavigation, SourceAppID: "com.UNKNOWN.app"}, []string{"异常导航", "可疑应用操作"}, model.SeverityHigh},
		{"temp app scroll", model.BehaviorEvent{Kind: model.BehaviorScroll, SourceAppID: "com.temp.chat"}, []string{"可疑应用操作"}, model.SeverityHigh},
		{"bank navigation", model.BehaviorEvent{Kind: model.BehaviorNavigation, SourceAppID: "cn.mybank.app", ClickFrequency: 6}, []string{"异常转账行为"}, model.SeverityHigh},
		{"bank clicks outside navigation", model.BehaviorEvent{Kind: model.BehaviorClick, SourceAppID: "cn.mybank.app", ClickFrequency: 6}, []string{}, model.SeverityNone},
		{"switch storm", model.BehaviorEvent{Kind: model.BehaviorNavigation, SourceAppID: "com.tencent.mm", ClickFrequency: 21}, []string{"频繁切换应用"}, model.SeverityMedium},
		{"bank switch storm", model.BehaviorEvent{Kind: model.BehaviorNavigation, SourceAppID: "com.bank", ClickFrequency: 25}, []string{"异常转账行为", "频繁切换应用"}, model.SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Evaluate(tt.ev)
			assert.Equal(t, tt.want, names(got))
			assert.Equal(t, tt.sev, MaxSeverity(got))
		})
	}
}

func TestEvaluateCarriesReasonAndKind(t *testing.T) {
	got := NewEngine().Evaluate(model.BehaviorEvent{Kind: model.BehaviorClick, ClickFrequency: 12})
	require.Len(t, got, 1)
	assert.Equal(t, "检测到异常高频点击行为", got[0].Reason)
	assert.Equal(t, model.BehaviorClick, got[0].Kind)
}

func TestCustomRulesAreCopied(t *testing.T) {
	rules := []Rule{{Name: "always", Severity: model.SeverityLow, Match: func(model.BehaviorEvent) bool { return true }}}
	e := NewEngineWithRules(rules)
	rules[0].Name = "mutated"
	assert.Equal(t, []string{"always"}, names(e.Evaluate(model.BehaviorEvent{})))
}
