// Package behavior 是声明式的操作行为规则引擎。
//
// 规则是固定、有序、不可变的列表；每条规则是对 BehaviorEvent 的纯谓词，
// 彼此独立、互不排斥，一个事件可以同时触发多条规则。
package behavior

import (
	"strings"

	"fraud-sentinel/internal/domain/model"
)

// Rule 是一条行为规则。
type Rule struct {
	Name     string
	Severity model.Severity
	Reason   string
	Match    func(model.BehaviorEvent) bool
}

// Result 是一条触发的规则。
type Result struct {
	RuleName string             `json:"rule_name"`
	Severity model.Severity     `json:"severity"`
	Reason   string             `json:"reason"`
	Kind     model.BehaviorKind `json:"kind"`
}

// suspiciousAppMarkers 是可疑应用包名片段。
var suspiciousAppMarkers = []string{"com.unknown", "com.temp", "com.test"}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

var defaultRules = []Rule{
	{
		Name:     "高频点击",
		Severity: model.SeverityHigh,
		Reason:   "检测到异常高频点击行为",
		Match: func(e model.BehaviorEvent) bool {
			return e.Kind == model.BehaviorClick && e.ClickFrequency >= 10
		},
	},
	{
		Name:     "快速输入",
		Severity: model.SeverityMedium,
		Reason:   "检测到异常快速输入行为",
		Match: func(e model.BehaviorEvent) bool {
			return e.Kind == model.BehaviorInput && e.InputSpeed > 500
		},
	},
	{
		Name:     "异常导航",
		Severity: model.SeverityMedium,
		Reason:   "检测到来自未知来源的导航行为",
		Match: func(e model.BehaviorEvent) bool {
			return e.Kind == model.BehaviorNavigation && containsFold(e.SourceAppID, "unknown")
		},
	},
	{
		Name:     "可疑应用操作",
		Severity: model.SeverityHigh,
		Reason:   "检测到来自可疑应用的操作",
		Match: func(e model.BehaviorEvent) bool {
			for _, marker := range suspiciousAppMarkers {
				if containsFold(e.SourceAppID, marker) {
					return true
				}
			}
			return false
		},
	},
	{
		Name:     "异常转账行为",
		Severity: model.SeverityHigh,
		Reason:   "检测到异常的银行应用操作",
		Match: func(e model.BehaviorEvent) bool {
			return e.Kind == model.BehaviorNavigation && containsFold(e.SourceAppID, "bank") && e.ClickFrequency > 5
		},
	},
	{
		Name:     "频繁切换应用",
		Severity: model.SeverityMedium,
		Reason:   "检测到频繁切换应用的行为",
		Match: func(e model.BehaviorEvent) bool {
			return e.Kind == model.BehaviorNavigation && e.ClickFrequency > 20
		},
	},
}

// Engine 持有不可变的规则列表，可并发使用。
type Engine struct {
	rules []Rule
}

// NewEngine 使用内置规则集。
func NewEngine() *Engine {
	return &Engine{rules: defaultRules}
}

// NewEngineWithRules 使用自定义规则集（复制一份，调用方后续修改不影响引擎）。
func NewEngineWithRules(rules []Rule) *Engine {
	return &Engine{rules: append([]Rule(nil), rules...)}
}

// Rules 返回规则列表副本。
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate 返回所有谓词为真的规则，顺序与规则声明顺序一致。
func (e *Engine) Evaluate(ev model.BehaviorEvent) []Result {
	var out []Result
	for _, r := range e.rules {
		if r.Match != nil && r.Match(ev) {
			out = append(out, Result{
				RuleName: r.Name,
				Severity: r.Severity,
				Reason:   r.Reason,
				Kind:     ev.Kind,
			})
		}
	}
	return out
}

// MaxSeverity 归约一组规则结果的最高等级。
func MaxSeverity(results []Result) model.Severity {
	out := model.SeverityNone
	for _, r := range results {
		out = model.MaxSeverity(out, r.Severity)
	}
	return out
}
