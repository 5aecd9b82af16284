// Package risk 把关键词、消息上下文与操作行为融合成单一风险结论。
//
// 引擎无可变状态（词库缓存在匹配器内部），同一输入并发计算结果一致。
// 融合规则：等级取各子结论的最大值，从不取平均。
package risk

import (
	"context"
	"regexp"
	"strings"
	"time"

	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/services/behavior"
	"fraud-sentinel/internal/services/matcher"
)

const (
	reasonSeparator    = "；"
	behaviorConfidence = 0.7
)

// DefaultSenderPhrases 是冒充官方/客服的发送者片段。
var DefaultSenderPhrases = []string{"客服", "官方", "customer service", "official"}

// DefaultPlatformDenylist 是低可信来源平台标记。
var DefaultPlatformDenylist = []string{"unknown", "temp", "test", "临时", "测试", "未知"}

var phoneNumberPattern = regexp.MustCompile(`\d{11}`)

// TextScanner 对文本做关键词评估，*matcher.Matcher 实现该接口。
type TextScanner interface {
	Evaluate(ctx context.Context, text string) matcher.Result
}

// BehaviorEvaluator 对操作事件执行规则，*behavior.Engine 实现该接口。
type BehaviorEvaluator interface {
	Evaluate(ev model.BehaviorEvent) []behavior.Result
}

// Options 是引擎可调参数，零值字段使用默认值。
type Options struct {
	SenderPhrases    []string
	PlatformDenylist []string
	// Location 决定“可疑时段”按哪个时区取小时，默认 time.Local。
	Location *time.Location
	Now      func() time.Time
}

// Engine 是风险融合引擎。
type Engine struct {
	text     TextScanner
	behavior BehaviorEvaluator

	senderPhrases []string
	platformDeny  []string
	loc           *time.Location
	now           func() time.Time
}

func NewEngine(text TextScanner, rules BehaviorEvaluator, opts Options) *Engine {
	e := &Engine{
		text:          text,
		behavior:      rules,
		senderPhrases: lowerAll(opts.SenderPhrases),
		platformDeny:  lowerAll(opts.PlatformDenylist),
		loc:           opts.Location,
		now:           opts.Now,
	}
	if len(e.senderPhrases) == 0 {
		e.senderPhrases = lowerAll(DefaultSenderPhrases)
	}
	if len(e.platformDeny) == 0 {
		e.platformDeny = lowerAll(DefaultPlatformDenylist)
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// AnalyzeText 只基于关键词匹配给出结论。
func (e *Engine) AnalyzeText(ctx context.Context, text string) model.RiskVerdict {
	res := e.text.Evaluate(ctx, text)
	return model.RiskVerdict{
		Severity:         res.Severity,
		Reason:           res.Reason,
		Confidence:       res.Confidence,
		MatchedKeywords:  res.Keywords(),
		MatchedBehaviors: []string{},
		ProducedAt:       e.now(),
		Source:           model.SourceText,
	}
}

// AnalyzeChatMessage 在文本结论上叠加平台、发送者、发送时段三项上下文检查。
// 理由按 文本、平台、发送者、时段 的顺序拼接；置信度沿用文本置信度。
func (e *Engine) AnalyzeChatMessage(ctx context.Context, msg model.ChatMessage) model.RiskVerdict {
	v := e.AnalyzeText(ctx, msg.Content)

	platform := e.PlatformRisk(msg.PlatformID)
	sender := e.SenderRisk(msg.Sender)
	timing := e.TimeRisk(msg.Timestamp)

	var reasons []string
	if v.Reason != "" {
		reasons = append(reasons, v.Reason)
	}
	if platform != model.SeverityNone {
		reasons = append(reasons, "平台来源风险："+msg.PlatformID)
	}
	if sender != model.SeverityNone {
		reasons = append(reasons, "发送者风险："+msg.Sender)
	}
	if timing != model.SeverityNone {
		reasons = append(reasons, "发送时间异常")
	}

	v.Severity = model.MaxSeverity(v.Severity, platform, sender, timing)
	v.Reason = strings.Join(reasons, reasonSeparator)
	v.Source = model.SourceChat
	return v
}

// PlatformRisk 来源平台包含低可信标记时为 Medium。
func (e *Engine) PlatformRisk(platformID string) model.Severity {
	p := strings.ToLower(platformID)
	for _, token := range e.platformDeny {
		if strings.Contains(p, token) {
			return model.SeverityMedium
		}
	}
	return model.SeverityNone
}

// SenderRisk 发送者是 11 位号码或包含冒充官方/客服的片段时为 Medium。
func (e *Engine) SenderRisk(sender string) model.Severity {
	if phoneNumberPattern.MatchString(sender) {
		return model.SeverityMedium
	}
	s := strings.ToLower(sender)
	for _, phrase := range e.senderPhrases {
		if strings.Contains(s, phrase) {
			return model.SeverityMedium
		}
	}
	return model.SeverityNone
}

// TimeRisk 发送时刻落在 00:00~05:59 或 23:00~23:59 时为 Low。
func (e *Engine) TimeRisk(ts time.Time) model.Severity {
	if ts.IsZero() {
		return model.SeverityNone
	}
	hour := ts.In(e.loc).Hour()
	if hour <= 5 || hour == 23 {
		return model.SeverityLow
	}
	return model.SeverityNone
}

// AnalyzeBehavior 执行行为规则：等级取触发规则的最高等级，
// 有规则触发时置信度为固定 0.7，否则为 0。
func (e *Engine) AnalyzeBehavior(ev model.BehaviorEvent) model.RiskVerdict {
	results := e.behavior.Evaluate(ev)

	reasons := make([]string, 0, len(results))
	names := make([]string, 0, len(results))
	for _, r := range results {
		if r.Severity != model.SeverityNone && r.Reason != "" {
			reasons = append(reasons, r.Reason)
		}
		names = appendUnique(names, r.RuleName)
	}

	conf := 0.0
	if len(results) > 0 {
		conf = behaviorConfidence
	}
	return model.RiskVerdict{
		Severity:         behavior.MaxSeverity(results),
		Reason:           strings.Join(reasons, reasonSeparator),
		Confidence:       conf,
		MatchedKeywords:  []string{},
		MatchedBehaviors: names,
		ProducedAt:       e.now(),
		Source:           model.SourceBehavior,
	}
}

// AnalyzeComprehensive 对一批输入整体融合：
// 文本一次、每条消息一次、每个行为事件一次；等级取最大，理由拼接非空子理由，
// 关键词/行为按首次出现去重，置信度为全部子结论的算术平均（包括 0 置信度的 None 结论）。
func (e *Engine) AnalyzeComprehensive(ctx context.Context, text string, messages []model.ChatMessage, events []model.BehaviorEvent) model.RiskVerdict {
	subs := make([]model.RiskVerdict, 0, 1+len(messages)+len(events))
	subs = append(subs, e.AnalyzeText(ctx, text))
	for _, m := range messages {
		subs = append(subs, e.AnalyzeChatMessage(ctx, m))
	}
	for _, ev := range events {
		subs = append(subs, e.AnalyzeBehavior(ev))
	}

	out := Fuse(subs...)
	out.ProducedAt = e.now()
	out.Source = model.SourceComprehensive
	return out
}

// Fuse 合并若干子结论，结果等级不低于任何输入等级。
func Fuse(subs ...model.RiskVerdict) model.RiskVerdict {
	out := model.RiskVerdict{
		MatchedKeywords:  []string{},
		MatchedBehaviors: []string{},
	}
	if len(subs) == 0 {
		return out
	}

	var reasons []string
	total := 0.0
	for _, s := range subs {
		out.Severity = model.MaxSeverity(out.Severity, s.Severity)
		if s.Reason != "" {
			reasons = append(reasons, s.Reason)
		}
		for _, k := range s.MatchedKeywords {
			out.MatchedKeywords = appendUnique(out.MatchedKeywords, k)
		}
		for _, b := range s.MatchedBehaviors {
			out.MatchedBehaviors = appendUnique(out.MatchedBehaviors, b)
		}
		total += s.Confidence
	}
	out.Reason = strings.Join(reasons, reasonSeparator)
	out.Confidence = total / float64(len(subs))
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
