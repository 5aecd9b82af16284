package risk

import (
	"context"
	"testing"
	"time"

	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/services/behavior"
	"fraud-sentinel/internal/services/matcher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	c := &model.Corpus{
		Version: "t",
		Categories: []model.KeywordCategory{
			{ID: "code", DisplayName: "验证码索取", Severity: model.SeverityHigh, Keywords: []string{"验证码"}},
			{ID: "invest", DisplayName: "投资理财", Severity: model.SeverityMedium, Keywords: []string{"高回报", "带单"}},
			{ID: "prize", DisplayName: "中奖诈骗", Severity: model.SeverityLow, Keywords: []string{"中奖"}},
		},
	}
	return NewEngine(matcher.NewWithCorpus(c), behavior.NewEngine(), Options{
		Location: time.UTC,
		Now:      func() time.Time { return fixedNow },
	})
}

func at(hour int) time.Time {
	return time.Date(2026, 10, 1, hour, 30, 0, 0, time.UTC)
}

func TestAnalyzeTextScenario(t *testing.T) {
	v := newTestEngine().AnalyzeText(context.Background(), "请提供验证码")
	assert.Equal(t, model.SeverityHigh, v.Severity)
	assert.Equal(t, []string{"验证码"}, v.MatchedKeywords)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Empty(t, v.MatchedBehaviors)
	assert.Equal(t, fixedNow, v.ProducedAt)
	assert.Equal(t, model.SourceText, v.Source)
}

func TestAnalyzeTextNoKeywords(t *testing.T) {
	v := newTestEngine().AnalyzeText(context.Background(), "周末一起吃饭")
	assert.Equal(t, model.SeverityNone, v.Severity)
	assert.Zero(t, v.Confidence)
	assert.Empty(t, v.MatchedKeywords)
	assert.Empty(t, v.Reason)
}

func TestAnalyzeChatMessageOffHoursOnly(t *testing.T) {
	msg := model.ChatMessage{ID: "m1", Sender: "张三", Content: "明天见", Timestamp: at(2), PlatformID: "com.tencent.mm"}
	v := newTestEngine().AnalyzeChatMessage(context.Background(), msg)
	assert.Equal(t, model.SeverityLow, v.Severity)
	assert.Equal(t, "发送时间异常", v.Reason)
	assert.Zero(t, v.Confidence)
}

func TestAnalyzeChatMessageReasonOrder(t *testing.T) {
	msg := model.ChatMessage{
		ID:         "m2",
		Sender:     "官方客服",
		Content:    "高回报项目",
		Timestamp:  at(23),
		PlatformID: "temp.chat",
	}
	v := newTestEngine().AnalyzeChatMessage(context.Background(), msg)
	assert.Equal(t, model.SeverityMedium, v.Severity)
	assert.Equal(t, "检测到投资理财相关内容：高回报；平台来源风险：temp.chat；发送者风险：官方客服；发送时间异常", v.Reason)
	assert.InDelta(t, 0.6, v.Confidence, 1e-9)
	assert.Equal(t, model.SourceChat, v.Source)
}

func TestSenderRisk(t *testing.T) {
	e := newTestEngine()
	assert.Equal(t, model.SeverityMedium, e.SenderRisk("13800138000"))
	assert.Equal(t, model.SeverityMedium, e.SenderRisk("+86 13800138000"))
	assert.Equal(t, model.SeverityMedium, e.SenderRisk("Official Support"))
	assert.Equal(t, model.SeverityMedium, e.SenderRisk("客服123"))
	assert.Equal(t, model.SeverityNone, e.SenderRisk("1380013800"))
	assert.Equal(t, model.SeverityNone, e.SenderRisk("妈妈"))

	custom := NewEngine(matcher.NewWithCorpus(&model.Corpus{}), behavior.NewEngine(), Options{SenderPhrases: []string{"警官"}})
	assert.Equal(t, model.SeverityMedium, custom.SenderRisk("李警官"))
	assert.Equal(t, model.SeverityNone, custom.SenderRisk("客服"))
}

func TestPlatformAndTimeRisk(t *testing.T) {
	e := newTestEngine()
	assert.Equal(t, model.SeverityMedium, e.PlatformRisk("UNKNOWN"))
	assert.Equal(t, model.SeverityMedium, e.PlatformRisk("未知来源"))
	assert.Equal(t, model.SeverityNone, e.PlatformRisk("sms"))

	for hour, want := range map[int]model.Severity{
		0: model.SeverityLow, 5: model.SeverityLow, 6: model.SeverityNone,
		12: model.SeverityNone, 22: model.SeverityNone, 23: model.SeverityLow,
	} {
		assert.Equal(t, want, e.TimeRisk(at(hour)), "hour %d", hour)
	}
	assert.Equal(t, model.SeverityNone, e.TimeRisk(time.Time{}))
}

func TestTimeRiskUsesConfiguredLocation(t *testing.T) {
	shanghai := time.FixedZone("CST", 8*3600)
	e := NewEngine(matcher.NewWithCorpus(&model.Corpus{}), behavior.NewEngine(), Options{Location: shanghai})
	// 18:00 UTC 是上海时间次日 02:00。
	assert.Equal(t, model.SeverityLow, e.TimeRisk(time.Date(2026, 10, 1, 18, 0, 0, 0, time.UTC)))
}

func TestAnalyzeBehavior(t *testing.T) {
	e := newTestEngine()

	v := e.AnalyzeBehavior(model.BehaviorEvent{Kind: model.BehaviorClick, ClickFrequency: 12})
	assert.Equal(t, model.SeverityHigh, v.Severity)
	assert.Equal(t, 0.7, v.Confidence)
	assert.Equal(t, []string{"高频点击"}, v.MatchedBehaviors)
	assert.Equal(t, "检测到异常高频点击行为", v.Reason)

	none := e.AnalyzeBehavior(model.BehaviorEvent{Kind: model.BehaviorClick, ClickFrequency: 3})
	assert.Equal(t, model.SeverityNone, none.Severity)
	assert.Zero(t, none.Confidence)
	assert.Empty(t, none.MatchedBehaviors)
}

func TestAnalyzeComprehensiveReducesToText(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	for _, text := range []string{"请提供验证码", "中奖了 带单", "你好"} {
		single := e.AnalyzeText(ctx, text)
		all := e.AnalyzeComprehensive(ctx, text, nil, nil)
		assert.Equal(t, single.Severity, all.Severity, text)
		assert.Equal(t, single.MatchedKeywords, all.MatchedKeywords, text)
		assert.Equal(t, single.Reason, all.Reason, text)
		assert.InDelta(t, single.Confidence, all.Confidence, 1e-9, text)
		assert.Equal(t, model.SourceComprehensive, all.Source)
	}
}

func TestAnalyzeComprehensiveFusion(t *testing.T) {
	e := newTestEngine()
	msgs := []model.ChatMessage{
		{ID: "1", Sender: "朋友", Content: "带单吗", Timestamp: at(12), PlatformID: "sms"},
		{ID: "2", Sender: "朋友", Content: "带单 中奖", Timestamp: at(12), PlatformID: "sms"},
	}
	evs := []model.BehaviorEvent{
		{Kind: model.BehaviorClick, ClickFrequency: 12},
		{Kind: model.BehaviorScroll},
	}
	v := e.AnalyzeComprehensive(context.Background(), "中奖", msgs, evs)

	require.Equal(t, model.SeverityHigh, v.Severity)
	assert.Equal(t, []string{"中奖", "带单"}, v.MatchedKeywords)
	assert.Equal(t, []string{"高频点击"}, v.MatchedBehaviors)

	// text 0.3, msg1 0.6, msg2 (0.6+0.3)/2, click 0.7, scroll 0
	want := (0.3 + 0.6 + 0.45 + 0.7 + 0) / 5
	assert.InDelta(t, want, v.Confidence, 1e-9)
	assert.Contains(t, v.Reason, "检测到异常高频点击行为")
}

func TestFuseNeverLowersSeverity(t *testing.T) {
	levels := []model.Severity{model.SeverityNone, model.SeverityLow, model.SeverityMedium, model.SeverityHigh}
	for _, a := range levels {
		for _, b := range levels {
			got := Fuse(model.RiskVerdict{Severity: a}, model.RiskVerdict{Severity: b})
			assert.GreaterOrEqual(t, int(got.Severity), int(model.MaxSeverity(a, b)))
		}
	}
	assert.Equal(t, model.SeverityNone, Fuse().Severity)
}
