package matcher

import (
	"context"
	"errors"
	"testing"

	"fraud-sentinel/internal/adapters/corpus"
	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCorpus() *model.Corpus {
	return &model.Corpus{
		Version: "t",
		Categories: []model.KeywordCategory{
			{ID: "code", DisplayName: "验证码索取", Severity: model.SeverityHigh, Keywords: []string{"验证码", "OTP"}},
			{ID: "invest", DisplayName: "投资理财", Severity: model.SeverityMedium, Keywords: []string{"高回报", "带单", "返利", "刷单"}},
			{ID: "prize", DisplayName: "中奖诈骗", Severity: model.SeverityLow, Keywords: []string{"中奖"}},
		},
	}
}

func TestScanVerificationCodeIsHigh(t *testing.T) {
	m := NewWithCorpus(testCorpus())
	res := m.Evaluate(context.Background(), "请提供验证码")

	assert.Equal(t, model.SeverityHigh, res.Severity)
	assert.Equal(t, []string{"验证码"}, res.Keywords())
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, "检测到验证码索取相关内容：验证码", res.Reason)
}

func TestScanIsCaseInsensitiveAndExhaustive(t *testing.T) {
	m := NewWithCorpus(testCorpus())
	matches := m.Scan(context.Background(), "your otp: 1234, 高回报 带单 返利 刷单, 恭喜中奖")

	require.Len(t, matches, 6)
	assert.Equal(t, "OTP", matches[0].Keyword)
	assert.Equal(t, "code", matches[0].CategoryID)
	assert.Equal(t, model.SeverityLow, matches[5].Severity)
}

func TestScanIsDeterministic(t *testing.T) {
	m := NewWithCorpus(testCorpus())
	text := "带单返利，验证码发我"
	assert.Equal(t, m.Scan(context.Background(), text), m.Scan(context.Background(), text))
}

func TestNoMatchYieldsNone(t *testing.T) {
	m := NewWithCorpus(testCorpus())
	res := m.Evaluate(context.Background(), "今天天气不错")
	assert.Equal(t, model.SeverityNone, res.Severity)
	assert.Zero(t, res.Confidence)
	assert.Empty(t, res.Reason)
	assert.Empty(t, res.Keywords())
}

func TestReasonTakesFirstThreePerCategory(t *testing.T) {
	m := NewWithCorpus(testCorpus())
	reason := m.Reason(context.Background(), "刷单 返利 带单 高回报 验证码")
	assert.Equal(t, "检测到验证码索取相关内容：验证码；检测到投资理财相关内容：高回报, 带单, 返利", reason)
}

func TestConfidenceWeights(t *testing.T) {
	matches := []model.KeywordMatch{
		{Severity: model.SeverityHigh},
		{Severity: model.SeverityMedium},
		{Severity: model.SeverityLow},
	}
	assert.InDelta(t, (1.0+0.6+0.3)/3, Confidence(matches), 1e-9)
	assert.InDelta(t, 0.6, Confidence(matches[1:2]), 1e-9)
	assert.Zero(t, Confidence(nil))
}

func TestAllKeywordsAndByCategory(t *testing.T) {
	m := NewWithCorpus(testCorpus())
	ctx := context.Background()
	assert.Len(t, m.AllKeywords(ctx), 7)
	assert.Equal(t, []string{"中奖"}, m.KeywordsByCategory(ctx, "prize"))
	assert.Nil(t, m.KeywordsByCategory(ctx, "missing"))
}

type flakySource struct {
	calls int
	fail  int
}

func (f *flakySource) Load(context.Context) (*model.Corpus, error) {
	f.calls++
	if f.calls <= f.fail {
		return nil, &model.CorpusLoadError{Path: "x", Err: errors.New("corrupt")}
	}
	return testCorpus(), nil
}

func TestLoadFailureDegradesAndRetries(t *testing.T) {
	src := &flakySource{fail: 2}
	m := New(src, logging.Discard())
	ctx := context.Background()

	assert.Empty(t, m.Scan(ctx, "验证码"))
	assert.True(t, m.Degraded())
	assert.ErrorIs(t, m.LastError(), model.ErrCorpusLoad)

	assert.Empty(t, m.Scan(ctx, "验证码"))
	assert.Equal(t, 2, src.calls)

	assert.Len(t, m.Scan(ctx, "验证码"), 1)
	assert.False(t, m.Degraded())
	assert.NoError(t, m.LastError())

	m.Scan(ctx, "验证码")
	assert.Equal(t, 3, src.calls, "corpus is cached after a successful load")
}

func TestEmbeddedCorpusScenario(t *testing.T) {
	m := New(corpus.NewLoader(""), logging.Discard())
	res := m.Evaluate(context.Background(), "请提供验证码")
	assert.Equal(t, model.SeverityHigh, res.Severity)
	assert.Contains(t, res.Keywords(), "验证码")
	assert.Equal(t, 1.0, res.Confidence)
}
