package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/logging"
	"fraud-sentinel/internal/platform/metrics"
)

// CorpusSource 提供词库，例如 *corpus.Loader。
type CorpusSource interface {
	Load(ctx context.Context) (*model.Corpus, error)
}

// 各等级在置信度计算中的权重。
const (
	weightHigh   = 1.0
	weightMedium = 0.6
	weightLow    = 0.3

	maxKeywordsPerCategory = 3
	reasonSeparator        = "；"
)

// Matcher 是关键词匹配器。
//
// 词库首次使用时加载并缓存，加载后只读，可被并发扫描共享。
// 加载失败时所有扫描退化为“无命中”：失败只记录一次日志（直到下次成功前不重复），
// 下一次扫描会重新尝试加载。调用方可通过 Degraded 显式查询退化状态。
type Matcher struct {
	src    CorpusSource
	logger *slog.Logger

	corpus   atomic.Pointer[model.Corpus]
	degraded atomic.Bool

	loadMu    sync.Mutex
	lastErr   error
	errLogged bool
}

func New(src CorpusSource, logger *slog.Logger) *Matcher {
	return &Matcher{src: src, logger: logging.OrDefault(logger)}
}

// NewWithCorpus 用已加载的词库构造匹配器。
func NewWithCorpus(c *model.Corpus) *Matcher {
	m := &Matcher{logger: slog.Default()}
	m.corpus.Store(c)
	return m
}

// Result 是一次扫描的完整结论。
type Result struct {
	Matches    []model.KeywordMatch
	Severity   model.Severity
	Reason     string
	Confidence float64
}

// Keywords 返回命中关键词（按命中顺序去重）。
func (r Result) Keywords() []string {
	out := make([]string, 0, len(r.Matches))
	seen := make(map[string]struct{}, len(r.Matches))
	for _, m := range r.Matches {
		if _, ok := seen[m.Keyword]; ok {
			continue
		}
		seen[m.Keyword] = struct{}{}
		out = append(out, m.Keyword)
	}
	return out
}

// Degraded 表示最近一次词库加载失败、当前处于“无命中”退化模式。
func (m *Matcher) Degraded() bool {
	return m.degraded.Load()
}

// LastError 返回最近一次加载失败的错误。
func (m *Matcher) LastError() error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	return m.lastErr
}

// Corpus 返回当前词库；加载失败时返回错误。
func (m *Matcher) Corpus(ctx context.Context) (*model.Corpus, error) {
	if c := m.corpus.Load(); c != nil {
		return c, nil
	}
	return m.load(ctx)
}

func (m *Matcher) load(ctx context.Context) (*model.Corpus, error) {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	if c := m.corpus.Load(); c != nil {
		return c, nil
	}
	if m.src == nil {
		err := &model.CorpusLoadError{Err: fmt.Errorf("no corpus source configured")}
		m.markFailed(err)
		return nil, err
	}

	c, err := m.src.Load(ctx)
	if err != nil {
		m.markFailed(err)
		return nil, err
	}

	m.corpus.Store(c)
	m.degraded.Store(false)
	m.lastErr = nil
	if m.errLogged {
		m.logger.Info("keyword corpus recovered", "version", c.Version, "categories", len(c.Categories))
	}
	m.errLogged = false
	return c, nil
}

// markFailed 调用时需持有 loadMu。
func (m *Matcher) markFailed(err error) {
	m.lastErr = err
	m.degraded.Store(true)
	metrics.CorpusLoadFailuresTotal.Inc()
	if !m.errLogged {
		m.logger.Error("keyword corpus load failed, scans degrade to no-match", "error", err)
		m.errLogged = true
	}
}

// Scan 对 text 做大小写不敏感的子串匹配，返回全部分类的全部命中（不提前退出）。
func (m *Matcher) Scan(ctx context.Context, text string) []model.KeywordMatch {
	c, err := m.Corpus(ctx)
	if err != nil || c == nil || text == "" {
		return nil
	}
	return scan(c, text)
}

func scan(c *model.Corpus, text string) []model.KeywordMatch {
	lower := strings.ToLower(text)
	var out []model.KeywordMatch
	for _, cat := range c.Categories {
		for _, kw := range cat.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				out = append(out, model.KeywordMatch{
					Keyword:      kw,
					CategoryID:   cat.ID,
					CategoryName: cat.DisplayName,
					Severity:     cat.Severity,
				})
			}
		}
	}
	return out
}

// Evaluate 扫描一次并给出等级、理由与置信度。
func (m *Matcher) Evaluate(ctx context.Context, text string) Result {
	matches := m.Scan(ctx, text)
	return Result{
		Matches:    matches,
		Severity:   HighestSeverity(matches),
		Reason:     Reason(matches),
		Confidence: Confidence(matches),
	}
}

// HighestSeverity 返回 text 命中的最高等级，无命中为 None。
func (m *Matcher) HighestSeverity(ctx context.Context, text string) model.Severity {
	return HighestSeverity(m.Scan(ctx, text))
}

// Reason 返回 text 的命中理由，无命中为空串。
func (m *Matcher) Reason(ctx context.Context, text string) string {
	return Reason(m.Scan(ctx, text))
}

// Confidence 返回 text 的置信度。
func (m *Matcher) Confidence(ctx context.Context, text string) float64 {
	return Confidence(m.Scan(ctx, text))
}

// AllKeywords 返回词库中的全部关键词（分类顺序）。词库不可用时返回空。
func (m *Matcher) AllKeywords(ctx context.Context) []string {
	c, err := m.Corpus(ctx)
	if err != nil {
		return nil
	}
	out := make([]string, 0, c.KeywordCount())
	for _, cat := range c.Categories {
		out = append(out, cat.Keywords...)
	}
	return out
}

// KeywordsByCategory 返回指定分类的关键词；分类不存在时返回空。
func (m *Matcher) KeywordsByCategory(ctx context.Context, categoryID string) []string {
	c, err := m.Corpus(ctx)
	if err != nil {
		return nil
	}
	cat, ok := c.Category(categoryID)
	if !ok {
		return nil
	}
	return append([]string(nil), cat.Keywords...)
}

func HighestSeverity(matches []model.KeywordMatch) model.Severity {
	out := model.SeverityNone
	for _, m := range matches {
		out = model.MaxSeverity(out, m.Severity)
	}
	return out
}

// Reason 按分类分组（保持首次出现顺序），每类最多取前 3 个关键词。
func Reason(matches []model.KeywordMatch) string {
	if len(matches) == 0 {
		return ""
	}
	var order []string
	names := map[string]string{}
	groups := map[string][]string{}
	for _, m := range matches {
		if _, ok := groups[m.CategoryID]; !ok {
			order = append(order, m.CategoryID)
			name := m.CategoryName
			if name == "" {
				name = m.CategoryID
			}
			names[m.CategoryID] = name
		}
		groups[m.CategoryID] = append(groups[m.CategoryID], m.Keyword)
	}

	parts := make([]string, 0, len(order))
	for _, id := range order {
		kws := groups[id]
		if len(kws) > maxKeywordsPerCategory {
			kws = kws[:maxKeywordsPerCategory]
		}
		parts = append(parts, fmt.Sprintf("检测到%s相关内容：%s", names[id], strings.Join(kws, ", ")))
	}
	return strings.Join(parts, reasonSeparator)
}

// Confidence 是按等级加权的命中密度：High 1.0、Medium 0.6、Low 0.3，
// 求和后除以命中数并截断到 [0,1]。无命中为 0。
func Confidence(matches []model.KeywordMatch) float64 {
	if len(matches) == 0 {
		return 0
	}
	total := 0.0
	for _, m := range matches {
		switch m.Severity {
		case model.SeverityHigh:
			total += weightHigh
		case model.SeverityMedium:
			total += weightMedium
		case model.SeverityLow:
			total += weightLow
		}
	}
	v := total / float64(len(matches))
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
