package model

// KeywordCategory 是词库中的一个分类，加载后只读。
type KeywordCategory struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"name"`
	Severity    Severity `json:"risk_level"`
	Keywords    []string `json:"keywords"`
}

// KeywordMatch 是单次扫描产生的命中项，不落库。
type KeywordMatch struct {
	Keyword      string   `json:"keyword"`
	CategoryID   string   `json:"category_id"`
	CategoryName string   `json:"category_name"`
	Severity     Severity `json:"severity"`
}

// Corpus 是已加载的反诈关键词库。
// Categories 保持源文档中的声明顺序，扫描与理由拼接都依赖该顺序。
type Corpus struct {
	Version     string            `json:"version"`
	LastUpdated string            `json:"last_updated"`
	Categories  []KeywordCategory `json:"categories"`

	SourcePath   string `json:"source_path,omitempty"`
	SourceSHA256 string `json:"source_sha256,omitempty"`
}

// Category 按 ID 查找分类。
func (c *Corpus) Category(id string) (KeywordCategory, bool) {
	if c == nil {
		return KeywordCategory{}, false
	}
	for _, cat := range c.Categories {
		if cat.ID == id {
			return cat, true
		}
	}
	return KeywordCategory{}, false
}

// KeywordCount 返回全部分类的关键词总数。
func (c *Corpus) KeywordCount() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, cat := range c.Categories {
		n += len(cat.Keywords)
	}
	return n
}
