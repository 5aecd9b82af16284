package corpus

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"fraud-sentinel/internal/domain/model"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed assets/fraud_keywords.json assets/corpus.schema.json
var assetFS embed.FS

// EmbeddedName 是内置词库在日志与留痕中的路径名。
const EmbeddedName = "embedded:fraud_keywords.json"

// Loader 负责读取、校验并解析关键词词库。
// Path 为空时使用内置词库；文件可以是 JSON 或 YAML（JSON 本身是合法 YAML）。
type Loader struct {
	Path string
}

func NewLoader(path string) *Loader {
	return &Loader{Path: path}
}

// Load 读取词库文件并解析。所有失败都包装为 *model.CorpusLoadError。
func (l *Loader) Load(ctx context.Context) (*model.Corpus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(l.Path)
	var (
		raw []byte
		err error
	)
	if name == "" {
		name = EmbeddedName
		raw, err = assetFS.ReadFile("assets/fraud_keywords.json")
	} else {
		raw, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, &model.CorpusLoadError{Path: name, Err: err}
	}

	c, err := Parse(raw)
	if err != nil {
		return nil, &model.CorpusLoadError{Path: name, Err: err}
	}
	c.SourcePath = name
	return c, nil
}

// corpusDocument 对应词库文件顶层结构。
// categories 用 yaml.Node 接收，以保留文档中的分类声明顺序。
type corpusDocument struct {
	Version     string    `yaml:"version"`
	LastUpdated string    `yaml:"last_updated"`
	Categories  yaml.Node `yaml:"categories"`
}

type categoryDocument struct {
	Name      string   `yaml:"name"`
	RiskLevel string   `yaml:"risk_level"`
	Keywords  []string `yaml:"keywords"`
}

// Parse 校验并解析词库内容。
// 缺失或无法识别的 risk_level 视为 NONE；重复关键词与首尾空白会被清理。
func Parse(raw []byte) (*model.Corpus, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var doc corpusDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse corpus: %w", err)
	}
	if doc.Categories.Kind != yaml.MappingNode {
		return nil, errors.New("corpus: categories must be a mapping")
	}

	out := &model.Corpus{
		Version:     strings.TrimSpace(doc.Version),
		LastUpdated: strings.TrimSpace(doc.LastUpdated),
	}

	nodes := doc.Categories.Content
	seen := make(map[string]struct{}, len(nodes)/2)
	for i := 0; i+1 < len(nodes); i += 2 {
		id := strings.TrimSpace(nodes[i].Value)
		if id == "" {
			return nil, errors.New("corpus: category id is required")
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("corpus: duplicate category id: %s", id)
		}
		seen[id] = struct{}{}

		var cd categoryDocument
		if err := nodes[i+1].Decode(&cd); err != nil {
			return nil, fmt.Errorf("corpus: decode category %s: %w", id, err)
		}
		out.Categories = append(out.Categories, model.KeywordCategory{
			ID:          id,
			DisplayName: strings.TrimSpace(cd.Name),
			Severity:    model.ParseSeverity(cd.RiskLevel),
			Keywords:    cleanKeywords(cd.Keywords),
		})
	}

	sum := sha256.Sum256(raw)
	out.SourceSHA256 = hex.EncodeToString(sum[:])
	return out, nil
}

func cleanKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		key := strings.ToLower(k)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, k)
	}
	return out
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		data, err := assetFS.ReadFile("assets/corpus.schema.json")
		if err != nil {
			schemaErr = fmt.Errorf("read corpus schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		schema, schemaErr = compiler.Compile(data)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile corpus schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// validateSchema 把 YAML/JSON 统一转为 JSON 后按内置 schema 校验。
func validateSchema(raw []byte) error {
	s, err := loadSchema()
	if err != nil {
		return err
	}

	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("parse corpus: %w", err)
	}
	if generic == nil {
		return errors.New("corpus: document is empty")
	}
	data, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("corpus: convert to json: %w", err)
	}

	result := s.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("corpus schema validation failed: %v", result.Errors)
}
