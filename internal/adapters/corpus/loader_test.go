package corpus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"fraud-sentinel/internal/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmbeddedCorpus(t *testing.T) {
	c, err := NewLoader("").Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, EmbeddedName, c.SourcePath)
	assert.NotEmpty(t, c.Version)
	assert.Len(t, c.SourceSHA256, 64)

	first := c.Categories[0]
	assert.Equal(t, "verification_code", first.ID)
	assert.Equal(t, model.SeverityHigh, first.Severity)
	assert.Contains(t, first.Keywords, "验证码")
}

func TestParseYAMLPreservesOrderAndDefaults(t *testing.T) {
	raw := []byte(`
version: "2"
last_updated: "2026-01-01"
categories:
  zeta:
    name: 最后声明
    risk_level: low
    keywords: [" a ", "A", "b"]
  alpha:
    name: 无等级
    keywords: ["c"]
`)
	c, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, c.Categories, 2)

	assert.Equal(t, "zeta", c.Categories[0].ID)
	assert.Equal(t, model.SeverityLow, c.Categories[0].Severity)
	assert.Equal(t, []string{"a", "b"}, c.Categories[0].Keywords)

	assert.Equal(t, "alpha", c.Categories[1].ID)
	assert.Equal(t, model.SeverityNone, c.Categories[1].Severity)
	assert.Equal(t, 3, c.KeywordCount())
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"missing version":  `{"categories":{"a":{"name":"n","keywords":["k"]}}}`,
		"empty categories": `{"version":"1","categories":{}}`,
		"empty keyword":    `{"version":"1","categories":{"a":{"name":"n","keywords":[""]}}}`,
		"not a document":   `[1,2,3]`,
		"broken":           `{"version":`,
	}
	for name, raw := range cases {
		_, err := Parse([]byte(raw))
		assert.Error(t, err, name)
	}
}

func TestLoadMissingFileIsCorpusLoadError(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "nope.json")).Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrCorpusLoad)

	var le *model.CorpusLoadError
	require.True(t, errors.As(err, &le))
	assert.Contains(t, le.Path, "nope.json")
}

func TestLoadFromDisk(t *testing.T) {
	p := filepath.Join(t.TempDir(), "k.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"version":"9","categories":{"x":{"name":"X","risk_level":"MEDIUM","keywords":["kw"]}}}`), 0o644))

	c, err := NewLoader(p).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "9", c.Version)
	assert.Equal(t, p, c.SourcePath)
	cat, ok := c.Category("x")
	require.True(t, ok)
	assert.Equal(t, model.SeverityMedium, cat.Severity)
}
