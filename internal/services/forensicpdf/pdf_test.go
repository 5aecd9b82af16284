package forensicpdf

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fraud-sentinel/internal/adapters/store/sqlite"
	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/services/privacy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 36, 64))
	for x := 0; x < 36; x++ {
		img.Set(x, x, color.RGBA{R: 200, A: 255})
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestGenerateEvidencePDF_CreatesReportAndFile(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()

	db, err := sqlite.Open(ctx, filepath.Join(tmp, "sentinel.db"))
	require.NoError(t, err)
	defer db.Close()
	store := sqlite.NewStore(db)

	good := filepath.Join(tmp, "col_1_shot_001.png")
	writePNG(t, good)
	broken := filepath.Join(tmp, "col_1_shot_002.png")
	require.NoError(t, os.WriteFile(broken, []byte("not a png"), 0o600))

	ts := time.Date(2026, 10, 1, 2, 0, 0, 0, time.UTC)
	pkg := model.EvidencePackage{
		ID:              "evp_1",
		Title:           "风险证据 2026-10-01 02:00:00",
		Description:     "高风险：检测到验证码索取相关内容：验证码",
		ScreenshotPaths: []string{good, broken},
		ChatMessages: []model.ChatMessage{
			{ID: "sms_1", Sender: "95588", Content: "您的验证码是 1234，请勿告诉他人", Timestamp: ts, PlatformID: "sms"},
		},
		Environment: model.UnknownEnvironment(),
		Timestamp:   ts,
		ContentHash: "abc123",
	}
	rec := model.EvidenceRecord{
		EvidenceID:  pkg.ID,
		SessionID:   "col_1",
		FilePath:    filepath.Join(tmp, "evidence", "evp_1.json"),
		ContentHash: pkg.ContentHash,
		RiskLevel:   model.SeverityHigh,
		CapturedAt:  ts.Unix(),
	}
	_, err = store.InsertEvidence(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, store.AppendAudit(ctx, pkg.ID, "evidence", "persist", "success", "sentinel", "evidence", map[string]any{"k": "v"}))

	res, err := GenerateEvidencePDF(ctx, store, rec, pkg, Options{
		ReportDir: filepath.Join(tmp, "reports"),
		Operator:  "tester",
		Note:      "unit_test",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ReportID)
	assert.NotEmpty(t, res.PDFSHA256)

	st, err := os.Stat(res.PDFPath)
	require.NoError(t, err)
	assert.Positive(t, st.Size())

	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, filepath.Base(broken)) {
			found = true
		}
	}
	assert.True(t, found, "broken screenshot is reported: %v", res.Warnings)

	info, err := store.GetReportByID(ctx, res.ReportID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, ReportTypePDF, info.ReportType)
	assert.Equal(t, res.PDFSHA256, info.SHA256)
}

func TestGenerateEvidencePDF_MaskedSkipsImages(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	db, err := sqlite.Open(ctx, filepath.Join(tmp, "sentinel.db"))
	require.NoError(t, err)
	defer db.Close()
	store := sqlite.NewStore(db)

	pkg := model.EvidencePackage{
		ID:              "evp_2",
		ScreenshotPaths: []string{filepath.Join(tmp, "missing.png")},
		ChatMessages:    []model.ChatMessage{{ID: "sms_1", Sender: "13812345678", Content: "hi", Timestamp: time.Now()}},
		Environment:     model.UnknownEnvironment(),
		Timestamp:       time.Now(),
	}
	rec := model.EvidenceRecord{EvidenceID: pkg.ID, FilePath: filepath.Join(tmp, "evp_2.json")}

	res, err := GenerateEvidencePDF(ctx, store, rec, pkg, Options{Privacy: privacy.ModeMasked})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmp, "reports"), filepath.Dir(res.PDFPath))
	for _, w := range res.Warnings {
		assert.NotContains(t, w, "missing.png")
	}
}

func TestGenerateEvidencePDF_RequiresEvidenceID(t *testing.T) {
	_, err := GenerateEvidencePDF(context.Background(), nil, model.EvidenceRecord{}, model.EvidencePackage{}, Options{})
	require.Error(t, err)
}
