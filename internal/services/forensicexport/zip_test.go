package forensicexport

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fraud-sentinel/internal/adapters/store/sqlite"
	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/hash"
	"fraud-sentinel/internal/services/privacy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *sqlite.Store
	rec   model.EvidenceRecord
	pkg   model.EvidencePackage
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	db, err := sqlite.Open(ctx, filepath.Join(dir, "sentinel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := sqlite.NewStore(db)

	shot := filepath.Join(dir, "shots", "col_1_shot_001.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(shot), 0o755))
	require.NoError(t, os.WriteFile(shot, []byte("png-bytes"), 0o600))

	ip := "192.168.1.10"
	ts := time.Date(2026, 10, 1, 2, 0, 0, 0, time.UTC)
	pkg := model.EvidencePackage{
		ID:              "evp_1",
		Title:           "风险证据",
		Description:     "高风险：发送者风险：13812345678",
		ScreenshotPaths: []string{shot, filepath.Join(dir, "shots", "missing.png")},
		ChatMessages:    []model.ChatMessage{{ID: "sms_1", Sender: "13812345678", Content: "验证码 123456", Timestamp: ts, PlatformID: "sms"}},
		Environment:     model.EnvironmentSnapshot{DeviceModel: "Pixel 8", OSVersion: "14", AppVersion: "0.1.0", NetworkType: model.NetworkWifi, IPAddress: &ip},
		Timestamp:       ts,
	}
	sum, err := hash.CanonicalJSON(pkg)
	require.NoError(t, err)
	pkg.ContentHash = sum

	raw, err := json.Marshal(pkg)
	require.NoError(t, err)
	evPath := filepath.Join(dir, "evidence", "evp_1.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(evPath), 0o755))
	require.NoError(t, os.WriteFile(evPath, raw, 0o600))
	fileSum, size, err := hash.File(evPath)
	require.NoError(t, err)

	rec := model.EvidenceRecord{
		EvidenceID:  pkg.ID,
		Title:       pkg.Title,
		FilePath:    evPath,
		ContentHash: sum,
		FileSHA256:  fileSum,
		RiskLevel:   model.SeverityHigh,
		SizeBytes:   size,
		CapturedAt:  ts.Unix(),
	}
	_, err = store.InsertEvidence(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, store.AppendAudit(ctx, pkg.ID, "evidence", "persist", "success", "sentinel", "evidence", map[string]any{"file_path": evPath}))
	return fixture{store: store, rec: rec, pkg: pkg}
}

func readZip(t *testing.T, path string) map[string][]byte {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	out := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		out[f.Name] = b
	}
	return out
}

func TestGenerateProofZip(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	exportDir := t.TempDir()

	res, err := GenerateProofZip(ctx, fx.store, fx.rec, fx.pkg, ZipOptions{
		ExportDir: exportDir,
		Operator:  "tester",
		Build:     BuildInfo{Version: "0.1.0"},
	})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1, "missing screenshot is reported")
	assert.Contains(t, res.Warnings[0], "missing.png")

	files := readZip(t, res.ZipPath)
	for _, name := range []string{"manifest.json", "hash.txt", "data/evp_1.json", "data/col_1_shot_001.png", "data/messages.json", "data/environment.json"} {
		assert.Contains(t, files, name)
	}
	assert.Equal(t, []byte("png-bytes"), files["data/col_1_shot_001.png"])

	// 包内原始证据文件可独立复核 contentHash。
	var pkg model.EvidencePackage
	require.NoError(t, json.Unmarshal(files["data/evp_1.json"], &pkg))
	again, err := hash.CanonicalJSON(pkg.Unsealed())
	require.NoError(t, err)
	assert.Equal(t, fx.pkg.ContentHash, again)

	hashTxt := string(files["hash.txt"])
	assert.Contains(t, hashTxt, "content_hash="+fx.pkg.ContentHash)
	for _, line := range strings.Split(hashTxt, "\n") {
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "content_hash=") {
			continue
		}
		sum, name, ok := strings.Cut(line, "  ")
		require.True(t, ok, line)
		h := sha256.Sum256(files[name])
		assert.Equal(t, hex.EncodeToString(h[:]), sum, name)
	}

	var manifest ZipManifest
	require.NoError(t, json.Unmarshal(files["manifest.json"], &manifest))
	assert.Equal(t, "evp_1", manifest.PackageID)
	assert.Equal(t, privacy.ModeOff, manifest.Privacy)
	require.Len(t, manifest.Audits, 1)
	assert.Equal(t, "0.1.0", manifest.App.Version)

	report, err := fx.store.GetReportByID(ctx, res.ReportID)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, ReportTypeProofZip, report.ReportType)
	assert.Equal(t, res.ZipSHA256, report.SHA256)

	logs, err := fx.store.ListAuditLogs(ctx, "evp_1", 10)
	require.NoError(t, err)
	assert.Equal(t, ReportTypeProofZip, logs[len(logs)-1].Action)
}

func TestGenerateProofZipMasked(t *testing.T) {
	fx := newFixture(t)
	res, err := GenerateProofZip(context.Background(), fx.store, fx.rec, fx.pkg, ZipOptions{
		ExportDir: t.TempDir(),
		Privacy:   privacy.ModeMasked,
	})
	require.NoError(t, err)

	files := readZip(t, res.ZipPath)
	assert.NotContains(t, files, "data/evp_1.json")

	var msgs []model.ChatMessage
	require.NoError(t, json.Unmarshal(files["data/messages.json"], &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "138****5678", msgs[0].Sender)

	var env model.EnvironmentSnapshot
	require.NoError(t, json.Unmarshal(files["data/environment.json"], &env))
	assert.Equal(t, "192.168.*.*", *env.IPAddress)

	var manifest ZipManifest
	require.NoError(t, json.Unmarshal(files["manifest.json"], &manifest))
	assert.Equal(t, "evp_1.json", manifest.Evidence.FilePath)
	assert.NotContains(t, string(manifest.Audits[0].DetailJSON), string(os.PathSeparator)+"evidence"+string(os.PathSeparator))
}

func TestGenerateProofZipRequiresEvidenceID(t *testing.T) {
	fx := newFixture(t)
	_, err := GenerateProofZip(context.Background(), fx.store, model.EvidenceRecord{}, fx.pkg, ZipOptions{ExportDir: t.TempDir()})
	require.Error(t, err)
}
