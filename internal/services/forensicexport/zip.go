// Package forensicexport 生成证据证明包（ZIP）。
package forensicexport

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/hash"
	"fraud-sentinel/internal/services/privacy"
)

// Store 是导出需要的证据库能力，*sqlite.Store 实现该接口。
type Store interface {
	ListAuditLogs(ctx context.Context, evidenceID string, limit int) ([]model.AuditLog, error)
	SaveReport(ctx context.Context, evidenceID, reportType, filePath, sha256, generatorVersion, status string) (string, error)
	AppendAudit(ctx context.Context, evidenceID, eventType, action, status, actor, source string, detail any) error
}

// BuildInfo 写入 manifest，便于追溯生成程序。
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// ZipOptions 定义证明包生成参数。
type ZipOptions struct {
	ExportDir string
	// Operator/Note 用于审计日志。
	Operator string
	Note     string
	// Privacy=masked 时 messages.json / environment.json / 审计 detail 做展示层脱敏，
	// 原始证据文件不打包。
	Privacy privacy.Mode
	Build   BuildInfo
}

type FileHashEntry struct {
	Path      string `json:"path"`       // ZIP 内路径（使用 "/" 分隔）
	SHA256    string `json:"sha256"`     // 文件内容 SHA-256
	SizeBytes int64  `json:"size_bytes"` // 原始字节数
	Kind      string `json:"kind"`       // evidence|screenshot|screen_record|messages|environment|manifest
}

type ZipManifest struct {
	Schema      string    `json:"schema"`
	GeneratedAt int64     `json:"generated_at"`
	App         BuildInfo `json:"app"`

	Evidence    model.EvidenceRecord `json:"evidence"`
	PackageID   string               `json:"package_id"`
	Title       string               `json:"title"`
	Description string               `json:"description"`
	Timestamp   time.Time            `json:"timestamp"`
	ContentHash string               `json:"content_hash"`
	Privacy     privacy.Mode         `json:"privacy"`

	Audits   []model.AuditLog `json:"audits"`
	Files    []FileHashEntry  `json:"files"`
	Warnings []string         `json:"warnings,omitempty"`
	Note     string           `json:"note,omitempty"`
}

// ZipResult 是一次导出的摘要。
type ZipResult struct {
	EvidenceID string   `json:"evidence_id"`
	ReportID   string   `json:"report_id"`
	ZipPath    string   `json:"zip_path"`
	ZipSHA256  string   `json:"zip_sha256"`
	Warnings   []string `json:"warnings,omitempty"`
	StartedAt  int64    `json:"started_at"`
	FinishedAt int64    `json:"finished_at"`
}

const (
	ReportTypeProofZip = "proof_zip"

	manifestSchemaV1 = "fraud_sentinel.proof_package_manifest.v1"
	zipGeneratorVer  = "proof-zip-0.1.0"
)

// GenerateProofZip 生成证据证明包并在 reports 表中登记为 report_type=proof_zip。
//
// ZIP 内容：
// - manifest.json：证据记录、证据包元数据、审计链片段、文件清单
// - data/<证据文件>：入库的原始证据文件（明文 .json 或加密 .evp），可独立复核 contentHash
// - data/<截图>、data/<录屏>
// - data/messages.json、data/environment.json
// - hash.txt：contentHash + ZIP 内各文件 sha256（sha256sum 兼容格式）
func GenerateProofZip(ctx context.Context, store Store, rec model.EvidenceRecord, pkg model.EvidencePackage, opts ZipOptions) (*ZipResult, error) {
	startedAt := time.Now().Unix()
	if strings.TrimSpace(rec.EvidenceID) == "" {
		return nil, fmt.Errorf("evidence_id is required")
	}
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = "system"
	}
	mode := privacy.ParseMode(string(opts.Privacy))

	exportDir := strings.TrimSpace(opts.ExportDir)
	if exportDir == "" {
		exportDir = filepath.Join(filepath.Dir(rec.FilePath), "exports")
	}
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	audits, err := store.ListAuditLogs(ctx, rec.EvidenceID, 5000)
	if err != nil {
		return nil, err
	}

	type includeSpec struct {
		SrcPath string
		ZipPath string
		Kind    string
	}
	var warnings []string
	var includes []includeSpec
	used := map[string]int{}
	dataPath := func(src string) string {
		name := filepath.Base(src)
		used[name]++
		if n := used[name]; n > 1 {
			ext := filepath.Ext(name)
			name = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, ext), n, ext)
		}
		return "data/" + name
	}

	if mode == privacy.ModeMasked {
		warnings = append(warnings, "privacy=masked: original evidence file omitted; content_hash cannot be re-verified from this package")
	} else if strings.TrimSpace(rec.FilePath) != "" {
		includes = append(includes, includeSpec{SrcPath: rec.FilePath, ZipPath: dataPath(rec.FilePath), Kind: "evidence"})
	}
	for _, p := range pkg.ScreenshotPaths {
		includes = append(includes, includeSpec{SrcPath: p, ZipPath: dataPath(p), Kind: "screenshot"})
	}
	if pkg.ScreenRecordPath != nil && strings.TrimSpace(*pkg.ScreenRecordPath) != "" {
		includes = append(includes, includeSpec{SrcPath: *pkg.ScreenRecordPath, ZipPath: dataPath(*pkg.ScreenRecordPath), Kind: "screen_record"})
	}

	messages := pkg.ChatMessages
	env := pkg.Environment
	if mode == privacy.ModeMasked {
		messages = privacy.MaskMessages(messages)
		env = privacy.MaskEnvironment(env)
		for i := range audits {
			audits[i].DetailJSON = privacy.MaskAuditDetail(audits[i].DetailJSON)
		}
		rec.FilePath = privacy.MaskSnapshotPath(rec.FilePath)
	}
	if messages == nil {
		messages = []model.ChatMessage{}
	}
	messagesRaw, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	envRaw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal environment: %w", err)
	}

	zipName := fmt.Sprintf("%s_proof_%d.zip", rec.EvidenceID, time.Now().UnixNano())
	zipPath := filepath.Join(exportDir, zipName)
	f, err := os.Create(zipPath)
	if err != nil {
		return nil, fmt.Errorf("create zip: %w", err)
	}
	defer func() { _ = f.Close() }()

	zw := zip.NewWriter(f)
	defer func() { _ = zw.Close() }()

	var fileHashes []FileHashEntry
	for _, it := range includes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sum, size, err := writeZipFileFromDisk(zw, it.SrcPath, it.ZipPath)
		if err != nil {
			// 缺失文件不阻断导出，但必须在 manifest 里留下痕迹。
			warnings = append(warnings, fmt.Sprintf("skip file %s -> %s: %v", privacy.MaskSnapshotPath(it.SrcPath), it.ZipPath, err))
			continue
		}
		fileHashes = append(fileHashes, FileHashEntry{Path: it.ZipPath, SHA256: sum, SizeBytes: size, Kind: it.Kind})
	}

	for _, b := range []struct {
		path string
		kind string
		raw  []byte
	}{
		{"data/messages.json", "messages", messagesRaw},
		{"data/environment.json", "environment", envRaw},
	} {
		sum, size, err := writeZipFileFromBytes(zw, b.path, b.raw)
		if err != nil {
			return nil, fmt.Errorf("write %s to zip: %w", b.path, err)
		}
		fileHashes = append(fileHashes, FileHashEntry{Path: b.path, SHA256: sum, SizeBytes: size, Kind: b.kind})
	}

	description := pkg.Description
	if mode == privacy.ModeMasked {
		description = privacy.MaskText(description)
	}
	sort.Slice(fileHashes, func(i, j int) bool { return fileHashes[i].Path < fileHashes[j].Path })
	manifest := ZipManifest{
		Schema:      manifestSchemaV1,
		GeneratedAt: time.Now().Unix(),
		App:         opts.Build,
		Evidence:    rec,
		PackageID:   pkg.ID,
		Title:       pkg.Title,
		Description: description,
		Timestamp:   pkg.Timestamp,
		ContentHash: pkg.ContentHash,
		Privacy:     mode,
		Audits:      audits,
		Files:       fileHashes,
		Warnings:    warnings,
		Note:        strings.TrimSpace(opts.Note),
	}
	manifestRaw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestSum, manifestSize, err := writeZipFileFromBytes(zw, "manifest.json", manifestRaw)
	if err != nil {
		return nil, fmt.Errorf("write manifest to zip: %w", err)
	}
	fileHashes = append(fileHashes, FileHashEntry{Path: "manifest.json", SHA256: manifestSum, SizeBytes: manifestSize, Kind: "manifest"})

	// hash.txt 不包含自身
	sort.Slice(fileHashes, func(i, j int) bool { return fileHashes[i].Path < fileHashes[j].Path })
	if _, _, err := writeZipFileFromBytes(zw, "hash.txt", hashList(pkg.ContentHash, fileHashes)); err != nil {
		return nil, fmt.Errorf("write hash.txt to zip: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close zip file: %w", err)
	}

	zipSum, _, err := hash.File(zipPath)
	if err != nil {
		return nil, fmt.Errorf("hash zip: %w", err)
	}

	reportID, err := store.SaveReport(ctx, rec.EvidenceID, ReportTypeProofZip, zipPath, zipSum, zipGeneratorVer, "ready")
	if err != nil {
		return nil, err
	}
	_ = store.AppendAudit(ctx, rec.EvidenceID, "export", ReportTypeProofZip, "success", operator, "forensicexport.GenerateProofZip", map[string]any{
		"zip_path":   zipPath,
		"zip_sha256": zipSum,
		"privacy":    mode,
		"warnings":   warnings,
	})

	return &ZipResult{
		EvidenceID: rec.EvidenceID,
		ReportID:   reportID,
		ZipPath:    zipPath,
		ZipSHA256:  zipSum,
		Warnings:   warnings,
		StartedAt:  startedAt,
		FinishedAt: time.Now().Unix(),
	}, nil
}

func hashList(contentHash string, files []FileHashEntry) []byte {
	lines := make([]string, 0, len(files)+5)
	lines = append(lines, "# fraud-sentinel proof package hash list")
	lines = append(lines, fmt.Sprintf("# generated_at=%d", time.Now().Unix()))
	lines = append(lines, "content_hash="+contentHash)
	lines = append(lines, "# format: <sha256><two spaces><path>")
	for _, fh := range files {
		lines = append(lines, fmt.Sprintf("%s  %s", fh.SHA256, fh.Path))
	}
	lines = append(lines, "")
	return []byte(strings.Join(lines, "\n"))
}

func writeZipFileFromDisk(zw *zip.Writer, srcPath, zipPath string) (sum string, size int64, err error) {
	fi, err := os.Stat(srcPath)
	if err != nil {
		return "", 0, err
	}
	if fi.IsDir() {
		return "", 0, fmt.Errorf("is a directory")
	}

	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return "", 0, err
	}
	hdr.Name = zipPath
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", 0, err
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

func writeZipFileFromBytes(zw *zip.Writer, zipPath string, b []byte) (sum string, size int64, err error) {
	hdr := &zip.FileHeader{
		Name:     zipPath,
		Method:   zip.Deflate,
		Modified: time.Now(),
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", 0, err
	}
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), bytes.NewReader(b))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
