package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/hash"
	"fraud-sentinel/internal/platform/logging"
)

const (
	auditActor  = "sentinel"
	auditSource = "evidence"
)

// Recorder 是持久化端依赖的证据库能力，*sqlite.Store 实现该接口。
type Recorder interface {
	InsertEvidence(ctx context.Context, rec model.EvidenceRecord) (string, error)
	AppendAudit(ctx context.Context, evidenceID, eventType, action, status, actor, source string, detail any) error
}

// StoreSink 把封存结果写入证据目录并登记到证据库。
//
// 顺序：原子写文件 → 计算文件 SHA-256 → 插入证据记录 → 追加审计。
// 插入失败时删除已写入的文件，不留下孤立证据。
type StoreSink struct {
	root   string
	store  Recorder
	logger *slog.Logger
}

func NewStoreSink(root string, store Recorder, logger *slog.Logger) *StoreSink {
	return &StoreSink{root: root, store: store, logger: logging.OrDefault(logger)}
}

// PackageFileName 返回证据包文件名：加密为 .evp，明文为 .json。
func PackageFileName(packageID string, encrypted bool) string {
	if encrypted {
		return packageID + ".evp"
	}
	return packageID + ".json"
}

func (s *StoreSink) Persist(ctx context.Context, sp SealedPackage) (string, error) {
	pkg := sp.Package
	if pkg.ID == "" || sp.ContentHash == "" {
		return "", fmt.Errorf("persist evidence: package is not sealed")
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", fmt.Errorf("create evidence root: %w", err)
	}

	path := filepath.Join(s.root, PackageFileName(pkg.ID, sp.Encrypted))
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("persist evidence: %s already exists", path)
	}
	if err := writeFileAtomic(path, sp.EncryptedBlob); err != nil {
		return "", fmt.Errorf("write evidence file: %w", err)
	}

	fileSHA, size, err := hash.File(path)
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("hash evidence file: %w", err)
	}

	_, err = s.store.InsertEvidence(ctx, model.EvidenceRecord{
		EvidenceID:  pkg.ID,
		SessionID:   sp.SessionID,
		Title:       pkg.Title,
		Description: pkg.Description,
		FilePath:    path,
		ContentHash: sp.ContentHash,
		FileSHA256:  fileSHA,
		RiskLevel:   sp.Trigger.Severity,
		IsEncrypted: sp.Encrypted,
		SizeBytes:   size,
		CapturedAt:  pkg.Timestamp.Unix(),
	})
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}

	detail := map[string]any{
		"session_id":   sp.SessionID,
		"content_hash": sp.ContentHash,
		"file_sha256":  fileSHA,
		"size_bytes":   size,
		"screenshots":  len(pkg.ScreenshotPaths),
		"messages":     len(pkg.ChatMessages),
		"risk_level":   sp.Trigger.Severity.String(),
		"encrypted":    sp.Encrypted,
	}
	if err := s.store.AppendAudit(ctx, pkg.ID, "evidence", "persist", "success", auditActor, auditSource, detail); err != nil {
		s.logger.Warn("append evidence audit failed", "evidence_id", pkg.ID, "error", err)
	}
	return path, nil
}

// writeFileAtomic 先写同目录临时文件再 rename，避免读到半截文件。
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
