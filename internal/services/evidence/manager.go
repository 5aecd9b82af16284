package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/hash"
	"fraud-sentinel/internal/platform/logging"
)

const (
	DefaultRetention        = 180 * 24 * time.Hour
	DefaultRetentionWarning = 7 * 24 * time.Hour
)

// ErrNotFound 表示证据不存在。
var ErrNotFound = errors.New("evidence not found")

// Store 是证据库管理所需的能力，*sqlite.Store 实现该接口。
type Store interface {
	Recorder
	GetEvidence(ctx context.Context, evidenceID string) (*model.EvidenceRecord, error)
	ListEvidenceCapturedBefore(ctx context.Context, cutoff int64) ([]model.EvidenceRecord, error)
	ListEvidenceCapturedBetween(ctx context.Context, from, to int64) ([]model.EvidenceRecord, error)
	DeleteEvidence(ctx context.Context, evidenceID string) (bool, error)
	StorageInfo(ctx context.Context) (model.StorageInfo, error)
}

type ManagerOptions struct {
	Retention        time.Duration
	RetentionWarning time.Duration
	Decryptor        PackageDecryptor
	// MediaDirs 是截图/录屏目录。证据包无法解码（例如缺少口令）时，
	// 按 <session>_* 在这些目录中查找该会话的采集文件。
	MediaDirs []string
	Logger    *slog.Logger
	Now       func() time.Time
}

// Manager 负责证据保留期清理、删除、导出、备份与读取。
type Manager struct {
	store     Store
	retention time.Duration
	warning   time.Duration
	decryptor PackageDecryptor
	mediaDirs []string
	logger    *slog.Logger
	now       func() time.Time
}

func NewManager(store Store, opts ManagerOptions) *Manager {
	m := &Manager{
		store:     store,
		retention: opts.Retention,
		warning:   opts.RetentionWarning,
		decryptor: opts.Decryptor,
		mediaDirs: opts.MediaDirs,
		logger:    logging.OrDefault(opts.Logger),
		now:       opts.Now,
	}
	if m.retention <= 0 {
		m.retention = DefaultRetention
	}
	if m.warning <= 0 {
		m.warning = DefaultRetentionWarning
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// CleanupResult 是一次保留期清理的摘要。
type CleanupResult struct {
	Cutoff       int64    `json:"cutoff"`
	Deleted      int      `json:"deleted"`
	FilesRemoved int      `json:"files_removed"`
	MediaRemoved int      `json:"media_removed"`
	Errors       []string `json:"errors,omitempty"`
}

// Cleanup 删除采集时间早于保留期的证据（文件 + 记录）。
// 单条失败只记录，不中断其余条目。
func (m *Manager) Cleanup(ctx context.Context) (CleanupResult, error) {
	cutoff := m.now().Add(-m.retention).Unix()
	res := CleanupResult{Cutoff: cutoff}

	expired, err := m.store.ListEvidenceCapturedBefore(ctx, cutoff)
	if err != nil {
		return res, err
	}
	for _, rec := range expired {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		media, err := m.removeMedia(&rec)
		res.MediaRemoved += media
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", rec.EvidenceID, err))
			continue
		}
		removed, err := removeFile(rec.FilePath)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", rec.EvidenceID, err))
			continue
		}
		if removed {
			res.FilesRemoved++
		}
		ok, err := m.store.DeleteEvidence(ctx, rec.EvidenceID)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", rec.EvidenceID, err))
			continue
		}
		if ok {
			res.Deleted++
		}
	}

	m.audit(ctx, "", "cleanup", statusOf(len(res.Errors) == 0), map[string]any{
		"cutoff":        cutoff,
		"deleted":       res.Deleted,
		"files_removed": res.FilesRemoved,
		"media_removed": res.MediaRemoved,
		"errors":        len(res.Errors),
	})
	m.logger.Info("evidence retention cleanup finished", "cutoff", cutoff, "deleted", res.Deleted, "errors", len(res.Errors))
	return res, nil
}

// CleanupWarning 返回将在预警窗口内过期的证据。
func (m *Manager) CleanupWarning(ctx context.Context) ([]model.EvidenceRecord, error) {
	now := m.now()
	from := now.Add(-m.retention).Unix()
	to := now.Add(-m.retention + m.warning).Unix()
	return m.store.ListEvidenceCapturedBetween(ctx, from, to)
}

func (m *Manager) StorageInfo(ctx context.Context) (model.StorageInfo, error) {
	return m.store.StorageInfo(ctx)
}

func (m *Manager) get(ctx context.Context, evidenceID string) (*model.EvidenceRecord, error) {
	rec, err := m.store.GetEvidence(ctx, strings.TrimSpace(evidenceID))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, evidenceID)
	}
	return rec, nil
}

// Delete 删除证据文件、该会话的截图/录屏与记录。
func (m *Manager) Delete(ctx context.Context, evidenceID string) error {
	rec, err := m.get(ctx, evidenceID)
	if err != nil {
		return err
	}
	media, err := m.removeMedia(rec)
	if err != nil {
		return fmt.Errorf("remove evidence media: %w", err)
	}
	if _, err := removeFile(rec.FilePath); err != nil {
		return fmt.Errorf("remove evidence file: %w", err)
	}
	if _, err := m.store.DeleteEvidence(ctx, rec.EvidenceID); err != nil {
		return err
	}
	m.audit(ctx, rec.EvidenceID, "delete", "success", map[string]any{"file_path": rec.FilePath, "media_removed": media})
	return nil
}

// mediaPaths 返回证据包引用的截图与录屏，以及媒体目录中属于同一会话的文件。
// 必须在删除证据文件之前调用。
func (m *Manager) mediaPaths(rec *model.EvidenceRecord) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(p string) {
		if p = strings.TrimSpace(p); p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	if raw, err := os.ReadFile(rec.FilePath); err == nil {
		if pkg, err := DecodePackage(raw, rec.IsEncrypted, m.decryptor); err == nil {
			for _, p := range pkg.ScreenshotPaths {
				add(p)
			}
			if pkg.ScreenRecordPath != nil {
				add(*pkg.ScreenRecordPath)
			}
		} else {
			m.logger.Debug("evidence package not decodable, matching media by session", "evidence_id", rec.EvidenceID, "error", err)
		}
	}

	if sessionID := rec.SessionID; sessionID != "" && !strings.ContainsAny(sessionID, `*?[\/`) {
		for _, dir := range m.mediaDirs {
			matches, _ := filepath.Glob(filepath.Join(dir, sessionID+"_*"))
			for _, p := range matches {
				add(p)
			}
		}
	}
	return out
}

func (m *Manager) removeMedia(rec *model.EvidenceRecord) (int, error) {
	n := 0
	var errs []error
	for _, p := range m.mediaPaths(rec) {
		removed, err := removeFile(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if removed {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// Export 把证据文件复制到 destDir，复制前校验文件 SHA-256 与入库值一致。
func (m *Manager) Export(ctx context.Context, evidenceID, destDir string) (string, error) {
	rec, err := m.get(ctx, evidenceID)
	if err != nil {
		return "", err
	}
	if err := m.checkFile(rec); err != nil {
		return "", err
	}
	dst := filepath.Join(destDir, filepath.Base(rec.FilePath))
	if err := copyFile(rec.FilePath, dst); err != nil {
		return "", fmt.Errorf("export evidence: %w", err)
	}
	m.audit(ctx, rec.EvidenceID, "export", "success", map[string]any{"dest": dst})
	return dst, nil
}

// Backup 把一组证据文件以 <id>.proof 复制到 destDir，返回成功写出的路径。
func (m *Manager) Backup(ctx context.Context, evidenceIDs []string, destDir string) ([]string, error) {
	out := make([]string, 0, len(evidenceIDs))
	for _, evidenceID := range evidenceIDs {
		rec, err := m.get(ctx, evidenceID)
		if err != nil {
			return out, err
		}
		if err := m.checkFile(rec); err != nil {
			return out, err
		}
		dst := filepath.Join(destDir, rec.EvidenceID+".proof")
		if err := copyFile(rec.FilePath, dst); err != nil {
			return out, fmt.Errorf("backup evidence %s: %w", rec.EvidenceID, err)
		}
		out = append(out, dst)
	}
	m.audit(ctx, "", "backup", "success", map[string]any{"dest": destDir, "count": len(out)})
	return out, nil
}

// Load 读取证据文件并还原证据包（加密文件需配置 Decryptor）。
func (m *Manager) Load(ctx context.Context, evidenceID string) (*model.EvidenceRecord, *model.EvidencePackage, error) {
	rec, err := m.get(ctx, evidenceID)
	if err != nil {
		return nil, nil, err
	}
	raw, err := os.ReadFile(rec.FilePath)
	if err != nil {
		return rec, nil, fmt.Errorf("read evidence file: %w", err)
	}
	pkg, err := DecodePackage(raw, rec.IsEncrypted, m.decryptor)
	if err != nil {
		return rec, nil, err
	}
	return rec, pkg, nil
}

// DecodePackage 解码证据文件内容。
func DecodePackage(raw []byte, encrypted bool, dec PackageDecryptor) (*model.EvidencePackage, error) {
	if encrypted {
		if dec == nil {
			return nil, errors.New("evidence file is encrypted; passphrase required")
		}
		plain, err := dec.Decrypt(raw)
		if err != nil {
			return nil, fmt.Errorf("decrypt evidence: %w", err)
		}
		raw = plain
	}
	var pkg model.EvidencePackage
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("decode evidence package: %w", err)
	}
	return &pkg, nil
}

func (m *Manager) checkFile(rec *model.EvidenceRecord) error {
	if rec.FileSHA256 == "" {
		return nil
	}
	sum, _, err := hash.File(rec.FilePath)
	if err != nil {
		return fmt.Errorf("hash evidence file: %w", err)
	}
	if sum != rec.FileSHA256 {
		return fmt.Errorf("evidence file %s modified: sha256 %s != recorded %s", rec.FilePath, sum, rec.FileSHA256)
	}
	return nil
}

func (m *Manager) audit(ctx context.Context, evidenceID, action, status string, detail map[string]any) {
	if err := m.store.AppendAudit(ctx, evidenceID, "evidence", action, status, auditActor, auditSource, detail); err != nil {
		m.logger.Warn("append evidence audit failed", "action", action, "error", err)
	}
}

func statusOf(ok bool) string {
	if ok {
		return "success"
	}
	return "partial"
}

// removeFile 删除文件；文件本就不存在不算错误。
func removeFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
