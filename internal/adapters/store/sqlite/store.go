package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/hash"
	"fraud-sentinel/internal/platform/id"
)

// Store 封装与 SQLite 的读写逻辑。
type Store struct {
	db *sql.DB

	// auditMu 串行化“读上一条 chain_hash + 插入”，保证审计链不分叉。
	auditMu sync.Mutex
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const evidenceColumns = `
	evidence_id,
	COALESCE(session_id, ''),
	title,
	description,
	file_path,
	content_hash,
	file_sha256,
	COALESCE(blockchain_ref, ''),
	risk_level,
	is_encrypted,
	is_synced,
	size_bytes,
	captured_at,
	created_at,
	updated_at
`

// GetSchemaMetaValue 查询 schema_meta 表指定 key 的 value。
func (s *Store) GetSchemaMetaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
		SELECT value
		FROM schema_meta
		WHERE key = ?
		LIMIT 1
	`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query schema_meta %s: %w", key, err)
	}
	return v, nil
}

// InsertEvidence 保存一条证据记录。EvidenceID 为空时自动生成，时间字段为 0 时取当前时间。
func (s *Store) InsertEvidence(ctx context.Context, rec model.EvidenceRecord) (string, error) {
	now := time.Now().Unix()
	if rec.EvidenceID == "" {
		rec.EvidenceID = id.New("evd")
	}
	if rec.CapturedAt == 0 {
		rec.CapturedAt = now
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence(
			evidence_id, session_id, title, description, file_path, content_hash, file_sha256,
			blockchain_ref, risk_level, is_encrypted, is_synced, size_bytes,
			captured_at, created_at, updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.EvidenceID,
		nullIfEmpty(rec.SessionID),
		rec.Title,
		rec.Description,
		rec.FilePath,
		rec.ContentHash,
		rec.FileSHA256,
		nullIfEmpty(rec.BlockchainRef),
		rec.RiskLevel.String(),
		boolToInt(rec.IsEncrypted),
		boolToInt(rec.IsSynced),
		rec.SizeBytes,
		rec.CapturedAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert evidence: %w", err)
	}
	return rec.EvidenceID, nil
}

// GetEvidence 按 ID 查询证据；不存在时返回 (nil, nil)。
func (s *Store) GetEvidence(ctx context.Context, evidenceID string) (*model.EvidenceRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE evidence_id = ? LIMIT 1`, evidenceID)
	rec, err := scanEvidence(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	return rec, nil
}

// ListEvidence 返回证据列表，按采集时间倒序。
func (s *Store) ListEvidence(ctx context.Context, limit, offset int) ([]model.EvidenceRecord, error) {
	limit, offset = clampPage(limit, offset)
	return s.queryEvidence(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidence
		ORDER BY captured_at DESC, evidence_id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
}

// ListEvidenceByRisk 返回指定风险等级的证据。
func (s *Store) ListEvidenceByRisk(ctx context.Context, level model.Severity) ([]model.EvidenceRecord, error) {
	return s.queryEvidence(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidence
		WHERE risk_level = ?
		ORDER BY captured_at DESC, evidence_id DESC
	`, level.String())
}

// ListEvidenceBySync 按同步状态筛选证据。
func (s *Store) ListEvidenceBySync(ctx context.Context, synced bool) ([]model.EvidenceRecord, error) {
	return s.queryEvidence(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidence
		WHERE is_synced = ?
		ORDER BY captured_at DESC, evidence_id DESC
	`, boolToInt(synced))
}

// ListEvidenceCapturedBefore 返回采集时间早于 cutoff（unix 秒）的证据，按时间升序。
func (s *Store) ListEvidenceCapturedBefore(ctx context.Context, cutoff int64) ([]model.EvidenceRecord, error) {
	return s.queryEvidence(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidence
		WHERE captured_at < ?
		ORDER BY captured_at ASC, evidence_id ASC
	`, cutoff)
}

// ListEvidenceCapturedBetween 返回采集时间落在 [from, to) 的证据。
func (s *Store) ListEvidenceCapturedBetween(ctx context.Context, from, to int64) ([]model.EvidenceRecord, error) {
	return s.queryEvidence(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidence
		WHERE captured_at >= ? AND captured_at < ?
		ORDER BY captured_at ASC, evidence_id ASC
	`, from, to)
}

// CountEvidence 返回证据总数。
func (s *Store) CountEvidence(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM evidence`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count evidence: %w", err)
	}
	return n, nil
}

// DeleteEvidence 删除证据记录（不删除文件）。返回是否实际删除。
func (s *Store) DeleteEvidence(ctx context.Context, evidenceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM evidence WHERE evidence_id = ?`, evidenceID)
	if err != nil {
		return false, fmt.Errorf("delete evidence: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteEvidenceCapturedBefore 批量删除采集时间早于 cutoff 的记录，返回删除条数。
func (s *Store) DeleteEvidenceCapturedBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM evidence WHERE captured_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete evidence before %d: %w", cutoff, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkSynced 更新证据同步状态。
func (s *Store) MarkSynced(ctx context.Context, evidenceID string, synced bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evidence
		SET is_synced = ?, updated_at = ?
		WHERE evidence_id = ?
	`, boolToInt(synced), time.Now().Unix(), evidenceID)
	if err != nil {
		return fmt.Errorf("mark evidence synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark evidence synced: %s not found", evidenceID)
	}
	return nil
}

// StorageInfo 汇总证据数量与占用。
func (s *Store) StorageInfo(ctx context.Context) (model.StorageInfo, error) {
	var out model.StorageInfo
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(size_bytes), 0),
			COALESCE(SUM(is_encrypted), 0),
			COALESCE(SUM(is_synced), 0),
			MIN(captured_at)
		FROM evidence
	`).Scan(&out.EvidenceCount, &out.TotalBytes, &out.EncryptedCount, &out.SyncedCount, &oldest)
	if err != nil {
		return model.StorageInfo{}, fmt.Errorf("query storage info: %w", err)
	}
	if oldest.Valid {
		out.OldestCaptured = oldest.Int64
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvidence(row rowScanner) (*model.EvidenceRecord, error) {
	var out model.EvidenceRecord
	var risk string
	var encrypted, synced int
	if err := row.Scan(
		&out.EvidenceID,
		&out.SessionID,
		&out.Title,
		&out.Description,
		&out.FilePath,
		&out.ContentHash,
		&out.FileSHA256,
		&out.BlockchainRef,
		&risk,
		&encrypted,
		&synced,
		&out.SizeBytes,
		&out.CapturedAt,
		&out.CreatedAt,
		&out.UpdatedAt,
	); err != nil {
		return nil, err
	}
	out.RiskLevel = model.ParseSeverity(risk)
	out.IsEncrypted = encrypted == 1
	out.IsSynced = synced == 1
	return &out, nil
}

func (s *Store) queryEvidence(ctx context.Context, query string, args ...any) ([]model.EvidenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	out := []model.EvidenceRecord{}
	for rows.Next() {
		rec, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}
	return out, nil
}

// AppendAudit 写入审计日志，并生成链式 hash 以便后续校验完整性。
// 审计链为全局单链：prev 取 seq 最大的一条记录。
func (s *Store) AppendAudit(ctx context.Context, evidenceID, eventType, action, status, actor, source string, detail any) error {
	detailJSON := []byte("{}")
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			detailJSON = raw
		}
	}

	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev := ""
	err = tx.QueryRowContext(ctx, `
		SELECT chain_hash
		FROM audit_logs
		ORDER BY seq DESC
		LIMIT 1
	`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query previous chain hash: %w", err)
	}

	now := time.Now().Unix()
	eventID := id.New("evt")
	chain := hash.Text(prev, evidenceID, eventType, action, status, fmt.Sprintf("%d", now), string(detailJSON))

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_logs(
			event_id, evidence_id, event_type, action, status,
			actor, source, detail_json, occurred_at, chain_prev_hash, chain_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, eventID, nullIfEmpty(evidenceID), eventType, action, status, actor, source, string(detailJSON), now, nullIfEmpty(prev), chain)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit log: %w", err)
	}
	return nil
}

// ListAuditLogs 返回审计日志（按 seq 升序）。evidenceID 为空时返回整条链。
func (s *Store) ListAuditLogs(ctx context.Context, evidenceID string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 50000 {
		limit = 50000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			seq,
			event_id,
			COALESCE(evidence_id, ''),
			event_type,
			action,
			status,
			COALESCE(actor, ''),
			COALESCE(source, ''),
			COALESCE(detail_json, '{}'),
			occurred_at,
			COALESCE(chain_prev_hash, ''),
			chain_hash
		FROM audit_logs
		WHERE (? = '' OR evidence_id = ?)
		ORDER BY seq ASC
		LIMIT ?
	`, evidenceID, evidenceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	out := []model.AuditLog{}
	for rows.Next() {
		var item model.AuditLog
		var detail string
		if err := rows.Scan(
			&item.Seq,
			&item.EventID,
			&item.EvidenceID,
			&item.EventType,
			&item.Action,
			&item.Status,
			&item.Actor,
			&item.Source,
			&detail,
			&item.OccurredAt,
			&item.ChainPrevHash,
			&item.ChainHash,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		item.DetailJSON = json.RawMessage(detail)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return out, nil
}

// SaveReport 记录导出产物信息（证明包 ZIP / PDF 报告）。
func (s *Store) SaveReport(ctx context.Context, evidenceID, reportType, filePath, sha256, generatorVersion, status string) (string, error) {
	reportID := id.New("report")
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports(
			report_id, evidence_id, report_type, file_path, sha256, generated_at, generator_version, status
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, reportID, evidenceID, reportType, filePath, sha256, now, generatorVersion, status)
	if err != nil {
		return "", fmt.Errorf("insert report: %w", err)
	}
	return reportID, nil
}

// GetReportByID 按报告 ID 查询报告索引；不存在时返回 (nil, nil)。
func (s *Store) GetReportByID(ctx context.Context, reportID string) (*model.ReportInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT report_id, evidence_id, report_type, file_path, sha256, generated_at, generator_version, status
		FROM reports
		WHERE report_id = ?
		LIMIT 1
	`, reportID)

	var out model.ReportInfo
	if err := row.Scan(
		&out.ReportID,
		&out.EvidenceID,
		&out.ReportType,
		&out.FilePath,
		&out.SHA256,
		&out.GeneratedAt,
		&out.GeneratorVersion,
		&out.Status,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query report info: %w", err)
	}
	return &out, nil
}

// ListReportsByEvidence 返回证据的全部报告索引，按生成时间倒序。
func (s *Store) ListReportsByEvidence(ctx context.Context, evidenceID string) ([]model.ReportInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, evidence_id, report_type, file_path, sha256, generated_at, generator_version, status
		FROM reports
		WHERE evidence_id = ?
		ORDER BY generated_at DESC, report_id DESC
	`, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("query reports by evidence: %w", err)
	}
	defer rows.Close()

	out := []model.ReportInfo{}
	for rows.Next() {
		var item model.ReportInfo
		if err := rows.Scan(
			&item.ReportID,
			&item.EvidenceID,
			&item.ReportType,
			&item.FilePath,
			&item.SHA256,
			&item.GeneratedAt,
			&item.GeneratorVersion,
			&item.Status,
		); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// SQLite 中没有布尔类型，统一转 0/1 存储。
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// 空字符串按 NULL 写入，避免无意义空值污染查询条件。
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
