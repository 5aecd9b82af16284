package model

import "encoding/json"

// EvidenceRecord 是证据库中的一条记录（evidence 表）。
type EvidenceRecord struct {
	EvidenceID    string   `json:"evidence_id"`
	SessionID     string   `json:"session_id,omitempty"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	FilePath      string   `json:"file_path"`
	ContentHash   string   `json:"content_hash"`
	FileSHA256    string   `json:"file_sha256"`
	BlockchainRef string   `json:"blockchain_ref,omitempty"`
	RiskLevel     Severity `json:"risk_level"`
	IsEncrypted   bool     `json:"is_encrypted"`
	IsSynced      bool     `json:"is_synced"`
	SizeBytes     int64    `json:"size_bytes"`
	CapturedAt    int64    `json:"captured_at"`
	CreatedAt     int64    `json:"created_at"`
	UpdatedAt     int64    `json:"updated_at"`
}

// AuditLog 是审计链上的一条记录（audit_logs 表）。
type AuditLog struct {
	Seq           int64           `json:"seq"`
	EventID       string          `json:"event_id"`
	EvidenceID    string          `json:"evidence_id,omitempty"`
	EventType     string          `json:"event_type"`
	Action        string          `json:"action"`
	Status        string          `json:"status"`
	Actor         string          `json:"actor,omitempty"`
	Source        string          `json:"source,omitempty"`
	DetailJSON    json.RawMessage `json:"detail_json,omitempty"`
	OccurredAt    int64           `json:"occurred_at"`
	ChainPrevHash string          `json:"chain_prev_hash,omitempty"`
	ChainHash     string          `json:"chain_hash"`
}

// StorageInfo 是证据库占用汇总。
type StorageInfo struct {
	EvidenceCount  int   `json:"evidence_count"`
	TotalBytes     int64 `json:"total_bytes"`
	EncryptedCount int   `json:"encrypted_count"`
	SyncedCount    int   `json:"synced_count"`
	OldestCaptured int64 `json:"oldest_captured_at,omitempty"`
}

// ReportInfo 表示导出产物索引（reports 表）。
type ReportInfo struct {
	ReportID         string `json:"report_id"`
	EvidenceID       string `json:"evidence_id"`
	ReportType       string `json:"report_type"`
	FilePath         string `json:"file_path"`
	SHA256           string `json:"sha256"`
	GeneratedAt      int64  `json:"generated_at"`
	GeneratorVersion string `json:"generator_version"`
	Status           string `json:"status"`
}
