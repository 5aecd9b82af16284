// Package auditverify 复核审计链与证据包哈希。
package auditverify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/hash"
)

// FailureItem 表示一次审计链校验失败的明细项（用于 UI/CLI 展示）。
type FailureItem struct {
	Index int   `json:"index"`
	Seq   int64 `json:"seq"`

	EventID    string `json:"event_id"`
	EvidenceID string `json:"evidence_id,omitempty"`
	OccurredAt int64  `json:"occurred_at"`
	EventType  string `json:"event_type"`
	Action     string `json:"action"`
	Status     string `json:"status"`

	// PrevHashMismatch 表示当前记录的 chain_prev_hash 与上一条记录 chain_hash 不一致。
	PrevHashMismatch bool   `json:"prev_hash_mismatch"`
	ExpectedPrevHash string `json:"expected_prev_hash,omitempty"`
	ActualPrevHash   string `json:"actual_prev_hash,omitempty"`

	// ChainHashMismatch 表示当前记录 chain_hash 与按公式重算的值不一致。
	ChainHashMismatch bool   `json:"chain_hash_mismatch"`
	ExpectedChainHash string `json:"expected_chain_hash,omitempty"`
	ActualChainHash   string `json:"actual_chain_hash,omitempty"`

	Message string `json:"message,omitempty"`
}

// Result 是审计链强校验结果。
type Result struct {
	OK bool `json:"ok"`

	Total int `json:"total"`

	Failed          int `json:"failed"`
	PrevHashFailed  int `json:"prev_hash_failed"`
	ChainHashFailed int `json:"chain_hash_failed"`

	LastChainHash string `json:"last_chain_hash,omitempty"`

	Failures []FailureItem `json:"failures,omitempty"`
}

// VerifyAuditLogs 对按 seq 升序的整条 audit_logs 做强校验：
// 1) chain_prev_hash 连续性
// 2) 重算 chain_hash 并与存量字段对比
//
// 校验公式必须与 Store.AppendAudit 保持一致。只传入某条证据的子集会被判定为断链。
func VerifyAuditLogs(logs []model.AuditLog) Result {
	res := Result{
		OK:       true,
		Total:    len(logs),
		Failures: []FailureItem{},
	}

	prev := ""
	for i, it := range logs {
		expectedPrev := prev
		actualPrev := strings.TrimSpace(it.ChainPrevHash)

		// detail_json 入库时是紧凑 JSON；证明包 manifest.json 经 MarshalIndent 后会带缩进，
		// 先 compact 再重算，只比较内容差异。
		detail := compactJSON(it.DetailJSON)
		expectedChain := hash.Text(
			expectedPrev,
			it.EvidenceID,
			it.EventType,
			it.Action,
			it.Status,
			fmt.Sprintf("%d", it.OccurredAt),
			detail,
		)
		actualChain := strings.TrimSpace(it.ChainHash)

		prevMismatch := actualPrev != expectedPrev
		chainMismatch := actualChain != expectedChain

		if prevMismatch || chainMismatch {
			res.OK = false
			res.Failed++
			if prevMismatch {
				res.PrevHashFailed++
			}
			if chainMismatch {
				res.ChainHashFailed++
			}

			msg := ""
			switch {
			case prevMismatch && chainMismatch:
				msg = "chain_prev_hash and chain_hash mismatch"
			case prevMismatch:
				msg = "chain_prev_hash mismatch"
			case chainMismatch:
				msg = "chain_hash mismatch"
			}

			res.Failures = append(res.Failures, FailureItem{
				Index:      i,
				Seq:        it.Seq,
				EventID:    it.EventID,
				EvidenceID: it.EvidenceID,
				OccurredAt: it.OccurredAt,
				EventType:  it.EventType,
				Action:     it.Action,
				Status:     it.Status,

				PrevHashMismatch: prevMismatch,
				ExpectedPrevHash: expectedPrev,
				ActualPrevHash:   actualPrev,

				ChainHashMismatch: chainMismatch,
				ExpectedChainHash: expectedChain,
				ActualChainHash:   actualChain,

				Message: msg,
			})
		}

		// 链推进：以“数据库中记录的 chain_hash”为准，这样可以把“错误链”继续向后验证并定位更多异常。
		prev = actualChain
		res.LastChainHash = actualChain
	}

	return res
}

func compactJSON(in []byte) string {
	if len(bytes.TrimSpace(in)) == 0 {
		return "{}"
	}
	var b bytes.Buffer
	if err := json.Compact(&b, in); err == nil {
		return b.String()
	}
	// 兜底：出现非 JSON（理论上不应发生），仍然尽量保持与原始输入一致。
	return strings.TrimSpace(string(in))
}

// PackageResult 是证据包哈希复核结果。
type PackageResult struct {
	OK           bool   `json:"ok"`
	PackageID    string `json:"package_id"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`

	// 以下字段仅在提供了证据库记录时填写。
	RecordHashMatch *bool  `json:"record_hash_match,omitempty"`
	FileSHA256Match *bool  `json:"file_sha256_match,omitempty"`
	Message         string `json:"message,omitempty"`
}

// VerifyPackage 按封存公式重算 contentHash（规范化 JSON、排除 hash 字段本身）并与包内值对比。
func VerifyPackage(pkg model.EvidencePackage) (PackageResult, error) {
	expected, err := hash.CanonicalJSON(pkg.Unsealed())
	if err != nil {
		return PackageResult{}, fmt.Errorf("canonicalize evidence package: %w", err)
	}
	res := PackageResult{
		PackageID:    pkg.ID,
		ExpectedHash: expected,
		ActualHash:   strings.TrimSpace(pkg.ContentHash),
	}
	res.OK = res.ActualHash != "" && res.ActualHash == expected
	if !res.OK {
		res.Message = "content_hash mismatch"
		if res.ActualHash == "" {
			res.Message = "package is not sealed"
		}
	}
	return res, nil
}

// VerifyEvidence 在 VerifyPackage 基础上，再核对证据库记录中的 contentHash 与文件 SHA-256。
// fileSHA256 为证据文件当前的 SHA-256（调用方读取文件后计算）。
func VerifyEvidence(rec model.EvidenceRecord, pkg model.EvidencePackage, fileSHA256 string) (PackageResult, error) {
	res, err := VerifyPackage(pkg)
	if err != nil {
		return res, err
	}
	recordMatch := rec.ContentHash == res.ActualHash
	res.RecordHashMatch = &recordMatch

	msgs := []string{}
	if res.Message != "" {
		msgs = append(msgs, res.Message)
	}
	if !recordMatch {
		msgs = append(msgs, "record content_hash differs from package")
	}
	if rec.FileSHA256 != "" {
		fileMatch := strings.EqualFold(rec.FileSHA256, fileSHA256)
		res.FileSHA256Match = &fileMatch
		if !fileMatch {
			msgs = append(msgs, "file sha256 differs from record")
		}
	}
	res.OK = len(msgs) == 0
	res.Message = strings.Join(msgs, "; ")
	return res, nil
}
