package auditverify

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"fraud-sentinel/internal/adapters/store/sqlite"
	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/hash"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chain(logs []model.AuditLog) {
	prev := ""
	for i := range logs {
		logs[i].Seq = int64(i + 1)
		logs[i].ChainPrevHash = prev
		detail := string(logs[i].DetailJSON)
		if detail == "" {
			detail = "{}"
		}
		logs[i].ChainHash = hash.Text(prev, logs[i].EvidenceID, logs[i].EventType, logs[i].Action, logs[i].Status, fmt.Sprintf("%d", logs[i].OccurredAt), detail)
		prev = logs[i].ChainHash
	}
}

func TestVerifyAuditLogs_OK(t *testing.T) {
	logs := []model.AuditLog{
		{EventID: "evt_1", EventType: "monitor", Action: "monitoring_started", Status: "success", DetailJSON: json.RawMessage(`{"k":"v"}`), OccurredAt: 1700000000},
		{EventID: "evt_2", EvidenceID: "evp_1", EventType: "evidence", Action: "persist", Status: "success", DetailJSON: json.RawMessage(`{}`), OccurredAt: 1700000001},
	}
	chain(logs)

	res := VerifyAuditLogs(logs)
	assert.True(t, res.OK, "%+v", res)
	assert.Equal(t, 2, res.Total)
	assert.Zero(t, res.Failed)
	assert.Equal(t, logs[1].ChainHash, res.LastChainHash)
}

func TestVerifyAuditLogs_Mismatch(t *testing.T) {
	logs := []model.AuditLog{
		{EventID: "evt_1", EvidenceID: "evp_1", EventType: "x", Action: "a", Status: "s", OccurredAt: 1},
		{EventID: "evt_2", EvidenceID: "evp_1", EventType: "y", Action: "b", Status: "t", DetailJSON: json.RawMessage(`{"n":1}`), OccurredAt: 2},
		{EventID: "evt_3", EventType: "z", Action: "c", Status: "u", OccurredAt: 3},
	}
	chain(logs)
	logs[1].ChainHash = "deadbeef"

	res := VerifyAuditLogs(logs)
	require.False(t, res.OK)
	// 第三条的 prev 指向被篡改前的值，按篡改后的链重算也对不上。
	assert.Equal(t, 2, res.ChainHashFailed)
	assert.Equal(t, 1, res.PrevHashFailed)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, int64(2), res.Failures[0].Seq)
	assert.Equal(t, "evp_1", res.Failures[0].EvidenceID)
}

func TestVerifyAuditLogs_PrettyDetailIsEquivalent(t *testing.T) {
	logs := []model.AuditLog{
		{EventID: "evt_1", EventType: "x", Action: "a", Status: "s", DetailJSON: json.RawMessage(`{"a":1,"b":[1,2]}`), OccurredAt: 1},
	}
	chain(logs)
	logs[0].DetailJSON = json.RawMessage("{\n  \"a\": 1,\n  \"b\": [\n    1,\n    2\n  ]\n}")

	assert.True(t, VerifyAuditLogs(logs).OK)
}

func TestVerifyAuditLogs_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := sqlite.NewStore(db)

	require.NoError(t, store.AppendAudit(ctx, "", "monitor", "monitoring_started", "success", "sentinel", "monitor", nil))
	require.NoError(t, store.AppendAudit(ctx, "evp_1", "evidence", "persist", "success", "sentinel", "evidence", map[string]any{"size": 12}))
	require.NoError(t, store.AppendAudit(ctx, "evp_2", "evidence", "export", "success", "sentinel", "evidence", map[string]string{"dest": "/tmp/x"}))

	logs, err := store.ListAuditLogs(ctx, "", 0)
	require.NoError(t, err)
	res := VerifyAuditLogs(logs)
	assert.True(t, res.OK, "%+v", res)
	assert.Equal(t, 3, res.Total)

	_, err = db.ExecContext(ctx, `UPDATE audit_logs SET status = 'failed' WHERE evidence_id = 'evp_1'`)
	require.NoError(t, err)
	logs, err = store.ListAuditLogs(ctx, "", 0)
	require.NoError(t, err)
	res = VerifyAuditLogs(logs)
	assert.False(t, res.OK)
	assert.Equal(t, 1, res.ChainHashFailed)
}

func samplePackage(t *testing.T) model.EvidencePackage {
	t.Helper()
	ts := time.Date(2026, 10, 1, 2, 0, 0, 0, time.UTC)
	pkg := model.EvidencePackage{
		ID:              "evp_1",
		Title:           "风险证据",
		Description:     "高风险",
		ScreenshotPaths: []string{"/data/s_shot_001.png"},
		ChatMessages:    []model.ChatMessage{{ID: "sms_1", Sender: "10086", Content: "验证码 1234", Timestamp: ts, PlatformID: "sms"}},
		Environment:     model.UnknownEnvironment(),
		Timestamp:       ts,
	}
	sum, err := hash.CanonicalJSON(pkg)
	require.NoError(t, err)
	pkg.ContentHash = sum
	return pkg
}

func TestVerifyPackage(t *testing.T) {
	pkg := samplePackage(t)
	res, err := VerifyPackage(pkg)
	require.NoError(t, err)
	assert.True(t, res.OK)

	tampered := pkg
	tampered.ChatMessages = []model.ChatMessage{{ID: "sms_1", Content: "验证码 9999", Timestamp: pkg.Timestamp}}
	res, err = VerifyPackage(tampered)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "content_hash mismatch", res.Message)

	unsealed := pkg.Unsealed()
	res, err = VerifyPackage(unsealed)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "package is not sealed", res.Message)
}

func TestVerifyEvidence(t *testing.T) {
	pkg := samplePackage(t)
	rec := model.EvidenceRecord{EvidenceID: pkg.ID, ContentHash: pkg.ContentHash, FileSHA256: "ABC"}

	res, err := VerifyEvidence(rec, pkg, "abc")
	require.NoError(t, err)
	assert.True(t, res.OK, res.Message)
	require.NotNil(t, res.FileSHA256Match)
	assert.True(t, *res.FileSHA256Match)

	res, err = VerifyEvidence(rec, pkg, "def")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "file sha256")

	rec.ContentHash = "other"
	res, err = VerifyEvidence(rec, pkg, "abc")
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.NotNil(t, res.RecordHashMatch)
	assert.False(t, *res.RecordHashMatch)
}
