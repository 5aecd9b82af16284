package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fraud-sentinel/internal/adapters/store/sqlite"
	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/logging"
	"fraud-sentinel/internal/platform/seal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *sqlite.Store {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlite.NewStore(db)
}

func sealedPackage(t *testing.T, id string, at time.Time, enc PackageEncryptor) SealedPackage {
	t.Helper()
	pkg := model.EvidencePackage{
		ID:              id,
		Title:           "风险证据 " + id,
		Description:     "高风险：检测到验证码索取相关内容：验证码",
		ScreenshotPaths: []string{},
		ChatMessages: []model.ChatMessage{
			{ID: "sms_1", Sender: "10086", Content: "您的验证码是 1234", Timestamp: at, PlatformID: "sms"},
		},
		Environment: model.UnknownEnvironment(),
		Timestamp:   at.UTC(),
	}
	sum, err := CanonicalHasher{}.Hash(pkg)
	require.NoError(t, err)
	pkg.ContentHash = sum

	raw, err := json.Marshal(pkg)
	require.NoError(t, err)
	blob := raw
	if enc != nil {
		blob, err = enc.Encrypt(raw)
		require.NoError(t, err)
	}
	return SealedPackage{
		SessionID:     "col_test",
		Package:       pkg,
		Serialized:    raw,
		ContentHash:   sum,
		EncryptedBlob: blob,
		Encrypted:     enc != nil,
		Trigger:       model.RiskVerdict{Severity: model.SeverityHigh},
	}
}

func TestStoreSinkPersist(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	root := filepath.Join(t.TempDir(), "evidence")
	sink := NewStoreSink(root, store, logging.Discard())

	sp := sealedPackage(t, "evp_1", time.Now(), nil)
	path, err := sink.Persist(ctx, sp)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "evp_1.json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, sp.Serialized, raw)

	rec, err := store.GetEvidence(ctx, "evp_1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, sp.ContentHash, rec.ContentHash)
	assert.Equal(t, model.SeverityHigh, rec.RiskLevel)
	assert.Equal(t, int64(len(raw)), rec.SizeBytes)
	assert.NotEmpty(t, rec.FileSHA256)
	assert.False(t, rec.IsEncrypted)

	logs, err := store.ListAuditLogs(ctx, "evp_1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "persist", logs[0].Action)

	// 同 ID 再次持久化不会覆盖已有文件。
	_, err = sink.Persist(ctx, sp)
	require.Error(t, err)
	still, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, raw, still)
}

func TestStoreSinkRejectsUnsealed(t *testing.T) {
	sink := NewStoreSink(t.TempDir(), newSQLiteStore(t), logging.Discard())
	sp := sealedPackage(t, "evp_1", time.Now(), nil)
	sp.ContentHash = ""
	_, err := sink.Persist(context.Background(), sp)
	require.Error(t, err)
}

type failingRecorder struct{}

func (failingRecorder) InsertEvidence(context.Context, model.EvidenceRecord) (string, error) {
	return "", errors.New("database is locked")
}

func (failingRecorder) AppendAudit(context.Context, string, string, string, string, string, string, any) error {
	return nil
}

func TestStoreSinkRemovesFileWhenInsertFails(t *testing.T) {
	root := t.TempDir()
	sink := NewStoreSink(root, failingRecorder{}, logging.Discard())

	_, err := sink.Persist(context.Background(), sealedPackage(t, "evp_1", time.Now(), nil))
	require.Error(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type managerRig struct {
	store   *sqlite.Store
	sink    *StoreSink
	manager *Manager
	now     time.Time
}

func newManagerRig(t *testing.T, dec PackageDecryptor) *managerRig {
	t.Helper()
	store := newSQLiteStore(t)
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	return &managerRig{
		store: store,
		sink:  NewStoreSink(filepath.Join(t.TempDir(), "evidence"), store, logging.Discard()),
		manager: NewManager(store, ManagerOptions{
			Retention:        30 * 24 * time.Hour,
			RetentionWarning: 7 * 24 * time.Hour,
			Decryptor:        dec,
			Logger:           logging.Discard(),
			Now:              func() time.Time { return now },
		}),
		now: now,
	}
}

func (r *managerRig) persist(t *testing.T, id string, age time.Duration, enc PackageEncryptor) string {
	t.Helper()
	path, err := r.sink.Persist(context.Background(), sealedPackage(t, id, r.now.Add(-age), enc))
	require.NoError(t, err)
	return path
}

func TestCleanupRemovesExpiredEvidence(t *testing.T) {
	ctx := context.Background()
	r := newManagerRig(t, nil)
	const day = 24 * time.Hour

	oldPath := r.persist(t, "evp_old", 40*day, nil)
	soonPath := r.persist(t, "evp_soon", 25*day, nil)
	r.persist(t, "evp_fresh", day, nil)

	warn, err := r.manager.CleanupWarning(ctx)
	require.NoError(t, err)
	require.Len(t, warn, 1)
	assert.Equal(t, "evp_soon", warn[0].EvidenceID)

	res, err := r.manager.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.FilesRemoved)
	assert.Empty(t, res.Errors)
	assert.Equal(t, r.now.Add(-30*day).Unix(), res.Cutoff)

	assert.NoFileExists(t, oldPath)
	assert.FileExists(t, soonPath)

	info, err := r.manager.StorageInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, info.EvidenceCount)

	// 文件已被手工删除的过期记录也能清理。
	missing := r.persist(t, "evp_gone", 50*day, nil)
	require.NoError(t, os.Remove(missing))
	res, err = r.manager.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Zero(t, res.FilesRemoved)
}

func TestDeleteEvidence(t *testing.T) {
	ctx := context.Background()
	r := newManagerRig(t, nil)
	path := r.persist(t, "evp_1", time.Hour, nil)

	require.NoError(t, r.manager.Delete(ctx, "evp_1"))
	assert.NoFileExists(t, path)

	rec, err := r.store.GetEvidence(ctx, "evp_1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	err = r.manager.Delete(ctx, "evp_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExportVerifiesFileHash(t *testing.T) {
	ctx := context.Background()
	r := newManagerRig(t, nil)
	path := r.persist(t, "evp_1", time.Hour, nil)
	dest := t.TempDir()

	out, err := r.manager.Export(ctx, "evp_1", dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "evp_1.json"), out)

	want, err := os.ReadFile(path)
	require.NoError(t, err)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, os.WriteFile(path, append(want, ' '), 0o600))
	_, err = r.manager.Export(ctx, "evp_1", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "modified")

	_, err = r.manager.Export(ctx, "evp_missing", dest)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBackupWritesProofFiles(t *testing.T) {
	ctx := context.Background()
	r := newManagerRig(t, nil)
	r.persist(t, "evp_1", time.Hour, nil)
	r.persist(t, "evp_2", 2*time.Hour, nil)
	dest := filepath.Join(t.TempDir(), "backup")

	out, err := r.manager.Backup(ctx, []string{"evp_1", "evp_2"}, dest)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, filepath.Join(dest, "evp_1.proof"), out[0])
	assert.FileExists(t, out[1])

	logs, err := r.store.ListAuditLogs(ctx, "", 100)
	require.NoError(t, err)
	assert.Equal(t, "backup", logs[len(logs)-1].Action)
}

func TestLoadPlainAndEncrypted(t *testing.T) {
	ctx := context.Background()
	sealer, err := seal.New("s3cret")
	require.NoError(t, err)
	r := newManagerRig(t, sealer)

	r.persist(t, "evp_plain", time.Hour, nil)
	encPath := r.persist(t, "evp_enc", time.Hour, sealer)
	assert.Equal(t, ".evp", filepath.Ext(encPath))

	_, pkg, err := r.manager.Load(ctx, "evp_plain")
	require.NoError(t, err)
	assert.Equal(t, "evp_plain", pkg.ID)

	rec, pkg, err := r.manager.Load(ctx, "evp_enc")
	require.NoError(t, err)
	assert.True(t, rec.IsEncrypted)
	assert.Equal(t, rec.ContentHash, pkg.ContentHash)

	again, err := CanonicalHasher{}.Hash(*pkg)
	require.NoError(t, err)
	assert.Equal(t, pkg.ContentHash, again)

	noKey := NewManager(r.store, ManagerOptions{Logger: logging.Discard()})
	_, _, err = noKey.Load(ctx, "evp_enc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "passphrase")
}

// writeMedia 在 dir 下写出 <session>_<name> 文件并返回路径。
func writeMedia(t *testing.T, dir, sessionID, name string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, sessionID+"_"+name)
	require.NoError(t, os.WriteFile(p, []byte(name), 0o600))
	return p
}

func mediaRig(t *testing.T, dec PackageDecryptor, dirs ...string) *managerRig {
	t.Helper()
	r := newManagerRig(t, dec)
	r.manager = NewManager(r.store, ManagerOptions{
		Retention:        30 * 24 * time.Hour,
		RetentionWarning: 7 * 24 * time.Hour,
		Decryptor:        dec,
		MediaDirs:        dirs,
		Logger:           logging.Discard(),
		Now:              func() time.Time { return r.now },
	})
	return r
}

func TestDeleteRemovesSessionMedia(t *testing.T) {
	ctx := context.Background()
	shots, records := t.TempDir(), t.TempDir()
	r := mediaRig(t, nil, shots, records)

	shot1 := writeMedia(t, shots, "col_a", "shot_001.png")
	shot2 := writeMedia(t, shots, "col_a", "shot_002.png")
	video := writeMedia(t, records, "col_a", "record.mp4")
	other := writeMedia(t, shots, "col_b", "shot_001.png")

	sp := sealedPackage(t, "evp_a", r.now, nil)
	sp.SessionID = "col_a"
	sp.Package.ScreenshotPaths = []string{shot1, shot2}
	sp.Package.ScreenRecordPath = &video
	sum, err := CanonicalHasher{}.Hash(sp.Package)
	require.NoError(t, err)
	sp.Package.ContentHash, sp.ContentHash = sum, sum
	raw, err := json.Marshal(sp.Package)
	require.NoError(t, err)
	sp.Serialized, sp.EncryptedBlob = raw, raw
	path, err := r.sink.Persist(ctx, sp)
	require.NoError(t, err)

	require.NoError(t, r.manager.Delete(ctx, "evp_a"))
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, shot1)
	assert.NoFileExists(t, shot2)
	assert.NoFileExists(t, video)
	assert.FileExists(t, other)

	logs, err := r.store.ListAuditLogs(ctx, "evp_a", 10)
	require.NoError(t, err)
	assert.Contains(t, string(logs[len(logs)-1].DetailJSON), `"media_removed":3`)
}

func TestCleanupRemovesMediaOfEncryptedEvidenceWithoutPassphrase(t *testing.T) {
	ctx := context.Background()
	sealer, err := seal.New("correct horse battery staple")
	require.NoError(t, err)
	shots := t.TempDir()
	r := mediaRig(t, nil, shots)

	shot := writeMedia(t, shots, "col_old", "shot_001.png")
	keep := writeMedia(t, shots, "col_new", "shot_001.png")

	old := sealedPackage(t, "evp_old", r.now.Add(-40*24*time.Hour), sealer)
	old.SessionID = "col_old"
	_, err = r.sink.Persist(ctx, old)
	require.NoError(t, err)
	fresh := sealedPackage(t, "evp_new", r.now, sealer)
	fresh.SessionID = "col_new"
	_, err = r.sink.Persist(ctx, fresh)
	require.NoError(t, err)

	res, err := r.manager.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.MediaRemoved)
	assert.Empty(t, res.Errors)
	assert.NoFileExists(t, shot)
	assert.FileExists(t, keep)
}
