package evidence

import (
	"context"
	"time"

	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/hash"
)

// ScreenCapturer 把当前屏幕截图写到 dst。超时由实现方控制。
type ScreenCapturer interface {
	Capture(ctx context.Context, dst string) error
}

// ScreenRecorder 把屏幕录像写到 dst，最长 limit。
// ctx 取消表示提前结束录制，实现方应保留已录内容；返回 nil 时 dst 已写好。
type ScreenRecorder interface {
	Record(ctx context.Context, dst string, limit time.Duration) error
}

// MessageSource 拉取 since 之后的最近消息，最多 limit 条。
type MessageSource interface {
	Messages(ctx context.Context, since time.Time, limit int) ([]model.ChatMessage, error)
}

// EnvironmentProvider 在封存时提供一次环境快照。
type EnvironmentProvider interface {
	Snapshot(ctx context.Context) (model.EnvironmentSnapshot, error)
}

// ContentHasher 计算证据包 contentHash（不含 hash 字段本身）。
type ContentHasher interface {
	Hash(p model.EvidencePackage) (string, error)
}

// PackageEncryptor 加密序列化后的证据包，*seal.Sealer 实现该接口。
type PackageEncryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
}

// PackageDecryptor 解密证据文件，*seal.Sealer 实现该接口。
type PackageDecryptor interface {
	Decrypt(blob []byte) ([]byte, error)
}

// SealedPackage 是交给持久化端的封存结果。
type SealedPackage struct {
	SessionID     string
	Package       model.EvidencePackage
	Serialized    []byte
	ContentHash   string
	EncryptedBlob []byte
	Encrypted     bool
	Trigger       model.RiskVerdict
}

// PackageSink 持久化封存后的证据包，返回文件引用（路径）。
type PackageSink interface {
	Persist(ctx context.Context, sp SealedPackage) (string, error)
}

// CanonicalHasher 对 RFC 8785 规范化 JSON 取 SHA-256。
type CanonicalHasher struct{}

func (CanonicalHasher) Hash(p model.EvidencePackage) (string, error) {
	return hash.CanonicalJSON(p.Unsealed())
}
