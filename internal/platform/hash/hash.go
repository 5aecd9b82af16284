package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gowebpki/jcs"
)

// Text 将多个字段按换行拼接后计算 SHA-256。
// 这里用于 chain_hash / 结论去重键等“字段级留痕”场景。
func Text(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte("\n"))
		}
		_, _ = h.Write([]byte(strings.TrimSpace(p)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Bytes 计算原始字节的 SHA-256。
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// File 读取文件并计算 SHA-256，同时返回文件大小。
// 用于证据文件完整性校验。
func File(path string) (sum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Canonical 返回 RFC 8785 (JCS) 规范化 JSON。
func Canonical(raw []byte) ([]byte, error) {
	return jcs.Transform(raw)
}

// CanonicalJSON 先按 encoding/json 编码 v，再做 JCS 规范化并取 SHA-256。
// 字段顺序、空白、数字写法都不影响结果。
func CanonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	canonical, err := Canonical(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return Bytes(canonical), nil
}
