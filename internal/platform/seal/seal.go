// Package seal 对证据包做静态加密：AES-256-GCM，密钥由口令经 Argon2id 派生。
//
// 密文格式：magic(4) | salt(16) | nonce(12) | ciphertext+tag。
// 每个密文使用独立随机 salt，口令本身不落盘。
package seal

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

var magic = []byte("FSE1")

const (
	saltSize = 16
	keySize  = 32

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	ErrEmptyPassphrase = errors.New("seal: passphrase is empty")
	ErrMalformed       = errors.New("seal: malformed ciphertext")
)

// Sealer 持有口令，负责加解密。
type Sealer struct {
	passphrase []byte
	rand       io.Reader
}

func New(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	return &Sealer{passphrase: []byte(passphrase), rand: rand.Reader}, nil
}

// DeriveKey 按固定 Argon2id 参数派生 32 字节密钥。
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, keySize)
}

// Encrypt 加密 plaintext。
func (s *Sealer) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(s.rand, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(DeriveKey(s.passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(magic)+saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, magic), nil
}

// Decrypt 解密 Encrypt 的输出；口令错误或内容被改动时返回错误。
func (s *Sealer) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < len(magic)+saltSize || !bytes.Equal(blob[:len(magic)], magic) {
		return nil, ErrMalformed
	}
	rest := blob[len(magic):]
	salt, rest := rest[:saltSize], rest[saltSize:]

	gcm, err := newGCM(DeriveKey(s.passphrase, salt))
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrMalformed
	}
	nonce, ct := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, magic)
	if err != nil {
		return nil, fmt.Errorf("seal: decrypt: %w", err)
	}
	return plain, nil
}

// IsSealed 判断数据是否带有本包的密文头。
func IsSealed(blob []byte) bool {
	return len(blob) >= len(magic) && bytes.Equal(blob[:len(magic)], magic)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}
