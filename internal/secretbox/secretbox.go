// Package secretbox はIdPトークンを保存用に暗号化する。
//
// 形式は base64(nonce(12) || tag(16) || ciphertext)。
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/hitoshi/aurora-auth/internal/model"
)

const (
	keyInfo   = "aurora-auth/provider-tokens"
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// ErrDecrypt は復号に失敗した場合に返る。改ざん・切り詰め・鍵不一致を区別しない。
var ErrDecrypt = errors.New("secretbox: decryption failed")

// Box はAES-256-GCMによる暗号化を行う。並行利用可能。
type Box struct {
	aead cipher.AEAD
	rand io.Reader
}

// New はseedからHKDF-SHA256で鍵を導出してBoxを生成する。
// 同じseedからは常に同じ鍵が導出される。
func New(seed []byte) (*Box, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("%w: token encryption seed is empty", model.ErrConfig)
	}

	key, err := hkdf.Key(sha256.New, seed, nil, keyInfo, keySize)
	if err != nil {
		return nil, fmt.Errorf("%w: derive token key: %v", model.ErrConfig, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %v", model.ErrConfig, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: new gcm: %v", model.ErrConfig, err)
	}

	return &Box{aead: aead, rand: rand.Reader}, nil
}

// Encrypt は平文を暗号化する。呼び出しごとに新しいnonceを使う。
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(b.rand, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	// Sealの出力は ciphertext || tag
	sealed := b.aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+tagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt はEncryptの出力を復号する。
func (b *Box) Decrypt(blob string) ([]byte, error) {
	// パディング前の未使用ビットも検証し、同じバイト列に復号される別表記を拒否する
	raw, err := base64.StdEncoding.Strict().DecodeString(blob)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(raw) < nonceSize+tagSize {
		return nil, ErrDecrypt
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncryptString は文字列版のEncrypt。
func (b *Box) EncryptString(s string) (string, error) {
	return b.Encrypt([]byte(s))
}

// DecryptString は文字列版のDecrypt。
func (b *Box) DecryptString(blob string) (string, error) {
	p, err := b.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(p), nil
}
