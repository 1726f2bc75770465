// Package keys はアクセストークン署名用RSA鍵の読み込みとJWKS公開を担う。
package keys

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/hitoshi/aurora-auth/internal/model"
)

// Algorithm はアクセストークンの署名アルゴリズム。
const Algorithm = "RS256"

// minRSABits は受け入れるRSA鍵長の下限。
const minRSABits = 2048

// ErrUnknownKeyID はJWKSに存在しないkidを参照した場合に返る。
var ErrUnknownKeyID = errors.New("keys: unknown key id")

// Config は鍵マネージャーの設定。
type Config struct {
	PrivateKeyPEM []byte
	// PublicKeyPEM は任意。指定された場合は秘密鍵と対になっていることを検証する。
	PublicKeyPEM []byte
	// KeyID が空の場合はRFC 7638のJWKサムプリントを使う。
	KeyID string
}

// Manager は署名鍵1組と公開用JWKSを保持する。生成後はイミュータブル。
type Manager struct {
	kid     string
	private *rsa.PrivateKey
	set     jwk.Set
}

// New は設定から鍵を読み込む。失敗はすべてmodel.ErrConfigをラップする。
func New(cfg Config) (*Manager, error) {
	private, err := parsePrivateKey(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConfig, err)
	}
	if private.N.BitLen() < minRSABits {
		return nil, fmt.Errorf("%w: RSA key must be at least %d bits", model.ErrConfig, minRSABits)
	}

	if len(cfg.PublicKeyPEM) > 0 {
		public, err := parsePublicKey(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrConfig, err)
		}
		if !public.Equal(&private.PublicKey) {
			return nil, fmt.Errorf("%w: public key does not match private key", model.ErrConfig)
		}
	}

	key, err := jwk.Import(&private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to import public key: %v", model.ErrConfig, err)
	}

	kid := cfg.KeyID
	if kid == "" {
		thumb, err := key.Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to compute key thumbprint: %v", model.ErrConfig, err)
		}
		kid = base64.RawURLEncoding.EncodeToString(thumb)
	}

	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, fmt.Errorf("%w: failed to set kid: %v", model.ErrConfig, err)
	}
	if err := key.Set(jwk.AlgorithmKey, Algorithm); err != nil {
		return nil, fmt.Errorf("%w: failed to set alg: %v", model.ErrConfig, err)
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("%w: failed to set use: %v", model.ErrConfig, err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, fmt.Errorf("%w: failed to build JWKS: %v", model.ErrConfig, err)
	}

	return &Manager{kid: kid, private: private, set: set}, nil
}

// SigningKey は現在の署名鍵とkidを返す。
func (m *Manager) SigningKey() (string, *rsa.PrivateKey) {
	return m.kid, m.private
}

// KeyID は現在の署名鍵のkidを返す。
func (m *Manager) KeyID() string {
	return m.kid
}

// PublicJWKS は公開鍵のみを含むJWKSを返す。
func (m *Manager) PublicJWKS() jwk.Set {
	return m.set
}

// MarshalJWKS はJWKS文書 {"keys":[...]} をJSONで返す。
func (m *Manager) MarshalJWKS() ([]byte, error) {
	buf, err := json.Marshal(m.set)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JWKS: %w", err)
	}
	return buf, nil
}

// LookupKeyID はkidに対応する検証用公開鍵を返す。
func (m *Manager) LookupKeyID(_ context.Context, kid string) (crypto.PublicKey, error) {
	key, ok := m.set.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyID, kid)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export key %q: %w", kid, err)
	}
	public, ok := raw.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key %q is %T, want RSA public key", kid, raw)
	}
	return public, nil
}

// parsePrivateKey はPKCS1またはPKCS8形式のRSA秘密鍵を読み込む。
func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from private key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", parsed)
	}
	return key, nil
}

// parsePublicKey はPKIXまたはPKCS1形式のRSA公開鍵を読み込む。
func parsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from public key")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want RSA", parsed)
	}
	return key, nil
}
