package token

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/aurora-auth/internal/keys"
)

// KeySource はkidから検証用の公開鍵を解決する。
type KeySource interface {
	LookupKeyID(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// VerifierConfig は検証の設定。
type VerifierConfig struct {
	Issuer   string
	Audience string
	// Leeway は時刻クレームの許容誤差。
	Leeway time.Duration
}

// Verifier はアクセストークンを検証する。
type Verifier struct {
	keys KeySource
	cfg  VerifierConfig
	now  func() time.Time
}

// NewVerifier はVerifierを生成する。
func NewVerifier(source KeySource, cfg VerifierConfig) *Verifier {
	return &Verifier{keys: source, cfg: cfg, now: time.Now}
}

// Verify は署名・alg・iss・aud・expを検証し、クレームを返す。
// 失敗理由はErrTokenExpiredなどの個別エラーで返す。
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrMalformedToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{keys.Algorithm}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrUnknownKeyID
		}
		key, err := v.keys.LookupKeyID(ctx, kid)
		if err != nil {
			if errors.Is(err, keys.ErrUnknownKeyID) {
				return nil, ErrUnknownKeyID
			}
			return nil, err
		}
		return key, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if claims.Subject == "" {
		return nil, ErrMalformedToken
	}
	return claims, nil
}

// classify はjwtライブラリのエラーを個別エラーに変換する。
func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKeyID):
		return ErrUnknownKeyID
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrInvalidIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrInvalidAudience
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return ErrMalformedToken
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}
