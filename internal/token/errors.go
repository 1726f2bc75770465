// Package token はアクセストークン(RS256 JWT)とリフレッシュトークンの発行・検証を行う。
package token

import "github.com/hitoshi/aurora-auth/internal/model"

// 検証失敗の理由ごとのエラー。すべて errors.Is(err, model.ErrUnauthenticated) が真になる。
var (
	ErrMalformedToken   = model.NewAuthError("malformed token")
	ErrUnknownKeyID     = model.NewAuthError("unknown key id")
	ErrTokenExpired     = model.NewAuthError("token expired")
	ErrInvalidIssuer    = model.NewAuthError("invalid issuer")
	ErrInvalidAudience  = model.NewAuthError("invalid audience")
	ErrInvalidSignature = model.NewAuthError("invalid signature")
	ErrInvalidRefresh   = model.NewAuthError("invalid refresh token")
)
