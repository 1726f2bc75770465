// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, provider, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// サービス層で使用するセンチネルエラー。
// 個別のエラーは %w でラップし、handler層で errors.Is により分類する。
var (
	// ErrConfig は起動時の設定不備（鍵の欠落・破損、必須クレデンシャル未設定）。
	ErrConfig = errors.New("configuration error")
	// ErrInvalidState はanti-CSRF stateが不正・期限切れ・使用済みであることを示す。
	ErrInvalidState = errors.New("invalid or expired oauth state")
	// ErrProviderExchange はプロバイダーとのトークン交換・プロフィール取得の失敗。
	ErrProviderExchange = errors.New("provider exchange failed")
	// ErrUnauthenticated はBearerトークンまたはリフレッシュトークンの検証失敗。
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotImplemented は未提供のエンドポイントであることを示す。
	ErrNotImplemented = errors.New("not implemented")
	// ErrUnknownProvider は未対応のプロバイダー名が指定されたことを示す。
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrAccountNotFound はアカウントが存在しないことを示す。
	ErrAccountNotFound = errors.New("account not found")
)

// AuthError は認証失敗の詳細理由を保持する。
// errors.Is(err, ErrUnauthenticated) が真になる。
type AuthError struct {
	Reason string
}

// NewAuthError はAuthErrorを生成する。
func NewAuthError(reason string) *AuthError {
	return &AuthError{Reason: reason}
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	return "unauthenticated: " + e.Reason
}

// Unwrap はErrUnauthenticatedを返す。
func (e *AuthError) Unwrap() error {
	return ErrUnauthenticated
}

// 定義済みエラーコード
const (
	ErrCodeInvalidState    = "INVALID_STATE"
	ErrCodeMissingCode     = "MISSING_CODE"
	ErrCodeProviderFailed  = "PROVIDER_EXCHANGE_FAILED"
	ErrCodeUnknownProvider = "UNKNOWN_PROVIDER"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeInvalidRefresh  = "INVALID_REFRESH"
	ErrCodeNotImplemented  = "NOT_IMPLEMENTED"
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// NewInvalidStateError はstate検証失敗エラーを生成する。
func NewInvalidStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  "ログインリクエストが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "もう一度ログインをやり直してください。",
	}
}

// NewMissingCodeError は認可コード欠落エラーを生成する。
func NewMissingCodeError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingCode,
		Message:  "認可コードが指定されていません。",
		Category: "validation",
		Action:   "もう一度ログインをやり直してください。",
	}
}

// NewProviderFailedError はプロバイダー連携失敗エラーを生成する。
func NewProviderFailedError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderFailed,
		Message:  fmt.Sprintf("%s との認証に失敗しました。", provider),
		Category: "provider",
		Action:   "しばらく待ってから再度ログインしてください。",
	}
}

// NewUnknownProviderError は未対応プロバイダーエラーを生成する。
func NewUnknownProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProvider,
		Message:  fmt.Sprintf("未対応のプロバイダーです: %s", provider),
		Category: "validation",
		Action:   "google または github を指定してください。",
	}
}

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidRefreshError はリフレッシュトークン検証失敗エラーを生成する。
func NewInvalidRefreshError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRefresh,
		Message:  "リフレッシュトークンが無効です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewNotImplementedError は未実装エンドポイントのエラーを生成する。
func NewNotImplementedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotImplemented,
		Message:  "この機能は現在提供されていません。",
		Category: "system",
		Action:   "ログインし直して新しいトークンを取得してください。",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ残す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
