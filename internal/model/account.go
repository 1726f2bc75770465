// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Role はアカウントに付与されるロールを表す。
type Role string

// RoleOwner はアカウント作成時に付与されるデフォルトロール。
const RoleOwner Role = "OWNER"

// 対応するOAuthプロバイダー名
const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"
)

// Account はサービス利用者のアカウントを表す。
// emailは正規化済み（小文字・前後空白除去）で一意。rolesは常に1件以上。
type Account struct {
	ID        string
	Email     string
	Name      string
	AvatarURL string
	Roles     []Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity は外部IdPとの紐付け情報を表す。
// (Provider, ProviderUserID) はグローバルに一意。
// トークンはSecret Boxで暗号化された状態でのみ保持する。
type Identity struct {
	ID              string
	AccountID       string
	Provider        string
	ProviderUserID  string
	AccessTokenEnc  string
	RefreshTokenEnc *string
	Scope           *string
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Session はリフレッシュトークンの系列（lineage）を表す。
// リフレッシュトークン本体は保持せず、bcryptハッシュのみを保存する。
type Session struct {
	ID          string
	AccountID   string
	RefreshHash string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	RotatedAt   *time.Time
	RevokedAt   *time.Time
}

// Active はセッションが失効・期限切れでないかを返す。
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// AuditAction は監査イベントの種別。
type AuditAction string

// 監査イベント種別
const (
	AuditSignIn       AuditAction = "SIGN_IN"
	AuditLinkProvider AuditAction = "LINK_PROVIDER"
	AuditRefresh      AuditAction = "REFRESH"
	AuditLogout       AuditAction = "LOGOUT"
)

// AuditEvent は追記専用の監査ログレコード。
type AuditEvent struct {
	ID        string
	AccountID string
	Action    AuditAction
	Provider  string
	CreatedAt time.Time
}

// AccountView は /me で返すアカウント情報。トークン類は含まない。
type AccountView struct {
	Account    Account
	Identities []IdentityView
}

// IdentityView は紐付け済みIdPの公開可能な情報。
type IdentityView struct {
	Provider       string
	ProviderUserID string
	Scope          string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// NormalizeEmail はメールアドレスを比較用に正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
