// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/aurora-auth/internal/model"
)

// ErrConflict は一意制約違反を表す。
// 同一IdPの初回ログインが並行した場合などに発生し、呼び出し側は再検索で回復する。
var ErrConflict = errors.New("repository: unique constraint conflict")

// AccountRepository はアカウントデータの永続化インターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントをロール付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByEmail は正規化済みメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// CreateWithIdentity はアカウント、ロール、identityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, account *model.Account, identity *model.Identity) error

	// AttachIdentity は既存アカウントにidentityを追加し、プロフィールを更新する。
	AttachIdentity(ctx context.Context, account *model.Account, identity *model.Identity) error

	// UpdateWithIdentityTokens は既存identityのトークンとアカウントのプロフィールを
	// 同一トランザクションで更新する。
	UpdateWithIdentityTokens(ctx context.Context, account *model.Account, identity *model.Identity) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// ListByAccountID はアカウントに紐付く全identityを作成順に返す。
	ListByAccountID(ctx context.Context, accountID string) ([]*model.Identity, error)
}

// SessionRepository はリフレッシュトークン系列の永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindByID は指定IDのセッションを取得する。失効・期限切れでも返す。
	// 見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)

	// Rotate はrefresh_hashがoldHashに一致し失効していない場合のみnewHashへ置き換える。
	// 置き換えられなかった場合はfalseを返す。
	Rotate(ctx context.Context, id, oldHash, newHash string, at time.Time) (bool, error)

	// Revoke は指定セッションを失効させる。既に失効済みの場合は何もしない。
	Revoke(ctx context.Context, id string, at time.Time) error

	// RevokeByAccountID はアカウントの全セッションを失効させる。
	RevokeByAccountID(ctx context.Context, accountID string, at time.Time) error

	// DeleteExpired はbefore以前に期限切れとなったセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// AuditRepository は監査イベントの追記専用インターフェース。
type AuditRepository interface {
	// Append は監査イベントを1件追記する。
	Append(ctx context.Context, event *model.AuditEvent) error
}
