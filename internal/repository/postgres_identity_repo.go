package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/aurora-auth/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

const selectIdentity = `
	SELECT id, account_id, provider, provider_user_id, access_token_enc, refresh_token_enc,
	       scope, expires_at, created_at, updated_at
	FROM identities`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*model.Identity, error) {
	identity := &model.Identity{}
	err := row.Scan(&identity.ID, &identity.AccountID, &identity.Provider, &identity.ProviderUserID,
		&identity.AccessTokenEnc, &identity.RefreshTokenEnc, &identity.Scope, &identity.ExpiresAt,
		&identity.CreatedAt, &identity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	identity, err := scanIdentity(r.db.QueryRowContext(ctx,
		selectIdentity+` WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return identity, nil
}

// ListByAccountID はアカウントに紐付く全identityを作成順に返す。
func (r *PostgresIdentityRepo) ListByAccountID(ctx context.Context, accountID string) ([]*model.Identity, error) {
	rows, err := r.db.QueryContext(ctx,
		selectIdentity+` WHERE account_id = $1 ORDER BY created_at, provider`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var identities []*model.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate identities: %w", err)
	}
	return identities, nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
