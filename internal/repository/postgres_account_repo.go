package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/aurora-auth/internal/model"
)

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

const selectAccount = `
	SELECT a.id, a.email, a.name, a.avatar_url, a.created_at, a.updated_at,
	       COALESCE(array_agg(r.role ORDER BY r.role) FILTER (WHERE r.role IS NOT NULL), '{}')
	FROM accounts a
	LEFT JOIN account_roles r ON r.account_id = a.id`

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx,
		selectAccount+` WHERE a.id = $1 GROUP BY a.id`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to find account by ID: %w", err)
	}
	return account, nil
}

// FindByEmail は正規化済みメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx,
		selectAccount+` WHERE a.email = $1 GROUP BY a.id`, model.NormalizeEmail(email)))
	if err != nil {
		return nil, fmt.Errorf("failed to find account by email: %w", err)
	}
	return account, nil
}

func scanAccount(row *sql.Row) (*model.Account, error) {
	account := &model.Account{}
	var avatar sql.NullString
	var roles []string
	err := row.Scan(&account.ID, &account.Email, &account.Name, &avatar,
		&account.CreatedAt, &account.UpdatedAt, pq.Array(&roles))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	account.AvatarURL = avatar.String
	for _, role := range roles {
		account.Roles = append(account.Roles, model.Role(role))
	}
	return account, nil
}

// CreateWithIdentity はアカウント、ロール、identityを同一トランザクションで作成する。
// ロール未指定の場合はOWNERを付与する。
func (r *PostgresAccountRepo) CreateWithIdentity(ctx context.Context, account *model.Account, identity *model.Identity) error {
	if len(account.Roles) == 0 {
		account.Roles = []model.Role{model.RoleOwner}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (id, email, name, avatar_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		account.ID, account.Email, account.Name, nullString(account.AvatarURL),
		account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return wrapWrite("insert account", err)
	}

	for _, role := range account.Roles {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO account_roles (account_id, role, created_at) VALUES ($1, $2, $3)`,
			account.ID, string(role), account.CreatedAt,
		)
		if err != nil {
			return wrapWrite("insert account role", err)
		}
	}

	if err := insertIdentity(ctx, tx, identity); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AttachIdentity は既存アカウントにidentityを追加し、プロフィールを更新する。
func (r *PostgresAccountRepo) AttachIdentity(ctx context.Context, account *model.Account, identity *model.Identity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateProfile(ctx, tx, account); err != nil {
		return err
	}
	if err := insertIdentity(ctx, tx, identity); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateWithIdentityTokens は既存identityのトークンとアカウントのプロフィールを更新する。
func (r *PostgresAccountRepo) UpdateWithIdentityTokens(ctx context.Context, account *model.Account, identity *model.Identity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateProfile(ctx, tx, account); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE identities
		 SET access_token_enc = $2, refresh_token_enc = $3, scope = $4, expires_at = $5, updated_at = $6
		 WHERE id = $1`,
		identity.ID, identity.AccessTokenEnc, identity.RefreshTokenEnc, identity.Scope,
		identity.ExpiresAt, identity.UpdatedAt,
	)
	if err != nil {
		return wrapWrite("update identity tokens", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("identity not found: %s", identity.ID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// updateProfile はアカウントのプロフィールを上書きする。
// 新しいemailが他アカウントで使用中の場合、emailは変更しない。
func updateProfile(ctx context.Context, tx *sql.Tx, account *model.Account) error {
	err := tx.QueryRowContext(ctx,
		`UPDATE accounts
		 SET email = CASE
		         WHEN EXISTS (SELECT 1 FROM accounts o WHERE o.email = $2 AND o.id <> $1) THEN email
		         ELSE $2
		     END,
		     name = $3, avatar_url = $4, updated_at = $5
		 WHERE id = $1
		 RETURNING email`,
		account.ID, account.Email, account.Name, nullString(account.AvatarURL), account.UpdatedAt,
	).Scan(&account.Email)
	if err == sql.ErrNoRows {
		return fmt.Errorf("account not found: %s", account.ID)
	}
	if err != nil {
		return wrapWrite("update account profile", err)
	}
	return nil
}

func insertIdentity(ctx context.Context, tx *sql.Tx, identity *model.Identity) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO identities
		   (id, account_id, provider, provider_user_id, access_token_enc, refresh_token_enc,
		    scope, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		identity.ID, identity.AccountID, identity.Provider, identity.ProviderUserID,
		identity.AccessTokenEnc, identity.RefreshTokenEnc, identity.Scope, identity.ExpiresAt,
		identity.CreatedAt, identity.UpdatedAt,
	)
	if err != nil {
		return wrapWrite("insert identity", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
