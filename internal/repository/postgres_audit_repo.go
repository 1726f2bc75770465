package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/aurora-auth/internal/model"
)

// PostgresAuditRepo は監査イベントを追記するリポジトリ。更新・削除は提供しない。
type PostgresAuditRepo struct {
	db *sql.DB
}

// NewPostgresAuditRepo はPostgresAuditRepoを生成する。
func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

// Append は監査イベントを1件追記する。
func (r *PostgresAuditRepo) Append(ctx context.Context, event *model.AuditEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, account_id, action, provider, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.AccountID, string(event.Action), nullString(event.Provider), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AuditRepository = (*PostgresAuditRepo)(nil)
