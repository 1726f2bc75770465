// Package account はログイン済みアカウントの参照とセッション管理を提供する。
package account

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/aurora-auth/internal/model"
	"github.com/hitoshi/aurora-auth/internal/repository"
)

// Service はアカウント参照のサービス層。
type Service struct {
	accounts   repository.AccountRepository
	identities repository.IdentityRepository
	sessions   repository.SessionRepository
	audit      repository.AuditRepository
	now        func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	accounts repository.AccountRepository,
	identities repository.IdentityRepository,
	sessions repository.SessionRepository,
	audit repository.AuditRepository,
) *Service {
	return &Service{
		accounts:   accounts,
		identities: identities,
		sessions:   sessions,
		audit:      audit,
		now:        time.Now,
	}
}

// Get はアカウントとロール、紐付け済みidentityを返す。
// identityのトークン類は含めない。
func (s *Service) Get(ctx context.Context, accountID string) (*model.AccountView, error) {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.ErrAccountNotFound
	}

	identities, err := s.identities.ListByAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}

	view := &model.AccountView{
		Account:    *account,
		Identities: make([]model.IdentityView, 0, len(identities)),
	}
	for _, idn := range identities {
		iv := model.IdentityView{
			Provider:       idn.Provider,
			ProviderUserID: idn.ProviderUserID,
			ExpiresAt:      idn.ExpiresAt,
			CreatedAt:      idn.CreatedAt,
		}
		if idn.Scope != nil {
			iv.Scope = *idn.Scope
		}
		view.Identities = append(view.Identities, iv)
	}
	return view, nil
}

// RevokeAllSessions はアカウントの全リフレッシュトークン系列を失効させる。
// 発行済みのアクセストークンは有効期限まで使える。
func (s *Service) RevokeAllSessions(ctx context.Context, accountID string) error {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return model.ErrAccountNotFound
	}

	now := s.now().UTC()
	if err := s.sessions.RevokeByAccountID(ctx, accountID, now); err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}

	if err := s.audit.Append(ctx, &model.AuditEvent{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Action:    model.AuditLogout,
		CreatedAt: now,
	}); err != nil {
		slog.Error("failed to record logout audit event",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}

	slog.Info("all sessions revoked", slog.String("account_id", accountID))
	return nil
}
