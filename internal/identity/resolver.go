// Package identity はIdPのプロフィールをアカウントへ解決する。
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/aurora-auth/internal/model"
	"github.com/hitoshi/aurora-auth/internal/repository"
)

// maxAttempts は一意制約の競合時に解決をやり直す上限回数。
const maxAttempts = 3

// Outcome は解決結果の種別。
type Outcome string

const (
	// OutcomeExisting は既存identityでのログイン。
	OutcomeExisting Outcome = "existing"
	// OutcomeLinked は同じメールアドレスの既存アカウントへの紐付け。
	OutcomeLinked Outcome = "linked"
	// OutcomeCreated はアカウントの新規作成。
	OutcomeCreated Outcome = "created"
)

// Profile はIdPから取得したユーザー情報。
type Profile struct {
	ExternalID string
	Email      string
	Name       string
	AvatarURL  string
}

// ProviderTokens はIdPから受け取ったトークン一式。平文のまま永続化してはならない。
type ProviderTokens struct {
	Access    string
	Refresh   string
	Scope     string
	ExpiresAt *time.Time
}

// Resolution は解決されたアカウントとidentity。
type Resolution struct {
	Account  *model.Account
	Identity *model.Identity
	Outcome  Outcome
}

// TokenSealer はIdPトークンを保存用に暗号化する。
type TokenSealer interface {
	EncryptString(plaintext string) (string, error)
}

// Resolver はログイン時のアカウント解決を行う。
type Resolver struct {
	accounts   repository.AccountRepository
	identities repository.IdentityRepository
	sealer     TokenSealer
	now        func() time.Time
}

// NewResolver はResolverを生成する。
func NewResolver(accounts repository.AccountRepository, identities repository.IdentityRepository, sealer TokenSealer) *Resolver {
	return &Resolver{
		accounts:   accounts,
		identities: identities,
		sealer:     sealer,
		now:        time.Now,
	}
}

// Resolve はprofileに対応するアカウントを返す。
//
//  1. (provider, externalID) のidentityがあればプロフィールとトークンを上書きする
//  2. なければ正規化メールアドレスで既存アカウントを探し、identityを追加する
//  3. それもなければOWNERロールでアカウントとidentityを作成する
//
// 並行した初回ログインで一意制約に衝突した場合は最初からやり直す。
func (r *Resolver) Resolve(ctx context.Context, provider string, profile Profile, tokens ProviderTokens) (*Resolution, error) {
	if err := validate(provider, profile, tokens); err != nil {
		return nil, err
	}

	accessEnc, refreshEnc, err := r.seal(tokens)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := r.resolveOnce(ctx, provider, profile, tokens, accessEnc, refreshEnc)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("identity resolution did not converge after %d attempts: %w", maxAttempts, lastErr)
}

func (r *Resolver) resolveOnce(ctx context.Context, provider string, profile Profile, tokens ProviderTokens, accessEnc string, refreshEnc *string) (*Resolution, error) {
	now := r.now().UTC()
	email := model.NormalizeEmail(profile.Email)
	scope := optional(tokens.Scope)

	existing, err := r.identities.FindByProviderAndProviderUserID(ctx, provider, profile.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	if existing != nil {
		account, err := r.accounts.FindByID(ctx, existing.AccountID)
		if err != nil {
			return nil, fmt.Errorf("failed to find account: %w", err)
		}
		if account == nil {
			return nil, fmt.Errorf("identity %s references missing account %s", existing.ID, existing.AccountID)
		}

		applyProfile(account, email, profile, now)
		existing.AccessTokenEnc = accessEnc
		existing.RefreshTokenEnc = refreshEnc
		existing.Scope = scope
		existing.ExpiresAt = tokens.ExpiresAt
		existing.UpdatedAt = now

		if err := r.accounts.UpdateWithIdentityTokens(ctx, account, existing); err != nil {
			return nil, fmt.Errorf("failed to update identity: %w", err)
		}
		return &Resolution{Account: account, Identity: existing, Outcome: OutcomeExisting}, nil
	}

	ident := &model.Identity{
		ID:              uuid.NewString(),
		Provider:        provider,
		ProviderUserID:  profile.ExternalID,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		Scope:           scope,
		ExpiresAt:       tokens.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	account, err := r.accounts.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find account by email: %w", err)
	}

	if account != nil {
		applyProfile(account, email, profile, now)
		ident.AccountID = account.ID
		if err := r.accounts.AttachIdentity(ctx, account, ident); err != nil {
			return nil, fmt.Errorf("failed to link identity: %w", err)
		}
		return &Resolution{Account: account, Identity: ident, Outcome: OutcomeLinked}, nil
	}

	account = &model.Account{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      profile.Name,
		AvatarURL: profile.AvatarURL,
		Roles:     []model.Role{model.RoleOwner},
		CreatedAt: now,
		UpdatedAt: now,
	}
	ident.AccountID = account.ID
	if err := r.accounts.CreateWithIdentity(ctx, account, ident); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return &Resolution{Account: account, Identity: ident, Outcome: OutcomeCreated}, nil
}

func (r *Resolver) seal(tokens ProviderTokens) (string, *string, error) {
	accessEnc, err := r.sealer.EncryptString(tokens.Access)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if tokens.Refresh == "" {
		return accessEnc, nil, nil
	}
	refreshEnc, err := r.sealer.EncryptString(tokens.Refresh)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return accessEnc, &refreshEnc, nil
}

// applyProfile はIdPの最新プロフィールでアカウントを上書きする。空の値は上書きしない。
func applyProfile(account *model.Account, email string, profile Profile, now time.Time) {
	account.Email = email
	if profile.Name != "" {
		account.Name = profile.Name
	}
	if profile.AvatarURL != "" {
		account.AvatarURL = profile.AvatarURL
	}
	account.UpdatedAt = now
}

func validate(provider string, profile Profile, tokens ProviderTokens) error {
	switch {
	case provider == "":
		return errors.New("provider is required")
	case profile.ExternalID == "":
		return errors.New("provider user id is required")
	case model.NormalizeEmail(profile.Email) == "":
		return errors.New("profile email is required")
	case tokens.Access == "":
		return errors.New("provider access token is required")
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
