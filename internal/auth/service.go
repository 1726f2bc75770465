// Package auth はOAuthログインフローとトークンのリフレッシュ・ログアウトを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/aurora-auth/internal/identity"
	"github.com/hitoshi/aurora-auth/internal/metrics"
	"github.com/hitoshi/aurora-auth/internal/model"
	"github.com/hitoshi/aurora-auth/internal/repository"
	"github.com/hitoshi/aurora-auth/internal/token"
)

// DefaultProviderTimeout はログイン1回あたりのプロバイダー呼び出しの既定の上限時間。
const DefaultProviderTimeout = 10 * time.Second

// ログインフローの段階。失敗時のログに到達した段階を残す。
const (
	stageCallbackReceived = "callback_received"
	stageStateVerified    = "state_verified"
	stageTokenExchanged   = "token_exchanged"
	stageProfileFetched   = "profile_fetched"
	stageResolved         = "resolved"
	stageSessionIssued    = "session_issued"
)

// NonceStore はanti-CSRF stateの発行と一度限りの消費を行う。
type NonceStore interface {
	Issue(ctx context.Context, namespace string) (string, error)
	Consume(ctx context.Context, namespace, nonce string) (bool, error)
}

// AccountResolver はIdPのプロフィールをアカウントへ解決する。
type AccountResolver interface {
	Resolve(ctx context.Context, provider string, profile identity.Profile, tokens identity.ProviderTokens) (*identity.Resolution, error)
}

// TokenIssuer はトークンの発行・ローテーション・失効を行う。
type TokenIssuer interface {
	Issue(ctx context.Context, accountID, email string) (*token.Pair, error)
	Rotate(ctx context.Context, refreshToken string) (*token.Pair, error)
	Revoke(ctx context.Context, refreshToken string) (string, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	ProviderTimeout time.Duration
	RefreshEnabled  bool
}

// ServiceDeps はServiceの依存関係。
type ServiceDeps struct {
	Providers []OAuthProvider
	Nonces    NonceStore
	Resolver  AccountResolver
	Tokens    TokenIssuer
	Audit     repository.AuditRepository
	Metrics   metrics.MetricsCollector
}

// CallbackParams はプロバイダーからのコールバックで受け取った値。
type CallbackParams struct {
	Code  string
	State string
	// Error はプロバイダーが付与した error パラメータ（同意拒否など）。
	Error string
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	Provider string
	Account  *model.Account
	Outcome  identity.Outcome
	Tokens   *token.Pair
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	providers map[string]OAuthProvider
	nonces    NonceStore
	resolver  AccountResolver
	tokens    TokenIssuer
	audit     repository.AuditRepository
	metrics   metrics.MetricsCollector
	config    ServiceConfig
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(deps ServiceDeps, config ServiceConfig) *Service {
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = DefaultProviderTimeout
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	providers := make(map[string]OAuthProvider, len(deps.Providers))
	for _, p := range deps.Providers {
		providers[p.Name()] = p
	}
	return &Service{
		providers: providers,
		nonces:    deps.Nonces,
		resolver:  deps.Resolver,
		tokens:    deps.Tokens,
		audit:     deps.Audit,
		metrics:   m,
		config:    config,
		now:       time.Now,
	}
}

// RefreshEnabled はリフレッシュエンドポイントが有効かを返す。
func (s *Service) RefreshEnabled() bool {
	return s.config.RefreshEnabled
}

func (s *Service) provider(name string) (OAuthProvider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownProvider, name)
	}
	return p, nil
}

// Start はstateを発行し、プロバイダーの同意画面URLを返す。
func (s *Service) Start(ctx context.Context, providerName string) (string, error) {
	p, err := s.provider(providerName)
	if err != nil {
		return "", err
	}
	state, err := s.nonces.Issue(ctx, p.Name())
	if err != nil {
		return "", fmt.Errorf("failed to issue state: %w", err)
	}
	return p.AuthCodeURL(state), nil
}

// Callback はOAuthコールバックを処理し、アカウントを解決してトークンを発行する。
//
// stateは一度だけ消費でき、不正・期限切れ・使用済みの場合はErrInvalidStateを返す。
// プロバイダーとの通信失敗はErrProviderExchangeを返す。
func (s *Service) Callback(ctx context.Context, providerName string, params CallbackParams) (*LoginResult, error) {
	p, err := s.provider(providerName)
	if err != nil {
		return nil, err
	}

	stage := stageCallbackReceived
	result, err := s.callback(ctx, p, params, &stage)
	if err != nil {
		slog.Warn("login rejected",
			slog.String("provider", p.Name()),
			slog.String("stage", stage),
			slog.String("error", err.Error()),
		)
		s.metrics.RecordLogin(p.Name(), "rejected")
		return nil, err
	}

	s.metrics.RecordLogin(p.Name(), string(result.Outcome))
	slog.Info("login succeeded",
		slog.String("provider", p.Name()),
		slog.String("account_id", result.Account.ID),
		slog.String("outcome", string(result.Outcome)),
	)
	return result, nil
}

func (s *Service) callback(ctx context.Context, p OAuthProvider, params CallbackParams, stage *string) (*LoginResult, error) {
	ok, err := s.nonces.Consume(ctx, p.Name(), params.State)
	if err != nil {
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}
	if !ok {
		s.metrics.RecordStateRejection(p.Name())
		return nil, model.ErrInvalidState
	}
	*stage = stageStateVerified

	if params.Error != "" {
		return nil, fmt.Errorf("%w: provider returned error %q", model.ErrProviderExchange, params.Error)
	}

	tokens, profile, err := s.fetchFromProvider(ctx, p, params.Code, stage)
	if err != nil {
		return nil, err
	}

	res, err := s.resolver.Resolve(ctx, p.Name(), *profile, *tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account: %w", err)
	}
	*stage = stageResolved

	pair, err := s.tokens.Issue(ctx, res.Account.ID, res.Account.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	// 監査ログには完了したログインだけを残す。記録できなければ発行した系列を取り消す。
	action := model.AuditSignIn
	if res.Outcome == identity.OutcomeLinked {
		action = model.AuditLinkProvider
	}
	if err := s.appendAudit(ctx, res.Account.ID, action, p.Name()); err != nil {
		if _, revokeErr := s.tokens.Revoke(ctx, pair.RefreshToken); revokeErr != nil {
			slog.WarnContext(ctx, "failed to revoke session after audit failure",
				slog.String("account_id", res.Account.ID),
				slog.Any("error", revokeErr),
			)
		}
		return nil, err
	}
	*stage = stageSessionIssued

	return &LoginResult{
		Provider: p.Name(),
		Account:  res.Account,
		Outcome:  res.Outcome,
		Tokens:   pair,
	}, nil
}

// fetchFromProvider はトークン交換とプロフィール取得をProviderTimeout内で行う。リトライはしない。
func (s *Service) fetchFromProvider(ctx context.Context, p OAuthProvider, code string, stage *string) (*identity.ProviderTokens, *identity.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	start := s.now()
	defer func() {
		s.metrics.RecordProviderLatency(p.Name(), s.now().Sub(start))
	}()

	tokens, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", model.ErrProviderExchange, err)
	}
	*stage = stageTokenExchanged

	profile, err := p.FetchProfile(ctx, tokens)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", model.ErrProviderExchange, err)
	}
	*stage = stageProfileFetched

	return tokens, profile, nil
}

// Refresh はリフレッシュトークンをローテーションし、新しいトークン一式を返す。
// リフレッシュが無効化されている場合はErrNotImplementedを返す。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	if !s.config.RefreshEnabled {
		return nil, model.ErrNotImplemented
	}

	pair, err := s.tokens.Rotate(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, model.ErrUnauthenticated) {
			s.metrics.RecordRefresh("invalid")
		} else {
			s.metrics.RecordRefresh("error")
		}
		return nil, err
	}
	s.metrics.RecordRefresh("ok")

	// ローテーション済みのため監査の失敗でトークンを捨てない
	if err := s.appendAudit(ctx, pair.AccountID, model.AuditRefresh, ""); err != nil {
		slog.Error("failed to record refresh audit event",
			slog.String("account_id", pair.AccountID),
			slog.String("error", err.Error()),
		)
	}
	return pair, nil
}

// Logout はリフレッシュトークンの系列を失効させる。
// 不明・失効済みのトークンでも成功として扱う。
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}

	accountID, err := s.tokens.Revoke(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, model.ErrUnauthenticated) {
			slog.Debug("logout with unknown refresh token")
			return nil
		}
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	if err := s.appendAudit(ctx, accountID, model.AuditLogout, ""); err != nil {
		slog.Error("failed to record logout audit event",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}
	slog.Info("user logged out", slog.String("account_id", accountID))
	return nil
}

func (s *Service) appendAudit(ctx context.Context, accountID string, action model.AuditAction, provider string) error {
	event := &model.AuditEvent{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Action:    action,
		Provider:  provider,
		CreatedAt: s.now().UTC(),
	}
	if err := s.audit.Append(ctx, event); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}
