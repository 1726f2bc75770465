package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/hitoshi/aurora-auth/internal/identity"
	"github.com/hitoshi/aurora-auth/internal/model"
)

const defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

// GoogleProvider はGoogle OAuth 2.0による認証を提供する。
type GoogleProvider struct {
	oauthClient
	userInfoURL string
}

// NewGoogleProvider はGoogleProviderを生成する。
// APIBaseURLを指定した場合は {APIBaseURL}/userinfo を使う。
func NewGoogleProvider(cfg ProviderConfig) *GoogleProvider {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "email", "profile"}
	}
	userInfoURL := defaultGoogleUserInfoURL
	if cfg.APIBaseURL != "" {
		userInfoURL = cfg.APIBaseURL + "/userinfo"
	}
	return &GoogleProvider{
		oauthClient: newOAuthClient(cfg, endpoints.Google),
		userInfoURL: userInfoURL,
	}
}

// Name はプロバイダー名を返す。
func (p *GoogleProvider) Name() string { return model.ProviderGoogle }

// AuthCodeURL はGoogleの同意画面URLを生成する。
// リフレッシュトークンを受け取るためオフラインアクセスを要求する。
func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange は認可コードをトークンに交換する。
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*identity.ProviderTokens, error) {
	return p.exchange(ctx, code)
}

type googleUserInfo struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// FetchProfile はuserinfoエンドポイントからプロフィールを取得する。
func (p *GoogleProvider) FetchProfile(ctx context.Context, tokens *identity.ProviderTokens) (*identity.Profile, error) {
	var info googleUserInfo
	if err := p.getJSON(ctx, tokens, p.userInfoURL, &info); err != nil {
		return nil, fmt.Errorf("failed to fetch google user info: %w", err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("empty sub in google user info")
	}
	if info.Email == "" {
		return nil, fmt.Errorf("google user info has no email")
	}
	return &identity.Profile{
		ExternalID: info.Sub,
		Email:      info.Email,
		Name:       info.Name,
		AvatarURL:  info.Picture,
	}, nil
}

var _ OAuthProvider = (*GoogleProvider)(nil)
