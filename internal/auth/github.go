package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/oauth2/endpoints"

	"github.com/hitoshi/aurora-auth/internal/identity"
	"github.com/hitoshi/aurora-auth/internal/model"
)

const defaultGitHubAPIBaseURL = "https://api.github.com"

// errNoGitHubEmail はGitHubアカウントからメールアドレスを得られないことを示す。
var errNoGitHubEmail = errors.New("github account has no email address")

// GitHubProvider はGitHub OAuthによる認証を提供する。
type GitHubProvider struct {
	oauthClient
	apiBaseURL string
}

// NewGitHubProvider はGitHubProviderを生成する。
func NewGitHubProvider(cfg ProviderConfig) *GitHubProvider {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"read:user", "user:email"}
	}
	apiBaseURL := defaultGitHubAPIBaseURL
	if cfg.APIBaseURL != "" {
		apiBaseURL = cfg.APIBaseURL
	}
	return &GitHubProvider{
		oauthClient: newOAuthClient(cfg, endpoints.GitHub),
		apiBaseURL:  apiBaseURL,
	}
}

// Name はプロバイダー名を返す。
func (p *GitHubProvider) Name() string { return model.ProviderGitHub }

// AuthCodeURL はGitHubの同意画面URLを生成する。
func (p *GitHubProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange は認可コードをトークンに交換する。
func (p *GitHubProvider) Exchange(ctx context.Context, code string) (*identity.ProviderTokens, error) {
	return p.exchange(ctx, code)
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// FetchProfile は /user からプロフィールを取得する。
// 公開メールアドレスが未設定の場合は /user/emails のprimaryを使う。
func (p *GitHubProvider) FetchProfile(ctx context.Context, tokens *identity.ProviderTokens) (*identity.Profile, error) {
	var user githubUser
	if err := p.getJSON(ctx, tokens, p.apiBaseURL+"/user", &user); err != nil {
		return nil, fmt.Errorf("failed to fetch github user: %w", err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("empty id in github user")
	}

	email := user.Email
	if email == "" {
		var emails []githubEmail
		if err := p.getJSON(ctx, tokens, p.apiBaseURL+"/user/emails", &emails); err != nil {
			return nil, fmt.Errorf("failed to fetch github emails: %w", err)
		}
		email = pickGitHubEmail(emails)
		if email == "" {
			return nil, errNoGitHubEmail
		}
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}
	return &identity.Profile{
		ExternalID: strconv.FormatInt(user.ID, 10),
		Email:      email,
		Name:       name,
		AvatarURL:  user.AvatarURL,
	}, nil
}

// pickGitHubEmail はprimaryのアドレスを、なければ先頭のアドレスを返す。
func pickGitHubEmail(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Email != "" {
			return e.Email
		}
	}
	for _, e := range emails {
		if e.Email != "" {
			return e.Email
		}
	}
	return ""
}

var _ OAuthProvider = (*GitHubProvider)(nil)
