package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/aurora-auth/internal/identity"
)

// maxProfileBody はプロフィールレスポンスとして読み込む上限バイト数。
const maxProfileBody = 1 << 20

// OAuthProvider は外部IdPとの認可コードフローを表す。
type OAuthProvider interface {
	// Name はURLパスやstateの名前空間に使うプロバイダー名を返す。
	Name() string
	// AuthCodeURL は同意画面へのリダイレクトURLを生成する。
	AuthCodeURL(state string) string
	// Exchange は認可コードをトークンに交換する。
	Exchange(ctx context.Context, code string) (*identity.ProviderTokens, error)
	// FetchProfile はアクセストークンでユーザー情報を取得する。
	FetchProfile(ctx context.Context, tokens *identity.ProviderTokens) (*identity.Profile, error)
}

// ProviderConfig はOAuthプロバイダーの設定。
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// テスト用にオーバーライド可能なURL
	AuthURL    string
	TokenURL   string
	APIBaseURL string
}

// oauthClient はx/oauth2.Configを包む共通実装。
type oauthClient struct {
	config *oauth2.Config
}

func newOAuthClient(cfg ProviderConfig, endpoint oauth2.Endpoint) oauthClient {
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	return oauthClient{config: &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint:     endpoint,
	}}
}

// exchange は認可コードをトークンに交換し、identity.ProviderTokensに変換する。
func (c oauthClient) exchange(ctx context.Context, code string) (*identity.ProviderTokens, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code is empty")
	}
	tok, err := c.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	tokens := &identity.ProviderTokens{
		Access:  tok.AccessToken,
		Refresh: tok.RefreshToken,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		tokens.Scope = scope
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC().Truncate(time.Second)
		tokens.ExpiresAt = &exp
	}
	return tokens, nil
}

// getJSON はアクセストークン付きでGETし、JSONレスポンスをdstへデコードする。
func (c oauthClient) getJSON(ctx context.Context, tokens *identity.ProviderTokens, url string, dst any) error {
	if tokens == nil || tokens.Access == "" {
		return fmt.Errorf("access token is required")
	}
	client := c.config.Client(ctx, &oauth2.Token{AccessToken: tokens.Access, TokenType: "Bearer"})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBody))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
