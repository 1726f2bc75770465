// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/hitoshi/aurora-auth/internal/model"
)

// ProviderConfig は1つのOAuthプロバイダーのクライアント設定。
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Enabled はクライアントIDが設定されているかを返す。
func (p ProviderConfig) Enabled() bool {
	return p.ClientID != ""
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Redis（stateノンスストア）
	RedisURL string

	// OAuth
	Google ProviderConfig
	GitHub ProviderConfig

	// Token
	JWTIssuer       string
	JWTAudience     string
	JWTKeyID        string
	JWTPrivateKey   []byte // PEM
	JWTPublicKey    []byte // PEM（任意）
	JWKSURL         string // 設定時はこのJWKSでアクセストークンを検証する
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	ClockSkew       time.Duration
	BcryptCost      int
	RefreshEnabled  bool

	// Secret Box
	TokenEncSeed []byte

	// OAuth flow
	StateTTL        time.Duration
	ProviderTimeout time.Duration

	// Server
	ServerPort string
	BaseURL    string
	LandingURL string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS 許可オリジン（カンマ区切り）
	CORSAllowedOrigin string

	// Rate Limit（req/min/IP）
	RateLimitAuth int
	// TrustProxyHeaders はX-Forwarded-For等からクライアントIPを決めるか。
	// リバースプロキシ配下でのみ有効にする。
	TrustProxyHeaders bool

	// Worker
	SessionCleanupInterval time.Duration

	// Logging
	LogLevel string
}

// rawEnv は環境変数の生の値を保持する。
type rawEnv struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty"`
	RedisURL    string `env:"REDIS_URL,notEmpty"`
	BaseURL     string `env:"BASE_URL,notEmpty"`
	LandingURL  string `env:"APP_LANDING_URL" envDefault:"/"`

	GoogleClientID     string   `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string   `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string   `env:"GOOGLE_REDIRECT_URL"`
	GoogleScopes       []string `env:"GOOGLE_SCOPES" envSeparator:"," envDefault:"openid,email,profile"`
	GitHubClientID     string   `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string   `env:"GITHUB_CLIENT_SECRET"`
	GitHubRedirectURL  string   `env:"GITHUB_REDIRECT_URL"`
	GitHubScopes       []string `env:"GITHUB_SCOPES" envSeparator:"," envDefault:"read:user,user:email"`

	JWTIssuer        string        `env:"JWT_ISSUER,notEmpty"`
	JWTAudience      string        `env:"JWT_AUDIENCE,notEmpty"`
	JWTKeyID         string        `env:"JWT_KEY_ID" envDefault:"key-1"`
	JWTPrivateKeyB64 string        `env:"JWT_PRIVATE_KEY_B64,notEmpty"`
	JWTPublicKeyB64  string        `env:"JWT_PUBLIC_KEY_B64"`
	JWKSURL          string        `env:"JWKS_URL"`
	AccessTTLSec     int           `env:"JWT_ACCESS_TTL_SEC" envDefault:"900"`
	RefreshTTLSec    int           `env:"JWT_REFRESH_TTL_SEC" envDefault:"2592000"`
	ClockSkew        time.Duration `env:"JWT_CLOCK_SKEW" envDefault:"30s"`
	BcryptCost       int           `env:"BCRYPT_COST" envDefault:"10"`
	RefreshEnabled   bool          `env:"REFRESH_ENABLED" envDefault:"true"`

	TokenEncSeedB64 string `env:"TOKEN_ENC_SEED_B64,notEmpty"`

	StateTTL        time.Duration `env:"STATE_TTL" envDefault:"600s"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`

	ServerPort        string        `env:"SERVER_PORT" envDefault:"8080"`
	CookieDomain      string        `env:"COOKIE_DOMAIN"`
	CORSAllowedOrigin string        `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
	RateLimitAuth     int           `env:"RATE_LIMIT_AUTH" envDefault:"30"`
	TrustProxyHeaders bool          `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
	CleanupInterval   time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"1h"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または鍵素材が不正な場合はmodel.ErrConfigをラップしたエラーを返す。
func Load() (*Config, error) {
	var raw rawEnv
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrConfig, missingVars(err))
	}

	cfg := &Config{
		DatabaseURL: raw.DatabaseURL,
		RedisURL:    raw.RedisURL,
		Google: ProviderConfig{
			ClientID:     raw.GoogleClientID,
			ClientSecret: raw.GoogleClientSecret,
			RedirectURL:  raw.GoogleRedirectURL,
			Scopes:       raw.GoogleScopes,
		},
		GitHub: ProviderConfig{
			ClientID:     raw.GitHubClientID,
			ClientSecret: raw.GitHubClientSecret,
			RedirectURL:  raw.GitHubRedirectURL,
			Scopes:       raw.GitHubScopes,
		},
		JWTIssuer:              raw.JWTIssuer,
		JWTAudience:            raw.JWTAudience,
		JWTKeyID:               raw.JWTKeyID,
		JWKSURL:                raw.JWKSURL,
		AccessTokenTTL:         time.Duration(raw.AccessTTLSec) * time.Second,
		RefreshTokenTTL:        time.Duration(raw.RefreshTTLSec) * time.Second,
		ClockSkew:              raw.ClockSkew,
		BcryptCost:             raw.BcryptCost,
		RefreshEnabled:         raw.RefreshEnabled,
		StateTTL:               raw.StateTTL,
		ProviderTimeout:        raw.ProviderTimeout,
		ServerPort:             raw.ServerPort,
		BaseURL:                raw.BaseURL,
		LandingURL:             raw.LandingURL,
		CookieSecure:           strings.HasPrefix(raw.BaseURL, "https://"),
		CookieDomain:           raw.CookieDomain,
		CORSAllowedOrigin:      raw.CORSAllowedOrigin,
		RateLimitAuth:          raw.RateLimitAuth,
		TrustProxyHeaders:      raw.TrustProxyHeaders,
		SessionCleanupInterval: raw.CleanupInterval,
		LogLevel:               raw.LogLevel,
	}

	var problems []string

	if err := validateProvider("GOOGLE", cfg.Google); err != nil {
		problems = append(problems, err.Error())
	}
	if err := validateProvider("GITHUB", cfg.GitHub); err != nil {
		problems = append(problems, err.Error())
	}
	if !cfg.Google.Enabled() && !cfg.GitHub.Enabled() {
		problems = append(problems, "at least one of GOOGLE_CLIENT_ID or GITHUB_CLIENT_ID must be set")
	}

	var err error
	if cfg.JWTPrivateKey, err = decodeBase64("JWT_PRIVATE_KEY_B64", raw.JWTPrivateKeyB64); err != nil {
		problems = append(problems, err.Error())
	}
	if raw.JWTPublicKeyB64 != "" {
		if cfg.JWTPublicKey, err = decodeBase64("JWT_PUBLIC_KEY_B64", raw.JWTPublicKeyB64); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if cfg.TokenEncSeed, err = decodeBase64("TOKEN_ENC_SEED_B64", raw.TokenEncSeedB64); err != nil {
		problems = append(problems, err.Error())
	}

	if cfg.AccessTokenTTL <= 0 {
		problems = append(problems, "JWT_ACCESS_TTL_SEC must be positive")
	}
	if cfg.RefreshTokenTTL <= 0 {
		problems = append(problems, "JWT_REFRESH_TTL_SEC must be positive")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrConfig, strings.Join(problems, "; "))
	}

	return cfg, nil
}

// validateProvider はクライアントIDが設定されたプロバイダーの残りの必須項目を検証する。
func validateProvider(prefix string, p ProviderConfig) error {
	if !p.Enabled() {
		return nil
	}
	var missing []string
	if p.ClientSecret == "" {
		missing = append(missing, prefix+"_CLIENT_SECRET")
	}
	if p.RedirectURL == "" {
		missing = append(missing, prefix+"_REDIRECT_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}
	return nil
}

// decodeBase64 は標準base64（パディング有無どちらも可）をデコードする。
func decodeBase64(name, value string) ([]byte, error) {
	v := strings.TrimSpace(value)
	if b, err := base64.StdEncoding.DecodeString(v); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid base64", name)
	}
	return b, nil
}

// missingVars はenvパーサーのエラーから未設定の環境変数名を抽出する。
func missingVars(err error) string {
	var aggErr env.AggregateError
	if !errors.As(err, &aggErr) {
		return err.Error()
	}
	var missing []string
	var others []string
	for _, e := range aggErr.Errors {
		var emptyErr env.EmptyVarError
		var notSetErr env.VarIsNotSetError
		switch {
		case errors.As(e, &emptyErr):
			missing = append(missing, emptyErr.Key)
		case errors.As(e, &notSetErr):
			missing = append(missing, notSetErr.Key)
		default:
			others = append(others, e.Error())
		}
	}
	msg := ""
	if len(missing) > 0 {
		msg = fmt.Sprintf("required environment variables are not set: %v", missing)
	}
	if len(others) > 0 {
		if msg != "" {
			msg += "; "
		}
		msg += strings.Join(others, "; ")
	}
	return msg
}
