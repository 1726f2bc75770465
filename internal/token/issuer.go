package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/aurora-auth/internal/model"
	"github.com/hitoshi/aurora-auth/internal/repository"
)

const (
	// DefaultAccessTTL はアクセストークンの既定の有効期間。
	DefaultAccessTTL = 900 * time.Second
	// DefaultRefreshTTL はリフレッシュトークン系列の既定の有効期間。
	DefaultRefreshTTL = 30 * 24 * time.Hour

	refreshSecretBytes = 32
)

// Config はトークン発行の設定。
type Config struct {
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	BcryptCost int
}

// Signer は署名鍵を提供する。
type Signer interface {
	SigningKey() (kid string, key *rsa.PrivateKey)
}

// AccountFinder はリフレッシュ時にアクセストークンのemailを引くために使う。
type AccountFinder interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
}

// Claims はアクセストークンのクレーム。
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// AccountID はsubクレームを返す。
func (c *Claims) AccountID() string {
	return c.Subject
}

// Pair は発行されたトークン一式。
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	SessionID        string
	AccountID        string
}

// ExpiresIn はアクセストークンの残り秒数を返す。
func (p *Pair) ExpiresIn(now time.Time) int {
	return int(p.AccessExpiresAt.Sub(now).Seconds())
}

// Issuer はアクセストークンとリフレッシュトークンを発行する。
type Issuer struct {
	signer   Signer
	sessions repository.SessionRepository
	accounts AccountFinder
	cfg      Config
	now      func() time.Time
}

// NewIssuer はIssuerを生成する。TTLとbcryptコストが未指定の場合は既定値を使う。
func NewIssuer(signer Signer, sessions repository.SessionRepository, accounts AccountFinder, cfg Config) *Issuer {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Issuer{
		signer:   signer,
		sessions: sessions,
		accounts: accounts,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Issue は新しいセッション系列を作成し、トークン一式を返す。
func (i *Issuer) Issue(ctx context.Context, accountID, email string) (*Pair, error) {
	now := i.now().UTC()

	secret, hash, err := i.newSecret()
	if err != nil {
		return nil, err
	}

	// 署名に失敗した場合に返却されない系列を残さないよう、保存より先に署名する
	access, accessExp, err := i.signAccess(accountID, email, now)
	if err != nil {
		return nil, err
	}

	session := &model.Session{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		RefreshHash: hash,
		ExpiresAt:   now.Add(i.cfg.RefreshTTL),
		CreatedAt:   now,
	}
	if err := i.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &Pair{
		AccessToken:      access,
		RefreshToken:     session.ID + "." + secret,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: session.ExpiresAt,
		SessionID:        session.ID,
		AccountID:        accountID,
	}, nil
}

// VerifyRefresh は提示されたリフレッシュシークレットと保存済みハッシュを照合する。
func (i *Issuer) VerifyRefresh(accountID, provided, storedHash string) error {
	if accountID == "" || provided == "" || storedHash == "" {
		return ErrInvalidRefresh
	}
	if err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(provided)); err != nil {
		return ErrInvalidRefresh
	}
	return nil
}

// Rotate はリフレッシュトークンを消費し、同じ系列で新しいトークン一式を返す。
// 系列の有効期限は延長しない。
// 有効な系列に対して古いシークレットが提示された場合は再利用とみなし系列を失効させる。
func (i *Issuer) Rotate(ctx context.Context, refreshToken string) (*Pair, error) {
	session, secret, err := i.lookup(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	now := i.now().UTC()
	if !session.Active(now) {
		return nil, ErrInvalidRefresh
	}

	if err := i.VerifyRefresh(session.AccountID, secret, session.RefreshHash); err != nil {
		if revokeErr := i.sessions.Revoke(ctx, session.ID, now); revokeErr != nil {
			return nil, fmt.Errorf("failed to revoke reused session: %w", revokeErr)
		}
		return nil, err
	}

	newSecret, newHash, err := i.newSecret()
	if err != nil {
		return nil, err
	}
	swapped, err := i.sessions.Rotate(ctx, session.ID, session.RefreshHash, newHash, now)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate session: %w", err)
	}
	if !swapped {
		// 並行したリフレッシュに先を越された
		return nil, ErrInvalidRefresh
	}

	account, err := i.accounts.FindByID(ctx, session.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, ErrInvalidRefresh
	}

	access, accessExp, err := i.signAccess(account.ID, account.Email, now)
	if err != nil {
		return nil, err
	}

	return &Pair{
		AccessToken:      access,
		RefreshToken:     session.ID + "." + newSecret,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: session.ExpiresAt,
		SessionID:        session.ID,
		AccountID:        account.ID,
	}, nil
}

// Revoke はリフレッシュトークンの系列を失効させ、所有アカウントIDを返す。
// 既に失効済みの系列に対しても成功する。
func (i *Issuer) Revoke(ctx context.Context, refreshToken string) (string, error) {
	session, secret, err := i.lookup(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	if err := i.VerifyRefresh(session.AccountID, secret, session.RefreshHash); err != nil {
		return "", err
	}
	if err := i.sessions.Revoke(ctx, session.ID, i.now().UTC()); err != nil {
		return "", fmt.Errorf("failed to revoke session: %w", err)
	}
	return session.AccountID, nil
}

// lookup はトークンを分解し、対応するセッションを取得する。
func (i *Issuer) lookup(ctx context.Context, refreshToken string) (*model.Session, string, error) {
	sessionID, secret, err := parseRefresh(refreshToken)
	if err != nil {
		return nil, "", err
	}
	session, err := i.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, "", ErrInvalidRefresh
	}
	return session, secret, nil
}

func (i *Issuer) newSecret() (string, string, error) {
	buf := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	secret := hex.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), i.cfg.BcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash refresh token: %w", err)
	}
	return secret, string(hash), nil
}

func (i *Issuer) signAccess(accountID, email string, now time.Time) (string, time.Time, error) {
	kid, key := i.signer.SigningKey()
	if key == nil {
		return "", time.Time{}, errors.New("failed to sign access token: no signing key")
	}
	exp := now.Add(i.cfg.AccessTTL)

	claims := &Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, exp, nil
}

// parseRefresh は "<sessionID>.<hex secret>" を分解する。
func parseRefresh(raw string) (string, string, error) {
	sessionID, secret, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || secret == "" {
		return "", "", ErrInvalidRefresh
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", "", ErrInvalidRefresh
	}
	if len(secret) != refreshSecretBytes*2 {
		return "", "", ErrInvalidRefresh
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return "", "", ErrInvalidRefresh
	}
	return sessionID, secret, nil
}
