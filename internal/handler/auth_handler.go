// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/aurora-auth/internal/auth"
	"github.com/hitoshi/aurora-auth/internal/middleware"
	"github.com/hitoshi/aurora-auth/internal/model"
	"github.com/hitoshi/aurora-auth/internal/token"
)

const (
	accessCookieName  = middleware.AccessCookieName
	refreshCookieName = "refresh"

	// リフレッシュCookieは/auth配下にだけ送られるようにする。
	refreshCookiePath = "/auth"

	maxRefreshBodyBytes = 4 << 10
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Start(ctx context.Context, provider string) (string, error)
	Callback(ctx context.Context, provider string, params auth.CallbackParams) (*auth.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*token.Pair, error)
	Logout(ctx context.Context, refreshToken string) error
	RefreshEnabled() bool
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	LandingURL   string // ログイン成功後のリダイレクト先
	CookieDomain string
	CookieSecure bool
}

// AuthHandler はOAuthフローとトークン管理のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
	now     func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	if config.LandingURL == "" {
		config.LandingURL = "/"
	}
	return &AuthHandler{
		service: service,
		config:  config,
		now:     time.Now,
	}
}

// tokenResponse はリフレッシュ成功時のレスポンスボディ。
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Start はOAuthフローを開始し、プロバイダーの同意画面にリダイレクトする。
// GET /auth/{provider}/start
func (h *AuthHandler) Start(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	url, err := h.service.Start(r.Context(), provider)
	if err != nil {
		handleServiceError(w, r, err, provider)
		return
	}

	http.Redirect(w, r, url, http.StatusFound)
}

// Callback はプロバイダーからのコールバックを処理する。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	params := auth.CallbackParams{
		Code:  q.Get("code"),
		State: q.Get("state"),
		Error: q.Get("error"),
	}
	if params.State == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidStateError())
		return
	}
	if params.Code == "" && params.Error == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewMissingCodeError())
		return
	}

	result, err := h.service.Callback(r.Context(), provider, params)
	if err != nil {
		handleServiceError(w, r, err, provider)
		return
	}

	middleware.AnnotateAccountID(r.Context(), result.Account.ID)
	h.setTokenCookies(w, result.Tokens)

	http.Redirect(w, r, h.config.LandingURL, http.StatusFound)
}

// Refresh はリフレッシュトークンをローテーションし、新しいトークンペアを返す。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if !h.service.RefreshEnabled() {
		middleware.WriteErrorResponse(w, http.StatusNotImplemented, model.NewNotImplementedError())
		return
	}

	refreshToken, err := h.refreshTokenFrom(r)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディが不正です。"))
		return
	}
	if refreshToken == "" {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidRefreshError())
		return
	}

	pair, err := h.service.Refresh(r.Context(), refreshToken)
	if err != nil {
		handleServiceError(w, r, err, "")
		return
	}

	middleware.AnnotateAccountID(r.Context(), pair.AccountID)
	h.setTokenCookies(w, pair)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn(h.now()),
	})
}

// Logout はリフレッシュトークンの系列を失効させ、Cookieをクリアする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	refreshToken, err := h.refreshTokenFrom(r)
	if err == nil && refreshToken != "" {
		if logoutErr := h.service.Logout(r.Context(), refreshToken); logoutErr != nil {
			slog.ErrorContext(r.Context(), "failed to logout", slog.String("error", logoutErr.Error()))
			// 失敗してもCookieはクリアする
		}
	}

	h.clearTokenCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

// refreshTokenFrom はJSONボディまたはrefresh Cookieからリフレッシュトークンを取り出す。
// ボディが優先される。
func (h *AuthHandler) refreshTokenFrom(r *http.Request) (string, error) {
	if r.Body != nil && r.ContentLength != 0 {
		var req refreshRequest
		err := json.NewDecoder(io.LimitReader(r.Body, maxRefreshBodyBytes)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		if req.RefreshToken != "" {
			return req.RefreshToken, nil
		}
	}

	if c, err := r.Cookie(refreshCookieName); err == nil {
		return c.Value, nil
	}
	return "", nil
}

func (h *AuthHandler) setTokenCookies(w http.ResponseWriter, pair *token.Pair) {
	now := h.now()
	http.SetCookie(w, h.cookie(accessCookieName, pair.AccessToken, "/", maxAge(pair.AccessExpiresAt, now)))
	http.SetCookie(w, h.cookie(refreshCookieName, pair.RefreshToken, refreshCookiePath, maxAge(pair.RefreshExpiresAt, now)))
}

func (h *AuthHandler) clearTokenCookies(w http.ResponseWriter) {
	http.SetCookie(w, h.cookie(accessCookieName, "", "/", -1))
	http.SetCookie(w, h.cookie(refreshCookieName, "", refreshCookiePath, -1))
}

func (h *AuthHandler) cookie(name, value, path string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// maxAge は有効期限までの秒数を返す。期限切れの場合はCookieを即時削除する-1を返す。
func maxAge(expiresAt, now time.Time) int {
	sec := int(expiresAt.Sub(now).Seconds())
	if sec <= 0 {
		return -1
	}
	return sec
}
