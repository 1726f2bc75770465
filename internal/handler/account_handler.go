package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/aurora-auth/internal/middleware"
	"github.com/hitoshi/aurora-auth/internal/model"
)

// AccountServiceInterface はアカウントハンドラーが必要とするサービスインターフェース。
type AccountServiceInterface interface {
	Get(ctx context.Context, accountID string) (*model.AccountView, error)
	RevokeAllSessions(ctx context.Context, accountID string) error
}

// AccountHandler は認証済みアカウント向けのHTTPハンドラー。
type AccountHandler struct {
	service AccountServiceInterface
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(service AccountServiceInterface) *AccountHandler {
	return &AccountHandler{service: service}
}

type identityResponse struct {
	Provider       string     `json:"provider"`
	ProviderUserID string     `json:"provider_user_id"`
	Scope          string     `json:"scope,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LinkedAt       time.Time  `json:"linked_at"`
}

type accountResponse struct {
	ID         string             `json:"id"`
	Email      string             `json:"email"`
	Name       string             `json:"name"`
	AvatarURL  string             `json:"avatar_url,omitempty"`
	Roles      []string           `json:"roles"`
	Identities []identityResponse `json:"identities"`
	CreatedAt  time.Time          `json:"created_at"`
	// AccessTokenExpiresAt はこのリクエストで提示されたアクセストークンの有効期限。
	AccessTokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

// Me は現在のアカウントと連携済みプロバイダーを返す。
// GET /me
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	accountID, err := middleware.AccountIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	view, err := h.service.Get(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, r, err, "")
		return
	}

	resp := toAccountResponse(view)
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok && claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time.UTC()
		resp.AccessTokenExpiresAt = &exp
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// RevokeSessions はアカウントの全リフレッシュトークン系列を失効させる。
// DELETE /me/sessions
func (h *AccountHandler) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	accountID, err := middleware.AccountIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := h.service.RevokeAllSessions(r.Context(), accountID); err != nil {
		handleServiceError(w, r, err, "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func toAccountResponse(view *model.AccountView) accountResponse {
	roles := make([]string, 0, len(view.Account.Roles))
	for _, role := range view.Account.Roles {
		roles = append(roles, string(role))
	}
	resp := accountResponse{
		ID:         view.Account.ID,
		Email:      view.Account.Email,
		Name:       view.Account.Name,
		AvatarURL:  view.Account.AvatarURL,
		Roles:      roles,
		Identities: make([]identityResponse, 0, len(view.Identities)),
		CreatedAt:  view.Account.CreatedAt,
	}
	for _, ident := range view.Identities {
		resp.Identities = append(resp.Identities, identityResponse{
			Provider:       ident.Provider,
			ProviderUserID: ident.ProviderUserID,
			Scope:          ident.Scope,
			ExpiresAt:      ident.ExpiresAt,
			LinkedAt:       ident.CreatedAt,
		})
	}
	return resp
}
