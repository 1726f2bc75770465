package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/aurora-auth/internal/middleware"
	"github.com/hitoshi/aurora-auth/internal/model"
)

type mockAccountService struct {
	getFn    func(ctx context.Context, accountID string) (*model.AccountView, error)
	revokeFn func(ctx context.Context, accountID string) error
}

func (m *mockAccountService) Get(ctx context.Context, accountID string) (*model.AccountView, error) {
	return m.getFn(ctx, accountID)
}

func (m *mockAccountService) RevokeAllSessions(ctx context.Context, accountID string) error {
	return m.revokeFn(ctx, accountID)
}

var _ AccountServiceInterface = (*mockAccountService)(nil)

func TestAccountHandler_Me_ReturnsAccountView(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := &mockAccountService{
		getFn: func(_ context.Context, accountID string) (*model.AccountView, error) {
			if accountID != "acc-1" {
				t.Errorf("accountID = %q", accountID)
			}
			return &model.AccountView{
				Account: model.Account{
					ID:        "acc-1",
					Email:     "user@example.com",
					Name:      "User",
					Roles:     []model.Role{model.RoleOwner},
					CreatedAt: created,
				},
				Identities: []model.IdentityView{
					{Provider: "google", ProviderUserID: "g-1", Scope: "openid email", CreatedAt: created},
					{Provider: "github", ProviderUserID: "42", CreatedAt: created},
				},
			}, nil
		},
	}
	h := NewAccountHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req = req.WithContext(middleware.ContextWithAccountID(req.Context(), "acc-1"))
	w := httptest.NewRecorder()
	h.Me(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	raw := w.Body.String()
	for _, forbidden := range []string{"access_token", "refresh_token", "AccessTokenEnc"} {
		if strings.Contains(raw, forbidden) {
			t.Errorf("response leaks %q: %s", forbidden, raw)
		}
	}

	var resp accountResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AccessTokenExpiresAt != nil {
		t.Errorf("token_expires_at = %v, want omitted without verified claims", resp.AccessTokenExpiresAt)
	}
	if resp.ID != "acc-1" || resp.Email != "user@example.com" {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Roles) != 1 || resp.Roles[0] != "OWNER" {
		t.Errorf("Roles = %v", resp.Roles)
	}
	if len(resp.Identities) != 2 || resp.Identities[1].ProviderUserID != "42" {
		t.Errorf("Identities = %+v", resp.Identities)
	}
}

func TestAccountHandler_Me_Errors(t *testing.T) {
	tests := []struct {
		name       string
		accountID  string
		err        error
		wantStatus int
	}{
		{name: "コンテキストにIDなし", wantStatus: http.StatusUnauthorized},
		{name: "アカウント削除済み", accountID: "acc-1", err: model.ErrAccountNotFound, wantStatus: http.StatusUnauthorized},
		{name: "内部エラー", accountID: "acc-1", err: errors.New("db down"), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAccountService{
				getFn: func(context.Context, string) (*model.AccountView, error) { return nil, tt.err },
			}
			h := NewAccountHandler(svc)

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.accountID != "" {
				req = req.WithContext(middleware.ContextWithAccountID(req.Context(), tt.accountID))
			}
			w := httptest.NewRecorder()
			h.Me(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestAccountHandler_RevokeSessions(t *testing.T) {
	var revoked string
	svc := &mockAccountService{
		revokeFn: func(_ context.Context, accountID string) error {
			revoked = accountID
			return nil
		},
	}
	h := NewAccountHandler(svc)

	req := httptest.NewRequest(http.MethodDelete, "/me/sessions", nil)
	req = req.WithContext(middleware.ContextWithAccountID(req.Context(), "acc-1"))
	w := httptest.NewRecorder()
	h.RevokeSessions(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if revoked != "acc-1" {
		t.Errorf("revoked = %q, want acc-1", revoked)
	}
}
