package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/aurora-auth/internal/model"
	"github.com/hitoshi/aurora-auth/internal/repository"
)

// memStore はAccountRepositoryとIdentityRepositoryのインメモリ実装。
// email と (provider, provider_user_id) の一意制約を再現する。
type memStore struct {
	mu         sync.Mutex
	accounts   map[string]*model.Account
	identities map[string]*model.Identity

	// beforeCreate が設定されていればCreateWithIdentityの直前に呼ばれる。
	beforeCreate func()
}

func newMemStore() *memStore {
	return &memStore{
		accounts:   map[string]*model.Account{},
		identities: map[string]*model.Identity{},
	}
}

func identKey(provider, providerUserID string) string { return provider + "/" + providerUserID }

func (m *memStore) FindByID(_ context.Context, id string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) FindByEmail(_ context.Context, email string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Email == model.NormalizeEmail(email) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateWithIdentity(_ context.Context, account *model.Account, ident *model.Identity) error {
	if m.beforeCreate != nil {
		hook := m.beforeCreate
		m.beforeCreate = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Email == account.Email {
			return repository.ErrConflict
		}
	}
	if _, ok := m.identities[identKey(ident.Provider, ident.ProviderUserID)]; ok {
		return repository.ErrConflict
	}
	a := *account
	i := *ident
	m.accounts[a.ID] = &a
	m.identities[identKey(i.Provider, i.ProviderUserID)] = &i
	return nil
}

func (m *memStore) AttachIdentity(_ context.Context, account *model.Account, ident *model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[identKey(ident.Provider, ident.ProviderUserID)]; ok {
		return repository.ErrConflict
	}
	a := *account
	i := *ident
	m.accounts[a.ID] = &a
	m.identities[identKey(i.Provider, i.ProviderUserID)] = &i
	return nil
}

func (m *memStore) UpdateWithIdentityTokens(_ context.Context, account *model.Account, ident *model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := *account
	i := *ident
	m.accounts[a.ID] = &a
	m.identities[identKey(i.Provider, i.ProviderUserID)] = &i
	return nil
}

func (m *memStore) FindByProviderAndProviderUserID(_ context.Context, provider, providerUserID string) (*model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.identities[identKey(provider, providerUserID)]; ok {
		cp := *i
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) ListByAccountID(_ context.Context, accountID string) ([]*model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Identity
	for _, i := range m.identities {
		if i.AccountID == accountID {
			cp := *i
			out = append(out, &cp)
		}
	}
	return out, nil
}

// mockSealer は暗号化を模したTokenSealer。
type mockSealer struct {
	encryptFn func(string) (string, error)
}

func (s *mockSealer) EncryptString(p string) (string, error) {
	if s.encryptFn != nil {
		return s.encryptFn(p)
	}
	return "enc(" + p + ")", nil
}

func newTestResolver(store *memStore) *Resolver {
	r := NewResolver(store, store, &mockSealer{})
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return r
}

func TestResolve_FirstLogin_CreatesOwnerAccount(t *testing.T) {
	store := newMemStore()
	r := newTestResolver(store)

	res, err := r.Resolve(context.Background(), model.ProviderGoogle,
		Profile{ExternalID: "g-1", Email: "  Alice@Example.com ", Name: "Alice"},
		ProviderTokens{Access: "ya29", Refresh: "1//r", Scope: "openid email"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if res.Outcome != OutcomeCreated {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeCreated)
	}
	if res.Account.Email != "alice@example.com" {
		t.Errorf("Email = %q, want normalized", res.Account.Email)
	}
	if len(res.Account.Roles) != 1 || res.Account.Roles[0] != model.RoleOwner {
		t.Errorf("Roles = %v, want [OWNER]", res.Account.Roles)
	}
	if res.Identity.AccessTokenEnc != "enc(ya29)" {
		t.Errorf("AccessTokenEnc = %q, want sealed value", res.Identity.AccessTokenEnc)
	}
	if res.Identity.RefreshTokenEnc == nil || *res.Identity.RefreshTokenEnc != "enc(1//r)" {
		t.Errorf("RefreshTokenEnc = %v", res.Identity.RefreshTokenEnc)
	}
	if res.Identity.Scope == nil || *res.Identity.Scope != "openid email" {
		t.Errorf("Scope = %v", res.Identity.Scope)
	}
}

// 同じIdPで再ログインしてもアカウントは増えず、トークンが更新される。
func TestResolve_ReLogin_IsIdempotent(t *testing.T) {
	store := newMemStore()
	r := newTestResolver(store)
	ctx := context.Background()

	first, err := r.Resolve(ctx, model.ProviderGitHub,
		Profile{ExternalID: "42", Email: "bob@example.com", Name: "Bob"},
		ProviderTokens{Access: "gho_1"})
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}

	second, err := r.Resolve(ctx, model.ProviderGitHub,
		Profile{ExternalID: "42", Email: "bob@example.com", Name: "Bobby"},
		ProviderTokens{Access: "gho_2"})
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}

	if second.Outcome != OutcomeExisting {
		t.Errorf("Outcome = %q, want %q", second.Outcome, OutcomeExisting)
	}
	if second.Account.ID != first.Account.ID {
		t.Errorf("account changed on re-login: %s != %s", second.Account.ID, first.Account.ID)
	}
	if len(store.accounts) != 1 || len(store.identities) != 1 {
		t.Errorf("accounts=%d identities=%d, want 1/1", len(store.accounts), len(store.identities))
	}
	stored, _ := store.FindByProviderAndProviderUserID(ctx, model.ProviderGitHub, "42")
	if stored.AccessTokenEnc != "enc(gho_2)" {
		t.Errorf("AccessTokenEnc = %q, want refreshed token", stored.AccessTokenEnc)
	}
	if stored.RefreshTokenEnc != nil {
		t.Errorf("RefreshTokenEnc = %v, want nil", *stored.RefreshTokenEnc)
	}
	if got, _ := store.FindByID(ctx, first.Account.ID); got.Name != "Bobby" {
		t.Errorf("Name = %q, want Bobby", got.Name)
	}
}

// 別IdPでも同じメールアドレスなら同じアカウントに紐付く。
func TestResolve_SameEmailOtherProvider_Links(t *testing.T) {
	store := newMemStore()
	r := newTestResolver(store)
	ctx := context.Background()

	google, err := r.Resolve(ctx, model.ProviderGoogle,
		Profile{ExternalID: "g-7", Email: "carol@example.com"}, ProviderTokens{Access: "a"})
	if err != nil {
		t.Fatalf("google Resolve failed: %v", err)
	}

	github, err := r.Resolve(ctx, model.ProviderGitHub,
		Profile{ExternalID: "77", Email: "CAROL@example.com"}, ProviderTokens{Access: "b"})
	if err != nil {
		t.Fatalf("github Resolve failed: %v", err)
	}

	if github.Outcome != OutcomeLinked {
		t.Errorf("Outcome = %q, want %q", github.Outcome, OutcomeLinked)
	}
	if github.Account.ID != google.Account.ID {
		t.Errorf("linked to a different account: %s != %s", github.Account.ID, google.Account.ID)
	}
	list, _ := store.ListByAccountID(ctx, google.Account.ID)
	if len(list) != 2 {
		t.Errorf("identities on account = %d, want 2", len(list))
	}
}

// 並行ログインで作成が衝突した場合は再解決して既存identityを使う。
func TestResolve_ConflictOnCreate_Retries(t *testing.T) {
	store := newMemStore()
	r := newTestResolver(store)
	ctx := context.Background()

	store.beforeCreate = func() {
		// 別リクエストが先に同じidentityを作成した状況を再現する
		_ = store.CreateWithIdentity(ctx,
			&model.Account{ID: "other", Email: "dave@example.com", Roles: []model.Role{model.RoleOwner}},
			&model.Identity{ID: "i-other", AccountID: "other", Provider: model.ProviderGoogle, ProviderUserID: "g-9", AccessTokenEnc: "x"})
	}

	res, err := r.Resolve(ctx, model.ProviderGoogle,
		Profile{ExternalID: "g-9", Email: "dave@example.com"}, ProviderTokens{Access: "a"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Outcome != OutcomeExisting || res.Account.ID != "other" {
		t.Errorf("got outcome %q account %q, want existing/other", res.Outcome, res.Account.ID)
	}
	if len(store.accounts) != 1 {
		t.Errorf("accounts = %d, want 1", len(store.accounts))
	}
}

func TestResolve_ValidationErrors(t *testing.T) {
	r := newTestResolver(newMemStore())

	tests := []struct {
		name     string
		provider string
		profile  Profile
		tokens   ProviderTokens
	}{
		{"empty provider", "", Profile{ExternalID: "1", Email: "a@b.c"}, ProviderTokens{Access: "t"}},
		{"empty external id", "google", Profile{Email: "a@b.c"}, ProviderTokens{Access: "t"}},
		{"empty email", "google", Profile{ExternalID: "1", Email: "  "}, ProviderTokens{Access: "t"}},
		{"empty access token", "google", Profile{ExternalID: "1", Email: "a@b.c"}, ProviderTokens{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Resolve(context.Background(), tt.provider, tt.profile, tt.tokens); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestResolve_SealerFailure_WritesNothing(t *testing.T) {
	store := newMemStore()
	r := NewResolver(store, store, &mockSealer{encryptFn: func(string) (string, error) {
		return "", errors.New("boom")
	}})

	_, err := r.Resolve(context.Background(), "google",
		Profile{ExternalID: "1", Email: "e@x.com"}, ProviderTokens{Access: "t"})
	if err == nil || !strings.Contains(err.Error(), "encrypt") {
		t.Fatalf("expected encryption error, got %v", err)
	}
	if len(store.accounts) != 0 {
		t.Errorf("accounts = %d, want 0", len(store.accounts))
	}
}
