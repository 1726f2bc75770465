package token

import (
	"context"
	"crypto"
	"crypto/rsa"
	"fmt"
	"net/http"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/hitoshi/aurora-auth/internal/keys"
)

// RemoteKeySource はJWKS URLから取得した鍵セットでkidを解決する。
// 鍵セットはjwk.Cacheがバックグラウンドで更新する。
type RemoteKeySource struct {
	cache *jwk.Cache
	url   string
}

// NewRemoteKeySource はJWKS URLを登録し、初回取得まで待つ。
// ctxはキャッシュの更新処理の寿命を決める。
func NewRemoteKeySource(ctx context.Context, jwksURL string, client *http.Client) (*RemoteKeySource, error) {
	if client == nil {
		client = http.DefaultClient
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	if err := cache.Register(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	return &RemoteKeySource{cache: cache, url: jwksURL}, nil
}

// LookupKeyID はキャッシュ済みの鍵セットからkidの公開鍵を返す。
func (s *RemoteKeySource) LookupKeyID(ctx context.Context, kid string) (crypto.PublicKey, error) {
	set, err := s.cache.Lookup(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("%w: %q", keys.ErrUnknownKeyID, kid)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export key %q: %w", kid, err)
	}
	public, ok := raw.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key %q is %T, want RSA public key", kid, raw)
	}
	return public, nil
}
