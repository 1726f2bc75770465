package handler

import (
	"log/slog"
	"net/http"
)

// JWKSProvider は公開鍵セットのJSON表現を提供する。
type JWKSProvider interface {
	MarshalJWKS() ([]byte, error)
}

// JWKS は署名検証用の公開鍵セットを返す。認証不要。
// GET /.well-known/jwks.json
func JWKS(provider JWKSProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := provider.MarshalJWKS()
		if err != nil {
			slog.ErrorContext(r.Context(), "failed to marshal jwks", slog.String("error", err.Error()))
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}
