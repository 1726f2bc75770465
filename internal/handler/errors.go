package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/aurora-auth/internal/middleware"
	"github.com/hitoshi/aurora-auth/internal/model"
	"github.com/hitoshi/aurora-auth/internal/token"
)

// handleServiceError はサービス層のエラーをHTTPステータスと統一エラーレスポンスに変換する。
// 分類できないエラーは内部エラーとして扱い、詳細はログにのみ残す。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error, provider string) {
	status, apiErr := classifyError(err, provider)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	middleware.WriteErrorResponse(w, status, apiErr)
}

// classifyError はセンチネルエラーからHTTPステータスとAPIErrorを決定する。
func classifyError(err error, provider string) (int, *model.APIError) {
	switch {
	case errors.Is(err, model.ErrUnknownProvider):
		return http.StatusNotFound, model.NewUnknownProviderError(provider)
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusBadRequest, model.NewInvalidStateError()
	case errors.Is(err, model.ErrProviderExchange):
		return http.StatusBadGateway, model.NewProviderFailedError(provider)
	case errors.Is(err, model.ErrNotImplemented):
		return http.StatusNotImplemented, model.NewNotImplementedError()
	case errors.Is(err, token.ErrInvalidRefresh):
		return http.StatusUnauthorized, model.NewInvalidRefreshError()
	case errors.Is(err, model.ErrUnauthenticated), errors.Is(err, model.ErrAccountNotFound):
		return http.StatusUnauthorized, model.NewUnauthorizedError()
	default:
		return http.StatusInternalServerError, nil
	}
}
