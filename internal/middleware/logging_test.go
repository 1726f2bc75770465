package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/aurora-auth/internal/metrics"
)

// serveLogged はhをロギングミドルウェア越しに実行し、出力されたログ1行を返す。
func serveLogged(t *testing.T, h http.Handler, req *http.Request) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewLoggingMiddleware(logger)(h).ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	entry := serveLogged(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}), httptest.NewRequest(http.MethodPost, "/auth/refresh", nil))

	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["method"] != "POST" || entry["path"] != "/auth/refresh" {
		t.Errorf("method/path = %v %v", entry["method"], entry["path"])
	}
	// WriteHeaderなしのWriteは200として記録される
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if entry["bytes"] != float64(len(`{"ok":true}`)) {
		t.Errorf("bytes = %v", entry["bytes"])
	}
	if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
		t.Errorf("duration_ms = %v", entry["duration_ms"])
	}
	if _, ok := entry["account_id"]; ok {
		t.Error("account_id should be absent for unauthenticated request")
	}
}

func TestLoggingMiddleware_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusFound, "INFO"},
		{http.StatusNoContent, "INFO"},
		{http.StatusUnauthorized, "WARN"},
		{http.StatusNotImplemented, "ERROR"},
		{http.StatusBadGateway, "ERROR"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			entry := serveLogged(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}), httptest.NewRequest(http.MethodGet, "/me", nil))

			if entry["status"] != float64(tt.status) {
				t.Errorf("status = %v, want %d", entry["status"], tt.status)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
		})
	}
}

// TestLoggingMiddleware_AnnotatedAccountID は内側の認証ミドルウェアが記録したアカウントIDが出力されることを検証する。
func TestLoggingMiddleware_AnnotatedAccountID(t *testing.T) {
	entry := serveLogged(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AnnotateAccountID(r.Context(), "account-123")
		w.WriteHeader(http.StatusOK)
	}), httptest.NewRequest(http.MethodGet, "/me", nil))

	if entry["account_id"] != "account-123" {
		t.Errorf("account_id = %v, want account-123", entry["account_id"])
	}
}

func TestAnnotateAccountID_OutsideLoggingIsNoop(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	AnnotateAccountID(req.Context(), "account-123")
}

// TestLoggingMiddleware_OmitsQueryString は認可コードやstateがログに出ないことを検証する。
func TestLoggingMiddleware_OmitsQueryString(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=secret-code&state=secret-state", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if bytes.Contains(buf.Bytes(), []byte("secret-code")) || bytes.Contains(buf.Bytes(), []byte("secret-state")) {
		t.Errorf("log must not contain query parameters: %s", buf.String())
	}
}

// TestLoggingMiddleware_RouteAndRequestID はchiのルートパターンとリクエストIDが出力されることを検証する。
func TestLoggingMiddleware_RouteAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(NewLoggingMiddleware(logger))
	r.Get("/auth/{provider}/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/auth/github/start", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-42")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	if entry["route"] != "/auth/{provider}/start" {
		t.Errorf("route = %v", entry["route"])
	}
	if entry["path"] != "/auth/github/start" {
		t.Errorf("path = %v", entry["path"])
	}
	if entry["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", entry["request_id"])
	}
}

func TestStatusMetricsMiddleware_RecordsStatus(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    int
	}{
		{name: "明示的なステータス", handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) }, want: http.StatusUnauthorized},
		{name: "書き込みなし", handler: func(w http.ResponseWriter, r *http.Request) {}, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &statusMetrics{}
			NewStatusMetricsMiddleware(m)(tt.handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/me", nil))

			if len(m.statuses) != 1 || m.statuses[0] != tt.want {
				t.Errorf("recorded statuses = %v, want [%d]", m.statuses, tt.want)
			}
		})
	}
}

type statusMetrics struct {
	metrics.Nop
	statuses []int
}

func (m *statusMetrics) RecordHTTPStatus(code int) { m.statuses = append(m.statuses, code) }
