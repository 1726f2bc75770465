package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は指定した名前とラベルに一致するメトリクスを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	if len(m.GetLabel()) != len(want) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if want[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordLogin_CountsPerProviderAndOutcome はログイン数がプロバイダー・結果ごとに数えられることを検証する。
func TestRecordLogin_CountsPerProviderAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogin("google", "created")
	c.RecordLogin("google", "created")
	c.RecordLogin("github", "linked")

	m := findMetric(t, reg, "aurora_auth_logins_total", map[string]string{"provider": "google", "outcome": "created"})
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("logins_total{google,created} = %v, want 2", got)
	}
	m = findMetric(t, reg, "aurora_auth_logins_total", map[string]string{"provider": "github", "outcome": "linked"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("logins_total{github,linked} = %v, want 1", got)
	}
}

// TestRecordStateRejection_IncrementsCounter はstate拒否数が増加することを検証する。
func TestRecordStateRejection_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordStateRejection("github")

	m := findMetric(t, reg, "aurora_auth_state_rejections_total", map[string]string{"provider": "github"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("state_rejections_total = %v, want 1", got)
	}
}

// TestRecordTokenVerificationAndRefresh_CountByResult は検証・リフレッシュが結果別に数えられることを検証する。
func TestRecordTokenVerificationAndRefresh_CountByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTokenVerification("ok")
	c.RecordTokenVerification("expired")
	c.RecordTokenVerification("expired")
	c.RecordRefresh("invalid")

	m := findMetric(t, reg, "aurora_auth_token_verifications_total", map[string]string{"result": "expired"})
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("token_verifications_total{expired} = %v, want 2", got)
	}
	m = findMetric(t, reg, "aurora_auth_refresh_total", map[string]string{"result": "invalid"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("refresh_total{invalid} = %v, want 1", got)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(302)
	c.RecordHTTPStatus(302)
	c.RecordHTTPStatus(401)

	m := findMetric(t, reg, "aurora_auth_http_status_total", map[string]string{"status_code": "302"})
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("http_status_total{302} = %v, want 2", got)
	}
	m = findMetric(t, reg, "aurora_auth_http_status_total", map[string]string{"status_code": "401"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("http_status_total{401} = %v, want 1", got)
	}
}

// TestRecordProviderLatency_ObservesHistogram はプロバイダーレイテンシのヒストグラムに値が記録されることを検証する。
func TestRecordProviderLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordProviderLatency("google", 100*time.Millisecond)
	c.RecordProviderLatency("google", 2*time.Second)

	h := findMetric(t, reg, "aurora_auth_provider_latency_seconds", map[string]string{"provider": "google"}).GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
	}
	// 合計は0.1 + 2.0 = 2.1秒
	if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
		t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogin("google", "existing")
	c.RecordStateRejection("google")
	c.RecordTokenVerification("ok")
	c.RecordRefresh("ok")
	c.RecordProviderLatency("github", 500*time.Millisecond)
	c.RecordHTTPStatus(200)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"aurora_auth_logins_total",
		"aurora_auth_state_rejections_total",
		"aurora_auth_token_verifications_total",
		"aurora_auth_refresh_total",
		"aurora_auth_provider_latency_seconds",
		"aurora_auth_http_status_total",
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestNop_DoesNotPanic はNopがどのメソッドでも何もしないことを検証する。
func TestNop_DoesNotPanic(t *testing.T) {
	var c MetricsCollector = Nop{}
	c.RecordLogin("google", "created")
	c.RecordStateRejection("google")
	c.RecordTokenVerification("ok")
	c.RecordRefresh("ok")
	c.RecordProviderLatency("google", time.Second)
	c.RecordHTTPStatus(200)
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordRefresh("ok")
	c2.RecordRefresh("ok")
	c2.RecordRefresh("ok")

	v1 := findMetric(t, reg1, "aurora_auth_refresh_total", map[string]string{"result": "ok"}).GetCounter().GetValue()
	v2 := findMetric(t, reg2, "aurora_auth_refresh_total", map[string]string{"result": "ok"}).GetCounter().GetValue()
	if v1 != 1 {
		t.Errorf("reg1 refresh_total = %v, want 1", v1)
	}
	if v2 != 2 {
		t.Errorf("reg2 refresh_total = %v, want 2", v2)
	}
}
