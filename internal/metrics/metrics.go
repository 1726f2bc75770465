// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービスやミドルウェアから利用する。
type MetricsCollector interface {
	RecordLogin(provider, outcome string)
	RecordStateRejection(provider string)
	RecordTokenVerification(result string)
	RecordRefresh(result string)
	RecordProviderLatency(provider string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	stateRejections *prometheus.CounterVec
	verifications   *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurora_auth_logins_total",
			Help: "プロバイダー・結果別のログイン試行数",
		}, []string{"provider", "outcome"}),
		stateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurora_auth_state_rejections_total",
			Help: "stateの検証に失敗したコールバック数",
		}, []string{"provider"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurora_auth_token_verifications_total",
			Help: "アクセストークン検証の結果別件数",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurora_auth_refresh_total",
			Help: "リフレッシュの結果別件数",
		}, []string{"result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aurora_auth_provider_latency_seconds",
			Help:    "プロバイダーとのトークン交換・プロフィール取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurora_auth_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.logins,
		c.stateRejections,
		c.verifications,
		c.refreshes,
		c.providerLatency,
		c.httpStatus,
	)

	return c
}

// RecordLogin はログインの結果を記録する。outcomeはcreated/existing/linkedまたは失敗時の段階名。
func (c *Collector) RecordLogin(provider, outcome string) {
	c.logins.WithLabelValues(provider, outcome).Inc()
}

// RecordStateRejection はstate検証の失敗を記録する。
func (c *Collector) RecordStateRejection(provider string) {
	c.stateRejections.WithLabelValues(provider).Inc()
}

// RecordTokenVerification はアクセストークン検証の結果を記録する。
func (c *Collector) RecordTokenVerification(result string) {
	c.verifications.WithLabelValues(result).Inc()
}

// RecordRefresh はリフレッシュの結果を記録する。
func (c *Collector) RecordRefresh(result string) {
	c.refreshes.WithLabelValues(result).Inc()
}

// RecordProviderLatency はプロバイダー呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(provider string, duration time.Duration) {
	c.providerLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordLogin(string, string)                  {}
func (Nop) RecordStateRejection(string)                 {}
func (Nop) RecordTokenVerification(string)              {}
func (Nop) RecordRefresh(string)                        {}
func (Nop) RecordProviderLatency(string, time.Duration) {}
func (Nop) RecordHTTPStatus(int)                        {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
		ErrorHandling: promhttp.ContinueOnError,
	})
}
