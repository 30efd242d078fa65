// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// サインイン方式のラベル値
const (
	MethodCredential = "credential"
	MethodOAuth      = "oauth"
)

// 結果のラベル値
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー、サービス層、クリーンアップワーカーから利用する。
type MetricsCollector interface {
	RecordSignUp(result string)
	RecordSignIn(method, result string)
	RecordSessionIssued()
	RecordSessionRevoked(count int)
	RecordOAuthFailure(provider string)
	RecordCleanupDeleted(table string, count int64)
	RecordHTTPRequest(statusCode int, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signUps         *prometheus.CounterVec
	signIns         *prometheus.CounterVec
	sessionsIssued  prometheus.Counter
	sessionsRevoked prometheus.Counter
	oauthFailures   *prometheus.CounterVec
	cleanupDeleted  *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	httpLatency     prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authdash_sign_ups_total",
			Help: "ユーザー登録の試行数（結果別）",
		}, []string{"result"}),
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authdash_sign_ins_total",
			Help: "サインインの試行数（方式・結果別）",
		}, []string{"method", "result"}),
		sessionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authdash_sessions_issued_total",
			Help: "発行されたセッションの合計数",
		}),
		sessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authdash_sessions_revoked_total",
			Help: "明示的に破棄されたセッションの合計数",
		}),
		oauthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authdash_oauth_failures_total",
			Help: "OAuthハンドシェイク失敗の合計数（プロバイダー別）",
		}, []string{"provider"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authdash_cleanup_deleted_total",
			Help: "クリーンアップで削除された期限切れレコード数（テーブル別）",
		}, []string{"table"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authdash_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		httpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authdash_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.signUps,
		c.signIns,
		c.sessionsIssued,
		c.sessionsRevoked,
		c.oauthFailures,
		c.cleanupDeleted,
		c.httpStatus,
		c.httpLatency,
	)

	return c
}

// RecordSignUp はユーザー登録の結果を記録する。
func (c *Collector) RecordSignUp(result string) {
	c.signUps.WithLabelValues(result).Inc()
}

// RecordSignIn はサインインの結果を記録する。
func (c *Collector) RecordSignIn(method, result string) {
	c.signIns.WithLabelValues(method, result).Inc()
}

// RecordSessionIssued はセッション発行を記録する。
func (c *Collector) RecordSessionIssued() {
	c.sessionsIssued.Inc()
}

// RecordSessionRevoked は破棄したセッション数を記録する。
func (c *Collector) RecordSessionRevoked(count int) {
	c.sessionsRevoked.Add(float64(count))
}

// RecordOAuthFailure はOAuthハンドシェイク失敗を記録する。
func (c *Collector) RecordOAuthFailure(provider string) {
	c.oauthFailures.WithLabelValues(provider).Inc()
}

// RecordCleanupDeleted はクリーンアップで削除した件数を記録する。
func (c *Collector) RecordCleanupDeleted(table string, count int64) {
	c.cleanupDeleted.WithLabelValues(table).Add(float64(count))
}

// RecordHTTPRequest はHTTPステータスコードと処理時間を記録する。
func (c *Collector) RecordHTTPRequest(statusCode int, duration time.Duration) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	c.httpLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。メトリクスを使わないテストやコマンドで使う。
type Nop struct{}

func (Nop) RecordSignUp(string) {}
func (Nop) RecordSignIn(string, string) {}
func (Nop) RecordSessionIssued() {}
func (Nop) RecordSessionRevoked(int) {}
func (Nop) RecordOAuthFailure(string) {}
func (Nop) RecordCleanupDeleted(string, int64) {}
func (Nop) RecordHTTPRequest(int, time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
