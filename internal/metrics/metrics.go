// Package metrics 审计服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "auditsmart"

// HTTP 请求指标
var (
	// HTTPRequestsTotal HTTP 请求总数
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration HTTP 请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP 请求耗时(秒)",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "path"},
	)
)

// 审计流水线指标
var (
	// AuditsTotal 审计次数
	AuditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audits_total",
			Help:      "审计总数",
		},
		[]string{"type", "status"}, // status: completed, failed, denied
	)

	// StageDuration 各阶段耗时
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "流水线阶段耗时(秒)",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// StageFailures 阶段失败次数
	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "流水线阶段失败总数",
		},
		[]string{"stage"},
	)

	// RateLimitDecisions 限流判定
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "钱包配额判定总数",
		},
		[]string{"result"}, // allowed, whitelisted, trial_exceeded, daily_limit
	)

	// ErrorsTotal 经错误处理器上报的错误
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "错误总数",
		},
		[]string{"type", "severity"},
	)
)

// 外部调用指标
var (
	// ExternalCalls 外部服务调用次数
	ExternalCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_calls_total",
			Help:      "外部服务调用总数",
		},
		[]string{"service", "result"}, // service: pin, llm, analyzer, chain
	)

	// ExternalCallDuration 外部服务调用耗时
	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "external_call_duration_seconds",
			Help:      "外部服务调用耗时(秒)",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 180},
		},
		[]string{"service"},
	)
)

// RecordHTTPRequest 记录 HTTP 请求指标
func RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordAudit 记录审计结果
func RecordAudit(auditType, status string) {
	AuditsTotal.WithLabelValues(auditType, status).Inc()
}

// RecordStage 记录阶段耗时，失败时累加失败次数
func RecordStage(stage string, durationSeconds float64, failed bool) {
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
	if failed {
		StageFailures.WithLabelValues(stage).Inc()
	}
}

// RecordRateLimit 记录限流判定
func RecordRateLimit(result string) {
	RateLimitDecisions.WithLabelValues(result).Inc()
}

// RecordError 记录错误类型和严重级别
func RecordError(errorType, severity string) {
	ErrorsTotal.WithLabelValues(errorType, severity).Inc()
}

// RecordExternalCall 记录外部调用
func RecordExternalCall(service string, durationSeconds float64, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	ExternalCalls.WithLabelValues(service, result).Inc()
	ExternalCallDuration.WithLabelValues(service).Observe(durationSeconds)
}
