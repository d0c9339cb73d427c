package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// latencyBuckets 는 외부 호출/HTTP 처리 시간 histogram 공통 bucket.
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 4, 5, 7, 10}

// Metrics 는 파이프라인 각 stage 경계의 운영 지표 모음이다.
// 운영 도구가 의존하는 유일한 상태이므로 이름을 바꾸면 대시보드가 깨진다.
//
// 프로세스 전역 레지스트리 대신 인스턴스마다 Registry 를 소유해서
// 테스트가 서로의 카운터를 오염시키지 않도록 한다.
type Metrics struct {
	Registry *prometheus.Registry

	// ======================
	// HTTP / Ingress
	// ======================

	HTTPRequests               prometheus.Counter
	HTTPRequestDuration        prometheus.Histogram
	HTTPRequestHandlerDuration prometheus.Histogram
	HTTPRequestsNoToken        prometheus.Counter
	HTTPRequestsInvalidToken   prometheus.Counter
	HTTPRequestsNoAccess       prometheus.Counter
	HTTPRequestsRejected       *prometheus.CounterVec // reason

	// ======================
	// Report Parser
	// ======================

	TotalReports       prometheus.Counter
	TotalLegacyReports prometheus.Counter
	TotalOperations    prometheus.Counter
	InvalidOperations  *prometheus.CounterVec   // reason
	UsedAPIVersion     *prometheus.CounterVec   // version
	ParseDuration      *prometheus.HistogramVec // version

	// ======================
	// Access Validator
	// ======================

	TokenRequests prometheus.Counter
	TokenDuration *prometheus.HistogramVec // status

	// ======================
	// Quota Limiter
	// ======================

	RateLimitDuration    *prometheus.HistogramVec // type
	RateLimitDropped     *prometheus.CounterVec   // targetId, orgId
	RateLimitUnavailable *prometheus.CounterVec   // policy

	// ======================
	// Buffer Manager
	// ======================

	BufferFlushes   *prometheus.CounterVec // reason
	BufferedRecords prometheus.Gauge
	EstimationError prometheus.Summary

	// ======================
	// Compressor / Log Writer
	// ======================

	CompressDuration   prometheus.Histogram
	CompressFailures   prometheus.Counter
	RawOperationsSize  prometheus.Summary
	PublishDuration    prometheus.Histogram
	PublishErrors      *prometheus.CounterVec // kind: transient | fatal
	RawOperationWrites prometheus.Counter
	RawOperationFails  *prometheus.CounterVec // stage
	FlushQueueDropped  prometheus.Counter

	// ======================
	// Retry spool
	// ======================

	SpoolSaved      prometheus.Counter
	SpoolReplayed   prometheus.Counter
	SpoolEvicted    prometheus.Counter
	SpoolArchived   prometheus.Counter
	SpoolFiles      prometheus.Gauge
	SpoolSizeBytes  prometheus.Gauge
	S3PutErrorTotal prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		HTTPRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_http_requests",
			Help: "Number of http requests",
		}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "usage_http_request_duration_seconds",
			Help:    "Duration of an HTTP Request in seconds",
			Buckets: latencyBuckets,
		}),
		HTTPRequestHandlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "usage_http_request_handler_duration_seconds",
			Help:    "Duration of an HTTP Request handler in seconds",
			Buckets: latencyBuckets,
		}),
		HTTPRequestsNoToken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_http_requests_no_token",
			Help: "Number of http requests without a token",
		}),
		HTTPRequestsInvalidToken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_http_requests_invalid_token",
			Help: "Number of http requests with a non existing token",
		}),
		HTTPRequestsNoAccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_http_requests_no_access",
			Help: "Number of http requests with a token with no access",
		}),
		HTTPRequestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_http_requests_rejected_total",
			Help: "Number of http requests rejected before buffering, by reason",
		}, []string{"reason"}),

		TotalReports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_reports_total",
			Help: "Number of reports received by usage service",
		}),
		TotalLegacyReports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_reports_legacy_format_total",
			Help: "Number of legacy-format reports received by usage service",
		}),
		TotalOperations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_operations_total",
			Help: "Number of operations received by usage service",
		}),
		InvalidOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_operations_invalid",
			Help: "Number of invalid raw operations dropped by usage service",
		}, []string{"reason"}),
		UsedAPIVersion: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "used_api_version",
			Help: "The used API version (x-usage-api-version header)",
		}, []string{"version"}),
		ParseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usage_parse_duration_seconds",
			Help:    "Duration of parsing a report in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"version"}),

		TokenRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_tokens_requests",
			Help: "Number of requests to Tokens service",
		}),
		TokenDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usage_tokens_duration_seconds",
			Help:    "Duration of an HTTP Request to Tokens service in seconds",
			Buckets: latencyBuckets,
		}, []string{"status"}),

		RateLimitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usage_rate_limit_duration_seconds",
			Help:    "Duration of an HTTP Request to Rate Limit service in seconds",
			Buckets: latencyBuckets,
		}, []string{"type"}),
		RateLimitDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_rate_limit_dropped",
			Help: "Number of reports dropped by usage service due to rate-limit",
		}, []string{"targetId", "orgId"}),
		RateLimitUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_rate_limit_unavailable_total",
			Help: "Number of quota checks that could not reach the quota service, by applied policy",
		}, []string{"policy"}),

		BufferFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_buffer_flushes",
			Help: "Number of buffer flushes",
		}, []string{"reason"}),
		BufferedRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usage_buffer_records",
			Help: "Number of operations currently held in target buffers",
		}),
		EstimationError: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       "usage_size_estimation_error",
			Help:       "How far off the estimation was comparing to the actual size",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),

		CompressDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "usage_raw_compress_duration_seconds",
			Help:    "Compress duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		CompressFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_compress_failures_total",
			Help: "Number of failed compression attempts",
		}),
		RawOperationsSize: prometheus.NewSummary(prometheus.SummaryOpts{
			Name: "usage_raw_operation_size",
			Help: "Size of a sent batch",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "usage_raw_kafka_duration_seconds",
			Help:    "Log broker publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_publish_errors_total",
			Help: "Number of failed publish attempts, by error kind",
		}, []string{"kind"}),
		RawOperationWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_operation_writes",
			Help: "Number of raw operations successfully collected by usage service",
		}),
		RawOperationFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_operation_failures",
			Help: "Number of raw operations NOT collected by usage service",
		}, []string{"stage"}),
		FlushQueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_flush_queue_dropped_total",
			Help: "Number of flushed batches dropped by the flush queue bound",
		}),

		SpoolSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_spool_saved_total",
			Help: "Number of batches written to the retry spool",
		}),
		SpoolReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_spool_replayed_total",
			Help: "Number of spooled batches published to the log",
		}),
		SpoolEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_spool_evicted_total",
			Help: "Number of spooled batches removed by capacity or age limits",
		}),
		SpoolArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_spool_archived_total",
			Help: "Number of expired spooled batches archived to object storage",
		}),
		SpoolFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usage_spool_files",
			Help: "Number of batches currently in the retry spool",
		}),
		SpoolSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usage_spool_size_bytes",
			Help: "Bytes currently used by the retry spool",
		}),
		S3PutErrorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_s3_put_errors_total",
			Help: "Number of failed S3 PutObject attempts",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		m.HTTPRequests, m.HTTPRequestDuration, m.HTTPRequestHandlerDuration,
		m.HTTPRequestsNoToken, m.HTTPRequestsInvalidToken, m.HTTPRequestsNoAccess,
		m.HTTPRequestsRejected,

		m.TotalReports, m.TotalLegacyReports, m.TotalOperations,
		m.InvalidOperations, m.UsedAPIVersion, m.ParseDuration,

		m.TokenRequests, m.TokenDuration,

		m.RateLimitDuration, m.RateLimitDropped, m.RateLimitUnavailable,

		m.BufferFlushes, m.BufferedRecords, m.EstimationError,

		m.CompressDuration, m.CompressFailures, m.RawOperationsSize,
		m.PublishDuration, m.PublishErrors, m.RawOperationWrites,
		m.RawOperationFails, m.FlushQueueDropped,

		m.SpoolSaved, m.SpoolReplayed, m.SpoolEvicted, m.SpoolArchived,
		m.SpoolFiles, m.SpoolSizeBytes, m.S3PutErrorTotal,
	)

	return m
}

// Handler 는 /metrics 엔드포인트 (Prometheus text format).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
