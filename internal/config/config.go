// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config
//
// 서비스 실행 시 필요한 모든 설정 값을 보관하는 구조체.
// 프로세스 시작 시점에 Load() 에 의해 초기화되며,
// 이후에는 변경되지 않는 불변(read-only) 설정들이다.
//
// 값의 우선순위: 환경변수 > 설정 파일(yaml) > 기본값
// 환경변수 이름은 key 를 대문자로 바꾼 값이다 (예: flush_interval → FLUSH_INTERVAL).
type Config struct {

	// ---------------------------
	// 서버 식별자 / 네트워크
	// ---------------------------

	ServiceName string `mapstructure:"service_name"`
	InstanceID  string `mapstructure:"instance_id"` // 비어 있으면 hostname, 실패 시 랜덤 hex
	HTTPAddr    string `mapstructure:"http_addr"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// ---------------------------
	// 로깅
	// ---------------------------

	LogLevel   string `mapstructure:"log_level"`
	LogPretty  bool   `mapstructure:"log_pretty"`
	LogSampleN uint32 `mapstructure:"log_sample_n"`

	// ---------------------------
	// 리포트 파싱 제한
	// ---------------------------

	MaxBodySize    int64 `mapstructure:"max_body_size"`    // 압축 상태 HTTP body 최대 크기
	MaxReportBytes int64 `mapstructure:"max_report_bytes"` // 압축 해제 후 최대 크기
	MaxOperations  int   `mapstructure:"max_operations"`   // 리포트 1건당 operation 최대 개수

	// ---------------------------
	// Access Validator (token service)
	// ---------------------------

	TokenServiceURL  string        `mapstructure:"token_service_url"`
	TokenTimeout     time.Duration `mapstructure:"token_timeout"`
	TokenCacheTTL    time.Duration `mapstructure:"token_cache_ttl"`
	TokenNegativeTTL time.Duration `mapstructure:"token_negative_ttl"` // 0 이면 invalid 결과는 캐시하지 않음
	TokenCacheSize   int64         `mapstructure:"token_cache_size"`

	// ---------------------------
	// Quota Limiter
	// ---------------------------

	QuotaBackend    string        `mapstructure:"quota_backend"` // http | redis | none
	QuotaServiceURL string        `mapstructure:"quota_service_url"`
	QuotaTimeout    time.Duration `mapstructure:"quota_timeout"`
	QuotaCacheTTL   time.Duration `mapstructure:"quota_cache_ttl"`
	QuotaFailPolicy string        `mapstructure:"quota_fail_policy"` // open | closed

	RedisURL    string        `mapstructure:"redis_url"`
	QuotaLimit  int64         `mapstructure:"quota_limit"`  // redis backend: window 당 operation 수
	QuotaWindow time.Duration `mapstructure:"quota_window"` // redis backend: fixed window 길이

	// ---------------------------
	// Buffer Manager
	// ---------------------------

	BufferMaxRecords int           `mapstructure:"buffer_max_records"`
	BufferMaxBytes   int64         `mapstructure:"buffer_max_bytes"` // 추정 크기 기준
	FlushInterval    time.Duration `mapstructure:"flush_interval"`   // 시간 기반 flush 주기
	EstimatorAlpha   float64       `mapstructure:"estimator_alpha"`  // 추정 보정 EMA 가중치

	// ---------------------------
	// Encoder / Worker
	// ---------------------------

	Workers          int    `mapstructure:"workers"`            // partition worker 수
	FlushQueueSize   int    `mapstructure:"flush_queue_size"`   // worker 당 대기 batch 수 상한
	FlushQueuePolicy string `mapstructure:"flush_queue_policy"` // drop-oldest | drop-newest
	Compression      string `mapstructure:"compression"`        // gzip | zstd
	CompressRetries  int    `mapstructure:"compress_retries"`
	MaxMessageBytes  int    `mapstructure:"max_message_bytes"` // 압축 결과 최대 크기 (초과 시 분할)

	// ---------------------------
	// Log broker (NATS JetStream)
	// ---------------------------

	NATSURL               string        `mapstructure:"nats_url"`
	StreamName            string        `mapstructure:"stream_name"`
	SubjectPrefix         string        `mapstructure:"subject_prefix"`
	Partitions            int           `mapstructure:"partitions"`
	PartitionKey          string        `mapstructure:"partition_key"` // target | organization
	PublishTimeout        time.Duration `mapstructure:"publish_timeout"`
	PublishRetries        int           `mapstructure:"publish_retries"`
	PublishBackoffInitial time.Duration `mapstructure:"publish_backoff_initial"`
	PublishBackoffMax     time.Duration `mapstructure:"publish_backoff_max"`

	// ---------------------------
	// 재시도 spool (로컬 DLQ) / S3 archive
	// ---------------------------

	SpoolDir      string        `mapstructure:"spool_dir"` // 비어 있으면 spool 비활성
	SpoolMaxAge   time.Duration `mapstructure:"spool_max_age"`
	SpoolMaxBytes int64         `mapstructure:"spool_max_bytes"`

	AWSRegion     string        `mapstructure:"aws_region"`
	ArchiveBucket string        `mapstructure:"archive_bucket"` // 비어 있으면 만료 파일은 삭제만 한다
	ArchivePrefix string        `mapstructure:"archive_prefix"`
	S3Timeout     time.Duration `mapstructure:"s3_timeout"`
	S3AppRetries  int           `mapstructure:"s3_app_retries"`
}

// defaults
//
// 모든 key 에 기본값을 등록해야 AutomaticEnv 가 Unmarshal 에 반영된다.
var defaults = map[string]any{
	"service_name":     "usage-ingest",
	"instance_id":      "",
	"http_addr":        ":8081",
	"read_timeout":     "10s",
	"write_timeout":    "10s",
	"idle_timeout":     "60s",
	"shutdown_timeout": "20s",

	"log_level":    "info",
	"log_pretty":   false,
	"log_sample_n": 0,

	"max_body_size":    10 << 20,
	"max_report_bytes": 50 << 20,
	"max_operations":   50_000,

	"token_service_url":  "http://localhost:6001",
	"token_timeout":      "5s",
	"token_cache_ttl":    "1m",
	"token_negative_ttl": "10s",
	"token_cache_size":   10_000,

	"quota_backend":     "http",
	"quota_service_url": "http://localhost:4012",
	"quota_timeout":     "3s",
	"quota_cache_ttl":   "10s",
	"quota_fail_policy": "open",
	"redis_url":         "redis://localhost:6379/0",
	"quota_limit":       1_000_000,
	"quota_window":      "720h",

	"buffer_max_records": 1000,
	"buffer_max_bytes":   4 << 20,
	"flush_interval":     "5s",
	"estimator_alpha":    0.1,

	"workers":            4,
	"flush_queue_size":   64,
	"flush_queue_policy": "drop-oldest",
	"compression":        "gzip",
	"compress_retries":   2,
	"max_message_bytes":  1 << 20,

	"nats_url":                "nats://localhost:4222",
	"stream_name":             "USAGE_RAW",
	"subject_prefix":          "usage.raw",
	"partitions":              16,
	"partition_key":           "target",
	"publish_timeout":         "10s",
	"publish_retries":         5,
	"publish_backoff_initial": "200ms",
	"publish_backoff_max":     "5s",

	"spool_dir":       "",
	"spool_max_age":   "24h",
	"spool_max_bytes": 512 << 20,
	"aws_region":      "",
	"archive_bucket":  "",
	"archive_prefix":  "usage-spool",
	"s3_timeout":      "5s",
	"s3_app_retries":  3,
}

// Load
//
// 기본값 → 설정 파일 → 환경변수 순으로 Config 를 구성하고 검증한다.
// path 가 비어 있으면 설정 파일 없이 기본값 + 환경변수만 사용한다.
// 검증 실패 시 에러를 반환하고, 호출자(main)는 즉시 종료한다 (fail-fast).
func Load(path string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = fallbackInstanceID()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate
//
// 런타임 중 설정 오류를 겪지 않도록 시작 시점에 모든 조합을 검사한다.
// 여러 개의 문제가 있으면 한 번에 모두 보고한다.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.HTTPAddr == "" {
		bad("http_addr is required")
	}
	if c.MaxBodySize <= 0 || c.MaxReportBytes <= 0 {
		bad("max_body_size and max_report_bytes must be positive")
	}
	if c.MaxOperations <= 0 {
		bad("max_operations must be positive")
	}
	if c.TokenServiceURL == "" {
		bad("token_service_url is required")
	}
	if c.TokenTimeout <= 0 {
		bad("token_timeout must be positive")
	}

	switch c.QuotaBackend {
	case "http":
		if c.QuotaServiceURL == "" {
			bad("quota_service_url is required for quota_backend=http")
		}
	case "redis":
		if c.RedisURL == "" || c.QuotaLimit <= 0 || c.QuotaWindow <= 0 {
			bad("redis_url, quota_limit and quota_window are required for quota_backend=redis")
		}
	case "none":
	default:
		bad("unknown quota_backend %q (http, redis, none)", c.QuotaBackend)
	}
	if c.QuotaFailPolicy != "open" && c.QuotaFailPolicy != "closed" {
		bad("unknown quota_fail_policy %q (open, closed)", c.QuotaFailPolicy)
	}

	if c.BufferMaxRecords <= 0 && c.BufferMaxBytes <= 0 {
		bad("buffer_max_records or buffer_max_bytes must be positive")
	}
	if c.FlushInterval <= 0 {
		bad("flush_interval must be positive")
	}
	if c.EstimatorAlpha <= 0 || c.EstimatorAlpha > 1 {
		bad("estimator_alpha must be within (0, 1]")
	}

	if c.Workers <= 0 || c.FlushQueueSize <= 0 {
		bad("workers and flush_queue_size must be positive")
	}
	if c.FlushQueuePolicy != "drop-oldest" && c.FlushQueuePolicy != "drop-newest" {
		bad("unknown flush_queue_policy %q (drop-oldest, drop-newest)", c.FlushQueuePolicy)
	}
	if c.Compression != "gzip" && c.Compression != "zstd" {
		bad("unknown compression %q (gzip, zstd)", c.Compression)
	}
	if c.CompressRetries < 0 || c.PublishRetries < 0 {
		bad("compress_retries and publish_retries must not be negative")
	}
	if c.MaxMessageBytes <= 0 {
		bad("max_message_bytes must be positive")
	}

	if c.NATSURL == "" || c.StreamName == "" || c.SubjectPrefix == "" {
		bad("nats_url, stream_name and subject_prefix are required")
	}
	if c.Partitions <= 0 {
		bad("partitions must be positive")
	}
	if c.PartitionKey != "target" && c.PartitionKey != "organization" {
		bad("unknown partition_key %q (target, organization)", c.PartitionKey)
	}

	if c.ArchiveBucket != "" && c.AWSRegion == "" {
		bad("aws_region is required when archive_bucket is set")
	}
	if c.ArchiveBucket != "" && c.SpoolDir == "" {
		bad("archive_bucket requires spool_dir")
	}

	return errors.Join(errs...)
}

// fallbackInstanceID
//
// 이 ingest 서버 인스턴스를 식별하는 고유 값.
//   - 기본: hostname (컨테이너 환경에서는 pod/task 이름으로 고유)
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
