package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"usage-ingest/internal/auth"
	"usage-ingest/internal/broker"
	"usage-ingest/internal/buffer"
	"usage-ingest/internal/config"
	"usage-ingest/internal/logger"
	"usage-ingest/internal/metrics"
	"usage-ingest/internal/quota"
	"usage-ingest/internal/server"
	"usage-ingest/internal/worker"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "usage-ingest",
		Short:         "GraphQL usage report ingestion server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (env vars override)")

	// `usage-ingest` 와 `usage-ingest serve` 는 동일하다
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the ingest HTTP server",
		RunE:  root.RunE,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "usage-ingest:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {

	// ====================================================================
	// CPU 설정 (컨테이너 vCPU 대응)
	// ====================================================================
	//
	// 컨테이너는 vCPU 단위로 CPU share 가 제한되지만 Go 런타임은
	// 호스트의 전체 코어 수를 GOMAXPROCS 로 잡는다.
	// GOMAXPROCS 환경변수가 있으면 그 값을 쓰고, 없으면 런타임 기본값을 둔다.
	// (encode worker 가 여러 개이므로 1 로 고정하지 않는다)
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	}

	// ====================================================================
	// Config / Logger / Metrics
	// ====================================================================
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg)
	log := logger.Component("main")
	m := metrics.New()

	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("quota_backend", cfg.QuotaBackend).
		Str("compression", cfg.Compression).
		Int("workers", cfg.Workers).
		Bool("spool", cfg.SpoolDir != "").
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Msg("starting usage-ingest")

	// ====================================================================
	// Access Validator
	// ====================================================================
	validator, err := auth.NewValidator(
		auth.NewHTTPTokenService(cfg.TokenServiceURL, cfg.TokenTimeout),
		auth.Options{
			CacheTTL:    cfg.TokenCacheTTL,
			NegativeTTL: cfg.TokenNegativeTTL,
			Timeout:     cfg.TokenTimeout,
			CacheSize:   cfg.TokenCacheSize,
		}, m)
	if err != nil {
		return fmt.Errorf("token validator: %w", err)
	}
	defer validator.Close()

	// ====================================================================
	// Quota Limiter
	// ====================================================================
	var quotaSvc quota.Service
	switch cfg.QuotaBackend {
	case "redis":
		rs, err := quota.NewRedisService(cfg.RedisURL, cfg.QuotaLimit, cfg.QuotaWindow)
		if err != nil {
			return fmt.Errorf("quota redis: %w", err)
		}
		defer rs.Close()
		quotaSvc = rs
	case "none":
		quotaSvc = quota.Unlimited{}
	default:
		quotaSvc = quota.NewHTTPService(cfg.QuotaServiceURL, cfg.QuotaTimeout)
	}
	limiter := quota.NewLimiter(quotaSvc, quota.Options{
		CacheTTL: cfg.QuotaCacheTTL,
		Timeout:  cfg.QuotaTimeout,
		Policy:   quota.FailPolicy(cfg.QuotaFailPolicy),
		Backend:  cfg.QuotaBackend,
	}, m)

	// ====================================================================
	// Log broker (NATS JetStream)
	// ====================================================================
	connectCtx, cancelConnect := context.WithTimeout(ctx, 30*time.Second)
	brokerLog, err := broker.NewJetStream(connectCtx, broker.JetStreamConfig{
		URL:           cfg.NATSURL,
		Name:          cfg.ServiceName + "-" + cfg.InstanceID,
		Stream:        cfg.StreamName,
		SubjectPrefix: cfg.SubjectPrefix,
		Partitions:    cfg.Partitions,
	})
	cancelConnect()
	if err != nil {
		return err
	}
	defer func() {
		if err := brokerLog.Close(); err != nil {
			log.Warn().Err(err).Msg("broker close")
		}
	}()
	log.Info().
		Str("stream", cfg.StreamName).
		Strs("subjects", brokerLog.PartitionSubjects()).
		Msg("log broker connected")

	// ====================================================================
	// Encoder / Publisher / Spool / Worker Manager
	// ====================================================================
	//
	// flush 이후의 비동기 파이프라인.
	//  - Encoder   : JSONL → gzip/zstd (초과 시 분할)
	//  - Publisher : broker 기록 + transient 재시도
	//  - Spool     : 재시도 소진 batch 를 로컬에 보관 후 재전송 (SPOOL_DIR 설정 시)
	//  - S3        : 만료된 spool 파일 archive (ARCHIVE_BUCKET 설정 시)
	// ====================================================================
	enc := worker.NewEncoder(cfg.Compression, cfg.MaxMessageBytes, cfg.CompressRetries, m)
	pub := worker.NewPublisher(brokerLog, worker.PublisherOptions{
		Timeout:        cfg.PublishTimeout,
		Retries:        cfg.PublishRetries,
		BackoffInitial: cfg.PublishBackoffInitial,
		BackoffMax:     cfg.PublishBackoffMax,
		PartitionKey:   cfg.PartitionKey,
	}, m)

	var spool *worker.Spool
	if cfg.SpoolDir != "" {
		var archiver *worker.S3Uploader
		if cfg.ArchiveBucket != "" {
			archiver, err = worker.NewS3Uploader(ctx, cfg.AWSRegion, cfg.ArchiveBucket, cfg.S3Timeout, cfg.S3AppRetries, m)
			if err != nil {
				return err
			}
		}
		spool, err = worker.NewSpool(worker.SpoolOptions{
			Dir:           cfg.SpoolDir,
			MaxAge:        cfg.SpoolMaxAge,
			MaxBytes:      cfg.SpoolMaxBytes,
			InstanceID:    cfg.InstanceID,
			ArchivePrefix: cfg.ArchivePrefix,
		}, enc, archiver, m)
		if err != nil {
			return err
		}
	}

	est := buffer.NewEstimator(cfg.EstimatorAlpha, m)
	workers := worker.NewManager(worker.Options{
		Workers:     cfg.Workers,
		QueueSize:   cfg.FlushQueueSize,
		QueuePolicy: cfg.FlushQueuePolicy,
	}, enc, pub, spool, est, m)
	workers.Start()

	// ====================================================================
	// Buffer Manager
	// ====================================================================
	buffers := buffer.NewManager(buffer.Options{
		MaxRecords:    cfg.BufferMaxRecords,
		MaxBytes:      cfg.BufferMaxBytes,
		FlushInterval: cfg.FlushInterval,
	}, workers, est, m)

	// ====================================================================
	// HTTP 서버
	// ====================================================================
	ready := func(ctx context.Context) error {
		if err := workers.Healthy(); err != nil {
			return err
		}
		return brokerLog.Healthy(ctx)
	}
	h := server.NewHandler(server.Limits{
		MaxBodySize:    cfg.MaxBodySize,
		MaxReportBytes: cfg.MaxReportBytes,
		MaxOperations:  cfg.MaxOperations,
	}, validator, limiter, buffers, ready, m)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.NewRouter(h, m),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("ingest server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("http server terminated")
		}
	}

	// ====================================================================
	// Graceful Shutdown
	// ====================================================================
	//
	//  1) HTTP 서버 종료 → 새 리포트를 받지 않는다
	//  2) 모든 target 버퍼 flush (FlushShutdown)
	//  3) worker 큐 drain (publish / spool)
	//  4) broker / redis / cache 정리 (defer)
	// ====================================================================
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}

	flushed := buffers.FlushAll()
	log.Info().Int("batches", flushed).Msg("buffers flushed")

	if err := workers.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("worker shutdown did not complete, pending batches dropped")
	}

	log.Info().Msg("shutdown complete")
	return nil
}
