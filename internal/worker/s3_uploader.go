// internal/worker/s3_uploader.go
package worker

import (
	"context"
	"fmt"
	"io"
	"time"

	"usage-ingest/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
)

// putObjectAPI 는 S3Uploader 가 쓰는 s3.Client 의 부분 집합 (테스트 대역 주입용).
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader 는 spool 에서 재전송하지 않을 파일을 S3 에 보관(archive)한다.
// 파일은 메모리에 올리지 않고 스트리밍으로 업로드한다.
//
// 재시도는 SDK 가 아니라 여기서 제어한다 (SDK RetryMaxAttempts=0).
type S3Uploader struct {
	bucket  string
	timeout time.Duration
	retries int
	client  putObjectAPI
	metrics *metrics.Metrics
}

// NewS3Uploader 는 AWS 기본 자격 증명 체인으로 S3 client 를 만든다.
func NewS3Uploader(ctx context.Context, region, bucket string, timeout time.Duration, retries int, m *metrics.Metrics) (*S3Uploader, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})

	return newS3Uploader(client, bucket, timeout, retries, m), nil
}

func newS3Uploader(client putObjectAPI, bucket string, timeout time.Duration, retries int, m *metrics.Metrics) *S3Uploader {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retries <= 0 {
		retries = 1
	}
	return &S3Uploader{
		bucket:  bucket,
		timeout: timeout,
		retries: retries,
		client:  client,
		metrics: m,
	}
}

// UploadFileWithRetryCtx
// -----------------------
// spool 파일을 그대로 업로드한다. 재시도 전에 Seek(0) 으로 되감는다.
func (u *S3Uploader) UploadFileWithRetryCtx(ctx context.Context, key string, f io.ReadSeeker, size int64) error {
	first := true
	return u.withRetry(ctx, func() error {
		if !first {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("rewind: %w", err))
			}
		}
		first = false
		return u.putObject(ctx, key, f, size)
	})
}

// withRetry 는 총 retries 회까지 시도한다 (200ms 부터 두 배씩, 최대 2초).
func (u *S3Uploader) withRetry(ctx context.Context, put func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(u.retries-1)), ctx)
	return backoff.Retry(func() error {
		err := put()
		if err != nil {
			u.metrics.S3PutErrorTotal.Inc()
		}
		return err
	}, policy)
}

// putObject 는 PutObject 1회 호출 (시도당 timeout).
func (u *S3Uploader) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	ctx2, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}
