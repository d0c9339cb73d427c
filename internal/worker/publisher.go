package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"usage-ingest/internal/broker"
	"usage-ingest/internal/metrics"
	"usage-ingest/internal/model"

	"github.com/cenkalti/backoff/v4"
	zlog "github.com/rs/zerolog/log"
)

// partition key 선택
const (
	PartitionByTarget       = "target"
	PartitionByOrganization = "organization"
)

// PublisherOptions 는 publish 재시도 정책.
type PublisherOptions struct {
	Timeout        time.Duration // 시도 1회의 ack 대기 상한
	Retries        int           // 첫 시도 이후 재시도 횟수
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	PartitionKey   string // target | organization
}

// Publisher 는 CompressedPayload 를 log broker 에 기록한다 (Log Writer).
//
//	transient 에러 → exponential backoff 로 Retries 번까지 재시도
//	fatal 에러     → 즉시 중단
//
// 실패는 호출자(worker)에게만 반환되고 HTTP 클라이언트에는 보이지 않는다.
type Publisher struct {
	log  broker.Log
	opts PublisherOptions
	m    *metrics.Metrics
}

func NewPublisher(log broker.Log, opts PublisherOptions, m *metrics.Metrics) *Publisher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 100 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Publisher{log: log, opts: opts, m: m}
}

// Write 는 payload 1개를 ack 받을 때까지 기록한다.
// 재시도를 모두 소진하면 model.ErrWrite 와 마지막 broker 에러를 함께 wrap 해 반환한다.
func (p *Publisher) Write(ctx context.Context, payload model.CompressedPayload) error {
	msg := p.message(payload)

	attempt := 0
	op := func() error {
		attempt++

		callCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()

		start := time.Now()
		err := p.log.Publish(callCtx, msg)
		if err == nil {
			p.m.PublishDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		if !broker.IsTransient(err) {
			p.m.PublishErrors.WithLabelValues("fatal").Inc()
			return backoff.Permanent(err)
		}
		p.m.PublishErrors.WithLabelValues("transient").Inc()
		zlog.Debug().Err(err).
			Str("batch", payload.BatchID).
			Int("attempt", attempt).
			Msg("publish failed, retrying")
		return err
	}

	if err := backoff.Retry(op, p.policy(ctx)); err != nil {
		return fmt.Errorf("%w: batch %s after %d attempts: %w", model.ErrWrite, payload.BatchID, attempt, err)
	}

	p.m.RawOperationWrites.Add(float64(payload.RecordCount))
	p.m.RawOperationsSize.Observe(float64(len(payload.Data)))
	return nil
}

func (p *Publisher) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.BackoffInitial
	b.MaxInterval = p.opts.BackoffMax
	b.MaxElapsedTime = 0 // 횟수로만 제한
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.Retries)), ctx)
}

func (p *Publisher) message(payload model.CompressedPayload) broker.Message {
	key := payload.TargetID
	if p.opts.PartitionKey == PartitionByOrganization && payload.OrganizationID != "" {
		key = payload.OrganizationID
	}

	return broker.Message{
		ID:   payload.BatchID,
		Key:  key,
		Data: payload.Data,
		Headers: map[string]string{
			broker.HeaderTarget:      payload.TargetID,
			broker.HeaderOrg:         payload.OrganizationID,
			broker.HeaderEncoding:    payload.Encoding,
			broker.HeaderRecordCount: strconv.Itoa(payload.RecordCount),
		},
	}
}
