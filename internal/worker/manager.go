// internal/worker/manager.go
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"usage-ingest/internal/broker"
	"usage-ingest/internal/metrics"
	"usage-ingest/internal/model"

	zlog "github.com/rs/zerolog/log"
)

// flush queue 가 가득 찼을 때의 정책
const (
	DropOldest = "drop-oldest"
	DropNewest = "drop-newest"
)

// SizeObserver 는 추정 크기와 실제 직렬화 크기를 비교받는 쪽 (buffer.Estimator).
type SizeObserver interface {
	Observe(estimated, actual int64)
}

// Options 는 partition worker 구성.
type Options struct {
	Workers     int    // partition worker 수
	QueueSize   int    // worker 당 대기 batch 상한
	QueuePolicy string // drop-oldest | drop-newest

	// spool 재전송 주기. 한 주기에 최대 replayBurst 개를 처리한다.
	ReplayInterval time.Duration
}

const replayBurst = 3

// Manager는 flush 이후의 파이프라인을 담당한다.
// Buffer Manager 가 넘긴 FlushedBatch 를
//   - JSONL + gzip/zstd 인코딩
//   - log broker 기록 (실패 시 spool 저장)
//
// 하는 전체 흐름을 제어한다.
//
// 주요 구성:
//   - partitions: target hash 로 고정 배정되는 worker. 각자 bounded FIFO 큐를 가진다.
//     같은 target 의 batch 는 항상 같은 worker 가 순서대로 처리하므로
//     target 단위 기록 순서가 유지되고, 재시도는 해당 worker 만 막는다.
//   - replayLoop: spool 에 남은 batch 를 주기적으로 재전송
//   - clock: 파일명용 timecache 갱신
//
// Shutdown 은 큐에 남은 batch 를 모두 처리할 때까지 (또는 ctx 만료까지) 기다린다.
type Manager struct {
	opts    Options
	enc     *Encoder
	pub     *Publisher
	spool   *Spool // nil 이면 publish 실패 batch 는 버린다
	obs     SizeObserver
	metrics *metrics.Metrics

	partitions []*partition

	ctx    context.Context
	cancel context.CancelFunc

	workersWG sync.WaitGroup
	bgWG      sync.WaitGroup
	stopOnce  sync.Once
	closed    atomic.Bool
}

// partition 은 worker 1개와 그 큐.
// mu 는 제출자끼리만 직렬화한다 (drop-oldest 의 꺼내고 넣기를 원자적으로).
type partition struct {
	mu     sync.Mutex
	queue  chan model.FlushedBatch
	closed bool
}

func NewManager(opts Options, enc *Encoder, pub *Publisher, spool *Spool, obs SizeObserver, m *metrics.Metrics) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.QueuePolicy != DropNewest {
		opts.QueuePolicy = DropOldest
	}
	if opts.ReplayInterval <= 0 {
		opts.ReplayInterval = time.Second
	}

	parts := make([]*partition, opts.Workers)
	for i := range parts {
		parts[i] = &partition{queue: make(chan model.FlushedBatch, opts.QueueSize)}
	}

	return &Manager{
		opts:       opts,
		enc:        enc,
		pub:        pub,
		spool:      spool,
		obs:        obs,
		metrics:    m,
		partitions: parts,
	}
}

// Start 는 partition worker 들과 백그라운드 루프를 실행한다.
func (m *Manager) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for _, p := range m.partitions {
		m.workersWG.Add(1)
		go m.workLoop(p)
	}

	m.bgWG.Add(1)
	go func() {
		defer m.bgWG.Done()
		runClock(m.ctx)
	}()

	if m.spool != nil {
		m.bgWG.Add(1)
		go m.replayLoop()
	}
}

// Submit 은 batch 를 target 의 partition 큐에 넣는다. 절대 block 하지 않는다.
// 큐가 가득 차면 QueuePolicy 에 따라 가장 오래된 batch 또는 새 batch 를 버린다.
func (m *Manager) Submit(batch model.FlushedBatch) {
	p := m.partitions[broker.Partition(batch.TargetID, len(m.partitions))]

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		m.dropBatch(batch, "shutdown")
		return
	}

	select {
	case p.queue <- batch:
		return
	default:
	}

	if m.opts.QueuePolicy == DropNewest {
		m.dropBatch(batch, "queue-full")
		return
	}

	// drop-oldest: worker 는 꺼내기만 하므로 하나 꺼낸 뒤에는 반드시 자리가 있다
	select {
	case old := <-p.queue:
		m.dropBatch(old, "queue-full")
	default:
	}
	select {
	case p.queue <- batch:
	default:
		m.dropBatch(batch, "queue-full")
	}
}

func (m *Manager) dropBatch(b model.FlushedBatch, stage string) {
	m.metrics.FlushQueueDropped.Inc()
	m.metrics.RawOperationFails.WithLabelValues(stage).Add(float64(len(b.Records)))
	zlog.Warn().
		Str("batch", b.ID).
		Str("target", b.TargetID).
		Int("records", len(b.Records)).
		Str("reason", stage).
		Msg("flushed batch dropped")
}

// Shutdown 은 더 이상 batch 를 받지 않고, 큐에 남은 batch 를 처리한 뒤 종료한다.
// ctx 가 먼저 만료되면 진행 중인 publish 를 취소하고 ctx.Err() 를 반환한다.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.closed.Store(true)
		for _, p := range m.partitions {
			p.mu.Lock()
			p.closed = true
			close(p.queue)
			p.mu.Unlock()
		}
	})

	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if m.cancel != nil {
		m.cancel()
	}
	<-done
	m.bgWG.Wait()
	return err
}

// Healthy 는 Shutdown 이 시작되지 않았으면 nil.
func (m *Manager) Healthy() error {
	if m.closed.Load() {
		return errors.New("worker manager shutting down")
	}
	return nil
}

// workLoop 는 큐가 닫힐 때까지 batch 를 순서대로 처리한다.
func (m *Manager) workLoop(p *partition) {
	defer m.workersWG.Done()

	for batch := range p.queue {
		m.process(m.ctx, batch)
	}
}

// process 는 batch 1개를 처리한다.
//  1. 인코딩 (압축 재시도 / 초과 시 분할)
//  2. broker 기록 (transient 에러 재시도)
//  3. 기록 실패 → spool 저장, spool 도 실패하면 drop
//     (broker 가 거부한 fatal 에러는 spool 없이 drop)
//
// 어느 경로든 batch 는 written / spooled / dropped 중 하나로 끝난다.
func (m *Manager) process(ctx context.Context, batch model.FlushedBatch) {
	if len(batch.Records) == 0 {
		return
	}

	payloads, dropped, err := m.enc.EncodeBatch(batch)
	if err != nil {
		m.metrics.RawOperationFails.WithLabelValues("compress").Add(float64(len(batch.Records)))
		zlog.Error().Err(err).Str("batch", batch.ID).Str("target", batch.TargetID).Msg("compression failed, batch dropped")
		return
	}
	if dropped > 0 {
		m.metrics.RawOperationFails.WithLabelValues("oversize").Add(float64(dropped))
		zlog.Warn().Str("batch", batch.ID).Int("records", dropped).Msg("records exceed max message size, dropped")
	}

	if m.obs != nil && len(payloads) > 0 {
		var actual int64
		for _, p := range payloads {
			actual += p.RawBytes
		}
		m.obs.Observe(batch.EstimatedBytes, actual)
	}

	for _, p := range payloads {
		if err := m.pub.Write(ctx, p); err != nil {
			m.handleWriteFailure(p, err)
		}
	}
}

func (m *Manager) handleWriteFailure(p model.CompressedPayload, writeErr error) {
	// 재시도 불가 에러는 spool 에 넣어도 다시 실패하므로 바로 버린다
	if !retryable(writeErr) {
		m.metrics.RawOperationFails.WithLabelValues("publish-fatal").Add(float64(p.RecordCount))
		zlog.Error().
			Err(writeErr).
			Str("batch", p.BatchID).
			Str("target", p.TargetID).
			Int("records", p.RecordCount).
			Msg("publish rejected by broker, batch dropped")
		return
	}

	err := errSpoolDisabled
	if m.spool != nil {
		err = m.spool.Save(p)
	}
	if err == nil {
		zlog.Warn().Err(writeErr).Str("batch", p.BatchID).Msg("publish failed, batch spooled")
		return
	}

	m.metrics.RawOperationFails.WithLabelValues("publish").Add(float64(p.RecordCount))
	zlog.Error().
		Err(writeErr).
		AnErr("spool_err", err).
		Str("batch", p.BatchID).
		Str("target", p.TargetID).
		Int("records", p.RecordCount).
		Msg("publish failed, batch dropped")
}

// retryable 은 나중에 다시 보내면 성공할 수 있는 기록 실패인지 판단한다.
// 종료 중 취소된 기록은 spool 로 넘긴다.
func retryable(err error) bool {
	return broker.IsTransient(err) || errors.Is(err, context.Canceled)
}

// replayLoop 는 ReplayInterval 마다 spool 에서 최대 replayBurst 개를 재전송한다.
// 재전송이 실패하면 broker 가 아직 불안정한 것으로 보고 다음 주기까지 쉰다.
func (m *Manager) replayLoop() {
	defer m.bgWG.Done()

	ticker := time.NewTicker(m.opts.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		for i := 0; i < replayBurst; i++ {
			ok, err := m.spool.ReplayOne(m.ctx, m.pub)
			if err != nil {
				zlog.Debug().Err(err).Msg("spool replay failed")
				break
			}
			if !ok {
				break
			}
		}
	}
}
