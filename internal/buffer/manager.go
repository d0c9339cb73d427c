// Package buffer accumulates accepted operation records per target and
// hands complete batches to a Sink when a size or time threshold is reached.
package buffer

import (
	"sync"
	"time"

	"usage-ingest/internal/metrics"
	"usage-ingest/internal/model"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Sink 는 flush 된 batch 를 받는 쪽 (worker.Manager).
// slot lock 을 쥔 채로 호출되므로 절대 block 하면 안 된다.
type Sink interface {
	Submit(batch model.FlushedBatch)
}

// Options 는 flush 임계값.
type Options struct {
	MaxRecords    int           // 레코드 수 임계값
	MaxBytes      int64         // 추정 바이트 임계값
	FlushInterval time.Duration // 버퍼 생성 후 이 시간이 지나면 flush
}

// slot 은 target 1개의 버퍼 (TargetBuffer).
//
//	gen  : flush 마다 증가. 이전 세대 timer 는 gen 불일치로 무시된다.
//	dead : map 에서 제거된 slot. Append 는 새 slot 을 다시 찾는다.
type slot struct {
	mu sync.Mutex

	targetID  string
	orgID     string
	records   []model.RawOperationRecord
	bytes     int64
	createdAt time.Time

	gen   uint64
	timer *time.Timer
	dead  bool
}

// Manager
// ------------------------------------------------------------
// target → slot 맵.
//
//	Append  : slot lock 안에서 추가, 임계값 도달 시 즉시 flush
//	timer   : 비어 있던 slot 에 첫 레코드가 들어올 때 FlushInterval 뒤로 예약
//	flush   : records 를 통째로 떼어내 FlushedBatch 로 Sink 에 넘기고 새 버퍼로 교체
//
// 서로 다른 target 의 Append 는 lock 을 공유하지 않는다.
type Manager struct {
	opts  Options
	sink  Sink
	est   *Estimator
	slots *xsync.MapOf[string, *slot]
	m     *metrics.Metrics

	now func() time.Time
}

func NewManager(opts Options, sink Sink, est *Estimator, m *metrics.Metrics) *Manager {
	// 둘 중 하나만 설정하면 그 임계값만 쓴다
	if opts.MaxRecords <= 0 && opts.MaxBytes <= 0 {
		opts.MaxRecords = 1000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	return &Manager{
		opts:  opts,
		sink:  sink,
		est:   est,
		slots: xsync.NewMapOf[string, *slot](),
		m:     m,
		now:   time.Now,
	}
}

// Append 는 targetID 버퍼에 records 를 순서대로 추가한다.
// 한 번의 호출 안에서 임계값을 여러 번 넘으면 그만큼 flush 된다.
func (bm *Manager) Append(targetID, orgID string, records []model.RawOperationRecord) {
	if len(records) == 0 {
		return
	}

	for {
		s, _ := bm.slots.LoadOrCompute(targetID, func() *slot {
			return &slot{targetID: targetID}
		})

		s.mu.Lock()
		if s.dead {
			// timer 가 막 회수한 slot → 새 slot 으로 재시도
			s.mu.Unlock()
			continue
		}

		for _, rec := range records {
			bm.appendLocked(s, orgID, rec)
		}
		s.mu.Unlock()
		return
	}
}

func (bm *Manager) appendLocked(s *slot, orgID string, rec model.RawOperationRecord) {
	if len(s.records) == 0 {
		s.createdAt = bm.now()
		s.orgID = orgID
		s.armLocked(bm)
	}

	s.records = append(s.records, rec)
	s.bytes += bm.est.Estimate(rec)
	bm.m.BufferedRecords.Inc()

	if (bm.opts.MaxRecords > 0 && len(s.records) >= bm.opts.MaxRecords) ||
		(bm.opts.MaxBytes > 0 && s.bytes >= bm.opts.MaxBytes) {
		bm.flushLocked(s, model.FlushSize)
	}
}

// armLocked 는 현재 세대의 flush timer 를 예약한다.
func (s *slot) armLocked(bm *Manager) {
	gen := s.gen
	s.timer = time.AfterFunc(bm.opts.FlushInterval, func() {
		bm.onTimer(s, gen)
	})
}

func (bm *Manager) onTimer(s *slot, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead || s.gen != gen {
		return
	}
	if len(s.records) > 0 {
		bm.flushLocked(s, model.FlushTime)
	}

	// 한 주기 동안 flush 만 하고 남은 빈 slot 은 회수한다
	bm.retireLocked(s)
}

// flushLocked 는 현재 버퍼를 FlushedBatch 로 떼어내 Sink 에 넘긴다.
func (bm *Manager) flushLocked(s *slot, reason model.FlushReason) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++

	n := len(s.records)
	if n == 0 {
		return
	}

	batch := model.FlushedBatch{
		ID:             uuid.NewString(),
		TargetID:       s.targetID,
		OrganizationID: s.orgID,
		Records:        s.records,
		EstimatedBytes: s.bytes,
		CreatedAt:      s.createdAt,
		FlushedAt:      bm.now(),
		Reason:         reason,
	}

	s.records = nil
	s.bytes = 0
	s.createdAt = time.Time{}

	bm.m.BufferFlushes.WithLabelValues(string(reason)).Inc()
	bm.m.BufferedRecords.Sub(float64(n))

	bm.sink.Submit(batch)
}

// retireLocked 는 빈 slot 을 map 에서 제거한다.
func (bm *Manager) retireLocked(s *slot) {
	if len(s.records) > 0 {
		return
	}
	s.dead = true
	bm.slots.Compute(s.targetID, func(cur *slot, loaded bool) (*slot, bool) {
		if !loaded || cur == s {
			return cur, true
		}
		return cur, false
	})
}

// FlushAll 은 모든 버퍼를 즉시 flush 하고 slot 을 회수한다 (shutdown).
// 반환값은 flush 된 batch 수.
func (bm *Manager) FlushAll() int {
	flushed := 0
	bm.slots.Range(func(_ string, s *slot) bool {
		s.mu.Lock()
		if !s.dead {
			if len(s.records) > 0 {
				bm.flushLocked(s, model.FlushShutdown)
				flushed++
			} else if s.timer != nil {
				s.timer.Stop()
				s.timer = nil
				s.gen++
			}
			bm.retireLocked(s)
		}
		s.mu.Unlock()
		return true
	})
	return flushed
}

// Targets 는 현재 slot 이 있는 target 수.
func (bm *Manager) Targets() int {
	return bm.slots.Size()
}
