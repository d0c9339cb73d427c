package buffer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"usage-ingest/internal/metrics"
	"usage-ingest/internal/model"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sinkRecorder struct {
	mu      sync.Mutex
	batches []model.FlushedBatch
}

func (r *sinkRecorder) Submit(b model.FlushedBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *sinkRecorder) snapshot() []model.FlushedBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.FlushedBatch(nil), r.batches...)
}

func record(target string, ts int64) model.RawOperationRecord {
	return model.RawOperationRecord{
		Hash:      "h",
		Body:      "query { a }",
		TargetID:  target,
		Timestamp: ts,
		Duration:  1,
		OK:        true,
	}
}

func newManager(opts Options) (*Manager, *sinkRecorder, *metrics.Metrics) {
	m := metrics.New()
	sink := &sinkRecorder{}
	return NewManager(opts, sink, NewEstimator(0.2, m), m), sink, m
}

func TestAppend_RecordThreshold(t *testing.T) {
	bm, sink, m := newManager(Options{MaxRecords: 2, FlushInterval: time.Hour})

	for i := 1; i <= 5; i++ {
		bm.Append("t1", "o1", []model.RawOperationRecord{record("t1", int64(i))})
	}

	batches := sink.snapshot()
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Len(t, b.Records, 2)
		assert.Equal(t, model.FlushSize, b.Reason)
		assert.Equal(t, "t1", b.TargetID)
		assert.Equal(t, "o1", b.OrganizationID)
		assert.NotEmpty(t, b.ID)
		assert.Positive(t, b.EstimatedBytes)
	}
	assert.NotEqual(t, batches[0].ID, batches[1].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BufferedRecords))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BufferFlushes.WithLabelValues("size")))

	assert.Equal(t, 1, bm.FlushAll())
	batches = sink.snapshot()
	require.Len(t, batches, 3)
	assert.Equal(t, model.FlushShutdown, batches[2].Reason)
	assert.Equal(t, int64(5), batches[2].Records[0].Timestamp)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BufferedRecords))
}

func TestAppend_SingleCallCrossingThresholdTwice(t *testing.T) {
	bm, sink, _ := newManager(Options{MaxRecords: 2, FlushInterval: time.Hour})

	recs := make([]model.RawOperationRecord, 5)
	for i := range recs {
		recs[i] = record("t1", int64(i+1))
	}
	bm.Append("t1", "o1", recs)

	assert.Len(t, sink.snapshot(), 2)
	bm.FlushAll()
}

func TestAppend_ByteThreshold(t *testing.T) {
	bm, sink, _ := newManager(Options{MaxRecords: 1000, MaxBytes: 1, FlushInterval: time.Hour})

	bm.Append("t1", "o1", []model.RawOperationRecord{record("t1", 1)})

	batches := sink.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, model.FlushSize, batches[0].Reason)
}

func TestAppend_ByteThresholdOnly(t *testing.T) {
	bm, sink, _ := newManager(Options{MaxBytes: 1 << 30, FlushInterval: time.Hour})

	recs := make([]model.RawOperationRecord, 1500)
	for i := range recs {
		recs[i] = record("t1", int64(i))
	}
	bm.Append("t1", "o1", recs)
	assert.Empty(t, sink.snapshot())

	bm.FlushAll()
	batches := sink.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Records, 1500)
}

func TestAppend_TimeFlush(t *testing.T) {
	bm, sink, m := newManager(Options{MaxRecords: 100, FlushInterval: 20 * time.Millisecond})

	start := time.Now()
	bm.Append("t1", "o1", []model.RawOperationRecord{record("t1", 1)})

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	b := sink.snapshot()[0]
	assert.Equal(t, model.FlushTime, b.Reason)
	assert.Len(t, b.Records, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BufferFlushes.WithLabelValues("time")))

	// flush 이후 빈 slot 은 회수된다
	require.Eventually(t, func() bool { return bm.Targets() == 0 }, time.Second, 5*time.Millisecond)

	// 회수된 target 에 다시 들어오면 새 slot 이 만들어진다
	bm.Append("t1", "o1", []model.RawOperationRecord{record("t1", 2)})
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestAppend_TimerMeasuredFromBufferCreation(t *testing.T) {
	bm, sink, _ := newManager(Options{MaxRecords: 100, FlushInterval: 200 * time.Millisecond})

	bm.Append("t1", "o1", []model.RawOperationRecord{record("t1", 1)})
	time.Sleep(100 * time.Millisecond)
	// 두 번째 append 가 timer 를 다시 미루지 않는다
	bm.Append("t1", "o1", []model.RawOperationRecord{record("t1", 2)})

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 170*time.Millisecond, 2*time.Millisecond)
	assert.Len(t, sink.snapshot()[0].Records, 2)
}

func TestAppend_StaleTimerIgnoredAfterSizeFlush(t *testing.T) {
	bm, sink, _ := newManager(Options{MaxRecords: 2, FlushInterval: 20 * time.Millisecond})

	bm.Append("t1", "o1", []model.RawOperationRecord{record("t1", 1), record("t1", 2)})
	require.Len(t, sink.snapshot(), 1)

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, sink.snapshot(), 1)
}

func TestAppend_PreservesOrderPerTarget(t *testing.T) {
	bm, sink, _ := newManager(Options{MaxRecords: 3, FlushInterval: time.Hour})

	for i := 1; i <= 10; i++ {
		bm.Append("a", "o1", []model.RawOperationRecord{record("a", int64(i))})
		bm.Append("b", "o1", []model.RawOperationRecord{record("b", int64(i))})
	}
	bm.FlushAll()

	got := map[string][]int64{}
	for _, b := range sink.snapshot() {
		for _, r := range b.Records {
			assert.Equal(t, b.TargetID, r.TargetID)
			got[b.TargetID] = append(got[b.TargetID], r.Timestamp)
		}
	}
	want := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, want, got["a"])
	assert.Equal(t, want, got["b"])
}

func TestAppend_ConcurrentTargets(t *testing.T) {
	bm, sink, m := newManager(Options{MaxRecords: 7, FlushInterval: 5 * time.Millisecond})

	const (
		writers = 8
		targets = 4
		perCall = 250
	)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perCall; i++ {
				target := fmt.Sprintf("t%d", i%targets)
				// timestamp 에 writer 번호를 실어 writer 별 순서를 검증한다
				bm.Append(target, "o1", []model.RawOperationRecord{record(target, int64(w*1_000_000+i+1))})
			}
		}(w)
	}
	wg.Wait()
	bm.FlushAll()

	// 늦게 발화한 timer 가 남아 있을 수 있어 잠시 기다린다
	time.Sleep(20 * time.Millisecond)

	total := 0
	last := map[string]int64{}
	for _, b := range sink.snapshot() {
		total += len(b.Records)
		for _, r := range b.Records {
			key := fmt.Sprintf("%s/%d", r.TargetID, r.Timestamp/1_000_000)
			assert.Greater(t, r.Timestamp, last[key], "writer order broken for %s", key)
			last[key] = r.Timestamp
		}
	}
	assert.Equal(t, writers*perCall, total)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BufferedRecords))
}

func TestFlushAll_EmptyManager(t *testing.T) {
	bm, sink, _ := newManager(Options{})
	assert.Equal(t, 0, bm.FlushAll())
	assert.Empty(t, sink.snapshot())
}

// ------------------------------------------------------------
// Estimator
// ------------------------------------------------------------

func TestEstimator_GrowsWithContent(t *testing.T) {
	e := NewEstimator(0.5, nil)

	small := e.Estimate(record("t", 1))
	big := record("t", 1)
	big.Body = string(make([]byte, 1000))
	big.Fields = []string{"Query.a", "Query.b"}

	assert.Greater(t, e.Estimate(big), small+1000)
}

func TestEstimator_ObserveCorrectsFactor(t *testing.T) {
	m := metrics.New()
	e := NewEstimator(0.5, m)
	assert.Equal(t, 1.0, e.Factor())

	// 실제가 추정의 2배 → factor 는 1 과 2 사이로 이동
	e.Observe(100, 200)
	assert.InDelta(t, 1.5, e.Factor(), 1e-9)

	e.Observe(100, 100)
	assert.InDelta(t, 1.5, e.Factor(), 1e-9)

	// 잘못된 입력은 무시
	e.Observe(0, 100)
	e.Observe(100, -1)
	assert.InDelta(t, 1.5, e.Factor(), 1e-9)

	assert.Equal(t, uint64(2), summaryCount(t, m, "usage_size_estimation_error"))
}

func summaryCount(t *testing.T, m *metrics.Metrics, name string) uint64 {
	t.Helper()
	mfs, err := m.Registry.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetSummary().GetSampleCount()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestEstimator_FactorIsClamped(t *testing.T) {
	e := NewEstimator(1, nil)
	for i := 0; i < 10; i++ {
		e.Observe(1, 1_000)
	}
	assert.Equal(t, maxFactor, e.Factor())

	for i := 0; i < 10; i++ {
		e.Observe(1_000_000, 1)
	}
	assert.Equal(t, minFactor, e.Factor())
}
