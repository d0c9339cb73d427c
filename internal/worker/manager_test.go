package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"usage-ingest/internal/broker"
	"usage-ingest/internal/metrics"
	"usage-ingest/internal/model"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sizeRecorder struct {
	mu                sync.Mutex
	estimated, actual int64
	calls             int
}

func (s *sizeRecorder) Observe(estimated, actual int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estimated += estimated
	s.actual += actual
	s.calls++
}

func newTestManager(t *testing.T, opts Options, log *fakeLog, spool *Spool) (*Manager, *metrics.Metrics, *sizeRecorder) {
	t.Helper()
	m := metrics.New()
	enc := NewEncoder(EncodingGzip, 0, 0, m)
	pub := NewPublisher(log, fastOpts(1), m)
	obs := &sizeRecorder{}
	return NewManager(opts, enc, pub, spool, obs, m), m, obs
}

func shutdown(t *testing.T, mgr *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.Shutdown(ctx))
}

func TestManager_PreservesOrderPerTarget(t *testing.T) {
	log := &fakeLog{}
	mgr, _, obs := newTestManager(t, Options{Workers: 4, QueueSize: 128}, log, nil)
	mgr.Start()

	targets := []string{"t1", "t2", "t3"}
	for i := 0; i < 30; i++ {
		for _, tg := range targets {
			b := batchOf(fmt.Sprintf("%s-%02d", tg, i), tg, record(tg, int64(i)))
			mgr.Submit(b)
		}
	}
	shutdown(t, mgr)

	perTarget := map[string][]string{}
	for _, msg := range log.messages() {
		tg := msg.Headers[broker.HeaderTarget]
		perTarget[tg] = append(perTarget[tg], msg.ID)
	}
	for _, tg := range targets {
		require.Len(t, perTarget[tg], 30, tg)
		for i, id := range perTarget[tg] {
			assert.Equal(t, fmt.Sprintf("%s-%02d", tg, i), id)
		}
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 90, obs.calls)
	assert.Greater(t, obs.actual, int64(0))
}

func TestManager_DropOldestWhenFull(t *testing.T) {
	mgr, m, _ := newTestManager(t, Options{Workers: 1, QueueSize: 2, QueuePolicy: DropOldest}, &fakeLog{}, nil)

	// worker 를 띄우지 않아 큐가 비워지지 않는다
	for i := 1; i <= 3; i++ {
		mgr.Submit(batchOf(fmt.Sprintf("b%d", i), "t1", record("t1", int64(i))))
	}

	q := mgr.partitions[0].queue
	require.Len(t, q, 2)
	assert.Equal(t, "b2", (<-q).ID)
	assert.Equal(t, "b3", (<-q).ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlushQueueDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RawOperationFails.WithLabelValues("queue-full")))

	shutdown(t, mgr)
}

func TestManager_DropNewestWhenFull(t *testing.T) {
	mgr, m, _ := newTestManager(t, Options{Workers: 1, QueueSize: 2, QueuePolicy: DropNewest}, &fakeLog{}, nil)

	for i := 1; i <= 3; i++ {
		mgr.Submit(batchOf(fmt.Sprintf("b%d", i), "t1", record("t1", int64(i))))
	}

	q := mgr.partitions[0].queue
	require.Len(t, q, 2)
	assert.Equal(t, "b1", (<-q).ID)
	assert.Equal(t, "b2", (<-q).ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlushQueueDropped))

	shutdown(t, mgr)
}

func TestManager_SubmitAfterShutdownDrops(t *testing.T) {
	mgr, m, _ := newTestManager(t, Options{Workers: 2}, &fakeLog{}, nil)
	mgr.Start()
	shutdown(t, mgr)

	assert.Error(t, mgr.Healthy())
	assert.NotPanics(t, func() {
		mgr.Submit(seqBatch("t1", 4))
	})
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RawOperationFails.WithLabelValues("shutdown")))
}

func TestManager_FailedPublishIsSpooledAndReplayed(t *testing.T) {
	m := metrics.New()
	enc := NewEncoder(EncodingGzip, 0, 0, m)
	spool, err := NewSpool(SpoolOptions{Dir: t.TempDir(), InstanceID: "test"}, enc, nil, m)
	require.NoError(t, err)

	log := &fakeLog{failAll: errFlaky}
	pub := NewPublisher(log, fastOpts(0), m)
	mgr := NewManager(Options{Workers: 1, ReplayInterval: 20 * time.Millisecond}, enc, pub, spool, nil, m)
	mgr.Start()

	mgr.Submit(seqBatch("t1", 5))

	require.Eventually(t, func() bool { return spool.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpoolSaved))
	assert.Zero(t, testutil.ToFloat64(m.RawOperationFails.WithLabelValues("publish")))

	// broker 복구 후 replayLoop 가 재전송한다
	log.setFailAll(nil)
	require.Eventually(t, func() bool { return spool.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	shutdown(t, mgr)

	msgs := log.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "t1-batch", msgs[0].ID)
	assert.Equal(t, "5", msgs[0].Headers[broker.HeaderRecordCount])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpoolReplayed))
}

func TestManager_FailedPublishWithoutSpoolDrops(t *testing.T) {
	log := &fakeLog{failAll: errFlaky}
	mgr, m, _ := newTestManager(t, Options{Workers: 1}, log, nil)
	mgr.Start()

	mgr.Submit(seqBatch("t1", 3))
	shutdown(t, mgr)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.RawOperationFails.WithLabelValues("publish")))
}

func TestManager_RejectedPublishIsNotSpooled(t *testing.T) {
	m := metrics.New()
	enc := NewEncoder(EncodingGzip, 0, 0, m)
	spool, err := NewSpool(SpoolOptions{Dir: t.TempDir(), InstanceID: "test"}, enc, nil, m)
	require.NoError(t, err)

	log := &fakeLog{failAll: broker.Fatal(errors.New("maximum payload exceeded"))}
	mgr := NewManager(Options{Workers: 1}, enc, NewPublisher(log, fastOpts(2), m), spool, nil, m)
	mgr.Start()

	mgr.Submit(seqBatch("t1", 4))
	shutdown(t, mgr)

	assert.Equal(t, 1, log.callCount())
	assert.Zero(t, spool.Len())
	assert.Zero(t, testutil.ToFloat64(m.SpoolSaved))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RawOperationFails.WithLabelValues("publish-fatal")))
	assert.Zero(t, testutil.ToFloat64(m.RawOperationFails.WithLabelValues("publish")))
}

func TestManager_OversizeRecordsCounted(t *testing.T) {
	m := metrics.New()
	log := &fakeLog{}
	enc := NewEncoder(EncodingGzip, 1000, 0, m)
	mgr := NewManager(Options{Workers: 1}, enc, NewPublisher(log, fastOpts(0), m), nil, nil, m)
	mgr.Start()

	mgr.Submit(batchOf("b1", "t1", record("t1", 1), noisyRecord("t1", 2, 8000)))
	shutdown(t, mgr)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RawOperationFails.WithLabelValues("oversize")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RawOperationWrites))
}

func TestManager_EmptyBatchIgnored(t *testing.T) {
	log := &fakeLog{}
	mgr, _, _ := newTestManager(t, Options{Workers: 1}, log, nil)
	mgr.Start()

	mgr.Submit(model.FlushedBatch{ID: "empty", TargetID: "t1"})
	shutdown(t, mgr)

	assert.Zero(t, log.callCount())
}
