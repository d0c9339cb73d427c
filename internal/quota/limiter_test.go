package quota

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"usage-ingest/internal/metrics"
	"usage-ingest/internal/model"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu       sync.Mutex
	decision Decision
	err      error
	costs    []int64

	calls   atomic.Int32
	release chan struct{}
}

func (f *fakeService) Check(ctx context.Context, targetID string, cost int64) (Decision, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.costs = append(f.costs, cost)
	return f.decision, f.err
}

func (f *fakeService) set(d Decision, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decision, f.err = d, err
}

func (f *fakeService) reported() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.costs...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLimiter(svc Service, opts Options) (*Limiter, *metrics.Metrics, *clock) {
	m := metrics.New()
	l := NewLimiter(svc, opts, m)
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l.now = c.Now
	return l, m, c
}

func TestLimiter_ConsumesLocallyAndReportsPending(t *testing.T) {
	svc := &fakeService{decision: Decision{Remaining: 100}}
	l, _, c := newLimiter(svc, Options{CacheTTL: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		v, err := l.Check(ctx, "t1", 10)
		require.NoError(t, err)
		assert.Equal(t, Allowed, v)
	}
	assert.Equal(t, int32(1), svc.calls.Load())

	c.Advance(2 * time.Minute)
	v, err := l.Check(ctx, "t1", 1)
	require.NoError(t, err)
	assert.Equal(t, Allowed, v)

	assert.Equal(t, []int64{0, 50}, svc.reported())
}

func TestLimiter_DeniedIsCached(t *testing.T) {
	svc := &fakeService{decision: Decision{Limited: true}}
	l, _, _ := newLimiter(svc, Options{CacheTTL: time.Minute})

	for i := 0; i < 3; i++ {
		v, err := l.Check(context.Background(), "t1", 1)
		require.NoError(t, err)
		assert.Equal(t, Denied, v)
		assert.False(t, l.Admits(v))
	}
	assert.Equal(t, int32(1), svc.calls.Load())
}

func TestLimiter_ServiceTTLShorterThanCache(t *testing.T) {
	svc := &fakeService{decision: Decision{Remaining: 100, TTL: time.Second}}
	l, _, c := newLimiter(svc, Options{CacheTTL: time.Minute})

	_, err := l.Check(context.Background(), "t1", 1)
	require.NoError(t, err)
	c.Advance(2 * time.Second)
	_, err = l.Check(context.Background(), "t1", 1)
	require.NoError(t, err)

	assert.Equal(t, int32(2), svc.calls.Load())
}

func TestLimiter_RefreshWhenRemainingRunsOut(t *testing.T) {
	svc := &fakeService{decision: Decision{Remaining: 5}}
	l, _, _ := newLimiter(svc, Options{CacheTTL: time.Minute})

	v, err := l.Check(context.Background(), "t1", 5)
	require.NoError(t, err)
	assert.Equal(t, Allowed, v)

	svc.set(Decision{Limited: true}, nil)
	v, err = l.Check(context.Background(), "t1", 1)
	require.NoError(t, err)
	assert.Equal(t, Denied, v)

	assert.Equal(t, []int64{0, 5}, svc.reported())
}

func TestLimiter_CostAboveRemainingIsDenied(t *testing.T) {
	svc := &fakeService{decision: Decision{Remaining: 10}}
	l, _, c := newLimiter(svc, Options{CacheTTL: time.Minute})
	ctx := context.Background()

	v, err := l.Check(ctx, "t1", 5000)
	require.NoError(t, err)
	assert.Equal(t, Denied, v)
	assert.False(t, l.Admits(v))

	// 거절된 cost 는 차감/보고되지 않는다
	v, err = l.Check(ctx, "t1", 10)
	require.NoError(t, err)
	assert.Equal(t, Allowed, v)

	c.Advance(2 * time.Minute)
	_, err = l.Check(ctx, "t1", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 10}, svc.reported())
}

func TestLimiter_EvictsIdleTargets(t *testing.T) {
	svc := &fakeService{decision: Decision{Remaining: 100}}
	l, _, c := newLimiter(svc, Options{CacheTTL: time.Minute, IdleTTL: 10 * time.Minute})
	ctx := context.Background()

	for _, target := range []string{"t1", "t2", "t3"} {
		_, err := l.Check(ctx, target, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, l.states.Size())

	c.Advance(5 * time.Minute)
	_, err := l.Check(ctx, "t3", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, l.states.Size())

	c.Advance(10 * time.Minute)
	_, err = l.Check(ctx, "t3", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, l.states.Size())

	_, ok := l.states.Load("t3")
	assert.True(t, ok)
}

func TestLimiter_Unavailable(t *testing.T) {
	svc := &fakeService{decision: Decision{Remaining: 100}}
	l, m, c := newLimiter(svc, Options{CacheTTL: time.Minute, Policy: FailOpen})

	_, err := l.Check(context.Background(), "t1", 7)
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	svc.set(Decision{}, errors.New("connection refused"))
	v, err := l.Check(context.Background(), "t1", 1)
	assert.Equal(t, LimiterUnavailable, v)
	assert.ErrorIs(t, err, model.ErrLimiterUnavailable)
	assert.True(t, l.Admits(v))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitUnavailable.WithLabelValues("open")))

	// 보고 실패한 pending 은 다음 refresh 에 함께 보고된다
	svc.set(Decision{Remaining: 100}, nil)
	_, err = l.Check(context.Background(), "t1", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 7, 7}, svc.reported())
}

func TestLimiter_FailClosed(t *testing.T) {
	svc := &fakeService{err: errors.New("boom")}
	l, m, _ := newLimiter(svc, Options{CacheTTL: time.Minute, Policy: FailClosed})

	v, err := l.Check(context.Background(), "t1", 1)
	require.Error(t, err)
	assert.False(t, l.Admits(v))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitUnavailable.WithLabelValues("closed")))
}

func TestLimiter_CoalescesRefreshPerTarget(t *testing.T) {
	svc := &fakeService{decision: Decision{Remaining: 1_000}, release: make(chan struct{})}
	l, _, _ := newLimiter(svc, Options{CacheTTL: time.Minute})

	const callers = 10
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			v, err := l.Check(context.Background(), "t1", 1)
			assert.NoError(t, err)
			assert.Equal(t, Allowed, v)
		}()
	}

	require.Eventually(t, func() bool { return svc.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(svc.release)
	wg.Wait()

	assert.Equal(t, int32(1), svc.calls.Load())
}

func TestLimiter_TargetsAreIndependent(t *testing.T) {
	svc := &fakeService{decision: Decision{Remaining: 100}}
	l, _, _ := newLimiter(svc, Options{CacheTTL: time.Minute})

	_, err := l.Check(context.Background(), "t1", 1)
	require.NoError(t, err)
	_, err = l.Check(context.Background(), "t2", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), svc.calls.Load())
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "allowed", Allowed.String())
	assert.Equal(t, "denied", Denied.String())
	assert.Equal(t, "unavailable", LimiterUnavailable.String())
}

// ------------------------------------------------------------
// backends
// ------------------------------------------------------------

func TestHTTPService_Check(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/quota/check", r.URL.Path)

		var req checkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "t1", req.TargetID)
		assert.Equal(t, int64(42), req.Cost)

		_ = json.NewEncoder(w).Encode(checkResponse{Limited: true, Remaining: 0, TTLMs: 1500})
	}))
	defer server.Close()

	d, err := NewHTTPService(server.URL, time.Second).Check(context.Background(), "t1", 42)
	require.NoError(t, err)
	assert.True(t, d.Limited)
	assert.Equal(t, 1500*time.Millisecond, d.TTL)
}

func TestHTTPService_Unavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewHTTPService(server.URL, time.Second).Check(context.Background(), "t1", 1)
	assert.ErrorIs(t, err, model.ErrLimiterUnavailable)
}

func TestRedisService_FixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)

	svc, err := NewRedisService("redis://"+mr.Addr(), 10, time.Minute)
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()

	d, err := svc.Check(ctx, "t1", 4)
	require.NoError(t, err)
	assert.False(t, d.Limited)
	assert.Equal(t, int64(6), d.Remaining)
	assert.Equal(t, time.Minute, d.TTL)

	d, err = svc.Check(ctx, "t1", 6)
	require.NoError(t, err)
	assert.True(t, d.Limited)
	assert.Equal(t, int64(0), d.Remaining)

	// 다른 target 은 별도 카운터
	d, err = svc.Check(ctx, "t2", 0)
	require.NoError(t, err)
	assert.False(t, d.Limited)

	mr.FastForward(time.Minute + time.Second)
	d, err = svc.Check(ctx, "t1", 0)
	require.NoError(t, err)
	assert.False(t, d.Limited)
	assert.Equal(t, int64(10), d.Remaining)
}

func TestRedisService_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	svc, err := NewRedisService("redis://"+mr.Addr(), 10, time.Minute)
	require.NoError(t, err)
	defer svc.Close()

	mr.Close()
	_, err = svc.Check(context.Background(), "t1", 1)
	assert.ErrorIs(t, err, model.ErrLimiterUnavailable)
}

func TestNewRedisService_InvalidURL(t *testing.T) {
	_, err := NewRedisService("not-a-valid-url", 10, time.Minute)
	assert.Error(t, err)
}

func TestLimiter_WithRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	svc, err := NewRedisService("redis://"+mr.Addr(), 5, time.Hour)
	require.NoError(t, err)
	defer svc.Close()

	// 캐시 없이 매번 Redis 에 보고한다
	l := NewLimiter(svc, Options{Backend: "redis"}, metrics.New())
	ctx := context.Background()

	verdicts := make([]Verdict, 0, 8)
	for i := 0; i < 8; i++ {
		v, err := l.Check(ctx, "t1", 1)
		require.NoError(t, err)
		verdicts = append(verdicts, v)
	}
	assert.Contains(t, verdicts, Allowed)
	assert.Equal(t, Denied, verdicts[len(verdicts)-1])
}
