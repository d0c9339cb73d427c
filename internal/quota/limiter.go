// Package quota decides whether a target still has usage budget left.
//
// Decisions come from an external quota service and are cached per target
// for a short time. While a cached decision is fresh, operations are charged
// locally and the accumulated cost is reported on the next refresh.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"usage-ingest/internal/metrics"
	"usage-ingest/internal/model"

	"github.com/puzpuzpuz/xsync/v3"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Verdict 는 quota 판정 결과.
type Verdict int

const (
	Allowed Verdict = iota
	Denied
	LimiterUnavailable
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case LimiterUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// FailPolicy 는 quota 서비스 장애 시 동작.
type FailPolicy string

const (
	FailOpen   FailPolicy = "open"   // 통과시키고 flagged 로 집계
	FailClosed FailPolicy = "closed" // 드랍하고 집계
)

// Options 는 Limiter 설정.
type Options struct {
	// CacheTTL 은 외부 판정을 로컬에서 재사용하는 시간.
	// 서비스가 더 짧은 TTL 을 주면 그쪽을 따른다. 0 이면 매번 조회한다.
	CacheTTL time.Duration

	// Timeout 은 외부 호출 1회의 상한.
	Timeout time.Duration

	Policy FailPolicy

	// Backend 는 metrics label (http | redis | none).
	Backend string

	// IdleTTL 동안 refresh 되지 않은 target 의 캐시는 지운다.
	// 보고하지 못한 pending cost 도 함께 버려진다. 기본 1시간.
	IdleTTL time.Duration
}

const sweepInterval = time.Minute

// state 는 target 1개의 캐시된 판정 (QuotaState).
type state struct {
	remaining int64
	limited   bool
	pending   int64 // 로컬에서 소비했지만 아직 서비스에 보고하지 않은 cost
	expiresAt time.Time
}

// Limiter
// ------------------------------------------------------------
// target 단위 quota 판정.
//
//	fresh 캐시 + 잔여량 충분  → 로컬 차감 (pending 누적)
//	그 외                    → target 당 1회 refresh (singleflight)
//
// states 는 xsync.MapOf 이므로 target 별 갱신은 key 단위로 원자적이고
// 서로 다른 target 은 같은 lock 을 공유하지 않는다.
type Limiter struct {
	svc    Service
	opts   Options
	states *xsync.MapOf[string, state]
	group  singleflight.Group
	m      *metrics.Metrics

	lastSweep atomic.Int64 // unix nano

	now func() time.Time
}

func NewLimiter(svc Service, opts Options, m *metrics.Metrics) *Limiter {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Policy == "" {
		opts.Policy = FailOpen
	}
	if opts.Backend == "" {
		opts.Backend = "default"
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = time.Hour
	}
	return &Limiter{
		svc:    svc,
		opts:   opts,
		states: xsync.NewMapOf[string, state](),
		m:      m,
		now:    time.Now,
	}
}

// Check 는 targetID 에 cost 만큼의 operation 을 허용할지 판정한다.
// LimiterUnavailable 인 경우에만 에러(ErrLimiterUnavailable wrap)를 함께 반환한다.
func (l *Limiter) Check(ctx context.Context, targetID string, cost int64) (Verdict, error) {
	if v, ok := l.consume(targetID, cost, true); ok {
		return v, nil
	}

	start := time.Now()
	_, err, _ := l.group.Do(targetID, func() (any, error) {
		return nil, l.refresh(ctx, targetID)
	})
	l.m.RateLimitDuration.WithLabelValues(l.opts.Backend).Observe(time.Since(start).Seconds())

	if err != nil {
		return LimiterUnavailable, err
	}

	// refresh 직후의 판정은 TTL 과 무관하게 한 번은 사용한다.
	// 잔여량보다 큰 요청은 거절한다.
	v, _ := l.consume(targetID, cost, false)
	return v, nil
}

// Admits 는 verdict 에 fail policy 를 적용해 레코드를 버퍼링할지 결정한다.
func (l *Limiter) Admits(v Verdict) bool {
	switch v {
	case Allowed:
		return true
	case LimiterUnavailable:
		l.m.RateLimitUnavailable.WithLabelValues(string(l.opts.Policy)).Inc()
		return l.opts.Policy == FailOpen
	default:
		return false
	}
}

// consume 은 캐시된 판정으로 결정할 수 있으면 (verdict, true) 를 반환한다.
// requireFresh=false 이면 만료 여부를 보지 않는다.
func (l *Limiter) consume(targetID string, cost int64, requireFresh bool) (Verdict, bool) {
	now := l.now()
	verdict, decided := Allowed, false

	l.states.Compute(targetID, func(s state, loaded bool) (state, bool) {
		if !loaded {
			return s, true
		}
		if requireFresh && !now.Before(s.expiresAt) {
			return s, false
		}
		if s.limited {
			verdict, decided = Denied, true
			return s, false
		}
		if s.remaining < cost {
			if !requireFresh {
				verdict, decided = Denied, true
			}
			// fresh 캐시면 서비스에 다시 묻는다
			return s, false
		}
		s.remaining = max(s.remaining-cost, 0)
		s.pending += cost
		verdict, decided = Allowed, true
		return s, false
	})
	return verdict, decided
}

// refresh 는 pending cost 를 보고하고 최신 판정을 저장한다.
func (l *Limiter) refresh(ctx context.Context, targetID string) error {
	var pending int64
	l.states.Compute(targetID, func(s state, loaded bool) (state, bool) {
		pending, s.pending = s.pending, 0
		return s, false
	})

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.Timeout)
	defer cancel()

	d, err := l.svc.Check(callCtx, targetID, pending)
	if err != nil {
		// 보고하지 못한 cost 는 다음 refresh 로 넘긴다
		l.states.Compute(targetID, func(s state, loaded bool) (state, bool) {
			s.pending += pending
			return s, false
		})
		zlog.Warn().Err(err).Str("target", targetID).Msg("quota check failed")
		if !errors.Is(err, model.ErrLimiterUnavailable) {
			err = fmt.Errorf("%w: %v", model.ErrLimiterUnavailable, err)
		}
		return err
	}

	ttl := l.opts.CacheTTL
	if d.TTL > 0 && (ttl <= 0 || d.TTL < ttl) {
		ttl = d.TTL
	}
	if l.opts.CacheTTL <= 0 {
		ttl = 0
	}
	expiresAt := l.now().Add(ttl)

	l.states.Compute(targetID, func(s state, loaded bool) (state, bool) {
		return state{
			remaining: d.Remaining,
			limited:   d.Limited,
			pending:   s.pending,
			expiresAt: expiresAt,
		}, false
	})

	l.sweep(l.now())
	return nil
}

// sweep 은 IdleTTL 이상 만료 상태로 남은 target 을 지운다 (최대 sweepInterval 당 1회).
func (l *Limiter) sweep(now time.Time) {
	last := l.lastSweep.Load()
	if now.UnixNano()-last < int64(sweepInterval) || !l.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}

	cutoff := now.Add(-l.opts.IdleTTL)
	var evicted int
	l.states.Range(func(targetID string, _ state) bool {
		l.states.Compute(targetID, func(s state, loaded bool) (state, bool) {
			stale := !loaded || s.expiresAt.Before(cutoff)
			if loaded && stale {
				evicted++
				if s.pending > 0 {
					zlog.Debug().Str("target", targetID).Int64("pending", s.pending).Msg("idle quota state dropped with unreported cost")
				}
			}
			return s, stale
		})
		return true
	})
	if evicted > 0 {
		zlog.Debug().Int("targets", evicted).Msg("idle quota states evicted")
	}
}
