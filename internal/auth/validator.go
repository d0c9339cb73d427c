// Package auth validates access tokens against the token service and keeps
// a short-lived local cache of the resulting grants.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"usage-ingest/internal/metrics"
	"usage-ingest/internal/model"

	"github.com/dgraph-io/ristretto/v2"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Options 는 Validator 캐시/호출 제약.
type Options struct {
	// CacheTTL 은 유효 grant 캐시 시간. grant 자체 만료가 더 빠르면 그쪽을 따른다.
	CacheTTL time.Duration

	// NegativeTTL 은 무효 토큰 결과 캐시 시간. 0 이면 캐시하지 않는다.
	NegativeTTL time.Duration

	// Timeout 은 토큰 서비스 호출 1회의 상한.
	Timeout time.Duration

	// CacheSize 는 캐시에 유지할 최대 토큰 수.
	CacheSize int64
}

// entry 는 캐시 값. reason 이 비어 있지 않으면 negative 결과.
type entry struct {
	grant     model.AccessGrant
	reason    string
	expiresAt time.Time
}

// Validator
// ------------------------------------------------------------
// 토큰 → AccessGrant 변환.
//
//	cache hit (미만료)  → 즉시 반환
//	cache miss         → singleflight 로 토큰당 외부 호출 1회
//	서비스 장애         → ErrTokenServiceUnavailable (재시도/대체 없음)
//
// 대기 중인 호출자는 각자의 ctx 로 빠져나갈 수 있고,
// 외부 호출 자체는 첫 호출자의 취소와 무관하게 Timeout 까지 진행된다.
type Validator struct {
	svc   TokenService
	opts  Options
	cache *ristretto.Cache[string, entry]
	group singleflight.Group
	m     *metrics.Metrics

	now func() time.Time
}

func NewValidator(svc TokenService, opts Options, m *metrics.Metrics) (*Validator, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10_000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, entry]{
		NumCounters:        opts.CacheSize * 10,
		MaxCost:            opts.CacheSize,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}

	return &Validator{
		svc:   svc,
		opts:  opts,
		cache: cache,
		m:     m,
		now:   time.Now,
	}, nil
}

// Validate 는 토큰을 검증해 AccessGrant 를 반환한다.
func (v *Validator) Validate(ctx context.Context, token string) (model.AccessGrant, error) {
	if token == "" {
		return model.AccessGrant{}, &model.AuthError{Reason: model.AuthMissingToken}
	}

	// Fast path
	if e, ok := v.cache.Get(token); ok {
		now := v.now()
		switch {
		case now.After(e.expiresAt):
			// ristretto TTL 정리가 늦어도 만료 항목은 쓰지 않는다
		case e.reason != "":
			return model.AccessGrant{}, &model.AuthError{Reason: e.reason}
		case !e.grant.Expired(now):
			return e.grant, nil
		}
	}

	// Slow path
	ch := v.group.DoChan(token, func() (any, error) {
		return v.fetch(ctx, token)
	})

	select {
	case <-ctx.Done():
		return model.AccessGrant{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.AccessGrant{}, res.Err
		}
		return res.Val.(model.AccessGrant), nil
	}
}

// fetch 는 토큰 서비스를 1회 호출하고 결과를 캐시한다.
// singleflight 안에서만 호출된다.
func (v *Validator) fetch(ctx context.Context, token string) (model.AccessGrant, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.opts.Timeout)
	defer cancel()

	v.m.TokenRequests.Inc()
	start := time.Now()
	grant, err := v.svc.Validate(callCtx, token)
	elapsed := time.Since(start).Seconds()

	var authErr *model.AuthError
	switch {
	case errors.As(err, &authErr):
		v.m.TokenDuration.WithLabelValues("invalid").Observe(elapsed)
		v.store(token, entry{reason: authErr.Reason}, v.opts.NegativeTTL)
		return model.AccessGrant{}, err

	case err != nil:
		v.m.TokenDuration.WithLabelValues("error").Observe(elapsed)
		zlog.Warn().Err(err).Msg("token service call failed")
		if !errors.Is(err, model.ErrTokenServiceUnavailable) {
			err = fmt.Errorf("%w: %v", model.ErrTokenServiceUnavailable, err)
		}
		return model.AccessGrant{}, err
	}

	v.m.TokenDuration.WithLabelValues("ok").Observe(elapsed)

	now := v.now()
	if grant.Expired(now) {
		return model.AccessGrant{}, &model.AuthError{Reason: model.AuthExpiredToken}
	}

	ttl := v.opts.CacheTTL
	if !grant.ExpiresAt.IsZero() {
		if left := grant.ExpiresAt.Sub(now); left < ttl {
			ttl = left
		}
	}
	v.store(token, entry{grant: grant}, ttl)
	return grant, nil
}

func (v *Validator) store(token string, e entry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	e.expiresAt = v.now().Add(ttl)
	v.cache.SetWithTTL(token, e, 1, ttl)
	// singleflight 가 끝나기 전에 반영해 두어야 뒤따르는 호출이 cache 에서 찾는다
	v.cache.Wait()
}

// Close 는 캐시 goroutine 을 정리한다.
func (v *Validator) Close() {
	v.cache.Close()
}
