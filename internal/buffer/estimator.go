package buffer

import (
	"math"
	"sync/atomic"

	"usage-ingest/internal/metrics"
	"usage-ingest/internal/model"
)

// JSONL 한 줄에서 값 이외에 고정으로 붙는 바이트 (key 이름, 따옴표, 숫자 필드 등)
const recordOverhead = 160

const (
	minFactor = 0.1
	maxFactor = 10.0
)

// Estimator
// ------------------------------------------------------------
// 레코드 직렬화 크기 휴리스틱.
//
//	estimate = (recordOverhead + 문자열 필드 길이 합) * factor
//
// Encoder 가 실제 직렬화 크기를 알려주면 (Observe) factor 를 EMA 로 보정한다.
//
//	factor' = (1-alpha)*factor + alpha*factor*(actual/estimated)
//
// factor 는 float64 bit 로 atomic 에 저장한다 (append 경로에 lock 없음).
type Estimator struct {
	alpha  float64
	factor atomic.Uint64
	m      *metrics.Metrics
}

func NewEstimator(alpha float64, m *metrics.Metrics) *Estimator {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	e := &Estimator{alpha: alpha, m: m}
	e.factor.Store(math.Float64bits(1))
	return e
}

// Estimate 는 레코드 1건의 직렬화 크기 추정치.
func (e *Estimator) Estimate(rec model.RawOperationRecord) int64 {
	n := recordOverhead +
		len(rec.Hash) + len(rec.Body) + len(rec.OperationName) +
		len(rec.ClientName) + len(rec.ClientVersion) +
		len(rec.TargetID) + len(rec.OrganizationID)
	for _, f := range rec.Fields {
		n += len(f) + 3 // "…",
	}
	return int64(math.Ceil(float64(n) * e.Factor()))
}

// Factor 는 현재 보정 계수.
func (e *Estimator) Factor() float64 {
	return math.Float64frombits(e.factor.Load())
}

// Observe 는 추정치와 실제 크기를 비교해 보정 계수를 갱신한다.
func (e *Estimator) Observe(estimated, actual int64) {
	if estimated <= 0 || actual <= 0 {
		return
	}

	ratio := float64(actual) / float64(estimated)
	if e.m != nil {
		e.m.EstimationError.Observe(math.Abs(1 - 1/ratio))
	}

	for {
		old := e.factor.Load()
		f := math.Float64frombits(old)
		next := (1-e.alpha)*f + e.alpha*f*ratio
		next = min(max(next, minFactor), maxFactor)
		if e.factor.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}
