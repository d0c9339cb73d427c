// internal/worker/timecache.go
package worker

import (
	"context"
	"sync/atomic"
	"time"
)

//
// timecache.go
// ------------------------------------------------------------
// spool 파일명과 archive key 에 쓰는 현재 시각 캐시.
//
//   - Unix() : UTC epoch seconds
//   - DT()   : "YYYY-MM-DD" (UTC)
//   - HR()   : "HH" (UTC)
//
// 패키지 로드 시 한 번 seed 하고, 이후에는 Manager 가 runClock 으로
// 1초마다 갱신한다. 초 단위 정밀도면 충분하다.
// ------------------------------------------------------------

var (
	unixSec atomic.Int64
	dtVal   atomic.Value // "YYYY-MM-DD"
	hrVal   atomic.Value // "HH"
)

func init() {
	storeClock(time.Now())
}

func storeClock(now time.Time) {
	now = now.UTC()
	unixSec.Store(now.Unix())
	dtVal.Store(now.Format("2006-01-02"))
	hrVal.Store(now.Format("15"))
}

// runClock 은 ctx 가 끝날 때까지 1초마다 캐시를 갱신한다.
func runClock(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			storeClock(now)
		}
	}
}

// Unix returns current UTC epoch seconds (cached, 1-second precision).
func Unix() int64 {
	return unixSec.Load()
}

// DT returns "YYYY-MM-DD" (UTC).
func DT() string {
	return dtVal.Load().(string)
}

// HR returns "HH" (UTC).
func HR() string {
	return hrVal.Load().(string)
}
