// internal/worker/file_util.go
package worker

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// file_util.go
// ------------------------------------------------------------
// spool / archive 파일명 규칙.
//
//	<unix>_<instance>_<counter>.jsonl.<gz|zst>
//
// 예:
//
//	1764721594_ingest1_000042.jsonl.gz
//
// 문자열 정렬이 곧 시간 정렬이므로 spool 은 이름순으로 가장 오래된 파일부터
// 재전송하고, 만료 판단도 이름의 unix prefix 로 한다.
var globalCounter atomic.Uint64

// NextCounter 는 0 ~ 999999 범위를 순환하는 순번.
func NextCounter() uint64 {
	return globalCounter.Add(1) % 1_000_000
}

// fileExt 는 압축 방식별 확장자.
func fileExt(encoding string) string {
	if encoding == EncodingZstd {
		return ".jsonl.zst"
	}
	return ".jsonl.gz"
}

// NewFilename 은 새 spool 파일명을 만든다.
func NewFilename(instanceID, encoding string) string {
	return fmt.Sprintf("%d_%s_%06d%s", Unix(), instanceID, NextCounter(), fileExt(encoding))
}

// BuildS3Key 는 archive object key.
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
func BuildS3Key(prefix, filename string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("dt=%s/hr=%s/%s", DT(), HR(), filename)
	}
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", prefix, DT(), HR(), filename)
}

// extractUnixFromFilename 은 파일명 prefix 의 Unix seconds 를 파싱한다.
func extractUnixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}
