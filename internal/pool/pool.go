package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// ingest 서버는 요청마다 body 압축 해제, flush 마다 batch 직렬화/압축을
// 수행하므로 gzip writer/reader 와 결과 버퍼 할당이 매우 빈번하다.
//
// 아래 Pool 들은 "GC 줄이기, 메모리 재사용, 성능 안정화" 목적.
// ---------------------------------------------------------------

var (
	// BufferPool:
	//   - batch 직렬화(JSONL) 및 압축 결과를 담는 임시 버퍼
	//   - 초기 용량 256KB (일반적인 batch 크기)
	//   - MaxBufferCap 초과 버퍼는 풀에 넣지 않음
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용 (매번 new 하면 비용 매우 큼)
	//   - BestSpeed: ingest 서버 특성상 속도 우선
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}

	// GzipReaderPool:
	//   - 요청 body 압축 해제용 gzip.Reader
	//   - Reset(r) 으로 재사용하므로 New 는 nil 을 돌려주고 호출자가 생성한다
	GzipReaderPool sync.Pool
)

// Pool에 되돌려줄 최대 버퍼 용량.
// 이보다 큰 버퍼는 GC 에게 위임해 메모리 폭발을 예방.
const MaxBufferCap = 4 * 1024 * 1024 // 4MB

// zstdEncoder:
//   - EncodeAll 은 동시 호출에 안전하므로 프로세스 전체가 하나를 공유한다
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
)

// ZstdEncoder 는 공유 zstd encoder 를 반환한다 (SpeedFastest).
func ZstdEncoder() *zstd.Encoder {
	zstdOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return zstdEncoder
}

// GetBuffer:
//   - 비어 있는 버퍼를 풀에서 꺼낸다
func GetBuffer() *bytes.Buffer {
	buf := BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer:
//   - MaxBufferCap 이하이면 풀에 재사용
//   - 초대형 batch 버퍼는 풀로 돌리지 않음 → 메모리 안정화 목적
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}

// PutGzipReader:
//   - Close 이후의 reader 를 반환한다
func PutGzipReader(r *gzip.Reader) {
	GzipReaderPool.Put(r)
}
