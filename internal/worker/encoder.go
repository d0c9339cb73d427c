package worker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"usage-ingest/internal/metrics"
	"usage-ingest/internal/model"
	"usage-ingest/internal/pool"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// 압축 방식 (Content-Encoding 헤더 값과 동일)
const (
	EncodingGzip = "gzip"
	EncodingZstd = "zstd"
)

// Encoder 는 FlushedBatch 를 JSONL → gzip/zstd 로 직렬화하는 컴포넌트.
// 파이프라인에서 CPU 와 메모리를 가장 많이 쓰는 구간이다.
//
// 특징:
//   - goccy/go-json 으로 레코드 1건당 1줄 인코딩
//   - 직렬화 버퍼 / gzip.Writer 는 pool 재사용, zstd 는 공유 encoder (EncodeAll)
//   - 결과는 새 []byte 로 복사해 호출자에게 소유권을 넘긴다
//   - 압축 결과가 maxMessageBytes 를 넘으면 batch 를 반으로 나눠 다시 인코딩
type Encoder struct {
	compression     string
	maxMessageBytes int
	retries         int
	m               *metrics.Metrics
}

func NewEncoder(compression string, maxMessageBytes, retries int, m *metrics.Metrics) *Encoder {
	if compression != EncodingZstd {
		compression = EncodingGzip
	}
	if retries < 0 {
		retries = 0
	}
	return &Encoder{
		compression:     compression,
		maxMessageBytes: maxMessageBytes,
		retries:         retries,
		m:               m,
	}
}

// Encode 는 batch 전체를 payload 1개로 만든다 (분할/재시도 없음).
func (e *Encoder) Encode(batch model.FlushedBatch) (model.CompressedPayload, error) {
	start := time.Now()

	// ------------------------------------------------------------
	// 1) JSONL 직렬화 (pool 버퍼)
	// ------------------------------------------------------------
	raw := pool.GetBuffer()
	defer pool.PutBuffer(raw)

	enc := json.NewEncoder(raw)
	for i := range batch.Records {
		if err := enc.Encode(&batch.Records[i]); err != nil {
			return model.CompressedPayload{}, fmt.Errorf("encode record %d: %w", i, err)
		}
	}

	// ------------------------------------------------------------
	// 2) 압축
	// ------------------------------------------------------------
	data, err := e.compress(raw.Bytes())
	if err != nil {
		return model.CompressedPayload{}, err
	}

	e.m.CompressDuration.Observe(time.Since(start).Seconds())

	return model.CompressedPayload{
		BatchID:        batch.ID,
		TargetID:       batch.TargetID,
		OrganizationID: batch.OrganizationID,
		Data:           data,
		Encoding:       e.compression,
		RecordCount:    len(batch.Records),
		RawBytes:       int64(raw.Len()),
	}, nil
}

func (e *Encoder) compress(src []byte) ([]byte, error) {
	if e.compression == EncodingZstd {
		// EncodeAll 은 dst 를 새로 할당하므로 그대로 호출자 소유
		return pool.ZstdEncoder().EncodeAll(src, make([]byte, 0, len(src)/4)), nil
	}

	out := pool.GetBuffer()
	defer pool.PutBuffer(out)

	gz := pool.GzipPool.Get().(*gzip.Writer)
	defer pool.GzipPool.Put(gz)
	gz.Reset(out)

	if _, err := gz.Write(src); err != nil {
		_ = gz.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}

	// pool 버퍼는 재사용되므로 복사해서 넘긴다
	data := make([]byte, out.Len())
	copy(data, out.Bytes())
	return data, nil
}

// EncodeBatch
// ------------------------------------------------------------
// 압축 실패는 retries 번까지 다시 시도한다. 모두 실패하면 ErrCompression.
//
// 결과가 maxMessageBytes 를 넘으면 batch 를 앞/뒤 절반으로 나눠 각각 인코딩한다
// (레코드 순서 유지). 레코드 1건만으로도 넘치면 그 레코드는 버리고
// dropped 로 돌려준다.
func (e *Encoder) EncodeBatch(batch model.FlushedBatch) (payloads []model.CompressedPayload, dropped int, err error) {
	var p model.CompressedPayload

	op := func() error {
		var err error
		p, err = e.Encode(batch)
		if err != nil {
			e.m.CompressFailures.Inc()
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(e.retries))); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", model.ErrCompression, err)
	}

	if e.maxMessageBytes <= 0 || len(p.Data) <= e.maxMessageBytes {
		return []model.CompressedPayload{p}, 0, nil
	}
	if len(batch.Records) <= 1 {
		return nil, len(batch.Records), nil
	}

	left, right := splitBatch(batch)

	lp, ld, err := e.EncodeBatch(left)
	if err != nil {
		return nil, 0, err
	}
	rp, rd, err := e.EncodeBatch(right)
	if err != nil {
		return nil, 0, err
	}
	return append(lp, rp...), ld + rd, nil
}

// splitBatch 는 batch 를 순서를 유지한 채 반으로 나눈다.
// 나뉜 batch 의 ID 는 원래 ID 에 -0 / -1 을 붙인다 (broker 중복 제거 키가 겹치지 않게).
func splitBatch(b model.FlushedBatch) (model.FlushedBatch, model.FlushedBatch) {
	mid := len(b.Records) / 2

	left, right := b, b
	left.ID, right.ID = b.ID+"-0", b.ID+"-1"
	left.Records = b.Records[:mid:mid]
	right.Records = b.Records[mid:]

	if n := int64(len(b.Records)); n > 0 {
		left.EstimatedBytes = b.EstimatedBytes * int64(mid) / n
		right.EstimatedBytes = b.EstimatedBytes - left.EstimatedBytes
	}
	return left, right
}

// Decode 는 payload 를 풀어 레코드 목록으로 되돌린다.
// spool 파일 검증과 round-trip 확인에 사용한다.
func (e *Encoder) Decode(p model.CompressedPayload) ([]model.RawOperationRecord, error) {
	var r io.Reader
	switch p.Encoding {
	case EncodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(p.Data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		r = zr

	case EncodingZstd:
		zr, err := zstd.NewReader(bytes.NewReader(p.Data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr

	default:
		return nil, fmt.Errorf("unknown encoding %q", p.Encoding)
	}

	out := make([]model.RawOperationRecord, 0, p.RecordCount)
	dec := json.NewDecoder(r)
	for {
		var rec model.RawOperationRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("decode record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}
