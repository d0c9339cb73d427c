// Package parser decodes raw usage report bodies into normalized operation
// records. It supports the legacy flat array format and the current
// structured format, and never touches metrics, logs or shared state.
package parser

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"strings"

	"usage-ingest/internal/model"
	"usage-ingest/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// per-record 검증 실패 reason.
// 해당 레코드만 드랍하고 Report.Rejected 에 집계한다.
const (
	ReasonInvalidHash      = "invalid-hash"
	ReasonInvalidBody      = "invalid-body"
	ReasonMissingTarget    = "missing-target"
	ReasonInvalidTimestamp = "invalid-timestamp"
	ReasonInvalidDuration  = "invalid-duration"
)

const maxHashLen = 128

// Options 는 Parse 입력 제약.
type Options struct {
	// Version 은 헤더로 선언된 버전. 비어 있으면 payload 모양으로 판단한다.
	Version model.Version

	// ContentEncoding: "", "identity", "gzip", "zstd"
	ContentEncoding string

	// MaxBytes 는 압축 해제 후 허용 크기. 0 이하이면 제한 없음.
	MaxBytes int64

	// MaxOperations 는 리포트 1건당 operation 수 상한. 0 이하이면 제한 없음.
	MaxOperations int

	// DefaultTarget 은 record/report 어디에도 target 이 없을 때 사용한다 (URL path 등).
	DefaultTarget string
}

// decodeFunc 는 버전별 decoder. 새 버전은 decoders 테이블에 추가한다.
type decodeFunc func(dec *json.Decoder, opts Options, b *builder) error

var decoders = map[model.Version]decodeFunc{
	model.VersionLegacy:  decodeLegacy,
	model.VersionCurrent: decodeCurrent,
}

// Parse
//
// body 를 스트리밍으로 압축 해제 → 버전 판별 → 버전별 decode 한다.
// body 전체를 메모리에 두 번 올리지 않는다.
//
// 리포트 전체를 거절해야 하는 경우 *model.MalformedReportError 를 반환하고,
// 개별 레코드 검증 실패는 Report.Rejected 에 reason 별로 집계된다.
func Parse(body io.Reader, opts Options) (*model.Report, error) {
	src, closeFn, err := decompress(body, opts.ContentEncoding)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	limited := &limitReader{r: src, n: opts.MaxBytes}
	br := bufio.NewReaderSize(limited, 32*1024)

	version, err := detectVersion(br, opts.Version)
	if err != nil {
		return nil, classify(err, limited, src)
	}

	b := &builder{
		report: &model.Report{Version: version, Rejected: make(map[string]int)},
	}
	dec := json.NewDecoder(br)
	if err := decoders[version](dec, opts, b); err != nil {
		return nil, classify(err, limited, src)
	}
	if err := expectEnd(dec, br); err != nil {
		return nil, classify(err, limited, src)
	}
	return b.report, nil
}

// expectEnd 는 최상위 JSON 값 뒤에 공백 외의 데이터가 없는지 확인한다.
func expectEnd(dec *json.Decoder, rest io.Reader) error {
	r := bufio.NewReader(io.MultiReader(dec.Buffered(), rest))
	for {
		c, err := r.ReadByte()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return errors.New("unexpected data after top-level value")
	}
}

// decompress 는 Content-Encoding 에 맞는 streaming reader 를 만든다.
func decompress(body io.Reader, encoding string) (*errReader, func(), error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return &errReader{r: body, identity: true}, func() {}, nil

	case "gzip", "x-gzip":
		var zr *gzip.Reader
		if pooled, ok := pool.GzipReaderPool.Get().(*gzip.Reader); ok {
			if err := pooled.Reset(body); err != nil {
				pool.PutGzipReader(pooled)
				return nil, nil, model.Malformed(model.ReasonDecompression, err)
			}
			zr = pooled
		} else {
			r, err := gzip.NewReader(body)
			if err != nil {
				return nil, nil, model.Malformed(model.ReasonDecompression, err)
			}
			zr = r
		}
		return &errReader{r: zr}, func() {
			_ = zr.Close()
			pool.PutGzipReader(zr)
		}, nil

	case "zstd":
		zr, err := zstd.NewReader(body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, model.Malformed(model.ReasonDecompression, err)
		}
		return &errReader{r: zr}, zr.Close, nil

	default:
		return nil, nil, model.Malformed(model.ReasonDecompression, errors.New("unsupported content encoding "+encoding))
	}
}

// detectVersion
//
// 헤더 선언이 있으면 그대로 사용하고, 없으면 첫 번째 non-space 바이트로 판단한다.
//
//	'[' → legacy (flat array)
//	'{' → current (structured)
func detectVersion(br *bufio.Reader, declared model.Version) (model.Version, error) {
	if declared != "" {
		if !declared.Known() {
			return "", model.Malformed(model.ReasonUnknownVersion, errors.New("version "+string(declared)))
		}
		return declared, nil
	}

	for {
		c, err := br.ReadByte()
		if err == io.EOF {
			return "", model.Malformed(model.ReasonInvalidJSON, errors.New("empty body"))
		}
		if err != nil {
			return "", err
		}
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			_ = br.UnreadByte()
			return model.VersionLegacy, nil
		case '{':
			_ = br.UnreadByte()
			return model.VersionCurrent, nil
		default:
			return "", model.Malformed(model.ReasonUnknownVersion, errors.New("unrecognized payload shape"))
		}
	}
}

// classify 는 decode 중 발생한 에러를 MalformedReport reason 으로 변환한다.
// 크기 초과 → 압축 해제 실패 → JSON 문법 오류 순으로 원인을 판단한다.
func classify(err error, limited *limitReader, src *errReader) error {
	var (
		mr  *model.MalformedReportError
		mbe *http.MaxBytesError
	)
	switch {
	case limited.exceeded, errors.As(src.err, &mbe):
		return model.Malformed(model.ReasonTooLarge, err)
	case src.err != nil && src.identity:
		return model.Malformed(model.ReasonBodyRead, src.err)
	case src.err != nil:
		return model.Malformed(model.ReasonDecompression, src.err)
	case errors.As(err, &mr):
		return err
	default:
		return model.Malformed(model.ReasonInvalidJSON, err)
	}
}

// builder 는 검증을 통과한 레코드와 드랍 reason 을 누적한다.
type builder struct {
	report *model.Report
	seen   int
}

// add 는 operation 1건을 검증하고 통과하면 Records 에 추가한다.
func (b *builder) add(rec model.RawOperationRecord, opts Options) error {
	b.seen++
	if opts.MaxOperations > 0 && b.seen > opts.MaxOperations {
		return model.Malformed(model.ReasonTooManyOperations, nil)
	}
	if rec.TargetID == "" {
		rec.TargetID = opts.DefaultTarget
	}
	if reason := validate(rec); reason != "" {
		b.report.Rejected[reason]++
		return nil
	}
	b.report.Records = append(b.report.Records, rec)
	return nil
}

func (b *builder) reject(reason string, opts Options) error {
	b.seen++
	if opts.MaxOperations > 0 && b.seen > opts.MaxOperations {
		return model.Malformed(model.ReasonTooManyOperations, nil)
	}
	b.report.Rejected[reason]++
	return nil
}

// validate 는 첫 번째로 실패한 검증 reason 을 반환한다. 통과하면 "".
func validate(rec model.RawOperationRecord) string {
	switch {
	case !validHash(rec.Hash):
		return ReasonInvalidHash
	case strings.TrimSpace(rec.Body) == "":
		return ReasonInvalidBody
	case rec.TargetID == "":
		return ReasonMissingTarget
	case rec.Timestamp <= 0:
		return ReasonInvalidTimestamp
	case rec.Duration < 0:
		return ReasonInvalidDuration
	}
	return ""
}

func validHash(h string) bool {
	if h == "" || len(h) > maxHashLen {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '-', c == ':', c == '.':
		default:
			return false
		}
	}
	return true
}

// limitReader 는 MaxBytes 를 넘으면 읽기를 중단하고 exceeded 를 기록한다.
// io.LimitReader 는 초과를 EOF 로 숨기기 때문에 쓰지 않는다.
type limitReader struct {
	r        io.Reader
	n        int64
	read     int64
	exceeded bool
}

var errTooLarge = errors.New("report exceeds size limit")

func (l *limitReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return l.r.Read(p)
	}
	if l.read >= l.n {
		// 정확히 n 바이트에서 끝나는 body 는 허용해야 하므로 1 바이트 더 읽어본다
		var one [1]byte
		k, err := l.r.Read(one[:])
		if k > 0 {
			l.exceeded = true
			return 0, errTooLarge
		}
		return 0, err
	}
	if remain := l.n - l.read; int64(len(p)) > remain {
		p = p[:remain]
	}
	k, err := l.r.Read(p)
	l.read += int64(k)
	return k, err
}

// errReader 는 압축 해제 stream 의 첫 번째 에러(EOF 제외)를 기억한다.
type errReader struct {
	r        io.Reader
	err      error
	identity bool // 압축 없이 원본 body 를 그대로 읽는 경우
}

func (e *errReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF && e.err == nil {
		e.err = err
	}
	return n, err
}
