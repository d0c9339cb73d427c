// Package broker is the boundary to the partitioned append-only log that
// downstream usage processors consume.
package broker

import (
	"context"
	"errors"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// 메시지 헤더 키
const (
	HeaderMsgID       = nats.MsgIdHdr // broker 측 중복 제거
	HeaderTarget      = "Usage-Target"
	HeaderOrg         = "Usage-Organization"
	HeaderEncoding    = "Content-Encoding"
	HeaderRecordCount = "Usage-Record-Count"
)

// Message 는 log 에 기록할 단위 (압축된 batch 1개).
type Message struct {
	// ID 는 batch id. 재시도/재전송 시에도 동일해야 broker 가 중복을 걸러낸다.
	ID string

	// Key 는 partition 선택 키. 같은 Key 는 항상 같은 partition 으로 간다.
	Key string

	Data    []byte
	Headers map[string]string
}

// Log 는 partitioned append-only log.
type Log interface {
	// Publish 는 broker 가 ack 할 때까지 block 한다.
	Publish(ctx context.Context, msg Message) error

	// Healthy 는 broker 에 쓰기 가능한 상태인지 확인한다 (readiness).
	Healthy(ctx context.Context) error

	Close() error
}

// Partition 은 key 를 [0, n) 범위 partition 번호로 변환한다.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Subject 는 partition 번호에 해당하는 subject (<prefix>.<partition>).
func Subject(prefix string, partition int) string {
	return prefix + "." + strconv.Itoa(partition)
}

// Subjects 는 partition 0..n-1 의 subject 목록.
func Subjects(prefix string, n int) []string {
	if n < 1 {
		n = 1
	}
	out := make([]string, n)
	for i := range out {
		out[i] = Subject(prefix, i)
	}
	return out
}

// ------------------------------------------------------------
// 에러 분류
//
//	transient : 재시도하면 성공할 수 있음 (timeout, 연결 끊김, leader 선출 중 …)
//	fatal     : 재시도해도 같은 결과 (payload 초과, 잘못된 subject, 4xx API 에러 …)
// ------------------------------------------------------------

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal 은 err 를 재시도 불가로 표시한다.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsTransient 는 재시도할 가치가 있는 에러인지 판단한다.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var fe *fatalError
	if errors.As(err, &fe) {
		return false
	}

	switch {
	case errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrInvalidMsg),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, context.Canceled):
		return false
	}

	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500 || apiErr.Code == 408 || apiErr.Code == 429
	}

	// 나머지 (timeout, no responders, disconnected 등) 는 재시도
	return true
}
