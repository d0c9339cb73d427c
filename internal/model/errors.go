// internal/model/errors.go
package model

import (
	"errors"
	"fmt"
)

// 파이프라인 에러 분류.
//   - 응답 이전 단계(parse/auth/quota)의 에러는 HTTP 레벨 거절로 변환된다.
//   - 버퍼링 이후 단계(compress/write)의 에러는 클라이언트에 보이지 않고
//     metrics 로만 집계된다.
var (
	ErrMalformedReport         = errors.New("malformed report")
	ErrAuth                    = errors.New("access denied")
	ErrTokenServiceUnavailable = errors.New("token service unavailable")
	ErrLimiterUnavailable      = errors.New("quota service unavailable")
	ErrCompression             = errors.New("compression failed")
	ErrWrite                   = errors.New("log write failed")
)

// MalformedReport reason 값
const (
	ReasonTooLarge          = "too-large"
	ReasonTooManyOperations = "too-many-operations"
	ReasonUnknownVersion    = "unknown-version"
	ReasonDecompression     = "decompression"
	ReasonBodyRead          = "body-read"
	ReasonInvalidJSON       = "invalid-json"
	ReasonSizeMismatch      = "size-mismatch"
)

// MalformedReportError 는 리포트 전체를 거절해야 하는 파싱 실패.
type MalformedReportError struct {
	Reason string
	Err    error
}

func (e *MalformedReportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed report (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed report (%s)", e.Reason)
}

func (e *MalformedReportError) Unwrap() error { return e.Err }

func (e *MalformedReportError) Is(target error) bool { return target == ErrMalformedReport }

// Malformed 는 MalformedReportError 생성 헬퍼.
func Malformed(reason string, err error) error {
	return &MalformedReportError{Reason: reason, Err: err}
}

// AuthError reason 값
const (
	AuthMissingToken = "missing-token"
	AuthInvalidToken = "invalid-token"
	AuthExpiredToken = "expired-token"
	AuthNoAccess     = "no-access"
)

// AuthError 는 토큰이 유효하지 않거나 권한이 없는 경우.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "access denied: " + e.Reason }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }
