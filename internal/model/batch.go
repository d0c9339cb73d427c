// internal/model/batch.go
package model

import "time"

// FlushReason 은 버퍼가 flush 된 원인.
type FlushReason string

const (
	FlushSize     FlushReason = "size"
	FlushTime     FlushReason = "time"
	FlushShutdown FlushReason = "shutdown"
)

// FlushedBatch
// ------------------------------------------------------------
// flush 시점의 TargetBuffer 스냅샷.
// Buffer Manager → Encoder → Publisher 순서로 소유권이 넘어가며
// 어느 시점에도 두 stage 가 동시에 공유하지 않는다.
type FlushedBatch struct {
	ID             string
	TargetID       string
	OrganizationID string
	Records        []RawOperationRecord

	EstimatedBytes int64 // Append 시점 휴리스틱 추정치
	CreatedAt      time.Time
	FlushedAt      time.Time
	Reason         FlushReason
}

// CompressedPayload
// ------------------------------------------------------------
// Encoder 결과물. Publisher 가 소유하며 log broker ack 이후 버려진다.
type CompressedPayload struct {
	BatchID        string
	TargetID       string
	OrganizationID string

	Data        []byte
	Encoding    string // "gzip" | "zstd"
	RecordCount int
	RawBytes    int64 // 압축 전 직렬화 크기 (추정 오차 계산용)
}
