// internal/model/operation.go
package model

// RawOperationRecord
// ------------------------------------------------------------
// 클라이언트가 보고한 GraphQL operation 실행 1건.
// ingestion 파이프라인에서 모든 데이터의 "기본 단위"가 된다.
// Parser → Handler → Buffer → Encoder → Log 까지 값(value)으로 전달되며,
// Handler 가 OrganizationID 를 채운 이후에는 변경하지 않는다.
type RawOperationRecord struct {
	Hash          string   `json:"hash"`                    // operation 내용 기반 식별자 (content-addressed)
	Body          string   `json:"body"`                    // operation 문서(signature)
	OperationName string   `json:"operationName,omitempty"` // operation 이름 (익명이면 빈 값)
	Fields        []string `json:"fields"`                  // 사용된 schema coordinate 목록 (nil 과 [] 구분)
	Timestamp     int64    `json:"timestamp"`               // 실행 시작 시각 (unix ms)
	Duration      int64    `json:"duration"`                // 실행 시간 (ns)
	OK            bool     `json:"ok"`                      // 실행 성공 여부
	ErrorsTotal   int      `json:"errorsTotal,omitempty"`   // GraphQL error 개수
	ClientName    string   `json:"clientName,omitempty"`
	ClientVersion string   `json:"clientVersion,omitempty"`

	TargetID       string `json:"target"`
	OrganizationID string `json:"organization,omitempty"`
}

// Version
// ------------------------------------------------------------
// 리포트 wire-format 버전 (tagged variant).
// X-Usage-API-Version 헤더 값과 동일한 문자열을 사용한다.
type Version string

const (
	VersionLegacy  Version = "1" // flat JSON array
	VersionCurrent Version = "2" // {size, map, operations}
)

// Known 은 지원하는 버전인지 확인한다.
func (v Version) Known() bool {
	return v == VersionLegacy || v == VersionCurrent
}

// Report
// ------------------------------------------------------------
// 클라이언트 제출 1건. 파이프라인이 소비한 뒤 버려지며
// 단위로 저장되지 않는다.
type Report struct {
	Version Version
	Token   string

	// Records 는 per-field 검증을 통과한 레코드 (입력 순서 유지)
	Records []RawOperationRecord

	// Rejected 는 검증 실패로 드랍된 레코드 수 (reason → count)
	Rejected map[string]int
}

// Declared 는 payload 에 실려 온 전체 operation 수.
func (r *Report) Declared() int {
	n := len(r.Records)
	for _, c := range r.Rejected {
		n += c
	}
	return n
}

// RejectedTotal 은 드랍된 레코드 총합.
func (r *Report) RejectedTotal() int {
	n := 0
	for _, c := range r.Rejected {
		n += c
	}
	return n
}

// GroupByTarget 은 레코드를 target 별로 묶는다.
// 각 그룹 내부 순서와 target 의 첫 등장 순서를 그대로 보존한다.
func GroupByTarget(records []RawOperationRecord) (order []string, groups map[string][]RawOperationRecord) {
	groups = make(map[string][]RawOperationRecord)
	for _, rec := range records {
		if _, ok := groups[rec.TargetID]; !ok {
			order = append(order, rec.TargetID)
		}
		groups[rec.TargetID] = append(groups[rec.TargetID], rec)
	}
	return order, groups
}
