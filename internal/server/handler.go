package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"usage-ingest/internal/metrics"
	"usage-ingest/internal/model"
	"usage-ingest/internal/parser"
	"usage-ingest/internal/quota"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
)

// 요청 헤더
const (
	HeaderAPIToken   = "X-API-Token"
	HeaderAPIVersion = "X-Usage-API-Version"
)

// AccessValidator 는 토큰 → AccessGrant 변환 (auth.Validator).
type AccessValidator interface {
	Validate(ctx context.Context, token string) (model.AccessGrant, error)
}

// QuotaChecker 는 target 별 quota 판정 (quota.Limiter).
type QuotaChecker interface {
	Check(ctx context.Context, targetID string, cost int64) (quota.Verdict, error)
	Admits(v quota.Verdict) bool
}

// Buffer 는 target 버퍼에 레코드를 쌓는다 (buffer.Manager). block 하지 않는다.
type Buffer interface {
	Append(targetID, orgID string, records []model.RawOperationRecord)
}

// Limits 는 요청 크기 제한.
type Limits struct {
	MaxBodySize    int64 // 압축 상태 body
	MaxReportBytes int64 // 압축 해제 후
	MaxOperations  int
}

type Handler struct {
	limits  Limits
	auth    AccessValidator
	quota   QuotaChecker
	buffer  Buffer
	ready   func(ctx context.Context) error
	metrics *metrics.Metrics
}

// NewHandler 는 ingest 요청 처리기를 만든다.
// ready 는 /_readiness 에서 호출되며 nil 이면 항상 ready 로 응답한다.
func NewHandler(limits Limits, auth AccessValidator, q QuotaChecker, buf Buffer, ready func(ctx context.Context) error, m *metrics.Metrics) *Handler {
	return &Handler{
		limits:  limits,
		auth:    auth,
		quota:   q,
		buffer:  buf,
		ready:   ready,
		metrics: m,
	}
}

type ackResponse struct {
	ID         string       `json:"id"`
	Operations ackOperation `json:"operations"`
}

type ackOperation struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// HandleReport
//
// 사용량 리포트 수집 엔드포인트 (POST / , POST /{target}).
//
// 요청 1건의 상태 전이:
//
//	Received → Parsed → Authenticated → QuotaChecked → Buffered → Acked
//
// 응답 이전 단계(parse/auth)의 실패는 바로 4xx/503 으로 거절하고,
// quota 초과는 200 으로 응답하되 해당 target 레코드를 버린다.
// 응답은 버퍼에 넣는 즉시 나가며, 압축/기록 완료를 기다리지 않는다.
//
// 운영 상 의미:
//   - 서버의 hot path. 요청 body 는 스트리밍으로 한 번만 읽는다.
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	h.metrics.HTTPRequests.Inc()

	// --------------------------------------------------------------------
	// Received: 토큰이 없으면 body 를 읽기 전에 거절
	// --------------------------------------------------------------------
	token := extractToken(r)
	if token == "" {
		h.metrics.HTTPRequestsNoToken.Inc()
		h.reject(w, r, http.StatusUnauthorized, model.AuthMissingToken, nil)
		return
	}

	// --------------------------------------------------------------------
	// Parsed
	// --------------------------------------------------------------------
	r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxBodySize)
	defer r.Body.Close()

	declared := model.Version(strings.TrimSpace(r.Header.Get(HeaderAPIVersion)))

	parseStart := time.Now()
	report, err := parser.Parse(r.Body, parser.Options{
		Version:         declared,
		ContentEncoding: r.Header.Get("Content-Encoding"),
		MaxBytes:        h.limits.MaxReportBytes,
		MaxOperations:   h.limits.MaxOperations,
		DefaultTarget:   chi.URLParam(r, "target"),
	})
	if err != nil {
		var mr *model.MalformedReportError
		reason := model.ReasonInvalidJSON
		if errors.As(err, &mr) {
			reason = mr.Reason
		}
		status := http.StatusBadRequest
		if reason == model.ReasonTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		h.reject(w, r, status, reason, err)
		return
	}
	handlerStart := time.Now()
	defer func() {
		h.metrics.HTTPRequestHandlerDuration.Observe(time.Since(handlerStart).Seconds())
	}()

	version := string(report.Version)
	report.Token = token
	h.metrics.ParseDuration.WithLabelValues(version).Observe(handlerStart.Sub(parseStart).Seconds())
	h.metrics.UsedAPIVersion.WithLabelValues(version).Inc()
	h.metrics.TotalReports.Inc()
	if report.Version == model.VersionLegacy {
		h.metrics.TotalLegacyReports.Inc()
	}
	h.metrics.TotalOperations.Add(float64(report.Declared()))
	for reason, n := range report.Rejected {
		h.metrics.InvalidOperations.WithLabelValues(reason).Add(float64(n))
	}

	// --------------------------------------------------------------------
	// Authenticated
	// --------------------------------------------------------------------
	grant, err := h.auth.Validate(r.Context(), token)
	if err != nil {
		var ae *model.AuthError
		switch {
		case errors.As(err, &ae):
			h.metrics.HTTPRequestsInvalidToken.Inc()
			h.reject(w, r, http.StatusUnauthorized, ae.Reason, nil)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			h.reject(w, r, http.StatusServiceUnavailable, "canceled", err)
		default:
			h.reject(w, r, http.StatusServiceUnavailable, "token-service", err)
		}
		return
	}

	order, groups := model.GroupByTarget(report.Records)
	for _, target := range order {
		if !grant.Allows(target) {
			h.metrics.HTTPRequestsNoAccess.Inc()
			h.reject(w, r, http.StatusForbidden, model.AuthNoAccess, nil)
			return
		}
	}

	// --------------------------------------------------------------------
	// QuotaChecked → Buffered
	// 거절된 target 은 응답에 드러내지 않고 버린다.
	// --------------------------------------------------------------------
	for _, target := range order {
		records := groups[target]
		for i := range records {
			records[i].OrganizationID = grant.OrganizationID
		}

		verdict, qerr := h.quota.Check(r.Context(), target, int64(len(records)))
		if qerr != nil {
			zlog.Warn().Err(qerr).Str("target", target).Msg("quota check failed")
		}
		if !h.quota.Admits(verdict) {
			h.metrics.RateLimitDropped.WithLabelValues(target, grant.OrganizationID).Add(float64(len(records)))
			zlog.Debug().
				Str("target", target).
				Str("organization", grant.OrganizationID).
				Str("verdict", verdict.String()).
				Int("records", len(records)).
				Msg("records dropped by quota")
			continue
		}

		h.buffer.Append(target, grant.OrganizationID, records)
	}

	// --------------------------------------------------------------------
	// Acked
	// accepted 는 파싱을 통과한 레코드 수 (quota 드랍 여부와 무관)
	// --------------------------------------------------------------------
	writeJSON(w, http.StatusOK, ackResponse{
		ID: uuid.NewString(),
		Operations: ackOperation{
			Accepted: len(report.Records),
			Rejected: report.RejectedTotal(),
		},
	})
}

// HandleHealth 는 프로세스 생존 여부 (liveness).
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// HandleReadiness 는 log broker 에 쓸 수 있는 상태인지 확인한다.
// LB 는 실패 응답을 받으면 트래픽을 다른 인스턴스로 보낸다.
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.ready(ctx); err != nil {
			zlog.Warn().Err(err).Msg("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "not ready", Reason: err.Error()})
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ready"))
}

// reject 는 거절 응답을 쓰고 reason 별로 집계한다.
func (h *Handler) reject(w http.ResponseWriter, r *http.Request, status int, reason string, err error) {
	h.metrics.HTTPRequestsRejected.WithLabelValues(reason).Inc()

	ev := zlog.Info()
	if status >= http.StatusInternalServerError {
		ev = zlog.Warn()
	}
	ev.Err(err).
		Int("status", status).
		Str("reason", reason).
		Str("ip", clientIP(r)).
		Str("path", r.URL.Path).
		Msg("report rejected")

	writeJSON(w, status, errorResponse{Error: http.StatusText(status), Reason: reason})
}

// extractToken 은 Authorization: Bearer 또는 X-API-Token 헤더에서 토큰을 꺼낸다.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, tok, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			if tok = strings.TrimSpace(tok); tok != "" {
				return tok
			}
		}
	}
	return strings.TrimSpace(r.Header.Get(HeaderAPIToken))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
