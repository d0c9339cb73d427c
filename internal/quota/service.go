package quota

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"usage-ingest/internal/model"

	json "github.com/goccy/go-json"
)

// Decision 은 quota 서비스 응답.
type Decision struct {
	Limited   bool
	Remaining int64
	TTL       time.Duration // 0 이면 Limiter 설정을 따른다
}

// Service 는 외부 quota 서비스 경계.
// cost 는 직전 판정 이후 로컬에서 소비한 operation 수.
type Service interface {
	Check(ctx context.Context, targetID string, cost int64) (Decision, error)
}

// ------------------------------------------------------------
// HTTPService
//
//	POST {baseURL}/v1/quota/check
//	요청: {"targetId":"t1","cost":120}
//	응답: {"limited":false,"remaining":880,"ttlMs":10000}
// ------------------------------------------------------------

type HTTPService struct {
	baseURL    string
	httpClient *http.Client
}

type checkRequest struct {
	TargetID string `json:"targetId"`
	Cost     int64  `json:"cost"`
}

type checkResponse struct {
	Limited   bool  `json:"limited"`
	Remaining int64 `json:"remaining"`
	TTLMs     int64 `json:"ttlMs"`
}

func NewHTTPService(baseURL string, timeout time.Duration) *HTTPService {
	return &HTTPService{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPService) Check(ctx context.Context, targetID string, cost int64) (Decision, error) {
	body, err := json.Marshal(checkRequest{TargetID: targetID, Cost: cost})
	if err != nil {
		return Decision{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/quota/check", bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", model.ErrLimiterUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Decision{}, fmt.Errorf("%w: status %d", model.ErrLimiterUnavailable, resp.StatusCode)
	}

	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Decision{}, fmt.Errorf("%w: decode response: %v", model.ErrLimiterUnavailable, err)
	}

	return Decision{
		Limited:   out.Limited,
		Remaining: out.Remaining,
		TTL:       time.Duration(out.TTLMs) * time.Millisecond,
	}, nil
}

// Unlimited 는 quota 를 적용하지 않는 backend (quota_backend=none).
type Unlimited struct{}

func (Unlimited) Check(context.Context, string, int64) (Decision, error) {
	return Decision{Remaining: math.MaxInt64}, nil
}
