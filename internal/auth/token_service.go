package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"usage-ingest/internal/model"

	json "github.com/goccy/go-json"
)

// TokenService 는 외부 토큰 서비스 호출 경계.
//
//   - 유효한 토큰      → AccessGrant
//   - 무효/만료 토큰   → *model.AuthError
//   - 서비스 장애      → model.ErrTokenServiceUnavailable 로 wrap 된 에러
type TokenService interface {
	Validate(ctx context.Context, token string) (model.AccessGrant, error)
}

// HTTPTokenService
// ------------------------------------------------------------
// POST {baseURL}/v1/tokens/validate
//
//	요청: {"token":"..."}
//	응답: {"valid":true,"reason":"","organizationId":"o1","targetIds":["t1"],"expiresAt":"2026-01-01T00:00:00Z"}
//
// 2xx 이외의 응답은 모두 "서비스 불가" 로 취급한다.
type HTTPTokenService struct {
	baseURL    string
	httpClient *http.Client
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Valid          bool       `json:"valid"`
	Reason         string     `json:"reason,omitempty"`
	OrganizationID string     `json:"organizationId"`
	TargetIDs      []string   `json:"targetIds"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

func NewHTTPTokenService(baseURL string, timeout time.Duration) *HTTPTokenService {
	return &HTTPTokenService{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *HTTPTokenService) Validate(ctx context.Context, token string) (model.AccessGrant, error) {
	body, err := json.Marshal(validateRequest{Token: token})
	if err != nil {
		return model.AccessGrant{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/tokens/validate", bytes.NewReader(body))
	if err != nil {
		return model.AccessGrant{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return model.AccessGrant{}, fmt.Errorf("%w: %v", model.ErrTokenServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return model.AccessGrant{}, fmt.Errorf("%w: status %d", model.ErrTokenServiceUnavailable, resp.StatusCode)
	}

	var out validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.AccessGrant{}, fmt.Errorf("%w: decode response: %v", model.ErrTokenServiceUnavailable, err)
	}

	if !out.Valid {
		if out.Reason == "expired" {
			return model.AccessGrant{}, &model.AuthError{Reason: model.AuthExpiredToken}
		}
		return model.AccessGrant{}, &model.AuthError{Reason: model.AuthInvalidToken}
	}

	grant := model.AccessGrant{
		OrganizationID: out.OrganizationID,
		TargetIDs:      out.TargetIDs,
	}
	if out.ExpiresAt != nil {
		grant.ExpiresAt = *out.ExpiresAt
	}
	return grant, nil
}
