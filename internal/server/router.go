package server

import (
	"net/http"
	"time"

	"usage-ingest/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter
//
// 엔드포인트:
//   - POST /          : 리포트 수집 (target 은 레코드/리포트에 포함)
//   - POST /{target}  : 리포트 수집 (target 기본값을 path 로 지정)
//   - GET  /_health   : liveness
//   - GET  /_readiness: broker 연결 확인
//   - GET  /metrics   : Prometheus
func NewRouter(h *Handler, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/_health", h.HandleHealth)
	r.Get("/_readiness", h.HandleReadiness)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requestDuration(m))
		r.Post("/", h.HandleReport)
		r.Post("/{target}", h.HandleReport)
	})

	return r
}

// requestDuration 은 수집 요청 전체 처리 시간을 기록한다 (body 읽기 포함).
func requestDuration(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			m.HTTPRequestDuration.Observe(time.Since(start).Seconds())
		})
	}
}
