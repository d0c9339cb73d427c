package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ------------------------------------------------------------
// 거절 로그에 남길 클라이언트 IP.
//
// ingest 서버는 LB 뒤에 배치되므로 RemoteAddr 는 보통 LB 주소다.
// 프록시 헤더에서 첫 번째 public IP 를 찾고, 없으면 RemoteAddr 를 쓴다.
// 인증/quota 판단에는 쓰지 않는다 (헤더는 위조 가능).
// ------------------------------------------------------------

// publicAddr 는 s 가 private / loopback / link-local 이 아닌 IP 이면 반환한다.
func publicAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return netip.Addr{}, false
	}
	return addr, true
}

// clientIP
//
// 우선순위:
//  1. X-Forwarded-For → 첫 번째 public IP
//  2. X-Real-IP
//  3. RemoteAddr (private 이어도 그대로 사용)
func clientIP(r *http.Request) string {
	// 예: "203.0.113.1, 10.0.1.24"
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if addr, ok := publicAddr(part); ok {
				return addr.String()
			}
		}
	}

	if real := r.Header.Get("X-Real-IP"); real != "" {
		if addr, ok := publicAddr(real); ok {
			return addr.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
