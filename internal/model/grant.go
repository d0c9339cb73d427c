// internal/model/grant.go
package model

import (
	"slices"
	"time"
)

// AccessGrant 는 access token 을 검증한 결과.
// ExpiresAt 이 지난 grant 는 절대 재사용하지 않는다.
type AccessGrant struct {
	OrganizationID string
	TargetIDs      []string
	ExpiresAt      time.Time
}

func (g AccessGrant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

// Allows 는 grant 가 target 에 쓰기 권한을 갖는지 확인한다.
func (g AccessGrant) Allows(targetID string) bool {
	return slices.Contains(g.TargetIDs, targetID)
}
