// Package session keeps a pool of crawl identities (cookies plus a pinned
// proxy) and retires them when they look burned.
package session

import (
	"net/http"
	"time"
)

// Session is one crawl identity.
type Session struct {
	ID            string         `json:"id"`
	CookieJar     http.CookieJar `json:"-"`
	ProxyURL      string         `json:"proxy_url,omitempty"`
	UsageCount    int            `json:"usage_count"`
	MaxUsageCount int            `json:"max_usage_count"`
	ErrorScore    float64        `json:"error_score"`
	MaxErrorScore float64        `json:"max_error_score"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	LastUsedAt    time.Time      `json:"last_used_at,omitzero"`

	borrowed bool
}

// Usable reports whether the session may be handed out again at now.
func (s *Session) Usable(now time.Time) bool {
	return s.retireReason(now) == ""
}

func (s *Session) retireReason(now time.Time) string {
	switch {
	case s.ErrorScore >= s.MaxErrorScore:
		return "error_score"
	case s.UsageCount >= s.MaxUsageCount:
		return "max_usage"
	case !now.Before(s.ExpiresAt):
		return "expired"
	default:
		return ""
	}
}
