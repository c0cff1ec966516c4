package domain

import (
	"fmt"
	"time"
)

// QuotaMode tells whose bookkeeping a quota decision came from.
type QuotaMode int

const (
	QuotaAnonymous QuotaMode = iota
	QuotaAuthenticated
)

func (m QuotaMode) String() string {
	if m == QuotaAuthenticated {
		return "authenticated"
	}
	return "anonymous"
}

// DrawQuota is the current allowance of one user.
type DrawQuota struct {
	Remaining int
	ResetAt   time.Time // zero when unknown
	Mode      QuotaMode
}

// QuotaDecision is the answer to "may this user draw now".
type QuotaDecision struct {
	DrawQuota
	Allowed bool
	// Cooldown is the time left until ResetAt, zero when allowed.
	Cooldown time.Duration
	// FailedOpen is set when the check itself failed and the draw was
	// allowed anyway.
	FailedOpen bool
}

// CooldownText renders the cooldown as "Xh Ym".
func (d QuotaDecision) CooldownText() string {
	return FormatCooldown(d.Cooldown)
}

// FormatCooldown renders d as "Xh Ym", truncating to whole minutes.
func FormatCooldown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh %dm", h, m)
}
