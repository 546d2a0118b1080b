package models

import (
	"time"

	"github.com/vendor-desk/internal/types"
)

// CooldownReason records why a quota cooldown was started
type CooldownReason string

const (
	CooldownReasonQuota CooldownReason = "quota"
)

// QuotaCooldown is the persisted "do not call the reporting API until T"
// record for a marketplace. It is set only in response to a rate-limit signal
// from the upstream API and clears itself by expiry; there is no explicit
// clear operation.
type QuotaCooldown struct {
	Marketplace types.MarketplaceID `json:"marketplace"`
	UntilUTC    time.Time           `json:"untilUtc"`
	Reason      CooldownReason      `json:"reason"`
}

// Active reports whether the cooldown is still in effect at now
func (c *QuotaCooldown) Active(now time.Time) bool {
	return c != nil && c.UntilUTC.After(now)
}
