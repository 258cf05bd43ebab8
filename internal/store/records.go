package store

import "time"

// TokenState is the access token state persisted on a session row.
type TokenState string

const (
	TokenValid   TokenState = "VALID"
	TokenInvalid TokenState = "INVALID"
)

// Session mirrors a user_session row. Only the session store mutates
// TokenState; readers compare AccessTokenExpiresAt against the clock.
type Session struct {
	ID                    string
	IdentityRef           string
	TokenState            TokenState
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// SubscriptionItem is one billed line of a subscription.
type SubscriptionItem struct {
	PriceTierName string
}

// Subscription is the active billing record of a caller.
type Subscription struct {
	ID                  string
	CallerID            string
	Items               []SubscriptionItem
	CurrentPeriodEndsAt time.Time
}

// PriceTier returns the first item's price tier name, which decides the tier.
func (s *Subscription) PriceTier() string {
	if s == nil || len(s.Items) == 0 {
		return ""
	}
	return s.Items[0].PriceTierName
}

// PriceTiers lists every item's price tier name in order.
func (s *Subscription) PriceTiers() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Items))
	for _, item := range s.Items {
		out = append(out, item.PriceTierName)
	}
	return out
}

// Usage maps quota field names to the number of calls counted so far.
type Usage map[string]int64

// Count returns the counter for field, zero when it was never recorded.
func (u Usage) Count(field string) int64 {
	if u == nil {
		return 0
	}
	return u[field]
}

func (u Usage) clone() Usage {
	out := make(Usage, len(u))
	for k, v := range u {
		out[k] = v
	}
	return out
}

func initialUsage(field string) Usage {
	u := Usage{}
	if field != "" {
		u[field] = 1
	}
	return u
}
