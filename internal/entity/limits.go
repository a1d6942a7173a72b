package entity

// Limits bundles the three per-window ceilings a quota-bearing entity may
// carry. A nil window means unlimited — no check is performed for it.
type Limits struct {
	Budget   BudgetLimits  `json:"budget"`
	Requests RequestLimits `json:"requests"`
	Tokens   TokenLimits   `json:"tokens"`
}

// BudgetLimits caps spend (USD) per window.
type BudgetLimits struct {
	PerMinute *float64 `json:"per_minute,omitempty"`
	PerHour   *float64 `json:"per_hour,omitempty"`
	PerDay    *float64 `json:"per_day,omitempty"`
	PerMonth  *float64 `json:"per_month,omitempty"`
}

// RequestLimits caps request counts per window.
type RequestLimits struct {
	PerMinute *int64 `json:"per_minute,omitempty"`
	PerHour   *int64 `json:"per_hour,omitempty"`
	PerDay    *int64 `json:"per_day,omitempty"`
	PerMonth  *int64 `json:"per_month,omitempty"`
}

// TokenLimits caps input+output token totals per window.
type TokenLimits struct {
	PerMinute *int64 `json:"per_minute,omitempty"`
	PerHour   *int64 `json:"per_hour,omitempty"`
	PerDay    *int64 `json:"per_day,omitempty"`
	PerMonth  *int64 `json:"per_month,omitempty"`
}
