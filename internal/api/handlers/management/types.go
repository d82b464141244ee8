package management

import (
	"time"

	"github.com/nghyane/codex-mux/internal/ledger"
)

// TokenSummary aggregates token counts.
type TokenSummary struct {
	Total  int64 `json:"total"`
	Prompt int64 `json:"prompt"`
	Output int64 `json:"output"`
}

// UsageSummary is the fleet-wide rollup.
type UsageSummary struct {
	TotalRequests int64        `json:"total-requests"`
	Tokens        TokenSummary `json:"tokens"`
	Cost          float64      `json:"cost"`
}

// UsageAccountStats is per-account usage within the stats response.
type UsageAccountStats struct {
	Name     string       `json:"name,omitempty"`
	Requests int64        `json:"requests"`
	Tokens   TokenSummary `json:"tokens"`
	Cost     float64      `json:"cost"`
}

// UsageStatsResponse is the payload for GET /v1/management/usage. ByDay is
// only present with a persistence backend; the live ledger keeps no history.
type UsageStatsResponse struct {
	Summary   UsageSummary                 `json:"summary"`
	ByAccount map[string]UsageAccountStats `json:"by-account,omitempty"`
	ByDay     []ledger.DailyStat           `json:"by-day,omitempty"`
	Persisted bool                         `json:"persisted"`
}

// AccountStatus is one row of GET /v1/management/accounts.
type AccountStatus struct {
	ID           string     `json:"id"`
	Name         string     `json:"name,omitempty"`
	PlanType     string     `json:"plan-type,omitempty"`
	Availability string     `json:"availability"`
	ResetAt      *time.Time `json:"reset-at,omitempty"`
	Requests     int64      `json:"requests"`
	TotalTokens  int64      `json:"total-tokens"`
	Cost         float64    `json:"cost"`
}
