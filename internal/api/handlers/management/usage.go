package management

import (
	"time"

	"github.com/gin-gonic/gin"

	log "github.com/nghyane/codex-mux/internal/logging"
)

// GetUsageStatistics reports per-account and fleet-wide usage. The live
// ledger counters are authoritative for the current process; when a
// persistence backend is configured its totals are preferred because they
// survive restarts.
func (h *Handler) GetUsageStatistics(c *gin.Context) {
	response := UsageStatsResponse{
		ByAccount: make(map[string]UsageAccountStats),
	}

	totalsByAccount := make(map[string]accountTotals)
	for id, summary := range h.ledger.Snapshot() {
		totalsByAccount[id] = accountTotals{
			requests: summary.Totals.Requests,
			prompt:   summary.Totals.PromptTokens,
			output:   summary.Totals.CompletionTokens,
			total:    summary.Totals.TotalTokens,
			cost:     summary.Totals.Cost,
		}
	}

	if h.repo != nil {
		since := time.Now().AddDate(0, 0, -30)
		if daily, err := h.repo.Daily(c.Request.Context(), since); err != nil {
			log.Warnf("usage: failed to query daily usage: %v", err)
		} else {
			response.ByDay = daily
		}

		persisted, err := h.repo.AllTotals(c.Request.Context())
		if err != nil {
			log.Warnf("usage: failed to query persisted totals: %v", err)
		} else {
			response.Persisted = true
			for id, t := range persisted {
				totalsByAccount[id] = accountTotals{
					requests: t.Requests,
					prompt:   t.PromptTokens,
					output:   t.CompletionTokens,
					total:    t.TotalTokens,
					cost:     t.Cost,
				}
			}
		}
	}

	for id, t := range totalsByAccount {
		stats := UsageAccountStats{
			Requests: t.requests,
			Tokens:   TokenSummary{Total: t.total, Prompt: t.prompt, Output: t.output},
			Cost:     t.cost,
		}
		if acct := h.pool.ByID(id); acct != nil {
			stats.Name = acct.Name
		}
		response.ByAccount[id] = stats

		response.Summary.TotalRequests += t.requests
		response.Summary.Tokens.Total += t.total
		response.Summary.Tokens.Prompt += t.prompt
		response.Summary.Tokens.Output += t.output
		response.Summary.Cost += t.cost
	}

	respondOK(c, response)
}

type accountTotals struct {
	requests int64
	prompt   int64
	output   int64
	total    int64
	cost     float64
}
