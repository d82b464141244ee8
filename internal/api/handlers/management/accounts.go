package management

import (
	"sort"

	"github.com/gin-gonic/gin"
)

// ListAccounts reports every pooled account with its availability, reset
// boundary and rolling totals. Tokens never appear in the output.
func (h *Handler) ListAccounts(c *gin.Context) {
	snapshot := h.ledger.Snapshot()

	out := make([]AccountStatus, 0, h.pool.Size())
	for _, acct := range h.pool.Accounts() {
		status := AccountStatus{
			ID:       acct.ID,
			Name:     acct.Name,
			PlanType: acct.PlanType,
		}
		if summary, ok := snapshot[acct.ID]; ok {
			status.Availability = string(summary.Availability)
			if !summary.ResetAt.IsZero() {
				resetAt := summary.ResetAt
				status.ResetAt = &resetAt
			}
			status.Requests = summary.Totals.Requests
			status.TotalTokens = summary.Totals.TotalTokens
			status.Cost = summary.Totals.Cost
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	respondOK(c, out)
}

// PauseAccount takes an account out of rotation until resumed.
func (h *Handler) PauseAccount(c *gin.Context) {
	id := c.Param("id")
	if h.pool.ByID(id) == nil {
		respondNotFound(c, "unknown account: "+id)
		return
	}
	h.ledger.MarkDisabled(id)
	respondOK(c, gin.H{"id": id, "availability": "disabled"})
}

// ResumeAccount returns a paused account to rotation.
func (h *Handler) ResumeAccount(c *gin.Context) {
	id := c.Param("id")
	if h.pool.ByID(id) == nil {
		respondNotFound(c, "unknown account: "+id)
		return
	}
	h.ledger.MarkHealthy(id)
	respondOK(c, gin.H{"id": id, "availability": "healthy"})
}
