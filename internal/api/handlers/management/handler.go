package management

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nghyane/codex-mux/internal/account"
	"github.com/nghyane/codex-mux/internal/ledger"
)

// Handler serves the management API from the live ledger and pool plus the
// optional persistence backend.
type Handler struct {
	ledger *ledger.Ledger
	pool   *account.Pool
	repo   ledger.Repository
}

// NewHandler builds the management handler. repo may be nil when usage
// persistence is disabled.
func NewHandler(ldg *ledger.Ledger, pool *account.Pool, repo ledger.Repository) *Handler {
	return &Handler{ledger: ldg, pool: pool, repo: repo}
}

// AuthMiddleware gates the management routes behind the configured API
// keys. With no keys configured the routes stay open, which only makes
// sense for local deployments.
func AuthMiddleware(keys func() []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		configured := keys()
		if len(configured) == 0 {
			c.Next()
			return
		}
		presented := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if presented == "" {
			presented = c.GetHeader("X-Management-Key")
		}
		for _, key := range configured {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
				c.Next()
				return
			}
		}
		respondUnauthorized(c, "invalid management key")
		c.Abort()
	}
}
