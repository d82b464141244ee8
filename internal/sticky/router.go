package sticky

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/nghyane/codex-mux/internal/account"
	"github.com/nghyane/codex-mux/internal/ledger"
	log "github.com/nghyane/codex-mux/internal/logging"
)

// Router resolves a session key to an account, preferring an existing valid
// binding and falling back to pool selection.
type Router struct {
	store  Store
	pool   *account.Pool
	ledger *ledger.Ledger
	sf     singleflight.Group
}

// NewRouter builds a sticky router over the given store and pool.
func NewRouter(store Store, pool *account.Pool, ldg *ledger.Ledger) *Router {
	return &Router{store: store, pool: pool, ledger: ldg}
}

// Resolve returns the account for sessionKey. A valid binding to a healthy
// account is touched on every hit, so the TTL measures inactivity, not age.
// A binding to a non-healthy account is discarded, never retried. An empty
// session key skips affinity entirely.
func (r *Router) Resolve(ctx context.Context, sessionKey string) (*account.Account, error) {
	if sessionKey == "" {
		return r.pool.Select(nil)
	}

	if accountID, ok, err := r.store.Get(ctx, sessionKey); err != nil {
		log.WithError(err).Warn("sticky store read failed, selecting fresh")
	} else if ok {
		if acct := r.pool.ByID(accountID); acct != nil && r.ledger.Availability(accountID) == ledger.Healthy {
			if err := r.store.Touch(ctx, sessionKey); err != nil {
				log.WithError(err).Warn("sticky touch failed")
			}
			return acct, nil
		}
		// Bound account gone or unhealthy: drop the binding and fall
		// through to fresh selection.
		if err := r.store.Delete(ctx, sessionKey); err != nil {
			log.WithError(err).Warn("sticky delete failed")
		}
	}

	// Concurrent first requests for the same session converge on a single
	// selection instead of racing to create divergent bindings.
	v, err, _ := r.sf.Do(sessionKey, func() (any, error) {
		acct, err := r.pool.Select(nil)
		if err != nil {
			return nil, err
		}
		if err := r.store.Put(ctx, sessionKey, acct.ID); err != nil {
			log.WithError(err).Warn("sticky store write failed")
		}
		return acct, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*account.Account), nil
}

// Rebind points sessionKey at accountID, overwriting any prior binding.
// The proxy calls this after a retry lands a session on a different account.
func (r *Router) Rebind(ctx context.Context, sessionKey, accountID string) {
	if sessionKey == "" {
		return
	}
	if err := r.store.Put(ctx, sessionKey, accountID); err != nil {
		log.WithError(err).Warn("sticky rebind failed")
	}
}
