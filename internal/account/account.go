// Package account holds the upstream account pool. Accounts are provisioned
// externally; the pool only selects among them and tracks selection recency.
package account

import (
	"time"

	"golang.org/x/oauth2"

	"github.com/nghyane/codex-mux/internal/config"
	"github.com/nghyane/codex-mux/internal/ledger"
)

// Account is one upstream credential/quota unit. The credential is an opaque
// handle; the pool never derives or refreshes tokens itself.
type Account struct {
	ID       string
	Name     string
	PlanType string
	AddedAt  time.Time

	// Credential yields the current bearer token for the account. An
	// auth_expired classification signals the provider behind this source
	// to rotate out-of-band; the pool just stops offering the account.
	Credential oauth2.TokenSource
}

// Token returns the current bearer token value.
func (a *Account) Token() (string, error) {
	tok, err := a.Credential.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// FromSeeds builds accounts from a roster and registers them with the
// ledger. Disabled seeds register as disabled so operators can stage
// accounts before putting them in rotation.
func FromSeeds(seeds []config.AccountSeed, ldg *ledger.Ledger) []*Account {
	now := time.Now()
	accounts := make([]*Account, 0, len(seeds))
	for _, seed := range seeds {
		acct := &Account{
			ID:         seed.ID,
			Name:       seed.Name,
			PlanType:   seed.PlanType,
			AddedAt:    now,
			Credential: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: seed.Token}),
		}
		initial := ledger.Healthy
		if seed.Disabled {
			initial = ledger.Disabled
		}
		ldg.Register(seed.ID, initial)
		accounts = append(accounts, acct)
	}
	return accounts
}
