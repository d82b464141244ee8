package account

import (
	"errors"
	"sync"
	"time"

	"github.com/nghyane/codex-mux/internal/ledger"
)

// ErrNoneAvailable means no healthy account remains outside the exclusion
// set. The proxy surfaces this as no_accounts instead of retrying further.
var ErrNoneAvailable = errors.New("no healthy account available")

type entry struct {
	account      *Account
	lastSelected time.Time
}

// Pool ranks accounts for selection. Selection reads ledger availability but
// never mutates ledger state.
type Pool struct {
	ledger *ledger.Ledger

	mu      sync.Mutex
	entries []*entry
	byID    map[string]*entry

	now func() time.Time
}

// NewPool builds a pool over the given accounts.
func NewPool(accounts []*Account, ldg *ledger.Ledger) *Pool {
	p := &Pool{
		ledger: ldg,
		byID:   make(map[string]*entry, len(accounts)),
		now:    time.Now,
	}
	for _, acct := range accounts {
		e := &entry{account: acct}
		p.entries = append(p.entries, e)
		p.byID[acct.ID] = e
	}
	return p
}

// Select returns a healthy account outside excluding, preferring the one
// selected least recently so load spreads across the pool. The winner's
// last-selected timestamp is updated under the same lock, so two concurrent
// selections cannot both pick the same "oldest" entry.
func (p *Pool) Select(excluding map[string]struct{}) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *entry
	for _, e := range p.entries {
		if _, skip := excluding[e.account.ID]; skip {
			continue
		}
		if !p.ledger.Reserve(e.account.ID) {
			continue
		}
		if best == nil || e.lastSelected.Before(best.lastSelected) {
			best = e
		}
	}
	if best == nil {
		return nil, ErrNoneAvailable
	}
	best.lastSelected = p.now()
	return best.account, nil
}

// ByID returns the account with the given id, or nil.
func (p *Pool) ByID(id string) *Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byID[id]; ok {
		return e.account
	}
	return nil
}

// Accounts returns a snapshot of the pool's accounts.
func (p *Pool) Accounts() []*Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Account, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.account)
	}
	return out
}

// Size returns the number of accounts in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
