// Package ledger owns per-account quota and usage state: availability,
// rate-limit reset boundaries, and rolling usage aggregates. All transitions
// are atomic per account.
package ledger

import (
	"context"
	"sync"
	"time"

	log "github.com/nghyane/codex-mux/internal/logging"
)

// Availability is the closed set of account availability states.
type Availability string

const (
	Healthy     Availability = "healthy"
	RateLimited Availability = "rate_limited"
	Disabled    Availability = "disabled"
)

// UsageRecord is one completed (or partially completed) stream.
type UsageRecord struct {
	AccountID        string    `json:"account_id"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
	Status           string    `json:"status"`
	RequestedAt      time.Time `json:"requested_at"`
}

// Totals are the rolling aggregates for one account. The zero value means
// zero consumed capacity; an account with no usage rows reports exactly this,
// never a sentinel.
type Totals struct {
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

type accountState struct {
	mu           sync.Mutex
	availability Availability
	resetAt      time.Time
	lastLimitAt  time.Time
	totals       Totals
}

// Ledger tracks availability and usage for the account pool. Persistence is
// delegated to an optional Recorder; the in-memory aggregates are always the
// source of truth for selection decisions.
type Ledger struct {
	window   time.Duration
	pricing  Pricing
	recorder *Recorder

	mu       sync.RWMutex
	accounts map[string]*accountState

	now func() time.Time
}

// New creates a ledger. window is the quota reset window applied when the
// upstream reports a rate limit without an explicit reset boundary.
func New(window time.Duration, pricing Pricing) *Ledger {
	return &Ledger{
		window:   window,
		pricing:  pricing,
		accounts: make(map[string]*accountState),
		now:      time.Now,
	}
}

// SetRecorder attaches the async persistence recorder.
func (l *Ledger) SetRecorder(r *Recorder) { l.recorder = r }

// Register adds an account in the given initial state. Registering an
// existing id only updates its availability.
func (l *Ledger) Register(accountID string, initial Availability) {
	state := l.state(accountID)
	state.mu.Lock()
	state.availability = initial
	state.mu.Unlock()
}

func (l *Ledger) state(accountID string) *accountState {
	l.mu.RLock()
	state, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if ok {
		return state
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok = l.accounts[accountID]; ok {
		return state
	}
	state = &accountState{availability: Healthy}
	l.accounts[accountID] = state
	return state
}

// Reserve is a best-effort pre-check, not a lock: it reports whether the
// account is currently usable.
func (l *Ledger) Reserve(accountID string) bool {
	return l.Availability(accountID) == Healthy
}

// Availability returns the account's current state. A rate_limited account
// flips back to healthy only strictly after its reset boundary; it is never
// cleared early just because a later request might succeed.
func (l *Ledger) Availability(accountID string) Availability {
	state := l.state(accountID)
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.availability == RateLimited && !state.resetAt.IsZero() && l.now().After(state.resetAt) {
		state.availability = Healthy
		state.resetAt = time.Time{}
	}
	return state.availability
}

// ResetBoundary returns the pending rate-limit reset time, or the zero time.
func (l *Ledger) ResetBoundary(accountID string) time.Time {
	state := l.state(accountID)
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.resetAt
}

// MarkRateLimited records a rate limit for the account. When the upstream
// supplied no reset boundary, the boundary is computed from the configured
// quota window anchored at the limit event.
func (l *Ledger) MarkRateLimited(accountID string, resetAt *time.Time) {
	state := l.state(accountID)
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.availability == Disabled {
		return
	}
	now := l.now()
	state.availability = RateLimited
	state.lastLimitAt = now
	if resetAt != nil && resetAt.After(now) {
		state.resetAt = *resetAt
	} else {
		state.resetAt = now.Add(l.window)
	}
	log.Debugf("account %s rate limited until %s", accountID, state.resetAt.Format(time.RFC3339))
}

// MarkDisabled takes the account out of rotation until MarkHealthy.
func (l *Ledger) MarkDisabled(accountID string) {
	state := l.state(accountID)
	state.mu.Lock()
	state.availability = Disabled
	state.resetAt = time.Time{}
	state.mu.Unlock()
}

// MarkHealthy returns the account to rotation.
func (l *Ledger) MarkHealthy(accountID string) {
	state := l.state(accountID)
	state.mu.Lock()
	state.availability = Healthy
	state.resetAt = time.Time{}
	state.mu.Unlock()
}

// RecordUsage validates the payload, prices it, and applies the primary
// counters and derived cost aggregate in one atomic update. The persistent
// write happens asynchronously; its failure never surfaces to the caller.
func (l *Ledger) RecordUsage(ctx context.Context, rec UsageRecord) error {
	if err := ValidateTokens(rec.PromptTokens, rec.CompletionTokens); err != nil {
		return err
	}
	if rec.RequestedAt.IsZero() {
		rec.RequestedAt = l.now()
	}
	rec.Cost = l.pricing.Cost(rec.PromptTokens, rec.CompletionTokens)

	state := l.state(rec.AccountID)
	state.mu.Lock()
	state.totals.Requests++
	state.totals.PromptTokens += rec.PromptTokens
	state.totals.CompletionTokens += rec.CompletionTokens
	state.totals.TotalTokens += rec.PromptTokens + rec.CompletionTokens
	state.totals.Cost += rec.Cost
	state.mu.Unlock()

	if l.recorder != nil {
		l.recorder.Enqueue(rec)
	}
	return nil
}

// Totals returns the account's rolling aggregates. Cached counters read back
// below zero are sanitized to zero before use; an unknown account reports
// zero consumed capacity.
func (l *Ledger) Totals(accountID string) Totals {
	l.mu.RLock()
	state, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if !ok {
		return Totals{}
	}
	state.mu.Lock()
	t := state.totals
	state.mu.Unlock()
	return sanitizeTotals(t)
}

func sanitizeTotals(t Totals) Totals {
	t.Requests = ClampCached(t.Requests)
	t.PromptTokens = ClampCached(t.PromptTokens)
	t.CompletionTokens = ClampCached(t.CompletionTokens)
	t.TotalTokens = ClampCached(t.TotalTokens)
	if t.Cost < 0 {
		t.Cost = 0
	}
	return t
}

// Snapshot returns availability and totals for every known account.
func (l *Ledger) Snapshot() map[string]AccountSummary {
	l.mu.RLock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	out := make(map[string]AccountSummary, len(ids))
	for _, id := range ids {
		out[id] = AccountSummary{
			Availability: l.Availability(id),
			ResetAt:      l.ResetBoundary(id),
			Totals:       l.Totals(id),
		}
	}
	return out
}

// AccountSummary is one row of Snapshot.
type AccountSummary struct {
	Availability Availability `json:"availability"`
	ResetAt      time.Time    `json:"reset_at"`
	Totals       Totals       `json:"totals"`
}
