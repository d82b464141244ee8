package account

import (
	"testing"
	"time"

	"github.com/nghyane/codex-mux/internal/ledger"
)

func newTestPool(ids ...string) (*Pool, *ledger.Ledger) {
	ldg := ledger.New(time.Hour, ledger.Pricing{})
	accounts := make([]*Account, 0, len(ids))
	for _, id := range ids {
		ldg.Register(id, ledger.Healthy)
		accounts = append(accounts, &Account{ID: id, Name: id})
	}
	return NewPool(accounts, ldg), ldg
}

func TestSelectSpreadsAcrossPool(t *testing.T) {
	pool, _ := newTestPool("a", "b", "c")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	pool.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	var order []string
	for i := 0; i < 6; i++ {
		acct, err := pool.Select(nil)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		order = append(order, acct.ID)
	}

	// Least-recently-selected rotation visits every account before
	// repeating one.
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("selection order = %v, want %v", order, want)
		}
	}
}

func TestSelectSkipsExcludedAndUnhealthy(t *testing.T) {
	pool, ldg := newTestPool("a", "b", "c")
	ldg.MarkDisabled("b")

	acct, err := pool.Select(map[string]struct{}{"a": {}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if acct.ID != "c" {
		t.Fatalf("selected %s, want c", acct.ID)
	}
}

func TestSelectNoneAvailable(t *testing.T) {
	pool, ldg := newTestPool("a", "b")
	ldg.MarkRateLimited("a", nil)

	if _, err := pool.Select(map[string]struct{}{"b": {}}); err != ErrNoneAvailable {
		t.Fatalf("err = %v, want ErrNoneAvailable", err)
	}
}

func TestByID(t *testing.T) {
	pool, _ := newTestPool("a")
	if pool.ByID("a") == nil {
		t.Fatal("ByID(a) = nil")
	}
	if pool.ByID("missing") != nil {
		t.Fatal("ByID(missing) != nil")
	}
}
