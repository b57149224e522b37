package pools

import (
	"context"
	"testing"

	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/store"
)

type fakeBalanceQuerier struct {
	balances map[string]bignum.Amount
	err      error
}

func (f *fakeBalanceQuerier) Balance(ctx context.Context, ledgerID, address string) (bignum.Amount, error) {
	if f.err != nil {
		return bignum.Amount{}, f.err
	}
	return f.balances[ledgerID+":"+address], nil
}

func newReconcileStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st.DB())
}

func TestReconcileMatchesWhenLedgerBalanceEqualsImpliedReserves(t *testing.T) {
	s := newReconcileStore(t)
	if _, err := s.Create(1, 2, 30, 10, bignum.FromUint64(1000), bignum.FromUint64(4000), 100, 1, 1); err != nil {
		t.Fatal(err)
	}

	bq := &fakeBalanceQuerier{balances: map[string]bignum.Amount{
		"ledger-1:system": bignum.FromUint64(1000),
		"ledger-2:system": bignum.FromUint64(4000),
	}}
	ledgerIDOf := func(tokenID uint64) (string, string, bool) {
		return "ledger-" + itoaForTest(tokenID), "system", true
	}
	owedElsewhere := func(tokenID uint64) bignum.Amount { return bignum.Zero() }

	drifts, err := Reconcile(context.Background(), s, bq, ledgerIDOf, owedElsewhere)
	if err != nil {
		t.Fatal(err)
	}
	if len(drifts) != 2 {
		t.Fatalf("got %d drifts, want 2", len(drifts))
	}
	for _, d := range drifts {
		if !d.Matches {
			t.Fatalf("got drift %+v, want Matches true", d)
		}
	}
}

func TestReconcileSubtractsOwedElsewhereBeforeComparing(t *testing.T) {
	s := newReconcileStore(t)
	if _, err := s.Create(1, 2, 30, 10, bignum.FromUint64(1000), bignum.FromUint64(4000), 100, 1, 1); err != nil {
		t.Fatal(err)
	}

	bq := &fakeBalanceQuerier{balances: map[string]bignum.Amount{
		"ledger-1:system": bignum.FromUint64(1500),
		"ledger-2:system": bignum.FromUint64(4000),
	}}
	ledgerIDOf := func(tokenID uint64) (string, string, bool) {
		return "ledger-" + itoaForTest(tokenID), "system", true
	}
	owedElsewhere := func(tokenID uint64) bignum.Amount {
		if tokenID == 1 {
			return bignum.FromUint64(500)
		}
		return bignum.Zero()
	}

	drifts, err := Reconcile(context.Background(), s, bq, ledgerIDOf, owedElsewhere)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range drifts {
		if d.TokenID == 1 && !d.Matches {
			t.Fatalf("got drift %+v, want the owed-elsewhere deduction to reconcile to a match", d)
		}
	}
}

func TestReconcileSkipsTokensWithoutALedgerMapping(t *testing.T) {
	s := newReconcileStore(t)
	if _, err := s.Create(1, 2, 30, 10, bignum.FromUint64(1000), bignum.FromUint64(4000), 100, 1, 1); err != nil {
		t.Fatal(err)
	}

	bq := &fakeBalanceQuerier{balances: map[string]bignum.Amount{}}
	ledgerIDOf := func(tokenID uint64) (string, string, bool) { return "", "", false }
	owedElsewhere := func(tokenID uint64) bignum.Amount { return bignum.Zero() }

	drifts, err := Reconcile(context.Background(), s, bq, ledgerIDOf, owedElsewhere)
	if err != nil {
		t.Fatal(err)
	}
	if len(drifts) != 0 {
		t.Fatalf("got %d drifts, want 0 when no token resolves a ledger mapping", len(drifts))
	}
}

func itoaForTest(u uint64) string {
	if u == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}
