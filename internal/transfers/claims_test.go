package transfers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/ledger"
	"github.com/kongswap/kong-backend/internal/store"
)

func newTestClaims(t *testing.T) *Claims {
	t.Helper()
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return NewClaims(st.DB())
}

type stubPusher struct {
	ref ledger.TxRef
	err error
}

func (p stubPusher) Push(ctx context.Context, ledgerID, to string, amount uint64) (ledger.TxRef, error) {
	return p.ref, p.err
}

func TestAttemptSuccessMarksClaimed(t *testing.T) {
	c := newTestClaims(t)
	now := time.Now()
	cl, err := c.Create(1, 10, 9, bignum.FromUint64(100), "addr", nil, false, now)
	if err != nil {
		t.Fatal(err)
	}
	var sent []uint64
	recordSend := func(requestID, transferID, tokenID uint64, amount bignum.Amount, ref ledger.TxRef, ts time.Time) error {
		sent = append(sent, transferID)
		return nil
	}
	res := c.Attempt(context.Background(), cl.ID, "icp", 100, 1000, stubPusher{ref: ledger.BlockIndexRef(5)}, recordSend, now)
	if !res.Succeeded {
		t.Fatalf("expected success, got %+v", res)
	}
	got, err := c.Get(cl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ClaimClaimed {
		t.Fatalf("got status %v, want Claimed", got.Status)
	}
	if len(got.Transfers) != 1 || got.Transfers[0] != 1000 {
		t.Fatalf("got transfers %v", got.Transfers)
	}
	if len(sent) != 1 {
		t.Fatalf("expected recordSend called once, got %d", len(sent))
	}
}

func TestAttemptFailureRevertsToUnclaimed(t *testing.T) {
	c := newTestClaims(t)
	now := time.Now()
	cl, err := c.Create(1, 10, 9, bignum.FromUint64(100), "addr", nil, false, now)
	if err != nil {
		t.Fatal(err)
	}
	recordSend := func(requestID, transferID, tokenID uint64, amount bignum.Amount, ref ledger.TxRef, ts time.Time) error {
		return nil
	}
	res := c.Attempt(context.Background(), cl.ID, "icp", 100, 1000, stubPusher{err: errors.New("boom")}, recordSend, now)
	if res.Succeeded {
		t.Fatal("expected failure")
	}
	got, err := c.Get(cl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ClaimUnclaimed {
		t.Fatalf("got status %v, want Unclaimed", got.Status)
	}
	if len(got.Attempts) != 1 {
		t.Fatalf("got attempts %v, want 1 entry", got.Attempts)
	}
}

func TestAttemptExceedingMaxAttemptsBecomesTooManyAttempts(t *testing.T) {
	c := newTestClaims(t)
	now := time.Now()
	cl, err := c.Create(1, 10, 9, bignum.FromUint64(100), "addr", nil, false, now)
	if err != nil {
		t.Fatal(err)
	}
	recordSend := func(requestID, transferID, tokenID uint64, amount bignum.Amount, ref ledger.TxRef, ts time.Time) error {
		return nil
	}
	for i := 0; i < MaxAttempts+1; i++ {
		c.Attempt(context.Background(), cl.ID, "icp", uint64(100+i), uint64(1000+i), stubPusher{err: errors.New("boom")}, recordSend, now)
	}
	got, err := c.Get(cl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ClaimTooManyAttempts {
		t.Fatalf("got status %v, want TooManyAttempts after %d attempts", got.Status, len(got.Attempts))
	}
}

func TestSweepEligibleSkipsCooldownAndNonRetriable(t *testing.T) {
	c := newTestClaims(t)
	now := time.Now()
	retriable, err := c.Create(1, 10, 9, bignum.FromUint64(100), "addr", nil, false, now)
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := c.Create(2, 10, 9, bignum.FromUint64(100), "addr", nil, false, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.setStatus(claimed.ID, ClaimClaimed); err != nil {
		t.Fatal(err)
	}

	cooling, err := c.Create(3, 10, 9, bignum.FromUint64(100), "addr", nil, false, now)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i <= CooldownAfter; i++ {
		if err := c.appendAttempt(cooling.ID, uint64(200+i), now); err != nil {
			t.Fatal(err)
		}
	}

	eligible, err := c.SweepEligible(now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	ids := map[uint64]bool{}
	for _, cl := range eligible {
		ids[cl.ID] = true
	}
	if !ids[retriable.ID] {
		t.Fatalf("expected retriable claim %d to be eligible, got %v", retriable.ID, ids)
	}
	if ids[claimed.ID] {
		t.Fatal("expected Claimed claim to be excluded")
	}
	if ids[cooling.ID] {
		t.Fatal("expected claim within cooldown to be excluded")
	}
}

func TestOutstandingByTokenSumsOpenClaimsOnly(t *testing.T) {
	c := newTestClaims(t)
	now := time.Now()
	if _, err := c.Create(1, 10, 9, bignum.FromUint64(100), "addr", nil, false, now); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create(2, 11, 9, bignum.FromUint64(250), "addr", nil, true, now); err != nil {
		t.Fatal(err)
	}
	settled, err := c.Create(3, 12, 9, bignum.FromUint64(400), "addr", nil, false, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.setStatus(settled.ID, ClaimClaimed); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create(4, 13, 8, bignum.FromUint64(999), "addr", nil, false, now); err != nil {
		t.Fatal(err)
	}

	total, err := c.OutstandingByToken(9)
	if err != nil {
		t.Fatal(err)
	}
	if total.Cmp(bignum.FromUint64(350)) != 0 {
		t.Fatalf("got %s, want 350 (open claims for token 9 only)", total)
	}
}

func TestMaxIDReflectsHighestClaimID(t *testing.T) {
	c := newTestClaims(t)
	now := time.Now()
	if _, err := c.Create(7, 10, 9, bignum.FromUint64(100), "addr", nil, false, now); err != nil {
		t.Fatal(err)
	}
	max, err := c.MaxID()
	if err != nil {
		t.Fatal(err)
	}
	if max != 7 {
		t.Fatalf("got %d, want 7", max)
	}
}
