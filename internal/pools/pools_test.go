package pools

import (
	"testing"

	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st.DB())
}

func amt(n uint64) bignum.Amount { return bignum.FromUint64(n) }

func TestCreateCanonicalizesOrderAndMintsSqrtLP(t *testing.T) {
	s := newTestStore(t)
	// token ids given in descending order; store must canonicalize.
	p, err := s.Create(7, 3, 30, 0, amt(1_000_000), amt(2_000_000), 100, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if p.Token0ID != 3 || p.Token1ID != 7 {
		t.Fatalf("expected canonical order (3,7), got (%d,%d)", p.Token0ID, p.Token1ID)
	}
	// tokenA=7 carried initialA=1_000_000 and tokenB=3 carried
	// initialB=2_000_000; canonicalizing to (3,7) swaps which amount
	// lines up with reserve_0 vs reserve_1.
	if p.Reserve0.Uint64() != 2_000_000 || p.Reserve1.Uint64() != 1_000_000 {
		t.Fatalf("got reserves (%s,%s)", p.Reserve0, p.Reserve1)
	}
	supply, err := s.LPTotalSupply(p.LPTokenID)
	if err != nil {
		t.Fatal(err)
	}
	wantLP := bignum.Sqrt(bignum.Mul(p.Reserve0, p.Reserve1))
	if supply.Uint64() != wantLP.Uint64() {
		t.Fatalf("got LP supply %s, want %s", supply, wantLP)
	}
}

func TestCreateRejectsDuplicatePair(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create(1, 2, 30, 0, amt(100), amt(100), 10, 1, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(2, 1, 30, 0, amt(100), amt(100), 11, 1, 2); err != ErrAlreadyExists {
		t.Fatalf("got %v, want ErrAlreadyExists", err)
	}
}

func TestCreateRejectsFeeOverCap(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create(1, 2, 80, 30, amt(100), amt(100), 10, 1, 1); err != ErrInvalidFee {
		t.Fatalf("got %v, want ErrInvalidFee", err)
	}
}

// Worked example: reserves (1_000_000, 2_000_000), fee_bps=30 all to
// LP, pay 10_000 of token_0. Expected new reserves
// (1_010_000, 1_980_257) with 59 credited to the fee accumulator.
func TestMutateForSwapAppliesWorkedExample(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create(0, 1, 30, 0, amt(1_000_000), amt(2_000_000), 10, 1, 1)
	if err != nil {
		t.Fatal(err)
	}

	payAmount := amt(10_000)
	grossReceive := amt(19_743)
	lpFee := amt(59)
	platformFee := bignum.Zero()

	before := bignum.Mul(p.Reserve0, p.Reserve1)
	p2, err := s.MutateForSwap(p.ID, Dir0, payAmount, grossReceive, lpFee, platformFee)
	if err != nil {
		t.Fatal(err)
	}
	if p2.Reserve0.Uint64() != 1_010_000 {
		t.Fatalf("reserve_0 = %s, want 1010000", p2.Reserve0)
	}
	if p2.Reserve1.Uint64() != 1_980_257 {
		t.Fatalf("reserve_1 = %s, want 1980257", p2.Reserve1)
	}
	if p2.LPFeeAccum1.Uint64() != 59 {
		t.Fatalf("lp_fee_accum_1 = %s, want 59", p2.LPFeeAccum1)
	}
	after := bignum.Mul(p2.Reserve0, bignum.Add(p2.Reserve1, bignum.Add(p2.LPFeeAccum1, p2.PlatformFeeAccum1)))
	if after.Cmp(before) < 0 {
		t.Fatalf("constant-product invariant violated: before=%s after(+fees)=%s", before, after)
	}
}

func TestMutateForSwapRejectsReserveUnderflow(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create(0, 1, 30, 0, amt(100), amt(100), 10, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.MutateForSwap(p.ID, Dir0, amt(1), amt(1_000_000), bignum.Zero(), bignum.Zero()); err == nil {
		t.Fatal("expected reserve underflow to be rejected")
	}
}

func TestAddThenRemoveRestoresReservesApproximately(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create(0, 1, 30, 0, amt(1_000), amt(4_000), 10, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	supply, _ := s.LPTotalSupply(p.LPTokenID)

	// Add (100, 400), matching the pool's 1:4 ratio.
	minted := mustDiv(t, bignum.Mul(amt(100), supply), p.Reserve0)
	p2, err := s.MutateForAdd(p.ID, amt(100), amt(400), minted, 2)
	if err != nil {
		t.Fatal(err)
	}
	if p2.Reserve0.Uint64() != 1_100 || p2.Reserve1.Uint64() != 4_400 {
		t.Fatalf("got reserves (%s,%s)", p2.Reserve0, p2.Reserve1)
	}

	p3, err := s.MutateForRemove(p.ID, amt(100), amt(400), minted, bignum.Zero(), bignum.Zero(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if p3.Reserve0.Uint64() != 1_000 || p3.Reserve1.Uint64() != 4_000 {
		t.Fatalf("got reserves (%s,%s), want (1000,4000)", p3.Reserve0, p3.Reserve1)
	}
}

// A full-burn payout of reserve_1 plus the accrued 59 of LP fee must
// drain the accumulator, not over-debit the reserve.
func TestMutateForRemoveDebitsFeeShareFromAccumulator(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create(0, 1, 30, 0, amt(1_010_000), amt(1_980_258), 10, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	// Seed the accumulator the way one fee-bearing swap would.
	if _, err := s.db.Exec(`UPDATE pools SET lp_fee_accum_1 = '59' WHERE id = ?`, p.ID); err != nil {
		t.Fatal(err)
	}

	supply, _ := s.LPTotalSupply(p.LPTokenID)
	p2, err := s.MutateForRemove(p.ID, amt(1_010_000), amt(1_980_317), supply, bignum.Zero(), amt(59), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !p2.Reserve0.IsZero() || !p2.Reserve1.IsZero() {
		t.Fatalf("got reserves (%s,%s), want (0,0)", p2.Reserve0, p2.Reserve1)
	}
	if !p2.LPFeeAccum1.IsZero() {
		t.Fatalf("got lp_fee_accum_1 %s, want 0", p2.LPFeeAccum1)
	}
}

func mustDiv(t *testing.T, n, d bignum.Amount) bignum.Amount {
	t.Helper()
	out, ok := bignum.MulRational(n, bignum.FromUint64(1), d)
	if !ok {
		t.Fatal("division failed")
	}
	return out
}

func TestTransferLPConservesTotalSupply(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create(0, 1, 30, 0, amt(1_000), amt(1_000), 10, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	before, _ := s.LPTotalSupply(p.LPTokenID)
	if err := s.TransferLP(p.LPTokenID, 1, 2, amt(100)); err != nil {
		t.Fatal(err)
	}
	after, _ := s.LPTotalSupply(p.LPTokenID)
	if before.Uint64() != after.Uint64() {
		t.Fatalf("LP supply changed across transfer: before=%s after=%s", before, after)
	}
	bal2, _ := s.LPBalance(p.LPTokenID, 2)
	if bal2.Uint64() != 100 {
		t.Fatalf("got balance %s, want 100", bal2)
	}
}

func TestTokenInUseReflectsNonRemovedPools(t *testing.T) {
	s := newTestStore(t)
	if s.TokenInUse(0) {
		t.Fatal("expected token 0 to be unused before any pool exists")
	}
	if _, err := s.Create(0, 1, 30, 0, amt(100), amt(100), 10, 1, 1); err != nil {
		t.Fatal(err)
	}
	if !s.TokenInUse(0) || !s.TokenInUse(1) {
		t.Fatal("expected both pool tokens to be in use")
	}
}
