package swapengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kongswap/kong-backend/internal/amm"
	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/journal"
	"github.com/kongswap/kong-backend/internal/ledger"
	"github.com/kongswap/kong-backend/internal/pools"
	"github.com/kongswap/kong-backend/internal/store"
	"github.com/kongswap/kong-backend/internal/tokens"
	"github.com/kongswap/kong-backend/internal/transfers"
)

var errBoom = errors.New("boom")

type fakeLedger struct {
	failPull map[string]bool
	failPush map[string]bool
	fee      uint64
	nextRef  uint64
}

func (f *fakeLedger) Describe(ledgerID string) (ledger.Info, error) {
	return ledger.Info{Symbol: "X", Decimals: 8, Fee: f.fee, Caps: ledger.Capability{TransferFrom: true, Transfer: true}}, nil
}

func (f *fakeLedger) Pull(ctx context.Context, ledgerID string, from string, amount uint64) (ledger.TxRef, error) {
	if f.failPull[ledgerID] {
		return ledger.TxRef{}, errBoom
	}
	f.nextRef++
	return ledger.BlockIndexRef(f.nextRef), nil
}

func (f *fakeLedger) VerifyInbound(ctx context.Context, ledgerID string, ref ledger.TxRef, expectedAmount uint64, expectedRecipient string, earliestTS time.Time) (ledger.VerifyResult, error) {
	return ledger.VerifyResult{OK: true}, nil
}

func (f *fakeLedger) Push(ctx context.Context, ledgerID string, to string, amount uint64) (ledger.TxRef, error) {
	if f.failPush[ledgerID] {
		return ledger.TxRef{}, errBoom
	}
	f.nextRef++
	return ledger.BlockIndexRef(f.nextRef), nil
}

func (f *fakeLedger) Capabilities(ledgerID string) ledger.Capability {
	return ledger.Capability{TransferFrom: true, Transfer: true}
}

type fakeIDs struct {
	request, transfer, claim, update, token uint64
}

func (f *fakeIDs) NextRequestID() uint64  { f.request++; return f.request }
func (f *fakeIDs) NextTransferID() uint64 { f.transfer++; return f.transfer }
func (f *fakeIDs) NextClaimID() uint64    { f.claim++; return f.claim }
func (f *fakeIDs) NextUpdateID() uint64   { f.update++; return f.update }
func (f *fakeIDs) NextTokenID() uint64    { f.token++; return f.token }

type fixture struct {
	engine *Engine
	ledger *fakeLedger
	claims *transfers.Claims
}

func newFixture(t *testing.T) fixture {
	return newFixtureWithFee(t, 0)
}

func newFixtureWithFee(t *testing.T, ledgerFee uint64) fixture {
	t.Helper()
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	fl := &fakeLedger{failPull: map[string]bool{}, failPush: map[string]bool{}, fee: ledgerFee}
	ids := &fakeIDs{}
	tokReg := tokens.New(st.DB(), fl, ids)
	if err := tokReg.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := tokReg.Add(tokens.Descriptor{Kind: tokens.KindNativeLedger, Symbol: "AAA", Decimals: 8, LedgerID: "aaa"}); err != nil {
		t.Fatal(err)
	}
	if _, err := tokReg.Add(tokens.Descriptor{Kind: tokens.KindNativeLedger, Symbol: "BBB", Decimals: 8, LedgerID: "bbb"}); err != nil {
		t.Fatal(err)
	}

	poolStore := pools.New(st.DB())
	if _, err := poolStore.Create(1, 2, 30, 0, bignum.FromUint64(1_000_000), bignum.FromUint64(2_000_000), 100, 1, 1); err != nil {
		t.Fatal(err)
	}

	router := amm.NewRouter(poolStore, nil)
	xfers := transfers.New(st.DB())
	claims := transfers.NewClaims(st.DB())
	jrnl := journal.New(st.DB())
	feed := journal.NewFeed(st.DB())

	eng := New(tokReg, poolStore, router, fl, xfers, claims, jrnl, feed, ids, "kong-system")
	return fixture{engine: eng, ledger: fl, claims: claims}
}

func TestSwapDirectPoolWorkedExample(t *testing.T) {
	fx := newFixture(t)
	req := SwapRequest{
		PayToken: 1, PayAmount: bignum.FromUint64(10_000),
		ReceiveToken: 2, ReceiveAddress: "addr", FromAddress: "addr",
	}
	reply, err := fx.engine.Swap(context.Background(), 1, req, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != "Success" {
		t.Fatalf("got status %s", reply.Status)
	}
	// Worked example: pool (1,000,000/2,000,000), fee_bps=30 all to LP,
	// pay 10,000 -> gross 19,743, LP fee 59, net receive 19,684.
	want := bignum.FromUint64(19_684)
	if reply.ReceiveAmount.Cmp(want) != 0 {
		t.Fatalf("got receive amount %s, want %s", reply.ReceiveAmount, want)
	}
	if len(reply.TransferIDs) != 2 {
		t.Fatalf("expected two recorded transfers (receive+send), got %v", reply.TransferIDs)
	}
	if len(reply.ClaimIDs) != 0 {
		t.Fatalf("expected no claims, got %v", reply.ClaimIDs)
	}
}

// The receive ledger's fixed transfer fee comes out of the reply and
// any claim, since the payout transfer is what gets charged it.
func TestSwapDeductsReceiveLedgerFee(t *testing.T) {
	fx := newFixtureWithFee(t, 100)
	req := SwapRequest{
		PayToken: 1, PayAmount: bignum.FromUint64(10_000),
		ReceiveToken: 2, ReceiveAddress: "addr", FromAddress: "addr",
	}
	reply, err := fx.engine.Swap(context.Background(), 1, req, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	// 19,684 net of pool fees, minus the ledger's fixed 100.
	want := bignum.FromUint64(19_584)
	if reply.ReceiveAmount.Cmp(want) != 0 {
		t.Fatalf("got receive amount %s, want %s", reply.ReceiveAmount, want)
	}
}

func TestSwapClaimMatchesFeeAdjustedReply(t *testing.T) {
	fx := newFixtureWithFee(t, 100)
	fx.ledger.failPush["bbb"] = true
	req := SwapRequest{
		PayToken: 1, PayAmount: bignum.FromUint64(10_000),
		ReceiveToken: 2, ReceiveAddress: "addr", FromAddress: "addr",
	}
	reply, err := fx.engine.Swap(context.Background(), 1, req, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.ClaimIDs) != 1 {
		t.Fatalf("expected one claim, got %v", reply.ClaimIDs)
	}
	cl, err := fx.claims.Get(reply.ClaimIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if cl.Amount.Cmp(reply.ReceiveAmount) != 0 {
		t.Fatalf("claim %s and reply %s must agree on the fee-adjusted amount", cl.Amount, reply.ReceiveAmount)
	}
}

func TestSwapRejectsMinReceiveViolationAndReturnsPayToken(t *testing.T) {
	fx := newFixture(t)
	tooHigh := bignum.FromUint64(50_000)
	req := SwapRequest{
		PayToken: 1, PayAmount: bignum.FromUint64(10_000),
		ReceiveToken: 2, ReceiveAddress: "addr", FromAddress: "addr",
		MinReceive: &tooHigh,
	}
	reply, err := fx.engine.Swap(context.Background(), 1, req, time.Now())
	if err != ErrSlippage {
		t.Fatalf("got %v, want ErrSlippage", err)
	}
	if reply.Status != "Failed" {
		t.Fatalf("got status %s, want Failed", reply.Status)
	}
	if len(reply.ClaimIDs) != 0 {
		t.Fatalf("expected the pay side to be returned directly, not claimed: %v", reply.ClaimIDs)
	}
}

func TestSwapCreatesClaimWhenReceiveSidePushFails(t *testing.T) {
	fx := newFixture(t)
	fx.ledger.failPush["bbb"] = true
	req := SwapRequest{
		PayToken: 1, PayAmount: bignum.FromUint64(10_000),
		ReceiveToken: 2, ReceiveAddress: "addr", FromAddress: "addr",
	}
	reply, err := fx.engine.Swap(context.Background(), 1, req, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != "Success" {
		t.Fatalf("got status %s, want Success (pool already mutated, receive side becomes a claim)", reply.Status)
	}
	if len(reply.ClaimIDs) != 1 {
		t.Fatalf("expected one claim for the failed push, got %v", reply.ClaimIDs)
	}
	cl, err := fx.claims.Get(reply.ClaimIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if cl.Amount.Cmp(reply.ReceiveAmount) != 0 {
		t.Fatalf("got claim amount %s, want %s", cl.Amount, reply.ReceiveAmount)
	}
}

func TestSwapFailsOnUnknownToken(t *testing.T) {
	fx := newFixture(t)
	req := SwapRequest{PayToken: 999, PayAmount: bignum.FromUint64(1), ReceiveToken: 2, ReceiveAddress: "addr", FromAddress: "addr"}
	_, err := fx.engine.Swap(context.Background(), 1, req, time.Now())
	if err != ErrUnknownToken {
		t.Fatalf("got %v, want ErrUnknownToken", err)
	}
}
