package sweepers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/journal"
	"github.com/kongswap/kong-backend/internal/ledger"
	"github.com/kongswap/kong-backend/internal/pools"
	"github.com/kongswap/kong-backend/internal/settings"
	"github.com/kongswap/kong-backend/internal/store"
	"github.com/kongswap/kong-backend/internal/tokens"
	"github.com/kongswap/kong-backend/internal/transfers"
)

func newTestSettings(t *testing.T) *settings.Settings {
	t.Helper()
	s, err := settings.Load(filepath.Join(t.TempDir(), "settings.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type fakeIDs struct {
	request, transfer, update, token uint64
}

func (f *fakeIDs) NextRequestID() uint64  { f.request++; return f.request }
func (f *fakeIDs) NextTransferID() uint64 { f.transfer++; return f.transfer }
func (f *fakeIDs) NextUpdateID() uint64   { f.update++; return f.update }
func (f *fakeIDs) NextTokenID() uint64    { f.token++; return f.token }

var errPushFails = errors.New("push failed")

type fakeLedger struct {
	fail bool
}

func (f *fakeLedger) Describe(ledgerID string) (ledger.Info, error) {
	return ledger.Info{Symbol: "X", Decimals: 8, Caps: ledger.Capability{TransferFrom: true, Transfer: true}}, nil
}

func (f *fakeLedger) Pull(ctx context.Context, ledgerID string, from string, amount uint64) (ledger.TxRef, error) {
	return ledger.BlockIndexRef(1), nil
}

func (f *fakeLedger) VerifyInbound(ctx context.Context, ledgerID string, ref ledger.TxRef, expectedAmount uint64, expectedRecipient string, earliestTS time.Time) (ledger.VerifyResult, error) {
	return ledger.VerifyResult{OK: true}, nil
}

func (f *fakeLedger) Push(ctx context.Context, ledgerID string, to string, amount uint64) (ledger.TxRef, error) {
	if f.fail {
		return ledger.TxRef{}, errPushFails
	}
	return ledger.BlockIndexRef(2), nil
}

func (f *fakeLedger) Capabilities(ledgerID string) ledger.Capability {
	return ledger.Capability{TransferFrom: true, Transfer: true}
}

func TestClaimSweeperSweepsEligibleClaimToCompletion(t *testing.T) {
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	fl := &fakeLedger{}
	ids := &fakeIDs{}
	tokReg := tokens.New(st.DB(), fl, ids)
	if err := tokReg.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := tokReg.Add(tokens.Descriptor{Kind: tokens.KindNativeLedger, Symbol: "AAA", Decimals: 8, LedgerID: "aaa"}); err != nil {
		t.Fatal(err)
	}

	xfers := transfers.New(st.DB())
	claims := transfers.NewClaims(st.DB())
	cfg := newTestSettings(t)

	cl, err := claims.Create(1, 10, 1, bignum.FromUint64(500), "addr", nil, false, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	sweeper := NewClaimSweeper(claims, xfers, tokReg, fl, journal.New(st.DB()), journal.NewFeed(st.DB()), cfg, ids)
	sweeper.sweepOnce()

	got, err := claims.Get(cl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != transfers.ClaimClaimed {
		t.Fatalf("got status %v, want Claimed", got.Status)
	}
}

func TestClaimSweeperSkipsWhenMaintenanceModeOn(t *testing.T) {
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	fl := &fakeLedger{}
	ids := &fakeIDs{}
	tokReg := tokens.New(st.DB(), fl, ids)
	if err := tokReg.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := tokReg.Add(tokens.Descriptor{Kind: tokens.KindNativeLedger, Symbol: "AAA", Decimals: 8, LedgerID: "aaa"}); err != nil {
		t.Fatal(err)
	}

	xfers := transfers.New(st.DB())
	claims := transfers.NewClaims(st.DB())
	cfg := newTestSettings(t)
	cfg.SetMaintenanceMode(true)

	cl, err := claims.Create(1, 10, 1, bignum.FromUint64(500), "addr", nil, false, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	sweeper := NewClaimSweeper(claims, xfers, tokReg, fl, journal.New(st.DB()), journal.NewFeed(st.DB()), cfg, ids)
	sweeper.sweepOnce()

	got, err := claims.Get(cl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != transfers.ClaimUnclaimed {
		t.Fatalf("got status %v, want still Unclaimed under maintenance mode", got.Status)
	}
}

func TestClaimSweeperHaltsAfterConsecutiveFailures(t *testing.T) {
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	fl := &fakeLedger{fail: true}
	ids := &fakeIDs{}
	tokReg := tokens.New(st.DB(), fl, ids)
	if err := tokReg.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := tokReg.Add(tokens.Descriptor{Kind: tokens.KindNativeLedger, Symbol: "AAA", Decimals: 8, LedgerID: "aaa"}); err != nil {
		t.Fatal(err)
	}

	xfers := transfers.New(st.DB())
	claims := transfers.NewClaims(st.DB())
	cfg := newTestSettings(t)

	var firstID uint64
	for i := 0; i < transfers.MaxConsecutiveSweepFailures+2; i++ {
		cl, err := claims.Create(uint64(i+1), 10, 1, bignum.FromUint64(500), "addr", nil, false, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			firstID = cl.ID
		}
	}

	sweeper := NewClaimSweeper(claims, xfers, tokReg, fl, journal.New(st.DB()), journal.NewFeed(st.DB()), cfg, ids)
	sweeper.sweepOnce()

	// SweepEligible walks newest-first, so the halt after
	// MaxConsecutiveSweepFailures leaves the oldest (lowest id) claim
	// untouched.
	got, err := claims.Get(firstID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != transfers.ClaimUnclaimed {
		t.Fatalf("got status %v, want the sweep to have halted before reaching the oldest claim", got.Status)
	}
}

func TestPoolStatsUpdaterRecomputesEveryListedPool(t *testing.T) {
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	poolStore := pools.New(st.DB())
	if _, err := poolStore.Create(1, 2, 30, 10, bignum.FromUint64(1000), bignum.FromUint64(4000), 100, 1, 1); err != nil {
		t.Fatal(err)
	}
	cfg := newTestSettings(t)
	updater := NewPoolStatsUpdater(poolStore, cfg)
	updater.sweepOnce()

	p, err := poolStore.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != 1 {
		t.Fatalf("got pool id %d, want 1", p.ID)
	}
}

func TestRequestArchiverArchivesOldRequestsOnly(t *testing.T) {
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	jrnl := journal.New(st.DB())
	old := time.Now().Add(-2 * time.Hour)
	if _, err := jrnl.Open(1, 10, "swap", nil, old); err != nil {
		t.Fatal(err)
	}
	cfg := newTestSettings(t)
	archiver := NewRequestArchiver(jrnl, cfg)
	archiver.sweepOnce()

	req, err := jrnl.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if !req.Archived {
		t.Fatal("expected old request to be archived")
	}
}

func TestTransferArchiverDeletesOutOfWindowTransfers(t *testing.T) {
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	xfers := transfers.New(st.DB())
	old := time.Now().Add(-2 * transfers.DedupWindow)
	if _, err := xfers.RecordSend(1, 1, 9, bignum.FromUint64(1), ledger.BlockIndexRef(1), old); err != nil {
		t.Fatal(err)
	}
	cfg := newTestSettings(t)
	archiver := NewTransferArchiver(xfers, cfg)
	archiver.sweepOnce()

	if _, err := xfers.Get(1); err != transfers.ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound after archiving", err)
	}
}
