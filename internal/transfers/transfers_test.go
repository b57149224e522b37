package transfers

import (
	"testing"
	"time"

	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/ledger"
	"github.com/kongswap/kong-backend/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st.DB())
}

func TestRecordReceiveRejectsDoubleSpendWithinWindow(t *testing.T) {
	l := newTestLedger(t)
	now := time.Now()
	ref := ledger.BlockIndexRef(42)
	if _, err := l.RecordReceive(1, 1, 9, bignum.FromUint64(100), ref, now); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RecordReceive(2, 2, 9, bignum.FromUint64(100), ref, now.Add(time.Minute)); err != ErrDoubleSpend {
		t.Fatalf("got %v, want ErrDoubleSpend", err)
	}
}

func TestRecordReceiveAllowsSameRefAfterWindowExpires(t *testing.T) {
	l := newTestLedger(t)
	now := time.Now()
	ref := ledger.BlockIndexRef(42)
	if _, err := l.RecordReceive(1, 1, 9, bignum.FromUint64(100), ref, now); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RecordReceive(2, 2, 9, bignum.FromUint64(100), ref, now.Add(DedupWindow+time.Minute)); err != nil {
		t.Fatalf("expected ref reuse after window to succeed, got %v", err)
	}
}

func TestRecordReceiveAllowsSameRefDifferentToken(t *testing.T) {
	l := newTestLedger(t)
	now := time.Now()
	ref := ledger.BlockIndexRef(42)
	if _, err := l.RecordReceive(1, 1, 9, bignum.FromUint64(100), ref, now); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RecordReceive(2, 2, 10, bignum.FromUint64(100), ref, now.Add(time.Minute)); err != nil {
		t.Fatalf("expected different token id to not collide, got %v", err)
	}
}

func TestRecordReceiveDistinguishesBlockAndHashRefs(t *testing.T) {
	l := newTestLedger(t)
	now := time.Now()
	blockRef := ledger.BlockIndexRef(1)
	hashRef := ledger.TxHashRef([]byte{0x01})
	if _, err := l.RecordReceive(1, 1, 9, bignum.FromUint64(100), blockRef, now); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RecordReceive(2, 2, 9, bignum.FromUint64(100), hashRef, now.Add(time.Minute)); err != nil {
		t.Fatalf("expected distinct tx-ref kinds to not collide, got %v", err)
	}
}

func TestRecordSendUnconditional(t *testing.T) {
	l := newTestLedger(t)
	now := time.Now()
	ref := ledger.BlockIndexRef(7)
	if _, err := l.RecordSend(1, 1, 9, bignum.FromUint64(50), ref, now); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RecordSend(2, 2, 9, bignum.FromUint64(50), ref, now); err != nil {
		t.Fatalf("expected unconditional send recording, got %v", err)
	}
}

func TestMaxIDReflectsHighestTransferID(t *testing.T) {
	l := newTestLedger(t)
	now := time.Now()
	if _, err := l.RecordSend(1, 5, 9, bignum.FromUint64(1), ledger.BlockIndexRef(1), now); err != nil {
		t.Fatal(err)
	}
	max, err := l.MaxID()
	if err != nil {
		t.Fatal(err)
	}
	if max != 5 {
		t.Fatalf("got %d, want 5", max)
	}
}
