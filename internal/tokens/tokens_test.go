package tokens

import (
	"testing"

	"github.com/kongswap/kong-backend/internal/store"
)

type fakeIDs struct{ next uint64 }

func (f *fakeIDs) NextTokenID() uint64 {
	f.next++
	return f.next
}

func newTestRegistry(t *testing.T) (*Registry, *fakeIDs) {
	t.Helper()
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ids := &fakeIDs{}
	reg := New(st.DB(), nil, ids)
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}
	return reg, ids
}

func TestAddRejectsDuplicateLedgerID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Add(Descriptor{Kind: KindNativeLedger, LedgerID: "icp", Symbol: "ICP", Decimals: 8}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Add(Descriptor{Kind: KindNativeLedger, LedgerID: "icp", Symbol: "ICP", Decimals: 8}); err != ErrDuplicate {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}
}

func TestRemoveThenReAddSameLedgerID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, err := reg.Add(Descriptor{Kind: KindNativeLedger, LedgerID: "icp", Symbol: "ICP", Decimals: 8})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Remove(id, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Add(Descriptor{Kind: KindNativeLedger, LedgerID: "icp", Symbol: "ICP", Decimals: 8}); err != nil {
		t.Fatalf("expected re-add after remove to succeed, got %v", err)
	}
}

func TestRemoveForbiddenWhenInUse(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, err := reg.Add(Descriptor{Kind: KindNativeLedger, LedgerID: "icp", Symbol: "ICP", Decimals: 8})
	if err != nil {
		t.Fatal(err)
	}
	inUse := func(tokenID uint64) bool { return tokenID == id }
	if err := reg.Remove(id, inUse); err != ErrInUse {
		t.Fatalf("got %v, want ErrInUse", err)
	}
}

func TestValidateRejectsOutOfRangeDecimals(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Add(Descriptor{Kind: KindExternal, ChainTag: "sol", Address: "abc", Symbol: "X", Decimals: 25}); err == nil {
		t.Fatal("expected decimals > 24 to be rejected")
	}
}

func TestMaxIDReflectsHighestAssigned(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Add(Descriptor{Kind: KindNativeLedger, LedgerID: "a", Symbol: "A", Decimals: 8}); err != nil {
		t.Fatal(err)
	}
	id2, err := reg.Add(Descriptor{Kind: KindNativeLedger, LedgerID: "b", Symbol: "B", Decimals: 8})
	if err != nil {
		t.Fatal(err)
	}
	max, err := reg.MaxID()
	if err != nil {
		t.Fatal(err)
	}
	if max != id2 {
		t.Fatalf("got %d, want %d", max, id2)
	}
}
