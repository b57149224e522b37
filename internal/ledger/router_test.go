package ledger

import (
	"context"
	"testing"
	"time"
)

func TestRouterDispatchesToRegisteredDialect(t *testing.T) {
	r := NewRouter()
	a := NewICRC2Adapter(newFake())
	a.RegisterLedger("tok", "http://ledger", Info{Symbol: "TOK", Decimals: 8, Fee: 1})
	r.Register("tok", a)

	info, err := r.Describe("tok")
	if err != nil {
		t.Fatal(err)
	}
	if info.Symbol != "TOK" {
		t.Fatalf("got symbol %q, want TOK", info.Symbol)
	}
}

func TestRouterReturnsErrorForUnregisteredLedger(t *testing.T) {
	r := NewRouter()
	if _, err := r.Describe("missing"); err == nil {
		t.Fatal("expected an error for an unregistered ledger id")
	}
	if _, err := r.Pull(context.Background(), "missing", "from", 1); err == nil {
		t.Fatal("expected an error for an unregistered ledger id")
	}
	if _, err := r.Push(context.Background(), "missing", "to", 1); err == nil {
		t.Fatal("expected an error for an unregistered ledger id")
	}
	if _, err := r.VerifyInbound(context.Background(), "missing", BlockIndexRef(1), 1, "x", time.Now()); err == nil {
		t.Fatal("expected an error for an unregistered ledger id")
	}
}

func TestRouterCapabilitiesReturnsZeroValueForUnregisteredLedger(t *testing.T) {
	r := NewRouter()
	caps := r.Capabilities("missing")
	if caps != (Capability{}) {
		t.Fatalf("got %+v, want zero value", caps)
	}
}

func TestRouterRoutesMultipleLedgersIndependently(t *testing.T) {
	r := NewRouter()
	icrc2 := NewICRC2Adapter(newFake())
	icrc2.RegisterLedger("a", "http://a", Info{Symbol: "A"})
	legacy := NewLegacyAdapter(newFake())
	legacy.RegisterLedger("b", "http://b", Info{Symbol: "B"})
	r.Register("a", icrc2)
	r.Register("b", legacy)

	capsA := r.Capabilities("a")
	if !capsA.TransferFrom {
		t.Fatalf("got %+v, want TransferFrom for the icrc2-routed ledger", capsA)
	}
	capsB := r.Capabilities("b")
	if capsB.TransferFrom {
		t.Fatalf("got %+v, want no TransferFrom for the legacy-routed ledger", capsB)
	}
}
