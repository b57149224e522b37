package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestSolanaAdapterHasNoPullCapability(t *testing.T) {
	a := NewSolanaAdapter(newFake())
	a.RegisterLedger("sol", "http://ledger", Info{Symbol: "SOL", Decimals: 9, Fee: 5000})
	if _, err := a.Pull(context.Background(), "sol", "from", 1); err != ErrUnsupportedOperation {
		t.Fatalf("got %v, want ErrUnsupportedOperation", err)
	}
}

func TestSolanaAdapterVerifyInboundRequiresTxHashReference(t *testing.T) {
	a := NewSolanaAdapter(newFake())
	a.RegisterLedger("sol", "http://ledger", Info{Symbol: "SOL", Decimals: 9, Fee: 5000})
	if _, err := a.VerifyInbound(context.Background(), "sol", BlockIndexRef(1), 100, "self", time.Now()); err != ErrUnsupportedOperation {
		t.Fatalf("got %v, want ErrUnsupportedOperation for a block-index reference", err)
	}
}

func TestSolanaAdapterVerifyInboundBySignature(t *testing.T) {
	ft := newFake()
	ft.responses["verify_by_signature"], _ = json.Marshal(verifyResult{Found: true, Amount: 100, Recipient: "self", TimestampUnix: time.Now().Unix()})

	a := NewSolanaAdapter(ft)
	a.RegisterLedger("sol", "http://ledger", Info{Symbol: "SOL", Decimals: 9, Fee: 5000})

	res, err := a.VerifyInbound(context.Background(), "sol", TxHashRef([]byte("5sig")), 100, "self", time.Now().Add(-time.Minute))
	if err != nil || !res.OK {
		t.Fatalf("got %+v, %v", res, err)
	}
	if ft.calls[len(ft.calls)-1] != "verify_by_signature" {
		t.Fatalf("expected verify_by_signature, calls=%v", ft.calls)
	}
}

func TestSolanaAdapterPushDeductsFee(t *testing.T) {
	ft := newFake()
	ft.responses["transfer"], _ = json.Marshal(transferResult{TxHash: "5abc"})
	a := NewSolanaAdapter(ft)
	a.RegisterLedger("sol", "http://ledger", Info{Symbol: "SOL", Decimals: 9, Fee: 5000})

	ref, err := a.Push(context.Background(), "sol", "recipient", 10000)
	if err != nil {
		t.Fatal(err)
	}
	if ref.TxHash == nil {
		t.Fatalf("got %+v, want a tx-hash reference", ref)
	}
}

func TestSolanaAdapterPushRejectsAmountBelowFee(t *testing.T) {
	a := NewSolanaAdapter(newFake())
	a.RegisterLedger("sol", "http://ledger", Info{Symbol: "SOL", Decimals: 9, Fee: 5000})
	if _, err := a.Push(context.Background(), "sol", "recipient", 100); err != ErrInsufficientFunds {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
}
