package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type fakeTransport struct {
	responses map[string]json.RawMessage
	err       map[string]error
	calls     []string
}

func (f *fakeTransport) Call(ctx context.Context, endpoint, method string, params interface{}) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	if err, ok := f.err[method]; ok {
		return nil, err
	}
	return f.responses[method], nil
}

func newFake() *fakeTransport {
	return &fakeTransport{responses: map[string]json.RawMessage{}, err: map[string]error{}}
}

func TestICRC3PrefersIndexedVerify(t *testing.T) {
	ft := newFake()
	ft.responses["verify_by_index"], _ = json.Marshal(verifyResult{Found: true, Amount: 100, Recipient: "self", TimestampUnix: time.Now().Unix()})

	a := NewICRC3Adapter(ft)
	a.RegisterLedger("ckusdt", "http://ledger", Info{Symbol: "ckUSDT", Decimals: 6, Fee: 10})

	res, err := a.VerifyInbound(context.Background(), "ckusdt", BlockIndexRef(42), 100, "self", time.Now().Add(-time.Minute))
	if err != nil || !res.OK {
		t.Fatalf("got %+v, %v", res, err)
	}
	if ft.calls[len(ft.calls)-1] != "verify_by_index" {
		t.Fatalf("expected indexed verify to be tried first, calls=%v", ft.calls)
	}
}

func TestICRC3FallsBackToTransactionQueryWithoutIndex(t *testing.T) {
	ft := newFake()
	ft.responses["verify_by_transaction"], _ = json.Marshal(verifyResult{Found: true, Amount: 100, Recipient: "self", TimestampUnix: time.Now().Unix()})

	a := NewICRC3Adapter(ft)
	a.RegisterLedger("ckusdt", "http://ledger", Info{Symbol: "ckUSDT", Decimals: 6, Fee: 10})

	res, err := a.VerifyInbound(context.Background(), "ckusdt", TxHashRef([]byte("abc")), 100, "self", time.Now().Add(-time.Minute))
	if err != nil || !res.OK {
		t.Fatalf("got %+v, %v", res, err)
	}
}

func TestVerifyInboundRejectsExpired(t *testing.T) {
	ft := newFake()
	ft.responses["verify_by_transaction"], _ = json.Marshal(verifyResult{
		Found: true, Amount: 100, Recipient: "self", TimestampUnix: time.Now().Add(-time.Hour).Unix(),
	})
	a := NewICRC1Adapter(ft)
	a.RegisterLedger("tok", "http://ledger", Info{Symbol: "TOK", Decimals: 8, Fee: 1})

	res, err := a.VerifyInbound(context.Background(), "tok", TxHashRef([]byte("abc")), 100, "self", time.Now().Add(-DefaultVerifyExpiry))
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("expected stale tx reference to be rejected")
	}
}

func TestICRC1HasNoPull(t *testing.T) {
	a := NewICRC1Adapter(newFake())
	if _, err := a.Pull(context.Background(), "tok", "from", 1); err != ErrUnsupportedOperation {
		t.Fatalf("got %v", err)
	}
}

func TestPushDeductsFee(t *testing.T) {
	ft := newFake()
	ft.responses["icrc1_transfer"], _ = json.Marshal(transferResult{BlockIndex: u64ptr(7)})
	a := NewICRC2Adapter(ft)
	a.RegisterLedger("tok", "http://ledger", Info{Symbol: "TOK", Decimals: 8, Fee: 10})

	ref, err := a.Push(context.Background(), "tok", "recipient", 100)
	if err != nil {
		t.Fatal(err)
	}
	if ref.BlockIndex == nil || *ref.BlockIndex != 7 {
		t.Fatalf("got %+v", ref)
	}
}

func TestPushInsufficientFunds(t *testing.T) {
	a := NewICRC2Adapter(newFake())
	a.RegisterLedger("tok", "http://ledger", Info{Symbol: "TOK", Decimals: 8, Fee: 100})
	if _, err := a.Push(context.Background(), "tok", "recipient", 10); err != ErrInsufficientFunds {
		t.Fatalf("got %v", err)
	}
}

func u64ptr(u uint64) *uint64 { return &u }
