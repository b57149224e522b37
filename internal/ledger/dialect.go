package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ledgerMeta is the static per-ledger-id configuration every dialect
// shares: its endpoint and the Info reported at registration time.
type ledgerMeta struct {
	endpoint string
	info     Info
}

// base holds the fields every concrete dialect adapter embeds: a
// Transport (swappable for tests) and the set of ledger ids routed to
// this dialect instance, guarded by a mutex since ledgers can be
// registered after the adapter starts serving requests.
type base struct {
	mu        sync.RWMutex
	transport Transport
	ledgers   map[string]ledgerMeta
}

func newBase(t Transport) base {
	if t == nil {
		t = newHTTPTransport()
	}
	return base{transport: t, ledgers: make(map[string]ledgerMeta)}
}

// RegisterLedger binds a ledger id to an endpoint and static info under
// this dialect.
func (b *base) RegisterLedger(ledgerID, endpoint string, info Info) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ledgers[ledgerID] = ledgerMeta{endpoint: endpoint, info: info}
}

func (b *base) meta(ledgerID string) (ledgerMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.ledgers[ledgerID]
	if !ok {
		return ledgerMeta{}, fmt.Errorf("ledger: unknown ledger id %q", ledgerID)
	}
	return m, nil
}

func (b *base) Describe(ledgerID string) (Info, error) {
	m, err := b.meta(ledgerID)
	if err != nil {
		return Info{}, err
	}
	return m.info, nil
}

// transferResult is the common JSON shape all dialect RPC calls below
// decode their responses into.
type transferResult struct {
	BlockIndex *uint64 `json:"block_index,omitempty"`
	TxHash     string  `json:"tx_hash,omitempty"`
}

type verifyResult struct {
	Found     bool   `json:"found"`
	Amount    uint64 `json:"amount"`
	Recipient string `json:"recipient"`
	TimestampUnix int64 `json:"timestamp_unix"`
}

func decodeVerify(raw json.RawMessage, v *verifyResult) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("ledger: decode verify result: %w", err)
	}
	return nil
}

func decodeTransfer(raw json.RawMessage) (TxRef, error) {
	var tr transferResult
	if err := json.Unmarshal(raw, &tr); err != nil {
		return TxRef{}, fmt.Errorf("ledger: decode transfer result: %w", err)
	}
	if tr.BlockIndex != nil {
		return BlockIndexRef(*tr.BlockIndex), nil
	}
	return TxHashRef([]byte(tr.TxHash)), nil
}

func checkVerify(v verifyResult, expectedAmount uint64, expectedRecipient string, earliestTS time.Time) VerifyResult {
	if !v.Found {
		return VerifyResult{OK: false, Reason: "not_found"}
	}
	if v.Amount != expectedAmount {
		return VerifyResult{OK: false, Reason: "amount_mismatch"}
	}
	if v.Recipient != expectedRecipient {
		return VerifyResult{OK: false, Reason: "recipient_mismatch"}
	}
	ts := time.Unix(v.TimestampUnix, 0)
	if ts.Before(earliestTS) {
		return VerifyResult{OK: false, Reason: "expired"}
	}
	return VerifyResult{OK: true}
}

// verifyByTransactionQuery is the fallback every dialect supports at
// minimum: look a tx reference up by its transaction hash. Richer
// dialects try a block-indexed query first and only fall back to this.
func verifyByTransactionQuery(ctx context.Context, t Transport, endpoint string, ref TxRef, expectedAmount uint64, expectedRecipient string, earliestTS time.Time) (VerifyResult, error) {
	if ref.TxHash == nil {
		return VerifyResult{}, fmt.Errorf("%w: transaction query requires a tx hash reference", ErrUnsupportedOperation)
	}
	raw, err := t.Call(ctx, endpoint, "verify_by_transaction", map[string]interface{}{"tx_hash": string(ref.TxHash)})
	if err != nil {
		return VerifyResult{}, err
	}
	var v verifyResult
	if err := json.Unmarshal(raw, &v); err != nil {
		return VerifyResult{}, fmt.Errorf("ledger: decode verify result: %w", err)
	}
	return checkVerify(v, expectedAmount, expectedRecipient, earliestTS), nil
}

func verifyByBlockIndex(ctx context.Context, t Transport, endpoint string, ref TxRef, expectedAmount uint64, expectedRecipient string, earliestTS time.Time) (VerifyResult, bool, error) {
	if ref.BlockIndex == nil {
		return VerifyResult{}, false, nil
	}
	raw, err := t.Call(ctx, endpoint, "verify_by_index", map[string]interface{}{"block_index": *ref.BlockIndex})
	if err != nil {
		return VerifyResult{}, true, err
	}
	var v verifyResult
	if err := json.Unmarshal(raw, &v); err != nil {
		return VerifyResult{}, true, fmt.Errorf("ledger: decode verify result: %w", err)
	}
	return checkVerify(v, expectedAmount, expectedRecipient, earliestTS), true, nil
}
