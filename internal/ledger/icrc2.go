package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ICRC2Adapter adds approve-based transfer_from pull on top of ICRC1.
type ICRC2Adapter struct {
	base
}

func NewICRC2Adapter(t Transport) *ICRC2Adapter {
	return &ICRC2Adapter{base: newBase(t)}
}

func (a *ICRC2Adapter) Capabilities(ledgerID string) Capability {
	return Capability{TransferFrom: true, Transfer: true, VerifyByTransactionQuery: true}
}

type pullResult struct {
	BlockIndex *uint64 `json:"block_index,omitempty"`
	TxHash     string  `json:"tx_hash,omitempty"`
	Code       string  `json:"error_code,omitempty"`
}

func (a *ICRC2Adapter) Pull(ctx context.Context, ledgerID string, from string, amount uint64) (TxRef, error) {
	m, err := a.meta(ledgerID)
	if err != nil {
		return TxRef{}, err
	}
	raw, err := a.transport.Call(ctx, m.endpoint, "icrc2_transfer_from", map[string]interface{}{"from": from, "amount": amount})
	if err != nil {
		return TxRef{}, err
	}
	var pr pullResult
	if uerr := json.Unmarshal(raw, &pr); uerr != nil {
		return TxRef{}, fmt.Errorf("ledger: decode pull result: %w", uerr)
	}
	switch pr.Code {
	case "":
		// success
	case "insufficient_allowance":
		return TxRef{}, ErrInsufficientAllowance
	case "insufficient_balance":
		return TxRef{}, ErrInsufficientBalance
	default:
		return TxRef{}, fmt.Errorf("%w: %s", ErrLedgerUnavailable, pr.Code)
	}
	if pr.BlockIndex != nil {
		return BlockIndexRef(*pr.BlockIndex), nil
	}
	return TxHashRef([]byte(pr.TxHash)), nil
}

func (a *ICRC2Adapter) VerifyInbound(ctx context.Context, ledgerID string, ref TxRef, expectedAmount uint64, expectedRecipient string, earliestTS time.Time) (VerifyResult, error) {
	m, err := a.meta(ledgerID)
	if err != nil {
		return VerifyResult{}, err
	}
	return verifyByTransactionQuery(ctx, a.transport, m.endpoint, ref, expectedAmount, expectedRecipient, earliestTS)
}

func (a *ICRC2Adapter) Push(ctx context.Context, ledgerID string, to string, amount uint64) (TxRef, error) {
	m, err := a.meta(ledgerID)
	if err != nil {
		return TxRef{}, err
	}
	if amount < m.info.Fee {
		return TxRef{}, ErrInsufficientFunds
	}
	raw, err := a.transport.Call(ctx, m.endpoint, "icrc1_transfer", map[string]interface{}{"to": to, "amount": amount - m.info.Fee})
	if err != nil {
		return TxRef{}, err
	}
	return decodeTransfer(raw)
}
