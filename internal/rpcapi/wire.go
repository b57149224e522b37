package rpcapi

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/kongswap/kong-backend/internal/ledger"
)

// decodeParams unmarshals a request's raw params into v, rejecting an
// empty body so a call without params fails up front with an error
// instead of running a handler on a zero-valued struct.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("rpcapi: missing params")
	}
	return json.Unmarshal(params, v)
}

// txRefWire is the JSON shape of a ledger.TxRef: exactly one of the two
// fields is set, matching which verification method the source ledger
// dialect supports.
type txRefWire struct {
	BlockIndex *uint64 `json:"block_index,omitempty"`
	TxHash     string  `json:"tx_hash,omitempty"` // hex-encoded
}

func (w *txRefWire) toDomain() (*ledger.TxRef, error) {
	if w == nil {
		return nil, nil
	}
	if w.BlockIndex != nil {
		ref := ledger.BlockIndexRef(*w.BlockIndex)
		return &ref, nil
	}
	if w.TxHash != "" {
		h, err := hex.DecodeString(w.TxHash)
		if err != nil {
			return nil, fmt.Errorf("rpcapi: invalid tx_hash: %w", err)
		}
		ref := ledger.TxHashRef(h)
		return &ref, nil
	}
	return nil, fmt.Errorf("rpcapi: tx_ref requires block_index or tx_hash")
}

func txRefToWire(ref ledger.TxRef) txRefWire {
	if ref.BlockIndex != nil {
		return txRefWire{BlockIndex: ref.BlockIndex}
	}
	return txRefWire{TxHash: hex.EncodeToString(ref.TxHash)}
}
