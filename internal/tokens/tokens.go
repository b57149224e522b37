// Package tokens implements the token registry: a monotonic token-id
// space mapping to a token descriptor, with one entry per tradeable
// token across the three kinds the backend supports.
package tokens

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/kongswap/kong-backend/internal/ledger"
	"github.com/kongswap/kong-backend/pkg/logging"
)

// Kind discriminates the three token variants the registry supports.
type Kind string

const (
	KindNativeLedger Kind = "native_ledger"
	KindLPToken      Kind = "lp_token"
	KindExternal     Kind = "external"
)

var (
	ErrNotFound       = errors.New("tokens: not found")
	ErrAlreadyRemoved = errors.New("tokens: already removed")
	ErrDuplicate      = errors.New("tokens: ledger id or (chain,address) already registered")
	ErrInvalidField   = errors.New("tokens: invalid field")
	ErrInUse          = errors.New("tokens: token still backs a pool")
)

// Caps mirrors the ledger capability set a NativeLedger token supports.
type Caps struct {
	ICRC1 bool
	ICRC2 bool
	ICRC3 bool
}

// Token is the stable descriptor for one token-id.
type Token struct {
	ID       uint64
	Kind     Kind
	Symbol   string
	Decimals uint8
	Fee      uint64 // smallest unit
	Removed  bool

	// NativeLedger fields.
	LedgerID string
	Caps     Caps

	// LPToken fields.
	PoolID uint64

	// External fields.
	ChainTag string
	Address  string
}

// Key returns the uniqueness key used to reject duplicate registration:
// ledger id for NativeLedger tokens, (chain,address) for External ones.
func (t Token) Key() string {
	switch t.Kind {
	case KindNativeLedger:
		return "ledger:" + t.LedgerID
	case KindExternal:
		return "ext:" + t.ChainTag + ":" + t.Address
	default:
		return fmt.Sprintf("lp:%d", t.PoolID)
	}
}

func (t Token) validate() error {
	if t.Decimals > 24 {
		return fmt.Errorf("%w: decimals %d out of [0,24]", ErrInvalidField, t.Decimals)
	}
	if t.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidField)
	}
	return nil
}

// Descriptor is the caller-supplied input to Add; ID and Caps (for
// NativeLedger) are filled in by the registry from the ledger adapter.
type Descriptor struct {
	Kind     Kind
	Symbol   string
	Decimals uint8
	Fee      uint64
	LedgerID string
	PoolID   uint64
	ChainTag string
	Address  string
}

// IDAllocator hands out the next token id from the settings counter
// space, shared across restarts.
type IDAllocator interface {
	NextTokenID() uint64
}

// Registry is the process-wide token store, SQLite-backed for
// durability with an in-memory cache for lock-free-ish reads. All
// mutation is single-threaded by convention; the mutex defends against
// the RPC layer's query handlers reading mid-mutation.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uint64]*Token
	bykey  map[string]uint64
	db     *sql.DB
	ids    IDAllocator
	ledger ledger.Adapter
	log    *logging.Logger
}

// New creates a Registry backed by db. Call Load once at startup to
// populate the in-memory cache from any rows already on disk.
func New(db *sql.DB, adapter ledger.Adapter, ids IDAllocator) *Registry {
	return &Registry{
		byID:   make(map[uint64]*Token),
		bykey:  make(map[string]uint64),
		db:     db,
		ids:    ids,
		ledger: adapter,
		log:    logging.GetDefault().Component("tokens"),
	}
}

// Load populates the in-memory cache from the tokens table. Must be
// called once before the registry serves traffic.
func (r *Registry) Load() error {
	rows, err := r.db.Query(`SELECT id, kind, symbol, decimals, fee, removed, ledger_id,
		caps_icrc1, caps_icrc2, caps_icrc3, pool_id, chain_tag, address FROM tokens ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var t Token
		var kind string
		var removed, icrc1, icrc2, icrc3 int
		var ledgerID, chainTag, address sql.NullString
		var poolID sql.NullInt64
		if err := rows.Scan(&t.ID, &kind, &t.Symbol, &t.Decimals, &t.Fee, &removed, &ledgerID,
			&icrc1, &icrc2, &icrc3, &poolID, &chainTag, &address); err != nil {
			return err
		}
		t.Kind = Kind(kind)
		t.Removed = removed != 0
		t.LedgerID = ledgerID.String
		t.Caps = Caps{ICRC1: icrc1 != 0, ICRC2: icrc2 != 0, ICRC3: icrc3 != 0}
		t.PoolID = uint64(poolID.Int64)
		t.ChainTag = chainTag.String
		t.Address = address.String
		tc := t
		r.byID[t.ID] = &tc
		r.bykey[t.Key()] = t.ID
	}
	return rows.Err()
}

// MaxID returns the highest token id observed, for counter rehydration.
func (r *Registry) MaxID() (uint64, error) {
	var id sql.NullInt64
	if err := r.db.QueryRow(`SELECT MAX(id) FROM tokens`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return uint64(id.Int64), nil
}

func (r *Registry) insertRow(t Token) error {
	_, err := r.db.Exec(`INSERT INTO tokens (id, kind, symbol, decimals, fee, removed, ledger_id,
		caps_icrc1, caps_icrc2, caps_icrc3, pool_id, chain_tag, address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Kind), t.Symbol, t.Decimals, t.Fee, boolInt(t.Removed), nullString(t.LedgerID),
		boolInt(t.Caps.ICRC1), boolInt(t.Caps.ICRC2), boolInt(t.Caps.ICRC3),
		nullUint(t.PoolID), nullString(t.ChainTag), nullString(t.Address))
	return err
}

func (r *Registry) updateRow(t Token) error {
	_, err := r.db.Exec(`UPDATE tokens SET symbol = ?, decimals = ?, fee = ?, removed = ? WHERE id = ?`,
		t.Symbol, t.Decimals, t.Fee, boolInt(t.Removed), t.ID)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullUint(v uint64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

// Add registers a new token. For NativeLedger tokens, the ledger
// adapter is queried to populate symbol/decimals/fee/caps.
func (r *Registry) Add(d Descriptor) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := Token{
		Kind:     d.Kind,
		Symbol:   d.Symbol,
		Decimals: d.Decimals,
		Fee:      d.Fee,
		LedgerID: d.LedgerID,
		PoolID:   d.PoolID,
		ChainTag: d.ChainTag,
		Address:  d.Address,
	}

	if t.Kind == KindNativeLedger && r.ledger != nil {
		info, err := r.ledger.Describe(t.LedgerID)
		if err != nil {
			return 0, fmt.Errorf("tokens: describe ledger %s: %w", t.LedgerID, err)
		}
		t.Symbol = info.Symbol
		t.Decimals = info.Decimals
		t.Fee = info.Fee
		t.Caps = Caps{ICRC1: info.Caps.Transfer, ICRC2: info.Caps.TransferFrom, ICRC3: info.Caps.VerifyByIndex}
	}

	if err := t.validate(); err != nil {
		return 0, err
	}

	key := t.Key()
	if existingID, ok := r.bykey[key]; ok {
		if existing := r.byID[existingID]; existing != nil && !existing.Removed {
			return 0, ErrDuplicate
		}
	}

	t.ID = r.ids.NextTokenID()
	if err := r.insertRow(t); err != nil {
		return 0, fmt.Errorf("tokens: persist %d: %w", t.ID, err)
	}
	r.byID[t.ID] = &t
	r.bykey[key] = t.ID

	r.log.Info("token added", "id", t.ID, "symbol", t.Symbol, "kind", t.Kind)
	return t.ID, nil
}

// Update replaces the mutable fields of a token descriptor (admin op).
func (r *Registry) Update(id uint64, d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if t.Removed {
		return ErrAlreadyRemoved
	}
	if d.Symbol != "" {
		t.Symbol = d.Symbol
	}
	if d.Decimals != 0 {
		t.Decimals = d.Decimals
	}
	t.Fee = d.Fee
	if err := t.validate(); err != nil {
		return err
	}
	return r.updateRow(*t)
}

// InUseChecker lets the pool store answer "does a non-removed pool still
// reference this token" without tokens importing pools (avoiding a
// cycle): the caller of Remove passes one in (the remove_token handler
// passes pools.Store.TokenInUse).
type InUseChecker func(tokenID uint64) bool

// Remove soft-deletes a token. Removing a token that still backs a
// non-removed pool is forbidden.
func (r *Registry) Remove(id uint64, inUse InUseChecker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if t.Removed {
		return ErrAlreadyRemoved
	}
	if inUse != nil && inUse(id) {
		return ErrInUse
	}
	t.Removed = true
	return r.updateRow(*t)
}

// Get returns the token for id.
func (r *Registry) Get(id uint64) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return Token{}, ErrNotFound
	}
	return *t, nil
}

// Resolve maps a symbol or external address to a token id. Symbol lookup
// prefers non-removed tokens and the lowest id on ties (earliest listed).
func (r *Registry) Resolve(symbolOrAddress string) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Token
	for _, t := range r.byID {
		if t.Removed {
			continue
		}
		if t.Symbol == symbolOrAddress || t.Address == symbolOrAddress || t.LedgerID == symbolOrAddress {
			if best == nil || t.ID < best.ID {
				best = t
			}
		}
	}
	if best == nil {
		return 0, ErrNotFound
	}
	return best.ID, nil
}

// List returns every registered token ordered by id.
func (r *Registry) List() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Token, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, *t)
	}
	sortTokensByID(out)
	return out
}

func sortTokensByID(ts []Token) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j-1].ID > ts[j].ID; j-- {
			ts[j-1], ts[j] = ts[j], ts[j-1]
		}
	}
}
