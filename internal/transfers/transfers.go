// Package transfers maintains the append-only record of every token
// movement plus the claims queue for outbound transfers that failed.
// record_receive enforces the (token_id, tx_ref) double-spend guard
// within a sliding one-hour window.
package transfers

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/ledger"
	"github.com/kongswap/kong-backend/pkg/logging"
)

var (
	ErrDoubleSpend = errors.New("transfers: tx_ref already used within the dedup window")
	ErrNotFound    = errors.New("transfers: not found")
)

const DedupWindow = time.Hour

type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Record is one append-only transfer entry.
type Record struct {
	ID        uint64
	RequestID uint64
	Direction Direction
	TokenID   uint64
	Amount    bignum.Amount
	TxRef     ledger.TxRef
	Ts        time.Time
}

// Ledger records every transfer and guards against inbound replay.
type Ledger struct {
	db  *sql.DB
	log *logging.Logger
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, log: logging.GetDefault().Component("transfers")}
}

// RecordReceive inserts an inbound transfer, rejecting it with
// ErrDoubleSpend if a record with the same (token_id, tx_ref) exists
// within the last hour.
func (l *Ledger) RecordReceive(requestID uint64, transferID uint64, tokenID uint64, amount bignum.Amount, ref ledger.TxRef, ts time.Time) (Record, error) {
	windowStart := ts.Add(-DedupWindow).Unix()

	tx, err := l.db.Begin()
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback()

	dup, err := dedupExists(tx, tokenID, ref, windowStart)
	if err != nil {
		return Record{}, fmt.Errorf("transfers: dedup check: %w", err)
	}
	if dup {
		return Record{}, ErrDoubleSpend
	}

	rec := Record{ID: transferID, RequestID: requestID, Direction: DirectionReceive, TokenID: tokenID, Amount: amount, TxRef: ref, Ts: ts}
	if err := insertTransfer(tx, rec); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func dedupExists(tx *sql.Tx, tokenID uint64, ref ledger.TxRef, windowStart int64) (bool, error) {
	rows, err := tx.Query(`SELECT tx_ref_block, tx_ref_hash FROM transfers
		WHERE direction = 'receive' AND token_id = ? AND ts >= ?`, tokenID, windowStart)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	refKey := ref.String()
	for rows.Next() {
		var blockIdx sql.NullInt64
		var hash sql.NullString
		if err := rows.Scan(&blockIdx, &hash); err != nil {
			return false, err
		}
		var candidate ledger.TxRef
		if blockIdx.Valid {
			idx := uint64(blockIdx.Int64)
			candidate = ledger.BlockIndexRef(idx)
		} else if hash.Valid {
			candidate = ledger.TxHashRef([]byte(hash.String))
		}
		if candidate.String() == refKey {
			return true, nil
		}
	}
	return false, rows.Err()
}

// RecordSend inserts an outbound transfer unconditionally.
func (l *Ledger) RecordSend(requestID uint64, transferID uint64, tokenID uint64, amount bignum.Amount, ref ledger.TxRef, ts time.Time) (Record, error) {
	rec := Record{ID: transferID, RequestID: requestID, Direction: DirectionSend, TokenID: tokenID, Amount: amount, TxRef: ref, Ts: ts}
	tx, err := l.db.Begin()
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback()
	if err := insertTransfer(tx, rec); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns a transfer by id.
func (l *Ledger) Get(id uint64) (Record, error) {
	row := l.db.QueryRow(`SELECT id, request_id, direction, token_id, amount, tx_ref_block, tx_ref_hash, ts
		FROM transfers WHERE id = ?`, id)
	return scanTransfer(row)
}

func insertTransfer(tx *sql.Tx, rec Record) error {
	var blockIdx sql.NullInt64
	var hash sql.NullString
	if rec.TxRef.BlockIndex != nil {
		blockIdx = sql.NullInt64{Int64: int64(*rec.TxRef.BlockIndex), Valid: true}
	}
	if rec.TxRef.TxHash != nil {
		hash = sql.NullString{String: string(rec.TxRef.TxHash), Valid: true}
	}
	_, err := tx.Exec(`INSERT INTO transfers (id, request_id, direction, token_id, amount, tx_ref_block, tx_ref_hash, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, string(rec.Direction), rec.TokenID, rec.Amount.String(), blockIdx, hash, rec.Ts.Unix())
	return err
}

func scanTransfer(row *sql.Row) (Record, error) {
	var rec Record
	var direction, amount string
	var blockIdx sql.NullInt64
	var hash sql.NullString
	var ts int64
	err := row.Scan(&rec.ID, &rec.RequestID, &direction, &rec.TokenID, &amount, &blockIdx, &hash, &ts)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.Direction = Direction(direction)
	rec.Amount, err = bignum.FromString(amount)
	if err != nil {
		return Record{}, err
	}
	if blockIdx.Valid {
		idx := uint64(blockIdx.Int64)
		rec.TxRef = ledger.BlockIndexRef(idx)
	} else if hash.Valid {
		rec.TxRef = ledger.TxHashRef([]byte(hash.String))
	}
	rec.Ts = time.Unix(ts, 0)
	return rec, nil
}

// CountSince reports how many transfers have landed since a time,
// used for admin visibility into recent throughput.
func (l *Ledger) CountSince(since time.Time) (int, error) {
	var count int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM transfers WHERE ts >= ?`, since.Unix()).Scan(&count)
	return count, err
}

// DeleteOlderThan permanently removes transfer records older than
// before. Safe once a record falls outside DedupWindow, since nothing
// past that point still consults it for the double-spend guard. Used
// by the transfer-archiver sweeper.
func (l *Ledger) DeleteOlderThan(before time.Time) (int64, error) {
	res, err := l.db.Exec(`DELETE FROM transfers WHERE ts < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MaxID returns the highest transfer id observed, for counter
// rehydration.
func (l *Ledger) MaxID() (uint64, error) {
	var id sql.NullInt64
	if err := l.db.QueryRow(`SELECT MAX(id) FROM transfers`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return uint64(id.Int64), nil
}
