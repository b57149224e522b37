package transfers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/ledger"
	"github.com/kongswap/kong-backend/pkg/logging"
)

type ClaimStatus string

const (
	ClaimUnclaimed         ClaimStatus = "Unclaimed"
	ClaimClaiming          ClaimStatus = "Claiming"
	ClaimClaimed           ClaimStatus = "Claimed"
	ClaimTooManyAttempts   ClaimStatus = "TooManyAttempts"
	ClaimUnclaimedOverride ClaimStatus = "UnclaimedOverride"
	ClaimClaimable         ClaimStatus = "Claimable"
)

var (
	ErrClaimNotFound       = errors.New("claims: not found")
	ErrClaimNotRetriable   = errors.New("claims: not in a retriable state")
	ErrClaimAlreadyClaiming = errors.New("claims: already being claimed")
)

const (
	MaxAttempts        = 50
	CooldownAfter       = 20
	CooldownDuration    = time.Hour
	MaxConsecutiveSweepFailures = 5
)

// Claim is a pull-based obligation: the backend owes user_id amount of
// token_id, deliverable to to_address.
type Claim struct {
	ID              uint64
	UserID          uint64
	TokenID         uint64
	Amount          bignum.Amount
	LinkedRequestID *uint64
	ToAddress       string
	Status          ClaimStatus
	Attempts        []uint64 // request ids of each failed attempt
	Transfers       []uint64 // transfer ids on success
	Ts              time.Time
	LastAttemptTs   time.Time // zero until the first failed attempt
}

func (c Claim) retriable() bool {
	switch c.Status {
	case ClaimUnclaimed, ClaimUnclaimedOverride, ClaimClaimable:
		return true
	default:
		return false
	}
}

// Claims manages the claims queue.
type Claims struct {
	db  *sql.DB
	log *logging.Logger
}

func NewClaims(db *sql.DB) *Claims {
	return &Claims{db: db, log: logging.GetDefault().Component("claims")}
}

// Create opens a new claim in Unclaimed status, or in Claimable status
// when claimable is set.
func (c *Claims) Create(claimID, userID, tokenID uint64, amount bignum.Amount, toAddress string, linkedRequestID *uint64, claimable bool, ts time.Time) (Claim, error) {
	status := ClaimUnclaimed
	if claimable {
		status = ClaimClaimable
	}
	cl := Claim{ID: claimID, UserID: userID, TokenID: tokenID, Amount: amount, ToAddress: toAddress, LinkedRequestID: linkedRequestID, Status: status, Ts: ts}
	if err := c.insert(cl); err != nil {
		return Claim{}, err
	}
	return cl, nil
}

func (c *Claims) insert(cl Claim) error {
	attempts, _ := json.Marshal(cl.Attempts)
	transfersJSON, _ := json.Marshal(cl.Transfers)
	var linked sql.NullInt64
	if cl.LinkedRequestID != nil {
		linked = sql.NullInt64{Int64: int64(*cl.LinkedRequestID), Valid: true}
	}
	_, err := c.db.Exec(`INSERT INTO claims (id, user_id, token_id, amount, linked_request_id, to_address, status, attempts_json, transfers_json, ts, last_attempt_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		cl.ID, cl.UserID, cl.TokenID, cl.Amount.String(), linked, cl.ToAddress, string(cl.Status), string(attempts), string(transfersJSON), cl.Ts.Unix())
	return err
}

// Get returns a claim by id.
func (c *Claims) Get(id uint64) (Claim, error) {
	row := c.db.QueryRow(`SELECT id, user_id, token_id, amount, linked_request_id, to_address, status, attempts_json, transfers_json, ts, last_attempt_ts
		FROM claims WHERE id = ?`, id)
	return scanClaim(row)
}

// ForUser lists all claims owned by userID, most recent first.
func (c *Claims) ForUser(userID uint64) ([]Claim, error) {
	rows, err := c.db.Query(`SELECT id, user_id, token_id, amount, linked_request_id, to_address, status, attempts_json, transfers_json, ts, last_attempt_ts
		FROM claims WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Claim
	for rows.Next() {
		cl, err := scanClaimRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

// List returns every claim in reverse-id order, for the sweeper and the
// admin backup endpoint.
func (c *Claims) List() ([]Claim, error) {
	rows, err := c.db.Query(`SELECT id, user_id, token_id, amount, linked_request_id, to_address, status, attempts_json, transfers_json, ts, last_attempt_ts
		FROM claims ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Claim
	for rows.Next() {
		cl, err := scanClaimRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

// OutstandingByToken sums the amounts of every claim for tokenID that
// has not yet reached a terminal state, i.e. tokens the backend still
// owes out, used by pool reconciliation.
func (c *Claims) OutstandingByToken(tokenID uint64) (bignum.Amount, error) {
	rows, err := c.db.Query(`SELECT amount FROM claims WHERE token_id = ?
		AND status IN ('Unclaimed','UnclaimedOverride','Claimable','Claiming')`, tokenID)
	if err != nil {
		return bignum.Amount{}, err
	}
	defer rows.Close()
	total := bignum.Zero()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return bignum.Amount{}, err
		}
		amt, err := bignum.FromString(raw)
		if err != nil {
			return bignum.Amount{}, err
		}
		total = bignum.Add(total, amt)
	}
	return total, rows.Err()
}

// tryMarkClaiming performs the reentrancy-guarded Unclaimed -> Claiming
// transition, returning false if the claim was not in a retriable state
// at the moment of the update (another attempt has it), or if it is over
// MaxAttempts, in which case it is moved to TooManyAttempts. The
// post-CooldownAfter cooldown is not checked here; SweepEligible
// applies it.
func (c *Claims) tryMarkClaiming(cl Claim, now time.Time) (bool, error) {
	if !cl.retriable() {
		return false, nil
	}
	if len(cl.Attempts) > MaxAttempts {
		_ = c.setStatus(cl.ID, ClaimTooManyAttempts)
		return false, nil
	}
	res, err := c.db.Exec(`UPDATE claims SET status = 'Claiming' WHERE id = ? AND status IN ('Unclaimed','UnclaimedOverride','Claimable')`, cl.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Claims) setStatus(id uint64, status ClaimStatus) error {
	_, err := c.db.Exec(`UPDATE claims SET status = ? WHERE id = ?`, string(status), id)
	return err
}

func (c *Claims) appendAttempt(id uint64, requestID uint64, ts time.Time) error {
	cl, err := c.Get(id)
	if err != nil {
		return err
	}
	cl.Attempts = append(cl.Attempts, requestID)
	attempts, _ := json.Marshal(cl.Attempts)
	_, err = c.db.Exec(`UPDATE claims SET attempts_json = ?, last_attempt_ts = ? WHERE id = ?`, string(attempts), ts.Unix(), id)
	return err
}

func (c *Claims) markClaimed(id uint64, transferID uint64) error {
	cl, err := c.Get(id)
	if err != nil {
		return err
	}
	cl.Transfers = append(cl.Transfers, transferID)
	transfersJSON, _ := json.Marshal(cl.Transfers)
	_, err = c.db.Exec(`UPDATE claims SET status = 'Claimed', transfers_json = ? WHERE id = ?`, string(transfersJSON), id)
	return err
}

// revertToUnclaimed is used when a push attempt fails: the claim
// returns to Unclaimed so a later attempt (sweep or explicit Claim)
// can pick it up again.
func (c *Claims) revertToUnclaimed(id uint64) error {
	return c.setStatus(id, ClaimUnclaimed)
}

// Pusher performs the outbound transfer for a claim attempt.
type Pusher interface {
	Push(ctx context.Context, ledgerID, to string, amount uint64) (ledger.TxRef, error)
}

// AttemptResult reports what happened when an attempt was driven.
type AttemptResult struct {
	ClaimID    uint64
	Succeeded  bool
	Transient  bool
	Err        error
}

// Attempt drives one claim through the reentrancy-guarded push flow:
// mark Claiming, call push, and on success mark Claimed and append the
// transfer id; on failure append the attempt's request id and revert
// to Unclaimed (or TooManyAttempts once the cap is exceeded).
func (c *Claims) Attempt(ctx context.Context, claimID uint64, ledgerID string, requestID uint64, nextTransferID uint64, pusher Pusher, recordSend func(requestID, transferID, tokenID uint64, amount bignum.Amount, ref ledger.TxRef, ts time.Time) error, now time.Time) AttemptResult {
	cl, err := c.Get(claimID)
	if err != nil {
		return AttemptResult{ClaimID: claimID, Err: err}
	}

	ok, err := c.tryMarkClaiming(cl, now)
	if err != nil {
		return AttemptResult{ClaimID: claimID, Err: err}
	}
	if !ok {
		return AttemptResult{ClaimID: claimID, Err: ErrClaimNotRetriable}
	}

	ref, pushErr := pusher.Push(ctx, ledgerID, cl.ToAddress, cl.Amount.Uint64())
	if pushErr != nil {
		_ = c.appendAttempt(claimID, requestID, now)
		cl2, gerr := c.Get(claimID)
		if gerr == nil && len(cl2.Attempts) > MaxAttempts {
			_ = c.setStatus(claimID, ClaimTooManyAttempts)
		} else {
			_ = c.revertToUnclaimed(claimID)
		}
		return AttemptResult{ClaimID: claimID, Succeeded: false, Transient: ledger.IsTransient(pushErr), Err: pushErr}
	}

	if err := recordSend(requestID, nextTransferID, cl.TokenID, cl.Amount, ref, now); err != nil {
		_ = c.revertToUnclaimed(claimID)
		return AttemptResult{ClaimID: claimID, Err: err}
	}
	if err := c.markClaimed(claimID, nextTransferID); err != nil {
		return AttemptResult{ClaimID: claimID, Err: err}
	}
	return AttemptResult{ClaimID: claimID, Succeeded: true}
}

// SweepEligible returns claims in reverse-id order, skipping claims in
// non-retriable states and claims that are within the post-20-attempt
// one-hour cooldown (measured from the most recent failed attempt).
func (c *Claims) SweepEligible(now time.Time) ([]Claim, error) {
	all, err := c.List()
	if err != nil {
		return nil, err
	}
	var out []Claim
	for _, cl := range all {
		if !cl.retriable() {
			continue
		}
		if len(cl.Attempts) > CooldownAfter && now.Sub(cl.LastAttemptTs) < CooldownDuration {
			continue
		}
		out = append(out, cl)
	}
	return out, nil
}

func scanClaim(row *sql.Row) (Claim, error) {
	var cl Claim
	var amount, status, attemptsJSON, transfersJSON string
	var linked sql.NullInt64
	var ts, lastAttempt int64
	err := row.Scan(&cl.ID, &cl.UserID, &cl.TokenID, &amount, &linked, &cl.ToAddress, &status, &attemptsJSON, &transfersJSON, &ts, &lastAttempt)
	if err == sql.ErrNoRows {
		return Claim{}, ErrClaimNotFound
	}
	if err != nil {
		return Claim{}, err
	}
	return finishClaim(cl, amount, linked, status, attemptsJSON, transfersJSON, ts, lastAttempt)
}

func scanClaimRows(rows *sql.Rows) (Claim, error) {
	var cl Claim
	var amount, status, attemptsJSON, transfersJSON string
	var linked sql.NullInt64
	var ts, lastAttempt int64
	err := rows.Scan(&cl.ID, &cl.UserID, &cl.TokenID, &amount, &linked, &cl.ToAddress, &status, &attemptsJSON, &transfersJSON, &ts, &lastAttempt)
	if err != nil {
		return Claim{}, err
	}
	return finishClaim(cl, amount, linked, status, attemptsJSON, transfersJSON, ts, lastAttempt)
}

// MaxID returns the highest claim id observed, for counter rehydration.
func (c *Claims) MaxID() (uint64, error) {
	var id sql.NullInt64
	if err := c.db.QueryRow(`SELECT MAX(id) FROM claims`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return uint64(id.Int64), nil
}

func finishClaim(cl Claim, amount string, linked sql.NullInt64, status, attemptsJSON, transfersJSON string, ts, lastAttempt int64) (Claim, error) {
	var err error
	cl.Amount, err = bignum.FromString(amount)
	if err != nil {
		return Claim{}, err
	}
	if linked.Valid {
		v := uint64(linked.Int64)
		cl.LinkedRequestID = &v
	}
	cl.Status = ClaimStatus(status)
	if err := json.Unmarshal([]byte(attemptsJSON), &cl.Attempts); err != nil {
		return Claim{}, fmt.Errorf("claims: decode attempts: %w", err)
	}
	if err := json.Unmarshal([]byte(transfersJSON), &cl.Transfers); err != nil {
		return Claim{}, fmt.Errorf("claims: decode transfers: %w", err)
	}
	cl.Ts = time.Unix(ts, 0)
	if lastAttempt > 0 {
		cl.LastAttemptTs = time.Unix(lastAttempt, 0)
	}
	return cl, nil
}
