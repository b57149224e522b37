// Package pools owns per-pool reserves, fee accumulators, rolling 24h
// statistics, and the LP-token ledger. All mutation is funnelled
// through Store's mutate-for-* methods so that reserve math and
// persistence stay in lockstep.
package pools

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/pkg/logging"
)

var (
	ErrNotFound       = errors.New("pools: not found")
	ErrAlreadyExists  = errors.New("pools: pair already exists")
	ErrInvalidFee     = errors.New("pools: fee bps out of range")
	ErrReserveUnderflow = errors.New("pools: reserve underflow")
	ErrNotEmpty       = errors.New("pools: cannot reseed a non-empty pool")
)

// MaxTotalFeeBps caps lp_fee_bps + platform_fee_bps.
const MaxTotalFeeBps = 100

// Dir selects which side of a pool a swap pays into.
type Dir int

const (
	Dir0 Dir = iota
	Dir1
)

// Pool is the durable record for one trading pair.
type Pool struct {
	ID                 uint64
	Token0ID, Token1ID uint64
	Reserve0, Reserve1 bignum.Amount
	LPFeeAccum0, LPFeeAccum1 bignum.Amount
	PlatformFeeAccum0, PlatformFeeAccum1 bignum.Amount
	LPFeeBps, PlatformFeeBps uint8
	LPTokenID uint64
	Listed    bool
	Removed   bool
	Rolling24hVolume   bignum.Amount
	Rolling24hLPFee    bignum.Amount
	Rolling24hNumSwaps uint64
	APY       float64
	CreatedAt time.Time
}

// TotalFeeBps is the fee charged on a swap through this pool.
func (p Pool) TotalFeeBps() uint16 { return uint16(p.LPFeeBps) + uint16(p.PlatformFeeBps) }

// Store is the process-wide pool registry, backed by SQLite.
type Store struct {
	mu  sync.RWMutex
	db  *sql.DB
	log *logging.Logger
}

func New(db *sql.DB) *Store {
	return &Store{db: db, log: logging.GetDefault().Component("pools")}
}

// canonicalOrder returns tokens in (lower,higher) id order and whether
// a swap was performed, so callers can map amount_0/amount_1 correctly.
func canonicalOrder(a, b uint64) (lo, hi uint64, swapped bool) {
	if a < b {
		return a, b, false
	}
	return b, a, true
}

// Create allocates a pool for (tokenA, tokenB), mints initial LP supply
// to the creator equal to sqrt(initial_0 * initial_1), and persists the
// initial reserves.
func (s *Store) Create(tokenA, tokenB uint64, lpFeeBps, platformFeeBps uint8, initialA, initialB bignum.Amount, lpTokenID, creatorUserID, poolID uint64) (Pool, error) {
	if uint16(lpFeeBps)+uint16(platformFeeBps) > MaxTotalFeeBps {
		return Pool{}, ErrInvalidFee
	}
	token0, token1, swapped := canonicalOrder(tokenA, tokenB)
	reserve0, reserve1 := initialA, initialB
	if swapped {
		reserve0, reserve1 = initialB, initialA
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pools WHERE token_0_id = ? AND token_1_id = ? AND removed = 0`, token0, token1).Scan(&exists)
	if err != nil {
		return Pool{}, fmt.Errorf("pools: check existing pair: %w", err)
	}
	if exists > 0 {
		return Pool{}, ErrAlreadyExists
	}

	p := Pool{
		ID: poolID, Token0ID: token0, Token1ID: token1,
		Reserve0: reserve0, Reserve1: reserve1,
		LPFeeAccum0: bignum.Zero(), LPFeeAccum1: bignum.Zero(),
		PlatformFeeAccum0: bignum.Zero(), PlatformFeeAccum1: bignum.Zero(),
		LPFeeBps: lpFeeBps, PlatformFeeBps: platformFeeBps,
		LPTokenID: lpTokenID, Listed: true,
		Rolling24hVolume: bignum.Zero(), Rolling24hLPFee: bignum.Zero(),
		CreatedAt: time.Now(),
	}

	lpMinted := bignum.Sqrt(bignum.Mul(reserve0, reserve1))

	tx, err := s.db.Begin()
	if err != nil {
		return Pool{}, err
	}
	defer tx.Rollback()

	if err := insertPool(tx, p); err != nil {
		return Pool{}, err
	}
	if err := creditLP(tx, lpTokenID, creatorUserID, lpMinted); err != nil {
		return Pool{}, err
	}
	if err := tx.Commit(); err != nil {
		return Pool{}, err
	}

	s.log.Info("pool created", "pool_id", p.ID, "token_0", token0, "token_1", token1, "lp_minted", lpMinted.String())
	return p, nil
}

// MutateForSwap applies one swap's reserve and fee-accumulator delta
// atomically: reserve_dir += pay_amount, reserve_other -= receive_amount
// (the gross amount before fee deduction), with lp_fee/platform_fee
// credited to the receive side's accumulators.
func (s *Store) MutateForSwap(poolID uint64, dir Dir, payAmount, grossReceive, lpFee, platformFee bignum.Amount) (Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.getLocked(poolID)
	if err != nil {
		return Pool{}, err
	}

	var ok bool
	if dir == Dir0 {
		p.Reserve0 = bignum.Add(p.Reserve0, payAmount)
		p.Reserve1, ok = bignum.Sub(p.Reserve1, grossReceive)
		if !ok {
			return Pool{}, fmt.Errorf("%w: pool %d reserve_1", ErrReserveUnderflow, poolID)
		}
		p.LPFeeAccum1 = bignum.Add(p.LPFeeAccum1, lpFee)
		p.PlatformFeeAccum1 = bignum.Add(p.PlatformFeeAccum1, platformFee)
	} else {
		p.Reserve1 = bignum.Add(p.Reserve1, payAmount)
		p.Reserve0, ok = bignum.Sub(p.Reserve0, grossReceive)
		if !ok {
			return Pool{}, fmt.Errorf("%w: pool %d reserve_0", ErrReserveUnderflow, poolID)
		}
		p.LPFeeAccum0 = bignum.Add(p.LPFeeAccum0, lpFee)
		p.PlatformFeeAccum0 = bignum.Add(p.PlatformFeeAccum0, platformFee)
	}

	if err := s.persistLocked(p); err != nil {
		return Pool{}, err
	}
	p.Rolling24hNumSwaps++
	p.Rolling24hVolume = bignum.Add(p.Rolling24hVolume, payAmount)
	p.Rolling24hLPFee = bignum.Add(p.Rolling24hLPFee, lpFee)
	if err := s.persistStatsLocked(p); err != nil {
		return Pool{}, err
	}
	return p, nil
}

// MutateForAdd credits both reserves and mints lpMinted to userID.
func (s *Store) MutateForAdd(poolID uint64, amount0, amount1, lpMinted bignum.Amount, userID uint64) (Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.getLocked(poolID)
	if err != nil {
		return Pool{}, err
	}
	p.Reserve0 = bignum.Add(p.Reserve0, amount0)
	p.Reserve1 = bignum.Add(p.Reserve1, amount1)
	if err := s.persistLocked(p); err != nil {
		return Pool{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Pool{}, err
	}
	defer tx.Rollback()
	if err := creditLP(tx, p.LPTokenID, userID, lpMinted); err != nil {
		return Pool{}, err
	}
	if err := tx.Commit(); err != nil {
		return Pool{}, err
	}
	return p, nil
}

// MutateForRemove debits both reserves and burns lpBurned from userID.
// amount0/amount1 are the totals paid out to the user, of which
// feeShare0/feeShare1 come out of the LP-fee accumulators rather than
// the reserves.
func (s *Store) MutateForRemove(poolID uint64, amount0, amount1, lpBurned, feeShare0, feeShare1 bignum.Amount, userID uint64) (Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.getLocked(poolID)
	if err != nil {
		return Pool{}, err
	}
	reserveOut0, ok := bignum.Sub(amount0, feeShare0)
	if !ok {
		return Pool{}, fmt.Errorf("%w: pool %d fee share exceeds amount_0", ErrReserveUnderflow, poolID)
	}
	reserveOut1, ok := bignum.Sub(amount1, feeShare1)
	if !ok {
		return Pool{}, fmt.Errorf("%w: pool %d fee share exceeds amount_1", ErrReserveUnderflow, poolID)
	}
	p.Reserve0, ok = bignum.Sub(p.Reserve0, reserveOut0)
	if !ok {
		return Pool{}, fmt.Errorf("%w: pool %d reserve_0", ErrReserveUnderflow, poolID)
	}
	p.Reserve1, ok = bignum.Sub(p.Reserve1, reserveOut1)
	if !ok {
		return Pool{}, fmt.Errorf("%w: pool %d reserve_1", ErrReserveUnderflow, poolID)
	}
	if feeShare0.Cmp(bignum.Zero()) > 0 {
		p.LPFeeAccum0, ok = bignum.Sub(p.LPFeeAccum0, feeShare0)
		if !ok {
			return Pool{}, fmt.Errorf("%w: pool %d lp_fee_accum_0", ErrReserveUnderflow, poolID)
		}
	}
	if feeShare1.Cmp(bignum.Zero()) > 0 {
		p.LPFeeAccum1, ok = bignum.Sub(p.LPFeeAccum1, feeShare1)
		if !ok {
			return Pool{}, fmt.Errorf("%w: pool %d lp_fee_accum_1", ErrReserveUnderflow, poolID)
		}
	}
	if err := s.persistLocked(p); err != nil {
		return Pool{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Pool{}, err
	}
	defer tx.Rollback()
	if err := debitLP(tx, p.LPTokenID, userID, lpBurned); err != nil {
		return Pool{}, err
	}
	if err := tx.Commit(); err != nil {
		return Pool{}, err
	}
	return p, nil
}

// WithdrawPlatformFee zeroes the pool's platform-fee accumulators and
// returns what was withdrawn, for the admin to push out over a ledger
// adapter. The accumulator reset is the durable side effect; if the
// subsequent push fails the caller is expected to claim the amount
// rather than re-withdraw it from the pool.
func (s *Store) WithdrawPlatformFee(poolID uint64) (amount0, amount1 bignum.Amount, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.getLocked(poolID)
	if err != nil {
		return bignum.Amount{}, bignum.Amount{}, err
	}
	amount0, amount1 = p.PlatformFeeAccum0, p.PlatformFeeAccum1
	p.PlatformFeeAccum0, p.PlatformFeeAccum1 = bignum.Zero(), bignum.Zero()
	if err := s.persistLocked(p); err != nil {
		return bignum.Amount{}, bignum.Amount{}, err
	}
	return amount0, amount1, nil
}

// Get returns the pool by id.
func (s *Store) Get(poolID uint64) (Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(poolID)
}

// GetByPair resolves a pool by its two token ids in any order.
func (s *Store) GetByPair(tokenA, tokenB uint64) (Pool, error) {
	token0, token1, _ := canonicalOrder(tokenA, tokenB)
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT id FROM pools WHERE token_0_id = ? AND token_1_id = ? AND removed = 0`, token0, token1)
	var id uint64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return Pool{}, ErrNotFound
		}
		return Pool{}, err
	}
	return s.getLocked(id)
}

// List returns every non-removed pool.
func (s *Store) List() ([]Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id FROM pools WHERE removed = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Pool
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		p, err := s.getLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecomputeStats annualizes the accumulated rolling window's LP fee
// against current reserves (apy = lp_fee/reserves * 365 * 100) and
// resets the window's counters, used by the pool-stats sweeper once
// per interval. There is no per-swap trade log to re-walk a true
// trailing 24h window against, so the window is "since the last
// recompute" rather than a strict last-24h slice.
func (s *Store) RecomputeStats(poolID uint64, now time.Time) (Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.getLocked(poolID)
	if err != nil {
		return Pool{}, err
	}

	reserveTotal := bignum.Add(p.Reserve0, p.Reserve1)
	if !reserveTotal.IsZero() {
		feeF := p.Rolling24hLPFee.ToFloat64Lossy()
		reserveF := reserveTotal.ToFloat64Lossy()
		p.APY = feeF / reserveF * 365 * 100
	} else {
		p.APY = 0
	}

	p.Rolling24hVolume = bignum.Zero()
	p.Rolling24hLPFee = bignum.Zero()
	p.Rolling24hNumSwaps = 0

	if err := s.persistStatsLocked(p); err != nil {
		return Pool{}, err
	}
	return p, nil
}

// TokenInUse reports whether tokenID backs any non-removed pool, used
// by the token registry to forbid removing in-use tokens.
func (s *Store) TokenInUse(tokenID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int
	s.db.QueryRow(`SELECT COUNT(*) FROM pools WHERE (token_0_id = ? OR token_1_id = ?) AND removed = 0`, tokenID, tokenID).Scan(&count)
	return count > 0
}

// LPBalance returns a user's LP holding for lpTokenID.
func (s *Store) LPBalance(lpTokenID, userID uint64) (bignum.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var raw string
	err := s.db.QueryRow(`SELECT amount FROM lp_ledger WHERE lp_token_id = ? AND user_id = ?`, lpTokenID, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return bignum.Zero(), nil
	}
	if err != nil {
		return bignum.Amount{}, err
	}
	return bignum.FromString(raw)
}

// TransferLP moves amount of LP-token lpTokenID from one user to
// another atomically, backing the send endpoint.
func (s *Store) TransferLP(lpTokenID, fromUserID, toUserID uint64, amount bignum.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := debitLP(tx, lpTokenID, fromUserID, amount); err != nil {
		return err
	}
	if err := creditLP(tx, lpTokenID, toUserID, amount); err != nil {
		return err
	}
	return tx.Commit()
}

// LPTotalSupply returns the sum of all LP-ledger balances for lpTokenID.
func (s *Store) LPTotalSupply(lpTokenID uint64) (bignum.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT amount FROM lp_ledger WHERE lp_token_id = ?`, lpTokenID)
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

func (s *Store) getLocked(poolID uint64) (Pool, error) {
	row := s.db.QueryRow(`SELECT id, token_0_id, token_1_id, reserve_0, reserve_1,
		lp_fee_accum_0, lp_fee_accum_1, platform_fee_accum_0, platform_fee_accum_1,
		lp_fee_bps, platform_fee_bps, lp_token_id, listed, removed,
		rolling_24h_volume, rolling_24h_lp_fee, rolling_24h_num_swaps, apy, created_at
		FROM pools WHERE id = ?`, poolID)
	return scanPool(row)
}

func scanPool(row *sql.Row) (Pool, error) {
	var p Pool
	var r0, r1, lfa0, lfa1, pfa0, pfa1, vol, lpfee string
	var createdAt int64
	err := row.Scan(&p.ID, &p.Token0ID, &p.Token1ID, &r0, &r1,
		&lfa0, &lfa1, &pfa0, &pfa1,
		&p.LPFeeBps, &p.PlatformFeeBps, &p.LPTokenID, &p.Listed, &p.Removed,
		&vol, &lpfee, &p.Rolling24hNumSwaps, &p.APY, &createdAt)
	if err == sql.ErrNoRows {
		return Pool{}, ErrNotFound
	}
	if err != nil {
		return Pool{}, err
	}
	if p.Reserve0, err = bignum.FromString(r0); err != nil {
		return Pool{}, err
	}
	if p.Reserve1, err = bignum.FromString(r1); err != nil {
		return Pool{}, err
	}
	if p.LPFeeAccum0, err = bignum.FromString(lfa0); err != nil {
		return Pool{}, err
	}
	if p.LPFeeAccum1, err = bignum.FromString(lfa1); err != nil {
		return Pool{}, err
	}
	if p.PlatformFeeAccum0, err = bignum.FromString(pfa0); err != nil {
		return Pool{}, err
	}
	if p.PlatformFeeAccum1, err = bignum.FromString(pfa1); err != nil {
		return Pool{}, err
	}
	if p.Rolling24hVolume, err = bignum.FromString(vol); err != nil {
		return Pool{}, err
	}
	if p.Rolling24hLPFee, err = bignum.FromString(lpfee); err != nil {
		return Pool{}, err
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	return p, nil
}

func insertPool(tx *sql.Tx, p Pool) error {
	_, err := tx.Exec(`INSERT INTO pools (id, token_0_id, token_1_id, reserve_0, reserve_1,
		lp_fee_accum_0, lp_fee_accum_1, platform_fee_accum_0, platform_fee_accum_1,
		lp_fee_bps, platform_fee_bps, lp_token_id, listed, removed,
		rolling_24h_volume, rolling_24h_lp_fee, rolling_24h_num_swaps, apy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?, 0, 0, ?)`,
		p.ID, p.Token0ID, p.Token1ID, p.Reserve0.String(), p.Reserve1.String(),
		p.LPFeeAccum0.String(), p.LPFeeAccum1.String(), p.PlatformFeeAccum0.String(), p.PlatformFeeAccum1.String(),
		p.LPFeeBps, p.PlatformFeeBps, p.LPTokenID,
		p.Rolling24hVolume.String(), p.Rolling24hLPFee.String(), p.CreatedAt.Unix())
	return err
}

func (s *Store) persistLocked(p Pool) error {
	_, err := s.db.Exec(`UPDATE pools SET reserve_0 = ?, reserve_1 = ?,
		lp_fee_accum_0 = ?, lp_fee_accum_1 = ?, platform_fee_accum_0 = ?, platform_fee_accum_1 = ?
		WHERE id = ?`,
		p.Reserve0.String(), p.Reserve1.String(),
		p.LPFeeAccum0.String(), p.LPFeeAccum1.String(), p.PlatformFeeAccum0.String(), p.PlatformFeeAccum1.String(),
		p.ID)
	return err
}

func (s *Store) persistStatsLocked(p Pool) error {
	_, err := s.db.Exec(`UPDATE pools SET rolling_24h_volume = ?, rolling_24h_lp_fee = ?, rolling_24h_num_swaps = ?, apy = ?
		WHERE id = ?`,
		p.Rolling24hVolume.String(), p.Rolling24hLPFee.String(), p.Rolling24hNumSwaps, p.APY, p.ID)
	return err
}

func creditLP(tx *sql.Tx, lpTokenID, userID uint64, amount bignum.Amount) error {
	var raw string
	err := tx.QueryRow(`SELECT amount FROM lp_ledger WHERE lp_token_id = ? AND user_id = ?`, lpTokenID, userID).Scan(&raw)
	cur := bignum.Zero()
	if err == nil {
		cur, err = bignum.FromString(raw)
		if err != nil {
			return err
		}
	} else if err != sql.ErrNoRows {
		return err
	}
	next := bignum.Add(cur, amount)
	_, err = tx.Exec(`INSERT INTO lp_ledger (lp_token_id, user_id, amount) VALUES (?, ?, ?)
		ON CONFLICT(lp_token_id, user_id) DO UPDATE SET amount = excluded.amount`, lpTokenID, userID, next.String())
	return err
}

// MaxID returns the highest pool id observed, for counter rehydration.
func (s *Store) MaxID() (uint64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM pools`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return uint64(id.Int64), nil
}

func debitLP(tx *sql.Tx, lpTokenID, userID uint64, amount bignum.Amount) error {
	var raw string
	err := tx.QueryRow(`SELECT amount FROM lp_ledger WHERE lp_token_id = ? AND user_id = ?`, lpTokenID, userID).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("pools: user %d holds no LP for token %d", userID, lpTokenID)
		}
		return err
	}
	cur, err := bignum.FromString(raw)
	if err != nil {
		return err
	}
	next, ok := bignum.Sub(cur, amount)
	if !ok {
		return fmt.Errorf("%w: user %d LP balance for token %d", ErrReserveUnderflow, userID, lpTokenID)
	}
	_, err = tx.Exec(`UPDATE lp_ledger SET amount = ? WHERE lp_token_id = ? AND user_id = ?`, next.String(), lpTokenID, userID)
	return err
}
