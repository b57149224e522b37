// Package markets implements the prediction-market lifecycle: creation
// (admin-direct or user-pending), bet placement while active, dual-
// approval resolution for user-created markets, and payout computation
// with an optional time-weighted bonus. Payouts and void-refunds are
// delivered as Claimable claims so many winners can be settled without
// the backend pushing each one.
package markets

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/transfers"
	"github.com/kongswap/kong-backend/pkg/logging"
)

type Status string

const (
	StatusPending  Status = "Pending"
	StatusActive   Status = "Active"
	StatusVoided   Status = "Voided"
	StatusClosed   Status = "Closed" // winners set, payouts issued
)

var (
	ErrNotFound          = errors.New("markets: not found")
	ErrNotActive         = errors.New("markets: market is not active")
	ErrNotResolvable     = errors.New("markets: end_time has not passed")
	ErrAlreadyResolved   = errors.New("markets: already resolved")
	ErrNotAuthorized     = errors.New("markets: caller may not resolve this market")
	ErrInvalidOutcome    = errors.New("markets: outcome index out of range")
	ErrMismatchedWinners = errors.New("markets: creator and admin proposed different winners")
)

// DefaultTimeWeightAlpha is the default decay parameter when
// uses_time_weighting is set without an explicit alpha.
const DefaultTimeWeightAlpha = 0.1

// Market is one prediction market.
type Market struct {
	ID                uint64
	Creator           uint64
	Question          string
	Category          string
	Rules             string
	Outcomes          []string
	Status            Status
	Winners           []int // outcome indices; nil until resolved
	CreatedAt         time.Time
	EndTime           time.Time
	TokenID           uint64
	PerOutcomePool    []bignum.Amount // running total staked per outcome
	UsesTimeWeighting bool
	TimeWeightAlpha   float64
}

// Bet is one stake placed on a market.
type Bet struct {
	ID           uint64
	MarketID     uint64
	UserID       uint64
	OutcomeIndex int
	Amount       bignum.Amount
	Ts           time.Time
}

// ResolutionProposal tracks dual-approval state for a user-created
// market pending resolution.
type ResolutionProposal struct {
	MarketID        uint64
	ProposedWinners []int
	CreatorApproved bool
	AdminApproved   bool
	ProposedAt      time.Time
}

// IsAdmin reports whether userID has admin privileges, delegated to the
// settings singleton so markets does not need to import it directly.
type IsAdmin func(userID uint64) bool

// IDAllocator issues the monotonic ids markets needs.
type IDAllocator interface {
	NextMarketID() uint64
	NextBetID() uint64
	NextClaimID() uint64
}

// Store is the process-wide market registry.
type Store struct {
	db      *sql.DB
	claims  *transfers.Claims
	isAdmin IsAdmin
	ids     IDAllocator
	feeBps  uint16
	log     *logging.Logger
}

func New(db *sql.DB, claims *transfers.Claims, isAdmin IsAdmin, ids IDAllocator, feeBps uint16) *Store {
	return &Store{db: db, claims: claims, isAdmin: isAdmin, ids: ids, feeBps: feeBps, log: logging.GetDefault().Component("markets")}
}

// CreateRequest is the caller-supplied body for create_market.
type CreateRequest struct {
	Creator           uint64
	Question          string
	Category          string
	Rules             string
	Outcomes          []string
	EndTime           time.Time
	TokenID           uint64
	UsesTimeWeighting bool
	TimeWeightAlpha   float64
}

// Create opens a new market: Active immediately for admin creators,
// Pending (awaiting admin activation) otherwise.
func (s *Store) Create(req CreateRequest, now time.Time) (Market, error) {
	status := StatusPending
	if s.isAdmin(req.Creator) {
		status = StatusActive
	}
	alpha := req.TimeWeightAlpha
	if req.UsesTimeWeighting && alpha == 0 {
		alpha = DefaultTimeWeightAlpha
	}
	m := Market{
		ID: s.ids.NextMarketID(), Creator: req.Creator, Question: req.Question,
		Category: req.Category, Rules: req.Rules, Outcomes: req.Outcomes,
		Status: status, CreatedAt: now, EndTime: req.EndTime, TokenID: req.TokenID,
		PerOutcomePool:    make([]bignum.Amount, len(req.Outcomes)),
		UsesTimeWeighting: req.UsesTimeWeighting, TimeWeightAlpha: alpha,
	}
	for i := range m.PerOutcomePool {
		m.PerOutcomePool[i] = bignum.Zero()
	}
	if err := s.insert(m); err != nil {
		return Market{}, err
	}
	return m, nil
}

// Activate transitions a Pending market to Active (admin op).
func (s *Store) Activate(marketID uint64) error {
	m, err := s.Get(marketID)
	if err != nil {
		return err
	}
	if m.Status != StatusPending {
		return fmt.Errorf("markets: market %d is not pending", marketID)
	}
	_, err = s.db.Exec(`UPDATE markets SET status = ? WHERE id = ?`, string(StatusActive), marketID)
	return err
}

// PlaceBet records a stake on outcomeIndex while the market is Active.
func (s *Store) PlaceBet(marketID, userID uint64, outcomeIndex int, amount bignum.Amount, now time.Time) (Bet, error) {
	m, err := s.Get(marketID)
	if err != nil {
		return Bet{}, err
	}
	if m.Status != StatusActive {
		return Bet{}, ErrNotActive
	}
	if outcomeIndex < 0 || outcomeIndex >= len(m.Outcomes) {
		return Bet{}, ErrInvalidOutcome
	}
	bet := Bet{ID: s.ids.NextBetID(), MarketID: marketID, UserID: userID, OutcomeIndex: outcomeIndex, Amount: amount, Ts: now}
	tx, err := s.db.Begin()
	if err != nil {
		return Bet{}, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`INSERT INTO bets (id, market_id, user_id, outcome_index, amount, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		bet.ID, bet.MarketID, bet.UserID, bet.OutcomeIndex, bet.Amount.String(), bet.Ts.Unix()); err != nil {
		return Bet{}, err
	}
	m.PerOutcomePool[outcomeIndex] = bignum.Add(m.PerOutcomePool[outcomeIndex], amount)
	poolJSON, _ := json.Marshal(amountsToStrings(m.PerOutcomePool))
	if _, err := tx.Exec(`UPDATE markets SET per_outcome_pool_json = ? WHERE id = ?`, string(poolJSON), marketID); err != nil {
		return Bet{}, err
	}
	if err := tx.Commit(); err != nil {
		return Bet{}, err
	}
	return bet, nil
}

// ResolveAdmin lets any admin set winners directly on an admin-created
// market once end_time has passed.
func (s *Store) ResolveAdmin(marketID uint64, callerID uint64, winners []int, now time.Time) (Market, error) {
	m, err := s.Get(marketID)
	if err != nil {
		return Market{}, err
	}
	if !s.isAdmin(callerID) {
		return Market{}, ErrNotAuthorized
	}
	if !s.isAdmin(m.Creator) {
		return Market{}, fmt.Errorf("markets: market %d was user-created, use ProposeResolution", marketID)
	}
	if now.Before(m.EndTime) {
		return Market{}, ErrNotResolvable
	}
	if m.Status != StatusActive {
		return Market{}, ErrAlreadyResolved
	}
	if err := s.closeWithWinners(m, winners, now); err != nil {
		return Market{}, err
	}
	m.Status = StatusClosed
	m.Winners = winners
	return m, nil
}

// ProposeResolution opens (or updates) a dual-approval proposal for a
// user-created market: creator or admin proposes winners, and the
// counterpart's approval is required before it closes.
func (s *Store) ProposeResolution(marketID, callerID uint64, winners []int, now time.Time) (Market, error) {
	m, err := s.Get(marketID)
	if err != nil {
		return Market{}, err
	}
	if now.Before(m.EndTime) {
		return Market{}, ErrNotResolvable
	}
	if m.Status != StatusActive {
		return Market{}, ErrAlreadyResolved
	}
	isAdminCaller := s.isAdmin(callerID)
	if callerID != m.Creator && !isAdminCaller {
		return Market{}, ErrNotAuthorized
	}

	prop, err := s.getProposal(marketID)
	if err == sql.ErrNoRows {
		prop = ResolutionProposal{MarketID: marketID, ProposedWinners: winners, ProposedAt: now}
		if callerID == m.Creator {
			prop.CreatorApproved = true
		}
		if isAdminCaller {
			prop.AdminApproved = true
		}
		if err := s.upsertProposal(prop); err != nil {
			return Market{}, err
		}
		return m, nil
	}
	if err != nil {
		return Market{}, err
	}

	if !sameWinners(prop.ProposedWinners, winners) {
		if err := s.voidMarket(m, now); err != nil {
			return Market{}, err
		}
		m.Status = StatusVoided
		return m, ErrMismatchedWinners
	}
	if callerID == m.Creator {
		prop.CreatorApproved = true
	}
	if isAdminCaller {
		prop.AdminApproved = true
	}
	if err := s.upsertProposal(prop); err != nil {
		return Market{}, err
	}
	if prop.CreatorApproved && prop.AdminApproved {
		if err := s.closeWithWinners(m, winners, now); err != nil {
			return Market{}, err
		}
		m.Status = StatusClosed
		m.Winners = winners
	}
	return m, nil
}

// closeWithWinners sets winners, marks the market Closed, and issues
// Claimable payout claims to every winning bet.
func (s *Store) closeWithWinners(m Market, winners []int, now time.Time) error {
	winnerSet := make(map[int]bool, len(winners))
	for _, w := range winners {
		winnerSet[w] = true
	}

	bets, err := s.betsFor(m.ID)
	if err != nil {
		return err
	}

	var totalWinning, totalLosing bignum.Amount = bignum.Zero(), bignum.Zero()
	for _, b := range bets {
		if winnerSet[b.OutcomeIndex] {
			totalWinning = bignum.Add(totalWinning, b.Amount)
		} else {
			totalLosing = bignum.Add(totalLosing, b.Amount)
		}
	}

	fee, _ := bignum.MulRationalU64(totalLosing, uint64(s.feeBps), 10_000)
	bonus, ok := bignum.Sub(totalLosing, fee)
	if !ok {
		bonus = bignum.Zero()
	}

	payouts := computePayouts(m, bets, winnerSet, bonus, totalWinning, now)

	winnersJSON, _ := json.Marshal(winners)
	if _, err := s.db.Exec(`UPDATE markets SET status = ?, winners_json = ? WHERE id = ?`, string(StatusClosed), string(winnersJSON), m.ID); err != nil {
		return err
	}

	for userID, amount := range payouts {
		if amount.IsZero() {
			continue
		}
		claimID := s.ids.NextClaimID()
		if _, err := s.claims.Create(claimID, userID, m.TokenID, amount, "", nil, true, now); err != nil {
			return err
		}
	}
	return nil
}

// computePayouts returns total payout per user_id: principal plus a
// share of the bonus pool, weighted by stake (and, if enabled, by how
// early the bet was placed relative to the market's lifetime).
func computePayouts(m Market, bets []Bet, winnerSet map[int]bool, bonus, totalWinning bignum.Amount, now time.Time) map[uint64]bignum.Amount {
	out := make(map[uint64]bignum.Amount)
	if !m.UsesTimeWeighting {
		for _, b := range bets {
			if !winnerSet[b.OutcomeIndex] {
				continue
			}
			share, _ := bignum.MulRational(bonus, b.Amount, totalWinning)
			out[b.UserID] = bignum.Add(out[b.UserID], bignum.Add(b.Amount, share))
		}
		return out
	}

	lifetime := m.EndTime.Sub(m.CreatedAt).Seconds()
	weight := func(b Bet) float64 {
		if lifetime <= 0 {
			return 1
		}
		frac := b.Ts.Sub(m.CreatedAt).Seconds() / lifetime
		if frac < 0 {
			frac = 0
		}
		if frac > 1 {
			frac = 1
		}
		return math.Pow(m.TimeWeightAlpha, frac)
	}

	weightedStakes := make([]float64, len(bets))
	var weightedTotal float64
	for i, b := range bets {
		if !winnerSet[b.OutcomeIndex] {
			continue
		}
		w := b.Amount.ToFloat64Lossy() * weight(b)
		weightedStakes[i] = w
		weightedTotal += w
	}
	if weightedTotal <= 0 {
		return out
	}
	bonusF := bonus.ToFloat64Lossy()
	for i, b := range bets {
		if !winnerSet[b.OutcomeIndex] {
			continue
		}
		shareF := bonusF * weightedStakes[i] / weightedTotal
		share := bignum.FromUint64(uint64(shareF))
		out[b.UserID] = bignum.Add(out[b.UserID], bignum.Add(b.Amount, share))
	}
	return out
}

// voidMarket marks a market Voided and creates full-principal Claimable
// refund claims for every bet.
func (s *Store) voidMarket(m Market, now time.Time) error {
	bets, err := s.betsFor(m.ID)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`UPDATE markets SET status = ? WHERE id = ?`, string(StatusVoided), m.ID); err != nil {
		return err
	}
	for _, b := range bets {
		claimID := s.ids.NextClaimID()
		if _, err := s.claims.Create(claimID, b.UserID, m.TokenID, b.Amount, "", nil, true, now); err != nil {
			return err
		}
	}
	return nil
}

// VoidAdmin lets an admin void a Pending or Active market outright
// (disputed question, bad data source), refunding every bet in full.
// A market that is already Closed or Voided is rejected with
// ErrAlreadyResolved.
func (s *Store) VoidAdmin(marketID uint64, callerID uint64, now time.Time) (Market, error) {
	m, err := s.Get(marketID)
	if err != nil {
		return Market{}, err
	}
	if !s.isAdmin(callerID) {
		return Market{}, ErrNotAuthorized
	}
	if m.Status == StatusVoided || m.Status == StatusClosed {
		return Market{}, ErrAlreadyResolved
	}
	if err := s.voidMarket(m, now); err != nil {
		return Market{}, err
	}
	m.Status = StatusVoided
	return m, nil
}

// Get returns a market by id.
func (s *Store) Get(id uint64) (Market, error) {
	row := s.db.QueryRow(`SELECT id, creator, question, category, rules, outcomes_json, status, winners_json,
		created_at, end_time, token_id, per_outcome_pool_json, uses_time_weighting, time_weight_alpha
		FROM markets WHERE id = ?`, id)
	return scanMarket(row)
}

// List returns every market, ordered by id.
func (s *Store) List() ([]Market, error) {
	rows, err := s.db.Query(`SELECT id, creator, question, category, rules, outcomes_json, status, winners_json,
		created_at, end_time, token_id, per_outcome_pool_json, uses_time_weighting, time_weight_alpha
		FROM markets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Market
	for rows.Next() {
		m, err := scanMarketRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) betsFor(marketID uint64) ([]Bet, error) {
	rows, err := s.db.Query(`SELECT id, market_id, user_id, outcome_index, amount, ts FROM bets WHERE market_id = ? ORDER BY id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Bet
	for rows.Next() {
		var b Bet
		var amount string
		var ts int64
		if err := rows.Scan(&b.ID, &b.MarketID, &b.UserID, &b.OutcomeIndex, &amount, &ts); err != nil {
			return nil, err
		}
		b.Amount, err = bignum.FromString(amount)
		if err != nil {
			return nil, err
		}
		b.Ts = time.Unix(ts, 0)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) getProposal(marketID uint64) (ResolutionProposal, error) {
	row := s.db.QueryRow(`SELECT market_id, proposed_winners_json, creator_approved, admin_approved, proposed_at
		FROM resolution_proposals WHERE market_id = ?`, marketID)
	var p ResolutionProposal
	var winnersJSON string
	var creatorApproved, adminApproved int
	var proposedAt int64
	err := row.Scan(&p.MarketID, &winnersJSON, &creatorApproved, &adminApproved, &proposedAt)
	if err != nil {
		return ResolutionProposal{}, err
	}
	if err := json.Unmarshal([]byte(winnersJSON), &p.ProposedWinners); err != nil {
		return ResolutionProposal{}, err
	}
	p.CreatorApproved = creatorApproved != 0
	p.AdminApproved = adminApproved != 0
	p.ProposedAt = time.Unix(proposedAt, 0)
	return p, nil
}

func (s *Store) upsertProposal(p ResolutionProposal) error {
	winnersJSON, _ := json.Marshal(p.ProposedWinners)
	_, err := s.db.Exec(`INSERT INTO resolution_proposals (market_id, proposed_winners_json, creator_approved, admin_approved, proposed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(market_id) DO UPDATE SET proposed_winners_json = excluded.proposed_winners_json,
			creator_approved = excluded.creator_approved, admin_approved = excluded.admin_approved`,
		p.MarketID, string(winnersJSON), boolInt(p.CreatorApproved), boolInt(p.AdminApproved), p.ProposedAt.Unix())
	return err
}

func (s *Store) insert(m Market) error {
	outcomesJSON, _ := json.Marshal(m.Outcomes)
	resolutionJSON, _ := json.Marshal(map[string]bool{"dual_approval": !s.isAdmin(m.Creator)})
	poolJSON, _ := json.Marshal(amountsToStrings(m.PerOutcomePool))
	_, err := s.db.Exec(`INSERT INTO markets (id, creator, question, category, rules, outcomes_json, resolution_method_json,
		status, winners_json, created_at, end_time, token_id, per_outcome_pool_json, uses_time_weighting, time_weight_alpha)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Creator, m.Question, m.Category, m.Rules, string(outcomesJSON), string(resolutionJSON),
		string(m.Status), m.CreatedAt.Unix(), m.EndTime.Unix(), m.TokenID, string(poolJSON), boolInt(m.UsesTimeWeighting), m.TimeWeightAlpha)
	return err
}

func scanMarket(row *sql.Row) (Market, error) {
	var m Market
	var outcomesJSON, status string
	var winnersJSON sql.NullString
	var poolJSON string
	var createdAt, endTime int64
	var usesTimeWeighting int
	err := row.Scan(&m.ID, &m.Creator, &m.Question, &m.Category, &m.Rules, &outcomesJSON, &status, &winnersJSON,
		&createdAt, &endTime, &m.TokenID, &poolJSON, &usesTimeWeighting, &m.TimeWeightAlpha)
	if err == sql.ErrNoRows {
		return Market{}, ErrNotFound
	}
	if err != nil {
		return Market{}, err
	}
	return finishMarket(m, outcomesJSON, status, winnersJSON, poolJSON, createdAt, endTime, usesTimeWeighting)
}

func scanMarketRows(rows *sql.Rows) (Market, error) {
	var m Market
	var outcomesJSON, status string
	var winnersJSON sql.NullString
	var poolJSON string
	var createdAt, endTime int64
	var usesTimeWeighting int
	err := rows.Scan(&m.ID, &m.Creator, &m.Question, &m.Category, &m.Rules, &outcomesJSON, &status, &winnersJSON,
		&createdAt, &endTime, &m.TokenID, &poolJSON, &usesTimeWeighting, &m.TimeWeightAlpha)
	if err != nil {
		return Market{}, err
	}
	return finishMarket(m, outcomesJSON, status, winnersJSON, poolJSON, createdAt, endTime, usesTimeWeighting)
}

func finishMarket(m Market, outcomesJSON, status string, winnersJSON sql.NullString, poolJSON string, createdAt, endTime int64, usesTimeWeighting int) (Market, error) {
	if err := json.Unmarshal([]byte(outcomesJSON), &m.Outcomes); err != nil {
		return Market{}, err
	}
	m.Status = Status(status)
	if winnersJSON.Valid {
		if err := json.Unmarshal([]byte(winnersJSON.String), &m.Winners); err != nil {
			return Market{}, err
		}
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	m.EndTime = time.Unix(endTime, 0)
	m.UsesTimeWeighting = usesTimeWeighting != 0
	var poolStrs []string
	if err := json.Unmarshal([]byte(poolJSON), &poolStrs); err != nil {
		return Market{}, err
	}
	m.PerOutcomePool = make([]bignum.Amount, len(poolStrs))
	for i, s := range poolStrs {
		amt, err := bignum.FromString(s)
		if err != nil {
			return Market{}, err
		}
		m.PerOutcomePool[i] = amt
	}
	return m, nil
}

func amountsToStrings(amounts []bignum.Amount) []string {
	out := make([]string, len(amounts))
	for i, a := range amounts {
		out[i] = a.String()
	}
	return out
}

func sameWinners(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[int]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			return false
		}
	}
	return true
}

// MaxMarketID returns the highest market id observed, for counter
// rehydration.
func (s *Store) MaxMarketID() (uint64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM markets`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return uint64(id.Int64), nil
}

// MaxBetID returns the highest bet id observed, for counter
// rehydration.
func (s *Store) MaxBetID() (uint64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM bets`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return uint64(id.Int64), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
