// Package settings holds the process-wide singleton: maintenance mode,
// admin principals, bridge tokens, default fees, and every id-space
// counter the rest of the backend allocates from. A single struct is
// loaded from YAML at startup, mutated in place, and written back to
// the file by Save (setters and counter allocation change memory only).
package settings

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Reserved user ids.
const (
	UserBroadcast uint64 = 0
	UserAll       uint64 = 1
	UserSystem    uint64 = 2
	UserClaimsSweeper uint64 = 3
	FirstNonReservedUserID uint64 = 4
)

// IntervalsConfig holds every sweeper's polling interval, in seconds.
type IntervalsConfig struct {
	ClaimSweepSeconds    int `yaml:"claim_sweep_seconds"`
	RequestArchiveSeconds int `yaml:"request_archive_seconds"`
	TransferArchiveSeconds int `yaml:"transfer_archive_seconds"`
	PoolStatsSeconds     int `yaml:"pool_stats_seconds"`
}

// Counters tracks the next-id to allocate per id space. On restart
// these rehydrate as max(existing_id)+1 (see Rehydrate).
type Counters struct {
	NextUserID    uint64 `yaml:"next_user_id"`
	NextTokenID   uint64 `yaml:"next_token_id"`
	NextPoolID    uint64 `yaml:"next_pool_id"`
	NextRequestID uint64 `yaml:"next_request_id"`
	NextTransferID uint64 `yaml:"next_transfer_id"`
	NextClaimID   uint64 `yaml:"next_claim_id"`
	NextMarketID  uint64 `yaml:"next_market_id"`
	NextBetID     uint64 `yaml:"next_bet_id"`
	NextUpdateID  uint64 `yaml:"next_update_id"`
}

// LedgerConfig bootstraps one ledger dialect registration at startup:
// which dialect serves this ledger id, its RPC endpoint, and the token
// descriptor fields to register it under if it isn't in the token
// registry yet.
type LedgerConfig struct {
	LedgerID string `yaml:"ledger_id"`
	Dialect  string `yaml:"dialect"` // icrc1, icrc2, icrc3, legacy, solana
	Endpoint string `yaml:"endpoint"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
	Fee      uint64 `yaml:"fee"`
}

// Config is the on-disk shape of the singleton.
type Config struct {
	MaintenanceMode bool     `yaml:"maintenance_mode"`
	Admins          []string `yaml:"admins"`
	BridgeTokenIDs  []uint64 `yaml:"bridge_token_ids"`
	DefaultFeeBps   uint8    `yaml:"default_fee_bps"`
	SystemAddress   string   `yaml:"system_address"`
	Intervals       IntervalsConfig `yaml:"intervals"`
	Counters        Counters `yaml:"counters"`
	Ledgers         []LedgerConfig `yaml:"ledgers"`
}

func DefaultConfig() Config {
	return Config{
		DefaultFeeBps: 30,
		Intervals: IntervalsConfig{
			ClaimSweepSeconds:     30,
			RequestArchiveSeconds: 60,
			TransferArchiveSeconds: 300,
			PoolStatsSeconds:      3600,
		},
		Counters: Counters{
			NextUserID:    settingsFirstUserID(),
			NextTokenID:   1,
			NextPoolID:    1,
			NextRequestID: 1,
			NextTransferID: 1,
			NextClaimID:   1,
			NextMarketID:  1,
			NextBetID:     1,
			NextUpdateID:  1,
		},
	}
}

func settingsFirstUserID() uint64 { return FirstNonReservedUserID }

// Settings is the mutable, mutex-guarded runtime singleton.
type Settings struct {
	mu   sync.Mutex
	path string
	cfg  Config
}

// Load reads settings.yaml from path, or returns defaults if absent.
func Load(path string) (*Settings, error) {
	s := &Settings{path: path, cfg: DefaultConfig()}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &s.cfg); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return s, nil
}

// Save persists the current config to disk.
func (s *Settings) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := yaml.Marshal(s.cfg)
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}
	return os.WriteFile(s.path, raw, 0600)
}

// Snapshot returns a copy of the current config.
func (s *Settings) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	cfg.Admins = append([]string(nil), s.cfg.Admins...)
	cfg.BridgeTokenIDs = append([]uint64(nil), s.cfg.BridgeTokenIDs...)
	return cfg
}

// IsAdmin reports whether principal is in the admin set.
func (s *Settings) IsAdmin(principal string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.cfg.Admins {
		if a == principal {
			return true
		}
	}
	return false
}

// MaintenanceMode reports whether sweepers and mutating endpoints
// should refuse new work.
func (s *Settings) MaintenanceMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaintenanceMode
}

// SetMaintenanceMode toggles maintenance (admin-only at the RPC layer).
func (s *Settings) SetMaintenanceMode(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MaintenanceMode = on
}

// SystemAddress returns the stable address the core presents to
// external ledgers as its own receiving address.
func (s *Settings) SystemAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.SystemAddress
}

// BridgeTokenIDs returns the configured bridge tokens for multi-hop
// routing.
func (s *Settings) BridgeTokenIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.cfg.BridgeTokenIDs...)
}

// DefaultFeeBps returns the configured default total swap fee in basis
// points. Pool creation does not read it: add_pool takes lp_fee_bps and
// platform_fee_bps as supplied by the caller.
func (s *Settings) DefaultFeeBps() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DefaultFeeBps
}

// Ledgers returns the configured ledger bootstrap list.
func (s *Settings) Ledgers() []LedgerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LedgerConfig(nil), s.cfg.Ledgers...)
}

// Intervals returns the sweeper interval configuration.
func (s *Settings) Intervals() IntervalsConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Intervals
}

// next* allocate and advance monotonic counters. Counters are
// rehydrated on load as max(existing_id)+1 by Rehydrate, then only
// ever move forward.
func (s *Settings) nextID(counter *uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := *counter
	*counter++
	return id
}

func (s *Settings) NextUserID() uint64     { return s.nextID(&s.cfg.Counters.NextUserID) }
func (s *Settings) NextTokenID() uint64    { return s.nextID(&s.cfg.Counters.NextTokenID) }
func (s *Settings) NextPoolID() uint64     { return s.nextID(&s.cfg.Counters.NextPoolID) }
func (s *Settings) NextRequestID() uint64  { return s.nextID(&s.cfg.Counters.NextRequestID) }
func (s *Settings) NextTransferID() uint64 { return s.nextID(&s.cfg.Counters.NextTransferID) }
func (s *Settings) NextClaimID() uint64    { return s.nextID(&s.cfg.Counters.NextClaimID) }
func (s *Settings) NextMarketID() uint64   { return s.nextID(&s.cfg.Counters.NextMarketID) }
func (s *Settings) NextBetID() uint64      { return s.nextID(&s.cfg.Counters.NextBetID) }
func (s *Settings) NextUpdateID() uint64   { return s.nextID(&s.cfg.Counters.NextUpdateID) }

// Rehydrate advances a counter to observed+1 if observed is ahead of
// the current value. Called once per id space at startup so restarts
// never reissue an id already present in the store.
func (s *Settings) Rehydrate(counter *uint64, observedMaxID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if observedMaxID+1 > *counter {
		*counter = observedMaxID + 1
	}
}

// RehydrateAll is called once at startup with the max observed id in
// each store table.
func (s *Settings) RehydrateAll(maxUser, maxToken, maxPool, maxRequest, maxTransfer, maxClaim, maxMarket, maxBet, maxUpdate uint64) {
	s.Rehydrate(&s.cfg.Counters.NextUserID, maxUser)
	s.Rehydrate(&s.cfg.Counters.NextTokenID, maxToken)
	s.Rehydrate(&s.cfg.Counters.NextPoolID, maxPool)
	s.Rehydrate(&s.cfg.Counters.NextRequestID, maxRequest)
	s.Rehydrate(&s.cfg.Counters.NextTransferID, maxTransfer)
	s.Rehydrate(&s.cfg.Counters.NextClaimID, maxClaim)
	s.Rehydrate(&s.cfg.Counters.NextMarketID, maxMarket)
	s.Rehydrate(&s.cfg.Counters.NextBetID, maxBet)
	s.Rehydrate(&s.cfg.Counters.NextUpdateID, maxUpdate)
}
