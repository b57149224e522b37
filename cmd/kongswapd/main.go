// Package main provides kongswapd - the KongSwap AMM backend daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kongswap/kong-backend/internal/amm"
	"github.com/kongswap/kong-backend/internal/journal"
	"github.com/kongswap/kong-backend/internal/ledger"
	"github.com/kongswap/kong-backend/internal/liquidity"
	"github.com/kongswap/kong-backend/internal/markets"
	"github.com/kongswap/kong-backend/internal/pools"
	"github.com/kongswap/kong-backend/internal/rpcapi"
	"github.com/kongswap/kong-backend/internal/settings"
	"github.com/kongswap/kong-backend/internal/store"
	"github.com/kongswap/kong-backend/internal/sweepers"
	"github.com/kongswap/kong-backend/internal/swapengine"
	"github.com/kongswap/kong-backend/internal/tokens"
	"github.com/kongswap/kong-backend/internal/transfers"
	"github.com/kongswap/kong-backend/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.kongswap", "Data directory")
		apiAddr     = flag.String("api", "127.0.0.1:8080", "JSON-RPC + WebSocket API address")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("kongswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	dataPath := expandPath(*dataDir)
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		log.Fatal("failed to create data directory", "error", err)
	}

	cfg, err := settings.Load(filepath.Join(dataPath, "settings.yaml"))
	if err != nil {
		log.Fatal("failed to load settings", "error", err)
	}
	log.Info("settings loaded", "path", filepath.Join(dataPath, "settings.yaml"))

	st, err := store.New(&store.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("failed to initialize store", "error", err)
	}
	defer st.Close()
	log.Info("store initialized", "path", dataPath)

	db := st.DB()

	router := ledger.NewRouter()
	for _, lc := range cfg.Ledgers() {
		dialect, err := dialectFor(lc.Dialect)
		if err != nil {
			log.Fatal("unknown ledger dialect", "ledger_id", lc.LedgerID, "dialect", lc.Dialect, "error", err)
		}
		dialect.RegisterLedger(lc.LedgerID, lc.Endpoint, ledger.Info{
			Symbol:   lc.Symbol,
			Decimals: lc.Decimals,
			Fee:      lc.Fee,
			Caps:     capsFor(lc.Dialect),
		})
		router.Register(lc.LedgerID, dialect)
	}
	log.Info("ledger router initialized", "ledgers", len(cfg.Ledgers()))

	tokenReg := tokens.New(db, router, cfg)
	if err := tokenReg.Load(); err != nil {
		log.Fatal("failed to load token registry", "error", err)
	}
	bootstrapTokens(tokenReg, cfg, log)

	poolStore := pools.New(db)
	xfers := transfers.New(db)
	claims := transfers.NewClaims(db)
	jrnl := journal.New(db)
	feed := journal.NewFeed(db)
	users := settings.NewUsers(db, cfg)
	ammRouter := amm.NewRouter(poolStore, cfg.BridgeTokenIDs())

	swapEngine := swapengine.New(tokenReg, poolStore, ammRouter, router, xfers, claims, jrnl, feed, cfg, cfg.SystemAddress())
	liquidityEngine := liquidity.New(tokenReg, poolStore, router, xfers, claims, jrnl, feed, cfg, cfg.SystemAddress())
	marketStore := markets.New(db, claims, users.IsAdminUser, cfg, uint16(cfg.Snapshot().DefaultFeeBps))

	if err := rehydrateCounters(cfg, users, tokenReg, poolStore, jrnl, xfers, claims, marketStore, feed); err != nil {
		log.Warn("failed to rehydrate counters", "error", err)
	}

	log.Info("engines initialized")

	claimSweeper := sweepers.NewClaimSweeper(claims, xfers, tokenReg, router, jrnl, feed, cfg, cfg)
	poolStatsUpdater := sweepers.NewPoolStatsUpdater(poolStore, cfg)
	requestArchiver := sweepers.NewRequestArchiver(jrnl, cfg)
	transferArchiver := sweepers.NewTransferArchiver(xfers, cfg)

	claimSweeper.Start()
	poolStatsUpdater.Start()
	requestArchiver.Start()
	transferArchiver.Start()
	defer claimSweeper.Stop()
	defer poolStatsUpdater.Stop()
	defer requestArchiver.Stop()
	defer transferArchiver.Stop()
	log.Info("sweepers started")

	server := rpcapi.NewServer(rpcapi.Deps{
		Swaps:     swapEngine,
		Liquidity: liquidityEngine,
		Markets:   marketStore,
		Tokens:    tokenReg,
		Pools:     poolStore,
		Router:    ammRouter,
		Ledgers:   router,
		Transfers: xfers,
		Claims:    claims,
		Journal:   jrnl,
		Feed:      feed,
		Users:     users,
		Settings:  cfg,
	})
	if err := server.Start(*apiAddr); err != nil {
		log.Fatal("failed to start rpc server", "error", err)
	}
	defer server.Stop()

	printBanner(log, *apiAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go statusTicker(ctx, log, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	if err := cfg.Save(); err != nil {
		log.Error("failed to persist settings", "error", err)
	}
	log.Info("goodbye!")
}

// dialectFor returns a fresh dialect adapter (with its own production
// HTTP transport) for the named wire format.
func dialectFor(name string) (interface {
	ledger.Adapter
	RegisterLedger(ledgerID, endpoint string, info ledger.Info)
}, error) {
	switch name {
	case "icrc1":
		return ledger.NewICRC1Adapter(nil), nil
	case "icrc2":
		return ledger.NewICRC2Adapter(nil), nil
	case "icrc3":
		return ledger.NewICRC3Adapter(nil), nil
	case "legacy":
		return ledger.NewLegacyAdapter(nil), nil
	case "solana":
		return ledger.NewSolanaAdapter(nil), nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", name)
	}
}

// capsFor reports the capability set for a dialect by name, mirroring
// each adapter's own Capabilities() method, since Describe populates a
// token's Caps before any ledger id is registered.
func capsFor(dialect string) ledger.Capability {
	switch dialect {
	case "icrc1":
		return ledger.Capability{Transfer: true, VerifyByTransactionQuery: true}
	case "icrc2":
		return ledger.Capability{TransferFrom: true, Transfer: true, VerifyByTransactionQuery: true}
	case "icrc3":
		return ledger.Capability{TransferFrom: true, Transfer: true, VerifyByIndex: true, VerifyByBlockQuery: true, VerifyByTransactionQuery: true}
	case "legacy":
		return ledger.Capability{Transfer: true, VerifyByTransactionQuery: true}
	case "solana":
		return ledger.Capability{Transfer: true, VerifyByTransactionQuery: true}
	default:
		return ledger.Capability{}
	}
}

// bootstrapTokens registers every configured ledger in the token
// registry on first boot; a ledger already present (by ledger id) is
// left untouched so restarts never duplicate or overwrite it.
func bootstrapTokens(reg *tokens.Registry, cfg *settings.Settings, log *logging.Logger) {
	known := make(map[string]bool)
	for _, t := range reg.List() {
		if t.Kind == tokens.KindNativeLedger {
			known[t.LedgerID] = true
		}
	}
	for _, lc := range cfg.Ledgers() {
		if known[lc.LedgerID] {
			continue
		}
		id, err := reg.Add(tokens.Descriptor{Kind: tokens.KindNativeLedger, LedgerID: lc.LedgerID, Symbol: lc.Symbol, Decimals: lc.Decimals, Fee: lc.Fee})
		if err != nil {
			log.Warn("failed to bootstrap token", "ledger_id", lc.LedgerID, "error", err)
			continue
		}
		log.Info("token bootstrapped", "ledger_id", lc.LedgerID, "token_id", id)
	}
}

// maxIDSource is satisfied by every durable store that tracks its own
// highest observed id.
type maxIDSource interface {
	MaxID() (uint64, error)
}

// rehydrateCounters advances every settings counter to at least
// max(existing_id)+1 across every id space, so a restart never reissues
// an id already present in the store.
func rehydrateCounters(cfg *settings.Settings, users maxIDSource, tok maxIDSource, pl maxIDSource, jrnl maxIDSource, xfers maxIDSource, claims maxIDSource, mkts *markets.Store, feed maxIDSource) error {
	maxUser, err := users.MaxID()
	if err != nil {
		return err
	}
	maxToken, err := tok.MaxID()
	if err != nil {
		return err
	}
	maxPool, err := pl.MaxID()
	if err != nil {
		return err
	}
	maxRequest, err := jrnl.MaxID()
	if err != nil {
		return err
	}
	maxTransfer, err := xfers.MaxID()
	if err != nil {
		return err
	}
	maxClaim, err := claims.MaxID()
	if err != nil {
		return err
	}
	maxMarket, err := mkts.MaxMarketID()
	if err != nil {
		return err
	}
	maxBet, err := mkts.MaxBetID()
	if err != nil {
		return err
	}
	maxUpdate, err := feed.MaxID()
	if err != nil {
		return err
	}
	cfg.RehydrateAll(maxUser, maxToken, maxPool, maxRequest, maxTransfer, maxClaim, maxMarket, maxBet, maxUpdate)
	return nil
}

func statusTicker(ctx context.Context, log *logging.Logger, cfg *settings.Settings) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info("status", "maintenance", cfg.MaintenanceMode())
		}
	}
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, apiAddr string) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  KongSwap AMM Backend")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  RPC: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
