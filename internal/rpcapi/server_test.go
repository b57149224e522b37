package rpcapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kongswap/kong-backend/internal/amm"
	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/journal"
	"github.com/kongswap/kong-backend/internal/ledger"
	"github.com/kongswap/kong-backend/internal/liquidity"
	"github.com/kongswap/kong-backend/internal/markets"
	"github.com/kongswap/kong-backend/internal/pools"
	"github.com/kongswap/kong-backend/internal/settings"
	"github.com/kongswap/kong-backend/internal/store"
	"github.com/kongswap/kong-backend/internal/swapengine"
	"github.com/kongswap/kong-backend/internal/tokens"
	"github.com/kongswap/kong-backend/internal/transfers"
)

type fakeLedger struct{}

// Balance satisfies the optional balance-query capability so the
// check_pools handler can run against the fake.
func (f *fakeLedger) Balance(ctx context.Context, ledgerID, address string) (bignum.Amount, error) {
	return bignum.FromUint64(5_000_000), nil
}

func (f *fakeLedger) Describe(ledgerID string) (ledger.Info, error) {
	return ledger.Info{Symbol: "X", Decimals: 8, Caps: ledger.Capability{TransferFrom: true, Transfer: true}}, nil
}
func (f *fakeLedger) Pull(ctx context.Context, ledgerID string, from string, amount uint64) (ledger.TxRef, error) {
	return ledger.BlockIndexRef(1), nil
}
func (f *fakeLedger) VerifyInbound(ctx context.Context, ledgerID string, ref ledger.TxRef, expectedAmount uint64, expectedRecipient string, earliestTS time.Time) (ledger.VerifyResult, error) {
	return ledger.VerifyResult{OK: true}, nil
}
func (f *fakeLedger) Push(ctx context.Context, ledgerID string, to string, amount uint64) (ledger.TxRef, error) {
	return ledger.BlockIndexRef(2), nil
}
func (f *fakeLedger) Capabilities(ledgerID string) ledger.Capability {
	return ledger.Capability{TransferFrom: true, Transfer: true}
}

func newTestServer(t *testing.T, admins ...string) (*Server, *settings.Settings) {
	t.Helper()
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	path := filepath.Join(t.TempDir(), "settings.yaml")
	if len(admins) > 0 {
		var sb strings.Builder
		sb.WriteString("admins:\n")
		for _, a := range admins {
			sb.WriteString("  - " + a + "\n")
		}
		if err := os.WriteFile(path, []byte(sb.String()), 0600); err != nil {
			t.Fatal(err)
		}
	}
	cfg, err := settings.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	fl := &fakeLedger{}
	tokReg := tokens.New(st.DB(), fl, cfg)
	if err := tokReg.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := tokReg.Add(tokens.Descriptor{Kind: tokens.KindNativeLedger, Symbol: "AAA", Decimals: 8, LedgerID: "aaa"}); err != nil {
		t.Fatal(err)
	}
	if _, err := tokReg.Add(tokens.Descriptor{Kind: tokens.KindNativeLedger, Symbol: "BBB", Decimals: 8, LedgerID: "bbb"}); err != nil {
		t.Fatal(err)
	}

	poolStore := pools.New(st.DB())
	if _, err := poolStore.Create(1, 2, 30, 10, bignum.FromUint64(1_000_000), bignum.FromUint64(2_000_000), 100, 1, cfg.NextPoolID()); err != nil {
		t.Fatal(err)
	}

	router := amm.NewRouter(poolStore, nil)
	xfers := transfers.New(st.DB())
	claims := transfers.NewClaims(st.DB())
	jrnl := journal.New(st.DB())
	feed := journal.NewFeed(st.DB())
	users := settings.NewUsers(st.DB(), cfg)

	swapEng := swapengine.New(tokReg, poolStore, router, fl, xfers, claims, jrnl, feed, cfg, cfg.SystemAddress())
	liqEng := liquidity.New(tokReg, poolStore, fl, xfers, claims, jrnl, feed, cfg, cfg.SystemAddress())
	marketSt := markets.New(st.DB(), claims, markets.IsAdmin(users.IsAdminUser), cfg, 100)

	srv := NewServer(Deps{
		Swaps: swapEng, Liquidity: liqEng, Markets: marketSt, Tokens: tokReg,
		Pools: poolStore, Router: router, Ledgers: fl, Transfers: xfers,
		Claims: claims, Journal: jrnl, Feed: feed, Users: users, Settings: cfg,
	})
	return srv, cfg
}

func rpcCall(t *testing.T, s *Server, method string, params interface{}, principal string) Response {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		raw = b
	}
	reqBody, err := json.Marshal(Request{JSONRPC: "2.0", Method: method, Params: raw, ID: 1})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("POST", "/", bytes.NewReader(reqBody))
	if principal != "" {
		req.Header.Set("X-Principal", principal)
	}
	w := httptest.NewRecorder()
	s.handleRPC(w, req)

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHandleRPCReturnsMethodNotFoundForUnknownMethod(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := rpcCall(t, srv, "not_a_real_method", nil, "")
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Fatalf("got %+v, want MethodNotFound", resp.Error)
	}
}

func TestHandleRPCListsTokens(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := rpcCall(t, srv, "tokens", nil, "")
	if resp.Error != nil {
		t.Fatalf("got error %+v", resp.Error)
	}
	list, ok := resp.Result.([]interface{})
	if !ok || len(list) != 2 {
		t.Fatalf("got result %+v, want a 2-element token list", resp.Result)
	}
}

func TestHandleRPCAdminMethodRejectsNonAdmin(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := rpcCall(t, srv, "update_maintenance_mode", map[string]bool{"on": true}, "random-user")
	if resp.Error == nil {
		t.Fatal("expected an authorization error for a non-admin caller")
	}
}

func TestHandleRPCAdminMethodSucceedsForAdmin(t *testing.T) {
	adminPrincipal := "the-admin"
	srv, cfg := newTestServer(t, adminPrincipal)

	resp := rpcCall(t, srv, "update_maintenance_mode", map[string]bool{"on": true}, adminPrincipal)
	if resp.Error != nil {
		t.Fatalf("got error %+v, want admin call to succeed", resp.Error)
	}
	if !cfg.MaintenanceMode() {
		t.Fatal("expected maintenance mode to be enabled")
	}
}

func TestHandleRPCSwapEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)
	params := map[string]interface{}{
		"pay_token": 1, "pay_amount": "10000",
		"receive_token": 2, "receive_address": "addr", "from_address": "addr",
	}
	resp := rpcCall(t, srv, "swap", params, "trader")
	if resp.Error != nil {
		t.Fatalf("got error %+v", resp.Error)
	}
}

func TestHandleRPCDBUpdatesTailAndAck(t *testing.T) {
	adminPrincipal := "the-admin"
	srv, _ := newTestServer(t, adminPrincipal)

	// A swap generates pool/transfer/request entries on the feed.
	swapParams := map[string]interface{}{
		"pay_token": 1, "pay_amount": "10000",
		"receive_token": 2, "receive_address": "addr", "from_address": "addr",
	}
	if resp := rpcCall(t, srv, "swap", swapParams, "trader"); resp.Error != nil {
		t.Fatalf("swap failed: %+v", resp.Error)
	}

	resp := rpcCall(t, srv, "db_updates", map[string]uint64{"after_id": 0}, adminPrincipal)
	if resp.Error != nil {
		t.Fatalf("got error %+v", resp.Error)
	}
	entries, ok := resp.Result.([]interface{})
	if !ok || len(entries) == 0 {
		t.Fatalf("expected feed entries after a swap, got %+v", resp.Result)
	}

	last := entries[len(entries)-1].(map[string]interface{})
	lastID := uint64(last["ID"].(float64))
	ack := rpcCall(t, srv, "remove_db_updates", map[string]uint64{"up_to_id": lastID}, adminPrincipal)
	if ack.Error != nil {
		t.Fatalf("ack failed: %+v", ack.Error)
	}
	tail := rpcCall(t, srv, "db_updates", map[string]uint64{"after_id": 0}, adminPrincipal)
	if tail.Error != nil {
		t.Fatalf("got error %+v", tail.Error)
	}
	if tail.Result != nil {
		if remaining, ok := tail.Result.([]interface{}); ok && len(remaining) > 0 {
			t.Fatalf("expected an empty feed after full ack, got %d entries", len(remaining))
		}
	}
}

func TestHandleRPCCheckPoolsReportsPerTokenDrift(t *testing.T) {
	adminPrincipal := "the-admin"
	srv, _ := newTestServer(t, adminPrincipal)

	resp := rpcCall(t, srv, "check_pools", nil, adminPrincipal)
	if resp.Error != nil {
		t.Fatalf("got error %+v", resp.Error)
	}
	drifts, ok := resp.Result.([]interface{})
	if !ok || len(drifts) != 2 {
		t.Fatalf("expected one drift entry per pool token, got %+v", resp.Result)
	}
}

func TestHandleRPCUserBalancesRejectsLookupOfOtherUserWithoutAdmin(t *testing.T) {
	srv, _ := newTestServer(t)
	otherID := 9999
	resp := rpcCall(t, srv, "user_balances", map[string]int{"user_id": otherID}, "plain-user")
	if resp.Error == nil {
		t.Fatal("expected a non-admin lookup of another user's balances to be rejected")
	}
}
