// Package rpcapi exposes the backend over JSON-RPC 2.0 plus a
// WebSocket event feed: a method-name-to-handler map dispatched from a
// single HTTP mux, with CORS open for browser clients.
package rpcapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kongswap/kong-backend/internal/amm"
	"github.com/kongswap/kong-backend/internal/journal"
	"github.com/kongswap/kong-backend/internal/ledger"
	"github.com/kongswap/kong-backend/internal/liquidity"
	"github.com/kongswap/kong-backend/internal/markets"
	"github.com/kongswap/kong-backend/internal/pools"
	"github.com/kongswap/kong-backend/internal/settings"
	"github.com/kongswap/kong-backend/internal/swapengine"
	"github.com/kongswap/kong-backend/internal/tokens"
	"github.com/kongswap/kong-backend/internal/transfers"
	"github.com/kongswap/kong-backend/pkg/logging"
)

// Handler is a JSON-RPC method handler. userID has already been
// resolved from the caller's principal by the time a handler runs.
type Handler func(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	authErrorCode  = -32000
)

// Server is the JSON-RPC + WebSocket transport over every engine.
type Server struct {
	swaps     *swapengine.Engine
	liquidity *liquidity.Engine
	marketsSt *markets.Store
	tokenReg  *tokens.Registry
	poolStore *pools.Store
	router    *amm.Router
	ledgers   ledger.Adapter
	xfers     *transfers.Ledger
	claims    *transfers.Claims
	jrnl      *journal.Journal
	feed      *journal.Feed
	users     *settings.Users
	cfg       *settings.Settings
	ids       idAllocator
	log       *logging.Logger
	wsHub     *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// idAllocator is every counter the admin/claim handlers reach for
// directly (the engines allocate their own ids internally).
type idAllocator interface {
	NextRequestID() uint64
	NextTransferID() uint64
	NextClaimID() uint64
	NextUpdateID() uint64
}

// Deps bundles every collaborator the server dispatches into. Built up
// once at startup by cmd/kongswapd.
type Deps struct {
	Swaps     *swapengine.Engine
	Liquidity *liquidity.Engine
	Markets   *markets.Store
	Tokens    *tokens.Registry
	Pools     *pools.Store
	Router    *amm.Router
	Ledgers   ledger.Adapter
	Transfers *transfers.Ledger
	Claims    *transfers.Claims
	Journal   *journal.Journal
	Feed      *journal.Feed
	Users     *settings.Users
	Settings  *settings.Settings
}

func NewServer(d Deps) *Server {
	s := &Server{
		swaps: d.Swaps, liquidity: d.Liquidity, marketsSt: d.Markets,
		tokenReg: d.Tokens, poolStore: d.Pools, router: d.Router,
		ledgers: d.Ledgers, xfers: d.Transfers, claims: d.Claims,
		jrnl: d.Journal, feed: d.Feed, users: d.Users, cfg: d.Settings,
		ids:      d.Settings,
		log:      logging.GetDefault().Component("rpcapi"),
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	// Swap.
	s.handlers["swap"] = s.handleSwap
	s.handlers["swap_amounts"] = s.handleSwapAmounts

	// Liquidity.
	s.handlers["add_pool"] = s.handleAddPool
	s.handlers["add_liquidity"] = s.handleAddLiquidity
	s.handlers["add_liquidity_amounts"] = s.handleAddLiquidityAmounts
	s.handlers["remove_liquidity"] = s.handleRemoveLiquidity
	s.handlers["send"] = s.handleSend

	// Claims.
	s.handlers["claim"] = s.handleClaim
	s.handlers["claims"] = s.handleClaims

	// Queries.
	s.handlers["requests"] = s.handleRequests
	s.handlers["tokens"] = s.handleTokens
	s.handlers["pools"] = s.handlePools
	s.handlers["user_balances"] = s.handleUserBalances

	// Prediction markets.
	s.handlers["create_market"] = s.handleCreateMarket
	s.handlers["place_bet"] = s.handlePlaceBet
	s.handlers["propose_resolution"] = s.handleProposeResolution
	s.handlers["markets"] = s.handleMarkets

	// Admin.
	s.handlers["update_token"] = s.handleAdmin(s.handleUpdateToken)
	s.handlers["add_token"] = s.handleAdmin(s.handleAddToken)
	s.handlers["remove_token"] = s.handleAdmin(s.handleRemoveToken)
	s.handlers["update_maintenance_mode"] = s.handleAdmin(s.handleUpdateMaintenanceMode)
	s.handlers["update_fee_level"] = s.handleAdmin(s.handleUpdateFeeLevel)
	s.handlers["withdraw_fee"] = s.handleAdmin(s.handleWithdrawFee)
	s.handlers["activate_market"] = s.handleAdmin(s.handleActivateMarket)
	s.handlers["resolve_market_admin"] = s.handleAdmin(s.handleResolveMarketAdmin)
	s.handlers["check_pools"] = s.handleAdmin(s.handleCheckPools)
	s.handlers["backup_pools"] = s.handleAdmin(s.handleBackupPools)
	s.handlers["backup_tokens"] = s.handleAdmin(s.handleBackupTokens)
	s.handlers["backup_requests"] = s.handleAdmin(s.handleBackupRequests)
	s.handlers["backup_claims"] = s.handleAdmin(s.handleBackupClaims)
	s.handlers["backup_users"] = s.handleAdmin(s.handleBackupUsers)
	s.handlers["db_updates"] = s.handleAdmin(s.handleDBUpdates)
	s.handlers["remove_db_updates"] = s.handleAdmin(s.handleRemoveDBUpdates)
}

// Start opens the listener and serves JSON-RPC + WebSocket traffic.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpcapi: listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.wsHub = NewWSHub()
	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("rpc server error", "error", err)
		}
	}()

	s.log.Info("rpc server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop shuts the server down, giving in-flight requests 5s to finish.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// WSHub returns the event hub so sweepers/engines outside this package
// can broadcast, if wired in later.
func (s *Server) WSHub() *WSHub { return s.wsHub }

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "invalid request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "method not found", req.Method)
		return
	}

	userID, err := s.resolveCaller(r, time.Now())
	if err != nil {
		s.writeError(w, req.ID, authErrorCode, err.Error(), nil)
		return
	}

	result, err := handler(r.Context(), userID, req.Params)
	if err != nil {
		s.writeError(w, req.ID, InternalError, err.Error(), nil)
		return
	}
	s.writeResult(w, req.ID, result)
}

// resolveCaller maps the X-Principal header to a stable user id,
// registering the principal on first sight. An absent header resolves
// to settings.UserAll (anonymous query caller); no handler rejects that
// id, so an update call without the header runs as UserAll, and admin
// methods refuse it because reserved ids are never admin. A newly
// created user is mirrored onto the admin ETL feed.
func (s *Server) resolveCaller(r *http.Request, now time.Time) (uint64, error) {
	principal := r.Header.Get("X-Principal")
	if principal == "" {
		return settings.UserAll, nil
	}
	id, created, err := s.users.Resolve(principal, now)
	if err != nil {
		return 0, err
	}
	if created && s.feed != nil {
		s.feed.Append(s.ids.NextUpdateID(), journal.VariantUserMap,
			map[string]interface{}{"user_id": id, "principal": principal}, now)
	}
	return id, nil
}

func (s *Server) handleAdmin(inner Handler) Handler {
	return func(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
		if !s.users.IsAdminUser(userID) {
			return nil, fmt.Errorf("rpcapi: caller is not an admin")
		}
		return inner(ctx, userID, params)
	}
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message, Data: data}, ID: id})
}

func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Principal")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
