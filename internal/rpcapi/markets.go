package rpcapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kongswap/kong-backend/internal/bignum"
	"github.com/kongswap/kong-backend/internal/markets"
)

type createMarketParams struct {
	Question          string    `json:"question"`
	Category           string    `json:"category"`
	Rules              string    `json:"rules"`
	Outcomes           []string  `json:"outcomes"`
	EndTime            time.Time `json:"end_time"`
	TokenID            uint64    `json:"token_id"`
	UsesTimeWeighting  bool      `json:"uses_time_weighting"`
	TimeWeightAlpha    float64   `json:"time_weight_alpha,omitempty"`
}

// handleCreateMarket opens a market, Active immediately for an admin
// caller or Pending activation otherwise.
func (s *Server) handleCreateMarket(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p createMarketParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.marketsSt.Create(markets.CreateRequest{
		Creator: userID, Question: p.Question, Category: p.Category, Rules: p.Rules,
		Outcomes: p.Outcomes, EndTime: p.EndTime, TokenID: p.TokenID,
		UsesTimeWeighting: p.UsesTimeWeighting, TimeWeightAlpha: p.TimeWeightAlpha,
	}, time.Now())
}

type placeBetParams struct {
	MarketID     uint64        `json:"market_id"`
	OutcomeIndex int           `json:"outcome_index"`
	Amount       bignum.Amount `json:"amount"`
}

func (s *Server) handlePlaceBet(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p placeBetParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	bet, err := s.marketsSt.PlaceBet(p.MarketID, userID, p.OutcomeIndex, p.Amount, time.Now())
	if err == nil {
		s.publish(string(EventBetPlaced), bet)
	}
	return bet, err
}

type proposeResolutionParams struct {
	MarketID uint64 `json:"market_id"`
	Winners  []int  `json:"winners"`
}

// handleProposeResolution is the dual-approval path for user-created
// markets: creator and admin each call this with the same winners
// before the market closes.
func (s *Server) handleProposeResolution(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p proposeResolutionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	m, err := s.marketsSt.ProposeResolution(p.MarketID, userID, p.Winners, time.Now())
	if err == nil && m.Status == markets.StatusClosed {
		s.publish("market_resolved", m)
	}
	return m, err
}

type marketsParams struct {
	MarketID *uint64 `json:"market_id,omitempty"`
}

func (s *Server) handleMarkets(ctx context.Context, userID uint64, params json.RawMessage) (interface{}, error) {
	var p marketsParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	if p.MarketID != nil {
		return s.marketsSt.Get(*p.MarketID)
	}
	return s.marketsSt.List()
}
