package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairtrader/internal/database"
	"github.com/web3guy0/pairtrader/internal/lighter"
	"github.com/web3guy0/pairtrader/internal/marketdata"
)

// StopResult summarizes one emergency stop run.
type StopResult struct {
	PositionsClosed int
	PairsDisabled   int
	Errors          []string
}

// EmergencyStop closes every open position and/or disables every pair. Per
// position errors are collected in the result, never aborting the batch.
func (e *Engine) EmergencyStop(ctx context.Context, closePositions, disablePairs bool) StopResult {
	var result StopResult

	if closePositions {
		positions, err := e.db.ListOpenPositions()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("list positions: %v", err))
		} else {
			for i := range positions {
				pos := &positions[i]
				if err := e.closePosition(ctx, pos, database.ExitReasonEmergency); err != nil {
					msg := fmt.Sprintf("Failed to close position %d (pair %d): %v", pos.ID, pos.PairID, err)
					log.Error().Msg(msg)
					result.Errors = append(result.Errors, msg)
					continue
				}
				result.PositionsClosed++
			}
		}
	}

	if disablePairs {
		pairs, err := e.db.GetEnabledPairs()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("list enabled pairs: %v", err))
			return result
		}
		count, err := e.db.SetAllPairsEnabled(false)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("disable pairs: %v", err))
			return result
		}
		result.PairsDisabled = int(count)
		if e.jobs != nil {
			for i := range pairs {
				e.jobs.RemovePairJob(pairs[i].ID)
			}
		}
		log.Warn().Int("pairs", result.PairsDisabled).Msg("🛑 Emergency stop disabled all pairs")
	}

	return result
}

// ClosePair manually closes a pair's open position at market.
func (e *Engine) ClosePair(ctx context.Context, pairID int64) error {
	position, err := e.db.GetOpenPosition(pairID)
	if err != nil {
		return fmt.Errorf("load open position: %w", err)
	}
	if position == nil {
		return fmt.Errorf("no open position for pair %d", pairID)
	}
	return e.closePosition(ctx, position, database.ExitReasonManual)
}

// closePosition unwinds one position with reverse market orders at current
// prices and finalizes the trade under the given exit reason. Unlike the
// cycle exit path it skips signal evaluation and settlement confirmation:
// this is the get-out-now path.
func (e *Engine) closePosition(ctx context.Context, position *database.OpenPosition, reason string) error {
	pair, err := e.db.GetPair(position.PairID)
	if err != nil {
		return fmt.Errorf("load pair: %w", err)
	}
	if pair == nil {
		return fmt.Errorf("pair %d not found", position.PairID)
	}

	client, err := e.exchange()
	if err != nil {
		return err
	}
	if client == nil {
		return errors.New("no active credential")
	}
	defer client.Close()

	// A handful of recent candles is enough for a close price.
	data := e.market.FetchPairData(ctx, marketdata.PairRequest{
		MarketA:        pair.MarketA,
		MarketB:        pair.MarketB,
		WindowInterval: pair.WindowInterval,
		WindowCandles:  5,
		TrainInterval:  pair.TrainInterval,
		TrainCandles:   5,
	})
	if len(data.PricesA) == 0 || len(data.PricesB) == 0 {
		return errors.New("no current prices for close")
	}
	closeA := data.PricesA[len(data.PricesA)-1].Close
	closeB := data.PricesB[len(data.PricesB)-1].Close

	entryPriceA := position.EntryPriceA.InexactFloat64()
	entryPriceB := position.EntryPriceB.InexactFloat64()
	dollarPerUnit := entryPriceA + math.Abs(position.EntryHedgeRatio)*entryPriceB
	var units float64
	if dollarPerUnit > 0 {
		units = position.EntryNotional.InexactFloat64() / dollarPerUnit
	}

	isAskA := position.Direction == 1
	isAskB := position.Direction == -1
	sizeA := math.Abs(units)
	sizeB := math.Abs(units * position.EntryHedgeRatio)

	resultA := client.PlaceOrder(ctx, pair.MarketA,
		decimal.NewFromFloat(sizeA), decimal.NewFromFloat(closeA), isAskA, lighter.AsMarket())
	resultB := client.PlaceOrder(ctx, pair.MarketB,
		decimal.NewFromFloat(sizeB), decimal.NewFromFloat(closeB), isAskB, lighter.AsMarket())
	if !resultA.Success || !resultB.Success {
		errMsg := resultA.Error
		if errMsg == "" {
			errMsg = resultB.Error
		}
		return fmt.Errorf("close order failed: %s", errMsg)
	}

	spreadChange := (closeA - position.EntryHedgeRatio*closeB) - position.EntrySpread
	pnl := float64(position.Direction) * spreadChange * units
	equity := pair.CurrentEquity.InexactFloat64()
	var pnlPct float64
	if equity > 0 {
		pnlPct = pnl / equity * 100
	}

	directionStr := "Short A / Long B"
	if position.Direction == 1 {
		directionStr = "Long A / Short B"
	}

	pnlDec := decimal.NewFromFloat(pnl).Round(2)
	newEquity := pair.CurrentEquity.Add(pnlDec)
	trade := &database.Trade{
		PairID:          pair.ID,
		Direction:       directionStr,
		EntryTime:       position.EntryTime,
		ExitTime:        e.now(),
		EntryPriceA:     position.EntryPriceA,
		EntryPriceB:     position.EntryPriceB,
		ExitPriceA:      decimal.NewFromFloat(closeA),
		ExitPriceB:      decimal.NewFromFloat(closeB),
		SizeA:           decimal.NewFromFloat(sizeA).Round(4),
		SizeB:           decimal.NewFromFloat(sizeB).Round(4),
		HedgeRatio:      position.EntryHedgeRatio,
		PNL:             pnlDec,
		PNLPct:          decimal.NewFromFloat(pnlPct).Round(2),
		ExitReason:      reason,
		DurationCandles: 0,
	}
	snap := &database.EquitySnapshot{
		PairID:      pair.ID,
		Timestamp:   e.now(),
		Equity:      newEquity.Round(2),
		DrawdownPct: decimal.Zero,
	}
	if err := e.db.FinalizeClose(pair.ID, position.ID, newEquity, trade, snap); err != nil {
		return fmt.Errorf("finalize close: %w", err)
	}

	log.Info().
		Str("pair", pair.Name).
		Str("reason", reason).
		Float64("pnl", pnl).
		Msg("🛑 Closed position")
	return nil
}
