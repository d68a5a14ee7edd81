package engine

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairtrader/internal/database"
	"github.com/web3guy0/pairtrader/internal/lighter"
	"github.com/web3guy0/pairtrader/internal/marketdata"
	"github.com/web3guy0/pairtrader/internal/signal"
)

// RunCycle executes one trading cycle for a pair: fetch data, compute
// signals, then enter, exit, or hold. Cycles for the same pair never
// overlap; a cycle that finds the previous one still running logs a skip
// and returns immediately instead of queueing.
func (e *Engine) RunCycle(ctx context.Context, pairID int64) {
	lock := e.pairLock(pairID)
	if !lock.TryLock() {
		log.Warn().Int64("pair", pairID).Msg("Skipping overlapping cycle")
		e.logCycle(cycleLog{
			pairID:  pairID,
			status:  database.StatusSkipped,
			action:  "cycle_skipped_overlap",
			message: "Skipped cycle because previous run is still in progress",
		})
		return
	}
	defer lock.Unlock()

	pair, err := e.db.GetPair(pairID)
	if err != nil {
		log.Error().Err(err).Int64("pair", pairID).Msg("Failed to load pair")
		e.logCycle(cycleLog{pairID: pairID, status: database.StatusError, message: err.Error()})
		return
	}
	if pair == nil || !pair.IsEnabled {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("pair", pair.Name).Interface("panic", r).Msg("Cycle panicked")
			e.notify(fmt.Sprintf("[%s] ERROR: %v", pair.Name, r))
			e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusError, message: fmt.Sprintf("%v", r)})
		}
	}()

	e.runCycle(ctx, pair)
}

func (e *Engine) runCycle(ctx context.Context, pair *database.TradingPair) {
	// Cycles for different pairs run concurrently; the run id ties the log
	// lines of one cycle together.
	runID := uuid.New().String()
	log.Info().Str("pair", pair.Name).Str("run_id", runID).Msg("Starting cycle")

	data := e.market.FetchPairData(ctx, marketdata.PairRequest{
		MarketA:        pair.MarketA,
		MarketB:        pair.MarketB,
		WindowInterval: pair.WindowInterval,
		WindowCandles:  pair.WindowCandles,
		TrainInterval:  pair.TrainInterval,
		TrainCandles:   pair.TrainCandles,
	})
	blob := newCandleBlob(data)

	if len(data.PricesA) == 0 || len(data.PricesB) == 0 || len(data.TrainA) == 0 || len(data.TrainB) == 0 {
		e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusError,
			message: "Empty candle data from exchange", candles: blob})
		return
	}

	closeA := data.PricesA[len(data.PricesA)-1].Close
	closeB := data.PricesB[len(data.PricesB)-1].Close

	if len(data.PricesA) < pair.WindowCandles || len(data.PricesB) < pair.WindowCandles {
		e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusError,
			message: "Insufficient price data",
			closeA:  f64(closeA), closeB: f64(closeB), candles: blob})
		return
	}
	if len(data.TrainA) < pair.TrainCandles || len(data.TrainB) < pair.TrainCandles {
		e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusError,
			message: "Insufficient training data",
			closeA:  f64(closeA), closeB: f64(closeB), candles: blob})
		return
	}

	signals := signal.Compute(
		marketdata.Closes(data.PricesA), marketdata.Closes(data.PricesB),
		marketdata.Closes(data.TrainA), marketdata.Closes(data.TrainB),
		pair.WindowCandles, pair.TrainCandles, pair.RSIPeriod)

	log.Info().
		Str("pair", pair.Name).
		Str("run_id", runID).
		Float64("z", signals.ZScore).
		Float64("hedge_ratio", signals.HedgeRatio).
		Float64("half_life", signals.HalfLife).
		Float64("rsi", signals.RSI).
		Msg("📊 Signals computed")

	position, err := e.db.GetOpenPosition(pair.ID)
	if err != nil {
		e.failCycle(pair, &signals, closeA, closeB, fmt.Errorf("load open position: %w", err))
		return
	}

	if position == nil {
		e.handleEntry(ctx, pair, signals, closeA, closeB, blob)
	} else {
		e.handleExit(ctx, pair, position, signals, closeA, closeB, blob)
	}
}

// failCycle reports a mid-cycle failure: error log, operator alert, and an
// error row in the job log.
func (e *Engine) failCycle(pair *database.TradingPair, signals *signal.Result, closeA, closeB float64, err error) {
	log.Error().Err(err).Str("pair", pair.Name).Msg("Cycle error")
	e.notify(fmt.Sprintf("[%s] ERROR: %v", pair.Name, err))
	e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusError, signals: signals,
		message: err.Error(), closeA: f64(closeA), closeB: f64(closeB)})
}

func (e *Engine) handleEntry(ctx context.Context, pair *database.TradingPair, signals signal.Result, closeA, closeB float64, blob *candleBlob) {
	client, err := e.exchange()
	if err != nil {
		e.failCycle(pair, &signals, closeA, closeB, err)
		return
	}
	if client == nil {
		e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusError, signals: &signals,
			message: "No active credential", closeA: f64(closeA), closeB: f64(closeB)})
		return
	}
	defer client.Close()

	balance := client.GetBalance(ctx)
	positionSize := balance.Mul(decimal.NewFromFloat(pair.PositionSizePct)).Div(decimal.NewFromInt(100))
	if !positionSize.IsPositive() {
		e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusError, signals: &signals,
			message: fmt.Sprintf("Insufficient balance: $%.2f", balance.InexactFloat64()),
			closeA:  f64(closeA), closeB: f64(closeB)})
		return
	}

	equity := positionSize.InexactFloat64()
	equityFloor := equity * pair.MinEquityPct / 100

	// While flat, tracked equity follows the balance-derived position size.
	if err := e.db.UpdatePairEquity(pair.ID, positionSize); err != nil {
		e.failCycle(pair, &signals, closeA, closeB, fmt.Errorf("update equity: %w", err))
		return
	}

	entry := signal.EvaluateEntry(signals, signal.EntryParams{
		EntryZ:        pair.EntryZ,
		MaxHalfLife:   pair.MaxHalfLife,
		RSIUpper:      pair.RSIUpper,
		RSILower:      pair.RSILower,
		CurrentEquity: equity,
		EquityFloor:   equityFloor,
		Leverage:      pair.Leverage,
	})
	if !entry.Enter {
		action := "none"
		if entry.SkipReason != "no_signal" {
			action = "skip:" + entry.SkipReason
		}
		e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusSuccess, signals: &signals,
			action: action, message: "No entry: " + entry.SkipReason,
			closeA: f64(closeA), closeB: f64(closeB), candles: blob})
		return
	}

	dollarPerUnit := closeA + math.Abs(signals.HedgeRatio)*closeB
	var units float64
	if dollarPerUnit > 0 {
		units = entry.Notional / dollarPerUnit
	}

	// Long spread buys A and sells B; short spread is the reverse.
	isAskA := entry.Direction == -1
	isAskB := entry.Direction == 1
	sizeA := math.Abs(units)
	sizeB := math.Abs(units * signals.HedgeRatio)

	resultA := e.placePairOrder(ctx, client, pair, pair.MarketA, sizeA, closeA, isAskA)
	resultB := e.placePairOrder(ctx, client, pair, pair.MarketB, sizeB, closeB, isAskB)

	if !resultA.Success || !resultB.Success {
		reason := resultA.Error
		if reason == "" {
			reason = resultB.Error
		}
		e.rollbackPartialFill(ctx, client, pair, resultA, resultB, "entry", &signals)
		e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusError, signals: &signals,
			action: "entry_failed", message: "Order failed (rolled back): " + reason,
			closeA: f64(closeA), closeB: f64(closeB)})
		return
	}

	// Market orders can be accepted upstream yet cancelled by the exchange,
	// so confirm both legs actually exist before recording the position.
	e.sleep(e.settleDelay)
	positions, err := client.GetPositions(ctx)
	if err != nil {
		e.failCycle(pair, &signals, closeA, closeB, fmt.Errorf("confirm entry positions: %w", err))
		return
	}
	held := heldMarkets(positions)
	if !held[pair.MarketA] || !held[pair.MarketB] {
		missing := missingLegs(pair, held)
		e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusError, signals: &signals,
			action:  "entry_not_confirmed",
			message: "Orders accepted but positions not found on exchange: " + missing,
			closeA:  f64(closeA), closeB: f64(closeB)})
		e.notify(fmt.Sprintf("[%s] Entry orders accepted but NOT confirmed on exchange. Positions missing: %s", pair.Name, missing))
		return
	}

	// Another cycle or the reconciler may have raced us between the first
	// position check and now.
	existing, err := e.db.GetOpenPosition(pair.ID)
	if err != nil {
		e.failCycle(pair, &signals, closeA, closeB, fmt.Errorf("recheck open position: %w", err))
		return
	}
	if existing != nil {
		log.Warn().Str("pair", pair.Name).Msg("Position already exists, aborting entry")
		e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusSkipped, signals: &signals,
			action: "entry_aborted_duplicate", message: "Position already existed at commit time",
			closeA: f64(closeA), closeB: f64(closeB)})
		return
	}

	pos := &database.OpenPosition{
		PairID:          pair.ID,
		Direction:       entry.Direction,
		EntryZ:          signals.ZScore,
		EntrySpread:     signals.Spread,
		EntryPriceA:     decimal.NewFromFloat(closeA),
		EntryPriceB:     decimal.NewFromFloat(closeB),
		EntryHedgeRatio: signals.HedgeRatio,
		EntryNotional:   decimal.NewFromFloat(entry.Notional),
		EntryTime:       e.now(),
		OrderIDA:        resultA.OrderID,
		OrderIDB:        resultB.OrderID,
	}
	if err := e.db.CreateOpenPosition(pos); err != nil {
		e.failCycle(pair, &signals, closeA, closeB, fmt.Errorf("save open position: %w", err))
		return
	}

	directionStr := "entry_short"
	if entry.Direction == 1 {
		directionStr = "entry_long"
	}
	log.Info().
		Str("pair", pair.Name).
		Float64("z", signals.ZScore).
		Float64("notional", entry.Notional).
		Msgf("✅ Entered %s", directionStr)
	e.notify(fmt.Sprintf("[%s] Entry %s | z=%.3f | $%.0f", pair.Name, directionStr, signals.ZScore, entry.Notional))
	e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusSuccess, signals: &signals,
		action: directionStr, message: fmt.Sprintf("Notional: $%.0f", entry.Notional),
		closeA: f64(closeA), closeB: f64(closeB), candles: blob, orders: newOrdersBlob(resultA, resultB)})
}

func (e *Engine) handleExit(ctx context.Context, pair *database.TradingPair, position *database.OpenPosition, signals signal.Result, closeA, closeB float64, blob *candleBlob) {
	exitSig := signal.EvaluateExit(signals, signal.ExitParams{
		Direction:       position.Direction,
		EntrySpread:     position.EntrySpread,
		EntryPriceA:     position.EntryPriceA.InexactFloat64(),
		EntryPriceB:     position.EntryPriceB.InexactFloat64(),
		EntryHedgeRatio: position.EntryHedgeRatio,
		EntryNotional:   position.EntryNotional.InexactFloat64(),
		CurrentEquity:   pair.CurrentEquity.InexactFloat64(),
		ExitZ:           pair.ExitZ,
		StopZ:           pair.StopZ,
		StopLossPct:     pair.StopLossPct,
		PriceA:          closeA,
		PriceB:          closeB,
	})

	if !exitSig.Exit {
		e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusSuccess, signals: &signals,
			action:  "hold",
			message: fmt.Sprintf("Unrealized: $%.2f (%.2f%%)", exitSig.UnrealizedPNL, exitSig.UnrealizedPct),
			closeA:  f64(closeA), closeB: f64(closeB), candles: blob})
		return
	}

	client, err := e.exchange()
	if err != nil {
		e.failCycle(pair, &signals, closeA, closeB, err)
		return
	}
	if client == nil {
		e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusError, signals: &signals,
			message: "No active credential for exit", closeA: f64(closeA), closeB: f64(closeB)})
		return
	}
	defer client.Close()

	// Leg sizes come from the entry snapshot so the close mirrors what was
	// opened, not what prices have since become.
	entryPriceA := position.EntryPriceA.InexactFloat64()
	entryPriceB := position.EntryPriceB.InexactFloat64()
	dollarPerUnit := entryPriceA + math.Abs(position.EntryHedgeRatio)*entryPriceB
	var units float64
	if dollarPerUnit > 0 {
		units = position.EntryNotional.InexactFloat64() / dollarPerUnit
	}

	// Reverse of the entry legs.
	isAskA := position.Direction == 1
	isAskB := position.Direction == -1
	sizeA := math.Abs(units)
	sizeB := math.Abs(units * position.EntryHedgeRatio)

	resultA := e.placePairOrder(ctx, client, pair, pair.MarketA, sizeA, closeA, isAskA)
	resultB := e.placePairOrder(ctx, client, pair, pair.MarketB, sizeB, closeB, isAskB)

	if !resultA.Success || !resultB.Success {
		reason := resultA.Error
		if reason == "" {
			reason = resultB.Error
		}
		e.rollbackPartialFill(ctx, client, pair, resultA, resultB, "exit", &signals)
		e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusError, signals: &signals,
			action: "exit_failed", message: "Close order failed (rolled back): " + reason,
			closeA: f64(closeA), closeB: f64(closeB)})
		return
	}

	e.sleep(e.settleDelay)
	positions, err := client.GetPositions(ctx)
	if err != nil {
		e.failCycle(pair, &signals, closeA, closeB, fmt.Errorf("confirm exit positions: %w", err))
		return
	}
	held := heldMarkets(positions)
	if held[pair.MarketA] || held[pair.MarketB] {
		stillOpen := openLegs(pair, held)
		e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusError, signals: &signals,
			action:  "exit_not_confirmed",
			message: "Exit orders accepted but positions still open: " + stillOpen,
			closeA:  f64(closeA), closeB: f64(closeB)})
		return
	}

	equity := pair.CurrentEquity.InexactFloat64()
	var pnl float64
	if exitSig.Reason == database.ExitReasonStopLoss {
		pnl = -pair.StopLossPct / 100 * equity
	} else {
		spreadChange := (closeA - position.EntryHedgeRatio*closeB) - position.EntrySpread
		pnl = float64(position.Direction) * spreadChange * units
	}
	var pnlPct float64
	if equity > 0 {
		pnlPct = pnl / equity * 100
	}

	directionStr := "Short A / Long B"
	if position.Direction == 1 {
		directionStr = "Long A / Short B"
	}
	reason := exitSig.Reason
	if reason == "" {
		reason = "unknown"
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
		e.failCycle(pair, &signals, closeA, closeB, fmt.Errorf("finalize close: %w", err))
		return
	}

	log.Info().
		Str("pair", pair.Name).
		Str("reason", reason).
		Float64("pnl", pnl).
		Msg("✅ Position closed")
	e.notify(fmt.Sprintf("[%s] Exit (%s) | PnL: $%.2f (%.2f%%)", pair.Name, reason, pnl, pnlPct))
	e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusSuccess, signals: &signals,
		action:  "exit:" + reason,
		message: fmt.Sprintf("PnL: $%.2f (%.2f%%)", pnl, pnlPct),
		closeA:  f64(closeA), closeB: f64(closeB), candles: blob, orders: newOrdersBlob(resultA, resultB)})
}

// placePairOrder places one leg, as TWAP when the pair is configured for it
// and as an immediate market order otherwise.
func (e *Engine) placePairOrder(ctx context.Context, client Exchange, pair *database.TradingPair, marketIndex int, size, price float64, isAsk bool) *lighter.OrderResult {
	amount := decimal.NewFromFloat(size)
	limit := decimal.NewFromFloat(price)
	if pair.TwapMinutes > 0 {
		return client.PlaceTWAPOrder(ctx, marketIndex, amount, limit, isAsk, pair.TwapMinutes)
	}
	return client.PlaceOrder(ctx, marketIndex, amount, limit, isAsk, lighter.AsMarket())
}

// rollbackPartialFill cancels the surviving leg after the other failed, so a
// half-entered pair never rides as a naked directional position. A failed
// cancel is the worst case: flag it loudly for the operator.
func (e *Engine) rollbackPartialFill(ctx context.Context, client Exchange, pair *database.TradingPair, resultA, resultB *lighter.OrderResult, stage string, signals *signal.Result) {
	switch {
	case resultA.Success && !resultB.Success:
		log.Warn().
			Str("pair", pair.Name).
			Str("order", resultA.OrderID).
			Msgf("%s: Leg B failed, cancelling leg A", stage)
		if err := client.CancelOrder(ctx, pair.MarketA, resultA.OrderID); err != nil {
			log.Error().Err(err).Str("pair", pair.Name).
				Msgf("CRITICAL: Failed to cancel leg A order %s. Manual intervention required.", resultA.OrderID)
			e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusError, signals: signals,
				action:  stage + "_rollback_failed",
				message: fmt.Sprintf("Could not cancel leg A order %s", resultA.OrderID)})
			e.notify(fmt.Sprintf("[%s] CRITICAL: Failed to cancel leg A order %s. Manual intervention required.", pair.Name, resultA.OrderID))
		}
	case resultB.Success && !resultA.Success:
		log.Warn().
			Str("pair", pair.Name).
			Str("order", resultB.OrderID).
			Msgf("%s: Leg A failed, cancelling leg B", stage)
		if err := client.CancelOrder(ctx, pair.MarketB, resultB.OrderID); err != nil {
			log.Error().Err(err).Str("pair", pair.Name).
				Msgf("CRITICAL: Failed to cancel leg B order %s. Manual intervention required.", resultB.OrderID)
			e.logCycle(cycleLog{pairID: pair.ID, status: database.StatusError, signals: signals,
				action:  stage + "_rollback_failed",
				message: fmt.Sprintf("Could not cancel leg B order %s", resultB.OrderID)})
			e.notify(fmt.Sprintf("[%s] CRITICAL: Failed to cancel leg B order %s. Manual intervention required.", pair.Name, resultB.OrderID))
		}
	}
}

func heldMarkets(positions []lighter.Position) map[int]bool {
	held := make(map[int]bool, len(positions))
	for _, p := range positions {
		held[p.MarketIndex] = true
	}
	return held
}

func missingLegs(pair *database.TradingPair, held map[int]bool) string {
	var legs []string
	if !held[pair.MarketA] {
		legs = append(legs, fmt.Sprintf("leg A (market %d)", pair.MarketA))
	}
	if !held[pair.MarketB] {
		legs = append(legs, fmt.Sprintf("leg B (market %d)", pair.MarketB))
	}
	return strings.Join(legs, ", ")
}

func openLegs(pair *database.TradingPair, held map[int]bool) string {
	var legs []string
	if held[pair.MarketA] {
		legs = append(legs, fmt.Sprintf("leg A (market %d)", pair.MarketA))
	}
	if held[pair.MarketB] {
		legs = append(legs, fmt.Sprintf("leg B (market %d)", pair.MarketB))
	}
	return strings.Join(legs, ", ")
}
