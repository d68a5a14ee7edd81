package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairtrader/internal/database"
)

// SyncPositions reconciles database positions against the exchange. Run
// once at startup before the scheduler begins firing: while the process was
// down, orders may have been cancelled externally, manual trades may have
// happened, or a crash mid-cycle may have left either side ahead of the
// other. Best effort; failures are logged and never block startup.
//
// Scenarios:
//   - DB position with both legs on the exchange: confirmed, no action.
//   - DB position with one leg: partial, warn and leave for the operator.
//   - DB position with neither leg: stale record, delete it.
//   - Exchange position matching an enabled pair with no DB record:
//     auto-create a position with what can be inferred from the exchange.
func (e *Engine) SyncPositions(ctx context.Context) {
	client, err := e.exchange()
	if err != nil {
		log.Error().Err(err).Msg("Position sync: failed to load credential")
		return
	}
	if client == nil {
		log.Info().Msg("Position sync: no active credential, skipping")
		return
	}
	exchangePositions, err := client.GetPositions(ctx)
	client.Close()
	if err != nil {
		log.Error().Err(err).Msg("Position sync: failed to fetch exchange positions")
		return
	}

	byMarket := make(map[int]lighterPosition, len(exchangePositions))
	for _, p := range exchangePositions {
		byMarket[p.MarketIndex] = lighterPosition{Side: p.Side, Size: p.Size.InexactFloat64(), EntryPrice: p.EntryPrice.InexactFloat64()}
	}

	dbPositions, err := e.db.ListOpenPositions()
	if err != nil {
		log.Error().Err(err).Msg("Position sync: failed to list positions")
		return
	}

	if len(dbPositions) == 0 && len(exchangePositions) == 0 {
		log.Info().Msg("Position sync: no positions in DB or exchange, all clear")
		return
	}
	log.Info().
		Int("db_positions", len(dbPositions)).
		Int("exchange_positions", len(exchangePositions)).
		Msg("Position sync: comparing state")

	tracked := make(map[int]bool)

	for i := range dbPositions {
		dbPos := &dbPositions[i]
		pair, err := e.db.GetPair(dbPos.PairID)
		if err != nil {
			log.Error().Err(err).Int64("pair", dbPos.PairID).Msg("Position sync: failed to load pair")
			continue
		}
		if pair == nil {
			// Pair was deleted but its position record remains.
			log.Warn().
				Int64("position", dbPos.ID).
				Int64("pair", dbPos.PairID).
				Msg("Position sync: orphaned position for deleted pair, removing")
			if err := e.db.DeleteOpenPosition(dbPos.ID); err != nil {
				log.Error().Err(err).Int64("position", dbPos.ID).Msg("Position sync: failed to delete orphan")
			}
			continue
		}

		_, hasLegA := byMarket[pair.MarketA]
		_, hasLegB := byMarket[pair.MarketB]
		if hasLegA {
			tracked[pair.MarketA] = true
		}
		if hasLegB {
			tracked[pair.MarketB] = true
		}

		switch {
		case hasLegA && hasLegB:
			log.Info().Str("pair", pair.Name).Msg("Position sync: position confirmed on exchange")
		case hasLegA || hasLegB:
			presentLeg, missingLeg := "A", "B"
			if hasLegB {
				presentLeg, missingLeg = "B", "A"
			}
			log.Warn().Str("pair", pair.Name).
				Msgf("Position sync: leg %s on exchange but leg %s missing. Manual review recommended.", presentLeg, missingLeg)
			e.logSyncEvent(pair.ID, fmt.Sprintf(
				"Partial position detected: leg %s missing on exchange. Leg %s still open. Manual intervention may be needed.",
				missingLeg, presentLeg))
		default:
			// Neither leg on the exchange, typically unfilled orders.
			log.Warn().Str("pair", pair.Name).
				Msg("Position sync: DB position has no exchange positions, removing stale record")
			e.logSyncEvent(pair.ID, fmt.Sprintf(
				"Stale position removed (direction=%d, notional=$%.0f): exchange has no matching positions.",
				dbPos.Direction, dbPos.EntryNotional.InexactFloat64()))
			if err := e.db.DeleteOpenPosition(dbPos.ID); err != nil {
				log.Error().Err(err).Int64("position", dbPos.ID).Msg("Position sync: failed to delete stale position")
			}
		}
	}

	e.recoverUntracked(dbPositions, byMarket, tracked)

	for marketIndex, exPos := range byMarket {
		if !tracked[marketIndex] {
			log.Warn().
				Int("market", marketIndex).
				Str("side", exPos.Side).
				Float64("size", exPos.Size).
				Msg("Position sync: exchange position not tracked by any pair, may be manual or from a deleted pair")
		}
	}

	log.Info().Msg("Position sync complete")
}

// lighterPosition is the slice of an exchange position the reconciler needs.
type lighterPosition struct {
	Side       string
	Size       float64
	EntryPrice float64
}

// recoverUntracked creates DB positions for enabled pairs whose both legs
// exist on the exchange but which have no DB record. Direction comes from
// leg A's side; entry z and spread are unknown and recorded as zero.
func (e *Engine) recoverUntracked(dbPositions []database.OpenPosition, byMarket map[int]lighterPosition, tracked map[int]bool) {
	withPosition := make(map[int64]bool, len(dbPositions))
	for _, dbPos := range dbPositions {
		withPosition[dbPos.PairID] = true
	}

	pairs, err := e.db.GetEnabledPairs()
	if err != nil {
		log.Error().Err(err).Msg("Position sync: failed to list enabled pairs")
		return
	}
	for i := range pairs {
		pair := &pairs[i]
		if withPosition[pair.ID] {
			continue
		}
		exA, hasA := byMarket[pair.MarketA]
		exB, hasB := byMarket[pair.MarketB]
		switch {
		case hasA && hasB:
			direction := -1
			if exA.Side == "long" {
				direction = 1
			}
			notional := exA.EntryPrice*exA.Size + exB.EntryPrice*exB.Size
			var hedgeRatio float64
			if exA.Size > 0 {
				hedgeRatio = exB.Size / exA.Size
			}
			pos := &database.OpenPosition{
				PairID:          pair.ID,
				Direction:       direction,
				EntryZ:          0,
				EntrySpread:     0,
				EntryPriceA:     decimal.NewFromFloat(exA.EntryPrice),
				EntryPriceB:     decimal.NewFromFloat(exB.EntryPrice),
				EntryHedgeRatio: hedgeRatio,
				EntryNotional:   decimal.NewFromFloat(notional),
				EntryTime:       e.now(),
			}
			if err := e.db.CreateOpenPosition(pos); err != nil {
				log.Error().Err(err).Str("pair", pair.Name).Msg("Position sync: failed to auto-create position")
				continue
			}
			tracked[pair.MarketA] = true
			tracked[pair.MarketB] = true
			log.Warn().
				Str("pair", pair.Name).
				Int("direction", direction).
				Float64("notional", notional).
				Msg("Position sync: auto-created DB position from exchange state")
			e.logSyncEvent(pair.ID, fmt.Sprintf(
				"Auto-recovered position from exchange (direction=%d, hedge_ratio=%.4f, notional=$%.0f)",
				direction, hedgeRatio, notional))
		case hasA || hasB:
			present, missing := "A", "B"
			if hasB {
				present, missing = "B", "A"
			}
			log.Warn().Str("pair", pair.Name).
				Msgf("Position sync: leg %s on exchange but no leg %s and no DB position. Manual review needed.", present, missing)
		}
	}
}

// logSyncEvent writes a reconciler event to the job log.
func (e *Engine) logSyncEvent(pairID int64, message string) {
	e.logCycle(cycleLog{
		pairID:  pairID,
		status:  database.StatusWarning,
		action:  "position_sync",
		message: message,
	})
}
