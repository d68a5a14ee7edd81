package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/pairtrader/internal/database"
	"github.com/web3guy0/pairtrader/internal/marketdata"
)

// seedClosablePosition creates a long position whose close at flatPair
// prices yields a pnl of exactly -50: entry spread 55, current spread 50,
// 10 units.
func (r *testRig) seedClosablePosition(t *testing.T, pairID int64, direction int) *database.OpenPosition {
	t.Helper()
	pos := &database.OpenPosition{
		PairID:          pairID,
		Direction:       direction,
		EntryZ:          -2.5,
		EntrySpread:     55,
		EntryPriceA:     decimal.NewFromInt(110),
		EntryPriceB:     decimal.NewFromInt(50),
		EntryHedgeRatio: 1.0,
		EntryNotional:   decimal.NewFromInt(1600),
		EntryTime:       time.Date(2026, 2, 13, 8, 0, 0, 0, time.UTC),
	}
	require.NoError(t, r.db.CreateOpenPosition(pos))
	return pos
}

func TestEmergencyStopNoop(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	pair := rig.seedPair(t, "ETH-SOL")
	rig.seedClosablePosition(t, pair.ID, 1)

	result := rig.engine.EmergencyStop(context.Background(), false, false)

	assert.Zero(t, result.PositionsClosed)
	assert.Zero(t, result.PairsDisabled)
	assert.Empty(t, result.Errors)
	assert.Empty(t, rig.exchange.orders)
}

func TestEmergencyStopClosesAllPositions(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	rig.market.data = flatPair()

	long := rig.seedPair(t, "ETH-SOL")
	short := rig.seedPair(t, "BTC-ETH")
	short.MarketA = 3
	short.MarketB = 4
	require.NoError(t, rig.db.SavePair(short))
	rig.seedClosablePosition(t, long.ID, 1)
	rig.seedClosablePosition(t, short.ID, -1)

	result := rig.engine.EmergencyStop(context.Background(), true, false)

	assert.Equal(t, 2, result.PositionsClosed)
	assert.Empty(t, result.Errors)

	positions, err := rig.db.ListOpenPositions()
	require.NoError(t, err)
	assert.Empty(t, positions)

	require.Len(t, rig.exchange.orders, 4)
	// Long pair unwinds by selling A and buying B, the short pair reversed.
	assert.True(t, rig.exchange.orders[0].isAsk)
	assert.False(t, rig.exchange.orders[1].isAsk)
	assert.False(t, rig.exchange.orders[2].isAsk)
	assert.True(t, rig.exchange.orders[3].isAsk)
	for _, ord := range rig.exchange.orders {
		assert.InDelta(t, 10, ord.amount.InexactFloat64(), 1e-9)
		assert.Zero(t, ord.twap, "emergency close must not use TWAP")
	}

	// Close needs only a handful of recent candles.
	require.NotEmpty(t, rig.market.requests)
	assert.Equal(t, 5, rig.market.requests[0].WindowCandles)
	assert.Equal(t, 5, rig.market.requests[0].TrainCandles)

	trades, err := rig.db.GetRecentTrades(10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	for _, trade := range trades {
		assert.Equal(t, database.ExitReasonEmergency, trade.ExitReason)
	}

	longPair, err := rig.db.GetPair(long.ID)
	require.NoError(t, err)
	assert.True(t, longPair.CurrentEquity.Equal(decimal.NewFromInt(950)),
		"long pair lost 50, got %s", longPair.CurrentEquity)

	shortPair, err := rig.db.GetPair(short.ID)
	require.NoError(t, err)
	assert.True(t, shortPair.CurrentEquity.Equal(decimal.NewFromInt(1050)),
		"short pair gained 50, got %s", shortPair.CurrentEquity)

	// Closing positions alone keeps pairs enabled.
	enabled, err := rig.db.GetEnabledPairs()
	require.NoError(t, err)
	assert.Len(t, enabled, 2)
}

func TestEmergencyStopCollectsErrors(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	rig.market.data = flatPair()

	ok := rig.seedPair(t, "ETH-SOL")
	bad := rig.seedPair(t, "BTC-ETH")
	bad.MarketA = 3
	bad.MarketB = 4
	require.NoError(t, rig.db.SavePair(bad))
	rig.seedClosablePosition(t, ok.ID, 1)
	badPos := rig.seedClosablePosition(t, bad.ID, 1)
	rig.exchange.failMarket = map[int]string{3: "order rejected"}

	result := rig.engine.EmergencyStop(context.Background(), true, false)

	assert.Equal(t, 1, result.PositionsClosed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, fmt.Sprintf(
		"Failed to close position %d (pair %d): close order failed: order rejected",
		badPos.ID, bad.ID), result.Errors[0])

	positions, err := rig.db.ListOpenPositions()
	require.NoError(t, err)
	require.Len(t, positions, 1, "failed close must leave the position open")
	assert.Equal(t, bad.ID, positions[0].PairID)
}

func TestEmergencyStopDisablesPairs(t *testing.T) {
	rig := newTestRig(t)
	a := rig.seedPair(t, "ETH-SOL")
	b := rig.seedPair(t, "BTC-ETH")
	jobs := &fakeJobs{}
	rig.engine.SetJobRemover(jobs)

	result := rig.engine.EmergencyStop(context.Background(), false, true)

	assert.Equal(t, 2, result.PairsDisabled)
	assert.Zero(t, result.PositionsClosed)
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, jobs.removed)

	enabled, err := rig.db.GetEnabledPairs()
	require.NoError(t, err)
	assert.Empty(t, enabled)
}

func TestEmergencyStopNoPrices(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	pair := rig.seedPair(t, "ETH-SOL")
	pos := rig.seedClosablePosition(t, pair.ID, 1)
	rig.market.data = marketdata.PairData{}

	result := rig.engine.EmergencyStop(context.Background(), true, false)

	assert.Zero(t, result.PositionsClosed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, fmt.Sprintf(
		"Failed to close position %d (pair %d): no current prices for close",
		pos.ID, pair.ID), result.Errors[0])

	positions, err := rig.db.ListOpenPositions()
	require.NoError(t, err)
	assert.Len(t, positions, 1)
}

func TestClosePairManual(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	rig.market.data = flatPair()
	pair := rig.seedPair(t, "ETH-SOL")
	rig.seedClosablePosition(t, pair.ID, 1)

	require.NoError(t, rig.engine.ClosePair(context.Background(), pair.ID))

	pos, err := rig.db.GetOpenPosition(pair.ID)
	require.NoError(t, err)
	assert.Nil(t, pos)

	trades, err := rig.db.GetRecentTrades(1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	trade := trades[0]
	assert.Equal(t, database.ExitReasonManual, trade.ExitReason)
	assert.True(t, trade.PNL.Equal(decimal.NewFromInt(-50)), "pnl should be -50, got %s", trade.PNL)
	assert.True(t, trade.PNLPct.Equal(decimal.NewFromInt(-5)), "pnl pct should be -5, got %s", trade.PNLPct)

	updated, err := rig.db.GetPair(pair.ID)
	require.NoError(t, err)
	assert.True(t, updated.CurrentEquity.Equal(decimal.NewFromInt(950)))
}

func TestClosePairWithoutPosition(t *testing.T) {
	rig := newTestRig(t)
	pair := rig.seedPair(t, "ETH-SOL")

	err := rig.engine.ClosePair(context.Background(), pair.ID)

	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("no open position for pair %d", pair.ID))
}

func TestClosePairWithoutCredential(t *testing.T) {
	rig := newTestRig(t)
	pair := rig.seedPair(t, "ETH-SOL")
	rig.seedClosablePosition(t, pair.ID, 1)

	err := rig.engine.ClosePair(context.Background(), pair.ID)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active credential")
}
