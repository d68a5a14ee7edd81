package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/pairtrader/internal/database"
	"github.com/web3guy0/pairtrader/internal/lighter"
)

func exchangePosition(market int, side string, size, entryPrice float64) lighter.Position {
	return lighter.Position{
		MarketIndex: market,
		Side:        side,
		Size:        decimal.NewFromFloat(size),
		EntryPrice:  decimal.NewFromFloat(entryPrice),
	}
}

func (r *testRig) seedPosition(t *testing.T, pairID int64, direction int) *database.OpenPosition {
	t.Helper()
	pos := &database.OpenPosition{
		PairID:          pairID,
		Direction:       direction,
		EntryZ:          -2.1,
		EntrySpread:     55,
		EntryHedgeRatio: 1.0,
		EntryPriceA:     decimal.NewFromInt(110),
		EntryPriceB:     decimal.NewFromInt(50),
		EntryNotional:   decimal.NewFromInt(2500),
		EntryTime:       time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC),
		OrderIDA:        "ord-1",
		OrderIDB:        "ord-2",
	}
	require.NoError(t, r.db.CreateOpenPosition(pos))
	return pos
}

func TestSyncPositionsNoCredential(t *testing.T) {
	rig := newTestRig(t)
	pair := rig.seedPair(t, "ETH-SOL")
	rig.seedPosition(t, pair.ID, 1)

	rig.engine.SyncPositions(context.Background())

	positions, err := rig.db.ListOpenPositions()
	require.NoError(t, err)
	assert.Len(t, positions, 1, "sync without a credential must not touch positions")
	assert.Zero(t, rig.exchange.closed)
}

func TestSyncPositionsExchangeErrorLeavesState(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	pair := rig.seedPair(t, "ETH-SOL")
	rig.seedPosition(t, pair.ID, 1)
	rig.exchange.posErr = errors.New("api down")

	rig.engine.SyncPositions(context.Background())

	positions, err := rig.db.ListOpenPositions()
	require.NoError(t, err)
	assert.Len(t, positions, 1)
}

func TestSyncPositionsAllClear(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	rig.seedPair(t, "ETH-SOL")

	rig.engine.SyncPositions(context.Background())

	positions, err := rig.db.ListOpenPositions()
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Equal(t, 1, rig.exchange.closed)
}

func TestSyncPositionsConfirmed(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	pair := rig.seedPair(t, "ETH-SOL")
	rig.seedPosition(t, pair.ID, 1)
	rig.exchange.positions = []lighter.Position{
		exchangePosition(pair.MarketA, "long", 10, 110),
		exchangePosition(pair.MarketB, "short", 10, 50),
	}

	rig.engine.SyncPositions(context.Background())

	positions, err := rig.db.ListOpenPositions()
	require.NoError(t, err)
	require.Len(t, positions, 1, "confirmed position must survive and not be duplicated")
	logs := recentLogs(t, rig.db, pair.ID)
	assert.Empty(t, logs, "a confirmed position needs no sync event")
}

func TestSyncPositionsPartialLeg(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	pair := rig.seedPair(t, "ETH-SOL")
	rig.seedPosition(t, pair.ID, 1)
	rig.exchange.positions = []lighter.Position{
		exchangePosition(pair.MarketA, "long", 10, 110),
	}

	rig.engine.SyncPositions(context.Background())

	positions, err := rig.db.ListOpenPositions()
	require.NoError(t, err)
	assert.Len(t, positions, 1, "partial positions are left for the operator")

	row := findLog(t, rig.db, pair.ID, "position_sync")
	assert.Equal(t, database.StatusWarning, row.Status)
	assert.Equal(t,
		"Partial position detected: leg B missing on exchange. Leg A still open. Manual intervention may be needed.",
		row.Message)
}

func TestSyncPositionsStaleRemoved(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	pair := rig.seedPair(t, "ETH-SOL")
	rig.seedPosition(t, pair.ID, 1)
	// Unrelated market so the run is not short-circuited as all clear.
	rig.exchange.positions = []lighter.Position{
		exchangePosition(9, "long", 1, 42000),
	}

	rig.engine.SyncPositions(context.Background())

	positions, err := rig.db.ListOpenPositions()
	require.NoError(t, err)
	assert.Empty(t, positions, "stale record must be removed")

	row := findLog(t, rig.db, pair.ID, "position_sync")
	assert.Equal(t,
		"Stale position removed (direction=1, notional=$2500): exchange has no matching positions.",
		row.Message)
}

func TestSyncPositionsOrphanForDeletedPair(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	rig.seedPosition(t, 999, 1)
	rig.exchange.positions = []lighter.Position{
		exchangePosition(9, "long", 1, 42000),
	}

	rig.engine.SyncPositions(context.Background())

	positions, err := rig.db.ListOpenPositions()
	require.NoError(t, err)
	assert.Empty(t, positions, "orphaned position for a deleted pair must be removed")
}

func TestSyncPositionsAutoRecover(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	pair := rig.seedPair(t, "ETH-SOL")
	rig.exchange.positions = []lighter.Position{
		exchangePosition(pair.MarketA, "long", 10, 100),
		exchangePosition(pair.MarketB, "short", 10, 50),
	}

	rig.engine.SyncPositions(context.Background())

	positions, err := rig.db.ListOpenPositions()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.Equal(t, pair.ID, pos.PairID)
	assert.Equal(t, 1, pos.Direction)
	assert.Zero(t, pos.EntryZ)
	assert.Zero(t, pos.EntrySpread)
	assert.InDelta(t, 1.0, pos.EntryHedgeRatio, 1e-9)
	assert.True(t, pos.EntryNotional.Equal(decimal.NewFromInt(1500)),
		"notional should be 100*10 + 50*10, got %s", pos.EntryNotional)

	row := findLog(t, rig.db, pair.ID, "position_sync")
	assert.Equal(t,
		"Auto-recovered position from exchange (direction=1, hedge_ratio=1.0000, notional=$1500)",
		row.Message)
}

func TestSyncPositionsAutoRecoverShort(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	pair := rig.seedPair(t, "ETH-SOL")
	rig.exchange.positions = []lighter.Position{
		exchangePosition(pair.MarketA, "short", 4, 100),
		exchangePosition(pair.MarketB, "long", 8, 50),
	}

	rig.engine.SyncPositions(context.Background())

	positions, err := rig.db.ListOpenPositions()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.Equal(t, -1, pos.Direction)
	assert.InDelta(t, 2.0, pos.EntryHedgeRatio, 1e-9)
	assert.True(t, pos.EntryNotional.Equal(decimal.NewFromInt(800)),
		"notional should be 100*4 + 50*8, got %s", pos.EntryNotional)
}

func TestSyncPositionsSingleLegIsNotRecovered(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	pair := rig.seedPair(t, "ETH-SOL")
	rig.exchange.positions = []lighter.Position{
		exchangePosition(pair.MarketA, "long", 10, 100),
	}

	rig.engine.SyncPositions(context.Background())

	positions, err := rig.db.ListOpenPositions()
	require.NoError(t, err)
	assert.Empty(t, positions, "one leg alone is not enough to recover a position")
	logs := recentLogs(t, rig.db, pair.ID)
	assert.Empty(t, logs)
}

func TestSyncPositionsDisabledPairIsNotRecovered(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	pair := rig.seedPair(t, "ETH-SOL")
	pair.IsEnabled = false
	require.NoError(t, rig.db.SavePair(pair))
	rig.exchange.positions = []lighter.Position{
		exchangePosition(pair.MarketA, "long", 10, 100),
		exchangePosition(pair.MarketB, "short", 10, 50),
	}

	rig.engine.SyncPositions(context.Background())

	positions, err := rig.db.ListOpenPositions()
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSyncPositionsIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	rig.seedCredential(t)
	pair := rig.seedPair(t, "ETH-SOL")
	rig.exchange.positions = []lighter.Position{
		exchangePosition(pair.MarketA, "long", 10, 100),
		exchangePosition(pair.MarketB, "short", 10, 50),
	}

	rig.engine.SyncPositions(context.Background())
	rig.engine.SyncPositions(context.Background())

	positions, err := rig.db.ListOpenPositions()
	require.NoError(t, err)
	assert.Len(t, positions, 1, "second sync must confirm, not duplicate")
}
