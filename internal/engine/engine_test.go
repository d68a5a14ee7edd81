package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/pairtrader/internal/database"
	"github.com/web3guy0/pairtrader/internal/lighter"
	"github.com/web3guy0/pairtrader/internal/marketdata"
	"github.com/web3guy0/pairtrader/internal/secrets"
)

const testPrivateKey = "0x1111111111111111111111111111111111111111111111111111111111111111"

type placedOrder struct {
	market int
	amount decimal.Decimal
	price  decimal.Decimal
	isAsk  bool
	twap   int
}

// fakeExchange scripts order outcomes per market index.
type fakeExchange struct {
	cfg     lighter.Config
	balance decimal.Decimal

	positions   []lighter.Position
	posErr      error
	onPositions func() ([]lighter.Position, error)

	failMarket map[int]string
	cancelErr  error

	orders  []placedOrder
	cancels []string
	closed  int
}

func (f *fakeExchange) PlaceOrder(_ context.Context, marketIndex int, baseAmount, price decimal.Decimal, isAsk bool, _ ...lighter.OrderOption) *lighter.OrderResult {
	f.orders = append(f.orders, placedOrder{market: marketIndex, amount: baseAmount, price: price, isAsk: isAsk})
	if msg, ok := f.failMarket[marketIndex]; ok {
		return &lighter.OrderResult{Error: msg}
	}
	return &lighter.OrderResult{Success: true, OrderID: fmt.Sprintf("ord-%d", len(f.orders))}
}

func (f *fakeExchange) PlaceTWAPOrder(_ context.Context, marketIndex int, baseAmount, price decimal.Decimal, isAsk bool, durationMinutes int, _ ...lighter.OrderOption) *lighter.OrderResult {
	f.orders = append(f.orders, placedOrder{market: marketIndex, amount: baseAmount, price: price, isAsk: isAsk, twap: durationMinutes})
	if msg, ok := f.failMarket[marketIndex]; ok {
		return &lighter.OrderResult{Error: msg}
	}
	return &lighter.OrderResult{Success: true, OrderID: fmt.Sprintf("twap-%d", len(f.orders))}
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ int, orderID string) error {
	f.cancels = append(f.cancels, orderID)
	return f.cancelErr
}

func (f *fakeExchange) GetBalance(context.Context) decimal.Decimal {
	return f.balance
}

func (f *fakeExchange) GetPositions(context.Context) ([]lighter.Position, error) {
	if f.onPositions != nil {
		return f.onPositions()
	}
	return f.positions, f.posErr
}

func (f *fakeExchange) Close() { f.closed++ }

// fakeMarket serves canned candle data and records requests. A non-nil
// block channel makes the first fetch wait until it is closed.
type fakeMarket struct {
	data     marketdata.PairData
	requests []marketdata.PairRequest
	block    chan struct{}
	entered  chan struct{}
}

func (f *fakeMarket) FetchPairData(_ context.Context, req marketdata.PairRequest) marketdata.PairData {
	f.requests = append(f.requests, req)
	if f.entered != nil {
		close(f.entered)
		f.entered = nil
	}
	if f.block != nil {
		<-f.block
	}
	return f.data
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Notify(message string) {
	f.messages = append(f.messages, message)
}

type fakeJobs struct {
	removed []int64
}

func (f *fakeJobs) RemovePairJob(pairID int64) {
	f.removed = append(f.removed, pairID)
}

type testRig struct {
	engine   *Engine
	db       *database.Database
	exchange *fakeExchange
	market   *fakeMarket
	notifier *fakeNotifier
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	db, err := database.New(":memory:")
	require.NoError(t, err)

	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	cipher, err := secrets.New(key)
	require.NoError(t, err)

	exch := &fakeExchange{balance: decimal.NewFromInt(5000)}
	mkt := &fakeMarket{}
	notif := &fakeNotifier{}

	eng := New(Config{
		DB:       db,
		Market:   mkt,
		Notifier: notif,
		Cipher:   cipher,
		NewExchange: func(cfg lighter.Config) Exchange {
			exch.cfg = cfg
			return exch
		},
	})
	eng.sleep = func(time.Duration) {}
	clock := time.Date(2026, 2, 14, 8, 0, 0, 0, time.UTC)
	eng.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	return &testRig{engine: eng, db: db, exchange: exch, market: mkt, notifier: notif}
}

// seedCredential stores an encrypted credential so the engine can build an
// exchange client.
func (r *testRig) seedCredential(t *testing.T) {
	t.Helper()
	enc, err := r.engine.cipher.Encrypt(testPrivateKey)
	require.NoError(t, err)
	require.NoError(t, r.db.SaveCredential(&database.Credential{
		Host:                "https://exchange.test",
		APIKeyIndex:         3,
		AccountIndex:        7,
		PrivateKeyEncrypted: enc,
		IsActive:            true,
	}))
}

func (r *testRig) seedPair(t *testing.T, name string) *database.TradingPair {
	t.Helper()
	pair := &database.TradingPair{
		Name:             name,
		AssetA:           "ETH",
		AssetB:           "SOL",
		MarketA:          1,
		MarketB:          2,
		EntryZ:           2.0,
		ExitZ:            0.5,
		StopZ:            4.0,
		WindowInterval:   "4h",
		WindowCandles:    20,
		TrainInterval:    "4h",
		TrainCandles:     20,
		MaxHalfLife:      0,
		RSIPeriod:        14,
		RSIUpper:         100,
		RSILower:         0,
		StopLossPct:      10,
		PositionSizePct:  50,
		Leverage:         1,
		MinEquityPct:     40,
		ScheduleInterval: "15m",
		IsEnabled:        true,
		CurrentEquity:    decimal.NewFromInt(1000),
	}
	require.NoError(t, r.db.SavePair(pair))
	return pair
}

func candleSeries(closes []float64) []marketdata.Candle {
	start := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	out := make([]marketdata.Candle, len(closes))
	for i, c := range closes {
		out[i] = marketdata.Candle{Time: start.Add(time.Duration(i) * 4 * time.Hour), Close: c}
	}
	return out
}

func ramp(start float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)
	}
	return out
}

func flat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// divergedPair is a cointegrated pair whose last window candle broke away
// from the spread, yielding a strongly negative z-score.
func divergedPair() marketdata.PairData {
	pricesA := ramp(100, 20)
	pricesA[19] = 90
	return marketdata.PairData{
		PricesA: candleSeries(pricesA),
		PricesB: candleSeries(ramp(50, 20)),
		TrainA:  candleSeries(ramp(100, 20)),
		TrainB:  candleSeries(ramp(50, 20)),
	}
}

// flatPair is a dead-calm pair: zero spread variance, z = 0.
func flatPair() marketdata.PairData {
	return marketdata.PairData{
		PricesA: candleSeries(flat(100, 20)),
		PricesB: candleSeries(flat(50, 20)),
		TrainA:  candleSeries(flat(100, 20)),
		TrainB:  candleSeries(flat(50, 20)),
	}
}

func recentLogs(t *testing.T, db *database.Database, pairID int64) []database.JobLog {
	t.Helper()
	logs, err := db.GetRecentJobLogs(pairID, 50)
	require.NoError(t, err)
	return logs
}

func findLog(t *testing.T, db *database.Database, pairID int64, action string) *database.JobLog {
	t.Helper()
	for _, row := range recentLogs(t, db, pairID) {
		if row.Action == action {
			r := row
			return &r
		}
	}
	t.Fatalf("no job log with action %q", action)
	return nil
}

func lastLog(t *testing.T, db *database.Database, pairID int64) *database.JobLog {
	t.Helper()
	logs, err := db.GetRecentJobLogs(pairID, 1)
	require.NoError(t, err)
	require.NotEmpty(t, logs, "expected at least one job log")
	return &logs[0]
}
