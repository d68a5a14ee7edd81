// Package engine runs the per-pair trading cycle: fetch market data,
// compute signals, place two-legged orders, and persist the outcome.
// It also reconciles database positions against the exchange on startup
// and provides the emergency stop.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairtrader/internal/database"
	"github.com/web3guy0/pairtrader/internal/lighter"
	"github.com/web3guy0/pairtrader/internal/marketdata"
	"github.com/web3guy0/pairtrader/internal/secrets"
	"github.com/web3guy0/pairtrader/internal/signal"
)

// Exchange is the slice of the Lighter client the engine needs.
type Exchange interface {
	PlaceOrder(ctx context.Context, marketIndex int, baseAmount, price decimal.Decimal, isAsk bool, opts ...lighter.OrderOption) *lighter.OrderResult
	PlaceTWAPOrder(ctx context.Context, marketIndex int, baseAmount, price decimal.Decimal, isAsk bool, durationMinutes int, opts ...lighter.OrderOption) *lighter.OrderResult
	CancelOrder(ctx context.Context, marketIndex int, orderID string) error
	GetBalance(ctx context.Context) decimal.Decimal
	GetPositions(ctx context.Context) ([]lighter.Position, error)
	Close()
}

// MarketSource supplies candle series for a pair.
type MarketSource interface {
	FetchPairData(ctx context.Context, req marketdata.PairRequest) marketdata.PairData
}

// Notifier delivers operator alerts. A nil notifier drops them.
type Notifier interface {
	Notify(message string)
}

// JobRemover detaches a pair's scheduled job, used by the emergency stop.
type JobRemover interface {
	RemovePairJob(pairID int64)
}

// ExchangeFactory builds an exchange client from a decrypted credential.
type ExchangeFactory func(cfg lighter.Config) Exchange

// Engine coordinates cycles across pairs.
type Engine struct {
	db          *database.Database
	market      MarketSource
	notifier    Notifier
	cipher      *secrets.Cipher
	newExchange ExchangeFactory
	jobs        JobRemover

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	settleDelay time.Duration
	sleep       func(time.Duration)
	now         func() time.Time
}

// Config wires an Engine. DB and Market are required.
type Config struct {
	DB       *database.Database
	Market   MarketSource
	Notifier Notifier
	Cipher   *secrets.Cipher
	// NewExchange defaults to the real Lighter client.
	NewExchange ExchangeFactory
}

// New creates an Engine.
func New(cfg Config) *Engine {
	factory := cfg.NewExchange
	if factory == nil {
		factory = func(c lighter.Config) Exchange { return lighter.New(c) }
	}
	return &Engine{
		db:          cfg.DB,
		market:      cfg.Market,
		notifier:    cfg.Notifier,
		cipher:      cfg.Cipher,
		newExchange: factory,
		locks:       make(map[int64]*sync.Mutex),
		settleDelay: time.Second,
		sleep:       time.Sleep,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetJobRemover attaches the scheduler after construction; the scheduler
// needs the engine first, so the dependency is circular.
func (e *Engine) SetJobRemover(jobs JobRemover) {
	e.jobs = jobs
}

// SetNotifier attaches the operator notifier after construction, for the
// same reason: the bot is built around the engine.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// pairLock returns the mutex guarding cycles for one pair, creating it on
// first use.
func (e *Engine) pairLock(pairID int64) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	lock, ok := e.locks[pairID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[pairID] = lock
	}
	return lock
}

// exchange builds a client from the active credential. Returns nil without
// error when no credential is configured.
func (e *Engine) exchange() (Exchange, error) {
	cred, err := e.db.GetActiveCredential()
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return nil, nil
	}
	if e.cipher == nil {
		return nil, errors.New("encryption key not configured")
	}
	privateKey, err := e.cipher.Decrypt(cred.PrivateKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	return e.newExchange(lighter.Config{
		Host:         cred.Host,
		PrivateKey:   privateKey,
		APIKeyIndex:  cred.APIKeyIndex,
		AccountIndex: cred.AccountIndex,
	}), nil
}

func (e *Engine) notify(message string) {
	if e.notifier != nil {
		e.notifier.Notify(message)
	}
}

// seriesBlob summarizes one candle series for the job log.
type seriesBlob struct {
	Count  int       `json:"count"`
	First  *string   `json:"first"`
	Last   *string   `json:"last"`
	Closes []float64 `json:"closes"`
}

func newSeriesBlob(candles []marketdata.Candle) seriesBlob {
	blob := seriesBlob{Count: len(candles), Closes: make([]float64, 0, len(candles))}
	for _, c := range candles {
		blob.Closes = append(blob.Closes, c.Close)
	}
	if len(candles) > 0 {
		first := candles[0].Time.Format(time.RFC3339)
		last := candles[len(candles)-1].Time.Format(time.RFC3339)
		blob.First = &first
		blob.Last = &last
	}
	return blob
}

// candleBlob is the market-data snapshot attached to cycle logs so a bad
// decision can be replayed from the exact series it saw.
type candleBlob struct {
	PricesA seriesBlob `json:"prices_a"`
	PricesB seriesBlob `json:"prices_b"`
	TrainA  seriesBlob `json:"train_a"`
	TrainB  seriesBlob `json:"train_b"`
}

func newCandleBlob(data marketdata.PairData) *candleBlob {
	return &candleBlob{
		PricesA: newSeriesBlob(data.PricesA),
		PricesB: newSeriesBlob(data.PricesB),
		TrainA:  newSeriesBlob(data.TrainA),
		TrainB:  newSeriesBlob(data.TrainB),
	}
}

type orderBlob struct {
	OrderID      string           `json:"order_id"`
	Success      bool             `json:"success"`
	Error        string           `json:"error,omitempty"`
	FilledPrice  *decimal.Decimal `json:"filled_price"`
	FilledAmount *decimal.Decimal `json:"filled_amount"`
	OrderStatus  string           `json:"order_status,omitempty"`
}

type ordersBlob struct {
	LegA orderBlob `json:"leg_a"`
	LegB orderBlob `json:"leg_b"`
}

func newOrdersBlob(legA, legB *lighter.OrderResult) *ordersBlob {
	return &ordersBlob{LegA: newOrderBlob(legA), LegB: newOrderBlob(legB)}
}

func newOrderBlob(r *lighter.OrderResult) orderBlob {
	if r == nil {
		return orderBlob{}
	}
	return orderBlob{
		OrderID:      r.OrderID,
		Success:      r.Success,
		Error:        r.Error,
		FilledPrice:  r.FilledPrice,
		FilledAmount: r.FilledAmount,
		OrderStatus:  r.OrderStatus,
	}
}

// cycleLog is one JobLog row in the making.
type cycleLog struct {
	pairID  int64
	status  string
	signals *signal.Result
	action  string
	message string
	closeA  *float64
	closeB  *float64
	candles *candleBlob
	orders  *ordersBlob
}

// logCycle persists one row per cycle outcome. Non-finite floats become
// NULL so the row always inserts.
func (e *Engine) logCycle(entry cycleLog) {
	row := &database.JobLog{
		PairID:    entry.pairID,
		Timestamp: e.now(),
		Status:    entry.status,
		Action:    entry.action,
		Message:   entry.message,
		CloseA:    finitePtr(entry.closeA),
		CloseB:    finitePtr(entry.closeB),
	}
	if entry.signals != nil {
		row.ZScore = safeFloat(entry.signals.ZScore)
		row.HedgeRatio = safeFloat(entry.signals.HedgeRatio)
		row.HalfLife = safeFloat(entry.signals.HalfLife)
		row.RSI = safeFloat(entry.signals.RSI)
	}
	if entry.candles != nil || entry.orders != nil {
		blob := map[string]any{}
		if entry.candles != nil {
			blob["candles"] = entry.candles
		}
		if entry.orders != nil {
			blob["orders"] = entry.orders
		}
		if data, err := json.Marshal(blob); err == nil {
			row.MarketData = string(data)
		} else {
			log.Warn().Err(err).Int64("pair", entry.pairID).Msg("Could not encode market data blob")
		}
	}
	if err := e.db.SaveJobLog(row); err != nil {
		log.Error().Err(err).Int64("pair", entry.pairID).Msg("Failed to write job log")
	}
}

// safeFloat maps non-finite values to nil for nullable DB columns.
func safeFloat(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func finitePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return safeFloat(*v)
}

func f64(v float64) *float64 {
	return &v
}
