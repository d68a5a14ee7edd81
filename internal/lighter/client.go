// Package lighter is a narrow client for the Lighter perp DEX: order
// placement, cancellation, and account state. Order placement never
// returns a Go error; every failure is folded into the OrderResult so
// callers can treat any unsuccessful leg uniformly.
package lighter

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// Order types understood by the exchange.
const (
	orderTypeLimit  = 0
	orderTypeMarket = 1
	orderTypeTWAP   = 6
)

// Time-in-force values.
const (
	tifImmediateOrCancel = 0
	tifGoodTillTime      = 1
)

// Config identifies the trading account.
type Config struct {
	Host         string
	PrivateKey   string // hex, with or without 0x prefix
	APIKeyIndex  int
	AccountIndex int64
}

// OrderResult is the outcome of one order submission.
type OrderResult struct {
	Success      bool
	OrderID      string
	Error        string
	FilledPrice  *decimal.Decimal
	FilledAmount *decimal.Decimal
	OrderStatus  string
	Raw          string
}

// Position is one open position on the exchange. Size is always positive;
// Side carries the direction.
type Position struct {
	MarketIndex int
	Side        string // "long" or "short"
	Size        decimal.Decimal
	EntryPrice  decimal.Decimal
}

type marketMeta struct {
	PriceDecimals int
	SizeDecimals  int
}

// Client talks to one exchange account. Construction is cheap; network
// clients are built lazily on first use.
type Client struct {
	cfg  Config
	mock bool

	initOnce sync.Once
	initErr  error
	http     *resty.Client
	breaker  *gobreaker.CircuitBreaker
	key      *ecdsa.PrivateKey

	metaMu sync.Mutex
	meta   map[int]marketMeta
}

// New creates a client for a live account.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, meta: make(map[int]marketMeta)}
}

// NewMock creates a client that accepts every order without touching the
// network. Used by dev tooling and tests.
func NewMock() *Client {
	return &Client{mock: true, meta: make(map[int]marketMeta)}
}

// Close drops idle connections and the metadata cache.
func (c *Client) Close() {
	if c.http != nil {
		c.http.GetClient().CloseIdleConnections()
	}
	c.metaMu.Lock()
	c.meta = make(map[int]marketMeta)
	c.metaMu.Unlock()
}

func (c *Client) ensure() error {
	c.initOnce.Do(func() {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(c.cfg.PrivateKey, "0x"))
		if err != nil {
			c.initErr = fmt.Errorf("parse api private key: %w", err)
			return
		}
		c.key = key

		c.http = resty.New().
			SetBaseURL(c.cfg.Host).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			})

		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "lighter",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
					Msg("⚡ Circuit breaker state change")
			},
		})

		log.Info().Str("host", c.cfg.Host).Int64("account", c.cfg.AccountIndex).
			Msg("🔐 Lighter client initialized")
	})
	return c.initErr
}

// execBreaker routes a call through the circuit breaker.
func execBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	out, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out.(T), nil
}

type orderParams struct {
	market           bool
	clientOrderIndex int64
}

// OrderOption adjusts order submission.
type OrderOption func(*orderParams)

// AsMarket submits an immediate-or-cancel market order; the price becomes
// the worst acceptable execution price.
func AsMarket() OrderOption {
	return func(p *orderParams) { p.market = true }
}

// WithClientOrderIndex pins the client order reference instead of
// deriving one from the clock.
func WithClientOrderIndex(idx int64) OrderOption {
	return func(p *orderParams) { p.clientOrderIndex = idx }
}

func defaultClientOrderIndex(now time.Time) int64 {
	return now.UnixMilli() % (1 << 31)
}

type orderRequest struct {
	MarketIndex      int    `json:"market_index"`
	ClientOrderIndex int64  `json:"client_order_index"`
	BaseAmount       int64  `json:"base_amount"`
	Price            int64  `json:"price"`
	IsAsk            bool   `json:"is_ask"`
	OrderType        int    `json:"order_type"`
	TimeInForce      int    `json:"time_in_force"`
	OrderExpiry      int64  `json:"order_expiry,omitempty"`
}

type orderResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Order   *struct {
		Status            string           `json:"status"`
		Price             *decimal.Decimal `json:"price"`
		AvgExecutionPrice *decimal.Decimal `json:"avg_execution_price"`
		FilledAmount      *decimal.Decimal `json:"filled_amount"`
		BaseAmount        *decimal.Decimal `json:"base_amount"`
	} `json:"order"`
}

// PlaceOrder submits a limit order (or an IOC market order with
// AsMarket). baseAmount is in asset units, price in quote units; both are
// encoded onto the market's integer grid.
func (c *Client) PlaceOrder(ctx context.Context, marketIndex int, baseAmount, price decimal.Decimal, isAsk bool, opts ...OrderOption) *OrderResult {
	p := orderParams{clientOrderIndex: -1}
	for _, opt := range opts {
		opt(&p)
	}
	if p.clientOrderIndex < 0 {
		p.clientOrderIndex = defaultClientOrderIndex(time.Now())
	}

	if c.mock {
		kind := "LIMIT"
		if p.market {
			kind = "MARKET"
		}
		log.Info().Msgf("MOCK %s order: market=%d, amount=%s, price=%s, side=%s",
			kind, marketIndex, baseAmount.StringFixed(4), price.StringFixed(2), side(isAsk))
		return &OrderResult{Success: true, OrderID: fmt.Sprintf("mock-%d", p.clientOrderIndex)}
	}

	if err := c.ensure(); err != nil {
		return &OrderResult{Error: err.Error()}
	}
	meta, err := c.marketMeta(ctx, marketIndex)
	if err != nil {
		log.Error().Err(err).Int("market", marketIndex).Msg("Order failed")
		return &OrderResult{Error: err.Error()}
	}

	req := orderRequest{
		MarketIndex:      marketIndex,
		ClientOrderIndex: p.clientOrderIndex,
		BaseAmount:       toGrid(baseAmount, meta.SizeDecimals),
		Price:            toGrid(price, meta.PriceDecimals),
		IsAsk:            isAsk,
		OrderType:        orderTypeLimit,
		TimeInForce:      tifGoodTillTime,
	}
	if p.market {
		req.OrderType = orderTypeMarket
		req.TimeInForce = tifImmediateOrCancel
	}

	label := "Order"
	if p.market {
		label = "Market order"
	}
	return c.submitOrder(ctx, req, label)
}

// PlaceTWAPOrder submits a TWAP order; the exchange slices it server-side
// over durationMinutes. price is the worst acceptable execution price.
func (c *Client) PlaceTWAPOrder(ctx context.Context, marketIndex int, baseAmount, price decimal.Decimal, isAsk bool, durationMinutes int, opts ...OrderOption) *OrderResult {
	p := orderParams{clientOrderIndex: -1}
	for _, opt := range opts {
		opt(&p)
	}
	if p.clientOrderIndex < 0 {
		p.clientOrderIndex = defaultClientOrderIndex(time.Now())
	}

	if c.mock {
		log.Info().Msgf("MOCK TWAP order: market=%d, amount=%s, price=%s, side=%s, duration=%dmin",
			marketIndex, baseAmount.StringFixed(4), price.StringFixed(2), side(isAsk), durationMinutes)
		return &OrderResult{Success: true, OrderID: fmt.Sprintf("mock-twap-%d", p.clientOrderIndex)}
	}

	if err := c.ensure(); err != nil {
		return &OrderResult{Error: err.Error()}
	}
	meta, err := c.marketMeta(ctx, marketIndex)
	if err != nil {
		log.Error().Err(err).Int("market", marketIndex).Msg("TWAP order failed")
		return &OrderResult{Error: err.Error()}
	}

	req := orderRequest{
		MarketIndex:      marketIndex,
		ClientOrderIndex: p.clientOrderIndex,
		BaseAmount:       toGrid(baseAmount, meta.SizeDecimals),
		Price:            toGrid(price, meta.PriceDecimals),
		IsAsk:            isAsk,
		OrderType:        orderTypeTWAP,
		TimeInForce:      tifGoodTillTime,
		OrderExpiry:      int64(durationMinutes) * 60,
	}
	return c.submitOrder(ctx, req, "TWAP order")
}

func (c *Client) submitOrder(ctx context.Context, req orderRequest, label string) *OrderResult {
	var out orderResponse
	resp, err := execBreaker(c.breaker, func() (*resty.Response, error) {
		r, err := c.post(ctx, "/api/v1/order", req, &out)
		if err != nil {
			return nil, err
		}
		if r.StatusCode() >= 500 {
			return nil, fmt.Errorf("exchange unavailable: %s", r.Status())
		}
		return r, nil
	})
	if err != nil {
		log.Error().Err(err).Msgf("%s failed", label)
		return &OrderResult{Error: err.Error()}
	}

	raw := resp.String()
	if resp.IsError() || out.Code != 200 {
		msg := out.Message
		if msg == "" {
			msg = resp.Status()
		}
		log.Error().Str("reason", msg).Msgf("%s rejected", label)
		return &OrderResult{Error: msg, Raw: raw}
	}

	result := &OrderResult{
		Success: true,
		OrderID: strconv.FormatInt(req.ClientOrderIndex, 10),
		Raw:     raw,
	}
	if out.Order != nil {
		result.FilledPrice = firstDecimal(out.Order.Price, out.Order.AvgExecutionPrice)
		result.FilledAmount = firstDecimal(out.Order.FilledAmount, out.Order.BaseAmount)
		result.OrderStatus = out.Order.Status
	}
	log.Info().Str("order", result.OrderID).Msgf("%s placed", label)
	return result
}

type cancelRequest struct {
	MarketIndex int   `json:"market_index"`
	OrderIndex  int64 `json:"order_index"`
}

type cancelResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CancelOrder cancels an order by its client order reference.
func (c *Client) CancelOrder(ctx context.Context, marketIndex int, orderID string) error {
	if c.mock {
		log.Info().Msgf("MOCK cancel: market=%d, order=%s", marketIndex, orderID)
		return nil
	}
	if err := c.ensure(); err != nil {
		return err
	}

	orderIndex, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("cancel order %q: %w", orderID, err)
	}

	var out cancelResponse
	resp, err := execBreaker(c.breaker, func() (*resty.Response, error) {
		r, err := c.post(ctx, "/api/v1/cancel", cancelRequest{MarketIndex: marketIndex, OrderIndex: orderIndex}, &out)
		if err != nil {
			return nil, err
		}
		if r.StatusCode() >= 500 {
			return nil, fmt.Errorf("exchange unavailable: %s", r.Status())
		}
		return r, nil
	})
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if resp.IsError() || out.Code != 200 {
		msg := out.Message
		if msg == "" {
			msg = resp.Status()
		}
		return fmt.Errorf("cancel order %s rejected: %s", orderID, msg)
	}
	return nil
}

// GetBalance returns the available quote balance. Failures are logged and
// return zero; the caller's sizing check rejects a zero balance anyway.
func (c *Client) GetBalance(ctx context.Context) decimal.Decimal {
	if c.mock {
		return decimal.NewFromInt(99999)
	}
	if err := c.ensure(); err != nil {
		log.Error().Err(err).Msg("Balance fetch failed")
		return decimal.Zero
	}
	acct, err := c.account(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Balance fetch failed")
		return decimal.Zero
	}
	log.Debug().Str("balance", acct.AvailableBalance.String()).Msg("Balance fetched")
	return acct.AvailableBalance
}

// dustSize is the threshold below which an exchange position is treated
// as closed.
var dustSize = decimal.New(1, -10)

// GetPositions returns all non-dust open positions on the account.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	if c.mock {
		return nil, nil
	}
	if err := c.ensure(); err != nil {
		return nil, err
	}
	acct, err := c.account(ctx)
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(acct.Positions))
	for _, p := range acct.Positions {
		if p.Size.Abs().LessThan(dustSize) {
			continue
		}
		pos := Position{
			MarketIndex: p.MarketIndex,
			Side:        "long",
			Size:        p.Size.Abs(),
			EntryPrice:  p.EntryPrice,
		}
		if p.Size.IsNegative() {
			pos.Side = "short"
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

type accountResponse struct {
	Code     int             `json:"code"`
	Accounts []accountDetail `json:"accounts"`
}

type accountDetail struct {
	AvailableBalance decimal.Decimal `json:"available_balance"`
	Positions        []wirePosition  `json:"positions"`
}

type wirePosition struct {
	MarketIndex int             `json:"market_index"`
	Size        decimal.Decimal `json:"size"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
}

func (c *Client) account(ctx context.Context) (*accountDetail, error) {
	var out accountResponse
	resp, err := execBreaker(c.breaker, func() (*resty.Response, error) {
		r, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"by":    "index",
				"value": strconv.FormatInt(c.cfg.AccountIndex, 10),
			}).
			SetResult(&out).
			Get("/api/v1/account")
		if err != nil {
			return nil, err
		}
		if r.StatusCode() >= 500 {
			return nil, fmt.Errorf("exchange unavailable: %s", r.Status())
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch account %d: %w", c.cfg.AccountIndex, err)
	}
	if resp.IsError() || out.Code != 200 {
		return nil, fmt.Errorf("fetch account %d: %s", c.cfg.AccountIndex, resp.Status())
	}
	if len(out.Accounts) == 0 {
		return nil, fmt.Errorf("fetch account %d: empty response", c.cfg.AccountIndex)
	}
	return &out.Accounts[0], nil
}

type orderBookDetailsResponse struct {
	Code             int          `json:"code"`
	OrderBookDetails []bookDetail `json:"order_book_details"`
	SpotDetails      []bookDetail `json:"spot_order_book_details"`
}

type bookDetail struct {
	MarketID               int `json:"market_id"`
	SupportedPriceDecimals int `json:"supported_price_decimals"`
	SupportedSizeDecimals  int `json:"supported_size_decimals"`
}

func (c *Client) marketMeta(ctx context.Context, marketIndex int) (marketMeta, error) {
	c.metaMu.Lock()
	cached, ok := c.meta[marketIndex]
	c.metaMu.Unlock()
	if ok {
		return cached, nil
	}

	var out orderBookDetailsResponse
	resp, err := execBreaker(c.breaker, func() (*resty.Response, error) {
		r, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("market_id", strconv.Itoa(marketIndex)).
			SetResult(&out).
			Get("/api/v1/orderBookDetails")
		if err != nil {
			return nil, err
		}
		if r.StatusCode() >= 500 {
			return nil, fmt.Errorf("exchange unavailable: %s", r.Status())
		}
		return r, nil
	})
	if err != nil {
		return marketMeta{}, fmt.Errorf("market %d metadata: %w", marketIndex, err)
	}
	if resp.IsError() || out.Code != 200 {
		return marketMeta{}, fmt.Errorf("market %d metadata: %s", marketIndex, resp.Status())
	}

	for _, book := range append(out.OrderBookDetails, out.SpotDetails...) {
		if book.MarketID != marketIndex {
			continue
		}
		meta := marketMeta{
			PriceDecimals: book.SupportedPriceDecimals,
			SizeDecimals:  book.SupportedSizeDecimals,
		}
		c.metaMu.Lock()
		c.meta[marketIndex] = meta
		c.metaMu.Unlock()
		log.Info().Int("market", marketIndex).Int("price_decimals", meta.PriceDecimals).
			Int("size_decimals", meta.SizeDecimals).Msg("Market meta cached")
		return meta, nil
	}
	return marketMeta{}, fmt.Errorf("no metadata for market %d", marketIndex)
}

// post signs and sends an authenticated request.
func (c *Client) post(ctx context.Context, path string, payload any, out any) (*resty.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature, err := c.sign(timestamp, body)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	return c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Account-Index", strconv.FormatInt(c.cfg.AccountIndex, 10)).
		SetHeader("X-Api-Key-Index", strconv.Itoa(c.cfg.APIKeyIndex)).
		SetHeader("X-Timestamp", timestamp).
		SetHeader("X-Signature", signature).
		SetBody(body).
		SetResult(out).
		Post(path)
}

// sign produces the request signature over timestamp||body with the api
// private key.
func (c *Client) sign(timestamp string, body []byte) (string, error) {
	digest := crypto.Keccak256(append([]byte(timestamp), body...))
	sig, err := crypto.Sign(digest, c.key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// toGrid encodes a decimal value as an integer with the given number of
// decimal places.
func toGrid(value decimal.Decimal, decimals int) int64 {
	return value.Shift(int32(decimals)).Round(0).IntPart()
}

func firstDecimal(values ...*decimal.Decimal) *decimal.Decimal {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func side(isAsk bool) string {
	if isAsk {
		return "sell"
	}
	return "buy"
}

// DeriveL1Address returns the L1 address controlled by an eth private key.
func DeriveL1Address(privateKeyHex string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

type subAccountsResponse struct {
	Code        int `json:"code"`
	SubAccounts []struct {
		Index int64 `json:"index"`
	} `json:"sub_accounts"`
}

// AccountIndexByL1 looks up the first account index registered to an L1
// address. Used by operator tooling to discover the account index for a
// new credential.
func AccountIndexByL1(ctx context.Context, host, l1Address string) (int64, error) {
	http := resty.New().SetBaseURL(host).SetTimeout(10 * time.Second)
	var out subAccountsResponse
	resp, err := http.R().
		SetContext(ctx).
		SetQueryParam("l1_address", l1Address).
		SetResult(&out).
		Get("/api/v1/accountsByL1Address")
	if err != nil {
		return 0, fmt.Errorf("lookup accounts for %s: %w", l1Address, err)
	}
	if resp.IsError() || out.Code != 200 {
		return 0, fmt.Errorf("lookup accounts for %s: %s", l1Address, resp.Status())
	}
	if len(out.SubAccounts) == 0 {
		return 0, fmt.Errorf("no accounts registered to %s", l1Address)
	}
	return out.SubAccounts[0].Index, nil
}
