// Package marketdata fetches candles and order books from the Lighter
// public API. Fetch failures are logged and yield empty results; the
// caller decides whether missing data is fatal.
package marketdata

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Candle is a single close observation.
type Candle struct {
	Time  time.Time
	Close float64
}

// Book is a top-of-book snapshot. Mid is the bid/ask midpoint when both
// sides exist, else whichever side is present, else 0.
type Book struct {
	Mid     float64
	BestBid float64
	BestAsk float64
}

// Market describes one tradable market on the exchange.
type Market struct {
	MarketID int
	Symbol   string
}

// PairRequest names the candle series needed for one signal computation.
type PairRequest struct {
	MarketA        int
	MarketB        int
	WindowInterval string
	WindowCandles  int
	TrainInterval  string
	TrainCandles   int
}

// PairData holds the fetched series. When the training interval equals
// the trading interval the train slices alias the price slices.
type PairData struct {
	PricesA []Candle
	PricesB []Candle
	TrainA  []Candle
	TrainB  []Candle
}

// Client is the REST market data gateway.
type Client struct {
	http   *resty.Client
	stream *Stream
	now    func() time.Time
}

// New creates a gateway against the given exchange host.
func New(host string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(host).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			}),
		now: time.Now,
	}
}

// UseStream attaches a websocket book cache; FetchOrderBook consults it
// before falling back to REST.
func (c *Client) UseStream(s *Stream) {
	c.stream = s
}

type candleResponse struct {
	Code       int          `json:"code"`
	Resolution string       `json:"r"`
	Candles    []wireCandle `json:"c"`
}

// wireCandle timestamps are in milliseconds; a null close is dropped.
type wireCandle struct {
	Time  int64    `json:"t"`
	Open  *float64 `json:"o"`
	High  *float64 `json:"h"`
	Low   *float64 `json:"l"`
	Close *float64 `json:"c"`
}

// FetchCandles returns the close series for a market, oldest first. The
// request asks for a 20% buffer over candlesNeeded. Any failure returns
// an empty series.
func (c *Client) FetchCandles(ctx context.Context, marketID int, resolution string, candlesNeeded int) []Candle {
	intervalSeconds := ResolutionSeconds(resolution)
	bufferCandles := int(float64(candlesNeeded) * 1.2)
	now := c.now().UTC()
	start := now.Add(-time.Duration(bufferCandles*intervalSeconds) * time.Second)

	var out candleResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"market_id":       strconv.Itoa(marketID),
			"resolution":      resolution,
			"start_timestamp": strconv.FormatInt(start.Unix(), 10),
			"end_timestamp":   strconv.FormatInt(now.Unix(), 10),
			"count_back":      strconv.Itoa(bufferCandles),
		}).
		SetResult(&out).
		Get("/api/v1/candlesticks")
	if err != nil {
		log.Error().Err(err).Int("market", marketID).Msg("Error fetching candles")
		return nil
	}
	if resp.IsError() {
		log.Error().Int("market", marketID).Int("status", resp.StatusCode()).Msg("Error fetching candles")
		return nil
	}

	candles := make([]Candle, 0, len(out.Candles))
	for _, w := range out.Candles {
		if w.Close == nil {
			continue
		}
		candles = append(candles, Candle{
			Time:  time.UnixMilli(w.Time).UTC(),
			Close: *w.Close,
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles
}

type bookResponse struct {
	Code int         `json:"code"`
	Bids []bookLevel `json:"bids"`
	Asks []bookLevel `json:"asks"`
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"remaining_base_amount"`
}

// FetchOrderBook returns the top of book for a market. A fresh streamed
// snapshot wins over REST; failures return a zero Book.
func (c *Client) FetchOrderBook(ctx context.Context, marketID int) Book {
	if c.stream != nil {
		if book, ok := c.stream.Book(marketID); ok {
			return book
		}
	}

	var out bookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"market_id": strconv.Itoa(marketID),
			"limit":     "1",
		}).
		SetResult(&out).
		Get("/api/v1/orderBookOrders")
	if err != nil {
		log.Error().Err(err).Int("market", marketID).Msg("Error fetching orderbook")
		return Book{}
	}
	if resp.IsError() {
		log.Error().Int("market", marketID).Int("status", resp.StatusCode()).Msg("Error fetching orderbook")
		return Book{}
	}

	var bid, ask float64
	if len(out.Bids) > 0 {
		bid, _ = strconv.ParseFloat(out.Bids[0].Price, 64)
	}
	if len(out.Asks) > 0 {
		ask, _ = strconv.ParseFloat(out.Asks[0].Price, 64)
	}
	return makeBook(bid, ask)
}

func makeBook(bid, ask float64) Book {
	var mid float64
	switch {
	case bid != 0 && ask != 0:
		mid = (bid + ask) / 2
	case bid != 0:
		mid = bid
	default:
		mid = ask
	}
	return Book{Mid: mid, BestBid: bid, BestAsk: ask}
}

type orderBooksResponse struct {
	Code       int          `json:"code"`
	OrderBooks []wireMarket `json:"order_books"`
}

type wireMarket struct {
	MarketID int    `json:"market_id"`
	Symbol   string `json:"symbol"`
}

// FetchMarkets lists all markets on the exchange. Failures return nil.
func (c *Client) FetchMarkets(ctx context.Context) []Market {
	var out orderBooksResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/v1/orderBooks")
	if err != nil {
		log.Error().Err(err).Msg("Error fetching markets")
		return nil
	}
	if resp.IsError() {
		log.Error().Int("status", resp.StatusCode()).Msg("Error fetching markets")
		return nil
	}

	markets := make([]Market, 0, len(out.OrderBooks))
	for _, m := range out.OrderBooks {
		markets = append(markets, Market{MarketID: m.MarketID, Symbol: m.Symbol})
	}
	return markets
}

// FetchPairData fetches every series a signal computation needs, in
// parallel. Matching train and window intervals share one fetch.
func (c *Client) FetchPairData(ctx context.Context, req PairRequest) PairData {
	var data PairData
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		data.PricesA = c.FetchCandles(gctx, req.MarketA, req.WindowInterval, req.WindowCandles)
		return nil
	})
	g.Go(func() error {
		data.PricesB = c.FetchCandles(gctx, req.MarketB, req.WindowInterval, req.WindowCandles)
		return nil
	})

	separateTrain := req.TrainInterval != req.WindowInterval
	if separateTrain {
		g.Go(func() error {
			data.TrainA = c.FetchCandles(gctx, req.MarketA, req.TrainInterval, req.TrainCandles)
			return nil
		})
		g.Go(func() error {
			data.TrainB = c.FetchCandles(gctx, req.MarketB, req.TrainInterval, req.TrainCandles)
			return nil
		})
	}
	_ = g.Wait()

	if !separateTrain {
		data.TrainA = data.PricesA
		data.TrainB = data.PricesB
	}
	return data
}

// Closes extracts the close values from a candle series.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// ResolutionSeconds maps a candle interval to its length in seconds.
// Unknown intervals default to 4h.
func ResolutionSeconds(resolution string) int {
	switch resolution {
	case "1m":
		return 60
	case "5m":
		return 300
	case "15m":
		return 900
	case "30m":
		return 1800
	case "1h":
		return 3600
	case "2h":
		return 7200
	case "4h":
		return 14400
	case "8h":
		return 28800
	case "1d":
		return 86400
	default:
		return 14400
	}
}
