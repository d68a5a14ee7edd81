package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchCandlesParsesAndSorts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/candlesticks", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("market_id"))
		assert.Equal(t, "4h", r.URL.Query().Get("resolution"))
		// 20% buffer over the 10 requested.
		assert.Equal(t, "12", r.URL.Query().Get("count_back"))

		w.Header().Set("Content-Type", "application/json")
		// Out of order, with one null close that must be dropped.
		w.Write([]byte(`{"code":200,"r":"4h","c":[
			{"t":3000,"o":2.9,"c":3.5},
			{"t":1000,"o":1.0,"c":1.5},
			{"t":2000,"o":2.0,"c":null}
		]}`))
	}))
	defer server.Close()

	c := New(server.URL)
	candles := c.FetchCandles(context.Background(), 3, "4h", 10)

	require.Len(t, candles, 2)
	assert.True(t, candles[0].Time.Before(candles[1].Time))
	assert.Equal(t, 1.5, candles[0].Close)
	assert.Equal(t, 3.5, candles[1].Close)
}

func TestFetchCandlesFailureIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer server.Close()

	c := New(server.URL)
	assert.Empty(t, c.FetchCandles(context.Background(), 1, "1h", 5))
}

func TestFetchOrderBook(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orderBookOrders", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":200,
			"bids":[{"price":"99.5","remaining_base_amount":"2"}],
			"asks":[{"price":"100.5","remaining_base_amount":"1"}]}`))
	}))
	defer server.Close()

	c := New(server.URL)
	book := c.FetchOrderBook(context.Background(), 1)
	assert.Equal(t, 99.5, book.BestBid)
	assert.Equal(t, 100.5, book.BestAsk)
	assert.Equal(t, 100.0, book.Mid)
}

func TestMakeBookMid(t *testing.T) {
	assert.Equal(t, 100.0, makeBook(99, 101).Mid)
	assert.Equal(t, 99.0, makeBook(99, 0).Mid)
	assert.Equal(t, 101.0, makeBook(0, 101).Mid)
	assert.Equal(t, 0.0, makeBook(0, 0).Mid)
}

func TestFetchPairDataSharedInterval(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":200,"r":"4h","c":[{"t":1000,"c":1.0},{"t":2000,"c":2.0}]}`))
	}))
	defer server.Close()

	c := New(server.URL)
	data := c.FetchPairData(context.Background(), PairRequest{
		MarketA:        1,
		MarketB:        2,
		WindowInterval: "4h",
		WindowCandles:  2,
		TrainInterval:  "4h",
		TrainCandles:   2,
	})

	// Same interval: two fetches, train aliases the trading series.
	assert.Equal(t, 2, calls)
	require.Len(t, data.PricesA, 2)
	assert.Equal(t, data.PricesA, data.TrainA)
	assert.Equal(t, data.PricesB, data.TrainB)
}

func TestFetchPairDataSeparateTrainInterval(t *testing.T) {
	var mu sync.Mutex
	byResolution := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		byResolution[r.URL.Query().Get("resolution")]++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":200,"c":[{"t":1000,"c":1.0}]}`))
	}))
	defer server.Close()

	c := New(server.URL)
	c.FetchPairData(context.Background(), PairRequest{
		MarketA:        1,
		MarketB:        2,
		WindowInterval: "1h",
		WindowCandles:  40,
		TrainInterval:  "4h",
		TrainCandles:   100,
	})

	assert.Equal(t, 2, byResolution["1h"])
	assert.Equal(t, 2, byResolution["4h"])
}

func TestCloses(t *testing.T) {
	candles := []Candle{{Close: 1.5}, {Close: 2.5}}
	assert.Equal(t, []float64{1.5, 2.5}, Closes(candles))
	assert.Empty(t, Closes(nil))
}

func TestResolutionSeconds(t *testing.T) {
	assert.Equal(t, 60, ResolutionSeconds("1m"))
	assert.Equal(t, 900, ResolutionSeconds("15m"))
	assert.Equal(t, 3600, ResolutionSeconds("1h"))
	assert.Equal(t, 14400, ResolutionSeconds("4h"))
	assert.Equal(t, 86400, ResolutionSeconds("1d"))
	// Unknown intervals fall back to 4h.
	assert.Equal(t, 14400, ResolutionSeconds("3w"))
}
