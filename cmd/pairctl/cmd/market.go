package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/web3guy0/pairtrader/internal/database"
	"github.com/web3guy0/pairtrader/internal/marketdata"
)

var marketsCmd = &cobra.Command{
	Use:   "markets",
	Short: "List markets on the exchange",
	Long: `List every market the exchange serves, with its market index. Pair
configs reference markets by index, so run this before adding a pair.`,
	RunE: runMarkets,
}

var candlesCmd = &cobra.Command{
	Use:   "candles",
	Short: "Dump recent candles for a market",
	Long: `Fetch the recent close series and current top of book for one market.
Useful for eyeballing the data a pair would trade on.`,
	RunE: runCandles,
}

var (
	marketsHost     string
	candlesHost     string
	candlesMarket   int
	candlesInterval string
	candlesCount    int
)

func init() {
	rootCmd.AddCommand(marketsCmd)
	rootCmd.AddCommand(candlesCmd)

	marketsCmd.Flags().StringVar(&marketsHost, "host", database.DefaultHost, "exchange API host")

	candlesCmd.Flags().StringVar(&candlesHost, "host", database.DefaultHost, "exchange API host")
	candlesCmd.Flags().IntVar(&candlesMarket, "market", -1, "market index (required)")
	candlesCmd.Flags().StringVar(&candlesInterval, "interval", "4h", "candle interval (1m, 5m, 15m, 1h, 4h, 1d)")
	candlesCmd.Flags().IntVar(&candlesCount, "count", 20, "number of candles")
}

func runMarkets(cmd *cobra.Command, args []string) error {
	client := marketdata.New(marketsHost)

	markets := client.FetchMarkets(cmd.Context())
	if len(markets) == 0 {
		return fmt.Errorf("no markets returned by %s", marketsHost)
	}

	fmt.Printf("%-6s %s\n", "INDEX", "SYMBOL")
	for _, m := range markets {
		fmt.Printf("%-6d %s\n", m.MarketID, m.Symbol)
	}
	return nil
}

func runCandles(cmd *cobra.Command, args []string) error {
	if candlesMarket < 0 {
		return fmt.Errorf("--market is required")
	}

	client := marketdata.New(candlesHost)

	candles := client.FetchCandles(cmd.Context(), candlesMarket, candlesInterval, candlesCount)
	if len(candles) == 0 {
		return fmt.Errorf("no candles returned for market %d", candlesMarket)
	}
	if len(candles) > candlesCount {
		candles = candles[len(candles)-candlesCount:]
	}

	fmt.Printf("Market %d, interval %s:\n", candlesMarket, candlesInterval)
	for _, c := range candles {
		fmt.Printf("%s  %.6f\n", c.Time.Format("2006-01-02 15:04"), c.Close)
	}

	book := client.FetchOrderBook(cmd.Context(), candlesMarket)
	if book.Mid != 0 {
		fmt.Printf("\nTop of book: bid %.6f / ask %.6f (mid %.6f)\n", book.BestBid, book.BestAsk, book.Mid)
	}
	return nil
}
