package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show trading statistics",
	Long:  `Summarize pairs, open positions, and realized P&L from the database.`,
	RunE:  runStats,
}

var statsTrades int

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().IntVar(&statsTrades, "trades", 5, "number of recent trades to show")
}

func runStats(cmd *cobra.Command, args []string) error {
	_, db, err := openDB()
	if err != nil {
		return err
	}

	stats, err := db.GetStats()
	if err != nil {
		return err
	}

	fmt.Printf("Pairs:          %v (%v enabled)\n", stats["total_pairs"], stats["enabled_pairs"])
	fmt.Printf("Open positions: %v\n", stats["open_positions"])
	fmt.Printf("Closed trades:  %v\n", stats["total_trades"])
	fmt.Printf("Total P&L:      $%v\n", stats["total_pnl"])

	if statsTrades <= 0 {
		return nil
	}
	trades, err := db.GetRecentTrades(statsTrades)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		return nil
	}

	fmt.Printf("\nRecent trades:\n")
	for _, tr := range trades {
		name := fmt.Sprintf("#%d", tr.PairID)
		if pair, err := db.GetPair(tr.PairID); err == nil && pair != nil {
			name = pair.Name
		}
		fmt.Printf("%s  %-16s %-16s %-14s $%s (%s%%)\n",
			tr.ExitTime.Format("2006-01-02 15:04"), name, tr.Direction,
			tr.ExitReason, tr.PNL.StringFixed(2), tr.PNLPct.StringFixed(2))
	}
	return nil
}
