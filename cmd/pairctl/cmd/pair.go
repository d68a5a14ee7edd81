package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Inspect trading pairs",
}

var pairListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured trading pairs",
	RunE:  runPairList,
}

func init() {
	rootCmd.AddCommand(pairCmd)
	pairCmd.AddCommand(pairListCmd)
}

func runPairList(cmd *cobra.Command, args []string) error {
	_, db, err := openDB()
	if err != nil {
		return err
	}

	pairs, err := db.ListPairs()
	if err != nil {
		return fmt.Errorf("list pairs: %w", err)
	}
	if len(pairs) == 0 {
		fmt.Println("No pairs configured.")
		return nil
	}

	fmt.Printf("%-4s %-16s %-9s %-9s %-9s %-8s %s\n",
		"ID", "NAME", "MARKETS", "INTERVAL", "ENTRY/EXIT", "ENABLED", "EQUITY")
	for _, p := range pairs {
		enabled := "no"
		if p.IsEnabled {
			enabled = "yes"
		}
		fmt.Printf("%-4d %-16s %3d/%-5d %-9s %.1f/%-5.1f %-8s $%s\n",
			p.ID, p.Name, p.MarketA, p.MarketB, p.ScheduleInterval,
			p.EntryZ, p.ExitZ, enabled, p.CurrentEquity.StringFixed(2))
	}
	return nil
}
