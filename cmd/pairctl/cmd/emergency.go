package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/web3guy0/pairtrader/internal/database"
	"github.com/web3guy0/pairtrader/internal/engine"
	"github.com/web3guy0/pairtrader/internal/marketdata"
)

var emergencyCmd = &cobra.Command{
	Use:   "emergency-stop",
	Short: "Close positions and/or disable pairs immediately",
	Long: `Trigger the emergency stop without going through Telegram. Positions
are closed with reverse market orders at current prices; disabling pairs
stops the daemon from opening new ones (running daemons drop the jobs on
their next cycle for a disabled pair).

Examples:
  pairctl emergency-stop --close            close every open position
  pairctl emergency-stop --close --disable  close everything and disable all pairs
  pairctl emergency-stop --pair 3           close one pair's position (exit_reason=manual)`,
	RunE: runEmergencyStop,
}

var (
	stopClose   bool
	stopDisable bool
	stopPairID  int64
)

func init() {
	rootCmd.AddCommand(emergencyCmd)

	emergencyCmd.Flags().BoolVar(&stopClose, "close", false, "close all open positions")
	emergencyCmd.Flags().BoolVar(&stopDisable, "disable", false, "disable all pairs")
	emergencyCmd.Flags().Int64Var(&stopPairID, "pair", 0, "close a single pair's position instead")
}

func runEmergencyStop(cmd *cobra.Command, args []string) error {
	if !stopClose && !stopDisable && stopPairID == 0 {
		return fmt.Errorf("nothing to do: pass --close, --disable, or --pair")
	}

	cfg, db, err := openDB()
	if err != nil {
		return err
	}
	cipher, err := openCipher(cfg)
	if err != nil {
		return err
	}

	host := database.DefaultHost
	if cred, err := db.GetActiveCredential(); err == nil && cred != nil && cred.Host != "" {
		host = cred.Host
	}

	eng := engine.New(engine.Config{
		DB:     db,
		Market: marketdata.New(host),
		Cipher: cipher,
	})

	if stopPairID != 0 {
		if err := eng.ClosePair(cmd.Context(), stopPairID); err != nil {
			return err
		}
		fmt.Printf("Closed position for pair %d.\n", stopPairID)
		return nil
	}

	result := eng.EmergencyStop(cmd.Context(), stopClose, stopDisable)
	fmt.Printf("Closed %d positions, disabled %d pairs.\n", result.PositionsClosed, result.PairsDisabled)
	for _, e := range result.Errors {
		fmt.Printf("Error: %s\n", e)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("%d errors during emergency stop", len(result.Errors))
	}
	return nil
}
