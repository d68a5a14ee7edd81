package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/web3guy0/pairtrader/internal/database"
	"github.com/web3guy0/pairtrader/internal/lighter"
)

var accountIndexCmd = &cobra.Command{
	Use:   "account-index",
	Short: "Discover the exchange account index for a private key",
	Long: `Derive the L1 address controlled by a private key and ask the exchange
which account index is registered to it. Useful before storing a
credential when the account index is unknown.

The key is read from --private-key, or from stdin when the flag is omitted.`,
	RunE: runAccountIndex,
}

var (
	aiHost       string
	aiPrivateKey string
)

func init() {
	rootCmd.AddCommand(accountIndexCmd)

	accountIndexCmd.Flags().StringVar(&aiHost, "host", database.DefaultHost, "exchange API host")
	accountIndexCmd.Flags().StringVar(&aiPrivateKey, "private-key", "", "private key hex (read from stdin when omitted)")
}

func runAccountIndex(cmd *cobra.Command, args []string) error {
	privateKey := strings.TrimSpace(aiPrivateKey)
	if privateKey == "" {
		var err error
		privateKey, err = readLine("Private key: ")
		if err != nil {
			return err
		}
	}
	if privateKey == "" {
		return fmt.Errorf("no private key given")
	}

	address, err := lighter.DeriveL1Address(privateKey)
	if err != nil {
		return err
	}

	index, err := lighter.AccountIndexByL1(cmd.Context(), aiHost, address)
	if err != nil {
		return err
	}

	fmt.Printf("L1 address:    %s\n", address)
	fmt.Printf("Account index: %d\n", index)
	return nil
}
