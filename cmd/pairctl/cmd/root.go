// Package cmd implements the pairctl admin CLI. Everything here talks to
// the same database and exchange the daemon uses; pairctl is how operators
// store credentials, create dashboard users, and hit the emergency stop
// without going through Telegram.
package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/web3guy0/pairtrader/internal/config"
	"github.com/web3guy0/pairtrader/internal/database"
	"github.com/web3guy0/pairtrader/internal/secrets"
)

var rootCmd = &cobra.Command{
	Use:   "pairctl",
	Short: "Admin tool for the pairtrader daemon",
	Long: `Pairctl manages the pairtrader daemon's database and credentials.

It provides commands for:
  - Storing exchange credentials (encrypted at rest)
  - Discovering the exchange account index for a wallet
  - Creating dashboard users with TOTP secrets
  - Listing configured trading pairs
  - Triggering the emergency stop outside of Telegram

Configuration comes from the same TS_-prefixed environment variables the
daemon reads, including TS_DATABASE_URL and TS_ENCRYPTION_KEY.`,

	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// openDB loads configuration and opens the daemon's database.
func openDB() (*config.Config, *database.Database, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

// openCipher builds the credential cipher from TS_ENCRYPTION_KEY.
func openCipher(cfg *config.Config) (*secrets.Cipher, error) {
	if cfg.EncryptionKey == "" {
		return nil, errors.New("TS_ENCRYPTION_KEY is not set; generate one with `pairctl credential keygen`")
	}
	return secrets.New(cfg.EncryptionKey)
}
