package cmd

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/web3guy0/pairtrader/internal/database"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage dashboard users",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a dashboard user",
	Long: `Create a user for the external dashboard. The password is stored as a
bcrypt hash, and a fresh TOTP secret is generated and printed once; add it
to an authenticator app right away, it is not shown again in the clear.

Example:
  pairctl user add --username ops --password 'hunter2'`,
	RunE: runUserAdd,
}

var (
	userName     string
	userPassword string
)

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd)

	userAddCmd.Flags().StringVar(&userName, "username", "", "login name (required)")
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "password (prompted when omitted)")
	userAddCmd.MarkFlagRequired("username")
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	_, db, err := openDB()
	if err != nil {
		return err
	}

	password := userPassword
	if password == "" {
		password, err = readLine("Password: ")
		if err != nil {
			return err
		}
	}
	if password == "" {
		return fmt.Errorf("no password given")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	totpSecret, err := generateTOTPSecret()
	if err != nil {
		return fmt.Errorf("generate totp secret: %w", err)
	}

	if err := db.CreateUser(&database.User{
		Username:       userName,
		HashedPassword: string(hash),
		TOTPSecret:     totpSecret,
		IsActive:       true,
	}); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("User %q created.\n", userName)
	fmt.Printf("TOTP secret (add to your authenticator now): %s\n", totpSecret)
	return nil
}

// generateTOTPSecret returns 160 random bits as unpadded base32, the
// standard authenticator-app secret format.
func generateTOTPSecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}
