package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/web3guy0/pairtrader/internal/database"
	"github.com/web3guy0/pairtrader/internal/lighter"
	"github.com/web3guy0/pairtrader/internal/secrets"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage exchange credentials",
}

var credentialAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store an exchange credential (encrypted at rest)",
	Long: `Store an exchange API credential. The private key is encrypted with
TS_ENCRYPTION_KEY before it touches the database; previous credentials are
deactivated so exactly one stays active.

The key is read from --private-key, or from stdin when the flag is omitted
(so it can be piped in without landing in shell history).

When --account-index is not given, the exchange is queried for the account
registered to the key's L1 address.

Example:
  pairctl credential add --account-index 7
  echo "0xabc..." | pairctl credential add`,
	RunE: runCredentialAdd,
}

var credentialShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active credential (key masked)",
	RunE:  runCredentialShow,
}

var credentialKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a fresh TS_ENCRYPTION_KEY",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := secrets.GenerateKey()
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		fmt.Printf("TS_ENCRYPTION_KEY=%s\n", key)
		return nil
	},
}

var (
	credHost         string
	credAPIKeyIndex  int
	credAccountIndex int64
	credPrivateKey   string
)

func init() {
	rootCmd.AddCommand(credentialCmd)
	credentialCmd.AddCommand(credentialAddCmd)
	credentialCmd.AddCommand(credentialShowCmd)
	credentialCmd.AddCommand(credentialKeygenCmd)

	credentialAddCmd.Flags().StringVar(&credHost, "host", database.DefaultHost, "exchange API host")
	credentialAddCmd.Flags().IntVar(&credAPIKeyIndex, "api-key-index", 3, "exchange API key index")
	credentialAddCmd.Flags().Int64Var(&credAccountIndex, "account-index", -1, "exchange account index (looked up from the key's L1 address when omitted)")
	credentialAddCmd.Flags().StringVar(&credPrivateKey, "private-key", "", "API private key hex (read from stdin when omitted)")
}

func runCredentialAdd(cmd *cobra.Command, args []string) error {
	cfg, db, err := openDB()
	if err != nil {
		return err
	}
	cipher, err := openCipher(cfg)
	if err != nil {
		return err
	}

	privateKey := strings.TrimSpace(credPrivateKey)
	if privateKey == "" {
		privateKey, err = readLine("Private key: ")
		if err != nil {
			return err
		}
	}
	if privateKey == "" {
		return fmt.Errorf("no private key given")
	}

	accountIndex := credAccountIndex
	if accountIndex < 0 {
		address, err := lighter.DeriveL1Address(privateKey)
		if err != nil {
			return err
		}
		accountIndex, err = lighter.AccountIndexByL1(cmd.Context(), credHost, address)
		if err != nil {
			return err
		}
		fmt.Printf("Discovered account index %d for %s\n", accountIndex, address)
	}

	encrypted, err := cipher.Encrypt(privateKey)
	if err != nil {
		return fmt.Errorf("encrypt private key: %w", err)
	}

	if err := db.SaveCredential(&database.Credential{
		Host:                credHost,
		APIKeyIndex:         credAPIKeyIndex,
		AccountIndex:        accountIndex,
		PrivateKeyEncrypted: encrypted,
	}); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	fmt.Printf("Credential stored (host %s, account index %d). Previous credentials deactivated.\n",
		credHost, accountIndex)
	return nil
}

func runCredentialShow(cmd *cobra.Command, args []string) error {
	_, db, err := openDB()
	if err != nil {
		return err
	}

	cred, err := db.GetActiveCredential()
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		fmt.Println("No active credential.")
		return nil
	}

	fmt.Printf("Host:          %s\n", cred.Host)
	fmt.Printf("API key index: %d\n", cred.APIKeyIndex)
	fmt.Printf("Account index: %d\n", cred.AccountIndex)
	fmt.Printf("Private key:   ******** (encrypted, %d bytes)\n", len(cred.PrivateKeyEncrypted))
	fmt.Printf("Created:       %s\n", cred.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}

// readLine prompts on stderr and reads one trimmed line from stdin.
func readLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
