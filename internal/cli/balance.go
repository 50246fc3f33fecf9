package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pendergraft/querypay/internal/validation"
)

func createBalanceCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "balance [wallet]",
		Short: "Show a wallet's credits",
		Long: `Display the credit balance of a wallet. The wallet defaults to
--wallet, QUERYPAY_WALLET or the wallet in querypay.toml.

EXAMPLES:
  querypay balance
  querypay balance 0x1234...5678 --json
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBalance(cmd.Context(), getWallet(args), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func requireWallet(w string) error {
	if w == "" {
		return errors.New("no wallet given (pass an address, --wallet or set wallet in querypay.toml)")
	}
	return validation.ValidateAddress(w)
}

func runBalance(ctx context.Context, w string, jsonOutput bool) error {
	if err := requireWallet(w); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	u, err := newClient().GetUser(ctx, w)
	if err != nil {
		return fmt.Errorf("failed to get balance: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(u)
	}

	fmt.Printf("Wallet:  %s\n", u.Wallet)
	fmt.Printf("Credits: %s\n", u.Credits)
	fmt.Printf("Queries: %d\n", u.TotalQueries)
	return nil
}
