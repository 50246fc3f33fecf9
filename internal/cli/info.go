package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func createInfoCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show payment terms",
		Long: `Display the payment contract, the amount one payment must carry and
the routing mode the server currently uses.

EXAMPLES:
  querypay info
  querypay info --json
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func runInfo(ctx context.Context, jsonOutput bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	info, err := newClient().ContractInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to get contract info: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Printf("Network:  %s (chain %d)\n", info.Network, info.ChainID)
	fmt.Printf("Contract: %s", info.ContractAddress)
	if info.ContractExists {
		fmt.Println(" (deployed)")
	} else {
		fmt.Println(" (not deployed)")
	}
	fmt.Printf("Mode:     %s\n", info.Mode)
	fmt.Printf("Amount:   %s ETH (%s wei)\n", info.PaymentAmount, info.PaymentAmountWei)
	fmt.Printf("Receiver: %s\n", info.PaymentReceiver)
	if info.Owner != "" {
		fmt.Printf("Owner:    %s\n", info.Owner)
	}
	if info.Error != "" {
		fmt.Println()
		fmt.Printf("Warning: %s\n", info.Error)
	}

	fmt.Println()
	fmt.Println("Pay:      querypay pay")
	return nil
}
