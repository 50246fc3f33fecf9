package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func createDiagnoseCmd() *cobra.Command {
	var local bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Check RPC endpoints and the payment contract",
		Long: `Report RPC endpoint health and the payment contract state as seen by
the server, or with --local as seen through your own RPC endpoints.

EXAMPLES:
  querypay diagnose
  querypay diagnose --local --rpc https://sepolia.base.org --rpc https://base-sepolia.example
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if local {
				return runLocalDiagnose(ctx, jsonOutput)
			}
			return runServerDiagnose(ctx, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "test your own RPC endpoints instead of the server's")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

type endpointRow struct {
	url       string
	healthy   bool
	latencyMS int64
	block     uint64
	err       string
}

func runServerDiagnose(ctx context.Context, jsonOutput bool) error {
	c := newClient()
	rpc, err := c.RPCDiagnostics(ctx)
	if err != nil {
		return fmt.Errorf("failed to get RPC diagnostics: %w", err)
	}
	contract, err := c.ContractDiagnostics(ctx)
	if err != nil {
		return fmt.Errorf("failed to get contract diagnostics: %w", err)
	}
	if jsonOutput {
		return writeJSON(map[string]any{"endpoints": rpc, "contract": contract})
	}

	rows := make([]endpointRow, 0, len(rpc.Endpoints))
	for _, e := range rpc.Endpoints {
		rows = append(rows, endpointRow{e.Endpoint, e.Healthy, e.LatencyMS, e.BlockNumber, e.Error})
	}
	if err := printEndpoints(rows, rpc.Recommended); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Contract: %s\n", contract.Address)
	fmt.Printf("Deployed: %t (%d bytes)\n", contract.Deployed, contract.CodeSize)
	if contract.Deployed {
		fmt.Printf("Balance:  %s ETH\n", contract.Balance)
		fmt.Printf("Amount:   %s wei\n", contract.PaymentAmount)
		fmt.Printf("Receiver: %s\n", contract.Receiver)
		fmt.Printf("Owner:    %s\n", contract.Owner)
	}
	if contract.Artifact != nil {
		fmt.Printf("Artifact: %s (%s)\n", contract.Artifact.MatchType, contract.Artifact.Message)
	}
	for _, e := range contract.Errors {
		fmt.Printf("Error:    %s\n", e)
	}

	if rpc.Recommended == "" {
		return fmt.Errorf("no healthy RPC endpoint")
	}
	return nil
}

func runLocalDiagnose(ctx context.Context, jsonOutput bool) error {
	stack, err := openChain(ctx, newClient())
	if err != nil {
		return err
	}
	defer stack.Close()

	rpc := stack.sel.TestEndpoints(ctx)
	contract := stack.contract.Check(ctx, nil)
	if jsonOutput {
		return writeJSON(map[string]any{"endpoints": rpc, "contract": contract})
	}

	rows := make([]endpointRow, 0, len(rpc.Endpoints))
	for _, e := range rpc.Endpoints {
		rows = append(rows, endpointRow{e.Endpoint, e.Healthy, e.LatencyMS, e.BlockNumber, e.Error})
	}
	if err := printEndpoints(rows, rpc.Recommended); err != nil {
		return err
	}
	fmt.Println()
	fmt.Printf("Contract: %s deployed=%t\n", contract.Address, contract.Deployed)
	for _, e := range contract.Errors {
		fmt.Printf("Error:    %s\n", e)
	}
	if rpc.Recommended == "" {
		return fmt.Errorf("no healthy RPC endpoint")
	}
	return nil
}

func printEndpoints(rows []endpointRow, recommended string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tHEALTHY\tLATENCY\tBLOCK\tERROR")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%t\t%dms\t%d\t%s\n", r.url, r.healthy, r.latencyMS, r.block, r.err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if recommended != "" {
		fmt.Printf("\nRecommended: %s\n", recommended)
	}
	return nil
}
