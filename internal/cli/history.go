package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pendergraft/querypay/pkg/client"
)

func createHistoryCmd() *cobra.Command {
	var kind string
	var limit int
	var cursor string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "history [wallet]",
		Short: "Show payments, questions or ledger entries",
		Long: `List a wallet's history, newest first.

--type selects what to list:
  payments      verified and failed payments (default)
  queries       questions and answers
  transactions  every credit and debit

EXAMPLES:
  querypay history
  querypay history --type transactions --limit 50
  querypay history --type queries --cursor 20
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runHistory(ctx, getWallet(args), kind, client.ListOptions{Limit: limit, Cursor: cursor}, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&kind, "type", "payments", "payments, queries or transactions")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func runHistory(ctx context.Context, w, kind string, opts client.ListOptions, jsonOutput bool) error {
	if err := requireWallet(w); err != nil {
		return err
	}
	c := newClient()
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	var page client.Pagination
	switch kind {
	case "payments":
		resp, err := c.ListPayments(ctx, w, opts)
		if err != nil {
			return fmt.Errorf("failed to list payments: %w", err)
		}
		if jsonOutput {
			return writeJSON(resp)
		}
		fmt.Fprintln(tw, "TX\tSTATUS\tETH\tCREDITS\tCREDITED\tCREATED")
		for _, p := range resp.Data {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", truncateAddress(p.TxHash), p.Status, p.ETHAmount, p.Credits, p.Credited, p.CreatedAt)
		}
		page = resp.Pagination
	case "queries":
		resp, err := c.ListQueries(ctx, w, opts)
		if err != nil {
			return fmt.Errorf("failed to list queries: %w", err)
		}
		if jsonOutput {
			return writeJSON(resp)
		}
		fmt.Fprintln(tw, "ID\tSTATUS\tCOST\tQUESTION\tCREATED")
		for _, q := range resp.Data {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", truncateAddress(q.ID), q.Status, q.Cost, truncateText(q.Question, 40), q.CreatedAt)
		}
		page = resp.Pagination
	case "transactions":
		resp, err := c.ListTransactions(ctx, w, opts)
		if err != nil {
			return fmt.Errorf("failed to list transactions: %w", err)
		}
		if jsonOutput {
			return writeJSON(resp)
		}
		fmt.Fprintln(tw, "TYPE\tAMOUNT\tBALANCE\tREFERENCE\tCREATED")
		for _, t := range resp.Data {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.Type, t.Amount, t.Balance, truncateAddress(t.ReferenceID), t.CreatedAt)
		}
		page = resp.Pagination
	default:
		return fmt.Errorf("unknown history type %q (want payments, queries or transactions)", kind)
	}

	if err := tw.Flush(); err != nil {
		return err
	}
	if page.HasMore {
		fmt.Printf("\nMore: querypay history --type %s --cursor %s\n", kind, page.NextCursor)
	}
	return nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
