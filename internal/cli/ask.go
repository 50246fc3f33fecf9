package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pendergraft/querypay/internal/validation"
	"github.com/pendergraft/querypay/pkg/client"
)

func createAskCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Spend credits on a question",
		Long: `Ask a question. One question costs a fixed number of credits, which
are refunded if no answer can be produced.

EXAMPLES:
  querypay ask "What is the capital of France?"
  querypay ask --wallet 0xYourAddress "Explain EIP-1559 briefly"
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), getWallet(nil), strings.Join(args, " "), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func runAsk(ctx context.Context, w, question string, jsonOutput bool) error {
	if err := requireWallet(w); err != nil {
		return err
	}
	if err := validation.ValidateQuestion(question); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	answer, err := newClient().Ask(ctx, w, question)
	if err != nil {
		if client.IsInsufficientCredits(err) {
			return fmt.Errorf("not enough credits for %s; buy more with 'querypay pay'", w)
		}
		return fmt.Errorf("failed to ask: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(answer)
	}

	fmt.Println(answer.Answer)
	fmt.Println()
	fmt.Printf("Cost: %s credits, remaining: %s\n", answer.Cost, answer.RemainingCredits)
	return nil
}
