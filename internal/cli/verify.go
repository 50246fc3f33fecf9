package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/spf13/cobra"

	"github.com/pendergraft/querypay/internal/validation"
	"github.com/pendergraft/querypay/pkg/client"
)

// verifyPollInterval is the delay between verification attempts while a
// payment is pending. Tests shorten it.
var verifyPollInterval = 5 * time.Second

func createVerifyCmd() *cobra.Command {
	var wait time.Duration
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "verify <tx-hash>",
		Short: "Verify a payment and credit it",
		Long: `Ask the server to verify a payment transaction and credit its sender.

Verifying an already credited payment is safe: it reports the payment
as already credited and adds nothing. While the transaction is pending
the command keeps asking until --wait elapses.

EXAMPLES:
  querypay verify 0x88df01...944b
  querypay verify 0x88df01...944b --wallet 0xYourAddress --wait 5m
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validation.ValidateTxHash(args[0]); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			v, err := waitForVerification(ctx, newClient(), args[0], getWallet(nil), wait)
			if err != nil {
				return err
			}
			return printVerification(v, jsonOutput)
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to keep retrying a pending payment")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

// waitForVerification verifies txHash, repeating while the server reports
// the payment as pending. The last verdict is returned when wait elapses.
func waitForVerification(ctx context.Context, c *client.Client, txHash, wallet string, wait time.Duration) (*client.Verification, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var last *client.Verification
	policy := retrypolicy.NewBuilder[*client.Verification]().
		HandleIf(func(v *client.Verification, err error) bool { return err == nil && v.Pending() }).
		WithDelay(verifyPollInterval).
		WithMaxRetries(-1).
		ReturnLastFailure().
		Build()

	v, err := failsafe.With[*client.Verification](policy).WithContext(ctx).Get(func() (*client.Verification, error) {
		v, err := c.VerifyPayment(ctx, txHash, wallet)
		if err == nil {
			last = v
		}
		return v, err
	})
	if err != nil {
		if last != nil && (errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil) {
			return last, nil
		}
		return nil, fmt.Errorf("failed to verify payment: %w", err)
	}
	return v, nil
}

func printVerification(v *client.Verification, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return err
		}
	} else {
		switch {
		case v.Verified && v.AlreadyCredited:
			fmt.Printf("✅ Payment already credited (%s)\n", v.TxHash)
		case v.Verified:
			fmt.Printf("✅ Payment verified: %s credits added\n", v.Amount)
		case v.Pending():
			fmt.Printf("⏳ Payment not final yet (%s). Run 'querypay verify %s' again later.\n", v.Status, v.TxHash)
		default:
			fmt.Printf("❌ Payment not verified (%s)\n", v.Status)
		}
		if v.ETHAmount != "" && v.ETHAmount != "0" {
			fmt.Printf("   Amount:   %s ETH\n", v.ETHAmount)
		}
		if v.BlockNumber > 0 {
			fmt.Printf("   Block:    %d\n", v.BlockNumber)
		}
		if v.Mode != "" {
			fmt.Printf("   Mode:     %s\n", v.Mode)
		}
		if v.Credits != "" {
			fmt.Printf("   Balance:  %s credits\n", v.Credits)
		}
		if v.Error != "" {
			fmt.Printf("   Reason:   %s\n", v.Error)
		}
	}

	if !v.Verified && !v.Pending() {
		return fmt.Errorf("payment %s was not verified: %s", v.TxHash, v.Status)
	}
	return nil
}
