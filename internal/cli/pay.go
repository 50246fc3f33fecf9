package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pendergraft/querypay/internal/chains/evm"
	"github.com/pendergraft/querypay/pkg/client"
)

type payOptions struct {
	keyFile      string
	serverSigned bool
	from         string
	yes          bool
	noVerify     bool
	wait         time.Duration
	jsonOutput   bool
}

func createPayCmd() *cobra.Command {
	var opts payOptions

	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Pay for credits",
		Long: `Send one payment and credit it to the paying wallet.

By default the payment is signed locally with your private key and sent
through your RPC endpoints. The payment goes to the payment contract when
it is deployed and straight to the receiver otherwise. After sending, the
transaction is verified with the server until it is credited or --wait
elapses.

With --server-signed the server pays from one of its own signers. That
requires an API key.

EXAMPLES:
  # Pay with a key file
  querypay pay --key-file ~/.querypay/wallet.key

  # Pay without a confirmation prompt (CI)
  QUERYPAY_PRIVATE_KEY=... querypay pay --yes

  # Let the server pay
  querypay pay --server-signed
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPay(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.keyFile, "key-file", "", "file holding a hex private key")
	cmd.Flags().BoolVar(&opts.serverSigned, "server-signed", false, "have the server sign and send the payment")
	cmd.Flags().StringVar(&opts.from, "from", "", "server signer to pay from (with --server-signed)")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.Flags().BoolVar(&opts.noVerify, "no-verify", false, "do not verify after sending")
	cmd.Flags().DurationVar(&opts.wait, "wait", 3*time.Minute, "how long to wait for verification")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "output as JSON")

	return cmd
}

func runPay(ctx context.Context, opts payOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c := newClient()

	var txHash, payer string
	if opts.serverSigned {
		sub, err := c.Pay(ctx, opts.from)
		if err != nil {
			return fmt.Errorf("failed to submit payment: %w", err)
		}
		txHash, payer = sub.TxHash, sub.From
		if !opts.jsonOutput {
			fmt.Printf("Payment sent by server signer %s (%s mode)\n", sub.From, sub.Mode)
		}
	} else {
		sub, err := payLocally(ctx, c, opts)
		if err != nil {
			return err
		}
		txHash, payer = sub.TxHash.Hex(), sub.From.Hex()
		if !opts.jsonOutput {
			fmt.Printf("Payment sent from %s (%s mode, %s ETH)\n", payer, sub.Terms.Mode, evm.WeiToETH(sub.Terms.Amount))
		}
	}

	if !opts.jsonOutput {
		fmt.Printf("Transaction: %s\n", txHash)
	}
	if opts.noVerify {
		if opts.jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(map[string]string{"txHash": txHash, "from": payer})
		}
		fmt.Printf("\nVerify later with: querypay verify %s --wallet %s\n", txHash, payer)
		return nil
	}

	if !opts.jsonOutput {
		fmt.Println("Verifying...")
	}
	v, err := waitForVerification(ctx, c, txHash, payer, opts.wait)
	if err != nil {
		return err
	}
	return printVerification(v, opts.jsonOutput)
}

func payLocally(ctx context.Context, c *client.Client, opts payOptions) (*evm.Submission, error) {
	stack, err := openChain(ctx, c)
	if err != nil {
		return nil, err
	}
	defer stack.Close()

	hexKey, err := loadPrivateKey(opts.keyFile)
	if err != nil {
		return nil, err
	}
	key, err := evm.NewKeySigner(hexKey)
	if err != nil {
		return nil, err
	}

	var signer evm.Signer = key
	if !opts.yes {
		signer = confirmingSigner{Signer: key, in: os.Stdin, out: os.Stderr}
	}
	submitter := evm.NewSubmitter(stack.sel, stack.contract, stack.chainID, stack.logger)
	submitter.Register(signer)

	sub, err := submitter.Submit(ctx, key.Address())
	switch {
	case errors.Is(err, evm.ErrPaymentCancelled):
		return nil, errors.New("payment cancelled")
	case errors.Is(err, evm.ErrInsufficientFunds):
		return nil, fmt.Errorf("%s cannot cover the payment and gas", key.Address().Hex())
	case err != nil:
		return nil, fmt.Errorf("failed to send payment: %w", err)
	}
	return sub, nil
}
