package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/pendergraft/querypay/internal/chains/evm"
)

func createWatchCmd() *cobra.Command {
	var all bool
	var pollInterval time.Duration
	var verify bool

	cmd := &cobra.Command{
		Use:   "watch [wallet]",
		Short: "Stream payments received by the contract",
		Long: `Follow PaymentReceived events from the payment contract through your
RPC endpoints until interrupted. Events are filtered to the wallet unless
--all is set. With --verify each event is sent to the server for crediting.

Only contract-mode payments emit events; direct transfers are not seen.

EXAMPLES:
  querypay watch
  querypay watch --all --rpc wss://base-sepolia.example/ws
  querypay watch --verify
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sender := common.Address{}
			if !all {
				w := getWallet(args)
				if err := requireWallet(w); err != nil {
					return err
				}
				sender = common.HexToAddress(w)
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, sender, pollInterval, verify)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "show payments from every sender")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 5*time.Second, "log polling interval when the endpoint cannot push")
	cmd.Flags().BoolVar(&verify, "verify", false, "verify and credit each payment with the server")

	return cmd
}

func runWatch(ctx context.Context, sender common.Address, pollInterval time.Duration, verify bool) error {
	c := newClient()
	stack, err := openChain(ctx, c)
	if err != nil {
		return err
	}
	defer stack.Close()

	listener := evm.NewListener(stack.sel, stack.contract, pollInterval, stack.logger)
	sub, err := listener.Subscribe(ctx, sender)
	if errors.Is(err, evm.ErrContractUnavailable) {
		return fmt.Errorf("contract %s is not deployed; direct payments emit no events", stack.contract.Address().Hex())
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	fmt.Fprintf(os.Stderr, "Watching %s on %s (Ctrl-C to stop)\n", stack.contract.Address().Hex(), stack.info.Network)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				select {
				case err := <-sub.Err():
					return err
				default:
					return nil
				}
			}
			fmt.Printf("%s  block %d  %s  %s ETH\n", ev.TxHash.Hex(), ev.BlockNumber, ev.Sender.Hex(), ev.AmountETH())
			if verify {
				v, err := c.VerifyPayment(ctx, ev.TxHash.Hex(), ev.Sender.Hex())
				switch {
				case err != nil:
					fmt.Fprintf(os.Stderr, "  verify failed: %v\n", err)
				case v.Verified && v.AlreadyCredited:
					fmt.Println("  already credited")
				case v.Verified:
					fmt.Printf("  credited %s\n", v.Amount)
				default:
					fmt.Printf("  not credited: %s\n", v.Status)
				}
			}
		case err := <-sub.Err():
			return err
		case <-ctx.Done():
			return nil
		}
	}
}
