package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/term"

	"github.com/pendergraft/querypay/internal/chains/evm"
	"github.com/pendergraft/querypay/pkg/client"
)

// chainStack is a local view of the payment network. The contract address,
// chain and fallback terms come from the server so the client pays exactly
// what the server will verify.
type chainStack struct {
	sel      *evm.Selector
	contract *evm.Contract
	chainID  *big.Int
	info     *client.ContractInfo
	logger   *slog.Logger
}

func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func openChain(ctx context.Context, c *client.Client) (*chainStack, error) {
	urls := getRPCURLs()
	if len(urls) == 0 {
		return nil, errors.New("no RPC endpoint configured (use --rpc, QUERYPAY_RPC_URLS or rpc_urls in querypay.toml)")
	}

	info, err := c.ContractInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get contract info: %w", err)
	}
	amount, ok := new(big.Int).SetString(info.PaymentAmountWei, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("server reported an invalid payment amount %q", info.PaymentAmountWei)
	}
	if !common.IsHexAddress(info.PaymentReceiver) {
		return nil, fmt.Errorf("server reported an invalid payment receiver %q", info.PaymentReceiver)
	}

	logger := cliLogger()
	sel, err := evm.NewSelector(urls, evm.WithCallTimeout(15*time.Second), evm.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	contract := evm.NewContract(
		common.HexToAddress(info.ContractAddress),
		sel,
		evm.NewProbe(sel, 0, logger),
		evm.Defaults{Amount: amount, Receiver: common.HexToAddress(info.PaymentReceiver)},
		logger,
	)
	return &chainStack{
		sel:      sel,
		contract: contract,
		chainID:  big.NewInt(info.ChainID),
		info:     info,
		logger:   logger,
	}, nil
}

func (s *chainStack) Close() {
	s.sel.Close()
}

// loadPrivateKey reads a hex private key from the key file, the
// QUERYPAY_PRIVATE_KEY environment variable, the project config, or an
// interactive prompt, in that order.
func loadPrivateKey(keyFile string) (string, error) {
	if keyFile == "" {
		if env := os.Getenv("QUERYPAY_PRIVATE_KEY"); env != "" {
			return env, nil
		}
		if config := loadProjectConfigSilent(); config != nil {
			keyFile = config.KeyFile
		}
	}
	if keyFile != "" {
		data, err := os.ReadFile(expandHome(keyFile))
		if err != nil {
			return "", fmt.Errorf("reading key file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	// Never read a key from piped input.
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("no private key configured (use --key-file or QUERYPAY_PRIVATE_KEY)")
	}
	key, err := readSecret("Enter private key: ", os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read private key: %w", err)
	}
	return key, nil
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return home + "/" + rest
		}
	}
	return path
}

// confirmingSigner asks before signing. Declining cancels the payment.
type confirmingSigner struct {
	evm.Signer
	in  io.Reader
	out io.Writer
}

func (s confirmingSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	fmt.Fprintf(s.out, "Send %s ETH from %s to %s (gas limit %d)? [y/N] ",
		evm.WeiToETH(tx.Value()).String(), s.Address().Hex(), tx.To().Hex(), tx.Gas())
	answer, err := bufio.NewReader(s.in).ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return s.Signer.SignTx(ctx, tx, chainID)
	default:
		return nil, errors.New("declined")
	}
}
