package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pendergraft/querypay/pkg/client"
)

var (
	cfgFile string
	server  string
	apiKey  string
	wallet  string
	rpcURLs []string

	cliVersion = "dev"
)

// Execute runs the CLI
func Execute(version string) error {
	cliVersion = version
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "querypay",
		Short: "Pay-per-query client",
		Long: `querypay pays for questions with ETH, verifies the payment with the
server and spends the resulting credits on answers.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: querypay.toml or qp.toml)")
	rootCmd.PersistentFlags().StringVar(&server, "server", "", "server URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for admin endpoints")
	rootCmd.PersistentFlags().StringVar(&wallet, "wallet", "", "wallet address (default from config)")
	rootCmd.PersistentFlags().StringSliceVar(&rpcURLs, "rpc", nil, "RPC endpoint for local chain access (repeatable)")

	// Add subcommands
	rootCmd.AddCommand(createInfoCmd())
	rootCmd.AddCommand(createPayCmd())
	rootCmd.AddCommand(createVerifyCmd())
	rootCmd.AddCommand(createBalanceCmd())
	rootCmd.AddCommand(createAskCmd())
	rootCmd.AddCommand(createHistoryCmd())
	rootCmd.AddCommand(createWatchCmd())
	rootCmd.AddCommand(createDiagnoseCmd())
	rootCmd.AddCommand(createAuthCmd())
	rootCmd.AddCommand(createConfigCmd())

	return rootCmd
}

// newClient returns an API client for the effective server and key.
func newClient() *client.Client {
	return client.New(getServer(), getAPIKey(), client.WithClientVersion(cliVersion))
}

// getServer returns the server URL from flag, env, config file, or default
func getServer() string {
	// 1. Command line flag
	if server != "" {
		return server
	}

	// 2. Environment variable
	if env := os.Getenv("QUERYPAY_SERVER"); env != "" {
		return env
	}

	// 3. Project config file (TOML)
	if config := loadProjectConfigSilent(); config != nil && config.Server != "" {
		return config.Server
	}

	// 4. User-wide config (YAML)
	if config, err := loadGlobalConfig(); err == nil && config.Server != "" {
		return config.Server
	}

	// 5. Default
	return "http://localhost:8080"
}

// getAPIKey returns the API key from flag, env, or credentials file
func getAPIKey() string {
	// 1. Command line flag
	if apiKey != "" {
		return apiKey
	}

	// 2. Environment variable
	if env := os.Getenv("QUERYPAY_API_KEY"); env != "" {
		return env
	}

	// 3. Credentials file (keyed by server URL)
	if cred, ok := lookupCredential(getServer()); ok {
		return cred.APIKey
	}

	return ""
}

// getWallet returns the wallet address from an argument, flag, env, project
// config, the server's saved profile or the user-wide config. It returns "" when none is set.
func getWallet(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if wallet != "" {
		return wallet
	}
	if env := os.Getenv("QUERYPAY_WALLET"); env != "" {
		return env
	}
	if config := loadProjectConfigSilent(); config != nil && config.Wallet != "" {
		return config.Wallet
	}
	if cred, ok := lookupCredential(getServer()); ok && cred.Wallet != "" {
		return cred.Wallet
	}
	if config, err := loadGlobalConfig(); err == nil {
		return config.Wallet
	}
	return ""
}

// getRPCURLs returns RPC endpoints for commands that talk to the chain
// directly.
func getRPCURLs() []string {
	if len(rpcURLs) > 0 {
		return rpcURLs
	}
	if env := os.Getenv("QUERYPAY_RPC_URLS"); env != "" {
		var out []string
		for _, u := range strings.Split(env, ",") {
			if u = strings.TrimSpace(u); u != "" {
				out = append(out, u)
			}
		}
		return out
	}
	if config := loadProjectConfigSilent(); config != nil {
		return config.RPCURLs
	}
	return nil
}

func truncateAddress(addr string) string {
	if len(addr) <= 14 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
