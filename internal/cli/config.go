package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// projectConfigFiles is the search order for project config files
var projectConfigFiles = []string{"querypay.toml", "qp.toml"}

// ProjectConfig is the project-level TOML configuration
type ProjectConfig struct {
	Server  string   `toml:"server"`
	Wallet  string   `toml:"wallet,omitempty"`
	RPCURLs []string `toml:"rpc_urls,omitempty"`
	// KeyFile holds a hex private key for local payments.
	KeyFile string `toml:"key_file,omitempty"`
}

// ServerConfig is the user-wide configuration in ~/.querypay/config.yaml,
// consulted after the project config.
type ServerConfig struct {
	Server string `yaml:"server"`
	Wallet string `yaml:"wallet,omitempty"`
}

func createConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	cmd.AddCommand(createConfigInitCmd())
	cmd.AddCommand(createConfigShowCmd())

	return cmd
}

func createConfigInitCmd() *cobra.Command {
	var serverURL string
	var walletAddr string
	var rpc []string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create config file",
		Long: `Create a querypay.toml configuration file in the current directory.

This file stores the server URL, your wallet address and the RPC
endpoints used for local payments.

EXAMPLES:
  # Create config with default server
  querypay config init --wallet 0xYourAddress

  # Create config for a specific server and RPC endpoint
  querypay config init --server https://querypay.example.com --rpc https://sepolia.base.org

  # Overwrite existing config
  querypay config init --force
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(serverURL, walletAddr, rpc, force)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "server URL")
	cmd.Flags().StringVar(&walletAddr, "wallet", "", "wallet address")
	cmd.Flags().StringSliceVar(&rpc, "rpc", []string{"https://sepolia.base.org"}, "RPC endpoints")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")

	return cmd
}

func createConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current config",
		Long: `Display the current configuration.

Shows the local project config (querypay.toml), the global config from
~/.querypay/config.yaml and the effective values.

EXAMPLES:
  querypay config show
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}

	return cmd
}

func runConfigInit(serverURL, walletAddr string, rpc []string, force bool) error {
	configPath := "querypay.toml"

	// Check if any config file already exists
	for _, cfgFile := range projectConfigFiles {
		if _, err := os.Stat(cfgFile); err == nil && !force {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", cfgFile)
		}
	}

	config := ProjectConfig{Server: serverURL, Wallet: walletAddr, RPCURLs: rpc}
	f, err := os.OpenFile(configPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# querypay client configuration")
	fmt.Fprintln(f, "# key_file = \"~/.querypay/wallet.key\"  # hex private key for local payments")
	fmt.Fprintln(f)
	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", configPath)
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("  Server: %s\n", serverURL)
	if walletAddr != "" {
		fmt.Printf("  Wallet: %s\n", walletAddr)
	}
	fmt.Printf("  RPC:    %v\n", rpc)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Run 'querypay info' to see the payment terms")
	fmt.Println("  2. Run 'querypay pay' to buy credits")
	fmt.Println("  3. Run 'querypay ask \"your question\"'")

	return nil
}

func runConfigShow() error {
	fmt.Println("Configuration sources (in order of precedence):")
	fmt.Println()

	// 1. Command line flags
	fmt.Println("1. Command line flags")
	fmt.Println("   --server, --api-key, --wallet, --rpc, --config")
	fmt.Println()

	// 2. Environment variables
	fmt.Println("2. Environment variables")
	for _, name := range []string{"QUERYPAY_SERVER", "QUERYPAY_WALLET", "QUERYPAY_RPC_URLS"} {
		if v := os.Getenv(name); v != "" {
			fmt.Printf("   %s=%s\n", name, v)
		} else {
			fmt.Printf("   %s=(not set)\n", name)
		}
	}
	for _, name := range []string{"QUERYPAY_API_KEY", "QUERYPAY_PRIVATE_KEY"} {
		if v := os.Getenv(name); v != "" {
			fmt.Printf("   %s=%s\n", name, maskAPIKey(v))
		} else {
			fmt.Printf("   %s=(not set)\n", name)
		}
	}
	fmt.Println()

	// 3. Local project config
	fmt.Println("3. Local project config (querypay.toml or qp.toml)")
	projectConfig, configPath, err := loadProjectConfig()
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("   (not found)")
		} else {
			fmt.Printf("   Error: %v\n", err)
		}
	} else {
		fmt.Printf("   Loaded from: %s\n", configPath)
		if projectConfig.Server != "" {
			fmt.Printf("   server: %s\n", projectConfig.Server)
		}
		if projectConfig.Wallet != "" {
			fmt.Printf("   wallet: %s\n", projectConfig.Wallet)
		}
		if len(projectConfig.RPCURLs) > 0 {
			fmt.Printf("   rpc_urls: %v\n", projectConfig.RPCURLs)
		}
		if projectConfig.KeyFile != "" {
			fmt.Printf("   key_file: %s\n", projectConfig.KeyFile)
		}
	}
	fmt.Println()

	// 4. Global config
	fmt.Println("4. Global config (~/.querypay/config.yaml)")
	globalConfig, err := loadGlobalConfig()
	switch {
	case os.IsNotExist(err):
		fmt.Println("   (not found)")
	case err != nil:
		fmt.Printf("   Error: %v\n", err)
	default:
		if globalConfig.Server != "" {
			fmt.Printf("   server: %s\n", globalConfig.Server)
		}
		if globalConfig.Wallet != "" {
			fmt.Printf("   wallet: %s\n", globalConfig.Wallet)
		}
	}
	fmt.Println()

	// 5. Credentials
	fmt.Println("5. Credentials (~/.querypay/credentials)")
	creds, err := loadCredentials()
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("   (not found)")
		} else {
			fmt.Printf("   Error: %v\n", err)
		}
	} else {
		if len(creds.Servers) == 0 {
			fmt.Println("   (no credentials stored)")
		} else {
			for server, cred := range creds.Servers {
				fmt.Printf("   %s: %s\n", server, maskAPIKey(cred.APIKey))
			}
		}
	}
	fmt.Println()

	// Effective config
	fmt.Println("Effective configuration:")
	fmt.Printf("   Server:  %s\n", getServer())
	if w := getWallet(nil); w != "" {
		fmt.Printf("   Wallet:  %s\n", w)
	} else {
		fmt.Println("   Wallet:  (not set)")
	}
	if urls := getRPCURLs(); len(urls) > 0 {
		fmt.Printf("   RPC:     %v\n", urls)
	} else {
		fmt.Println("   RPC:     (not set)")
	}
	if key := getAPIKey(); key != "" {
		fmt.Printf("   API Key: %s\n", maskAPIKey(key))
	} else {
		fmt.Println("   API Key: (not set)")
	}

	return nil
}

// loadProjectConfig loads the project config from the first matching config file.
// Returns the config, the path it was loaded from, and an error.
func loadProjectConfig() (*ProjectConfig, string, error) {
	// If --config flag was provided, use that directly
	if cfgFile != "" {
		config, err := loadProjectConfigFromPath(cfgFile)
		if err != nil {
			return nil, cfgFile, err
		}
		return config, cfgFile, nil
	}

	// Search for config files in order
	for _, name := range projectConfigFiles {
		if _, err := os.Stat(name); err == nil {
			config, err := loadProjectConfigFromPath(name)
			if err != nil {
				return nil, name, err
			}
			return config, name, nil
		}
	}
	return nil, "", os.ErrNotExist
}

// loadProjectConfigFromPath loads a project config from a specific path
func loadProjectConfigFromPath(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config ProjectConfig
	if _, err := toml.Decode(string(data), &config); err != nil {
		return nil, fmt.Errorf("parsing TOML: %w", err)
	}

	return &config, nil
}

// loadProjectConfigSilent loads the project config without returning errors for missing files.
// Returns nil if the file doesn't exist, but returns errors for parse failures.
func loadProjectConfigSilent() *ProjectConfig {
	config, _, err := loadProjectConfig()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// Show actionable errors (parse failures)
		fmt.Fprintf(os.Stderr, "Warning: failed to load project config: %v\n", err)
		return nil
	}
	return config
}

func globalConfigPath() string {
	return filepath.Join(credentialsDir(), "config.yaml")
}

// loadGlobalConfig reads ~/.querypay/config.yaml.
func loadGlobalConfig() (*ServerConfig, error) {
	data, err := os.ReadFile(globalConfigPath())
	if err != nil {
		return nil, err
	}
	var config ServerConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", globalConfigPath(), err)
	}
	return &config, nil
}
