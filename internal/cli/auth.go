package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/pendergraft/querypay/internal/validation"
	"github.com/pendergraft/querypay/pkg/client"
)

// Credentials holds one profile per server URL
type Credentials struct {
	Servers map[string]ServerCredential `yaml:"servers"`
}

// ServerCredential is what the CLI remembers about one server: the admin
// API key and, optionally, the wallet used by default against it.
type ServerCredential struct {
	APIKey string `yaml:"api_key"`
	Name   string `yaml:"name,omitempty"`
	Wallet string `yaml:"wallet,omitempty"`
}

func createAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage API keys for querypay servers",
	}

	cmd.AddCommand(createAuthLoginCmd())
	cmd.AddCommand(createAuthLogoutCmd())
	cmd.AddCommand(createAuthStatusCmd())

	return cmd
}

func createAuthLoginCmd() *cobra.Command {
	var serverFlag string
	var cred ServerCredential

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save an API key for a server",
		Long: `Check an API key against a querypay server and save it.

An API key is only needed for admin operations: server-signed payments
and setting credit balances. Paying, verifying and asking work without one.

The key is stored in ~/.querypay/credentials (mode 0600). A wallet saved
with --wallet becomes the default wallet for that server.

EXAMPLES:
  # Prompt for the key
  querypay auth login

  # Non-interactive, with a default wallet
  querypay auth login --api-key $QUERYPAY_API_KEY --wallet 0x2c75...5c23
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogin(serverFlag, cred)
		},
	}

	cmd.Flags().StringVar(&serverFlag, "server", "", "server URL (default from config)")
	cmd.Flags().StringVar(&cred.APIKey, "api-key", "", "API key (prompts if not provided)")
	cmd.Flags().StringVar(&cred.Name, "name", "", "label shown by 'auth status'")
	cmd.Flags().StringVar(&cred.Wallet, "wallet", "", "default wallet for this server")

	return cmd
}

func createAuthLogoutCmd() *cobra.Command {
	var serverFlag string
	var allFlag bool

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget saved credentials",
		Long: `Remove the saved profile for a server, or every profile with --all.

EXAMPLES:
  querypay auth logout
  querypay auth logout --server https://querypay.example.com
  querypay auth logout --all
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogout(serverFlag, allFlag)
		},
	}

	cmd.Flags().StringVar(&serverFlag, "server", "", "server URL (default from config)")
	cmd.Flags().BoolVar(&allFlag, "all", false, "clear all credentials")

	return cmd
}

func createAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List saved server profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthStatus()
		},
	}
}

func runAuthLogin(serverURL string, cred ServerCredential) error {
	if serverURL == "" {
		serverURL = getServer()
	}
	if cred.Wallet != "" {
		if err := validation.ValidateAddress(cred.Wallet); err != nil {
			return fmt.Errorf("wallet: %w", err)
		}
	}

	if cred.APIKey == "" {
		key, err := readSecret(fmt.Sprintf("Enter API key for %s: ", serverURL), os.Stdout)
		if err != nil {
			return fmt.Errorf("failed to read API key: %w", err)
		}
		cred.APIKey = key
	}
	if cred.APIKey == "" {
		return errors.New("API key cannot be empty")
	}

	fmt.Printf("Validating credentials with %s...\n", serverURL)
	valid, err := validateAPIKey(serverURL, cred.APIKey)
	if err != nil {
		return fmt.Errorf("failed to validate credentials: %w", err)
	}
	if !valid {
		return errors.New("invalid API key")
	}

	if err := saveCredential(serverURL, cred); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	fmt.Printf("✅ Authenticated to %s (key: %s)\n", serverURL, maskAPIKey(cred.APIKey))
	if cred.Wallet != "" {
		fmt.Printf("   Default wallet: %s\n", cred.Wallet)
	}
	fmt.Printf("   Credentials saved to %s\n", credentialsFilePath())
	return nil
}

// readSecret reads one line without echo from a terminal, or plainly from
// piped stdin.
func readSecret(prompt string, out io.Writer) (string, error) {
	fmt.Fprint(out, prompt)

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		b, err := term.ReadPassword(stdinFd)
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func runAuthLogout(serverURL string, all bool) error {
	if all {
		if err := os.Remove(credentialsFilePath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove credentials: %w", err)
		}
		fmt.Println("✅ All credentials cleared")
		return nil
	}

	if serverURL == "" {
		serverURL = getServer()
	}

	creds, err := loadCredentials()
	if os.IsNotExist(err) {
		fmt.Printf("No credentials found for %s\n", serverURL)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	if _, ok := creds.Servers[serverURL]; !ok {
		fmt.Printf("No credentials found for %s\n", serverURL)
		return nil
	}

	delete(creds.Servers, serverURL)
	if err := writeCredentials(creds); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	fmt.Printf("✅ Logged out from %s\n", serverURL)
	return nil
}

func runAuthStatus() error {
	creds, err := loadCredentials()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	if err != nil || len(creds.Servers) == 0 {
		fmt.Println("Not authenticated to any servers")
		fmt.Println("\nRun 'querypay auth login' to authenticate")
		return nil
	}

	fmt.Println("Authenticated servers:")
	for _, server := range slices.Sorted(maps.Keys(creds.Servers)) {
		cred := creds.Servers[server]
		label := "key: " + maskAPIKey(cred.APIKey)
		if cred.Name != "" {
			label = cred.Name + ", " + label
		}
		if cred.Wallet != "" {
			label += ", wallet: " + truncateAddress(cred.Wallet)
		}
		fmt.Printf("  • %s (%s)\n", server, label)
	}
	if os.Getenv("QUERYPAY_API_KEY") != "" {
		fmt.Println("\nQUERYPAY_API_KEY is set and takes precedence over saved keys")
	}
	return nil
}

// Credential file helpers

func credentialsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".querypay"
	}
	return filepath.Join(home, ".querypay")
}

func credentialsFilePath() string {
	return filepath.Join(credentialsDir(), "credentials")
}

func loadCredentials() (*Credentials, error) {
	data, err := os.ReadFile(credentialsFilePath())
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", credentialsFilePath(), err)
	}
	if creds.Servers == nil {
		creds.Servers = make(map[string]ServerCredential)
	}
	return &creds, nil
}

func writeCredentials(creds *Credentials) error {
	if err := os.MkdirAll(credentialsDir(), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(creds)
	if err != nil {
		return err
	}
	return os.WriteFile(credentialsFilePath(), data, 0600)
}

func saveCredential(serverURL string, cred ServerCredential) error {
	creds, err := loadCredentials()
	if os.IsNotExist(err) {
		creds, err = &Credentials{Servers: make(map[string]ServerCredential)}, nil
	}
	if err != nil {
		return err
	}
	creds.Servers[serverURL] = cred
	return writeCredentials(creds)
}

// lookupCredential returns the saved profile for serverURL.
func lookupCredential(serverURL string) (ServerCredential, bool) {
	creds, err := loadCredentials()
	if err != nil {
		return ServerCredential{}, false
	}
	cred, ok := creds.Servers[serverURL]
	return cred, ok
}

// validateAPIKey sends a server-signed payment request with a sender the
// handler rejects, so checking a key never spends funds: 401 UNAUTHORIZED
// means the key is bad, any other answer means it got past auth.
func validateAPIKey(serverURL, apiKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := client.New(serverURL, apiKey).Pay(ctx, "not-an-address")
	var apiErr *client.APIError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &apiErr):
		return !(apiErr.Status == http.StatusUnauthorized && apiErr.Code == "UNAUTHORIZED"), nil
	default:
		return false, err
	}
}

func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
