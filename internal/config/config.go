package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/pendergraft/querypay/internal/validation"
)

// Config holds all configuration for the server
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	RateLimit RateLimitConfig
	Security  SecurityConfig
	Proxy     ProxyConfig
	Metrics   MetricsConfig
	Chain     ChainConfig
	Verifier  VerifierConfig
	Credits   CreditsConfig
	Signer    SignerConfig
	AI        AIConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ReadTimeout    int // seconds
	WriteTimeout   int // seconds
	IdleTimeout    int // seconds
	RequestTimeout int // seconds
	// MinClientVersion rejects clients that send an older X-Client-Version.
	// Empty disables the check.
	MinClientVersion string
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type     string // "sqlite" or "postgres"
	Postgres PostgresConfig
	SQLite   SQLiteConfig
}

// PostgresConfig holds Postgres connection settings
type PostgresConfig struct {
	URL string
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	Type string // "none" or "api-key"
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string
	Format string // "text" or "json"
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	Enabled        bool
	RequestsPerMin int
	BurstSize      int
	CleanupMinutes int
}

// SecurityConfig holds security filter settings
type SecurityConfig struct {
	FilterEnabled bool
	MaxBodySizeMB int
}

// ProxyConfig holds trusted proxy settings for X-Forwarded-For handling
type ProxyConfig struct {
	TrustProxy     bool
	TrustedProxies []string // CIDR notation
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// ChainConfig describes the network and payment contract the service settles against
type ChainConfig struct {
	Network         string
	ChainID         int64
	RPCURL          string
	FallbackRPCURLs []string
	ContractAddress string
	DefaultReceiver string
	// DefaultPaymentWei is used whenever the contract cannot be read.
	DefaultPaymentWei string
	ProbeTimeout      time.Duration
	CallTimeout       time.Duration
	// EventPollInterval is used by the listener when the endpoint cannot push logs.
	EventPollInterval time.Duration
	// WatchPayments credits PaymentReceived events as they arrive.
	WatchPayments bool
	// ArtifactPath is an optional Foundry artifact compared against the deployed code.
	ArtifactPath string
}

// Endpoints returns the primary RPC URL followed by the fallbacks, without duplicates.
func (c ChainConfig) Endpoints() []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(c.FallbackRPCURLs)+1)
	for _, u := range append([]string{c.RPCURL}, c.FallbackRPCURLs...) {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// VerifierConfig holds every wait bound of the payment verification loop
type VerifierConfig struct {
	MaxRetries       int
	NotFoundRetries  int
	NotFoundDelay    time.Duration
	LocateRetries    int
	LocateRetryDelay time.Duration
	ReceiptTimeout   time.Duration
	PollInterval     time.Duration
	// PendingRetries is the attempt after which a located but unmined
	// transaction is reported as pending.
	PendingRetries int

	PendingBackoff Backoff
	NetworkBackoff Backoff
	ReceiptBackoff Backoff
	ErrorBackoff   Backoff
	RefetchDelay   time.Duration

	// StrictMode rejects payments that were never observed with a successful receipt.
	StrictMode bool
	// Timeout bounds a whole verification request at the HTTP boundary.
	Timeout time.Duration
}

// DefaultVerifierConfig returns the verification bounds used when no
// environment overrides are present.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		MaxRetries:       4,
		NotFoundRetries:  5,
		NotFoundDelay:    8 * time.Second,
		LocateRetries:    3,
		LocateRetryDelay: 5 * time.Second,
		ReceiptTimeout:   5 * time.Minute,
		PollInterval:     2 * time.Second,
		PendingRetries:   3,
		PendingBackoff:   Backoff{Base: 10 * time.Second, Factor: 1.5, Max: 30 * time.Second},
		NetworkBackoff:   Backoff{Base: 15 * time.Second, Factor: 1.5, Max: 45 * time.Second},
		ReceiptBackoff:   Backoff{Base: 8 * time.Second, Factor: 1.5, Max: 30 * time.Second},
		ErrorBackoff:     Backoff{Base: 10 * time.Second, Factor: 1.5, Max: 30 * time.Second},
		RefetchDelay:     12 * time.Second,
		Timeout:          10 * time.Minute,
	}
}

// Backoff is an exponential delay: Base * Factor^attempt, capped at Max.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Delay returns the wait before retry number attempt (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
		if time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	if time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// CreditsConfig holds the ETH to USD conversion and query pricing
type CreditsConfig struct {
	ETHUSDRate    decimal.Decimal
	QueryPriceUSD decimal.Decimal
}

// SignerConfig holds the optional operator key used for server-side payments
type SignerConfig struct {
	PrivateKey string
}

// AIConfig holds the answer generation backend settings
type AIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// DotenvFiles are loaded before reading the environment when they exist.
// Later files override earlier ones.
var DotenvFiles = []string{".env", ".env.dev"}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	if err := loadDotenv(DotenvFiles...); err != nil {
		return nil, err
	}

	rate, err := getEnvDecimal("ETH_USD_RATE", "3000")
	if err != nil {
		return nil, err
	}
	price, err := getEnvDecimal("QUERY_PRICE_USD", "0.10")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("PORT", 8080),
			Host:           getEnv("HOST", "0.0.0.0"),
			ReadTimeout:    getEnvInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout:   getEnvInt("SERVER_WRITE_TIMEOUT", 660),
			IdleTimeout:    getEnvInt("SERVER_IDLE_TIMEOUT", 120),
			RequestTimeout: getEnvInt("SERVER_REQUEST_TIMEOUT", 30),

			MinClientVersion: getEnv("MIN_CLIENT_VERSION", ""),
		},
		Storage: StorageConfig{
			Type: getEnv("STORAGE_TYPE", "sqlite"),
			Postgres: PostgresConfig{
				URL: getEnv("DATABASE_URL", ""),
			},
			SQLite: SQLiteConfig{
				Path: getEnv("SQLITE_PATH", "./data/querypay.db"),
			},
		},
		Auth: AuthConfig{
			Type: getEnv("AUTH_TYPE", "none"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMin: getEnvInt("RATE_LIMIT_RPM", 300),
			BurstSize:      getEnvInt("RATE_LIMIT_BURST", 50),
			CleanupMinutes: getEnvInt("RATE_LIMIT_CLEANUP_MINUTES", 10),
		},
		Security: SecurityConfig{
			FilterEnabled: getEnvBool("SECURITY_FILTER_ENABLED", true),
			MaxBodySizeMB: getEnvInt("SECURITY_MAX_BODY_SIZE_MB", 1),
		},
		Proxy: ProxyConfig{
			TrustProxy:     getEnvBool("TRUST_PROXY", false),
			TrustedProxies: getEnvStringSlice("TRUSTED_PROXIES", []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Chain: ChainConfig{
			Network: getEnv("CHAIN_NETWORK", "base-sepolia"),
			ChainID: int64(getEnvInt("CHAIN_ID", 84532)),
			RPCURL:  getEnv("RPC_URL", "https://base-sepolia-rpc.publicnode.com"),
			FallbackRPCURLs: getEnvStringSlice("RPC_FALLBACK_URLS", []string{
				"https://sepolia.base.org",
				"https://base-sepolia.blockpi.network/v1/rpc/public",
				"https://base-sepolia.gateway.tenderly.co",
			}),
			ContractAddress:   getEnv("PAYMENT_CONTRACT_ADDRESS", "0x225d97fe3049E2B834bfC69edA125Df52a7F0255"),
			DefaultReceiver:   getEnv("PAYMENT_RECEIVER", "0x3984632D6767FE866d602e5926015DDcFE4e11FB"),
			DefaultPaymentWei: getEnv("PAYMENT_AMOUNT_WEI", "100000000000000"),
			ProbeTimeout:      getEnvDuration("RPC_PROBE_TIMEOUT", 12*time.Second),
			CallTimeout:       getEnvDuration("RPC_CALL_TIMEOUT", 15*time.Second),
			EventPollInterval: getEnvDuration("EVENT_POLL_INTERVAL", 5*time.Second),
			WatchPayments:     getEnvBool("WATCH_PAYMENTS", false),
			ArtifactPath:      getEnv("PAYMENT_CONTRACT_ARTIFACT", ""),
		},
		Verifier: loadVerifier(),
		Credits: CreditsConfig{
			ETHUSDRate:    rate,
			QueryPriceUSD: price,
		},
		Signer: SignerConfig{
			PrivateKey: getEnv("SIGNER_PRIVATE_KEY", ""),
		},
		AI: AIConfig{
			BaseURL:    getEnv("OPENAI_BASE_URL", ""),
			APIKey:     getEnv("OPENAI_API_KEY", ""),
			Model:      getEnv("AI_MODEL", "gpt-4o-mini"),
			Timeout:    getEnvDuration("AI_TIMEOUT", 60*time.Second),
			MaxRetries: getEnvInt("AI_MAX_RETRIES", 2),
		},
	}

	// If DATABASE_URL is set, default to postgres
	if cfg.Storage.Postgres.URL != "" && cfg.Storage.Type == "sqlite" {
		cfg.Storage.Type = "postgres"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a request.
func (c *Config) Validate() error {
	var errs []error
	if !c.Credits.ETHUSDRate.IsPositive() {
		errs = append(errs, errors.New("ETH_USD_RATE must be positive"))
	}
	if !c.Credits.QueryPriceUSD.IsPositive() {
		errs = append(errs, errors.New("QUERY_PRICE_USD must be positive"))
	}
	if len(c.Chain.Endpoints()) == 0 {
		errs = append(errs, errors.New("at least one RPC endpoint is required"))
	}
	if err := validation.ValidateChainID(c.Chain.ChainID); err != nil {
		errs = append(errs, fmt.Errorf("CHAIN_ID: %w", err))
	}
	if err := validation.ValidateAddress(c.Chain.ContractAddress); err != nil {
		errs = append(errs, fmt.Errorf("PAYMENT_CONTRACT_ADDRESS %q: %w", c.Chain.ContractAddress, err))
	}
	if err := validation.ValidateAddress(c.Chain.DefaultReceiver); err != nil {
		errs = append(errs, fmt.Errorf("PAYMENT_RECEIVER %q: %w", c.Chain.DefaultReceiver, err))
	}
	if d, err := decimal.NewFromString(c.Chain.DefaultPaymentWei); err != nil || !d.IsPositive() || !d.IsInteger() {
		errs = append(errs, fmt.Errorf("PAYMENT_AMOUNT_WEI must be a positive integer, got %q", c.Chain.DefaultPaymentWei))
	}
	if c.Verifier.MaxRetries < 0 || c.Verifier.NotFoundRetries < 0 {
		errs = append(errs, errors.New("verifier retry counts must not be negative"))
	}
	if c.Server.MinClientVersion != "" {
		if err := validation.ValidateVersion(c.Server.MinClientVersion); err != nil {
			errs = append(errs, fmt.Errorf("MIN_CLIENT_VERSION: %w", err))
		}
	}
	if c.Verifier.PollInterval <= 0 || c.Verifier.ReceiptTimeout <= 0 {
		errs = append(errs, errors.New("verifier poll interval and receipt timeout must be positive"))
	}
	return errors.Join(errs...)
}

func loadVerifier() VerifierConfig {
	v := DefaultVerifierConfig()
	v.MaxRetries = getEnvInt("VERIFY_MAX_RETRIES", v.MaxRetries)
	v.NotFoundRetries = getEnvInt("VERIFY_NOT_FOUND_RETRIES", v.NotFoundRetries)
	v.NotFoundDelay = getEnvDuration("VERIFY_NOT_FOUND_DELAY", v.NotFoundDelay)
	v.LocateRetries = getEnvInt("VERIFY_LOCATE_RETRIES", v.LocateRetries)
	v.LocateRetryDelay = getEnvDuration("VERIFY_LOCATE_RETRY_DELAY", v.LocateRetryDelay)
	v.ReceiptTimeout = getEnvDuration("VERIFY_RECEIPT_TIMEOUT", v.ReceiptTimeout)
	v.PollInterval = getEnvDuration("VERIFY_POLL_INTERVAL", v.PollInterval)
	v.PendingRetries = getEnvInt("VERIFY_PENDING_RETRIES", v.PendingRetries)
	v.PendingBackoff.Max = getEnvDuration("VERIFY_PENDING_BACKOFF_MAX", v.PendingBackoff.Max)
	v.NetworkBackoff.Max = getEnvDuration("VERIFY_NETWORK_BACKOFF_MAX", v.NetworkBackoff.Max)
	v.RefetchDelay = getEnvDuration("VERIFY_REFETCH_DELAY", v.RefetchDelay)
	v.StrictMode = getEnvBool("VERIFY_STRICT_MODE", v.StrictMode)
	v.Timeout = getEnvDuration("VERIFY_TIMEOUT", v.Timeout)
	return v
}

func loadDotenv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Overload(f); err != nil {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) (decimal.Decimal, error) {
	raw := getEnv(key, defaultValue)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
