package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Role selects which bot(s) the process runs.
type Role string

const (
	// RoleAll runs the escrow bot and the relay in one process
	RoleAll Role = "all"
	// RoleEscrow runs only the escrow bot
	RoleEscrow Role = "escrow"
	// RoleRelay runs only the intermediary user account
	RoleRelay Role = "relay"
)

// Defaults
const (
	DefaultDBPath          = "./escrow_bot.db"
	DefaultSession         = "telegram_session"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultWalletTimeout   = 30 * time.Second
	DefaultPromptTimeout   = 120 * time.Second
	DefaultTransferTimeout = 60 * time.Second
	DefaultFiatCurrency    = "RUB"
)

// Config holds the application configuration
type Config struct {
	Role      Role
	LogLevel  string
	LogFormat string
	DBPath    string
	AdminIDs  []int64

	// Escrow bot
	TelegramToken string
	InnerBotID    int64 // chat id of the intermediary user account

	// Relay (user account)
	APIID       int
	APIHash     string
	Phone       string
	SessionPath string
	OuterBot    string // escrow bot username
	WalletBot   string // wallet agent username

	RequestTimeout  time.Duration
	WalletTimeout   time.Duration
	PromptTimeout   time.Duration
	TransferTimeout time.Duration

	PatternsFile string
	FiatCurrency string

	// Optional fallback rate source
	BTCPayURL     string
	BTCPayAPIKey  string
	BTCPayStoreID string

	MetricsAddr string
}

// NewConfig creates a new configuration from environment variables
func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Role:            Role(strings.ToLower(getEnv("BOT_ROLE", string(RoleAll)))),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		DBPath:          getEnv("DB_PATH", DefaultDBPath),
		AdminIDs:        getEnvIDs("ADMIN_IDS"),
		TelegramToken:   os.Getenv("BOT_TOKEN"),
		InnerBotID:      getEnvInt64("INNER_BOT", 0),
		APIID:           int(getEnvInt64("TELEGRAM_API_ID", 0)),
		APIHash:         os.Getenv("TELEGRAM_API_HASH"),
		Phone:           os.Getenv("TELEGRAM_PHONE"),
		SessionPath:     getEnv("TELETHON_SESSION", DefaultSession),
		OuterBot:        strings.TrimPrefix(os.Getenv("OUTER_BOT"), "@"),
		WalletBot:       strings.TrimPrefix(os.Getenv("WALLET_BOT"), "@"),
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
		WalletTimeout:   getEnvDuration("WALLET_TIMEOUT", DefaultWalletTimeout),
		PromptTimeout:   getEnvDuration("PROMPT_TIMEOUT", DefaultPromptTimeout),
		TransferTimeout: getEnvDuration("TRANSFER_TIMEOUT", DefaultTransferTimeout),
		PatternsFile:    os.Getenv("WALLET_PATTERNS_FILE"),
		FiatCurrency:    getEnv("FIAT_CURRENCY", DefaultFiatCurrency),
		BTCPayURL:       os.Getenv("BTCPAY_URL"),
		BTCPayAPIKey:    os.Getenv("BTCPAY_API_KEY"),
		BTCPayStoreID:   os.Getenv("BTCPAY_STORE_ID"),
		MetricsAddr:     os.Getenv("METRICS_ADDR"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the settings required by the selected role are present
func (c *Config) Validate() error {
	switch c.Role {
	case RoleAll, RoleEscrow, RoleRelay:
	default:
		return fmt.Errorf("BOT_ROLE must be one of all, escrow, relay (got %q)", c.Role)
	}

	if c.RunsEscrow() {
		if c.TelegramToken == "" {
			return fmt.Errorf("BOT_TOKEN is required")
		}
		if c.InnerBotID == 0 {
			return fmt.Errorf("INNER_BOT is required")
		}
	}

	if c.RunsRelay() {
		if c.APIID == 0 || c.APIHash == "" {
			return fmt.Errorf("TELEGRAM_API_ID and TELEGRAM_API_HASH are required")
		}
		if c.Phone == "" {
			return fmt.Errorf("TELEGRAM_PHONE is required")
		}
		if c.OuterBot == "" || c.WalletBot == "" {
			return fmt.Errorf("OUTER_BOT and WALLET_BOT are required")
		}
	}

	for name, d := range map[string]time.Duration{
		"REQUEST_TIMEOUT":  c.RequestTimeout,
		"WALLET_TIMEOUT":   c.WalletTimeout,
		"PROMPT_TIMEOUT":   c.PromptTimeout,
		"TRANSFER_TIMEOUT": c.TransferTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	return nil
}

// RunsEscrow reports whether the escrow bot should be started
func (c *Config) RunsEscrow() bool {
	return c.Role == RoleAll || c.Role == RoleEscrow
}

// RunsRelay reports whether the intermediary should be started
func (c *Config) RunsRelay() bool {
	return c.Role == RoleAll || c.Role == RoleRelay
}

// BTCPayEnabled reports whether the fallback rate source is configured
func (c *Config) BTCPayEnabled() bool {
	return c.BTCPayURL != "" && c.BTCPayAPIKey != "" && c.BTCPayStoreID != ""
}

// IsAdmin reports whether the chat id belongs to an administrator
func (c *Config) IsAdmin(id int64) bool {
	for _, admin := range c.AdminIDs {
		if admin == id {
			return true
		}
	}
	return false
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvIDs parses a comma-separated list of chat ids, skipping malformed entries
func getEnvIDs(key string) []int64 {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(value, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
