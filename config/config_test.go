package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRelayEnv(t *testing.T) {
	t.Setenv("TELEGRAM_API_ID", "12345")
	t.Setenv("TELEGRAM_API_HASH", "hash")
	t.Setenv("TELEGRAM_PHONE", "+10000000000")
	t.Setenv("OUTER_BOT", "@escrow_bot")
	t.Setenv("WALLET_BOT", "wallet_bot")
}

func TestNewConfig_EscrowRole(t *testing.T) {
	t.Setenv("BOT_ROLE", "escrow")
	t.Setenv("BOT_TOKEN", "token")
	t.Setenv("INNER_BOT", "777")
	t.Setenv("ADMIN_IDS", "1, 2,bad,3")
	t.Setenv("WALLET_TIMEOUT", "5s")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, RoleEscrow, cfg.Role)
	assert.Equal(t, int64(777), cfg.InnerBotID)
	assert.Equal(t, []int64{1, 2, 3}, cfg.AdminIDs)
	assert.Equal(t, 5*time.Second, cfg.WalletTimeout)
	assert.Equal(t, DefaultPromptTimeout, cfg.PromptTimeout)
	assert.True(t, cfg.RunsEscrow())
	assert.False(t, cfg.RunsRelay())
	assert.True(t, cfg.IsAdmin(2))
	assert.False(t, cfg.IsAdmin(4))
}

func TestNewConfig_RelayRoleStripsAt(t *testing.T) {
	t.Setenv("BOT_ROLE", "relay")
	setRelayEnv(t)

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, "escrow_bot", cfg.OuterBot)
	assert.Equal(t, "wallet_bot", cfg.WalletBot)
	assert.Equal(t, 12345, cfg.APIID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"unknown role", func(c *Config) { c.Role = "both" }, "BOT_ROLE"},
		{"missing token", func(c *Config) { c.TelegramToken = "" }, "BOT_TOKEN"},
		{"missing inner bot", func(c *Config) { c.InnerBotID = 0 }, "INNER_BOT"},
		{"missing api hash", func(c *Config) { c.APIHash = "" }, "TELEGRAM_API_ID"},
		{"missing wallet bot", func(c *Config) { c.WalletBot = "" }, "WALLET_BOT"},
		{"zero timeout", func(c *Config) { c.PromptTimeout = 0 }, "PROMPT_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{
				Role:            RoleAll,
				TelegramToken:   "token",
				InnerBotID:      1,
				APIID:           1,
				APIHash:         "hash",
				Phone:           "+1",
				OuterBot:        "escrow",
				WalletBot:       "wallet",
				RequestTimeout:  time.Second,
				WalletTimeout:   time.Second,
				PromptTimeout:   time.Second,
				TransferTimeout: time.Second,
			}
			require.NoError(t, c.Validate())
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBTCPayEnabled(t *testing.T) {
	c := &Config{BTCPayURL: "https://pay.example", BTCPayAPIKey: "k"}
	assert.False(t, c.BTCPayEnabled())
	c.BTCPayStoreID = "store"
	assert.True(t, c.BTCPayEnabled())
}
