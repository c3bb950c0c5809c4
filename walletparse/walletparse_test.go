package walletparse

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTableCompiles(t *testing.T) {
	p := Default()
	assert.Positive(t, p.Version())
}

func TestRate(t *testing.T) {
	p := Default()
	tests := []struct {
		name string
		text string
		want string
	}{
		{"plain", "1 BTC = 500000 RUB", "500000"},
		{"spaced thousands", "Курс BTC/RUB: 6 543 210,55 ₽\nобновлено", "6543210.55"},
		{"nbsp thousands", "1 BTC ≈ 6 500 000 RUB", "6500000"},
		{"comma thousands", "Price: 65,432.10 USD", "65432.1"},
		{"single comma thousands", "rate 65,432", "65432"},
		{"decimal comma", "rate: 500000,5", "500000.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Rate(tt.text)
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestRate_NoMatch(t *testing.T) {
	_, err := Default().Rate("service temporarily unavailable")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestRateSummary(t *testing.T) {
	p := Default()
	text := "BTC\n1 BTC = 500000 RUB\nbid 499000\nask 501000\nupdated 12:00"
	assert.Equal(t, "BTC\n1 BTC = 500000 RUB\nbid 499000", p.RateSummary(text))
}

func TestAddress(t *testing.T) {
	p := Default()
	assert.Equal(t, "bc1qxy2kgdygjrsqtzq2n0yrf2493p83kkfjhx0wlh",
		p.Address("Your deposit address: bc1qxy2kgdygjrsqtzq2n0yrf2493p83kkfjhx0wlh"))
	assert.Equal(t, "bc1qraw", p.Address("  bc1qraw \n"))
}

func TestTxIDAndConfirmations(t *testing.T) {
	p := Default()
	txid, ok := p.TxID("sent. txid: 4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b")
	require.True(t, ok)
	assert.Equal(t, "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b", txid)

	n, ok := p.Confirmations("confirmations: 3")
	require.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = p.Confirmations("pending")
	assert.False(t, ok)
}

func TestSucceeded(t *testing.T) {
	p := Default()
	assert.True(t, p.Succeeded("solved"))
	assert.True(t, p.Succeeded("Перевод успешно отправлен"))
	assert.False(t, p.Succeeded("broken"))
}

func TestConfirmButton(t *testing.T) {
	p := Default()
	i, ok := p.ConfirmButton([]string{"❌Отмена", "✅Подтверждаю"})
	require.True(t, ok)
	assert.Equal(t, 1, i)

	_, ok = p.ConfirmButton([]string{"1H", "1D"})
	assert.False(t, ok)
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse([]byte("version: 0\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("version: 1\nrate:\n  - 'no group'\n"))
	assert.ErrorContains(t, err, "capture group")

	_, err = Parse([]byte("version: 1\nrate:\n  - '(['\n"))
	assert.Error(t, err)
}

func TestLoad_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 9\nrate:\n  - 'BTC=(\\d+)'\n"), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, p.Version())

	rate, err := p.Rate("BTC=42")
	require.NoError(t, err)
	assert.Equal(t, "42", rate.String())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
