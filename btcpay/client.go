package btcpay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrNoRate is returned when the store has no usable rate for the pair
var ErrNoRate = errors.New("btcpay: no rate for currency pair")

// Client wraps the BTCPay Server Greenfield API
type Client struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	storeID  string
	currency string
}

// NewClient initializes a BTCPay Server client quoting BTC in currency
func NewClient(baseURL, apiKey, storeID, currency string) *Client {
	return &Client{
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		storeID:  storeID,
		currency: strings.ToUpper(currency),
	}
}

type storeRate struct {
	CurrencyPair string          `json:"currencyPair"`
	Errors       []string        `json:"errors"`
	Rate         decimal.Decimal `json:"rate"`
}

// Rate returns the store's current price of one BTC
func (bc *Client) Rate(ctx context.Context) (decimal.Decimal, error) {
	pair := "BTC_" + bc.currency
	endpoint := fmt.Sprintf("%s/api/v1/stores/%s/rates?currencyPair=%s",
		bc.baseURL, url.PathEscape(bc.storeID), url.QueryEscape(pair))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "create rate request")
	}
	req.Header.Set("Authorization", fmt.Sprintf("token %s", bc.apiKey))
	req.Header.Set("Accept", "application/json")

	resp, err := bc.client.Do(req)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "send rate request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, errors.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var rates []storeRate
	if err := json.NewDecoder(resp.Body).Decode(&rates); err != nil {
		return decimal.Zero, errors.Wrap(err, "decode rate response")
	}

	for _, r := range rates {
		if r.CurrencyPair != pair {
			continue
		}
		if len(r.Errors) > 0 {
			return decimal.Zero, errors.Wrapf(ErrNoRate, "%s: %s", pair, strings.Join(r.Errors, "; "))
		}
		if !r.Rate.IsPositive() {
			break
		}
		return r.Rate, nil
	}
	return decimal.Zero, errors.Wrap(ErrNoRate, pair)
}
