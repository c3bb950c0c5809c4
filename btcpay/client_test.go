package btcpay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stores/store1/rates", r.URL.Path)
		assert.Equal(t, "BTC_RUB", r.URL.Query().Get("currencyPair"))
		assert.Equal(t, "token secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"currencyPair":"BTC_RUB","errors":[],"rate":"500000.50"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", "store1", "rub")
	rate, err := c.Rate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "500000.5", rate.String())
}

func TestRate_PairErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"currencyPair":"BTC_RUB","errors":["rate source unavailable"],"rate":null}]`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k", "s", "RUB").Rate(context.Background())
	assert.ErrorIs(t, err, ErrNoRate)
	assert.ErrorContains(t, err, "rate source unavailable")
}

func TestRate_MissingPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k", "s", "RUB").Rate(context.Background())
	assert.ErrorIs(t, err, ErrNoRate)
}

func TestRate_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k", "s", "RUB").Rate(context.Background())
	assert.ErrorContains(t, err, "401")
}
