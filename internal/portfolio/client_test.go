package portfolio

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokencollector/collector-backend/internal/chains"
	"github.com/tokencollector/collector-backend/internal/store"
	"go.uber.org/zap"
)

const (
	walletA = "0x000000000000000000000000000000000000aaaa"
	walletB = "0x000000000000000000000000000000000000bbbb"
)

var responses = map[string]string{
	walletA: `{"result":[
		{"chain_id":1,"contract_address":"0xa0b8","name":"USD Coin","symbol":"USDC","amount":12.5,"price_to_usd":1,"value_usd":12.5},
		{"chain_id":8453,"contract_address":"0x8335","name":"USD Coin","symbol":"USDC","amount":0.0000001,"price_to_usd":1,"value_usd":0.0000001}
	]}`,
	walletB: `{"result":[
		{"chain_id":137,"contract_address":"0x3c49","name":"USD Coin","symbol":"USDC","amount":40,"price_to_usd":1,"value_usd":40},
		{"chain_id":56,"contract_address":"0x8ac7","name":"Binance USD","symbol":"BUSD","amount":3,"price_to_usd":1,"value_usd":3}
	]}`,
}

type upstream struct {
	hits  atomic.Int32
	fails map[string]bool
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.hits.Add(1)
	if r.Header.Get("Authorization") != "Bearer test-key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.URL.Path != detailsPath {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	addr := r.URL.Query().Get("addresses")
	if u.fails[addr] {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	body, ok := responses[addr]
	if !ok {
		body = `{"result":[]}`
	}
	fmt.Fprint(w, body)
}

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	reg, err := chains.NewRegistry(nil)
	require.NoError(t, err)
	return NewClient(url, "test-key", reg, zap.NewNop().Sugar(), opts...)
}

func TestFetchBalancesFiltersAndSorts(t *testing.T) {
	u := &upstream{}
	srv := httptest.NewServer(u)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	holdings, err := c.FetchBalances(context.Background(), []string{walletA, "0x000000000000000000000000000000000000BBBB"})
	require.NoError(t, err)

	require.Len(t, holdings, 3, "dust entry is dropped")
	assert.Equal(t, "40", holdings[0].AmountUSD.String())
	assert.Equal(t, walletB, holdings[0].Wallet)
	assert.Equal(t, "12.5", holdings[1].AmountUSD.String())
	assert.Equal(t, "3", holdings[2].AmountUSD.String())

	assert.Equal(t, "Ethereum", holdings[1].Chain)
	assert.Equal(t, "Chain-56", holdings[2].Chain)
	for i, h := range holdings {
		assert.Equal(t, fmt.Sprint(i), h.ID)
	}
	assert.True(t, c.Health().Healthy)
}

func TestFetchBalancesSkipsFailedWallet(t *testing.T) {
	u := &upstream{fails: map[string]bool{walletB: true}}
	srv := httptest.NewServer(u)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	holdings, err := c.FetchBalances(context.Background(), []string{walletA, walletB})
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, walletA, holdings[0].Wallet)
}

func TestFetchBalancesAllFailed(t *testing.T) {
	u := &upstream{fails: map[string]bool{walletA: true}}
	srv := httptest.NewServer(u)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.FetchBalances(context.Background(), []string{walletA})
	require.ErrorIs(t, err, ErrUnavailable)

	h := c.Health()
	assert.False(t, h.Healthy)
	assert.Contains(t, h.LastError, "502")
}

func TestFetchBalancesRejectsBadAddress(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.FetchBalances(context.Background(), []string{walletA, "not-an-address"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestFetchBalancesEmpty(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	holdings, err := c.FetchBalances(context.Background(), []string{" ", ""})
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestFetchBalancesUsesCache(t *testing.T) {
	u := &upstream{}
	srv := httptest.NewServer(u)
	defer srv.Close()

	cache := store.NewMemoryCache(zap.NewNop().Sugar(), nil)
	c := newTestClient(t, srv.URL, WithCache(cache, time.Minute))

	first, err := c.FetchBalances(context.Background(), []string{walletA})
	require.NoError(t, err)

	second, err := c.FetchBalances(context.Background(), []string{walletA, walletA})
	require.NoError(t, err)
	assert.Equal(t, int32(1), u.hits.Load())
	require.Len(t, second, len(first))
	assert.True(t, first[0].Amount.Equal(second[0].Amount))
}
