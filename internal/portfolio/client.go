// Package portfolio reads ERC-20 holdings for a set of wallets from the 1inch
// portfolio API so a user can pick which balances to collect.
package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/tokencollector/collector-backend/internal/chains"
	"github.com/tokencollector/collector-backend/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBaseURL = "https://api.1inch.dev"
	detailsPath    = "/portfolio/portfolio/v4/overview/erc20/details"
)

var (
	ErrInvalidAddress = errors.New("invalid wallet address")
	ErrUnavailable    = errors.New("portfolio service unavailable")
)

// DustThreshold hides balances too small to be worth collecting.
var DustThreshold = decimal.New(1, -6)

// Token is one entry of the upstream response.
type Token struct {
	ChainID         uint64          `json:"chain_id"`
	ContractAddress string          `json:"contract_address"`
	Name            string          `json:"name"`
	Symbol          string          `json:"symbol"`
	Amount          decimal.Decimal `json:"amount"`
	PriceToUSD      decimal.Decimal `json:"price_to_usd"`
	ValueUSD        decimal.Decimal `json:"value_usd"`
}

type detailsResponse struct {
	Result []Token `json:"result"`
}

// Holding is one token balance of one wallet.
type Holding struct {
	ID           string          `json:"id"`
	Wallet       string          `json:"wallet"`
	Token        string          `json:"token"`
	TokenName    string          `json:"tokenName"`
	TokenAddress string          `json:"tokenAddress"`
	ChainID      uint64          `json:"chainId"`
	Chain        string          `json:"chain"`
	Amount       decimal.Decimal `json:"amount"`
	AmountUSD    decimal.Decimal `json:"amountInUsd"`
}

type Health struct {
	Healthy     bool      `json:"healthy"`
	LastSuccess time.Time `json:"lastSuccess"`
	LastError   string    `json:"lastError,omitempty"`
}

type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	registry *chains.Registry
	cache    *store.Cache
	cacheTTL time.Duration
	logger   *zap.SugaredLogger

	group singleflight.Group

	mu     sync.RWMutex
	health Health
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithCache(c *store.Cache, ttl time.Duration) Option {
	return func(cl *Client) {
		cl.cache = c
		cl.cacheTTL = ttl
	}
}

func NewClient(baseURL, apiKey string, registry *chains.Registry, logger *zap.SugaredLogger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 10 * time.Second},
		registry: registry,
		logger:   logger,
		health:   Health{Healthy: true, LastSuccess: time.Now()},
	}
	for _, opt := range opts {
		opt(c)
	}
	if apiKey == "" {
		logger.Warnw("No portfolio API key configured; balance requests will likely be rejected")
	}
	return c
}

func (c *Client) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

func (c *Client) updateHealth(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health.Healthy = err == nil
	if err == nil {
		c.health.LastSuccess = time.Now()
		c.health.LastError = ""
	} else {
		c.health.LastError = err.Error()
	}
}

// FetchBalances returns the non-dust holdings of every address, largest USD
// value first. A wallet whose request fails is skipped; the call only fails
// when no wallet could be read.
func (c *Client) FetchBalances(ctx context.Context, addresses []string) ([]Holding, error) {
	wallets, err := normalize(addresses)
	if err != nil {
		return nil, err
	}
	if len(wallets) == 0 {
		return []Holding{}, nil
	}

	key := store.BalancesKey(strings.Join(wallets, ","))
	if c.cache != nil {
		var cached []Holding
		if err := c.cache.Get(ctx, key, &cached); err == nil {
			return cached, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.fetchAll(ctx, wallets)
	})
	if err != nil {
		return nil, err
	}
	holdings := v.([]Holding)

	if c.cache != nil && c.cacheTTL > 0 {
		if err := c.cache.Set(ctx, key, holdings, c.cacheTTL); err != nil {
			c.logger.Warnw("Failed to cache balances", "error", err)
		}
	}
	return holdings, nil
}

func (c *Client) fetchAll(ctx context.Context, wallets []string) ([]Holding, error) {
	perWallet := make([][]Token, len(wallets))
	failures := make([]error, len(wallets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, w := range wallets {
		i, w := i, w
		g.Go(func() error {
			tokens, err := c.fetchWallet(gctx, w)
			if err != nil {
				c.logger.Warnw("Failed to fetch wallet balances", "wallet", w, "error", err)
				failures[i] = err
				return nil
			}
			perWallet[i] = tokens
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range failures {
		if err != nil {
			failed++
		}
	}
	if failed == len(wallets) {
		err := fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(failures...))
		c.updateHealth(err)
		return nil, err
	}
	c.updateHealth(nil)

	var holdings []Holding
	for i, tokens := range perWallet {
		for _, t := range tokens {
			if t.Amount.LessThan(DustThreshold) {
				continue
			}
			holdings = append(holdings, Holding{
				Wallet:       wallets[i],
				Token:        t.Symbol,
				TokenName:    t.Name,
				TokenAddress: t.ContractAddress,
				ChainID:      t.ChainID,
				Chain:        c.registry.NameFor(t.ChainID),
				Amount:       t.Amount,
				AmountUSD:    t.ValueUSD,
			})
		}
	}
	sort.SliceStable(holdings, func(i, j int) bool {
		return holdings[i].AmountUSD.GreaterThan(holdings[j].AmountUSD)
	})
	for i := range holdings {
		holdings[i].ID = strconv.Itoa(i)
	}
	if holdings == nil {
		holdings = []Holding{}
	}

	c.logger.Infow("Fetched balances", "wallets", len(wallets), "failed", failed, "holdings", len(holdings))
	return holdings, nil
}

func (c *Client) fetchWallet(ctx context.Context, wallet string) ([]Token, error) {
	params := url.Values{}
	params.Set("addresses", wallet)
	requestURL := fmt.Sprintf("%s%s?%s", c.baseURL, detailsPath, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch portfolio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portfolio API error: %d", resp.StatusCode)
	}

	var body detailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return body.Result, nil
}

// normalize validates, lowercases, dedupes and sorts addresses so equivalent
// queries share one cache entry.
func normalize(addresses []string) ([]string, error) {
	seen := make(map[string]bool, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, a)
		}
		a = strings.ToLower(common.HexToAddress(a).Hex())
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out, nil
}
