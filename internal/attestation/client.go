package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const StatusComplete = "complete"

// MessagesResponse is the body of GET /v2/messages/{domain}.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

type Message struct {
	Message     string `json:"message"`
	Attestation string `json:"attestation"`
	Status      string `json:"status"`
	EventNonce  string `json:"eventNonce,omitempty"`
}

var (
	errNotIndexed   = errors.New("message not indexed yet")
	errServiceState = errors.New("attestation service unavailable")
)

// Client talks to the attestation service. Requests share one rate limiter so
// concurrent pollers stay under the service quota.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(rps float64) ClientOption {
	return func(cl *Client) {
		if rps <= 0 {
			cl.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		cl.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchMessages returns errNotIndexed for 404 and errServiceState for any
// other non-2xx. Transport and decode failures are returned as is.
func (c *Client) FetchMessages(ctx context.Context, domain uint32, txHash string) (*MessagesResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	endpoint := fmt.Sprintf("%s/v2/messages/%d?transactionHash=%s", c.baseURL, domain, url.QueryEscape(txHash))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch attestation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotIndexed
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: status %d", errServiceState, resp.StatusCode)
	}

	var out MessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode attestation response: %w", err)
	}
	return &out, nil
}
