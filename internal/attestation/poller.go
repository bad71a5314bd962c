// Package attestation resolves burn transactions into signed CCTP messages by
// polling the attestation service until it reports them complete.
package attestation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tokencollector/collector-backend/internal/chains"
	"github.com/tokencollector/collector-backend/internal/metrics"
	"github.com/tokencollector/collector-backend/internal/store"
	"go.uber.org/zap"
)

var ErrAttestation = errors.New("attestation failed")

const DefaultPollInterval = 5 * time.Second

// Attestation is the signed message that authorizes a mint on the destination.
type Attestation struct {
	SourceChainID   uint64        `json:"sourceChainId"`
	TransactionHash string        `json:"transactionHash"`
	Message         hexutil.Bytes `json:"message"`
	Attestation     hexutil.Bytes `json:"attestation"`
}

type Poller struct {
	client   *Client
	registry *chains.Registry
	cache    *store.Cache
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics

	interval time.Duration
	maxWait  time.Duration
	cacheTTL time.Duration
}

type PollerOption func(*Poller)

func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxWait bounds a single PollAttestation call. Zero leaves it bounded
// only by the caller's context.
func WithMaxWait(d time.Duration) PollerOption {
	return func(p *Poller) { p.maxWait = d }
}

// WithCache stores completed attestations so a resumed transfer does not
// poll again.
func WithCache(c *store.Cache, ttl time.Duration) PollerOption {
	return func(p *Poller) {
		p.cache = c
		p.cacheTTL = ttl
	}
}

func WithMetrics(m *metrics.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

func NewPoller(client *Client, registry *chains.Registry, logger *zap.SugaredLogger, opts ...PollerOption) *Poller {
	p := &Poller{
		client:   client,
		registry: registry,
		logger:   logger,
		interval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PollAttestation blocks until the burn in txHash has a complete attestation.
// Not-indexed, service errors and pending statuses are retried at a fixed
// interval. Transport failures end the poll with ErrAttestation.
func (p *Poller) PollAttestation(ctx context.Context, txHash string, sourceChainID uint64) (Attestation, error) {
	domain, err := p.registry.DomainFor(sourceChainID)
	if err != nil {
		return Attestation{}, err
	}

	if cached, ok := p.fromCache(ctx, domain, txHash); ok {
		return cached, nil
	}

	if p.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.maxWait)
		defer cancel()
	}

	start := time.Now()
	attempt := 0
	var result Attestation

	op := func() error {
		attempt++
		resp, err := p.client.FetchMessages(ctx, domain, txHash)
		switch {
		case errors.Is(err, errNotIndexed):
			p.metrics.RecordAttestationPoll(ctx, sourceChainID, "not_found")
			return err
		case errors.Is(err, errServiceState):
			p.metrics.RecordAttestationPoll(ctx, sourceChainID, "service_error")
			return err
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			p.metrics.RecordAttestationPoll(ctx, sourceChainID, "network_error")
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrAttestation, err))
		}

		if len(resp.Messages) == 0 || resp.Messages[0].Status != StatusComplete {
			p.metrics.RecordAttestationPoll(ctx, sourceChainID, "pending")
			return errors.New("attestation pending")
		}

		p.metrics.RecordAttestationPoll(ctx, sourceChainID, "complete")
		att, err := decodeMessage(resp.Messages[0], sourceChainID, txHash)
		if err != nil {
			return backoff.Permanent(err)
		}
		result = att
		return nil
	}

	notify := func(err error, next time.Duration) {
		p.logger.Debugw("Attestation not ready",
			"chainId", sourceChainID,
			"domain", domain,
			"txHash", txHash,
			"attempt", attempt,
			"reason", err.Error(),
			"retryIn", next,
		)
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(p.interval), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if errors.Is(err, ErrAttestation) {
			return Attestation{}, err
		}
		if errors.Is(err, context.DeadlineExceeded) && p.maxWait > 0 {
			return Attestation{}, fmt.Errorf("%w: no complete attestation within %s: %w", ErrAttestation, p.maxWait, err)
		}
		return Attestation{}, err
	}

	p.metrics.RecordAttestationWait(ctx, sourceChainID, time.Since(start))
	p.logger.Infow("Attestation complete",
		"chainId", sourceChainID,
		"txHash", txHash,
		"attempts", attempt,
		"waited", time.Since(start),
	)
	p.toCache(ctx, domain, result)
	return result, nil
}

func decodeMessage(m Message, sourceChainID uint64, txHash string) (Attestation, error) {
	msg, err := hexutil.Decode(m.Message)
	if err != nil {
		return Attestation{}, fmt.Errorf("%w: decode message: %w", ErrAttestation, err)
	}
	sig, err := hexutil.Decode(m.Attestation)
	if err != nil {
		return Attestation{}, fmt.Errorf("%w: decode attestation: %w", ErrAttestation, err)
	}
	return Attestation{
		SourceChainID:   sourceChainID,
		TransactionHash: txHash,
		Message:         msg,
		Attestation:     sig,
	}, nil
}

func (p *Poller) fromCache(ctx context.Context, domain uint32, txHash string) (Attestation, bool) {
	if p.cache == nil {
		return Attestation{}, false
	}
	var att Attestation
	if err := p.cache.Get(ctx, store.AttestationKey(domain, txHash), &att); err != nil {
		return Attestation{}, false
	}
	return att, true
}

func (p *Poller) toCache(ctx context.Context, domain uint32, att Attestation) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Set(ctx, store.AttestationKey(domain, att.TransactionHash), att, p.cacheTTL); err != nil {
		p.logger.Warnw("Failed to cache attestation", "txHash", att.TransactionHash, "error", err)
	}
}
