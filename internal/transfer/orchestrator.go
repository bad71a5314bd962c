// Package transfer drives a multi-chain collection: one atomic approve+burn
// batch per source chain, concurrent attestation polling, and a single
// atomic mint batch on the destination chain.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tokencollector/collector-backend/internal/attestation"
	"github.com/tokencollector/collector-backend/internal/cctp"
	"github.com/tokencollector/collector-backend/internal/chains"
	"github.com/tokencollector/collector-backend/internal/journal"
	"github.com/tokencollector/collector-backend/internal/metrics"
	"github.com/tokencollector/collector-backend/internal/store"
	"github.com/tokencollector/collector-backend/internal/wallet"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrBusy                 = errors.New("a transfer is already in progress")
	ErrInsufficientGasFunds = errors.New("insufficient native balance for mint gas")
	ErrRetryExhausted       = errors.New("mint retries exhausted")
	ErrNotResumable         = errors.New("transfer cannot be resumed")
)

const (
	DefaultMintRetryBase  = 2 * time.Second
	DefaultMintMaxRetries = 3
)

// DefaultMinDestinationGas is the native balance floor on the destination
// chain, in whole native units.
var DefaultMinDestinationGas = decimal.RequireFromString("0.01")

// Wallet is the subset of a wallet session the orchestrator drives.
type Wallet interface {
	Account() common.Address
	SwitchActiveChain(ctx context.Context, chainID uint64) error
	SubmitAtomicBatch(ctx context.Context, chainID uint64, calls []cctp.EncodedCall) (common.Hash, error)
	EstimateGas(ctx context.Context, chainID uint64, call cctp.EncodedCall, from common.Address) (uint64, error)
	EstimateFees(ctx context.Context, chainID uint64) (wallet.Fees, error)
	GetNativeBalance(ctx context.Context, address common.Address, chainID uint64) (*big.Int, error)
}

type AttestationPoller interface {
	PollAttestation(ctx context.Context, txHash string, sourceChainID uint64) (attestation.Attestation, error)
}

type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Result is returned by a completed transfer.
type Result struct {
	RequestID    string                    `json:"requestId"`
	Burns        []BurnView                `json:"burns"`
	Attestations []attestation.Attestation `json:"attestations"`
	MintTxHash   string                    `json:"mintTxHash"`
}

type Orchestrator struct {
	registry *chains.Registry
	builder  *cctp.Builder
	poller   AttestationPoller
	logger   *zap.SugaredLogger

	journal   journal.Store
	publisher Publisher
	metrics   *metrics.Metrics

	mintRetryBase     time.Duration
	mintMaxRetries    uint64
	minDestinationGas decimal.Decimal
	finalityThreshold uint32

	mu           sync.Mutex
	running      bool
	state        State
	requestID    string
	journaled    bool // requestID has a journal record
	burns        []BurnRecord
	attestations []attestation.Attestation
	mintTxHash   string
	lastErr      error
	updatedAt    time.Time
	subscribers  map[chan Snapshot]struct{}
}

type Option func(*Orchestrator)

func WithJournal(j journal.Store) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithPublisher publishes every state change on store.ChannelTransferState.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithMintRetry(base time.Duration, maxRetries uint64) Option {
	return func(o *Orchestrator) {
		if base > 0 {
			o.mintRetryBase = base
		}
		o.mintMaxRetries = maxRetries
	}
}

func WithMinDestinationGas(d decimal.Decimal) Option {
	return func(o *Orchestrator) { o.minDestinationGas = d }
}

func WithFinalityThreshold(t uint32) Option {
	return func(o *Orchestrator) { o.finalityThreshold = t }
}

func NewOrchestrator(registry *chains.Registry, builder *cctp.Builder, poller AttestationPoller, logger *zap.SugaredLogger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:          registry,
		builder:           builder,
		poller:            poller,
		logger:            logger,
		mintRetryBase:     DefaultMintRetryBase,
		mintMaxRetries:    DefaultMintMaxRetries,
		minDestinationGas: DefaultMinDestinationGas,
		finalityThreshold: cctp.FinalityThresholdFast,
		state:             StateIdle,
		updatedAt:         time.Now(),
		subscribers:       make(map[chan Snapshot]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{
		RequestID:    o.requestID,
		State:        o.state,
		Burns:        burnViews(o.burns),
		Attestations: len(o.attestations),
		MintTxHash:   o.mintTxHash,
		UpdatedAt:    o.updatedAt,
	}
	if o.lastErr != nil {
		s.Error = o.lastErr.Error()
	}
	return s
}

// Subscribe delivers a snapshot on every state change until ctx ends. Slow
// readers miss intermediate snapshots rather than blocking the transfer.
func (o *Orchestrator) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 16)
	o.mu.Lock()
	o.subscribers[ch] = struct{}{}
	o.mu.Unlock()

	go func() {
		<-ctx.Done()
		o.mu.Lock()
		delete(o.subscribers, ch)
		o.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Reset returns a finished orchestrator to idle and clears all records. It
// refuses while a transfer is running.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrBusy
	}
	o.state = StateIdle
	o.requestID = ""
	o.journaled = false
	o.burns = nil
	o.attestations = nil
	o.mintTxHash = ""
	o.lastErr = nil
	o.updatedAt = time.Now()
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.broadcast(context.Background(), snap)
	return nil
}

// claim moves an idle orchestrator to a request. Validation has not run yet,
// so the state is unchanged until the first transition. A resume may also
// claim an orchestrator left in the error state.
func (o *Orchestrator) claim(id string, burns []BurnRecord, resume bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrBusy
	}
	if o.state != StateIdle && !(resume && o.state == StateError) {
		return ErrBusy
	}
	o.running = true
	o.requestID = id
	o.journaled = resume
	o.burns = append([]BurnRecord(nil), burns...)
	o.attestations = nil
	o.mintTxHash = ""
	o.lastErr = nil
	return nil
}

// ExecuteTransfers collects req into the destination. It blocks until the
// mint lands or the first error, which also leaves the orchestrator in the
// error state until Reset.
func (o *Orchestrator) ExecuteTransfers(ctx context.Context, req Request, w Wallet) (*Result, error) {
	p, err := o.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, p, w)
}

// Start validates req and claims the orchestrator, then drives the transfer
// in the background under ctx. It returns the new request id.
func (o *Orchestrator) Start(ctx context.Context, req Request, w Wallet) (string, error) {
	p, err := o.begin(ctx, req)
	if err != nil {
		return "", err
	}
	id := o.Snapshot().RequestID
	go func() { _, _ = o.run(ctx, p, w) }()
	return id, nil
}

func (o *Orchestrator) begin(ctx context.Context, req Request) (plan, error) {
	id := uuid.NewString()
	if err := o.claim(id, nil, false); err != nil {
		return plan{}, err
	}

	p, err := validate(req, o.registry)
	if err != nil {
		return plan{}, o.fail(ctx, err)
	}

	if o.journal != nil {
		normalized := p.request()
		rec := journal.Record{
			ID:                 id,
			SourceChainIDs:     normalized.SourceChainIDs,
			Amounts:            normalized.Amounts,
			DestinationChainID: p.destChainID,
			DestinationAddress: p.destAddress.Hex(),
			State:              string(StateIdle),
		}
		if err := o.journal.Create(ctx, rec); err != nil {
			return plan{}, o.fail(ctx, fmt.Errorf("journal transfer: %w", err))
		}
		o.mu.Lock()
		o.journaled = true
		o.mu.Unlock()
	}

	o.logger.Infow("Transfer started",
		"requestId", id,
		"sources", len(p.legs),
		"destinationChainId", p.destChainID,
		"destination", p.destAddress.Hex(),
	)
	return p, nil
}

func (o *Orchestrator) run(ctx context.Context, p plan, w Wallet) (*Result, error) {
	if err := o.burnAll(ctx, p, w); err != nil {
		return nil, o.fail(ctx, err)
	}

	atts, err := o.collectAttestations(ctx)
	if err != nil {
		return nil, o.fail(ctx, err)
	}

	mintHash, err := o.mint(ctx, p, atts, w)
	if err != nil {
		return nil, o.fail(ctx, err)
	}

	o.mu.Lock()
	o.mintTxHash = mintHash.Hex()
	id := o.requestID
	burns := burnViews(o.burns)
	o.mu.Unlock()

	o.transition(ctx, StateCompleted, journal.StateUpdate{MintTxHash: mintHash.Hex()})
	o.release()
	o.logger.Infow("Transfer completed", "requestId", id, "mintTx", mintHash.Hex())

	return &Result{
		RequestID:    id,
		Burns:        burns,
		Attestations: atts,
		MintTxHash:   mintHash.Hex(),
	}, nil
}

// burnAll submits one approve+burn batch per source chain, in request order.
// Chains that already carry a burn record are skipped.
func (o *Orchestrator) burnAll(ctx context.Context, p plan, w Wallet) error {
	o.transition(ctx, StateBurning, journal.StateUpdate{})

	for _, l := range p.legs {
		if o.hasBurn(l.chainID) {
			o.logger.Infow("Burn already recorded; skipping", "chainId", l.chainID)
			continue
		}

		calls, err := o.burnCalls(l, p)
		if err != nil {
			return err
		}
		if err := w.SwitchActiveChain(ctx, l.chainID); err != nil {
			return err
		}
		hash, err := w.SubmitAtomicBatch(ctx, l.chainID, calls)
		if err != nil {
			return fmt.Errorf("burn on %s: %w", o.registry.NameFor(l.chainID), err)
		}

		rec := BurnRecord{SourceChainID: l.chainID, Amount: new(big.Int).Set(l.amount), TransactionHash: hash}
		o.recordBurn(ctx, rec)
		o.logger.Infow("Burn submitted",
			"chainId", l.chainID,
			"amount", cctp.FormatAmount(l.amount),
			"tx", hash.Hex(),
		)
	}
	return nil
}

func (o *Orchestrator) burnCalls(l leg, p plan) ([]cctp.EncodedCall, error) {
	d, err := o.registry.DescriptorFor(l.chainID)
	if err != nil {
		return nil, err
	}
	approve, err := o.builder.BuildApprove(l.chainID, d.TokenMessenger, l.amount)
	if err != nil {
		return nil, err
	}
	maxFee, err := cctp.MaxFeeFor(l.amount)
	if err != nil {
		return nil, err
	}
	burn, err := o.builder.BuildBurn(cctp.BurnParams{
		ChainID:            l.chainID,
		Amount:             l.amount,
		DestinationChainID: p.destChainID,
		DestinationAddress: p.destAddress.Hex(),
		MaxFee:             maxFee,
		FinalityThreshold:  o.finalityThreshold,
	})
	if err != nil {
		return nil, err
	}
	return []cctp.EncodedCall{approve, burn}, nil
}

func (o *Orchestrator) hasBurn(chainID uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, b := range o.burns {
		if b.SourceChainID == chainID {
			return true
		}
	}
	return false
}

func (o *Orchestrator) recordBurn(ctx context.Context, rec BurnRecord) {
	o.mu.Lock()
	o.burns = append(o.burns, rec)
	o.updatedAt = time.Now()
	id := o.requestID
	snap := o.snapshotLocked()
	o.mu.Unlock()

	// The burn is on chain already; a journal failure only costs resumability.
	if o.journal != nil {
		if err := o.journal.AppendBurn(ctx, id, rec.toJournal()); err != nil {
			o.logger.Errorw("Failed to journal burn", "requestId", id, "chainId", rec.SourceChainID, "error", err)
		}
	}
	o.broadcast(ctx, snap)
}

// collectAttestations polls every recorded burn concurrently and returns the
// attestations in burn order. The first failure cancels the other polls.
func (o *Orchestrator) collectAttestations(ctx context.Context) ([]attestation.Attestation, error) {
	o.transition(ctx, StateWaitingAttestation, journal.StateUpdate{})

	o.mu.Lock()
	burns := append([]BurnRecord(nil), o.burns...)
	o.mu.Unlock()

	atts := make([]attestation.Attestation, len(burns))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range burns {
		i, b := i, b
		g.Go(func() error {
			att, err := o.poller.PollAttestation(gctx, b.TransactionHash.Hex(), b.SourceChainID)
			if err != nil {
				return fmt.Errorf("attestation for %s burn %s: %w", o.registry.NameFor(b.SourceChainID), b.TransactionHash.Hex(), err)
			}
			atts[i] = att
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.attestations = atts
	o.mu.Unlock()
	return atts, nil
}

func (o *Orchestrator) transition(ctx context.Context, state State, upd journal.StateUpdate) {
	o.mu.Lock()
	o.state = state
	o.updatedAt = time.Now()
	id := o.requestID
	journaled := o.journaled
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.metrics.RecordStateTransition(ctx, string(state))
	if o.journal != nil && journaled {
		upd.State = string(state)
		if err := o.journal.UpdateState(ctx, id, upd); err != nil {
			o.logger.Warnw("Failed to journal state", "requestId", id, "state", state, "error", err)
		}
	}
	o.broadcast(ctx, snap)
}

// fail records err and moves to the error state. It returns err unchanged.
func (o *Orchestrator) fail(ctx context.Context, err error) error {
	o.mu.Lock()
	o.lastErr = err
	id := o.requestID
	o.mu.Unlock()

	o.logger.Errorw("Transfer failed", "requestId", id, "error", err)
	// The journal write must outlive a canceled transfer context.
	o.transition(context.WithoutCancel(ctx), StateError, journal.StateUpdate{Error: err.Error()})
	o.release()
	return err
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

func (o *Orchestrator) broadcast(ctx context.Context, snap Snapshot) {
	o.mu.Lock()
	for ch := range o.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
	o.mu.Unlock()

	if o.publisher != nil {
		if err := o.publisher.Publish(context.WithoutCancel(ctx), store.ChannelTransferState, snap); err != nil {
			o.logger.Warnw("Failed to publish transfer state", "state", snap.State, "error", err)
		}
	}
}
