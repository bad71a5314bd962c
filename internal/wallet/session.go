// Package wallet adapts an external signing wallet to the collector: chain
// switching, atomic batch submission with status polling, and the gas, fee
// and balance reads needed around them.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tokencollector/collector-backend/internal/cctp"
	"github.com/tokencollector/collector-backend/internal/chains"
	"go.uber.org/zap"
)

// Session is one connected wallet. It is created by Connect and must be
// released with Close; nothing else may submit through the same provider
// while a transfer is using it.
type Session struct {
	provider Provider
	registry *chains.Registry
	logger   *zap.SugaredLogger
	dial     ReaderDialer

	statusInterval time.Duration
	statusTimeout  time.Duration

	mu          sync.Mutex
	account     common.Address
	activeChain uint64
	readers     map[uint64]ChainReader
	closed      bool
}

type SessionOption func(*Session)

func WithStatusPolling(interval, timeout time.Duration) SessionOption {
	return func(s *Session) {
		if interval > 0 {
			s.statusInterval = interval
		}
		s.statusTimeout = timeout
	}
}

func WithReaderDialer(d ReaderDialer) SessionOption {
	return func(s *Session) { s.dial = d }
}

// WithChainReader pins the reader used for chainID instead of dialing one.
func WithChainReader(chainID uint64, r ChainReader) SessionOption {
	return func(s *Session) { s.readers[chainID] = r }
}

// Connect reads the wallet's account and active chain and returns a ready
// session.
func Connect(ctx context.Context, provider Provider, registry *chains.Registry, logger *zap.SugaredLogger, opts ...SessionOption) (*Session, error) {
	s := &Session{
		provider:       provider,
		registry:       registry,
		logger:         logger,
		dial:           DialEthClient,
		statusInterval: 2 * time.Second,
		readers:        make(map[uint64]ChainReader),
	}
	for _, opt := range opts {
		opt(s)
	}

	accounts, err := provider.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccount
	}
	chainID, err := provider.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}

	s.account = accounts[0]
	s.activeChain = chainID
	logger.Infow("Wallet session connected", "account", s.account.Hex(), "chainId", chainID)
	return s, nil
}

func (s *Session) Account() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

func (s *Session) ActiveChain() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChain
}

// Close releases the provider and every dialed chain reader.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, r := range s.readers {
		r.Close()
		delete(s.readers, id)
	}
	s.provider.Close()
	s.logger.Infow("Wallet session closed", "account", s.account.Hex())
	return nil
}

// SwitchActiveChain makes chainID the wallet's active chain. A wallet that
// does not know the chain is asked to add it first.
func (s *Session) SwitchActiveChain(ctx context.Context, chainID uint64) error {
	desc, err := s.registry.DescriptorFor(chainID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChainSwitch, err)
	}

	err = s.provider.SwitchChain(ctx, chainID)
	if err != nil && isUnrecognizedChain(err) {
		s.logger.Infow("Wallet does not know chain; adding it", "chainId", chainID, "name", desc.Name)
		if addErr := s.provider.AddChain(ctx, addChainRequest(desc)); addErr != nil {
			return fmt.Errorf("%w: add chain %d: %w", ErrChainSwitch, chainID, addErr)
		}
		err = s.provider.SwitchChain(ctx, chainID)
	}
	if err != nil {
		return fmt.Errorf("%w: switch to chain %d: %w", ErrChainSwitch, chainID, err)
	}

	s.mu.Lock()
	s.activeChain = chainID
	s.mu.Unlock()
	s.logger.Debugw("Switched active chain", "chainId", chainID)
	return nil
}

func addChainRequest(d chains.Descriptor) AddChainRequest {
	req := AddChainRequest{
		ChainID:   hexutil.Uint64(d.ChainID),
		ChainName: d.Name,
		NativeCurrency: NativeCurrency{
			Name:     d.NativeCurrency.Name,
			Symbol:   d.NativeCurrency.Symbol,
			Decimals: d.NativeCurrency.Decimals,
		},
		RPCURLs: []string{d.RPCURL},
	}
	if d.ExplorerURL != "" {
		req.BlockExplorerURLs = []string{d.ExplorerURL}
	}
	return req
}

// SubmitAtomicBatch submits calls as one all-or-nothing batch on chainID and
// waits for a terminal status. It refuses wallets that cannot guarantee
// atomic execution.
func (s *Session) SubmitAtomicBatch(ctx context.Context, chainID uint64, calls []cctp.EncodedCall) (common.Hash, error) {
	if len(calls) == 0 {
		return common.Hash{}, fmt.Errorf("%w: empty batch", ErrBatchExecution)
	}
	if active := s.ActiveChain(); active != chainID {
		return common.Hash{}, fmt.Errorf("%w: active chain is %d, batch targets %d", ErrBatchExecution, active, chainID)
	}
	account := s.Account()

	caps, err := s.provider.GetCapabilities(ctx, account, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: wallet_getCapabilities: %w", ErrAtomicUnsupported, err)
	}
	if caps.Atomic == nil || (caps.Atomic.Status != AtomicSupported && caps.Atomic.Status != AtomicReady) {
		return common.Hash{}, fmt.Errorf("%w on chain %d", ErrAtomicUnsupported, chainID)
	}

	req := SendCallsRequest{
		Version:        sendCallsVersion,
		ChainID:        hexutil.Uint64(chainID),
		From:           account,
		AtomicRequired: true,
		Calls:          toWireCalls(calls),
	}
	id, err := s.provider.SendCalls(ctx, req)
	if err != nil {
		return common.Hash{}, classifySubmitError(err)
	}
	s.logger.Infow("Batch submitted", "chainId", chainID, "batchId", id, "calls", len(calls))

	status, err := s.waitForBatch(ctx, id)
	if err != nil {
		return common.Hash{}, err
	}
	return batchHash(status)
}

func toWireCalls(calls []cctp.EncodedCall) []Call {
	out := make([]Call, 0, len(calls))
	for _, c := range calls {
		wc := Call{To: c.To, Data: hexutil.Bytes(c.Data)}
		if c.Value != nil && c.Value.Sign() > 0 {
			wc.Value = (*hexutil.Big)(new(big.Int).Set(c.Value))
		}
		if c.Gas > 0 {
			g := hexutil.Uint64(c.Gas)
			wc.Gas = &g
		}
		if c.MaxFeePerGas != nil {
			wc.MaxFeePerGas = (*hexutil.Big)(new(big.Int).Set(c.MaxFeePerGas))
		}
		if c.MaxPriorityFeePerGas != nil {
			wc.MaxPriorityFeePerGas = (*hexutil.Big)(new(big.Int).Set(c.MaxPriorityFeePerGas))
		}
		out = append(out, wc)
	}
	return out
}

func (s *Session) waitForBatch(ctx context.Context, id string) (CallsStatus, error) {
	if s.statusTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.statusTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	for {
		status, err := s.provider.GetCallsStatus(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return CallsStatus{}, fmt.Errorf("%w: batch %s: %w", ErrBatchExecution, id, ctx.Err())
			}
			return CallsStatus{}, fmt.Errorf("%w: wallet_getCallsStatus %s: %w", ErrBatchExecution, id, err)
		}
		if status.Status >= StatusConfirmed {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return CallsStatus{}, fmt.Errorf("%w: batch %s still pending: %w", ErrBatchExecution, id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func batchHash(status CallsStatus) (common.Hash, error) {
	switch {
	case status.Status == StatusReverted || status.Status == StatusPartialReverted:
		return common.Hash{}, fmt.Errorf("%w: %w: batch %s status %d", ErrBatchExecution, ErrExecutionReverted, status.ID, status.Status)
	case status.Status >= StatusOffchainFailure:
		return common.Hash{}, fmt.Errorf("%w: batch %s status %d", ErrBatchExecution, status.ID, status.Status)
	}
	for _, r := range status.Receipts {
		if r.Status == 0 {
			return common.Hash{}, fmt.Errorf("%w: %w: tx %s", ErrBatchExecution, ErrExecutionReverted, r.TransactionHash.Hex())
		}
	}
	for _, r := range status.Receipts {
		if r.TransactionHash != (common.Hash{}) {
			return r.TransactionHash, nil
		}
	}
	return common.Hash{}, fmt.Errorf("%w: batch %s produced no transaction hash", ErrBatchExecution, status.ID)
}

// classifySubmitError maps wallet JSON-RPC errors onto the batch error kinds.
func classifySubmitError(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case CodeAtomicityUnsupported:
			return fmt.Errorf("%w: %w", ErrAtomicUnsupported, err)
		case CodeEVMRevert:
			return fmt.Errorf("%w: %w: %w", ErrBatchExecution, ErrExecutionReverted, err)
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return fmt.Errorf("%w: %w: %w", ErrBatchExecution, ErrExecutionReverted, err)
	}
	return fmt.Errorf("%w: wallet_sendCalls: %w", ErrBatchExecution, err)
}

func isUnrecognizedChain(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == CodeUnrecognizedChain {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unrecognized chain")
}

func (s *Session) reader(ctx context.Context, chainID uint64) (ChainReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.readers[chainID]; ok {
		return r, nil
	}
	if s.closed {
		return nil, errors.New("wallet session closed")
	}
	desc, err := s.registry.DescriptorFor(chainID)
	if err != nil {
		return nil, err
	}
	r, err := s.dial(ctx, desc.RPCURL)
	if err != nil {
		return nil, err
	}
	s.readers[chainID] = r
	return r, nil
}

// EstimateGas returns the node's raw estimate; callers apply BufferedGas.
func (s *Session) EstimateGas(ctx context.Context, chainID uint64, call cctp.EncodedCall, from common.Address) (uint64, error) {
	r, err := s.reader(ctx, chainID)
	if err != nil {
		return 0, err
	}
	to := call.To
	gas, err := r.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: call.Data, Value: call.Value})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
			return 0, fmt.Errorf("estimate gas on chain %d: %w: %w", chainID, ErrExecutionReverted, err)
		}
		return 0, fmt.Errorf("estimate gas on chain %d: %w", chainID, err)
	}
	return gas, nil
}

func (s *Session) EstimateFees(ctx context.Context, chainID uint64) (Fees, error) {
	r, err := s.reader(ctx, chainID)
	if err != nil {
		return Fees{}, err
	}
	fees, err := feesFromHeader(ctx, r)
	if err != nil {
		return Fees{}, fmt.Errorf("estimate fees on chain %d: %w", chainID, err)
	}
	return fees, nil
}

func (s *Session) GetNativeBalance(ctx context.Context, address common.Address, chainID uint64) (*big.Int, error) {
	r, err := s.reader(ctx, chainID)
	if err != nil {
		return nil, err
	}
	bal, err := r.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("balance on chain %d: %w", chainID, err)
	}
	return bal, nil
}
