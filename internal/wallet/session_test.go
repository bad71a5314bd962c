package wallet

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokencollector/collector-backend/internal/cctp"
	"github.com/tokencollector/collector-backend/internal/chains"
	"go.uber.org/zap"
)

var (
	testAccount = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	testTxHash  = common.HexToHash("0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060")
)

type codedError struct {
	code int
	msg  string
}

func (e codedError) Error() string  { return e.msg }
func (e codedError) ErrorCode() int { return e.code }

// fakeWallet backs the in-process JSON-RPC server used as the provider.
type fakeWallet struct {
	mu        sync.Mutex
	chainID   uint64
	known     map[uint64]bool
	atomic    string
	addErr    error
	switchErr error
	sendErr   error
	statuses  []CallsStatus
	polls     int
	sent      []SendCallsRequest
	added     []AddChainRequest
}

type ethService struct{ w *fakeWallet }

func (e *ethService) Accounts() []common.Address { return []common.Address{testAccount} }

func (e *ethService) ChainId() hexutil.Uint64 {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	return hexutil.Uint64(e.w.chainID)
}

type walletService struct{ w *fakeWallet }

func (s *walletService) SwitchEthereumChain(p switchChainParam) (interface{}, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if s.w.switchErr != nil {
		return nil, s.w.switchErr
	}
	if !s.w.known[uint64(p.ChainID)] {
		return nil, codedError{CodeUnrecognizedChain, "Unrecognized chain ID"}
	}
	s.w.chainID = uint64(p.ChainID)
	return nil, nil
}

func (s *walletService) AddEthereumChain(req AddChainRequest) (interface{}, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.added = append(s.w.added, req)
	if s.w.addErr != nil {
		return nil, s.w.addErr
	}
	s.w.known[uint64(req.ChainID)] = true
	return nil, nil
}

func (s *walletService) GetCapabilities(account common.Address, chainIDs []string) (map[string]ChainCapabilities, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	out := map[string]ChainCapabilities{}
	for _, id := range chainIDs {
		out[id] = ChainCapabilities{Atomic: &AtomicCapability{Status: s.w.atomic}}
	}
	return out, nil
}

func (s *walletService) SendCalls(req SendCallsRequest) (map[string]string, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.w.sent = append(s.w.sent, req)
	if s.w.sendErr != nil {
		return nil, s.w.sendErr
	}
	return map[string]string{"id": "batch-1"}, nil
}

func (s *walletService) GetCallsStatus(id string) (CallsStatus, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	n := s.w.polls
	if n >= len(s.w.statuses) {
		n = len(s.w.statuses) - 1
	}
	s.w.polls++
	st := s.w.statuses[n]
	st.ID = id
	return st, nil
}

func confirmed() CallsStatus {
	return CallsStatus{Status: StatusConfirmed, Atomic: true, Receipts: []Receipt{{Status: 1, TransactionHash: testTxHash}}}
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		chainID:  1,
		known:    map[uint64]bool{1: true, 137: true},
		atomic:   AtomicSupported,
		statuses: []CallsStatus{{Status: StatusPending}, confirmed()},
	}
}

type fakeReader struct {
	gas      uint64
	gasErr   error
	baseFee  *big.Int
	tip      *big.Int
	price    *big.Int
	balance  *big.Int
	lastCall ethereum.CallMsg
	closed   bool
}

func (f *fakeReader) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.lastCall = msg
	return f.gas, f.gasErr
}
func (f *fakeReader) SuggestGasTipCap(ctx context.Context) (*big.Int, error) { return f.tip, nil }
func (f *fakeReader) SuggestGasPrice(ctx context.Context) (*big.Int, error)  { return f.price, nil }
func (f *fakeReader) HeaderByNumber(ctx context.Context, n *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: f.baseFee}, nil
}
func (f *fakeReader) BalanceAt(ctx context.Context, a common.Address, n *big.Int) (*big.Int, error) {
	return f.balance, nil
}
func (f *fakeReader) Close() { f.closed = true }

func newSession(t *testing.T, w *fakeWallet, opts ...SessionOption) *Session {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", &ethService{w: w}))
	require.NoError(t, server.RegisterName("wallet", &walletService{w: w}))
	t.Cleanup(server.Stop)

	reg, err := chains.NewRegistry(nil)
	require.NoError(t, err)

	opts = append([]SessionOption{
		WithStatusPolling(time.Millisecond, time.Second),
		WithReaderDialer(func(ctx context.Context, url string) (ChainReader, error) {
			return nil, errors.New("no dialing in tests")
		}),
	}, opts...)
	s, err := Connect(context.Background(), NewRPCProvider(rpc.DialInProc(server)), reg, zap.NewNop().Sugar(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleCalls() []cctp.EncodedCall {
	return []cctp.EncodedCall{
		{To: chains.TokenMessengerV2, Data: []byte{0x01}},
		{To: chains.MessageTransmitterV2, Data: []byte{0x02}, Gas: 120_000},
	}
}

func TestConnectReadsAccountAndChain(t *testing.T) {
	s := newSession(t, newFakeWallet())
	assert.Equal(t, testAccount, s.Account())
	assert.Equal(t, uint64(1), s.ActiveChain())
}

func TestSwitchActiveChainKnown(t *testing.T) {
	w := newFakeWallet()
	s := newSession(t, w)

	require.NoError(t, s.SwitchActiveChain(context.Background(), 137))
	assert.Equal(t, uint64(137), s.ActiveChain())
	assert.Empty(t, w.added)
}

func TestSwitchActiveChainAddsUnknownChain(t *testing.T) {
	w := newFakeWallet()
	s := newSession(t, w)

	require.NoError(t, s.SwitchActiveChain(context.Background(), 8453))
	assert.Equal(t, uint64(8453), s.ActiveChain())
	require.Len(t, w.added, 1)
	assert.Equal(t, "Base", w.added[0].ChainName)
	assert.Equal(t, hexutil.Uint64(8453), w.added[0].ChainID)
	assert.Equal(t, "ETH", w.added[0].NativeCurrency.Symbol)
}

func TestSwitchActiveChainFailures(t *testing.T) {
	t.Run("add rejected", func(t *testing.T) {
		w := newFakeWallet()
		w.addErr = codedError{CodeUserRejected, "User rejected the request"}
		s := newSession(t, w)

		err := s.SwitchActiveChain(context.Background(), 8453)
		assert.ErrorIs(t, err, ErrChainSwitch)
		assert.Equal(t, uint64(1), s.ActiveChain())
	})

	t.Run("switch rejected", func(t *testing.T) {
		w := newFakeWallet()
		w.switchErr = codedError{CodeUserRejected, "User rejected the request"}
		s := newSession(t, w)

		err := s.SwitchActiveChain(context.Background(), 137)
		assert.ErrorIs(t, err, ErrChainSwitch)
		assert.Empty(t, w.added)
	})

	t.Run("unsupported chain", func(t *testing.T) {
		s := newSession(t, newFakeWallet())
		err := s.SwitchActiveChain(context.Background(), 5)
		assert.ErrorIs(t, err, ErrChainSwitch)
		assert.ErrorIs(t, err, chains.ErrUnsupportedChain)
	})
}

func TestSubmitAtomicBatch(t *testing.T) {
	w := newFakeWallet()
	s := newSession(t, w)

	hash, err := s.SubmitAtomicBatch(context.Background(), 1, sampleCalls())
	require.NoError(t, err)
	assert.Equal(t, testTxHash, hash)

	require.Len(t, w.sent, 1)
	req := w.sent[0]
	assert.True(t, req.AtomicRequired)
	assert.Equal(t, "2.0.0", req.Version)
	assert.Equal(t, hexutil.Uint64(1), req.ChainID)
	assert.Equal(t, testAccount, req.From)
	require.Len(t, req.Calls, 2)
	assert.Nil(t, req.Calls[0].Gas)
	require.NotNil(t, req.Calls[1].Gas)
	assert.Equal(t, hexutil.Uint64(120_000), *req.Calls[1].Gas)
	assert.Equal(t, 2, w.polls)
}

func TestSubmitAtomicBatchRefusesNonAtomicWallet(t *testing.T) {
	w := newFakeWallet()
	w.atomic = AtomicUnsupported
	s := newSession(t, w)

	_, err := s.SubmitAtomicBatch(context.Background(), 1, sampleCalls())
	assert.ErrorIs(t, err, ErrAtomicUnsupported)
	assert.Empty(t, w.sent)
}

func TestSubmitAtomicBatchWrongChain(t *testing.T) {
	w := newFakeWallet()
	s := newSession(t, w)

	_, err := s.SubmitAtomicBatch(context.Background(), 137, sampleCalls())
	assert.ErrorIs(t, err, ErrBatchExecution)
	assert.Empty(t, w.sent)
}

func TestSubmitAtomicBatchFailureClasses(t *testing.T) {
	cases := []struct {
		name     string
		setup    func(w *fakeWallet)
		reverted bool
	}{
		{"onchain revert status", func(w *fakeWallet) {
			w.statuses = []CallsStatus{{Status: StatusReverted}}
		}, true},
		{"partial revert status", func(w *fakeWallet) {
			w.statuses = []CallsStatus{{Status: StatusPartialReverted}}
		}, true},
		{"reverted receipt", func(w *fakeWallet) {
			w.statuses = []CallsStatus{{Status: StatusConfirmed, Receipts: []Receipt{{Status: 0, TransactionHash: testTxHash}}}}
		}, true},
		{"revert on send", func(w *fakeWallet) {
			w.sendErr = codedError{CodeEVMRevert, "execution reverted: nonce already used"}
		}, true},
		{"offchain failure", func(w *fakeWallet) {
			w.statuses = []CallsStatus{{Status: StatusOffchainFailure}}
		}, false},
		{"no transaction hash", func(w *fakeWallet) {
			w.statuses = []CallsStatus{{Status: StatusConfirmed}}
		}, false},
		{"user rejected", func(w *fakeWallet) {
			w.sendErr = codedError{CodeUserRejected, "User rejected the request"}
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := newFakeWallet()
			tc.setup(w)
			s := newSession(t, w)

			_, err := s.SubmitAtomicBatch(context.Background(), 1, sampleCalls())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBatchExecution)
			assert.Equal(t, tc.reverted, IsExecutionReverted(err))
		})
	}
}

func TestSubmitAtomicBatchAtomicityErrorFromWallet(t *testing.T) {
	w := newFakeWallet()
	w.sendErr = codedError{CodeAtomicityUnsupported, "atomicity not supported"}
	s := newSession(t, w)

	_, err := s.SubmitAtomicBatch(context.Background(), 1, sampleCalls())
	assert.ErrorIs(t, err, ErrAtomicUnsupported)
}

func TestSubmitAtomicBatchStatusTimeout(t *testing.T) {
	w := newFakeWallet()
	w.statuses = []CallsStatus{{Status: StatusPending}}
	s := newSession(t, w, WithStatusPolling(time.Millisecond, 20*time.Millisecond))

	_, err := s.SubmitAtomicBatch(context.Background(), 1, sampleCalls())
	assert.ErrorIs(t, err, ErrBatchExecution)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBufferedGas(t *testing.T) {
	tests := []struct{ in, want uint64 }{
		{0, 0},
		{1, 2},
		{5, 6},
		{21_000, 25_200},
		{21_001, 25_202},
		{100_000, 120_000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BufferedGas(tt.in), "estimate %d", tt.in)
	}
}

func TestEstimateGasAndFees(t *testing.T) {
	gwei := big.NewInt(1_000_000_000)
	r := &fakeReader{
		gas:     100_000,
		baseFee: new(big.Int).Mul(big.NewInt(10), gwei),
		tip:     gwei,
		balance: big.NewInt(42),
	}
	s := newSession(t, newFakeWallet(), WithChainReader(8453, r))
	ctx := context.Background()

	call := cctp.EncodedCall{To: chains.MessageTransmitterV2, Data: []byte{0xde, 0xad}}
	gas, err := s.EstimateGas(ctx, 8453, call, testAccount)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), gas)
	assert.Equal(t, testAccount, r.lastCall.From)
	assert.Equal(t, chains.MessageTransmitterV2, *r.lastCall.To)

	fees, err := s.EstimateFees(ctx, 8453)
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Mul(big.NewInt(21), gwei), fees.MaxFeePerGas)
	assert.Equal(t, gwei, fees.MaxPriorityFeePerGas)

	bal, err := s.GetNativeBalance(ctx, testAccount, 8453)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), bal)

	require.NoError(t, s.Close())
	assert.True(t, r.closed)
}

func TestEstimateFeesLegacyChain(t *testing.T) {
	r := &fakeReader{price: big.NewInt(30)}
	s := newSession(t, newFakeWallet(), WithChainReader(137, r))

	fees, err := s.EstimateFees(context.Background(), 137)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(30), fees.MaxFeePerGas)
	assert.Equal(t, big.NewInt(30), fees.MaxPriorityFeePerGas)
}

func TestEstimateGasRevertIsClassified(t *testing.T) {
	r := &fakeReader{gasErr: errors.New("execution reverted: message already received")}
	s := newSession(t, newFakeWallet(), WithChainReader(8453, r))

	_, err := s.EstimateGas(context.Background(), 8453, cctp.EncodedCall{To: chains.MessageTransmitterV2}, testAccount)
	assert.True(t, IsExecutionReverted(err))
}

func TestReaderDialFailure(t *testing.T) {
	s := newSession(t, newFakeWallet())
	_, err := s.GetNativeBalance(context.Background(), testAccount, 1)
	assert.Error(t, err)
}
