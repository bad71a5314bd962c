package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tokencollector/collector-backend/internal/cctp"
	"github.com/tokencollector/collector-backend/internal/chains"
	"github.com/tokencollector/collector-backend/internal/journal"
	"github.com/tokencollector/collector-backend/internal/portfolio"
	"github.com/tokencollector/collector-backend/internal/transfer"
	"go.uber.org/zap"
)

type MockTransferService struct {
	mock.Mock
}

func (m *MockTransferService) Start(ctx context.Context, req transfer.Request, w transfer.Wallet) (string, error) {
	args := m.Called(ctx, req, w)
	return args.String(0), args.Error(1)
}

func (m *MockTransferService) StartResume(ctx context.Context, id string, w transfer.Wallet) error {
	return m.Called(ctx, id, w).Error(0)
}

func (m *MockTransferService) Reset() error {
	return m.Called().Error(0)
}

func (m *MockTransferService) Snapshot() transfer.Snapshot {
	return m.Called().Get(0).(transfer.Snapshot)
}

type MockBalanceService struct {
	mock.Mock
}

func (m *MockBalanceService) FetchBalances(ctx context.Context, addresses []string) ([]portfolio.Holding, error) {
	args := m.Called(ctx, addresses)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]portfolio.Holding), args.Error(1)
}

func (m *MockBalanceService) Health() portfolio.Health {
	return m.Called().Get(0).(portfolio.Health)
}

// stubWallet satisfies transfer.Wallet; the mocked service never calls it.
type stubWallet struct {
	transfer.Wallet
}

// Mock metrics for testing
type MockMetrics struct{}

func (m *MockMetrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
}

type testDeps struct {
	transfers *MockTransferService
	balances  *MockBalanceService
	history   journal.Store
	wallet    transfer.Wallet
}

func createTestHandler(t *testing.T) (*Handler, *testDeps) {
	t.Helper()
	reg, err := chains.NewRegistry(nil)
	require.NoError(t, err)
	builder, err := cctp.NewBuilder(reg, cctp.ApprovalExact)
	require.NoError(t, err)

	deps := &testDeps{
		transfers: &MockTransferService{},
		balances:  &MockBalanceService{},
		history:   journal.NewMemoryStore(),
		wallet:    stubWallet{},
	}
	h := NewHandler(Deps{
		Transfers: deps.transfers,
		Balances:  deps.balances,
		History:   deps.history,
		Builder:   builder,
		Registry:  reg,
		Wallet:    deps.wallet,
		Logger:    zap.NewNop().Sugar(),
		Metrics:   &MockMetrics{},
	})
	return h, deps
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Routes(NewMiddleware(zap.NewNop().Sugar(), nil), nil, 0).ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateTransfer_Accepted(t *testing.T) {
	h, deps := createTestHandler(t)

	want := transfer.Request{
		SourceChainIDs:     []uint64{1, 42161},
		Amounts:            []string{"10", "2.5"},
		DestinationChainID: 8453,
		DestinationAddress: "0x1234567890abcdef1234567890abcdef12345678",
	}
	deps.transfers.On("Start", mock.Anything, want, deps.wallet).Return("req-1", nil)
	deps.transfers.On("Snapshot").Return(transfer.Snapshot{RequestID: "req-1", State: transfer.StateBurning})

	body, _ := json.Marshal(want)
	rec := serve(h, httptest.NewRequest(http.MethodPost, "/v1/transfers", bytes.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp TransferAcceptedDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, string(transfer.StateBurning), resp.State)
	deps.transfers.AssertExpectations(t)
}

func TestCreateTransfer_ErrorMapping(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"busy", transfer.ErrBusy, http.StatusConflict, "TRANSFER_IN_PROGRESS"},
		{"invalid", fmt.Errorf("%w: no source chains", cctp.ErrInvalidArgument), http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unsupported", fmt.Errorf("chain 5: %w", chains.ErrUnsupportedChain), http.StatusBadRequest, "UNSUPPORTED_CHAIN"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "TRANSFER_ERROR"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h, deps := createTestHandler(t)
			deps.transfers.On("Start", mock.Anything, mock.Anything, mock.Anything).Return("", tc.err)

			rec := serve(h, httptest.NewRequest(http.MethodPost, "/v1/transfers", bytes.NewBufferString(`{"sourceChainIds":[1],"amounts":["1"],"destinationChainId":8453,"destinationAddress":"0x1234567890abcdef1234567890abcdef12345678"}`)))

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeError(t, rec).Code)
		})
	}
}

func TestCreateTransfer_InvalidJSON(t *testing.T) {
	h, deps := createTestHandler(t)

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/v1/transfers", bytes.NewBufferString(`{"sourceChainIds":"nope"}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeError(t, rec).Code)
	deps.transfers.AssertNotCalled(t, "Start", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateTransfer_NoWallet(t *testing.T) {
	h, deps := createTestHandler(t)
	h.wallet = nil

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/v1/transfers", bytes.NewBufferString(`{}`)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "WALLET_UNAVAILABLE", decodeError(t, rec).Code)
	deps.transfers.AssertNotCalled(t, "Start", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetTransferState(t *testing.T) {
	h, deps := createTestHandler(t)
	deps.transfers.On("Snapshot").Return(transfer.Snapshot{
		RequestID:    "req-2",
		State:        transfer.StateWaitingAttestation,
		Burns:        []transfer.BurnView{{SourceChainID: 1, Amount: "1", TransactionHash: "0xabc"}},
		Attestations: 0,
	})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/v1/transfers/state", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snap transfer.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, transfer.StateWaitingAttestation, snap.State)
	assert.Len(t, snap.Burns, 1)
}

func TestResetTransfer(t *testing.T) {
	t.Run("idle after reset", func(t *testing.T) {
		h, deps := createTestHandler(t)
		deps.transfers.On("Reset").Return(nil)
		deps.transfers.On("Snapshot").Return(transfer.Snapshot{State: transfer.StateIdle})

		rec := serve(h, httptest.NewRequest(http.MethodPost, "/v1/transfers/reset", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("busy", func(t *testing.T) {
		h, deps := createTestHandler(t)
		deps.transfers.On("Reset").Return(transfer.ErrBusy)

		rec := serve(h, httptest.NewRequest(http.MethodPost, "/v1/transfers/reset", nil))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestGetTransfer(t *testing.T) {
	h, deps := createTestHandler(t)
	ctx := context.Background()
	require.NoError(t, deps.history.Create(ctx, journal.Record{
		ID:                 "req-3",
		SourceChainIDs:     []uint64{1},
		Amounts:            []string{"1"},
		DestinationChainID: 8453,
		DestinationAddress: "0x1234567890abcdef1234567890abcdef12345678",
		State:              string(transfer.StateBurning),
	}))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/v1/transfers/req-3", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got journal.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "req-3", got.ID)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/v1/transfers/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TRANSFER_NOT_FOUND", decodeError(t, rec).Code)
}

func TestListTransfers(t *testing.T) {
	h, deps := createTestHandler(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, deps.history.Create(ctx, journal.Record{
			ID:                 fmt.Sprintf("req-%d", i),
			SourceChainIDs:     []uint64{1},
			Amounts:            []string{"1"},
			DestinationChainID: 8453,
			DestinationAddress: "0x1234567890abcdef1234567890abcdef12345678",
			State:              string(transfer.StateIdle),
		}))
	}

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/v1/transfers?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TransfersDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Transfers, 2)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/v1/transfers?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResumeTransfer(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"not found", fmt.Errorf("load transfer: %w", journal.ErrNotFound), http.StatusNotFound},
		{"completed", transfer.ErrNotResumable, http.StatusConflict},
		{"busy", transfer.ErrBusy, http.StatusConflict},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h, deps := createTestHandler(t)
			deps.transfers.On("StartResume", mock.Anything, "req-9", deps.wallet).Return(tc.err)
			deps.transfers.On("Snapshot").Return(transfer.Snapshot{RequestID: "req-9", State: transfer.StateBurning})

			rec := serve(h, httptest.NewRequest(http.MethodPost, "/v1/transfers/req-9/resume", nil))
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestGetBalances(t *testing.T) {
	holdings := []portfolio.Holding{{
		ID:        "0",
		Wallet:    "0x1234567890abcdef1234567890abcdef12345678",
		Token:     "USDC",
		ChainID:   1,
		Chain:     "Ethereum",
		Amount:    decimal.RequireFromString("12.5"),
		AmountUSD: decimal.RequireFromString("12.5"),
	}}

	t.Run("ok", func(t *testing.T) {
		h, deps := createTestHandler(t)
		deps.balances.On("FetchBalances", mock.Anything, []string{"0xaa", "0xbb"}).Return(holdings, nil)

		rec := serve(h, httptest.NewRequest(http.MethodGet, "/v1/balances?addresses=0xaa,0xbb", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp BalancesDTO
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Holdings, 1)
		assert.Equal(t, "Ethereum", resp.Holdings[0].Chain)
	})

	t.Run("missing addresses", func(t *testing.T) {
		h, _ := createTestHandler(t)
		rec := serve(h, httptest.NewRequest(http.MethodGet, "/v1/balances", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid address", func(t *testing.T) {
		h, deps := createTestHandler(t)
		deps.balances.On("FetchBalances", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("%w: 0xzz", portfolio.ErrInvalidAddress))
		rec := serve(h, httptest.NewRequest(http.MethodGet, "/v1/balances?addresses=0xzz", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("upstream down", func(t *testing.T) {
		h, deps := createTestHandler(t)
		deps.balances.On("FetchBalances", mock.Anything, mock.Anything).Return(nil, portfolio.ErrUnavailable)
		rec := serve(h, httptest.NewRequest(http.MethodGet, "/v1/balances?addresses=0xaa", nil))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestListChains(t *testing.T) {
	h, _ := createTestHandler(t)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/v1/chains", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "rpcUrl")
	var resp ChainsDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Chains, len(h.registry.Supported()))
}

func TestReadyz(t *testing.T) {
	h, deps := createTestHandler(t)
	deps.balances.On("Health").Return(portfolio.Health{Healthy: true})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.wallet = nil
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp ReadinessDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not connected", resp.Checks["wallet"])
}

func TestHealthzAndRequestID(t *testing.T) {
	h, _ := createTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "abc")
	rec := serve(h, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "abc", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRateLimit(t *testing.T) {
	m := NewMiddleware(zap.NewNop().Sugar(), nil)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := m.RateLimit(6)(next) // burst of one

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCORS(t *testing.T) {
	m := NewMiddleware(zap.NewNop().Sugar(), nil)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := m.CORS([]string{"https://app.example"})(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
