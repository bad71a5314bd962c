package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/tokencollector/collector-backend/internal/cctp"
	"github.com/tokencollector/collector-backend/internal/chains"
	"github.com/tokencollector/collector-backend/internal/journal"
	"github.com/tokencollector/collector-backend/internal/portfolio"
	"github.com/tokencollector/collector-backend/internal/transfer"
	"github.com/tokencollector/collector-backend/internal/ws"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// MetricsInterface defines the interface for metrics recording
type MetricsInterface interface {
	RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration)
}

type TransferService interface {
	Start(ctx context.Context, req transfer.Request, w transfer.Wallet) (string, error)
	StartResume(ctx context.Context, id string, w transfer.Wallet) error
	Reset() error
	Snapshot() transfer.Snapshot
}

type BalanceService interface {
	FetchBalances(ctx context.Context, addresses []string) ([]portfolio.Holding, error)
	Health() portfolio.Health
}

type TransferHistory interface {
	Get(ctx context.Context, id string) (journal.Record, error)
	List(ctx context.Context, limit int) ([]journal.Record, error)
}

// CallBuilder encodes calls for clients that sign on their own.
type CallBuilder interface {
	BuildApprove(chainID uint64, spender common.Address, amount *big.Int) (cctp.EncodedCall, error)
	BuildBurn(p cctp.BurnParams) (cctp.EncodedCall, error)
	BuildMint(chainID uint64, message, attestation []byte) (cctp.EncodedCall, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of Handler. Wallet may be nil when no wallet
// provider is connected; transfer endpoints then answer 503.
type Deps struct {
	Transfers TransferService
	Balances  BalanceService
	History   TransferHistory
	Builder   CallBuilder
	Registry  *chains.Registry
	Wallet    transfer.Wallet
	Cache     Pinger
	WSHub     *ws.Hub
	SSE       *ws.SSEHandler
	Logger    *zap.SugaredLogger
	Metrics   MetricsInterface
	// RunContext bounds transfers started over HTTP; it outlives requests.
	RunContext context.Context
}

type Handler struct {
	transfers TransferService
	balances  BalanceService
	history   TransferHistory
	builder   CallBuilder
	registry  *chains.Registry
	wallet    transfer.Wallet
	cache     Pinger
	wsHub     *ws.Hub
	sse       *ws.SSEHandler
	logger    *zap.SugaredLogger
	metrics   MetricsInterface
	runCtx    context.Context
}

func NewHandler(d Deps) *Handler {
	runCtx := d.RunContext
	if runCtx == nil {
		runCtx = context.Background()
	}
	return &Handler{
		transfers: d.Transfers,
		balances:  d.Balances,
		history:   d.History,
		builder:   d.Builder,
		registry:  d.Registry,
		wallet:    d.Wallet,
		cache:     d.Cache,
		wsHub:     d.WSHub,
		sse:       d.SSE,
		logger:    d.Logger,
		metrics:   d.Metrics,
		runCtx:    runCtx,
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			checks["cache"] = err.Error()
			ready = false
		} else {
			checks["cache"] = "ok"
		}
	}
	if h.wallet == nil {
		checks["wallet"] = "not connected"
		ready = false
	} else {
		checks["wallet"] = "ok"
	}
	// the balances service is advisory; transfers work without it
	if h.balances != nil {
		switch health := h.balances.Health(); {
		case health.Healthy:
			checks["balances"] = "ok"
		case health.LastError != "":
			checks["balances"] = health.LastError
		default:
			checks["balances"] = "pending"
		}
	}

	dto := ReadinessDTO{Status: "ready", Checks: checks}
	status := http.StatusOK
	if !ready {
		dto.Status = "not_ready"
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, dto)
}

func (h *Handler) ListChains(w http.ResponseWriter, r *http.Request) {
	descs := h.registry.Supported()
	dto := ChainsDTO{Chains: make([]ChainDTO, 0, len(descs))}
	for _, d := range descs {
		dto.Chains = append(dto.Chains, toChainDTO(d))
	}
	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("addresses")
	if strings.TrimSpace(raw) == "" {
		h.writeError(w, http.StatusBadRequest, "MISSING_ADDRESSES", "addresses query parameter is required")
		return
	}

	holdings, err := h.balances.FetchBalances(r.Context(), strings.Split(raw, ","))
	switch {
	case errors.Is(err, portfolio.ErrInvalidAddress):
		h.writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", err.Error())
		return
	case err != nil:
		h.writeError(w, http.StatusBadGateway, "BALANCES_UNAVAILABLE", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, BalancesDTO{Holdings: holdings, AsOf: time.Now().Unix()})
}

// CreateTransfer validates the request and starts it in the background.
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	if h.wallet == nil {
		h.writeError(w, http.StatusServiceUnavailable, "WALLET_UNAVAILABLE", "no wallet provider connected")
		return
	}

	var req transfer.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON in request body: "+err.Error())
		return
	}

	id, err := h.transfers.Start(h.runCtx, req, h.wallet)
	if err != nil {
		h.writeTransferError(w, err)
		return
	}

	h.logger.Infow("Transfer accepted", "requestId", id, "sources", req.SourceChainIDs, "destinationChainId", req.DestinationChainID)
	h.writeJSON(w, http.StatusAccepted, TransferAcceptedDTO{RequestID: id, State: string(h.transfers.Snapshot().State)})
}

func (h *Handler) GetTransferState(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.transfers.Snapshot())
}

func (h *Handler) ResetTransfer(w http.ResponseWriter, r *http.Request) {
	if err := h.transfers.Reset(); err != nil {
		h.writeTransferError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.transfers.Snapshot())
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusNotFound, "TRANSFER_NOT_FOUND", "no transfer journal configured")
		return
	}
	rec, err := h.history.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeTransferError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	if h.history == nil {
		h.writeJSON(w, http.StatusOK, TransfersDTO{Transfers: []journal.Record{}})
		return
	}
	recs, err := h.history.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "JOURNAL_ERROR", err.Error())
		return
	}
	if recs == nil {
		recs = []journal.Record{}
	}
	h.writeJSON(w, http.StatusOK, TransfersDTO{Transfers: recs})
}

func (h *Handler) ResumeTransfer(w http.ResponseWriter, r *http.Request) {
	if h.wallet == nil {
		h.writeError(w, http.StatusServiceUnavailable, "WALLET_UNAVAILABLE", "no wallet provider connected")
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.transfers.StartResume(h.runCtx, id, h.wallet); err != nil {
		h.writeTransferError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, TransferAcceptedDTO{RequestID: id, State: string(h.transfers.Snapshot().State)})
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHub.HandleWebSocket(w, r)
}

func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	h.sse.HandleSSE(w, r)
}

// writeTransferError maps orchestrator and journal errors onto HTTP statuses.
func (h *Handler) writeTransferError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transfer.ErrBusy):
		h.writeError(w, http.StatusConflict, "TRANSFER_IN_PROGRESS", err.Error())
	case errors.Is(err, transfer.ErrNotResumable):
		h.writeError(w, http.StatusConflict, "NOT_RESUMABLE", err.Error())
	case errors.Is(err, journal.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "TRANSFER_NOT_FOUND", err.Error())
	case errors.Is(err, chains.ErrUnsupportedChain):
		h.writeError(w, http.StatusBadRequest, "UNSUPPORTED_CHAIN", err.Error())
	case errors.Is(err, cctp.ErrInvalidArgument):
		h.writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "TRANSFER_ERROR", err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("API error", "code", code, "message", message, "status", status)
	} else {
		h.logger.Infow("API error", "code", code, "message", message, "status", status)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}
