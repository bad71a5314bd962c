package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tokencollector/collector-backend/internal/cctp"
	"github.com/tokencollector/collector-backend/internal/chains"
)

// HandleJSONRPC handles JSON-RPC 2.0 requests for clients that want to sign
// the CCTP calls with their own wallet.
func (h *Handler) HandleJSONRPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSONRPCError(w, r, nil, JSONRPCParseError, "Parse error", err.Error())
		return
	}

	if req.JSONRPC != "2.0" {
		h.sendJSONRPCError(w, r, req.ID, JSONRPCInvalidRequest, "Invalid Request", "jsonrpc must be '2.0'")
		return
	}

	switch req.Method {
	case "buildBurnCalls":
		h.handleBuildBurnCalls(w, r, &req)
	case "buildMintCall":
		h.handleBuildMintCall(w, r, &req)
	default:
		h.sendJSONRPCError(w, r, req.ID, JSONRPCMethodNotFound, "Method not found", fmt.Sprintf("Method '%s' not found", req.Method))
	}
}

func decodeParams(raw interface{}, out interface{}) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// handleBuildBurnCalls returns the approve and depositForBurn pair for one
// source chain.
func (h *Handler) handleBuildBurnCalls(w http.ResponseWriter, r *http.Request, req *JSONRPCRequest) {
	var params BuildBurnCallsParams
	if err := decodeParams(req.Params, &params); err != nil {
		h.sendJSONRPCError(w, r, req.ID, JSONRPCInvalidParams, "Invalid params", err.Error())
		return
	}
	if params.SourceChainID == params.DestinationChainID {
		h.sendJSONRPCError(w, r, req.ID, JSONRPCInvalidParams, "Invalid params", "source and destination chain must differ")
		return
	}

	amount, err := cctp.ParseAmount(params.Amount)
	if err != nil {
		h.sendJSONRPCError(w, r, req.ID, JSONRPCInvalidParams, "Invalid amount", err.Error())
		return
	}
	src, err := h.registry.DescriptorFor(params.SourceChainID)
	if err != nil {
		h.sendJSONRPCError(w, r, req.ID, JSONRPCInvalidParams, "Unsupported chain", err.Error())
		return
	}
	maxFee, err := cctp.MaxFeeFor(amount)
	if err != nil {
		h.sendJSONRPCError(w, r, req.ID, JSONRPCInvalidParams, "Invalid amount", err.Error())
		return
	}

	approve, err := h.builder.BuildApprove(params.SourceChainID, src.TokenMessenger, amount)
	if err != nil {
		h.sendBuildError(w, r, req.ID, err)
		return
	}
	burn, err := h.builder.BuildBurn(cctp.BurnParams{
		ChainID:            params.SourceChainID,
		Amount:             amount,
		DestinationChainID: params.DestinationChainID,
		DestinationAddress: params.DestinationAddress,
		MaxFee:             maxFee,
		FinalityThreshold:  cctp.FinalityThresholdFast,
	})
	if err != nil {
		h.sendBuildError(w, r, req.ID, err)
		return
	}

	h.sendJSONRPCResult(w, r, req.ID, BuildCallsResult{
		ChainID: params.SourceChainID,
		Calls:   []UnsignedCall{toUnsignedCall(approve), toUnsignedCall(burn)},
	})
}

func (h *Handler) handleBuildMintCall(w http.ResponseWriter, r *http.Request, req *JSONRPCRequest) {
	var params BuildMintCallParams
	if err := decodeParams(req.Params, &params); err != nil {
		h.sendJSONRPCError(w, r, req.ID, JSONRPCInvalidParams, "Invalid params", err.Error())
		return
	}

	mint, err := h.builder.BuildMint(params.DestinationChainID, params.Message, params.Attestation)
	if err != nil {
		h.sendBuildError(w, r, req.ID, err)
		return
	}

	h.sendJSONRPCResult(w, r, req.ID, BuildCallsResult{
		ChainID: params.DestinationChainID,
		Calls:   []UnsignedCall{toUnsignedCall(mint)},
	})
}

func toUnsignedCall(c cctp.EncodedCall) UnsignedCall {
	out := UnsignedCall{To: c.To.Hex(), Data: c.Data}
	if c.Value != nil {
		out.Value = (*hexutil.Big)(c.Value)
	}
	return out
}

func (h *Handler) sendBuildError(w http.ResponseWriter, r *http.Request, id interface{}, err error) {
	if errors.Is(err, cctp.ErrInvalidArgument) || errors.Is(err, chains.ErrUnsupportedChain) {
		h.sendJSONRPCError(w, r, id, JSONRPCInvalidParams, "Invalid params", err.Error())
		return
	}
	h.logger.Errorw("Failed to build calls", "error", err)
	h.sendJSONRPCError(w, r, id, JSONRPCInternalError, "Internal error", "Failed to build calls")
}

func (h *Handler) sendJSONRPCResult(w http.ResponseWriter, r *http.Request, id interface{}, result interface{}) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (h *Handler) sendJSONRPCError(w http.ResponseWriter, r *http.Request, id interface{}, code int, message string, data interface{}) {
	errorResp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}

	w.WriteHeader(http.StatusOK) // JSON-RPC errors are sent with HTTP 200
	json.NewEncoder(w).Encode(errorResp)
}
