package api

import "github.com/ethereum/go-ethereum/common/hexutil"

// JSON-RPC 2.0 request structure
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// JSON-RPC 2.0 response structure
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSON-RPC 2.0 error structure
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// buildBurnCalls method parameters. Amount is a decimal USDC string.
type BuildBurnCallsParams struct {
	SourceChainID      uint64 `json:"sourceChainId"`
	Amount             string `json:"amount"`
	DestinationChainID uint64 `json:"destinationChainId"`
	DestinationAddress string `json:"destinationAddress"`
}

// buildMintCall method parameters
type BuildMintCallParams struct {
	DestinationChainID uint64        `json:"destinationChainId"`
	Message            hexutil.Bytes `json:"message"`
	Attestation        hexutil.Bytes `json:"attestation"`
}

// UnsignedCall is an encoded contract call in wallet_sendCalls shape.
type UnsignedCall struct {
	To    string        `json:"to"`
	Data  hexutil.Bytes `json:"data"`
	Value *hexutil.Big  `json:"value,omitempty"`
}

type BuildCallsResult struct {
	ChainID uint64         `json:"chainId"`
	Calls   []UnsignedCall `json:"calls"`
}

// JSON-RPC error codes (following standard)
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)
