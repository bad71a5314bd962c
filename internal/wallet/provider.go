package wallet

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrChainSwitch       = errors.New("chain switch failed")
	ErrBatchExecution    = errors.New("batch execution failed")
	ErrExecutionReverted = errors.New("execution reverted")
	ErrAtomicUnsupported = errors.New("atomic batch not supported by wallet")
	ErrNoAccount         = errors.New("wallet exposes no account")
)

// JSON-RPC error codes returned by wallet providers.
const (
	CodeUserRejected         = 4001
	CodeUnrecognizedChain    = 4902
	CodeAtomicityUnsupported = 5760
	CodeEVMRevert            = 3
)

// Batch status codes reported by wallet_getCallsStatus.
const (
	StatusPending         = 100
	StatusConfirmed       = 200
	StatusOffchainFailure = 400
	StatusReverted        = 500
	StatusPartialReverted = 600
)

// Atomic capability states reported by wallet_getCapabilities.
const (
	AtomicSupported   = "supported"
	AtomicReady       = "ready"
	AtomicUnsupported = "unsupported"
)

// Call is one entry of a wallet_sendCalls batch. Gas and fee fields are
// hints that wallets may ignore.
type Call struct {
	To                   common.Address  `json:"to"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
}

type SendCallsRequest struct {
	Version        string         `json:"version"`
	ChainID        hexutil.Uint64 `json:"chainId"`
	From           common.Address `json:"from"`
	AtomicRequired bool           `json:"atomicRequired"`
	Calls          []Call         `json:"calls"`
}

type Receipt struct {
	Status          hexutil.Uint64 `json:"status"`
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
}

type CallsStatus struct {
	ID       string         `json:"id"`
	ChainID  hexutil.Uint64 `json:"chainId"`
	Status   int            `json:"status"`
	Atomic   bool           `json:"atomic"`
	Receipts []Receipt      `json:"receipts"`
}

type AtomicCapability struct {
	Status string `json:"status"`
}

type ChainCapabilities struct {
	Atomic *AtomicCapability `json:"atomic,omitempty"`
}

// AddChainRequest is the wallet_addEthereumChain parameter object.
type AddChainRequest struct {
	ChainID           hexutil.Uint64 `json:"chainId"`
	ChainName         string         `json:"chainName"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
}

type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// Provider is the upstream signing wallet. It owns keys and submission; the
// session only drives it.
type Provider interface {
	Accounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, chainID uint64) error
	AddChain(ctx context.Context, req AddChainRequest) error
	GetCapabilities(ctx context.Context, account common.Address, chainID uint64) (ChainCapabilities, error)
	SendCalls(ctx context.Context, req SendCallsRequest) (string, error)
	GetCallsStatus(ctx context.Context, id string) (CallsStatus, error)
	Close()
}

// Fees are EIP-1559 fee caps in wei.
type Fees struct {
	MaxFeePerGas         *big.Int `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas"`
}

// IsExecutionReverted reports whether err belongs to the revert class that a
// mint retry may recover from.
func IsExecutionReverted(err error) bool {
	return errors.Is(err, ErrExecutionReverted)
}
