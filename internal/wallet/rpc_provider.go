package wallet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const sendCallsVersion = "2.0.0"

// RPCProvider drives a wallet that speaks the EIP-1193 JSON-RPC surface
// (eth_accounts, wallet_switchEthereumChain, wallet_sendCalls, ...).
type RPCProvider struct {
	client *rpc.Client
}

func DialProvider(ctx context.Context, url string) (*RPCProvider, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial wallet provider: %w", err)
	}
	return NewRPCProvider(client), nil
}

func NewRPCProvider(client *rpc.Client) *RPCProvider {
	return &RPCProvider{client: client}
}

func (p *RPCProvider) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := p.client.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (p *RPCProvider) ChainID(ctx context.Context) (uint64, error) {
	var id hexutil.Uint64
	if err := p.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return 0, err
	}
	return uint64(id), nil
}

type switchChainParam struct {
	ChainID hexutil.Uint64 `json:"chainId"`
}

func (p *RPCProvider) SwitchChain(ctx context.Context, chainID uint64) error {
	var ignored json.RawMessage
	return p.client.CallContext(ctx, &ignored, "wallet_switchEthereumChain", switchChainParam{ChainID: hexutil.Uint64(chainID)})
}

func (p *RPCProvider) AddChain(ctx context.Context, req AddChainRequest) error {
	var ignored json.RawMessage
	return p.client.CallContext(ctx, &ignored, "wallet_addEthereumChain", req)
}

func (p *RPCProvider) GetCapabilities(ctx context.Context, account common.Address, chainID uint64) (ChainCapabilities, error) {
	key := hexutil.EncodeUint64(chainID)
	var caps map[string]ChainCapabilities
	if err := p.client.CallContext(ctx, &caps, "wallet_getCapabilities", account, []string{key}); err != nil {
		return ChainCapabilities{}, err
	}
	if c, ok := caps[key]; ok {
		return c, nil
	}
	// "0x0" carries capabilities shared by every chain
	return caps["0x0"], nil
}

func (p *RPCProvider) SendCalls(ctx context.Context, req SendCallsRequest) (string, error) {
	if req.Version == "" {
		req.Version = sendCallsVersion
	}
	var raw json.RawMessage
	if err := p.client.CallContext(ctx, &raw, "wallet_sendCalls", req); err != nil {
		return "", err
	}
	return parseBatchID(raw)
}

// parseBatchID accepts both the object form {"id": ...} and the bare string
// returned by older wallets.
func parseBatchID(raw json.RawMessage) (string, error) {
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.ID != "" {
		return obj.ID, nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil && id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: wallet returned no batch id", ErrBatchExecution)
}

func (p *RPCProvider) GetCallsStatus(ctx context.Context, id string) (CallsStatus, error) {
	var status CallsStatus
	if err := p.client.CallContext(ctx, &status, "wallet_getCallsStatus", id); err != nil {
		return CallsStatus{}, err
	}
	return status, nil
}

func (p *RPCProvider) Close() {
	p.client.Close()
}
