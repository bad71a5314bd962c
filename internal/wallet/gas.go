package wallet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// GasBufferPercent is applied on top of every gas estimate.
const GasBufferPercent = 120

// ChainReader is the read-only node access the session needs per chain.
// *ethclient.Client satisfies it.
type ChainReader interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// ReaderDialer opens a ChainReader for an RPC endpoint.
type ReaderDialer func(ctx context.Context, rpcURL string) (ChainReader, error)

func DialEthClient(ctx context.Context, rpcURL string) (ChainReader, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// BufferedGas returns ceil(estimate * 120 / 100).
func BufferedGas(estimate uint64) uint64 {
	n := new(big.Int).SetUint64(estimate)
	n.Mul(n, big.NewInt(GasBufferPercent))
	n.Add(n, big.NewInt(99))
	n.Quo(n, big.NewInt(100))
	return n.Uint64()
}

// feesFromHeader uses 2*baseFee + tip as the fee cap so the transaction
// survives a few full blocks of base fee growth.
func feesFromHeader(ctx context.Context, r ChainReader) (Fees, error) {
	head, err := r.HeaderByNumber(ctx, nil)
	if err != nil {
		return Fees{}, fmt.Errorf("latest header: %w", err)
	}
	if head.BaseFee == nil {
		price, err := r.SuggestGasPrice(ctx)
		if err != nil {
			return Fees{}, fmt.Errorf("suggest gas price: %w", err)
		}
		return Fees{MaxFeePerGas: price, MaxPriorityFeePerGas: new(big.Int).Set(price)}, nil
	}

	tip, err := r.SuggestGasTipCap(ctx)
	if err != nil {
		return Fees{}, fmt.Errorf("suggest tip: %w", err)
	}
	maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return Fees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}
