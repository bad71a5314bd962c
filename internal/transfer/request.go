package transfer

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tokencollector/collector-backend/internal/cctp"
	"github.com/tokencollector/collector-backend/internal/chains"
)

// Request asks for Amounts[i] to be collected from SourceChainIDs[i] into
// DestinationAddress on DestinationChainID.
type Request struct {
	SourceChainIDs     []uint64 `json:"sourceChainIds"`
	Amounts            []string `json:"amounts"`
	DestinationChainID uint64   `json:"destinationChainId"`
	DestinationAddress string   `json:"destinationAddress"`
}

type leg struct {
	chainID uint64
	amount  *big.Int
}

// plan is a validated request.
type plan struct {
	legs        []leg
	destChainID uint64
	destAddress common.Address
}

func (p plan) request() Request {
	r := Request{
		DestinationChainID: p.destChainID,
		DestinationAddress: p.destAddress.Hex(),
	}
	for _, l := range p.legs {
		r.SourceChainIDs = append(r.SourceChainIDs, l.chainID)
		r.Amounts = append(r.Amounts, cctp.FormatAmount(l.amount))
	}
	return r
}

func validate(req Request, registry *chains.Registry) (plan, error) {
	if len(req.SourceChainIDs) == 0 {
		return plan{}, fmt.Errorf("%w: no source chains", cctp.ErrInvalidArgument)
	}
	if len(req.SourceChainIDs) != len(req.Amounts) {
		return plan{}, fmt.Errorf("%w: %d source chains but %d amounts",
			cctp.ErrInvalidArgument, len(req.SourceChainIDs), len(req.Amounts))
	}
	if !common.IsHexAddress(req.DestinationAddress) {
		return plan{}, fmt.Errorf("%w: malformed destination address %q", cctp.ErrInvalidArgument, req.DestinationAddress)
	}
	if _, err := registry.DescriptorFor(req.DestinationChainID); err != nil {
		return plan{}, fmt.Errorf("destination: %w", err)
	}

	p := plan{
		destChainID: req.DestinationChainID,
		destAddress: common.HexToAddress(req.DestinationAddress),
	}
	seen := make(map[uint64]bool, len(req.SourceChainIDs))
	for i, chainID := range req.SourceChainIDs {
		if _, err := registry.DescriptorFor(chainID); err != nil {
			return plan{}, fmt.Errorf("source %d: %w", i, err)
		}
		if chainID == req.DestinationChainID {
			return plan{}, fmt.Errorf("%w: source chain %d is the destination", cctp.ErrInvalidArgument, chainID)
		}
		if seen[chainID] {
			return plan{}, fmt.Errorf("%w: chain %d listed twice", cctp.ErrInvalidArgument, chainID)
		}
		seen[chainID] = true

		amount, err := cctp.ParseAmount(req.Amounts[i])
		if err != nil {
			return plan{}, fmt.Errorf("source %d: %w", i, err)
		}
		p.legs = append(p.legs, leg{chainID: chainID, amount: amount})
	}
	return p, nil
}
