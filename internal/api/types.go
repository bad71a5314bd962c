package api

import (
	"github.com/tokencollector/collector-backend/internal/chains"
	"github.com/tokencollector/collector-backend/internal/journal"
	"github.com/tokencollector/collector-backend/internal/portfolio"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChainDTO is a chain descriptor without its RPC endpoint, which may carry
// provider credentials.
type ChainDTO struct {
	ChainID            uint64                `json:"chainId"`
	Name               string                `json:"name"`
	Domain             uint32                `json:"domain"`
	Stablecoin         string                `json:"stablecoin"`
	TokenMessenger     string                `json:"tokenMessenger"`
	MessageTransmitter string                `json:"messageTransmitter"`
	NativeCurrency     chains.NativeCurrency `json:"nativeCurrency"`
	ExplorerURL        string                `json:"explorerUrl"`
}

func toChainDTO(d chains.Descriptor) ChainDTO {
	return ChainDTO{
		ChainID:            d.ChainID,
		Name:               d.Name,
		Domain:             d.Domain,
		Stablecoin:         d.Stablecoin.Hex(),
		TokenMessenger:     d.TokenMessenger.Hex(),
		MessageTransmitter: d.MessageTransmitter.Hex(),
		NativeCurrency:     d.NativeCurrency,
		ExplorerURL:        d.ExplorerURL,
	}
}

type ChainsDTO struct {
	Chains []ChainDTO `json:"chains"`
}

type BalancesDTO struct {
	Holdings []portfolio.Holding `json:"holdings"`
	AsOf     int64               `json:"asOf"`
}

type TransferAcceptedDTO struct {
	RequestID string `json:"requestId"`
	State     string `json:"state"`
}

type TransfersDTO struct {
	Transfers []journal.Record `json:"transfers"`
}

type ReadinessDTO struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
