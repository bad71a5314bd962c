// Package chains holds the static CCTP deployment table for every supported
// EVM chain: stablecoin, messenger and transmitter addresses plus the
// protocol domain Circle assigns to each chain.
package chains

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

var ErrUnsupportedChain = errors.New("unsupported chain")

// CCTP v2 contracts share one address across every EVM deployment.
var (
	TokenMessengerV2     = common.HexToAddress("0x28b5a0e9C621a5BadaA536219b3a228C8168cf5d")
	MessageTransmitterV2 = common.HexToAddress("0x81D40F21F12A8F0E3252Bccb954D722d4c464B64")
	TokenMinterV2        = common.HexToAddress("0xfd78EE919681417d192449715b2594ab58f5D002")
)

// StablecoinDecimals is the precision of USDC on every supported chain.
const StablecoinDecimals = 6

type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type Descriptor struct {
	ChainID            uint64         `json:"chainId"`
	Name               string         `json:"name"`
	Domain             uint32         `json:"domain"`
	Stablecoin         common.Address `json:"stablecoin"`
	TokenMessenger     common.Address `json:"tokenMessenger"`
	MessageTransmitter common.Address `json:"messageTransmitter"`
	TokenMinter        common.Address `json:"tokenMinter"`
	NativeCurrency     NativeCurrency `json:"nativeCurrency"`
	RPCURL             string         `json:"rpcUrl"`
	ExplorerURL        string         `json:"explorerUrl"`
}

var eth = NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18}

func v2(chainID uint64, name string, domain uint32, usdc string, native NativeCurrency, rpcURL, explorer string) Descriptor {
	return Descriptor{
		ChainID:            chainID,
		Name:               name,
		Domain:             domain,
		Stablecoin:         common.HexToAddress(usdc),
		TokenMessenger:     TokenMessengerV2,
		MessageTransmitter: MessageTransmitterV2,
		TokenMinter:        TokenMinterV2,
		NativeCurrency:     native,
		RPCURL:             rpcURL,
		ExplorerURL:        explorer,
	}
}

func defaultDescriptors() []Descriptor {
	return []Descriptor{
		v2(1, "Ethereum", 0, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", eth,
			"https://ethereum-rpc.publicnode.com", "https://etherscan.io"),
		v2(43114, "Avalanche", 1, "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
			NativeCurrency{Name: "Avalanche", Symbol: "AVAX", Decimals: 18},
			"https://api.avax.network/ext/bc/C/rpc", "https://snowtrace.io"),
		v2(10, "OP Mainnet", 2, "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", eth,
			"https://mainnet.optimism.io", "https://optimistic.etherscan.io"),
		v2(42161, "Arbitrum", 3, "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", eth,
			"https://arb1.arbitrum.io/rpc", "https://arbiscan.io"),
		v2(8453, "Base", 6, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", eth,
			"https://mainnet.base.org", "https://basescan.org"),
		v2(137, "Polygon PoS", 7, "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
			NativeCurrency{Name: "POL", Symbol: "POL", Decimals: 18},
			"https://polygon-rpc.com", "https://polygonscan.com"),
		v2(130, "Unichain", 10, "0x078D782b760474a361dDA0AF3839290b0EF57AD6", eth,
			"https://mainnet.unichain.org", "https://uniscan.xyz"),
		v2(59144, "Linea", 11, "0x176211869cA2b568f2A7D4EE941E073a821EE1ff", eth,
			"https://rpc.linea.build", "https://lineascan.build"),
	}
}

// Registry is read-only after construction and safe for concurrent use.
type Registry struct {
	byChain  map[uint64]Descriptor
	byDomain map[uint32]uint64
}

// NewRegistry builds the default table, replacing RPC URLs for chains listed
// in rpcOverrides. Overrides for unknown chains are rejected.
func NewRegistry(rpcOverrides map[uint64]string) (*Registry, error) {
	return newRegistry(defaultDescriptors(), rpcOverrides)
}

func newRegistry(descs []Descriptor, rpcOverrides map[uint64]string) (*Registry, error) {
	r := &Registry{
		byChain:  make(map[uint64]Descriptor, len(descs)),
		byDomain: make(map[uint32]uint64, len(descs)),
	}
	for _, d := range descs {
		if _, dup := r.byDomain[d.Domain]; dup {
			return nil, fmt.Errorf("duplicate protocol domain %d for chain %d", d.Domain, d.ChainID)
		}
		r.byChain[d.ChainID] = d
		r.byDomain[d.Domain] = d.ChainID
	}
	for chainID, url := range rpcOverrides {
		d, ok := r.byChain[chainID]
		if !ok {
			return nil, fmt.Errorf("rpc override for chain %d: %w", chainID, ErrUnsupportedChain)
		}
		d.RPCURL = url
		r.byChain[chainID] = d
	}
	return r, nil
}

func (r *Registry) DescriptorFor(chainID uint64) (Descriptor, error) {
	d, ok := r.byChain[chainID]
	if !ok {
		return Descriptor{}, fmt.Errorf("chain %d: %w", chainID, ErrUnsupportedChain)
	}
	return d, nil
}

func (r *Registry) DomainFor(chainID uint64) (uint32, error) {
	d, err := r.DescriptorFor(chainID)
	if err != nil {
		return 0, err
	}
	return d.Domain, nil
}

func (r *Registry) ChainIDForDomain(domain uint32) (uint64, error) {
	id, ok := r.byDomain[domain]
	if !ok {
		return 0, fmt.Errorf("domain %d: %w", domain, ErrUnsupportedChain)
	}
	return id, nil
}

func (r *Registry) IsSupported(chainID uint64) bool {
	_, ok := r.byChain[chainID]
	return ok
}

// Supported returns all descriptors ordered by chain id.
func (r *Registry) Supported() []Descriptor {
	out := make([]Descriptor, 0, len(r.byChain))
	for _, d := range r.byChain {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// NameFor returns a display name, also for chains outside the CCTP table.
func (r *Registry) NameFor(chainID uint64) string {
	if d, ok := r.byChain[chainID]; ok {
		return d.Name
	}
	return fmt.Sprintf("Chain-%d", chainID)
}
