// Package cctp encodes the token approval, burn and mint calls of the CCTP v2
// burn-and-mint flow. Everything here is a pure function of its inputs.
package cctp

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/tokencollector/collector-backend/internal/chains"
)

var ErrInvalidArgument = errors.New("invalid argument")

const (
	// FinalityThresholdFast selects the fast-transfer attestation tier.
	FinalityThresholdFast uint32 = 1000
	// FinalityThresholdStandard waits for hard finality.
	FinalityThresholdStandard uint32 = 2000
)

// LegacyFixedAllowance is approved in ApprovalFixed mode regardless of the
// burned amount (10,000 USDC).
var LegacyFixedAllowance = big.NewInt(10_000_000_000)

type ApprovalMode string

const (
	ApprovalExact ApprovalMode = "exact"
	ApprovalFixed ApprovalMode = "fixed"
)

const erc20ABI = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

const tokenMessengerABI = `[
	{"type":"function","name":"depositForBurn","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"amount","type":"uint256"},
		{"name":"destinationDomain","type":"uint32"},
		{"name":"mintRecipient","type":"bytes32"},
		{"name":"burnToken","type":"address"},
		{"name":"destinationCaller","type":"bytes32"},
		{"name":"maxFee","type":"uint256"},
		{"name":"minFinalityThreshold","type":"uint32"}
	 ],
	 "outputs":[]}
]`

const messageTransmitterABI = `[
	{"type":"function","name":"receiveMessage","stateMutability":"nonpayable",
	 "inputs":[{"name":"message","type":"bytes"},{"name":"attestation","type":"bytes"}],
	 "outputs":[{"name":"success","type":"bool"}]}
]`

// EncodedCall is one contract call ready to be handed to a wallet. Gas and
// fee fields are optional and filled in by the submitter.
type EncodedCall struct {
	To                   common.Address `json:"to"`
	Data                 []byte         `json:"data"`
	Value                *big.Int       `json:"value,omitempty"`
	Gas                  uint64         `json:"gas,omitempty"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas,omitempty"`
}

// BurnParams are the inputs of BuildBurn.
type BurnParams struct {
	ChainID            uint64
	Amount             *big.Int
	DestinationChainID uint64
	DestinationAddress string
	MaxFee             *big.Int
	FinalityThreshold  uint32
}

type Builder struct {
	registry *chains.Registry
	mode     ApprovalMode

	erc20       abi.ABI
	messenger   abi.ABI
	transmitter abi.ABI
}

func NewBuilder(registry *chains.Registry, mode ApprovalMode) (*Builder, error) {
	if registry == nil {
		return nil, fmt.Errorf("nil chain registry")
	}
	switch mode {
	case "":
		mode = ApprovalExact
	case ApprovalExact, ApprovalFixed:
	default:
		return nil, fmt.Errorf("unknown approval mode %q", mode)
	}

	b := &Builder{registry: registry, mode: mode}
	var err error
	if b.erc20, err = abi.JSON(strings.NewReader(erc20ABI)); err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	if b.messenger, err = abi.JSON(strings.NewReader(tokenMessengerABI)); err != nil {
		return nil, fmt.Errorf("parse token messenger abi: %w", err)
	}
	if b.transmitter, err = abi.JSON(strings.NewReader(messageTransmitterABI)); err != nil {
		return nil, fmt.Errorf("parse message transmitter abi: %w", err)
	}
	return b, nil
}

func (b *Builder) Mode() ApprovalMode { return b.mode }

func (b *Builder) descriptor(chainID uint64) (chains.Descriptor, error) {
	d, err := b.registry.DescriptorFor(chainID)
	if err != nil {
		return chains.Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return d, nil
}

// BuildApprove approves spender to pull amount of the chain's stablecoin.
// In ApprovalFixed mode the legacy fixed allowance is used instead.
func (b *Builder) BuildApprove(chainID uint64, spender common.Address, amount *big.Int) (EncodedCall, error) {
	d, err := b.descriptor(chainID)
	if err != nil {
		return EncodedCall{}, err
	}
	if spender == (common.Address{}) {
		return EncodedCall{}, fmt.Errorf("%w: zero spender address", ErrInvalidArgument)
	}
	if !isPositive(amount) {
		return EncodedCall{}, fmt.Errorf("%w: approve amount must be positive", ErrInvalidArgument)
	}
	if !fitsUint256(amount) {
		return EncodedCall{}, fmt.Errorf("%w: approve amount overflows uint256", ErrInvalidArgument)
	}

	allowance := amount
	if b.mode == ApprovalFixed {
		allowance = LegacyFixedAllowance
	}

	data, err := b.erc20.Pack("approve", spender, new(big.Int).Set(allowance))
	if err != nil {
		return EncodedCall{}, fmt.Errorf("pack approve: %w", err)
	}
	return EncodedCall{To: d.Stablecoin, Data: data}, nil
}

// BuildBurn encodes depositForBurn on the source chain's TokenMessenger. The
// destination caller is left zero so anyone may relay the mint.
func (b *Builder) BuildBurn(p BurnParams) (EncodedCall, error) {
	src, err := b.descriptor(p.ChainID)
	if err != nil {
		return EncodedCall{}, err
	}
	dst, err := b.descriptor(p.DestinationChainID)
	if err != nil {
		return EncodedCall{}, err
	}
	if !isPositive(p.Amount) {
		return EncodedCall{}, fmt.Errorf("%w: burn amount must be positive", ErrInvalidArgument)
	}
	if !fitsUint256(p.Amount) {
		return EncodedCall{}, fmt.Errorf("%w: burn amount overflows uint256", ErrInvalidArgument)
	}
	if p.MaxFee == nil || p.MaxFee.Sign() < 0 || p.MaxFee.Cmp(p.Amount) >= 0 {
		return EncodedCall{}, fmt.Errorf("%w: max fee must be in [0, amount)", ErrInvalidArgument)
	}
	recipient, err := PadAddress(p.DestinationAddress)
	if err != nil {
		return EncodedCall{}, err
	}

	data, err := b.messenger.Pack("depositForBurn",
		new(big.Int).Set(p.Amount),
		dst.Domain,
		recipient,
		src.Stablecoin,
		[32]byte{},
		new(big.Int).Set(p.MaxFee),
		p.FinalityThreshold,
	)
	if err != nil {
		return EncodedCall{}, fmt.Errorf("pack depositForBurn: %w", err)
	}
	return EncodedCall{To: src.TokenMessenger, Data: data}, nil
}

// BuildMint encodes receiveMessage on the destination MessageTransmitter.
func (b *Builder) BuildMint(chainID uint64, message, attestation []byte) (EncodedCall, error) {
	d, err := b.descriptor(chainID)
	if err != nil {
		return EncodedCall{}, err
	}
	if len(message) == 0 || len(attestation) == 0 {
		return EncodedCall{}, fmt.Errorf("%w: empty message or attestation", ErrInvalidArgument)
	}
	data, err := b.transmitter.Pack("receiveMessage", message, attestation)
	if err != nil {
		return EncodedCall{}, fmt.Errorf("pack receiveMessage: %w", err)
	}
	return EncodedCall{To: d.MessageTransmitter, Data: data}, nil
}

// MaxFeeFor caps the protocol fee at amount minus one smallest unit.
func MaxFeeFor(amount *big.Int) (*big.Int, error) {
	if !isPositive(amount) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	return new(big.Int).Sub(amount, big.NewInt(1)), nil
}

// PadAddress validates a hex address and left-pads it to 32 bytes.
func PadAddress(addr string) ([32]byte, error) {
	var out [32]byte
	if !common.IsHexAddress(addr) {
		return out, fmt.Errorf("%w: malformed address %q", ErrInvalidArgument, addr)
	}
	copy(out[:], common.LeftPadBytes(common.HexToAddress(addr).Bytes(), 32))
	return out, nil
}

func isPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

// fitsUint256 guards ABI packing, which silently wraps wider values.
func fitsUint256(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.BitLen() <= 256
}
