package cctp

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tokencollector/collector-backend/internal/chains"
)

// maxAmountLen bounds the input before any decimal arithmetic. A uint256
// has 78 digits, so longer strings can only be padded zeros or overflow.
const maxAmountLen = 96

var amountPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseAmount converts a plain decimal string such as "12.5" into smallest
// stablecoin units. Signs, exponents and more than six significant
// fractional digits are rejected rather than rounded.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if len(s) > maxAmountLen {
		return nil, fmt.Errorf("%w: amount is longer than %d characters", ErrInvalidArgument, maxAmountLen)
	}
	if !amountPattern.MatchString(s) {
		return nil, fmt.Errorf("%w: amount %q is not a plain decimal number", ErrInvalidArgument, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", ErrInvalidArgument, s, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("%w: amount %q must be positive", ErrInvalidArgument, s)
	}
	units := d.Shift(chains.StablecoinDecimals)
	if !units.Equal(units.Truncate(0)) {
		return nil, fmt.Errorf("%w: amount %q exceeds %d decimals", ErrInvalidArgument, s, chains.StablecoinDecimals)
	}
	out := units.BigInt()
	if !fitsUint256(out) {
		return nil, fmt.Errorf("%w: amount %q overflows uint256", ErrInvalidArgument, s)
	}
	return out, nil
}

// FormatAmount renders smallest units back into a decimal string.
func FormatAmount(units *big.Int) string {
	if units == nil {
		return "0"
	}
	return decimal.NewFromBigInt(units, -chains.StablecoinDecimals).String()
}
