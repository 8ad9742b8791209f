// Package money implements the fixed-point arithmetic used by the ledger. USD amounts are
// integers scaled by 10^18 ("wei-USD"); every conversion truncates toward zero.
package money

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const USDDecimals = 18

// BasisPoints per whole (100%).
const BasisPoints = 10000

var tenPow = map[uint8]*big.Int{}

func pow10(n uint8) *big.Int {
	if v, ok := tenPow[n]; ok {
		return v
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func init() {
	for i := uint8(0); i <= 36; i++ {
		tenPow[i] = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(i)), nil)
	}
}

// Parse reads an unsigned base-10 integer. The empty string is zero.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, fmt.Errorf("amount %q must be an unsigned integer", s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not an integer", s)
	}
	return v, nil
}

// ParseSigned reads a signed base-10 integer.
func ParseSigned(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not an integer", s)
	}
	return v, nil
}

// String formats v for storage; nil is "0".
func String(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// PriceToWei scales a USD unit price to 18 decimals, truncating extra precision.
func PriceToWei(price decimal.Decimal) *big.Int {
	return price.Shift(USDDecimals).Truncate(0).BigInt()
}

// ToWeiUSD converts a raw on-chain amount with the given decimals into wei-USD at price.
func ToWeiUSD(raw *big.Int, decimals uint8, price decimal.Decimal) *big.Int {
	v := new(big.Int).Mul(raw, PriceToWei(price))
	return v.Quo(v, pow10(decimals))
}

// FromUSD parses a human USD amount such as "100" or "12.5" into wei-USD.
func FromUSD(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse usd %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("usd amount %q is negative", s)
	}
	return PriceToWei(d), nil
}

// FormatUSD renders wei-USD as a decimal dollar string.
func FormatUSD(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -USDDecimals).String()
}

// PercentToBasisPoints turns a percentage like "12" or "2.5" into basis points.
func PercentToBasisPoints(percent string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(percent))
	if err != nil {
		return 0, fmt.Errorf("parse percent %q: %w", percent, err)
	}
	bps := d.Mul(decimal.NewFromInt(100))
	if !bps.Equal(bps.Truncate(0)) {
		return 0, fmt.Errorf("percent %q is finer than one basis point", percent)
	}
	if bps.IsNegative() || bps.GreaterThan(decimal.NewFromInt(BasisPoints)) {
		return 0, fmt.Errorf("percent %q out of range", percent)
	}
	return bps.IntPart(), nil
}

// ApplyBasisPoints returns amount × bps / 10000, truncated.
func ApplyBasisPoints(amount *big.Int, bps int64) *big.Int {
	v := new(big.Int).Mul(amount, big.NewInt(bps))
	return v.Quo(v, big.NewInt(BasisPoints))
}
