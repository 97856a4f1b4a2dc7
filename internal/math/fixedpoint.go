// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision uint8        // Number of decimal places
	Scale            *uint256.Int // 10^DecimalPrecision
}

// maxDecimals is the largest exponent where 10^n still fits in 256 bits.
const maxDecimals = 77

var pow10Table [maxDecimals + 1]uint256.Int

func init() {
	ten := uint256.NewInt(10)
	pow10Table[0].SetOne()
	for i := 1; i <= maxDecimals; i++ {
		pow10Table[i].Mul(&pow10Table[i-1], ten)
	}
}

var (
	// Standard configs
	PegConfig    = NewDecimalConfig(18) // engine USD values and synthetic debt
	OracleConfig = NewDecimalConfig(8)  // Chainlink-style USD feeds

	// Precision is 1e18, the unit of the health factor and USD values.
	Precision = Pow10(18)

	// MaxUint256 is 2^256-1. Used as the "infinite" health factor sentinel.
	MaxUint256 = new(uint256.Int).SetAllOne()

	ErrOverflow        = errors.New("fixed-point overflow")
	ErrExcessPrecision = errors.New("excess precision")
	ErrUnderflow       = errors.New("fixed-point underflow")
	ErrDivideByZero    = errors.New("fixed-point divide by zero")
)

func NewDecimalConfig(precision uint8) DecimalConfig {
	return DecimalConfig{DecimalPrecision: precision, Scale: Pow10(precision)}
}

// Pow10 returns a fresh copy of 10^n. Panics if n > 77.
func Pow10(n uint8) *uint256.Int {
	if n > maxDecimals {
		panic(fmt.Sprintf("pow10: exponent %d exceeds 256-bit range", n))
	}
	return new(uint256.Int).Set(&pow10Table[n])
}

type RoundingMode int

const (
	RoundDown     RoundingMode = iota // Truncate (default: never over-credits a user)
	RoundUp                           // Ceiling
	RoundHalfEven                     // Banker's rounding
)

// MulDiv computes x * y / d with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivideByZero
	}

	quotient, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}

	if mode == RoundDown {
		return quotient, nil
	}

	remainder := new(uint256.Int).MulMod(x, y, d)
	if remainder.IsZero() {
		return quotient, nil
	}

	roundUp := false
	switch mode {
	case RoundUp:
		roundUp = true
	case RoundHalfEven:
		// Compare remainder against d - remainder to avoid doubling past 2^256
		other := new(uint256.Int).Sub(d, remainder)
		cmp := remainder.Cmp(other)
		if cmp > 0 {
			roundUp = true
		} else if cmp == 0 && quotient.Uint64()%2 != 0 {
			roundUp = true
		}
	}

	if roundUp {
		if _, carry := quotient.AddOverflow(quotient, uint256.NewInt(1)); carry {
			return nil, ErrOverflow
		}
	}

	return quotient, nil
}

// Add returns x + y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x - y or ErrUnderflow. Never wraps.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// Mul returns x * y or ErrOverflow.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// ComputeValue converts an asset amount into a Precision-scaled USD value:
//
//	value = amount * price * 10^18 / (10^amountDecimals * 10^priceDecimals)
//
// Rounds down.
func ComputeValue(amount, price *uint256.Int, amountDecimals, priceDecimals uint8) (*uint256.Int, error) {
	if int(amountDecimals)+int(priceDecimals) > maxDecimals {
		return nil, fmt.Errorf("decimals %d+%d: %w", amountDecimals, priceDecimals, ErrOverflow)
	}

	scaledPrice, err := Mul(price, Precision)
	if err != nil {
		return nil, fmt.Errorf("scale price: %w", err)
	}

	return MulDiv(amount, scaledPrice, Pow10(amountDecimals+priceDecimals), RoundDown)
}

// ComputeAmount is the inverse of ComputeValue:
//
//	amount = value * 10^amountDecimals * 10^priceDecimals / (price * 10^18)
//
// Rounds down.
func ComputeAmount(value, price *uint256.Int, amountDecimals, priceDecimals uint8) (*uint256.Int, error) {
	if int(amountDecimals)+int(priceDecimals) > maxDecimals {
		return nil, fmt.Errorf("decimals %d+%d: %w", amountDecimals, priceDecimals, ErrOverflow)
	}
	if price.IsZero() {
		return nil, ErrDivideByZero
	}

	denominator, err := Mul(price, Precision)
	if err != nil {
		return nil, fmt.Errorf("scale price: %w", err)
	}

	return MulDiv(value, Pow10(amountDecimals+priceDecimals), denominator, RoundDown)
}

// Percent returns amount * pct / 100, rounded down.
func Percent(amount *uint256.Int, pct uint64) (*uint256.Int, error) {
	return MulDiv(amount, uint256.NewInt(pct), uint256.NewInt(100), RoundDown)
}

// MaxUint256Digits is the decimal digit count of 2^256-1.
const MaxUint256Digits = 78

// ScaleDecimal shifts d left by decimals places and returns the result as
// an integer. Digit count and exponent are bounded before any arithmetic,
// so exponent notation like "1e100000000" fails without being expanded.
func ScaleDecimal(d decimal.Decimal, decimals uint8, maxDigits int) (*big.Int, error) {
	if d.IsZero() {
		return new(big.Int), nil
	}
	digits := int64(d.NumDigits())
	exp := int64(d.Exponent()) + int64(decimals)

	if exp < 0 && -exp >= digits {
		// Nonzero and below one after scaling.
		return nil, fmt.Errorf("more than %d decimal places: %w", decimals, ErrExcessPrecision)
	}
	if digits+exp > int64(maxDigits) {
		return nil, ErrOverflow
	}

	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("more than %d decimal places: %w", decimals, ErrExcessPrecision)
	}
	return scaled.BigInt(), nil
}

// ParseUnits parses a human decimal string ("1.5") into base units at the
// given precision. Rejects negatives and excess fractional digits.
func ParseUnits(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse amount %q: negative", s)
	}

	b, err := ScaleDecimal(d, decimals, MaxUint256Digits)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("parse amount %q: %w", s, ErrOverflow)
	}
	return v, nil
}

// FormatUnits renders base units as a human decimal string.
func FormatUnits(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String()
}

// ParseBaseUnits parses an integer string already expressed in base units.
func ParseBaseUnits(s string) (*uint256.Int, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse base units %q: not an integer", s)
	}
	if b.Sign() < 0 {
		return nil, fmt.Errorf("parse base units %q: negative", s)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("parse base units %q: %w", s, ErrOverflow)
	}
	return v, nil
}
