// Package amount converts between human-readable decimal token amounts and
// their base-unit integer representation. The token has 18 decimals; all
// arithmetic goes through shopspring/decimal so user-visible amounts like
// "0.1" never pass through binary floating point.
package amount

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/vitwit/monpay/types"
)

// Decimals is the token's decimal precision.
const Decimals = 18

var baseUnitScale = decimal.New(1, Decimals)

// ToBaseUnits parses a decimal amount string and returns the equivalent
// integer number of base units. It rejects non-numeric input, non-positive
// amounts, and amounts with more than 18 fractional digits. Zero is rejected
// like any other non-positive amount: a zero-value settlement would still
// consume the (payer, tx hash) idempotency key and block the real credit.
func ToBaseUnits(s string) (*big.Int, error) {
	if s == "" {
		return nil, &types.Error{Code: types.ErrInvalidAmount, Message: "amount cannot be empty"}
	}

	dec, err := decimal.NewFromString(s)
	if err != nil {
		return nil, &types.Error{Code: types.ErrInvalidAmount, Message: fmt.Sprintf("invalid amount format: %v", err)}
	}

	if !dec.IsPositive() {
		return nil, &types.Error{Code: types.ErrInvalidAmount, Message: "amount must be positive"}
	}

	if dec.Exponent() < -Decimals {
		return nil, &types.Error{
			Code:    types.ErrInvalidAmount,
			Message: fmt.Sprintf("amount %s exceeds %d decimal places", s, Decimals),
		}
	}

	scaled := dec.Mul(baseUnitScale)
	return scaled.BigInt(), nil
}

// ToDecimalString formats a base-unit integer as a decimal amount string.
func ToDecimalString(wei *big.Int) (string, error) {
	if wei == nil {
		return "", &types.Error{Code: types.ErrInvalidAmount, Message: "amount cannot be nil"}
	}
	if wei.Sign() < 0 {
		return "", &types.Error{Code: types.ErrInvalidAmount, Message: "amount cannot be negative"}
	}

	return decimal.NewFromBigInt(wei, -Decimals).String(), nil
}

// MustBaseUnits is a test/fixture helper; it panics on invalid input.
func MustBaseUnits(s string) *big.Int {
	v, err := ToBaseUnits(s)
	if err != nil {
		panic(err)
	}
	return v
}
