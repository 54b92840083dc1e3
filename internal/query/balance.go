package query

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Amount is a base-unit value together with its human rendering.
// Value is exact; Formatted shifts the decimal point by the token's decimals.
type Amount struct {
	Value     string `json:"value"`
	Decimals  uint8  `json:"decimals"`
	Formatted string `json:"formatted"`
}

// NewAmount renders v with decimals places. A nil v is zero.
func NewAmount(v *uint256.Int, decimals uint8) Amount {
	if v == nil {
		v = new(uint256.Int)
	}
	d := decimal.NewFromBigInt(v.ToBig(), -int32(decimals))
	return Amount{
		Value:     v.Dec(),
		Decimals:  decimals,
		Formatted: d.StringFixed(int32(decimals)),
	}
}

// FormatSigned renders a signed base-unit decimal string, as stored in the
// balance projection, with decimals places.
func FormatSigned(raw string, decimals uint8) (string, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return "", fmt.Errorf("balance %q: %w", raw, err)
	}
	return d.Shift(-int32(decimals)).StringFixed(int32(decimals)), nil
}

// TokenBalanceResponse is a margin token holding.
type TokenBalanceResponse struct {
	Token        string `json:"token"`
	Holder       string `json:"holder"`
	Balance      Amount `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// AllowanceResponse is what spender may pull from owner.
type AllowanceResponse struct {
	Token        string `json:"token"`
	Owner        string `json:"owner"`
	Spender      string `json:"spender"`
	Allowance    Amount `json:"allowance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PositionBalanceResponse is a LONG or SHORT claim-token holding.
type PositionBalanceResponse struct {
	Position     string `json:"position"`
	Holder       string `json:"holder"`
	Hash         string `json:"hash"`
	Side         string `json:"side"`
	Name         string `json:"name"`
	Balance      Amount `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// FeeVaultResponse is the withdrawable fee balance of a beneficiary.
type FeeVaultResponse struct {
	Beneficiary  string `json:"beneficiary"`
	Token        string `json:"token"`
	Balance      Amount `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// AccountBalance is a projected ledger account. Wallet balances are net
// flows with custody and go negative while margin is posted.
type AccountBalance struct {
	AccountPath  string `json:"account_path"`
	Scope        string `json:"scope"`
	Entity       string `json:"entity"`
	Token        string `json:"token"`
	Balance      string `json:"balance"`
	Formatted    string `json:"formatted,omitempty"`
	LastSequence int64  `json:"last_sequence"`
}
