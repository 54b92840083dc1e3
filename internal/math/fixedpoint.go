package math

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// PercentageBase is the denominator for every rate expressed in basis points.
const PercentageBase = 10_000

var ErrOverflow = errors.New("MATH:OVERFLOW")

// Zero returns a fresh zero amount.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// MulDiv computes floor(x * y / d) on a 512-bit intermediate.
// Returns ErrOverflow if the result does not fit in 256 bits, and a
// division error for d == 0.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, fmt.Errorf("mul div: division by zero")
	}

	result, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}

	return result, nil
}

// Mul returns x * y, failing on overflow instead of wrapping.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	result, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return result, nil
}

// Add returns x + y, failing on overflow instead of wrapping.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	result, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return result, nil
}

// SubFloor returns max(x - y, 0).
func SubFloor(x, y *uint256.Int) *uint256.Int {
	if x.Cmp(y) <= 0 {
		return Zero()
	}
	return new(uint256.Int).Sub(x, y)
}

// Fees is the split of a gross payout between counterparty, author and protocol.
// Net + Author + Protocol == Gross holds exactly.
type Fees struct {
	Gross    *uint256.Int
	Overall  *uint256.Int
	Author   *uint256.Int
	Protocol *uint256.Int
	Net      *uint256.Int
}

// ComputeFees splits gross into net payout and fees.
//
//	overall  = floor(gross * authorRate / base)
//	protocol = floor(overall * protocolRate / base)
//	author   = overall - protocol
//	net      = gross - overall
//
// Both divisions floor.
func ComputeFees(gross *uint256.Int, authorRate, protocolRate uint32) (Fees, error) {
	if authorRate > PercentageBase || protocolRate > PercentageBase {
		return Fees{}, fmt.Errorf("compute fees: rate above %d bps (author=%d, protocol=%d)",
			PercentageBase, authorRate, protocolRate)
	}

	base := uint256.NewInt(PercentageBase)

	overall, err := MulDiv(gross, uint256.NewInt(uint64(authorRate)), base)
	if err != nil {
		return Fees{}, fmt.Errorf("compute overall fee: %w", err)
	}

	protocol, err := MulDiv(overall, uint256.NewInt(uint64(protocolRate)), base)
	if err != nil {
		return Fees{}, fmt.Errorf("compute protocol fee: %w", err)
	}

	return Fees{
		Gross:    new(uint256.Int).Set(gross),
		Overall:  overall,
		Author:   new(uint256.Int).Sub(overall, protocol),
		Protocol: protocol,
		Net:      new(uint256.Int).Sub(gross, overall),
	}, nil
}

// ParseAmount parses a base-10 token amount. Hex input is rejected so that
// wire payloads have a single canonical form.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("parse amount: empty string")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) *uint256.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// SignedString renders v as a two's complement signed decimal. Ledger
// balances for wallet accounts go negative and are stored this way.
func SignedString(v *uint256.Int) string {
	if v.Sign() >= 0 {
		return v.Dec()
	}
	return "-" + new(uint256.Int).Neg(v).Dec()
}

// ParseSigned is the inverse of SignedString.
func ParseSigned(s string) (*uint256.Int, error) {
	if rest, ok := strings.CutPrefix(s, "-"); ok {
		v, err := uint256.FromDecimal(rest)
		if err != nil {
			return nil, fmt.Errorf("parse signed amount %q: %w", s, err)
		}
		return new(uint256.Int).Neg(v), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse signed amount %q: %w", s, err)
	}
	return v, nil
}
