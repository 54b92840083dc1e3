package derivative

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"golang.org/x/crypto/sha3"
)

var ErrMalformedDerivative = errors.New("CORE:MALFORMED_DERIVATIVE")

// Side identifies one of the two claim classes issued per derivative.
type Side uint8

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// Derivative is the immutable contract both counterparties sign up to.
// Margin and Params are expressed in the margin token's native decimals.
type Derivative struct {
	Margin      *uint256.Int
	EndTime     uint64 // unix seconds
	Params      []*uint256.Int
	OracleID    common.Address
	Token       common.Address
	SyntheticID common.Address
}

// Validate rejects derivatives that cannot be hashed or settled.
func (d *Derivative) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil derivative", ErrMalformedDerivative)
	}
	if d.Margin == nil {
		return fmt.Errorf("%w: nil margin", ErrMalformedDerivative)
	}
	for i, p := range d.Params {
		if p == nil {
			return fmt.Errorf("%w: nil param at index %d", ErrMalformedDerivative, i)
		}
	}
	if d.Token == (common.Address{}) {
		return fmt.Errorf("%w: zero margin token", ErrMalformedDerivative)
	}
	if d.SyntheticID == (common.Address{}) {
		return fmt.Errorf("%w: zero synthetic id", ErrMalformedDerivative)
	}
	return nil
}

// Hash returns keccak256 of the packed encoding
// margin(32) || endTime(32) || params(32 each) || oracleId(20) || token(20) || syntheticId(20).
func (d *Derivative) Hash() common.Hash {
	h := sha3.NewLegacyKeccak256()

	margin := d.Margin.Bytes32()
	h.Write(margin[:])

	endTime := uint256.NewInt(d.EndTime).Bytes32()
	h.Write(endTime[:])

	for _, p := range d.Params {
		b := p.Bytes32()
		h.Write(b[:])
	}

	h.Write(d.OracleID.Bytes())
	h.Write(d.Token.Bytes())
	h.Write(d.SyntheticID.Bytes())

	var out common.Hash
	h.Sum(out[:0])
	return out
}

// Clone returns a deep copy; callers may keep the copy after the original is reused.
func (d *Derivative) Clone() *Derivative {
	params := make([]*uint256.Int, len(d.Params))
	for i, p := range d.Params {
		params[i] = new(uint256.Int).Set(p)
	}
	return &Derivative{
		Margin:      new(uint256.Int).Set(d.Margin),
		EndTime:     d.EndTime,
		Params:      params,
		OracleID:    d.OracleID,
		Token:       d.Token,
		SyntheticID: d.SyntheticID,
	}
}
