package synthetic

import (
	"bytes"
	"fmt"
	"sort"

	"DerivLedger/internal/derivative"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// OptionCall is a fully covered call. params[0] is the strike. The seller posts
// the whole margin; at maturity the buyer receives min(price-strike, margin)
// per unit when the price settles above the strike and the seller keeps the rest.
type OptionCall struct {
	author     common.Address
	commission uint32
	pool       bool
	thirdParty map[common.Address]bool
}

func NewOptionCall(author common.Address, commission uint32) *OptionCall {
	return &OptionCall{
		author:     author,
		commission: commission,
		thirdParty: make(map[common.Address]bool),
	}
}

// NewPooledOptionCall returns the pooled variant, where the seller side is a
// liquidity pool and execution fees are taken from profit only.
func NewPooledOptionCall(author common.Address, commission uint32) *OptionCall {
	oc := NewOptionCall(author, commission)
	oc.pool = true
	return oc
}

func (o *OptionCall) ValidateInput(d *derivative.Derivative, amount *uint256.Int) bool {
	if d == nil || d.Margin == nil || d.Margin.IsZero() {
		return false
	}
	if len(d.Params) != 1 || d.Params[0] == nil || d.Params[0].IsZero() {
		return false
	}
	return amount != nil
}

func (o *OptionCall) GetMargin(d *derivative.Derivative) (*uint256.Int, *uint256.Int, error) {
	return new(uint256.Int), new(uint256.Int).Set(d.Margin), nil
}

func (o *OptionCall) GetExecutionPayout(d *derivative.Derivative, price *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if len(d.Params) == 0 || d.Params[0] == nil {
		return nil, nil, fmt.Errorf("%w: missing strike", ErrInvalidPayout)
	}
	if price == nil {
		return nil, nil, fmt.Errorf("%w: nil price", ErrInvalidPayout)
	}
	strike := d.Params[0]

	buyer := new(uint256.Int)
	if price.Gt(strike) {
		buyer.Sub(price, strike)
		if buyer.Gt(d.Margin) {
			buyer.Set(d.Margin)
		}
	}
	seller := new(uint256.Int).Sub(d.Margin, buyer)
	return buyer, seller, nil
}

func (o *OptionCall) AuthorAddress() common.Address { return o.author }
func (o *OptionCall) AuthorCommission() uint32      { return o.commission }
func (o *OptionCall) IsPool() bool                  { return o.pool }

func (o *OptionCall) ThirdPartyExecutionAllowed(owner common.Address) bool {
	return o.thirdParty[owner]
}

func (o *OptionCall) AllowThirdPartyExecution(owner common.Address, allow bool) {
	if allow {
		o.thirdParty[owner] = true
		return
	}
	delete(o.thirdParty, owner)
}

func (o *OptionCall) ThirdPartyOwners() []common.Address {
	out := make([]common.Address, 0, len(o.thirdParty))
	for a := range o.thirdParty {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
