package synthetic

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"DerivLedger/internal/derivative"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

var (
	ErrSyntheticNotFound      = errors.New("SYNTHETIC_AGGREGATOR:SYNTHETIC_NOT_FOUND")
	ErrSyntheticRegistered    = errors.New("SYNTHETIC_AGGREGATOR:SYNTHETIC_ALREADY_REGISTERED")
	ErrWrongMargin            = errors.New("SYNTHETIC_AGGREGATOR:WRONG_MARGIN")
	ErrAuthorCommissionTooBig = errors.New("SYNTHETIC_AGGREGATOR:AUTHOR_COMMISSION_TOO_BIG")
	ErrInvalidPayout          = errors.New("SYNTHETIC:INVALID_PAYOUT")
)

// Valuator is the pluggable pricing logic behind a syntheticId.
//
// Implementations must be deterministic: the same derivative and price always
// yield the same margins and payout. The engine never trusts a valuator twice
// for the same derivative's margins; see Cache.
type Valuator interface {
	// ValidateInput rejects derivatives the synthetic cannot settle.
	ValidateInput(d *derivative.Derivative, amount *uint256.Int) bool
	// GetMargin splits d.Margin between buyer and seller.
	GetMargin(d *derivative.Derivative) (buyer, seller *uint256.Int, err error)
	// GetExecutionPayout returns the buyer and seller shares of the total margin
	// at the observed price, as ratios of their sum.
	GetExecutionPayout(d *derivative.Derivative, price *uint256.Int) (buyer, seller *uint256.Int, err error)
	AuthorAddress() common.Address
	// AuthorCommission is in basis points over fpmath.PercentageBase.
	AuthorCommission() uint32
	IsPool() bool
	ThirdPartyExecutionAllowed(owner common.Address) bool
	AllowThirdPartyExecution(owner common.Address, allow bool)
}

// ThirdPartyLister is implemented by valuators that can export their
// third-party execution permissions for snapshots.
type ThirdPartyLister interface {
	ThirdPartyOwners() []common.Address
}

// Resolver maps syntheticId addresses to valuators.
type Resolver struct {
	valuators map[common.Address]Valuator
}

func NewResolver() *Resolver {
	return &Resolver{valuators: make(map[common.Address]Valuator)}
}

func (r *Resolver) Register(id common.Address, v Valuator) error {
	if _, ok := r.valuators[id]; ok {
		return fmt.Errorf("%w: %s", ErrSyntheticRegistered, id.Hex())
	}
	r.valuators[id] = v
	return nil
}

func (r *Resolver) Resolve(id common.Address) (Valuator, error) {
	v, ok := r.valuators[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSyntheticNotFound, id.Hex())
	}
	return v, nil
}

// IDs returns registered syntheticIds in address order.
func (r *Resolver) IDs() []common.Address {
	out := make([]common.Address, 0, len(r.valuators))
	for id := range r.valuators {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
