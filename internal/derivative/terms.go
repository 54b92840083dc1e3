package derivative

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// Terms is the wire and snapshot form of a Derivative. Amounts are decimal strings.
type Terms struct {
	Margin      string         `json:"margin"`
	EndTime     uint64         `json:"end_time"`
	Params      []string       `json:"params"`
	OracleID    common.Address `json:"oracle_id"`
	Token       common.Address `json:"token"`
	SyntheticID common.Address `json:"synthetic_id"`
}

func (d *Derivative) Terms() Terms {
	params := make([]string, len(d.Params))
	for i, p := range d.Params {
		params[i] = p.Dec()
	}
	return Terms{
		Margin:      d.Margin.Dec(),
		EndTime:     d.EndTime,
		Params:      params,
		OracleID:    d.OracleID,
		Token:       d.Token,
		SyntheticID: d.SyntheticID,
	}
}

// Derivative parses the terms and validates the result.
func (t Terms) Derivative() (*Derivative, error) {
	margin, err := uint256.FromDecimal(t.Margin)
	if err != nil {
		return nil, fmt.Errorf("%w: margin %q: %w", ErrMalformedDerivative, t.Margin, err)
	}
	params := make([]*uint256.Int, len(t.Params))
	for i, s := range t.Params {
		p, err := uint256.FromDecimal(s)
		if err != nil {
			return nil, fmt.Errorf("%w: param %d %q: %w", ErrMalformedDerivative, i, s, err)
		}
		params[i] = p
	}
	d := &Derivative{
		Margin:      margin,
		EndTime:     t.EndTime,
		Params:      params,
		OracleID:    t.OracleID,
		Token:       t.Token,
		SyntheticID: t.SyntheticID,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
