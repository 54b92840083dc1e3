package position

import (
	"bytes"
	"fmt"
	"sort"

	"DerivLedger/internal/derivative"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

type HolderBalance struct {
	Holder common.Address `json:"holder"`
	Amount string         `json:"amount"`
}

type PairState struct {
	Hash          common.Hash      `json:"hash"`
	Derivative    derivative.Terms `json:"derivative"`
	Name          string           `json:"name"`
	Issued        string           `json:"issued"`
	LongBalances  []HolderBalance  `json:"long_balances"`
	ShortBalances []HolderBalance  `json:"short_balances"`
}

func (l *Ledger) Export() []PairState {
	out := make([]PairState, 0, len(l.pairs))
	for _, h := range l.Hashes() {
		p := l.pairs[h]
		out = append(out, PairState{
			Hash:          h,
			Derivative:    p.derivative.Terms(),
			Name:          p.name,
			Issued:        p.issued.Dec(),
			LongBalances:  exportBalances(p.long),
			ShortBalances: exportBalances(p.short),
		})
	}
	return out
}

func exportBalances(t *token) []HolderBalance {
	holders := make([]common.Address, 0, len(t.balances))
	for h := range t.balances {
		holders = append(holders, h)
	}
	sort.Slice(holders, func(i, j int) bool { return bytes.Compare(holders[i][:], holders[j][:]) < 0 })

	out := make([]HolderBalance, 0, len(holders))
	for _, h := range holders {
		out = append(out, HolderBalance{Holder: h, Amount: t.balances[h].Dec()})
	}
	return out
}

// Restore replaces all pairs. Token addresses are re-derived from the
// factory, and supplies are recomputed from balances.
func (l *Ledger) Restore(pairs []PairState) error {
	restoredPairs := make(map[common.Hash]*pair, len(pairs))
	restoredTokens := make(map[common.Address]*token, 2*len(pairs))

	for _, ps := range pairs {
		if _, dup := restoredPairs[ps.Hash]; dup {
			return fmt.Errorf("%w: %s", ErrPairAlreadyDeployed, ps.Hash.Hex())
		}
		d, err := ps.Derivative.Derivative()
		if err != nil {
			return fmt.Errorf("pair %s: %w", ps.Hash.Hex(), err)
		}
		if d.Hash() != ps.Hash {
			return fmt.Errorf("pair %s: derivative hashes to %s", ps.Hash.Hex(), d.Hash().Hex())
		}
		issued, err := uint256.FromDecimal(ps.Issued)
		if err != nil {
			return fmt.Errorf("pair %s issued: %w", ps.Hash.Hex(), err)
		}

		long, short := l.PredictPair(ps.Hash)
		p := &pair{
			hash:       ps.Hash,
			derivative: d,
			name:       ps.Name,
			issued:     issued,
			long:       newToken(long, ps.Hash, derivative.SideLong, ps.Name),
			short:      newToken(short, ps.Hash, derivative.SideShort, ps.Name),
		}
		if err := restoreBalances(p.long, ps.LongBalances); err != nil {
			return err
		}
		if err := restoreBalances(p.short, ps.ShortBalances); err != nil {
			return err
		}
		restoredPairs[ps.Hash] = p
		restoredTokens[long] = p.long
		restoredTokens[short] = p.short
	}

	l.pairs = restoredPairs
	l.tokens = restoredTokens
	return nil
}

func restoreBalances(t *token, balances []HolderBalance) error {
	for _, hb := range balances {
		v, err := uint256.FromDecimal(hb.Amount)
		if err != nil {
			return fmt.Errorf("%s balance of %s: %w", t.name, hb.Holder.Hex(), err)
		}
		if v.IsZero() {
			continue
		}
		t.balances[hb.Holder] = v
		t.supply.Add(t.supply, v)
	}
	return nil
}
