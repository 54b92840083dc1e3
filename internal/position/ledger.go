package position

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"DerivLedger/internal/derivative"
	"DerivLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

var (
	ErrPairAlreadyDeployed  = errors.New("POSITION_FACTORY:PAIR_ALREADY_DEPLOYED")
	ErrPairNotDeployed      = errors.New("POSITION_FACTORY:PAIR_NOT_DEPLOYED")
	ErrUnknownPositionToken = errors.New("POSITION_FACTORY:UNKNOWN_POSITION_TOKEN")
	ErrInsufficientBalance  = errors.New("POSITION_TOKEN:INSUFFICIENT_BALANCE")
	ErrNullHolder           = errors.New("POSITION_TOKEN:NULL_HOLDER")
)

// Decimals of every claim token. One claim unit is one unit of margin.
const Decimals uint8 = 0

type token struct {
	address  common.Address
	hash     common.Hash
	side     derivative.Side
	name     string
	balances map[common.Address]*uint256.Int
	supply   *uint256.Int
}

type pair struct {
	hash       common.Hash
	derivative *derivative.Derivative
	name       string
	long       *token
	short      *token
	issued     *uint256.Int
}

// TokenInfo describes one claim token issued by the ledger.
type TokenInfo struct {
	Address    common.Address
	Hash       common.Hash
	Side       derivative.Side
	Name       string
	Decimals   uint8
	Derivative *derivative.Derivative
}

// PairInfo describes a deployed LONG/SHORT pair.
type PairInfo struct {
	Hash       common.Hash
	Derivative *derivative.Derivative
	Name       string
	Long       common.Address
	Short      common.Address
}

// Ledger issues LONG/SHORT claim tokens per derivative hash. Token addresses
// are derived from the factory address and the hash, so a pair is a map entry
// that can be predicted before it exists.
//
// issued tracks minted minus redeemed units. Mint and Redeem move both sides
// together, so issued(LONG) == issued(SHORT) by construction. Execution and
// cancellation burn one side only and leave issued untouched.
type Ledger struct {
	factory common.Address
	pairs   map[common.Hash]*pair
	tokens  map[common.Address]*token
	journal *state.Journal
}

func NewLedger(factory common.Address, journal *state.Journal) *Ledger {
	return &Ledger{
		factory: factory,
		pairs:   make(map[common.Hash]*pair),
		tokens:  make(map[common.Address]*token),
		journal: journal,
	}
}

func (l *Ledger) Factory() common.Address { return l.factory }

// PredictPair returns the (LONG, SHORT) addresses for hash without touching state.
func (l *Ledger) PredictPair(hash common.Hash) (long, short common.Address) {
	return derivative.PositionPair(l.factory, hash)
}

func (l *Ledger) Deployed(hash common.Hash) bool {
	_, ok := l.pairs[hash]
	return ok
}

// CreatePair deploys both claim tokens for hash. A second call for the same
// hash fails.
func (l *Ledger) CreatePair(hash common.Hash, d *derivative.Derivative, name string) (long, short common.Address, err error) {
	if _, ok := l.pairs[hash]; ok {
		return common.Address{}, common.Address{}, fmt.Errorf("%w: %s", ErrPairAlreadyDeployed, hash.Hex())
	}
	if d == nil {
		return common.Address{}, common.Address{}, fmt.Errorf("%w: nil derivative", derivative.ErrMalformedDerivative)
	}

	long, short = l.PredictPair(hash)
	p := &pair{
		hash:       hash,
		derivative: d.Clone(),
		name:       name,
		issued:     new(uint256.Int),
	}
	p.long = newToken(long, hash, derivative.SideLong, name)
	p.short = newToken(short, hash, derivative.SideShort, name)

	l.pairs[hash] = p
	l.tokens[long] = p.long
	l.tokens[short] = p.short
	l.journal.Append(func() {
		delete(l.pairs, hash)
		delete(l.tokens, long)
		delete(l.tokens, short)
	})
	return long, short, nil
}

func newToken(addr common.Address, hash common.Hash, side derivative.Side, name string) *token {
	return &token{
		address:  addr,
		hash:     hash,
		side:     side,
		name:     tokenName(name, side),
		balances: make(map[common.Address]*uint256.Int),
		supply:   new(uint256.Int),
	}
}

func tokenName(name string, side derivative.Side) string {
	if name == "" {
		return side.String()
	}
	return name + " " + side.String()
}

// Pair returns the deployed pair for hash.
func (l *Ledger) Pair(hash common.Hash) (PairInfo, bool) {
	p, ok := l.pairs[hash]
	if !ok {
		return PairInfo{}, false
	}
	return p.info(), true
}

func (p *pair) info() PairInfo {
	return PairInfo{
		Hash:       p.hash,
		Derivative: p.derivative.Clone(),
		Name:       p.name,
		Long:       p.long.address,
		Short:      p.short.address,
	}
}

// Lookup resolves a claim-token address issued by this ledger.
func (l *Ledger) Lookup(addr common.Address) (TokenInfo, error) {
	t, ok := l.tokens[addr]
	if !ok {
		return TokenInfo{}, fmt.Errorf("%w: %s", ErrUnknownPositionToken, addr.Hex())
	}
	return TokenInfo{
		Address:    t.address,
		Hash:       t.hash,
		Side:       t.side,
		Name:       t.name,
		Decimals:   Decimals,
		Derivative: l.pairs[t.hash].derivative.Clone(),
	}, nil
}

// Mint issues amount LONG to buyer and amount SHORT to seller. If the pair
// for hash is absent it is created from d first.
func (l *Ledger) Mint(hash common.Hash, d *derivative.Derivative, amount *uint256.Int, buyer, seller common.Address) error {
	if buyer == (common.Address{}) || seller == (common.Address{}) {
		return ErrNullHolder
	}
	p, ok := l.pairs[hash]
	if !ok {
		if d == nil {
			return fmt.Errorf("%w: %s", ErrPairNotDeployed, hash.Hex())
		}
		if _, _, err := l.CreatePair(hash, d, ""); err != nil {
			return err
		}
		p = l.pairs[hash]
	}
	if amount.IsZero() {
		return nil
	}

	issued, overflow := new(uint256.Int).AddOverflow(p.issued, amount)
	if overflow {
		return fmt.Errorf("issued supply for %s overflows", hash.Hex())
	}
	if err := l.credit(p.long, buyer, amount); err != nil {
		return err
	}
	if err := l.credit(p.short, seller, amount); err != nil {
		return err
	}
	l.setIssued(p, issued)
	return nil
}

// Burn destroys amount of a claim token held by holder.
func (l *Ledger) Burn(addr, holder common.Address, amount *uint256.Int) error {
	t, ok := l.tokens[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPositionToken, addr.Hex())
	}
	return l.debit(t, holder, amount)
}

// Redeem burns amount of both sides from holder and retires it from issued
// supply. Both balances are checked before either is touched.
func (l *Ledger) Redeem(hash common.Hash, holder common.Address, amount *uint256.Int) error {
	p, ok := l.pairs[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPairNotDeployed, hash.Hex())
	}
	if p.long.balanceOf(holder).Lt(amount) || p.short.balanceOf(holder).Lt(amount) {
		return fmt.Errorf("%w: matched balance of %s below %s", ErrInsufficientBalance, holder.Hex(), amount.Dec())
	}
	if p.issued.Lt(amount) {
		return fmt.Errorf("%w: issued %s below %s", ErrInsufficientBalance, p.issued.Dec(), amount.Dec())
	}
	if err := l.debit(p.long, holder, amount); err != nil {
		return err
	}
	if err := l.debit(p.short, holder, amount); err != nil {
		return err
	}
	l.setIssued(p, new(uint256.Int).Sub(p.issued, amount))
	return nil
}

// Transfer moves claim tokens between holders.
func (l *Ledger) Transfer(addr, from, to common.Address, amount *uint256.Int) error {
	t, ok := l.tokens[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPositionToken, addr.Hex())
	}
	if to == (common.Address{}) {
		return ErrNullHolder
	}
	if amount.IsZero() || from == to {
		return nil
	}
	bal := t.balanceOf(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, wants %s", ErrInsufficientBalance, from.Hex(), bal.Dec(), amount.Dec())
	}
	l.setBalance(t, from, new(uint256.Int).Sub(bal, amount))
	l.setBalance(t, to, new(uint256.Int).Add(t.balanceOf(to), amount))
	return nil
}

func (l *Ledger) BalanceOf(addr, holder common.Address) *uint256.Int {
	t, ok := l.tokens[addr]
	if !ok {
		return new(uint256.Int)
	}
	return t.balanceOf(holder)
}

func (l *Ledger) TotalSupply(addr common.Address) *uint256.Int {
	t, ok := l.tokens[addr]
	if !ok {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(t.supply)
}

// Issued returns minted minus redeemed units for hash.
func (l *Ledger) Issued(hash common.Hash) *uint256.Int {
	p, ok := l.pairs[hash]
	if !ok {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(p.issued)
}

// Hashes returns every deployed derivative hash in byte order.
func (l *Ledger) Hashes() []common.Hash {
	out := make([]common.Hash, 0, len(l.pairs))
	for h := range l.pairs {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func (t *token) balanceOf(holder common.Address) *uint256.Int {
	if b, ok := t.balances[holder]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

func (l *Ledger) credit(t *token, holder common.Address, amount *uint256.Int) error {
	supply, overflow := new(uint256.Int).AddOverflow(t.supply, amount)
	if overflow {
		return fmt.Errorf("total supply of %s overflows", t.address.Hex())
	}
	l.setBalance(t, holder, new(uint256.Int).Add(t.balanceOf(holder), amount))
	l.setSupply(t, supply)
	return nil
}

func (l *Ledger) debit(t *token, holder common.Address, amount *uint256.Int) error {
	bal := t.balanceOf(holder)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s %s holds %s, wants %s",
			ErrInsufficientBalance, t.side, holder.Hex(), bal.Dec(), amount.Dec())
	}
	if amount.IsZero() {
		return nil
	}
	l.setBalance(t, holder, new(uint256.Int).Sub(bal, amount))
	l.setSupply(t, new(uint256.Int).Sub(t.supply, amount))
	return nil
}

func (l *Ledger) setBalance(t *token, holder common.Address, v *uint256.Int) {
	prev, had := t.balances[holder]
	if v.IsZero() {
		delete(t.balances, holder)
	} else {
		t.balances[holder] = v
	}
	l.journal.Append(func() {
		if had {
			t.balances[holder] = prev
		} else {
			delete(t.balances, holder)
		}
	})
}

func (l *Ledger) setSupply(t *token, v *uint256.Int) {
	prev := t.supply
	t.supply = v
	l.journal.Append(func() { t.supply = prev })
}

func (l *Ledger) setIssued(p *pair, v *uint256.Int) {
	prev := p.issued
	p.issued = v
	l.journal.Append(func() { p.issued = prev })
}
