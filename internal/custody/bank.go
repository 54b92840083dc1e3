package custody

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"DerivLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

var (
	ErrUnknownToken          = errors.New("TOKEN:UNKNOWN_TOKEN")
	ErrTokenExists           = errors.New("TOKEN:ALREADY_REGISTERED")
	ErrBalanceExceeded       = errors.New("TOKEN:TRANSFER_AMOUNT_EXCEEDS_BALANCE")
	ErrAllowanceExceeded     = errors.New("TOKEN:TRANSFER_AMOUNT_EXCEEDS_ALLOWANCE")
	ErrInvalidTokenRecipient = errors.New("TOKEN:TRANSFER_TO_ZERO_ADDRESS")
)

// TokenLedger is the fungible-token capability custody moves margin through.
// Amounts are in the token's native decimals; there is no rescaling.
type TokenLedger interface {
	BalanceOf(token, holder common.Address) *uint256.Int
	Allowance(token, owner, spender common.Address) *uint256.Int
	Transfer(token, from, to common.Address, amount *uint256.Int) error
	TransferFrom(token, spender, from, to common.Address, amount *uint256.Int) error
	Decimals(token common.Address) (uint8, error)
}

// TransferHook observes every successful transfer. Returning an error fails the transfer.
type TransferHook func(token, from, to common.Address, amount *uint256.Int) error

type tokenBook struct {
	symbol     string
	decimals   uint8
	supply     *uint256.Int
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
}

// Bank is an in-memory multi-token ledger. Every mutation is journaled so a
// failed settlement operation also rolls back the token moves it made.
type Bank struct {
	tokens  map[common.Address]*tokenBook
	hook    TransferHook
	journal *state.Journal
}

func NewBank(journal *state.Journal) *Bank {
	return &Bank{
		tokens:  make(map[common.Address]*tokenBook),
		journal: journal,
	}
}

// SetTransferHook installs a hook invoked after each transfer.
func (b *Bank) SetTransferHook(hook TransferHook) {
	b.hook = hook
}

func (b *Bank) RegisterToken(token common.Address, symbol string, decimals uint8) error {
	if token == (common.Address{}) {
		return fmt.Errorf("%w: zero token address", ErrUnknownToken)
	}
	if _, ok := b.tokens[token]; ok {
		return fmt.Errorf("%w: %s", ErrTokenExists, token.Hex())
	}
	b.tokens[token] = &tokenBook{
		symbol:     symbol,
		decimals:   decimals,
		supply:     new(uint256.Int),
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
	b.journal.Append(func() { delete(b.tokens, token) })
	return nil
}

func (b *Bank) book(token common.Address) (*tokenBook, error) {
	t, ok := b.tokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	return t, nil
}

func (b *Bank) Decimals(token common.Address) (uint8, error) {
	t, err := b.book(token)
	if err != nil {
		return 0, err
	}
	return t.decimals, nil
}

func (b *Bank) Symbol(token common.Address) (string, error) {
	t, err := b.book(token)
	if err != nil {
		return "", err
	}
	return t.symbol, nil
}

func (b *Bank) TotalSupply(token common.Address) *uint256.Int {
	t, err := b.book(token)
	if err != nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(t.supply)
}

func (b *Bank) BalanceOf(token, holder common.Address) *uint256.Int {
	t, err := b.book(token)
	if err != nil {
		return new(uint256.Int)
	}
	if v, ok := t.balances[holder]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

func (b *Bank) Allowance(token, owner, spender common.Address) *uint256.Int {
	t, err := b.book(token)
	if err != nil {
		return new(uint256.Int)
	}
	if v, ok := t.allowances[owner][spender]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// Mint issues new units to holder (faucet / deposit bridge).
func (b *Bank) Mint(token, holder common.Address, amount *uint256.Int) error {
	t, err := b.book(token)
	if err != nil {
		return err
	}
	if holder == (common.Address{}) {
		return ErrInvalidTokenRecipient
	}
	supply, overflow := new(uint256.Int).AddOverflow(t.supply, amount)
	if overflow {
		return fmt.Errorf("mint %s of %s: supply overflow", amount.Dec(), token.Hex())
	}
	b.setSupply(t, supply)
	b.setBalance(t, holder, new(uint256.Int).Add(b.BalanceOf(token, holder), amount))
	return nil
}

// Approve sets the allowance owner grants spender, replacing any previous value.
func (b *Bank) Approve(token, owner, spender common.Address, amount *uint256.Int) error {
	t, err := b.book(token)
	if err != nil {
		return err
	}
	b.setAllowance(t, owner, spender, amount)
	return nil
}

func (b *Bank) Transfer(token, from, to common.Address, amount *uint256.Int) error {
	t, err := b.book(token)
	if err != nil {
		return err
	}
	if err := b.move(t, from, to, amount); err != nil {
		return err
	}
	return b.notify(token, from, to, amount)
}

// TransferFrom moves amount from owner to recipient on behalf of spender,
// consuming spender's allowance.
func (b *Bank) TransferFrom(token, spender, from, to common.Address, amount *uint256.Int) error {
	t, err := b.book(token)
	if err != nil {
		return err
	}
	allowance := b.Allowance(token, from, spender)
	if allowance.Lt(amount) {
		return fmt.Errorf("%w: allowance=%s amount=%s", ErrAllowanceExceeded, allowance.Dec(), amount.Dec())
	}
	if err := b.move(t, from, to, amount); err != nil {
		return err
	}
	b.setAllowance(t, from, spender, new(uint256.Int).Sub(allowance, amount))
	return b.notify(token, from, to, amount)
}

func (b *Bank) move(t *tokenBook, from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrInvalidTokenRecipient
	}
	balance := new(uint256.Int)
	if v, ok := t.balances[from]; ok {
		balance.Set(v)
	}
	if balance.Lt(amount) {
		return fmt.Errorf("%w: balance=%s amount=%s", ErrBalanceExceeded, balance.Dec(), amount.Dec())
	}
	if from == to || amount.IsZero() {
		return nil
	}
	b.setBalance(t, from, new(uint256.Int).Sub(balance, amount))
	received := new(uint256.Int)
	if v, ok := t.balances[to]; ok {
		received.Set(v)
	}
	b.setBalance(t, to, received.Add(received, amount))
	return nil
}

func (b *Bank) notify(token, from, to common.Address, amount *uint256.Int) error {
	if b.hook == nil {
		return nil
	}
	return b.hook(token, from, to, amount)
}

func (b *Bank) setBalance(t *tokenBook, holder common.Address, v *uint256.Int) {
	prev, existed := t.balances[holder]
	if v.IsZero() {
		delete(t.balances, holder)
	} else {
		t.balances[holder] = v
	}
	b.journal.Append(func() {
		if existed {
			t.balances[holder] = prev
		} else {
			delete(t.balances, holder)
		}
	})
}

func (b *Bank) setSupply(t *tokenBook, v *uint256.Int) {
	prev := t.supply
	t.supply = v
	b.journal.Append(func() { t.supply = prev })
}

func (b *Bank) setAllowance(t *tokenBook, owner, spender common.Address, v *uint256.Int) {
	spenders, ok := t.allowances[owner]
	if !ok {
		spenders = make(map[common.Address]*uint256.Int)
		t.allowances[owner] = spenders
	}
	prev, existed := spenders[spender]
	spenders[spender] = new(uint256.Int).Set(v)
	b.journal.Append(func() {
		if existed {
			spenders[spender] = prev
		} else {
			delete(spenders, spender)
		}
	})
}

// === Snapshot ===

// TokenState is the serializable form of one token. Amounts are decimal strings.
type TokenState struct {
	Address    common.Address    `json:"address"`
	Symbol     string            `json:"symbol"`
	Decimals   uint8             `json:"decimals"`
	Balances   []HolderAmount    `json:"balances"`
	Allowances []AllowanceAmount `json:"allowances"`
}

type HolderAmount struct {
	Holder common.Address `json:"holder"`
	Amount string         `json:"amount"`
}

type AllowanceAmount struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  string         `json:"amount"`
}

// Tokens returns registered token addresses in address order.
func (b *Bank) Tokens() []common.Address {
	out := make([]common.Address, 0, len(b.tokens))
	for a := range b.tokens {
		out = append(out, a)
	}
	sortAddresses(out)
	return out
}

func (b *Bank) Export() []TokenState {
	out := make([]TokenState, 0, len(b.tokens))
	for _, addr := range b.Tokens() {
		t := b.tokens[addr]
		ts := TokenState{Address: addr, Symbol: t.symbol, Decimals: t.decimals}

		holders := make([]common.Address, 0, len(t.balances))
		for h := range t.balances {
			holders = append(holders, h)
		}
		sortAddresses(holders)
		for _, h := range holders {
			ts.Balances = append(ts.Balances, HolderAmount{Holder: h, Amount: t.balances[h].Dec()})
		}

		owners := make([]common.Address, 0, len(t.allowances))
		for o := range t.allowances {
			owners = append(owners, o)
		}
		sortAddresses(owners)
		for _, o := range owners {
			spenders := make([]common.Address, 0, len(t.allowances[o]))
			for s := range t.allowances[o] {
				spenders = append(spenders, s)
			}
			sortAddresses(spenders)
			for _, s := range spenders {
				v := t.allowances[o][s]
				if v.IsZero() {
					continue
				}
				ts.Allowances = append(ts.Allowances, AllowanceAmount{Owner: o, Spender: s, Amount: v.Dec()})
			}
		}
		out = append(out, ts)
	}
	return out
}

func (b *Bank) Restore(tokens []TokenState) error {
	restored := make(map[common.Address]*tokenBook, len(tokens))
	for _, ts := range tokens {
		t := &tokenBook{
			symbol:     ts.Symbol,
			decimals:   ts.Decimals,
			supply:     new(uint256.Int),
			balances:   make(map[common.Address]*uint256.Int),
			allowances: make(map[common.Address]map[common.Address]*uint256.Int),
		}
		for _, h := range ts.Balances {
			v, err := uint256.FromDecimal(h.Amount)
			if err != nil {
				return fmt.Errorf("token %s balance of %s: %w", ts.Address.Hex(), h.Holder.Hex(), err)
			}
			t.balances[h.Holder] = v
			t.supply.Add(t.supply, v)
		}
		for _, a := range ts.Allowances {
			v, err := uint256.FromDecimal(a.Amount)
			if err != nil {
				return fmt.Errorf("token %s allowance %s->%s: %w", ts.Address.Hex(), a.Owner.Hex(), a.Spender.Hex(), err)
			}
			if t.allowances[a.Owner] == nil {
				t.allowances[a.Owner] = make(map[common.Address]*uint256.Int)
			}
			t.allowances[a.Owner][a.Spender] = v
		}
		restored[ts.Address] = t
	}
	b.tokens = restored
	return nil
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
}
