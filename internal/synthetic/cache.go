package synthetic

import (
	"bytes"
	"fmt"
	"sort"

	"DerivLedger/internal/derivative"
	"DerivLedger/internal/registry"
	"DerivLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// ParameterSource supplies the commission cap checked when an entry is pinned.
type ParameterSource interface {
	ProtocolParameters() registry.ProtocolParameters
}

// Entry is the economics of a derivative pinned at first use.
type Entry struct {
	Author           common.Address
	AuthorCommission uint32
	BuyerMargin      *uint256.Int
	SellerMargin     *uint256.Int
	IsPool           bool
}

func (e *Entry) clone() *Entry {
	return &Entry{
		Author:           e.Author,
		AuthorCommission: e.AuthorCommission,
		BuyerMargin:      new(uint256.Int).Set(e.BuyerMargin),
		SellerMargin:     new(uint256.Int).Set(e.SellerMargin),
		IsPool:           e.IsPool,
	}
}

// Cache memoizes valuator answers per derivative hash. The first call asks the
// valuator exactly once; every later call returns the pinned entry, so an
// upgraded or misbehaving valuator cannot rewrite existing positions.
type Cache struct {
	resolver *Resolver
	params   ParameterSource
	entries  map[common.Hash]*Entry
	journal  *state.Journal
}

func NewCache(resolver *Resolver, params ParameterSource, journal *state.Journal) *Cache {
	return &Cache{
		resolver: resolver,
		params:   params,
		entries:  make(map[common.Hash]*Entry),
		journal:  journal,
	}
}

func (c *Cache) GetOrCreate(hash common.Hash, d *derivative.Derivative) (*Entry, error) {
	if e, ok := c.entries[hash]; ok {
		return e.clone(), nil
	}

	v, err := c.resolver.Resolve(d.SyntheticID)
	if err != nil {
		return nil, err
	}

	buyer, seller, err := v.GetMargin(d)
	if err != nil {
		return nil, fmt.Errorf("synthetic %s margin: %w", d.SyntheticID.Hex(), err)
	}
	if buyer == nil || seller == nil {
		return nil, fmt.Errorf("%w: nil margin from %s", ErrWrongMargin, d.SyntheticID.Hex())
	}
	sum, overflow := new(uint256.Int).AddOverflow(buyer, seller)
	if overflow || !sum.Eq(d.Margin) {
		return nil, fmt.Errorf("%w: buyer=%s seller=%s margin=%s", ErrWrongMargin, buyer.Dec(), seller.Dec(), d.Margin.Dec())
	}

	commission := v.AuthorCommission()
	if limit := c.params.ProtocolParameters().DerivativeAuthorExecutionFeeCap; commission > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrAuthorCommissionTooBig, commission, limit)
	}

	entry := &Entry{
		Author:           v.AuthorAddress(),
		AuthorCommission: commission,
		BuyerMargin:      new(uint256.Int).Set(buyer),
		SellerMargin:     new(uint256.Int).Set(seller),
		IsPool:           v.IsPool(),
	}
	c.entries[hash] = entry
	c.journal.Append(func() { delete(c.entries, hash) })

	return entry.clone(), nil
}

// Get returns the pinned entry without consulting the valuator.
func (c *Cache) Get(hash common.Hash) (*Entry, bool) {
	e, ok := c.entries[hash]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

func (c *Cache) Len() int {
	return len(c.entries)
}

// === Snapshot ===

type EntryState struct {
	Hash             common.Hash    `json:"hash"`
	Author           common.Address `json:"author"`
	AuthorCommission uint32         `json:"author_commission"`
	BuyerMargin      string         `json:"buyer_margin"`
	SellerMargin     string         `json:"seller_margin"`
	IsPool           bool           `json:"is_pool"`
}

func (c *Cache) Export() []EntryState {
	hashes := make([]common.Hash, 0, len(c.entries))
	for h := range c.entries {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return bytes.Compare(hashes[i][:], hashes[j][:]) < 0 })

	out := make([]EntryState, 0, len(hashes))
	for _, h := range hashes {
		e := c.entries[h]
		out = append(out, EntryState{
			Hash:             h,
			Author:           e.Author,
			AuthorCommission: e.AuthorCommission,
			BuyerMargin:      e.BuyerMargin.Dec(),
			SellerMargin:     e.SellerMargin.Dec(),
			IsPool:           e.IsPool,
		})
	}
	return out
}

func (c *Cache) Restore(entries []EntryState) error {
	restored := make(map[common.Hash]*Entry, len(entries))
	for _, es := range entries {
		buyer, err := uint256.FromDecimal(es.BuyerMargin)
		if err != nil {
			return fmt.Errorf("cache entry %s buyer margin: %w", es.Hash.Hex(), err)
		}
		seller, err := uint256.FromDecimal(es.SellerMargin)
		if err != nil {
			return fmt.Errorf("cache entry %s seller margin: %w", es.Hash.Hex(), err)
		}
		restored[es.Hash] = &Entry{
			Author:           es.Author,
			AuthorCommission: es.AuthorCommission,
			BuyerMargin:      buyer,
			SellerMargin:     seller,
			IsPool:           es.IsPool,
		}
	}
	c.entries = restored
	return nil
}
