package synthetic_test

import (
	"testing"

	"DerivLedger/internal/derivative"
	"DerivLedger/internal/registry"
	"DerivLedger/internal/state"
	"DerivLedger/internal/synthetic"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	author      = common.HexToAddress("0x00000000000000000000000000000000000000a7")
	syntheticID = common.HexToAddress("0x00000000000000000000000000000000000005e1")
	owner       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type fixedParams struct{ p registry.ProtocolParameters }

func (f fixedParams) ProtocolParameters() registry.ProtocolParameters { return f.p }

// countingValuator wraps an OptionCall and counts GetMargin calls; its margin
// split and commission can be changed to mimic an upgraded synthetic.
type countingValuator struct {
	*synthetic.OptionCall
	calls       int
	buyerMargin uint64
	commission  uint32
}

func (c *countingValuator) GetMargin(d *derivative.Derivative) (*uint256.Int, *uint256.Int, error) {
	c.calls++
	buyer := uint256.NewInt(c.buyerMargin)
	return buyer, new(uint256.Int).Sub(d.Margin, buyer), nil
}

func (c *countingValuator) AuthorCommission() uint32 { return c.commission }

func option(margin, strike uint64) *derivative.Derivative {
	return &derivative.Derivative{
		Margin:      uint256.NewInt(margin),
		EndTime:     100,
		Params:      []*uint256.Int{uint256.NewInt(strike)},
		OracleID:    common.HexToAddress("0x0a"),
		Token:       common.HexToAddress("0x0b"),
		SyntheticID: syntheticID,
	}
}

func newCache(t *testing.T, v synthetic.Valuator) (*synthetic.Cache, *state.Journal) {
	t.Helper()
	r := synthetic.NewResolver()
	require.NoError(t, r.Register(syntheticID, v))
	j := state.NewJournal()
	return synthetic.NewCache(r, fixedParams{registry.DefaultProtocolParameters()}, j), j
}

func TestCache_PinsFirstAnswer(t *testing.T) {
	v := &countingValuator{OptionCall: synthetic.NewOptionCall(author, 100), buyerMargin: 0, commission: 100}
	c, _ := newCache(t, v)
	d := option(30, 20)
	h := d.Hash()

	first, err := c.GetOrCreate(h, d)
	require.NoError(t, err)
	assert.Equal(t, 1, v.calls)

	// valuator "upgrade" must not leak into the pinned entry
	v.buyerMargin = 10
	v.commission = 200

	second, err := c.GetOrCreate(h, d)
	require.NoError(t, err)
	assert.Equal(t, 1, v.calls, "valuator invoked exactly once")
	assert.Equal(t, first, second)
	assert.Equal(t, uint32(100), second.AuthorCommission)
	assert.True(t, second.BuyerMargin.IsZero())
	assert.Equal(t, author, second.Author)
}

type brokenValuator struct{ *synthetic.OptionCall }

func (brokenValuator) GetMargin(d *derivative.Derivative) (*uint256.Int, *uint256.Int, error) {
	return uint256.NewInt(1), new(uint256.Int).Set(d.Margin), nil
}

func TestCache_WrongMargin(t *testing.T) {
	c, _ := newCache(t, brokenValuator{synthetic.NewOptionCall(author, 0)})
	d := option(30, 20)

	_, err := c.GetOrCreate(d.Hash(), d)
	assert.ErrorIs(t, err, synthetic.ErrWrongMargin)
	assert.Equal(t, 0, c.Len())
}

func TestCache_CommissionCap(t *testing.T) {
	c, _ := newCache(t, synthetic.NewOptionCall(author, 1001))
	d := option(30, 20)

	_, err := c.GetOrCreate(d.Hash(), d)
	assert.ErrorIs(t, err, synthetic.ErrAuthorCommissionTooBig)
}

func TestCache_UnknownSynthetic(t *testing.T) {
	c, _ := newCache(t, synthetic.NewOptionCall(author, 0))
	d := option(30, 20)
	d.SyntheticID = common.HexToAddress("0xdead")

	_, err := c.GetOrCreate(d.Hash(), d)
	assert.ErrorIs(t, err, synthetic.ErrSyntheticNotFound)
}

func TestCache_RevertAndSnapshot(t *testing.T) {
	c, j := newCache(t, synthetic.NewPooledOptionCall(author, 50))
	d := option(30, 20)

	snap := j.Snapshot()
	_, err := c.GetOrCreate(d.Hash(), d)
	require.NoError(t, err)
	j.RevertToSnapshot(snap)
	_, ok := c.Get(d.Hash())
	assert.False(t, ok)

	_, err = c.GetOrCreate(d.Hash(), d)
	require.NoError(t, err)
	exported := c.Export()
	require.Len(t, exported, 1)
	assert.True(t, exported[0].IsPool)

	restored, _ := newCache(t, synthetic.NewOptionCall(author, 0))
	require.NoError(t, restored.Restore(exported))
	e, ok := restored.Get(d.Hash())
	require.True(t, ok)
	assert.Equal(t, "30", e.SellerMargin.Dec())
}

func TestResolver_DuplicateRegistration(t *testing.T) {
	r := synthetic.NewResolver()
	require.NoError(t, r.Register(syntheticID, synthetic.NewOptionCall(author, 0)))
	assert.ErrorIs(t, r.Register(syntheticID, synthetic.NewOptionCall(author, 0)), synthetic.ErrSyntheticRegistered)
	assert.Equal(t, []common.Address{syntheticID}, r.IDs())
}

func TestOptionCall_Payout(t *testing.T) {
	oc := synthetic.NewOptionCall(author, 0)
	d := option(30, 20)

	cases := []struct {
		name          string
		price         uint64
		buyer, seller uint64
	}{
		{"below strike", 10, 0, 30},
		{"at strike", 20, 0, 30},
		{"in the money", 35, 15, 15},
		{"capped at margin", 1_000, 30, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buyer, seller, err := oc.GetExecutionPayout(d, uint256.NewInt(tc.price))
			require.NoError(t, err)
			assert.Equal(t, tc.buyer, buyer.Uint64())
			assert.Equal(t, tc.seller, seller.Uint64())
		})
	}
}

func TestOptionCall_ValidateInput(t *testing.T) {
	oc := synthetic.NewOptionCall(author, 0)
	assert.True(t, oc.ValidateInput(option(30, 20), uint256.NewInt(3)))
	assert.False(t, oc.ValidateInput(option(0, 20), uint256.NewInt(3)), "zero margin")
	assert.False(t, oc.ValidateInput(option(30, 0), uint256.NewInt(3)), "zero strike")

	d := option(30, 20)
	d.Params = append(d.Params, uint256.NewInt(1))
	assert.False(t, oc.ValidateInput(d, uint256.NewInt(3)), "extra params")
}

func TestOptionCall_ThirdPartyToggle(t *testing.T) {
	oc := synthetic.NewOptionCall(author, 0)
	assert.False(t, oc.ThirdPartyExecutionAllowed(owner))

	oc.AllowThirdPartyExecution(owner, true)
	assert.True(t, oc.ThirdPartyExecutionAllowed(owner))
	assert.Equal(t, []common.Address{owner}, oc.ThirdPartyOwners())

	oc.AllowThirdPartyExecution(owner, false)
	assert.False(t, oc.ThirdPartyExecutionAllowed(owner))
}
