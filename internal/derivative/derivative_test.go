package derivative_test

import (
	"DerivLedger/internal/derivative"
	"testing"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *derivative.Derivative {
	return &derivative.Derivative{
		Margin:      uint256.NewInt(30),
		EndTime:     1_700_000_000,
		Params:      []*uint256.Int{uint256.NewInt(20_000), uint256.NewInt(1)},
		OracleID:    common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Token:       common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		SyntheticID: common.HexToAddress("0x00000000000000000000000000000000000000c3"),
	}
}

func TestHash_PureFunctionOfFields(t *testing.T) {
	a := sample()
	b := sample()
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, a.Hash(), a.Clone().Hash())
}

func TestHash_SensitiveToEveryField(t *testing.T) {
	base := sample().Hash()

	mutations := map[string]func(d *derivative.Derivative){
		"margin":      func(d *derivative.Derivative) { d.Margin = uint256.NewInt(31) },
		"endTime":     func(d *derivative.Derivative) { d.EndTime++ },
		"params":      func(d *derivative.Derivative) { d.Params[0] = uint256.NewInt(20_001) },
		"paramsOrder": func(d *derivative.Derivative) { d.Params[0], d.Params[1] = d.Params[1], d.Params[0] },
		"paramsLen":   func(d *derivative.Derivative) { d.Params = d.Params[:1] },
		"oracle":      func(d *derivative.Derivative) { d.OracleID = common.HexToAddress("0x01") },
		"token":       func(d *derivative.Derivative) { d.Token = common.HexToAddress("0x02") },
		"synthetic":   func(d *derivative.Derivative) { d.SyntheticID = common.HexToAddress("0x03") },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			d := sample()
			mutate(d)
			assert.NotEqual(t, base, d.Hash())
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	d := sample()
	c := d.Clone()
	c.Margin.SetUint64(99)
	c.Params[0].SetUint64(99)
	assert.Equal(t, uint64(30), d.Margin.Uint64())
	assert.Equal(t, uint64(20_000), d.Params[0].Uint64())
}

func TestValidate(t *testing.T) {
	require.NoError(t, sample().Validate())

	var nilDerivative *derivative.Derivative
	assert.ErrorIs(t, nilDerivative.Validate(), derivative.ErrMalformedDerivative)

	d := sample()
	d.Margin = nil
	assert.ErrorIs(t, d.Validate(), derivative.ErrMalformedDerivative)

	d = sample()
	d.Params = append(d.Params, nil)
	assert.ErrorIs(t, d.Validate(), derivative.ErrMalformedDerivative)

	d = sample()
	d.Token = common.Address{}
	assert.ErrorIs(t, d.Validate(), derivative.ErrMalformedDerivative)
}

func TestPositionAddress_Deterministic(t *testing.T) {
	factory := common.HexToAddress("0x00000000000000000000000000000000000000fa")
	hash := sample().Hash()

	long, short := derivative.PositionPair(factory, hash)
	assert.NotEqual(t, long, short)
	assert.Equal(t, long, derivative.PositionAddress(factory, hash, derivative.SideLong))
	assert.Equal(t, short, derivative.PositionAddress(factory, hash, derivative.SideShort))

	otherFactory := common.HexToAddress("0x00000000000000000000000000000000000000fb")
	assert.NotEqual(t, long, derivative.PositionAddress(otherFactory, hash, derivative.SideLong))

	other := sample()
	other.EndTime++
	assert.NotEqual(t, long, derivative.PositionAddress(factory, other.Hash(), derivative.SideLong))
}

func TestSideString(t *testing.T) {
	assert.Equal(t, "LONG", derivative.SideLong.String())
	assert.Equal(t, "SHORT", derivative.SideShort.String())
	assert.Equal(t, "UNKNOWN", derivative.Side(7).String())
}
