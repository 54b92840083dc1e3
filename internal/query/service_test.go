package query_test

import (
	"context"
	"fmt"
	"testing"

	"DerivLedger/internal/core"
	"DerivLedger/internal/derivative"
	"DerivLedger/internal/event"
	"DerivLedger/internal/query"
	"DerivLedger/internal/registry"
	"DerivLedger/internal/synthetic"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin       = common.HexToAddress("0xad01")
	spender     = common.HexToAddress("0x5e1d")
	usdc        = common.HexToAddress("0x05dc")
	author      = common.HexToAddress("0xa001")
	buyer       = common.HexToAddress("0xb001")
	seller      = common.HexToAddress("0x5001")
	priceSource = common.HexToAddress("0x0f01")
	syntheticID = common.HexToAddress("0x0c01")
)

type fixture struct {
	t      *testing.T
	core   *core.DeterministicCore
	nonces map[common.Address]int64
	keys   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := core.NewDeterministicCore(core.Genesis{
		Admin:                    admin,
		Governor:                 common.HexToAddress("0x9001"),
		Core:                     common.HexToAddress("0xc0e1"),
		PositionFactory:          common.HexToAddress("0xfac1"),
		TokenSpender:             spender,
		OracleAggregator:         common.HexToAddress("0x0a99"),
		SyntheticAggregator:      common.HexToAddress("0x5a99"),
		ExecutionReserveClaimer:  common.HexToAddress("0xec01"),
		RedemptionReserveClaimer: common.HexToAddress("0xdc01"),
		SpenderTimelock:          3600,
		Parameters:               registry.DefaultProtocolParameters(),
	}, 0, nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.RegisterSynthetic(syntheticID, synthetic.NewOptionCall(author, 100)))

	f := &fixture{t: t, core: c, nonces: map[common.Address]int64{}}
	f.apply(&event.TokenRegister{Header: f.header(admin), Token: usdc, Symbol: "USDC", Decimals: 6})
	for _, holder := range []common.Address{buyer, seller} {
		f.apply(&event.TokenMint{Header: f.header(admin), Token: usdc, Holder: holder, Amount: uint256.NewInt(1_500_000)})
		f.apply(&event.TokenApprove{Header: f.header(holder), Token: usdc, Spender: spender, Amount: uint256.NewInt(1_500_000)})
	}
	return f
}

func (f *fixture) header(caller common.Address) event.Header {
	f.keys++
	nonce := f.nonces[caller]
	f.nonces[caller] = nonce + 1
	return event.Header{
		Key:       fmt.Sprintf("q-%d", f.keys),
		Caller:    caller,
		Nonce:     nonce,
		Timestamp: 1_000,
		Raw:       []byte(fmt.Sprintf(`{"key":"q-%d"}`, f.keys)),
	}
}

func (f *fixture) apply(cmd event.Command) {
	f.t.Helper()
	env, err := f.core.ProcessEvent(cmd)
	require.NoError(f.t, err)
	require.NotNil(f.t, env)
	require.Equal(f.t, event.StatusApplied, env.Status)
}

func option() *derivative.Derivative {
	return &derivative.Derivative{
		Margin:      uint256.NewInt(1_000),
		EndTime:     10_000,
		Params:      []*uint256.Int{uint256.NewInt(50_000)},
		OracleID:    priceSource,
		Token:       usdc,
		SyntheticID: syntheticID,
	}
}

func TestNewAmount_Formats(t *testing.T) {
	a := query.NewAmount(uint256.NewInt(1_500_000), 6)
	assert.Equal(t, "1500000", a.Value)
	assert.Equal(t, "1.500000", a.Formatted)

	assert.Equal(t, "0", query.NewAmount(nil, 0).Formatted)

	max := new(uint256.Int).SetAllOne()
	assert.Equal(t, max.Dec(), query.NewAmount(max, 0).Value)

	s, err := query.FormatSigned("-2500", 3)
	require.NoError(t, err)
	assert.Equal(t, "-2.500", s)

	_, err = query.FormatSigned("abc", 3)
	assert.Error(t, err)
}

func TestGetTokenBalance(t *testing.T) {
	f := newFixture(t)
	qs := query.NewQueryService(nil, f.core)

	resp, err := qs.GetTokenBalance(context.Background(), usdc, buyer)
	require.NoError(t, err)
	assert.Equal(t, "1.500000", resp.Balance.Formatted)
	assert.Equal(t, uint8(6), resp.Balance.Decimals)
	assert.Equal(t, f.core.GetSequence()-1, resp.AsOfSequence)

	_, err = qs.GetTokenBalance(context.Background(), common.HexToAddress("0xdead"), buyer)
	assert.ErrorIs(t, err, query.ErrNotFound)

	allowance, err := qs.GetAllowance(context.Background(), usdc, seller, spender)
	require.NoError(t, err)
	assert.Equal(t, "1500000", allowance.Allowance.Value)
}

func TestGetTickerAndPositions(t *testing.T) {
	f := newFixture(t)
	qs := query.NewQueryService(nil, f.core)
	ctx := context.Background()

	d := option()
	hash := d.Hash()

	prediction := qs.PredictPair(ctx, hash)
	assert.False(t, prediction.Deployed)

	_, err := qs.GetTicker(ctx, hash)
	assert.ErrorIs(t, err, query.ErrNotFound)

	f.apply(&event.CreateDerivative{
		Header:     f.header(seller),
		Derivative: d,
		Amount:     uint256.NewInt(2),
		Buyer:      buyer,
		Seller:     seller,
		Name:       "OPT",
	})

	ticker, err := qs.GetTicker(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "2", ticker.Issued)
	assert.Equal(t, prediction.Long, ticker.Long)
	assert.Equal(t, prediction.Short, ticker.Short)
	assert.Equal(t, "1000", ticker.Derivative.Margin)
	assert.False(t, ticker.Cancelled)
	require.NotNil(t, ticker.Economics)
	assert.Equal(t, author.Hex(), ticker.Economics.Author)
	assert.NotEqual(t, "0", ticker.Escrowed.Value)

	assert.True(t, qs.PredictPair(ctx, hash).Deployed)

	long, err := qs.GetPositionBalance(ctx, common.HexToAddress(ticker.Long), buyer)
	require.NoError(t, err)
	assert.Equal(t, "2", long.Balance.Value)
	assert.Equal(t, hash.Hex(), long.Hash)

	short, err := qs.GetPositionBalance(ctx, common.HexToAddress(ticker.Short), buyer)
	require.NoError(t, err)
	assert.Equal(t, "0", short.Balance.Value)

	_, err = qs.GetPositionBalance(ctx, usdc, buyer)
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestGetProtocolAndNonce(t *testing.T) {
	f := newFixture(t)
	qs := query.NewQueryService(nil, f.core)
	ctx := context.Background()

	p := qs.GetProtocol(ctx)
	assert.Equal(t, spender, p.Addresses.TokenSpender)
	assert.Equal(t, registry.DefaultProtocolParameters(), p.Parameters)
	assert.Len(t, p.Paused, len(registry.AllPauseClasses))
	for class, paused := range p.Paused {
		assert.False(t, paused, class)
	}
	assert.Equal(t, common.Hash(f.core.GetStateHash()).Hex(), p.StateHash)

	assert.Equal(t, int64(3), qs.GetNonce(ctx, admin).Next)
	assert.Equal(t, int64(1), qs.GetNonce(ctx, buyer).Next)
	assert.Equal(t, int64(0), qs.GetNonce(ctx, author).Next)
}

func TestProjectionReadsNeedDatabase(t *testing.T) {
	qs := query.NewQueryService(nil, newFixture(t).core)
	ctx := context.Background()

	_, _, err := qs.GetAccountBalances(ctx, buyer.Hex())
	assert.ErrorIs(t, err, query.ErrNoDatabase)
	_, err = qs.GetReceipt(ctx, "TokenMint", "q-2")
	assert.ErrorIs(t, err, query.ErrNoDatabase)
	_, err = qs.VerifyIntegrity(ctx)
	assert.ErrorIs(t, err, query.ErrNoDatabase)
}
