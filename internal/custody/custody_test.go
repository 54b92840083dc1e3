package custody_test

import (
	"errors"
	"math"
	"testing"

	"DerivLedger/internal/custody"
	"DerivLedger/internal/ledger"
	"DerivLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	dai      = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	core     = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	spender  = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	governor = common.HexToAddress("0x00000000000000000000000000000000000000e3")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	author   = common.HexToAddress("0x00000000000000000000000000000000000000a7")
	dhash    = common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000000001")
)

const timelock = 3600

type fixture struct {
	journal *state.Journal
	bank    *custody.Bank
	gateway *custody.SpenderGateway
	custody *custody.Custody
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	j := state.NewJournal()
	bank := custody.NewBank(j)
	require.NoError(t, bank.RegisterToken(usdc, "USDC", 6))
	require.NoError(t, bank.RegisterToken(dai, "DAI", 18))
	require.NoError(t, bank.Mint(usdc, alice, uint256.NewInt(1_000)))

	gw := custody.NewSpenderGateway(spender, governor, timelock, bank, j)
	require.NoError(t, gw.ProposeWhitelist(governor, []common.Address{core}, 0))

	c := custody.New(core, gw, bank, j)
	j.Reset()
	return &fixture{journal: j, bank: bank, gateway: gw, custody: c}
}

// ============================================================================
// Bank
// ============================================================================

func TestBank_TransferFromConsumesAllowance(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bank.Approve(usdc, alice, spender, uint256.NewInt(100)))

	require.NoError(t, f.bank.TransferFrom(usdc, spender, alice, bob, uint256.NewInt(60)))
	assert.Equal(t, uint64(940), f.bank.BalanceOf(usdc, alice).Uint64())
	assert.Equal(t, uint64(60), f.bank.BalanceOf(usdc, bob).Uint64())
	assert.Equal(t, uint64(40), f.bank.Allowance(usdc, alice, spender).Uint64())

	err := f.bank.TransferFrom(usdc, spender, alice, bob, uint256.NewInt(41))
	assert.ErrorIs(t, err, custody.ErrAllowanceExceeded)
}

func TestBank_DistinguishableFailures(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.bank.Transfer(usdc, bob, alice, uint256.NewInt(1)), custody.ErrBalanceExceeded)
	assert.ErrorIs(t, f.bank.Transfer(common.HexToAddress("0x99"), alice, bob, uint256.NewInt(1)), custody.ErrUnknownToken)
	assert.ErrorIs(t, f.bank.Transfer(usdc, alice, common.Address{}, uint256.NewInt(1)), custody.ErrInvalidTokenRecipient)
	assert.ErrorIs(t, f.bank.RegisterToken(usdc, "USDC", 6), custody.ErrTokenExists)

	d, err := f.bank.Decimals(dai)
	require.NoError(t, err)
	assert.Equal(t, uint8(18), d)
}

func TestBank_HookFailureFailsTransfer(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("hook says no")
	f.bank.SetTransferHook(func(token, from, to common.Address, amount *uint256.Int) error { return boom })

	snap := f.journal.Snapshot()
	err := f.bank.Transfer(usdc, alice, bob, uint256.NewInt(5))
	require.ErrorIs(t, err, boom)
	f.journal.RevertToSnapshot(snap)

	assert.Equal(t, uint64(1_000), f.bank.BalanceOf(usdc, alice).Uint64())
	assert.True(t, f.bank.BalanceOf(usdc, bob).IsZero())
}

func TestBank_ExportRestore(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bank.Approve(usdc, alice, spender, uint256.NewInt(7)))

	exported := f.bank.Export()
	restored := custody.NewBank(state.NewJournal())
	require.NoError(t, restored.Restore(exported))

	assert.Equal(t, exported, restored.Export())
	assert.Equal(t, uint64(1_000), restored.TotalSupply(usdc).Uint64())
	assert.Equal(t, uint64(7), restored.Allowance(usdc, alice, spender).Uint64())
}

// ============================================================================
// SpenderGateway
// ============================================================================

func TestGateway_BootstrapCommitsImmediately(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.gateway.IsWhitelisted(core))
	assert.Equal(t, custody.PhaseNoProposal, f.gateway.Phase())
}

func TestGateway_TimelockedChange(t *testing.T) {
	f := newFixture(t)
	newCore := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	const proposedAt = 1_000

	require.NoError(t, f.gateway.ProposeWhitelist(governor, []common.Address{newCore}, proposedAt))
	assert.Equal(t, custody.PhaseProposed, f.gateway.Phase())
	assert.False(t, f.gateway.IsWhitelisted(newCore), "not effective before commit")

	err := f.gateway.CommitWhitelist(governor, proposedAt+timelock-1)
	require.ErrorIs(t, err, custody.ErrTimelockNotElapsed)
	assert.False(t, f.gateway.IsWhitelisted(newCore))
	assert.True(t, f.gateway.IsWhitelisted(core))

	require.NoError(t, f.gateway.CommitWhitelist(governor, proposedAt+timelock), "unlocks once the full timelock has elapsed")
	assert.True(t, f.gateway.IsWhitelisted(newCore))
	assert.False(t, f.gateway.IsWhitelisted(core), "commit replaces the whole list")
	assert.Equal(t, custody.PhaseNoProposal, f.gateway.Phase())

	assert.ErrorIs(t, f.gateway.CommitWhitelist(governor, proposedAt+2*timelock), custody.ErrNoProposal)
}

func TestGateway_ProposalReplacesPending(t *testing.T) {
	f := newFixture(t)
	first := common.HexToAddress("0x01")
	second := common.HexToAddress("0x02")

	require.NoError(t, f.gateway.ProposeWhitelist(governor, []common.Address{first}, 10))
	require.NoError(t, f.gateway.ProposeWhitelist(governor, []common.Address{second, second}, 20))

	// the lock restarts from the replacing proposal
	require.ErrorIs(t, f.gateway.CommitWhitelist(governor, 10+timelock+1), custody.ErrTimelockNotElapsed)
	require.NoError(t, f.gateway.CommitWhitelist(governor, 20+timelock))
	assert.Equal(t, []common.Address{second}, f.gateway.Whitelist())
}

func TestGateway_TimelockNearMaxTime(t *testing.T) {
	f := newFixture(t)
	newCore := common.HexToAddress("0x00000000000000000000000000000000000000f2")
	proposedAt := uint64(math.MaxUint64 - 10)

	require.NoError(t, f.gateway.ProposeWhitelist(governor, []common.Address{newCore}, proposedAt))

	// proposedAt+timelock wraps past zero; neither an earlier time nor the
	// few seconds left before the maximum may unlock it
	assert.ErrorIs(t, f.gateway.CommitWhitelist(governor, 5_000), custody.ErrTimelockNotElapsed)
	assert.ErrorIs(t, f.gateway.CommitWhitelist(governor, math.MaxUint64), custody.ErrTimelockNotElapsed)
	assert.False(t, f.gateway.IsWhitelisted(newCore))
	assert.Equal(t, custody.PhaseProposed, f.gateway.Phase())
}

func TestGateway_GovernorOnly(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.gateway.ProposeWhitelist(alice, []common.Address{alice}, 1), custody.ErrNotGovernor)
	assert.ErrorIs(t, f.gateway.ProposeWhitelist(governor, nil, 1), custody.ErrEmptyWhitelist)
	assert.ErrorIs(t, f.gateway.CommitWhitelist(alice, 1), custody.ErrNotGovernor)

	require.NoError(t, f.gateway.SetGovernor(governor, alice))
	assert.ErrorIs(t, f.gateway.ProposeWhitelist(governor, []common.Address{alice}, 1), custody.ErrNotGovernor)
	require.NoError(t, f.gateway.ProposeWhitelist(alice, []common.Address{alice}, 1))
}

func TestGateway_ClaimTokens(t *testing.T) {
	f := newFixture(t)

	err := f.gateway.ClaimTokens(alice, usdc, alice, core, uint256.NewInt(1))
	assert.ErrorIs(t, err, custody.ErrSpenderNotWhitelisted)

	err = f.gateway.ClaimTokens(core, usdc, alice, core, uint256.NewInt(1))
	assert.ErrorIs(t, err, custody.ErrInsufficientAllowance)

	require.NoError(t, f.bank.Approve(usdc, bob, spender, uint256.NewInt(50)))
	err = f.gateway.ClaimTokens(core, usdc, bob, core, uint256.NewInt(50))
	assert.ErrorIs(t, err, custody.ErrTransferFailed, "bob has allowance but no balance")
	assert.ErrorIs(t, err, custody.ErrBalanceExceeded)
}

// ============================================================================
// Custody
// ============================================================================

func TestCustody_EscrowReleaseFee(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bank.Approve(usdc, alice, spender, uint256.NewInt(90)))

	require.NoError(t, f.custody.Escrow(dhash, alice, usdc, uint256.NewInt(90)))
	token, escrowed := f.custody.EscrowOf(dhash)
	assert.Equal(t, usdc, token)
	assert.Equal(t, uint64(90), escrowed.Uint64())
	assert.Equal(t, uint64(90), f.custody.Held(usdc).Uint64())

	require.NoError(t, f.custody.CreditFee(dhash, author, uint256.NewInt(9), ledger.JournalTypeExecutionFeeAuthor))
	require.NoError(t, f.custody.Release(dhash, bob, uint256.NewInt(81)))

	_, escrowed = f.custody.EscrowOf(dhash)
	assert.True(t, escrowed.IsZero())
	assert.Equal(t, uint64(81), f.bank.BalanceOf(usdc, bob).Uint64())
	assert.Equal(t, uint64(9), f.custody.FeeVault(author, usdc).Uint64())

	err := f.custody.Release(dhash, bob, uint256.NewInt(1))
	assert.ErrorIs(t, err, custody.ErrEscrowExceeded)

	movements := f.custody.DrainMovements()
	require.Len(t, movements, 3)
	assert.Equal(t, ledger.JournalTypeMarginEscrow, movements[0].Type)
	assert.Equal(t, ledger.JournalTypeExecutionFeeAuthor, movements[1].Type)
	assert.Equal(t, ledger.JournalTypeMarginRelease, movements[2].Type)
	assert.Empty(t, f.custody.DrainMovements())
}

func TestCustody_WithdrawFeeDrains(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bank.Approve(usdc, alice, spender, uint256.NewInt(10)))
	require.NoError(t, f.custody.Escrow(dhash, alice, usdc, uint256.NewInt(10)))
	require.NoError(t, f.custody.CreditFee(dhash, author, uint256.NewInt(10), ledger.JournalTypeExecutionFeeAuthor))

	got, err := f.custody.WithdrawFee(author, usdc)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.Uint64())
	assert.Equal(t, uint64(10), f.bank.BalanceOf(usdc, author).Uint64())
	assert.True(t, f.custody.FeeVault(author, usdc).IsZero())

	_, err = f.custody.WithdrawFee(author, usdc)
	assert.ErrorIs(t, err, custody.ErrNothingToWithdraw, "no double withdraw")
}

func TestCustody_EscrowFailureRevertsEverything(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bank.Approve(usdc, alice, spender, uint256.NewInt(5)))

	snap := f.journal.Snapshot()
	err := f.custody.Escrow(dhash, alice, usdc, uint256.NewInt(6))
	require.ErrorIs(t, err, custody.ErrInsufficientAllowance)
	f.journal.RevertToSnapshot(snap)

	_, escrowed := f.custody.EscrowOf(dhash)
	assert.True(t, escrowed.IsZero())
	assert.Empty(t, f.custody.DrainMovements())
	assert.Equal(t, uint64(1_000), f.bank.BalanceOf(usdc, alice).Uint64())
}

func TestCustody_ExportRestore(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bank.Approve(usdc, alice, spender, uint256.NewInt(10)))
	require.NoError(t, f.custody.Escrow(dhash, alice, usdc, uint256.NewInt(10)))
	require.NoError(t, f.custody.CreditFee(dhash, author, uint256.NewInt(3), ledger.JournalTypeRedemptionFeeAuthor))

	exported := f.custody.Export()
	restored := custody.New(core, f.gateway, f.bank, state.NewJournal())
	require.NoError(t, restored.Restore(exported))
	assert.Equal(t, exported, restored.Export())
	assert.Equal(t, uint64(3), restored.FeeVault(author, usdc).Uint64())
}
