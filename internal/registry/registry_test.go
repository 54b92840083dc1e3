package registry_test

import (
	"testing"

	"DerivLedger/internal/registry"
	"DerivLedger/internal/state"

	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000ad001")
	guardian = common.HexToAddress("0x00000000000000000000000000000000000ad002")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000ad003")
)

func newRegistry(t *testing.T) (*registry.Registry, *state.Journal) {
	t.Helper()
	j := state.NewJournal()
	r := registry.New(j)
	require.NoError(t, r.Initialize(admin))
	j.Reset()
	return r, j
}

func TestInitialize_Once(t *testing.T) {
	r, _ := newRegistry(t)
	assert.True(t, r.IsInitialized())
	for _, role := range registry.AllRoles {
		assert.True(t, r.HasRole(role, admin), role)
	}
	assert.ErrorIs(t, r.Initialize(stranger), registry.ErrAlreadyInitialized)
}

func TestSetters_RequireRole(t *testing.T) {
	r, _ := newRegistry(t)

	err := r.SetNoDataCancellationPeriod(stranger, 10)
	assert.ErrorIs(t, err, registry.ErrMissingRole)
	assert.Equal(t, registry.DefaultNoDataCancellationPeriod, r.ProtocolParameters().NoDataCancellationPeriod)

	require.NoError(t, r.SetNoDataCancellationPeriod(admin, 10))
	assert.Equal(t, uint64(10), r.ProtocolParameters().NoDataCancellationPeriod)

	assert.ErrorIs(t, r.SetProtocolExecutionReserveClaimer(stranger, stranger), registry.ErrMissingRole)
	assert.ErrorIs(t, r.SetProtocolExecutionReserveClaimer(admin, common.Address{}), registry.ErrNullAddress)
	require.NoError(t, r.SetProtocolExecutionReserveClaimer(admin, guardian))
	assert.Equal(t, guardian, r.ProtocolAddresses().ProtocolExecutionReserveClaimer)
}

func TestSetFeeParameter_CapsAtPercentageBase(t *testing.T) {
	r, _ := newRegistry(t)

	assert.ErrorIs(t, r.SetFeeParameter(admin, registry.FeeProtocolExecutionReservePart, 10_001), registry.ErrInvalidValue)
	assert.ErrorIs(t, r.SetFeeParameter(admin, "bogus", 1), registry.ErrInvalidValue)

	require.NoError(t, r.SetFeeParameter(admin, registry.FeeProtocolRedemptionReservePart, 250))
	assert.Equal(t, uint32(250), r.ProtocolParameters().ProtocolRedemptionReservePart)
	assert.Equal(t, uint32(1000), r.ProtocolParameters().ProtocolExecutionReservePart, "pairs are independent")
}

func TestSetProtocolAddresses_KeepsClaimers(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.SetProtocolRedemptionReserveClaimer(admin, guardian))

	addrs := registry.ProtocolAddresses{
		Core:                common.HexToAddress("0x01"),
		PositionFactory:     common.HexToAddress("0x02"),
		TokenSpender:        common.HexToAddress("0x03"),
		OracleAggregator:    common.HexToAddress("0x04"),
		SyntheticAggregator: common.HexToAddress("0x05"),
	}
	require.NoError(t, r.SetProtocolAddresses(admin, addrs))
	assert.Equal(t, addrs.Core, r.ProtocolAddresses().Core)
	assert.Equal(t, guardian, r.ProtocolAddresses().ProtocolRedemptionReserveClaimer)

	addrs.Core = common.Address{}
	assert.ErrorIs(t, r.SetProtocolAddresses(admin, addrs), registry.ErrNullAddress)
}

func TestPausing(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.GrantRole(admin, registry.RolePartialExecutePause, guardian))

	// partial pause only affects its own class
	require.NoError(t, r.PauseClass(guardian, registry.PauseExecution))
	assert.True(t, r.IsProtocolPositionExecutionPaused())
	assert.False(t, r.IsProtocolPositionCreationPaused())

	assert.ErrorIs(t, r.PauseClass(guardian, registry.PauseMint), registry.ErrMissingRole)

	// global pause covers every class
	require.NoError(t, r.Pause(admin))
	for _, c := range registry.AllPauseClasses {
		assert.True(t, r.IsPaused(c), c.String())
	}

	assert.ErrorIs(t, r.Unpause(guardian), registry.ErrMissingRole)
	require.NoError(t, r.Unpause(admin))
	for _, c := range registry.AllPauseClasses {
		assert.False(t, r.IsPaused(c), c.String())
	}
}

func TestRoleManagement(t *testing.T) {
	r, _ := newRegistry(t)

	assert.ErrorIs(t, r.GrantRole(stranger, registry.RoleGuardian, stranger), registry.ErrMissingRole)
	assert.ErrorIs(t, r.GrantRole(admin, "NOT_A_ROLE", stranger), registry.ErrUnknownRole)

	require.NoError(t, r.GrantRole(admin, registry.RoleGuardian, guardian))
	assert.Equal(t, []common.Address{admin, guardian}, r.RoleMembers(registry.RoleGuardian))

	require.NoError(t, r.RevokeRole(admin, registry.RoleGuardian, guardian))
	assert.False(t, r.HasRole(registry.RoleGuardian, guardian))
	assert.ErrorIs(t, r.Pause(guardian), registry.ErrMissingRole)
}

func TestMutationsRevertWithJournal(t *testing.T) {
	r, j := newRegistry(t)

	snap := j.Snapshot()
	require.NoError(t, r.GrantRole(admin, registry.RoleGuardian, guardian))
	require.NoError(t, r.Pause(admin))
	require.NoError(t, r.SetFeeParameter(admin, registry.FeeDerivativeAuthorExecutionFeeCap, 5))
	j.RevertToSnapshot(snap)

	assert.False(t, r.HasRole(registry.RoleGuardian, guardian))
	assert.False(t, r.IsProtocolPaused())
	assert.Equal(t, uint32(1000), r.ProtocolParameters().DerivativeAuthorExecutionFeeCap)
}

type staticWhitelist map[common.Address]bool

func (w staticWhitelist) IsWhitelisted(a common.Address) bool { return w[a] }

func TestIsCoreSpenderWhitelisted(t *testing.T) {
	r, _ := newRegistry(t)
	assert.False(t, r.IsCoreSpenderWhitelisted(admin), "no gateway wired")

	r.SetSpenderGateway(staticWhitelist{admin: true})
	assert.True(t, r.IsCoreSpenderWhitelisted(admin))
	assert.False(t, r.IsCoreSpenderWhitelisted(stranger))
}

func TestExportRestore(t *testing.T) {
	r, _ := newRegistry(t)
	require.NoError(t, r.PauseClass(admin, registry.PauseRedemption))
	require.NoError(t, r.SetNoDataCancellationPeriod(admin, 60))

	exported := r.Export()

	restored := registry.New(state.NewJournal())
	require.NoError(t, restored.Restore(exported))
	assert.Equal(t, exported, restored.Export())
	assert.True(t, restored.IsProtocolPositionRedemptionPaused())
	assert.True(t, restored.HasRole(registry.RoleGuardian, admin))
}
