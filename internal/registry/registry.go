package registry

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	fpmath "DerivLedger/internal/math"
	"DerivLedger/internal/state"

	"github.com/luxfi/geth/common"
)

var (
	ErrAlreadyInitialized = errors.New("REGISTRY:ALREADY_INITIALIZED")
	ErrNotInitialized     = errors.New("REGISTRY:NOT_INITIALIZED")
	ErrMissingRole        = errors.New("REGISTRY:MISSING_ROLE")
	ErrUnknownRole        = errors.New("REGISTRY:UNKNOWN_ROLE")
	ErrNullAddress        = errors.New("REGISTRY:NULL_ADDRESS")
	ErrInvalidValue       = errors.New("REGISTRY:INVALID_VALUE")
)

// DefaultNoDataCancellationPeriod is two weeks in seconds.
const DefaultNoDataCancellationPeriod uint64 = 2 * 7 * 24 * 60 * 60

// ProtocolParameters are the fee rates (basis points over fpmath.PercentageBase)
// and the grace window after maturity before a no-data cancellation is allowed.
type ProtocolParameters struct {
	NoDataCancellationPeriod              uint64 `json:"no_data_cancellation_period"`
	DerivativeAuthorExecutionFeeCap       uint32 `json:"derivative_author_execution_fee_cap"`
	DerivativeAuthorRedemptionReservePart uint32 `json:"derivative_author_redemption_reserve_part"`
	ProtocolExecutionReservePart          uint32 `json:"protocol_execution_reserve_part"`
	ProtocolRedemptionReservePart         uint32 `json:"protocol_redemption_reserve_part"`
}

func DefaultProtocolParameters() ProtocolParameters {
	return ProtocolParameters{
		NoDataCancellationPeriod:              DefaultNoDataCancellationPeriod,
		DerivativeAuthorExecutionFeeCap:       1000,
		DerivativeAuthorRedemptionReservePart: 10,
		ProtocolExecutionReservePart:          1000,
		ProtocolRedemptionReservePart:         1000,
	}
}

func (p ProtocolParameters) Validate() error {
	rates := map[string]uint32{
		"derivative_author_execution_fee_cap":       p.DerivativeAuthorExecutionFeeCap,
		"derivative_author_redemption_reserve_part": p.DerivativeAuthorRedemptionReservePart,
		"protocol_execution_reserve_part":           p.ProtocolExecutionReservePart,
		"protocol_redemption_reserve_part":          p.ProtocolRedemptionReservePart,
	}
	for name, v := range rates {
		if v > fpmath.PercentageBase {
			return fmt.Errorf("%w: %s=%d exceeds %d", ErrInvalidValue, name, v, fpmath.PercentageBase)
		}
	}
	return nil
}

// ProtocolAddresses wires the components of one deployment together.
type ProtocolAddresses struct {
	Core                             common.Address `json:"core"`
	PositionFactory                  common.Address `json:"position_factory"`
	TokenSpender                     common.Address `json:"token_spender"`
	OracleAggregator                 common.Address `json:"oracle_aggregator"`
	SyntheticAggregator              common.Address `json:"synthetic_aggregator"`
	ProtocolExecutionReserveClaimer  common.Address `json:"protocol_execution_reserve_claimer"`
	ProtocolRedemptionReserveClaimer common.Address `json:"protocol_redemption_reserve_claimer"`
}

// WhitelistSource answers whether an address may pull from payer allowances.
type WhitelistSource interface {
	IsWhitelisted(addr common.Address) bool
}

// Registry is the protocol-wide configuration object consulted by the engine.
// Mutations are role-gated and journaled so a failing command leaves it untouched.
type Registry struct {
	initialized bool
	roles       map[Role]map[common.Address]struct{}
	addresses   ProtocolAddresses
	params      ProtocolParameters
	globalPause bool
	paused      map[PauseClass]bool
	spender     WhitelistSource
	journal     *state.Journal
}

func New(journal *state.Journal) *Registry {
	return &Registry{
		roles:   make(map[Role]map[common.Address]struct{}),
		params:  DefaultProtocolParameters(),
		paused:  make(map[PauseClass]bool),
		journal: journal,
	}
}

// Initialize grants every role to admin. It can run exactly once.
func (r *Registry) Initialize(admin common.Address) error {
	if r.initialized {
		return ErrAlreadyInitialized
	}
	if admin == (common.Address{}) {
		return fmt.Errorf("%w: admin", ErrNullAddress)
	}

	r.initialized = true
	r.journal.Append(func() { r.initialized = false })
	for _, role := range AllRoles {
		r.grant(role, admin)
	}
	return nil
}

func (r *Registry) IsInitialized() bool {
	return r.initialized
}

// SetSpenderGateway wires the whitelist consulted by IsCoreSpenderWhitelisted.
func (r *Registry) SetSpenderGateway(src WhitelistSource) {
	r.spender = src
}

// === Access control ===

func (r *Registry) HasRole(role Role, account common.Address) bool {
	members, ok := r.roles[role]
	if !ok {
		return false
	}
	_, ok = members[account]
	return ok
}

func (r *Registry) requireRole(role Role, caller common.Address) error {
	if !r.initialized {
		return ErrNotInitialized
	}
	if !r.HasRole(role, caller) {
		return fmt.Errorf("%w: %s lacks %s", ErrMissingRole, caller.Hex(), role)
	}
	return nil
}

func (r *Registry) GrantRole(caller common.Address, role Role, account common.Address) error {
	if err := r.requireRole(RoleDefaultAdmin, caller); err != nil {
		return err
	}
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if account == (common.Address{}) {
		return fmt.Errorf("%w: role account", ErrNullAddress)
	}
	r.grant(role, account)
	return nil
}

func (r *Registry) RevokeRole(caller common.Address, role Role, account common.Address) error {
	if err := r.requireRole(RoleDefaultAdmin, caller); err != nil {
		return err
	}
	if !r.HasRole(role, account) {
		return nil
	}
	delete(r.roles[role], account)
	r.journal.Append(func() { r.roles[role][account] = struct{}{} })
	return nil
}

func (r *Registry) grant(role Role, account common.Address) {
	if r.HasRole(role, account) {
		return
	}
	members, ok := r.roles[role]
	if !ok {
		members = make(map[common.Address]struct{})
		r.roles[role] = members
	}
	members[account] = struct{}{}
	r.journal.Append(func() { delete(members, account) })
}

// RoleMembers returns the holders of role in address order.
func (r *Registry) RoleMembers(role Role) []common.Address {
	out := make([]common.Address, 0, len(r.roles[role]))
	for a := range r.roles[role] {
		out = append(out, a)
	}
	sortAddresses(out)
	return out
}

// === Addresses and parameters ===

func (r *Registry) ProtocolAddresses() ProtocolAddresses {
	return r.addresses
}

func (r *Registry) ProtocolParameters() ProtocolParameters {
	return r.params
}

// SetProtocolAddresses replaces the component wiring. Claimer addresses are left
// to their dedicated setters.
func (r *Registry) SetProtocolAddresses(caller common.Address, addrs ProtocolAddresses) error {
	if err := r.requireRole(RoleProtocolAddressesSetter, caller); err != nil {
		return err
	}
	required := map[string]common.Address{
		"core":                 addrs.Core,
		"position_factory":     addrs.PositionFactory,
		"token_spender":        addrs.TokenSpender,
		"oracle_aggregator":    addrs.OracleAggregator,
		"synthetic_aggregator": addrs.SyntheticAggregator,
	}
	for name, a := range required {
		if a == (common.Address{}) {
			return fmt.Errorf("%w: %s", ErrNullAddress, name)
		}
	}

	prev := r.addresses
	addrs.ProtocolExecutionReserveClaimer = prev.ProtocolExecutionReserveClaimer
	addrs.ProtocolRedemptionReserveClaimer = prev.ProtocolRedemptionReserveClaimer
	r.addresses = addrs
	r.journal.Append(func() { r.addresses = prev })
	return nil
}

func (r *Registry) SetProtocolExecutionReserveClaimer(caller, claimer common.Address) error {
	if err := r.requireRole(RoleExecutionReserveClaimerAddressSetter, caller); err != nil {
		return err
	}
	if claimer == (common.Address{}) {
		return fmt.Errorf("%w: execution reserve claimer", ErrNullAddress)
	}
	prev := r.addresses.ProtocolExecutionReserveClaimer
	r.addresses.ProtocolExecutionReserveClaimer = claimer
	r.journal.Append(func() { r.addresses.ProtocolExecutionReserveClaimer = prev })
	return nil
}

func (r *Registry) SetProtocolRedemptionReserveClaimer(caller, claimer common.Address) error {
	if err := r.requireRole(RoleRedemptionReserveClaimerAddressSetter, caller); err != nil {
		return err
	}
	if claimer == (common.Address{}) {
		return fmt.Errorf("%w: redemption reserve claimer", ErrNullAddress)
	}
	prev := r.addresses.ProtocolRedemptionReserveClaimer
	r.addresses.ProtocolRedemptionReserveClaimer = claimer
	r.journal.Append(func() { r.addresses.ProtocolRedemptionReserveClaimer = prev })
	return nil
}

func (r *Registry) SetNoDataCancellationPeriod(caller common.Address, period uint64) error {
	if err := r.requireRole(RoleNoDataCancellationPeriodSetter, caller); err != nil {
		return err
	}
	prev := r.params
	r.params.NoDataCancellationPeriod = period
	r.journal.Append(func() { r.params = prev })
	return nil
}

// FeeParameter selects one of the basis-point rates in ProtocolParameters.
type FeeParameter string

const (
	FeeDerivativeAuthorExecutionFeeCap       FeeParameter = "derivative_author_execution_fee_cap"
	FeeDerivativeAuthorRedemptionReservePart FeeParameter = "derivative_author_redemption_reserve_part"
	FeeProtocolExecutionReservePart          FeeParameter = "protocol_execution_reserve_part"
	FeeProtocolRedemptionReservePart         FeeParameter = "protocol_redemption_reserve_part"
)

func (r *Registry) SetFeeParameter(caller common.Address, param FeeParameter, value uint32) error {
	if err := r.requireRole(RoleParameterSetter, caller); err != nil {
		return err
	}
	if value > fpmath.PercentageBase {
		return fmt.Errorf("%w: %s=%d exceeds %d", ErrInvalidValue, param, value, fpmath.PercentageBase)
	}

	next := r.params
	switch param {
	case FeeDerivativeAuthorExecutionFeeCap:
		next.DerivativeAuthorExecutionFeeCap = value
	case FeeDerivativeAuthorRedemptionReservePart:
		next.DerivativeAuthorRedemptionReservePart = value
	case FeeProtocolExecutionReservePart:
		next.ProtocolExecutionReservePart = value
	case FeeProtocolRedemptionReservePart:
		next.ProtocolRedemptionReservePart = value
	default:
		return fmt.Errorf("%w: unknown fee parameter %q", ErrInvalidValue, param)
	}

	prev := r.params
	r.params = next
	r.journal.Append(func() { r.params = prev })
	return nil
}

// === Pausing ===

// Pause stops every operation class at once.
func (r *Registry) Pause(caller common.Address) error {
	if err := r.requireRole(RoleGuardian, caller); err != nil {
		return err
	}
	r.setGlobal(true)
	return nil
}

// PauseClass stops one operation class. Guardians may pause any class.
func (r *Registry) PauseClass(caller common.Address, class PauseClass) error {
	if !r.HasRole(RoleGuardian, caller) {
		if err := r.requireRole(class.Role(), caller); err != nil {
			return err
		}
	}
	r.setPartial(class, true)
	return nil
}

// Unpause clears the global switch and every partial switch.
func (r *Registry) Unpause(caller common.Address) error {
	if err := r.requireRole(RoleProtocolUnpauser, caller); err != nil {
		return err
	}
	r.setGlobal(false)
	for _, c := range AllPauseClasses {
		r.setPartial(c, false)
	}
	return nil
}

func (r *Registry) setGlobal(v bool) {
	prev := r.globalPause
	r.globalPause = v
	r.journal.Append(func() { r.globalPause = prev })
}

func (r *Registry) setPartial(class PauseClass, v bool) {
	prev := r.paused[class]
	r.paused[class] = v
	r.journal.Append(func() { r.paused[class] = prev })
}

func (r *Registry) IsProtocolPaused() bool {
	return r.globalPause
}

// IsPaused reports whether the class is stopped, globally or partially.
func (r *Registry) IsPaused(class PauseClass) bool {
	return r.globalPause || r.paused[class]
}

func (r *Registry) IsProtocolPositionCreationPaused() bool     { return r.IsPaused(PauseCreation) }
func (r *Registry) IsProtocolPositionMintingPaused() bool      { return r.IsPaused(PauseMint) }
func (r *Registry) IsProtocolPositionRedemptionPaused() bool   { return r.IsPaused(PauseRedemption) }
func (r *Registry) IsProtocolPositionExecutionPaused() bool    { return r.IsPaused(PauseExecution) }
func (r *Registry) IsProtocolPositionCancellationPaused() bool { return r.IsPaused(PauseCancellation) }
func (r *Registry) IsProtocolReserveClaimPaused() bool         { return r.IsPaused(PauseReserveClaim) }

// IsCoreSpenderWhitelisted reports whether addr may pull margin through the spender gateway.
func (r *Registry) IsCoreSpenderWhitelisted(addr common.Address) bool {
	if r.spender == nil {
		return false
	}
	return r.spender.IsWhitelisted(addr)
}

// === Snapshot ===

// State is the serializable form of the registry.
type State struct {
	Initialized bool                      `json:"initialized"`
	Roles       map[Role][]common.Address `json:"roles"`
	Addresses   ProtocolAddresses         `json:"addresses"`
	Parameters  ProtocolParameters        `json:"parameters"`
	GlobalPause bool                      `json:"global_pause"`
	Paused      map[string]bool           `json:"paused"`
}

func (r *Registry) Export() State {
	s := State{
		Initialized: r.initialized,
		Roles:       make(map[Role][]common.Address, len(r.roles)),
		Addresses:   r.addresses,
		Parameters:  r.params,
		GlobalPause: r.globalPause,
		Paused:      make(map[string]bool),
	}
	for role := range r.roles {
		if members := r.RoleMembers(role); len(members) > 0 {
			s.Roles[role] = members
		}
	}
	for c, v := range r.paused {
		if v {
			s.Paused[c.String()] = true
		}
	}
	return s
}

func (r *Registry) Restore(s State) error {
	if err := s.Parameters.Validate(); err != nil {
		return err
	}
	roles := make(map[Role]map[common.Address]struct{}, len(s.Roles))
	for role, members := range s.Roles {
		if _, err := ParseRole(string(role)); err != nil {
			return err
		}
		set := make(map[common.Address]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		roles[role] = set
	}
	paused := make(map[PauseClass]bool)
	for name, v := range s.Paused {
		c, err := ParsePauseClass(name)
		if err != nil {
			return err
		}
		paused[c] = v
	}

	r.initialized = s.Initialized
	r.roles = roles
	r.addresses = s.Addresses
	r.params = s.Parameters
	r.globalPause = s.GlobalPause
	r.paused = paused
	return nil
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
}
