package event

import (
	"fmt"

	"DerivLedger/internal/registry"

	"github.com/luxfi/geth/common"
)

// ProposeWhitelist starts a timelocked spender whitelist change.
type ProposeWhitelist struct {
	Header
	Whitelist []common.Address
}

func (c *ProposeWhitelist) EventType() EventType { return EventTypeProposeWhitelist }

// CommitWhitelist applies the pending whitelist once the timelock elapsed.
type CommitWhitelist struct {
	Header
}

func (c *CommitWhitelist) EventType() EventType { return EventTypeCommitWhitelist }

// SetGovernor hands spender governance to a new principal.
type SetGovernor struct {
	Header
	Governor common.Address
}

func (c *SetGovernor) EventType() EventType { return EventTypeSetGovernor }

// RegistryAction selects the registry setter a RegistryUpdate invokes.
type RegistryAction string

const (
	RegistryGrantRole                   RegistryAction = "grant_role"
	RegistryRevokeRole                  RegistryAction = "revoke_role"
	RegistrySetProtocolAddresses        RegistryAction = "set_protocol_addresses"
	RegistrySetExecutionReserveClaimer  RegistryAction = "set_execution_reserve_claimer"
	RegistrySetRedemptionReserveClaimer RegistryAction = "set_redemption_reserve_claimer"
	RegistrySetNoDataCancellationPeriod RegistryAction = "set_no_data_cancellation_period"
	RegistrySetFeeParameter             RegistryAction = "set_fee_parameter"
	RegistryPause                       RegistryAction = "pause"
	RegistryPauseClass                  RegistryAction = "pause_class"
	RegistryUnpause                     RegistryAction = "unpause"
)

var registryActions = map[RegistryAction]bool{
	RegistryGrantRole:                   true,
	RegistryRevokeRole:                  true,
	RegistrySetProtocolAddresses:        true,
	RegistrySetExecutionReserveClaimer:  true,
	RegistrySetRedemptionReserveClaimer: true,
	RegistrySetNoDataCancellationPeriod: true,
	RegistrySetFeeParameter:             true,
	RegistryPause:                       true,
	RegistryPauseClass:                  true,
	RegistryUnpause:                     true,
}

func ParseRegistryAction(s string) (RegistryAction, error) {
	a := RegistryAction(s)
	if !registryActions[a] {
		return "", fmt.Errorf("unknown registry action: %s", s)
	}
	return a, nil
}

// RegistryUpdate is one role-gated registry call. Only the fields the
// action reads are meaningful.
type RegistryUpdate struct {
	Header
	Action    RegistryAction
	Role      registry.Role
	Account   common.Address
	Addresses registry.ProtocolAddresses
	Parameter registry.FeeParameter
	Value     uint64
	Class     registry.PauseClass
}

func (c *RegistryUpdate) EventType() EventType { return EventTypeRegistryUpdate }
