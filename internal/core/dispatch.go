package core

import (
	"fmt"
	"math"

	"DerivLedger/internal/custody"
	"DerivLedger/internal/event"
	"DerivLedger/internal/registry"
)

func callOf(cmd event.Command) Call {
	return Call{Caller: cmd.Sender(), Now: cmd.EventTime()}
}

func (c *DeterministicCore) dispatchEvent(cmd event.Command) error {
	call := callOf(cmd)
	switch e := cmd.(type) {
	case *event.CreateDerivative:
		_, err := c.engine.Create(call, e.Derivative, e.Amount, e.Buyer, e.Seller, e.Name)
		return err
	case *event.MintPositions:
		return c.engine.Mint(call, e.Amount, e.Long, e.Short, e.Buyer, e.Seller)
	case *event.ExecutePositions:
		return c.engine.ExecuteBatch(call, e.Owner, e.Positions, e.Amounts)
	case *event.CancelPositions:
		return c.engine.CancelBatch(call, e.Owner, e.Positions, e.Amounts)
	case *event.RedeemPositions:
		return c.engine.RedeemBatch(call, e.Pairs, e.Amounts)
	case *event.WithdrawFee:
		_, err := c.engine.WithdrawFee(call, e.Token)
		return err
	case *event.OracleData:
		return c.engine.PushOracleData(call, e.DataTimestamp, e.Value)
	case *event.AllowThirdPartyExecution:
		return c.engine.AllowThirdPartyExecution(call, e.SyntheticID, e.Allow)
	case *event.ProposeWhitelist:
		return c.engine.atomic(func() error { return c.handleProposeWhitelist(call, e) })
	case *event.CommitWhitelist:
		return c.engine.atomic(func() error { return c.handleCommitWhitelist(call) })
	case *event.SetGovernor:
		return c.engine.atomic(func() error { return c.gateway.SetGovernor(call.Caller, e.Governor) })
	case *event.RegistryUpdate:
		return c.engine.atomic(func() error { return c.handleRegistryUpdate(e) })
	case *event.TokenRegister:
		return c.engine.atomic(func() error { return c.handleTokenRegister(e) })
	case *event.TokenMint:
		return c.engine.atomic(func() error { return c.handleTokenMint(e) })
	case *event.TokenApprove:
		return c.engine.atomic(func() error { return c.bank.Approve(e.Token, e.Caller, e.Spender, e.Amount) })
	case *event.TokenTransfer:
		return c.engine.atomic(func() error { return c.handleTokenTransfer(e) })
	case *event.PositionTransfer:
		return c.engine.atomic(func() error { return c.positions.Transfer(e.Position, e.Caller, e.To, e.Amount) })
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedCommand, cmd)
	}
}

func (c *DeterministicCore) handleProposeWhitelist(call Call, e *event.ProposeWhitelist) error {
	bootstrap := len(c.gateway.Whitelist()) == 0
	if err := c.gateway.ProposeWhitelist(call.Caller, e.Whitelist, call.Now); err != nil {
		return err
	}
	kind := event.LogWhitelistProposed
	if bootstrap {
		kind = event.LogWhitelistCommitted
	}
	c.engine.emit(event.Log{Kind: kind, Account: call.Caller, Amount: fmt.Sprintf("%d", len(e.Whitelist))})
	return nil
}

func (c *DeterministicCore) handleCommitWhitelist(call Call) error {
	if err := c.gateway.CommitWhitelist(call.Caller, call.Now); err != nil {
		return err
	}
	c.engine.emit(event.Log{
		Kind:    event.LogWhitelistCommitted,
		Account: call.Caller,
		Amount:  fmt.Sprintf("%d", len(c.gateway.Whitelist())),
	})
	return nil
}

// handleRegistryUpdate forwards one role-gated setter. Component addresses
// are fixed for the life of the process, so only the oracle and synthetic
// aggregator entries of SetProtocolAddresses may change.
func (c *DeterministicCore) handleRegistryUpdate(e *event.RegistryUpdate) error {
	caller := e.Caller
	switch e.Action {
	case event.RegistryGrantRole:
		return c.registry.GrantRole(caller, e.Role, e.Account)
	case event.RegistryRevokeRole:
		return c.registry.RevokeRole(caller, e.Role, e.Account)
	case event.RegistrySetProtocolAddresses:
		cur := c.registry.ProtocolAddresses()
		next := e.Addresses
		if next.Core != cur.Core || next.PositionFactory != cur.PositionFactory || next.TokenSpender != cur.TokenSpender {
			return fmt.Errorf("%w: core, position factory and token spender cannot move", registry.ErrInvalidValue)
		}
		return c.registry.SetProtocolAddresses(caller, next)
	case event.RegistrySetExecutionReserveClaimer:
		return c.registry.SetProtocolExecutionReserveClaimer(caller, e.Account)
	case event.RegistrySetRedemptionReserveClaimer:
		return c.registry.SetProtocolRedemptionReserveClaimer(caller, e.Account)
	case event.RegistrySetNoDataCancellationPeriod:
		return c.registry.SetNoDataCancellationPeriod(caller, e.Value)
	case event.RegistrySetFeeParameter:
		if e.Value > math.MaxUint32 {
			return fmt.Errorf("%w: %s=%d", registry.ErrInvalidValue, e.Parameter, e.Value)
		}
		return c.registry.SetFeeParameter(caller, e.Parameter, uint32(e.Value))
	case event.RegistryPause:
		return c.registry.Pause(caller)
	case event.RegistryPauseClass:
		return c.registry.PauseClass(caller, e.Class)
	case event.RegistryUnpause:
		return c.registry.Unpause(caller)
	default:
		return fmt.Errorf("%w: registry action %q", ErrUnsupportedCommand, e.Action)
	}
}

func (c *DeterministicCore) requireAdmin(e *event.Header) error {
	if !c.registry.HasRole(registry.RoleDefaultAdmin, e.Caller) {
		return fmt.Errorf("%w: %s lacks %s", registry.ErrMissingRole, e.Caller.Hex(), registry.RoleDefaultAdmin)
	}
	return nil
}

func (c *DeterministicCore) handleTokenRegister(e *event.TokenRegister) error {
	if err := c.requireAdmin(&e.Header); err != nil {
		return err
	}
	return c.bank.RegisterToken(e.Token, e.Symbol, e.Decimals)
}

// Margin only reaches custody through escrow; direct credits to the custody
// address would leave holdings the ledger cannot account for.
func (c *DeterministicCore) handleTokenMint(e *event.TokenMint) error {
	if err := c.requireAdmin(&e.Header); err != nil {
		return err
	}
	if e.Holder == c.custody.Address() {
		return fmt.Errorf("%w: custody", custody.ErrInvalidTokenRecipient)
	}
	return c.bank.Mint(e.Token, e.Holder, e.Amount)
}

func (c *DeterministicCore) handleTokenTransfer(e *event.TokenTransfer) error {
	if e.To == c.custody.Address() {
		return fmt.Errorf("%w: custody", custody.ErrInvalidTokenRecipient)
	}
	return c.bank.Transfer(e.Token, e.Caller, e.To, e.Amount)
}
