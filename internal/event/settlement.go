package event

import (
	"DerivLedger/internal/derivative"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// CreateDerivative escrows margin×amount from the caller, deploys the
// position pair if needed and mints amount LONG to Buyer and SHORT to Seller.
// Amount zero only deploys the pair.
type CreateDerivative struct {
	Header
	Derivative *derivative.Derivative
	Amount     *uint256.Int
	Buyer      common.Address
	Seller     common.Address
	Name       string
}

func (c *CreateDerivative) EventType() EventType { return EventTypeCreateDerivative }

// MintPositions mints more of an already deployed pair.
type MintPositions struct {
	Header
	Amount *uint256.Int
	Long   common.Address
	Short  common.Address
	Buyer  common.Address
	Seller common.Address
}

func (c *MintPositions) EventType() EventType { return EventTypeMintPositions }

// ExecutePositions settles Owner's positions against oracle data.
// Positions and Amounts are parallel lists; more than one entry runs as an
// all-or-nothing batch.
type ExecutePositions struct {
	Header
	Owner     common.Address
	Positions []common.Address
	Amounts   []*uint256.Int
}

func (c *ExecutePositions) EventType() EventType { return EventTypeExecutePositions }

// CancelPositions unwinds Owner's positions when no oracle data arrived.
type CancelPositions struct {
	Header
	Owner     common.Address
	Positions []common.Address
	Amounts   []*uint256.Int
}

func (c *CancelPositions) EventType() EventType { return EventTypeCancelPositions }

// PositionPair is a (LONG, SHORT) token address pair.
type PositionPair struct {
	Long  common.Address
	Short common.Address
}

// RedeemPositions burns matched LONG and SHORT held by the caller.
type RedeemPositions struct {
	Header
	Pairs   []PositionPair
	Amounts []*uint256.Int
}

func (c *RedeemPositions) EventType() EventType { return EventTypeRedeemPositions }

// WithdrawFee drains the caller's fee vault for Token.
type WithdrawFee struct {
	Header
	Token common.Address
}

func (c *WithdrawFee) EventType() EventType { return EventTypeWithdrawFee }

// OracleData is a data source pushing Value observed at DataTimestamp.
// The source is the command caller.
type OracleData struct {
	Header
	DataTimestamp uint64
	Value         *uint256.Int
}

func (c *OracleData) EventType() EventType { return EventTypeOracleData }

// AllowThirdPartyExecution lets anyone execute the caller's positions of
// synthetics under SyntheticID.
type AllowThirdPartyExecution struct {
	Header
	SyntheticID common.Address
	Allow       bool
}

func (c *AllowThirdPartyExecution) EventType() EventType { return EventTypeAllowThirdPartyExecution }
