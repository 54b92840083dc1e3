package event

import (
	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// TokenRegister lists a margin token on the in-process token ledger. Admin only.
type TokenRegister struct {
	Header
	Token    common.Address
	Symbol   string
	Decimals uint8
}

func (c *TokenRegister) EventType() EventType { return EventTypeTokenRegister }

// TokenMint credits Holder with bridged-in margin tokens. Admin only.
type TokenMint struct {
	Header
	Token  common.Address
	Holder common.Address
	Amount *uint256.Int
}

func (c *TokenMint) EventType() EventType { return EventTypeTokenMint }

// TokenApprove sets the caller's allowance for Spender.
type TokenApprove struct {
	Header
	Token   common.Address
	Spender common.Address
	Amount  *uint256.Int
}

func (c *TokenApprove) EventType() EventType { return EventTypeTokenApprove }

// TokenTransfer moves margin tokens from the caller to To.
type TokenTransfer struct {
	Header
	Token  common.Address
	To     common.Address
	Amount *uint256.Int
}

func (c *TokenTransfer) EventType() EventType { return EventTypeTokenTransfer }

// PositionTransfer moves LONG or SHORT claim tokens from the caller to To.
type PositionTransfer struct {
	Header
	Position common.Address
	To       common.Address
	Amount   *uint256.Int
}

func (c *PositionTransfer) EventType() EventType { return EventTypePositionTransfer }
