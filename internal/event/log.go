package event

import (
	"fmt"

	"github.com/luxfi/geth/common"
)

// LogKind names a state change the engine reports.
type LogKind uint8

const (
	LogCreated LogKind = iota + 1
	LogMinted
	LogExecuted
	LogCancelled
	LogRedeemed
	LogFeeWithdrawn
	LogOracleData
	LogWhitelistProposed
	LogWhitelistCommitted
)

var logKindNames = map[LogKind]string{
	LogCreated:            "Created",
	LogMinted:             "Minted",
	LogExecuted:           "Executed",
	LogCancelled:          "Cancelled",
	LogRedeemed:           "Redeemed",
	LogFeeWithdrawn:       "FeeWithdrawn",
	LogOracleData:         "OracleData",
	LogWhitelistProposed:  "WhitelistProposed",
	LogWhitelistCommitted: "WhitelistCommitted",
}

func (k LogKind) String() string {
	if name, ok := logKindNames[k]; ok {
		return name
	}
	return "Unknown"
}

func (k LogKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *LogKind) UnmarshalText(b []byte) error {
	for kind, name := range logKindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown log kind: %s", b)
}

// Log is an engine notification. Amounts are decimal strings; fields a kind
// does not use stay zero.
//
//	Created, Minted: Account=buyer, Counterparty=seller, Amount
//	Executed, Cancelled: Account=owner, Position, Amount, Payout=net released
//	Redeemed: Account=holder, Position=LONG, Counterparty=SHORT, Amount, Payout
//	FeeWithdrawn: Account=beneficiary, Token, Payout
//	OracleData: Account=source, Amount=timestamp, Payout=value
type Log struct {
	Kind         LogKind        `json:"kind"`
	Hash         common.Hash    `json:"hash"`
	Account      common.Address `json:"account"`
	Counterparty common.Address `json:"counterparty"`
	Position     common.Address `json:"position"`
	Token        common.Address `json:"token"`
	Amount       string         `json:"amount,omitempty"`
	Payout       string         `json:"payout,omitempty"`
}
