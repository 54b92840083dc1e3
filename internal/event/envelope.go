package event

import (
	"fmt"

	"github.com/luxfi/geth/common"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCreateDerivative
	EventTypeMintPositions
	EventTypeExecutePositions
	EventTypeCancelPositions
	EventTypeRedeemPositions
	EventTypeWithdrawFee
	EventTypeOracleData
	EventTypeAllowThirdPartyExecution
	EventTypeProposeWhitelist
	EventTypeCommitWhitelist
	EventTypeSetGovernor
	EventTypeRegistryUpdate
	EventTypeTokenRegister
	EventTypeTokenMint
	EventTypeTokenApprove
	EventTypeTokenTransfer
	EventTypePositionTransfer
)

var eventTypeNames = map[EventType]string{
	EventTypeCreateDerivative:         "CreateDerivative",
	EventTypeMintPositions:            "MintPositions",
	EventTypeExecutePositions:         "ExecutePositions",
	EventTypeCancelPositions:          "CancelPositions",
	EventTypeRedeemPositions:          "RedeemPositions",
	EventTypeWithdrawFee:              "WithdrawFee",
	EventTypeOracleData:               "OracleData",
	EventTypeAllowThirdPartyExecution: "AllowThirdPartyExecution",
	EventTypeProposeWhitelist:         "ProposeWhitelist",
	EventTypeCommitWhitelist:          "CommitWhitelist",
	EventTypeSetGovernor:              "SetGovernor",
	EventTypeRegistryUpdate:           "RegistryUpdate",
	EventTypeTokenRegister:            "TokenRegister",
	EventTypeTokenMint:                "TokenMint",
	EventTypeTokenApprove:             "TokenApprove",
	EventTypeTokenTransfer:            "TokenTransfer",
	EventTypePositionTransfer:         "PositionTransfer",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, error) {
	for et, name := range eventTypeNames {
		if name == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type: %s", s)
}

// AllEventTypes lists every known command type in discriminator order.
func AllEventTypes() []EventType {
	out := make([]EventType, 0, len(eventTypeNames))
	for et := EventTypeCreateDerivative; et <= EventTypePositionTransfer; et++ {
		out = append(out, et)
	}
	return out
}

// Status of an applied command.
type Status int32

const (
	StatusApplied Status = iota
	StatusRejected
)

func (s Status) String() string {
	if s == StatusRejected {
		return "rejected"
	}
	return "applied"
}

// EventEnvelope wraps every command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	EventType EventType

	// Principal that issued the command
	Caller common.Address

	// Domain time in unix seconds (NOT wall-clock)
	Timestamp uint64

	// Caller nonce for ordering validation
	SourceSequence int64

	// Wire-encoded command as received
	Payload []byte

	// Rejected commands are logged with their reason and leave state unchanged
	Status Status
	Reason string

	// Logs emitted while applying the command
	Logs []Log

	// BLAKE3 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Sender returns the principal that issued the command
	Sender() common.Address

	// SourceSequence returns the caller nonce
	SourceSequence() int64

	// EventTime returns the processing time stamped at ingestion
	EventTime() uint64

	// Stamp sets the processing time; the core loop calls it once per command
	Stamp(ts uint64)

	// Payload returns the wire bytes the command was parsed from, if any
	Payload() []byte
}

// Header is embedded by every command.
type Header struct {
	Key       string
	Caller    common.Address
	Nonce     int64
	Timestamp uint64 // unix seconds, stamped by the core loop or taken from the log on replay
	Raw       []byte
}

func (h *Header) IdempotencyKey() string { return h.Key }
func (h *Header) Sender() common.Address { return h.Caller }
func (h *Header) SourceSequence() int64  { return h.Nonce }
func (h *Header) EventTime() uint64      { return h.Timestamp }
func (h *Header) Payload() []byte        { return h.Raw }
func (h *Header) Stamp(ts uint64)        { h.Timestamp = ts }
