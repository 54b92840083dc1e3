package core

import (
	"errors"

	"DerivLedger/internal/custody"
	"DerivLedger/internal/derivative"
	fpmath "DerivLedger/internal/math"
	"DerivLedger/internal/oracle"
	"DerivLedger/internal/position"
	"DerivLedger/internal/registry"
	"DerivLedger/internal/synthetic"

	"google.golang.org/grpc/codes"
)

var (
	ErrReentrantCall                 = errors.New("CORE:REENTRANT_CALL")
	ErrCreationPaused                = errors.New("CORE:PROTOCOL_POSITION_CREATION_PAUSED")
	ErrMintPaused                    = errors.New("CORE:PROTOCOL_POSITION_MINT_PAUSED")
	ErrExecutionPaused               = errors.New("CORE:PROTOCOL_POSITION_EXECUTION_PAUSED")
	ErrCancellationPaused            = errors.New("CORE:PROTOCOL_POSITION_CANCELLATION_PAUSED")
	ErrRedemptionPaused              = errors.New("CORE:PROTOCOL_POSITION_REDEMPTION_PAUSED")
	ErrReserveClaimPaused            = errors.New("CORE:PROTOCOL_RESERVE_CLAIM_PAUSED")
	ErrDerivativeExpired             = errors.New("CORE:DERIVATIVE_EXPIRED")
	ErrSyntheticValidation           = errors.New("CORE:SYNTHETIC_VALIDATION_ERROR")
	ErrWrongPositionPair             = errors.New("CORE:WRONG_POSITION_PAIR")
	ErrNullAddress                   = errors.New("CORE:NULL_ADDRESS")
	ErrLengthMismatch                = errors.New("CORE:LENGTH_MISMATCH")
	ErrExecutionBeforeMaturity       = errors.New("CORE:EXECUTION_BEFORE_MATURITY_NOT_ALLOWED")
	ErrThirdPartyExecutionNotAllowed = errors.New("CORE:SYNTHETIC_EXECUTION_WAS_NOT_ALLOWED")
	ErrTickerWasCancelled            = errors.New("CORE:TICKER_WAS_CANCELLED")
	ErrCancellationNotAllowed        = errors.New("CORE:CANCELLATION_IS_NOT_ALLOWED")
	ErrInvariantViolation            = errors.New("CORE:INVARIANT_VIOLATION")
	ErrUnsupportedCommand            = errors.New("CORE:UNSUPPORTED_COMMAND")
	ErrTimeWentBackwards             = errors.New("CORE:TIME_WENT_BACKWARDS")
)

// ErrorKind groups rejection reasons for metrics labels and RPC status codes.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindAuthorization
	KindTemporal
	KindData
	KindConservation
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindTemporal:
		return "temporal"
	case KindData:
		return "data"
	case KindConservation:
		return "conservation"
	default:
		return "internal"
	}
}

// GRPCCode maps the kind onto a gRPC status code.
func (k ErrorKind) GRPCCode() codes.Code {
	switch k {
	case KindValidation:
		return codes.InvalidArgument
	case KindAuthorization:
		return codes.PermissionDenied
	case KindTemporal, KindData:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

type classified struct {
	err  error
	kind ErrorKind
}

// Ordered most specific first: wrapped chains like TRANSFER_FAILED: REENTRANT_CALL
// report the innermost cause the table knows about.
var reasonTable = []classified{
	{ErrReentrantCall, KindAuthorization},
	{ErrInvariantViolation, KindConservation},

	{ErrCreationPaused, KindAuthorization},
	{ErrMintPaused, KindAuthorization},
	{ErrExecutionPaused, KindAuthorization},
	{ErrCancellationPaused, KindAuthorization},
	{ErrRedemptionPaused, KindAuthorization},
	{ErrReserveClaimPaused, KindAuthorization},
	{ErrThirdPartyExecutionNotAllowed, KindAuthorization},
	{registry.ErrMissingRole, KindAuthorization},
	{custody.ErrSpenderNotWhitelisted, KindAuthorization},
	{custody.ErrNotGovernor, KindAuthorization},
	{custody.ErrInsufficientAllowance, KindAuthorization},

	{ErrExecutionBeforeMaturity, KindTemporal},
	{ErrCancellationNotAllowed, KindTemporal},
	{ErrDerivativeExpired, KindTemporal},
	{ErrTimeWentBackwards, KindTemporal},
	{custody.ErrTimelockNotElapsed, KindTemporal},

	{ErrSequenceGap, KindData},
	{ErrOutOfOrder, KindData},
	{oracle.ErrDataDoesntExist, KindData},
	{oracle.ErrDataAlreadyExist, KindData},
	{ErrTickerWasCancelled, KindData},
	{custody.ErrNoProposal, KindData},
	{custody.ErrNothingToWithdraw, KindData},
	{position.ErrPairAlreadyDeployed, KindData},
	{registry.ErrAlreadyInitialized, KindData},

	{position.ErrInsufficientBalance, KindConservation},
	{custody.ErrEscrowExceeded, KindConservation},
	{custody.ErrBalanceExceeded, KindConservation},
	{custody.ErrAllowanceExceeded, KindConservation},
	{fpmath.ErrOverflow, KindConservation},

	{ErrSyntheticValidation, KindValidation},
	{ErrWrongPositionPair, KindValidation},
	{ErrNullAddress, KindValidation},
	{ErrLengthMismatch, KindValidation},
	{ErrUnsupportedCommand, KindValidation},
	{derivative.ErrMalformedDerivative, KindValidation},
	{synthetic.ErrWrongMargin, KindValidation},
	{synthetic.ErrAuthorCommissionTooBig, KindValidation},
	{synthetic.ErrSyntheticNotFound, KindValidation},
	{synthetic.ErrSyntheticRegistered, KindValidation},
	{synthetic.ErrInvalidPayout, KindValidation},
	{position.ErrUnknownPositionToken, KindValidation},
	{position.ErrPairNotDeployed, KindValidation},
	{position.ErrNullHolder, KindValidation},
	{custody.ErrEmptyWhitelist, KindValidation},
	{custody.ErrUnknownToken, KindValidation},
	{custody.ErrTokenExists, KindValidation},
	{custody.ErrInvalidTokenRecipient, KindValidation},
	{custody.ErrEscrowTokenChanged, KindValidation},
	{registry.ErrNotInitialized, KindValidation},
	{registry.ErrUnknownRole, KindValidation},
	{registry.ErrNullAddress, KindValidation},
	{registry.ErrInvalidValue, KindValidation},

	{custody.ErrTransferFailed, KindConservation},
}

// Classify returns the kind and stable reason code of err. Errors outside the
// table are internal.
func Classify(err error) (ErrorKind, string) {
	if err == nil {
		return KindInternal, ""
	}
	for _, c := range reasonTable {
		if errors.Is(err, c.err) {
			return c.kind, c.err.Error()
		}
	}
	return KindInternal, "CORE:INTERNAL"
}

// Kind is Classify without the reason code.
func Kind(err error) ErrorKind {
	k, _ := Classify(err)
	return k
}

// Reason is Classify without the kind.
func Reason(err error) string {
	_, r := Classify(err)
	return r
}

// GRPCCode maps err onto a gRPC status code. Duplicate writes report
// AlreadyExists; everything else follows its kind.
func GRPCCode(err error) codes.Code {
	kind, reason := Classify(err)
	switch reason {
	case oracle.ErrDataAlreadyExist.Error(), position.ErrPairAlreadyDeployed.Error():
		return codes.AlreadyExists
	}
	return kind.GRPCCode()
}
