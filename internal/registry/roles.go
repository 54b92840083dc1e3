package registry

import "fmt"

// Role names a permission held by one or more principals.
type Role string

const (
	RoleDefaultAdmin                          Role = "DEFAULT_ADMIN_ROLE"
	RoleProtocolAddressesSetter               Role = "PROTOCOL_ADDRESSES_SETTER_ROLE"
	RoleExecutionReserveClaimerAddressSetter  Role = "EXECUTION_RESERVE_CLAIMER_ADDRESS_SETTER_ROLE"
	RoleRedemptionReserveClaimerAddressSetter Role = "REDEMPTION_RESERVE_CLAIMER_ADDRESS_SETTER_ROLE"
	RoleNoDataCancellationPeriodSetter        Role = "NO_DATA_CANCELLATION_PERIOD_SETTER_ROLE"
	RoleParameterSetter                       Role = "PARAMETER_SETTER_ROLE"
	RoleGuardian                              Role = "GUARDIAN_ROLE"
	RoleProtocolUnpauser                      Role = "PROTOCOL_UNPAUSER_ROLE"
	RolePartialCreatePause                    Role = "PARTIAL_CREATE_PAUSE_ROLE"
	RolePartialMintPause                      Role = "PARTIAL_MINT_PAUSE_ROLE"
	RolePartialRedeemPause                    Role = "PARTIAL_REDEEM_PAUSE_ROLE"
	RolePartialExecutePause                   Role = "PARTIAL_EXECUTE_PAUSE_ROLE"
	RolePartialCancelPause                    Role = "PARTIAL_CANCEL_PAUSE_ROLE"
	RolePartialClaimReservePause              Role = "PARTIAL_CLAIM_RESERVE_PAUSE_ROLE"
)

// AllRoles lists every role in a fixed order. Genesis grants all of them to the admin.
var AllRoles = []Role{
	RoleDefaultAdmin,
	RoleProtocolAddressesSetter,
	RoleExecutionReserveClaimerAddressSetter,
	RoleRedemptionReserveClaimerAddressSetter,
	RoleNoDataCancellationPeriodSetter,
	RoleParameterSetter,
	RoleGuardian,
	RoleProtocolUnpauser,
	RolePartialCreatePause,
	RolePartialMintPause,
	RolePartialRedeemPause,
	RolePartialExecutePause,
	RolePartialCancelPause,
	RolePartialClaimReservePause,
}

func ParseRole(s string) (Role, error) {
	for _, r := range AllRoles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// PauseClass is an independently pausable operation class.
type PauseClass uint8

const (
	PauseCreation PauseClass = iota
	PauseMint
	PauseRedemption
	PauseExecution
	PauseCancellation
	PauseReserveClaim
)

var AllPauseClasses = []PauseClass{
	PauseCreation, PauseMint, PauseRedemption, PauseExecution, PauseCancellation, PauseReserveClaim,
}

func (c PauseClass) String() string {
	switch c {
	case PauseCreation:
		return "creation"
	case PauseMint:
		return "mint"
	case PauseRedemption:
		return "redemption"
	case PauseExecution:
		return "execution"
	case PauseCancellation:
		return "cancellation"
	case PauseReserveClaim:
		return "reserve_claim"
	default:
		return "unknown"
	}
}

// Role returns the partial-pause role that may pause this class.
func (c PauseClass) Role() Role {
	switch c {
	case PauseCreation:
		return RolePartialCreatePause
	case PauseMint:
		return RolePartialMintPause
	case PauseRedemption:
		return RolePartialRedeemPause
	case PauseExecution:
		return RolePartialExecutePause
	case PauseCancellation:
		return RolePartialCancelPause
	default:
		return RolePartialClaimReservePause
	}
}

func ParsePauseClass(s string) (PauseClass, error) {
	for _, c := range AllPauseClasses {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown pause class %q", ErrInvalidValue, s)
}
