package custody

import (
	"errors"
	"fmt"

	"DerivLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

var (
	ErrNotGovernor           = errors.New("WHITELISTED:ONLY_GOVERNOR")
	ErrEmptyWhitelist        = errors.New("WHITELISTED:EMPTY_WHITELIST")
	ErrNoProposal            = errors.New("WHITELISTED:NO_PROPOSAL")
	ErrTimelockNotElapsed    = errors.New("WHITELISTED:TIMELOCK_NOT_ELAPSED")
	ErrSpenderNotWhitelisted = errors.New("TOKEN_SPENDER:ONLY_WHITELISTED")
	ErrInsufficientAllowance = errors.New("INSUFFICIENT_ALLOWANCE")
	ErrTransferFailed        = errors.New("TRANSFER_FAILED")
)

// ProposalPhase is the state of the whitelist change process.
type ProposalPhase uint8

const (
	PhaseNoProposal ProposalPhase = iota
	PhaseProposed
)

func (p ProposalPhase) String() string {
	if p == PhaseProposed {
		return "proposed"
	}
	return "no_proposal"
}

// Proposal is a pending whitelist replacement.
type Proposal struct {
	ProposedAt uint64           `json:"proposed_at"`
	List       []common.Address `json:"list"`
}

// SpenderGateway pulls tokens from payers' allowances on behalf of whitelisted
// callers. The whitelist changes in two phases: the governor proposes a full
// replacement list, and it can be committed once the timelock has passed.
//
//	NoProposal --propose--> Proposed(at, list) --commit--> NoProposal (whitelist = list)
type SpenderGateway struct {
	address  common.Address
	governor common.Address
	timelock uint64
	ledger   TokenLedger

	whitelist []common.Address
	proposal  *Proposal
	journal   *state.Journal
}

func NewSpenderGateway(
	address, governor common.Address,
	timelock uint64,
	ledger TokenLedger,
	journal *state.Journal,
) *SpenderGateway {
	return &SpenderGateway{
		address:  address,
		governor: governor,
		timelock: timelock,
		ledger:   ledger,
		journal:  journal,
	}
}

// Address is the spender identity payers approve.
func (g *SpenderGateway) Address() common.Address  { return g.address }
func (g *SpenderGateway) Governor() common.Address { return g.governor }
func (g *SpenderGateway) Timelock() uint64         { return g.timelock }

func (g *SpenderGateway) Phase() ProposalPhase {
	if g.proposal == nil {
		return PhaseNoProposal
	}
	return PhaseProposed
}

// PendingProposal returns a copy of the pending proposal, or nil.
func (g *SpenderGateway) PendingProposal() *Proposal {
	if g.proposal == nil {
		return nil
	}
	return &Proposal{ProposedAt: g.proposal.ProposedAt, List: append([]common.Address(nil), g.proposal.List...)}
}

// Whitelist returns the committed whitelist.
func (g *SpenderGateway) Whitelist() []common.Address {
	return append([]common.Address(nil), g.whitelist...)
}

func (g *SpenderGateway) IsWhitelisted(addr common.Address) bool {
	for _, a := range g.whitelist {
		if a == addr {
			return true
		}
	}
	return false
}

// ProposeWhitelist replaces any pending proposal. While the committed whitelist
// is still empty the list takes effect at once, which is how a deployment
// bootstraps its first spender.
func (g *SpenderGateway) ProposeWhitelist(caller common.Address, list []common.Address, now uint64) error {
	if caller != g.governor {
		return fmt.Errorf("%w: %s", ErrNotGovernor, caller.Hex())
	}
	if len(list) == 0 {
		return ErrEmptyWhitelist
	}

	if len(g.whitelist) == 0 {
		g.setWhitelist(dedupe(list))
		return nil
	}

	g.setProposal(&Proposal{ProposedAt: now, List: dedupe(list)})
	return nil
}

// CommitWhitelist installs the pending list once now >= proposedAt + timelock.
func (g *SpenderGateway) CommitWhitelist(caller common.Address, now uint64) error {
	if caller != g.governor {
		return fmt.Errorf("%w: %s", ErrNotGovernor, caller.Hex())
	}
	if g.proposal == nil {
		return ErrNoProposal
	}
	if at := g.proposal.ProposedAt; now < at || now-at < g.timelock {
		return fmt.Errorf("%w: proposed at %d, timelock %d, now %d", ErrTimelockNotElapsed, at, g.timelock, now)
	}

	g.setWhitelist(g.proposal.List)
	g.setProposal(nil)
	return nil
}

func (g *SpenderGateway) SetGovernor(caller, governor common.Address) error {
	if caller != g.governor {
		return fmt.Errorf("%w: %s", ErrNotGovernor, caller.Hex())
	}
	if governor == (common.Address{}) {
		return fmt.Errorf("%w: zero governor", ErrNotGovernor)
	}
	prev := g.governor
	g.governor = governor
	g.journal.Append(func() { g.governor = prev })
	return nil
}

// ClaimTokens moves amount of token from payer to recipient, spending the
// allowance payer granted the gateway. Only whitelisted callers may claim.
func (g *SpenderGateway) ClaimTokens(caller, token, from, to common.Address, amount *uint256.Int) error {
	if !g.IsWhitelisted(caller) {
		return fmt.Errorf("%w: %s", ErrSpenderNotWhitelisted, caller.Hex())
	}
	if amount.IsZero() {
		return nil
	}
	allowance := g.ledger.Allowance(token, from, g.address)
	if allowance.Lt(amount) {
		return fmt.Errorf("%w: payer=%s allowance=%s amount=%s",
			ErrInsufficientAllowance, from.Hex(), allowance.Dec(), amount.Dec())
	}
	if err := g.ledger.TransferFrom(token, g.address, from, to, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

func (g *SpenderGateway) setWhitelist(list []common.Address) {
	prev := g.whitelist
	g.whitelist = list
	g.journal.Append(func() { g.whitelist = prev })
}

func (g *SpenderGateway) setProposal(p *Proposal) {
	prev := g.proposal
	g.proposal = p
	g.journal.Append(func() { g.proposal = prev })
}

func dedupe(list []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(list))
	out := make([]common.Address, 0, len(list))
	for _, a := range list {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// === Snapshot ===

type GatewayState struct {
	Governor  common.Address   `json:"governor"`
	Whitelist []common.Address `json:"whitelist"`
	Proposal  *Proposal        `json:"proposal,omitempty"`
}

func (g *SpenderGateway) Export() GatewayState {
	return GatewayState{
		Governor:  g.governor,
		Whitelist: g.Whitelist(),
		Proposal:  g.PendingProposal(),
	}
}

func (g *SpenderGateway) Restore(s GatewayState) {
	g.governor = s.Governor
	g.whitelist = append([]common.Address(nil), s.Whitelist...)
	g.proposal = nil
	if s.Proposal != nil {
		g.proposal = &Proposal{ProposedAt: s.Proposal.ProposedAt, List: append([]common.Address(nil), s.Proposal.List...)}
	}
}
