package domain

import (
	"strings"
	"time"
)

// EventType identifies the kind of an observed ledger event.
type EventType string

// Ledger events.
const (
	EventCooperativeCreated  EventType = "ledger.cooperative_created"
	EventMembershipRequested EventType = "ledger.membership_requested"
	EventMembershipApproved  EventType = "ledger.membership_approved"
	EventAssetEnabled        EventType = "ledger.asset_enabled"
	EventDeposited           EventType = "ledger.deposited"
	EventWithdrawn           EventType = "ledger.withdrawn"
	EventParameterUpdated    EventType = "ledger.parameter_updated"
)

// Loan events.
const (
	EventLoanRequested  EventType = "loan.requested"
	EventLoanApproved   EventType = "loan.approved"
	EventLoanDisbursed  EventType = "loan.disbursed"
	EventLoanRepaid     EventType = "loan.repaid"
	EventLoanFinalized  EventType = "loan.finalized"
	EventLoanDefaulted  EventType = "loan.defaulted"
	EventPenaltyApplied EventType = "loan.penalty_applied"
)

// Governance events.
const (
	EventProposalCreated  EventType = "governance.proposal_created"
	EventVoteCast         EventType = "governance.vote_cast"
	EventProposalExecuted EventType = "governance.proposal_executed"
)

// Domain returns the prefix of the event type (ledger, loan, governance).
func (t EventType) Domain() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t[:i])
	}
	return string(t)
}

// Event is an immutable entry in a cooperative's journal. Events are appended
// inside the transaction that performs the mutation and become visible only
// when that transaction commits.
type Event struct {
	// ID is a globally unique event identifier.
	ID string `json:"id"`
	// CooperativeID is the cooperative the event belongs to.
	CooperativeID CooperativeID `json:"cooperative_id"`
	// Seq is the sequence number within the cooperative (starts at 1).
	// Assigned by storage on append.
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	Actor     Identity  `json:"actor"`
	Timestamp time.Time `json:"timestamp"`

	Subject    Identity   `json:"subject,omitempty"`
	Asset      AssetID    `json:"asset,omitempty"`
	LoanID     LoanID     `json:"loan_id,omitempty"`
	ProposalID ProposalID `json:"proposal_id,omitempty"`
	Amount     int64      `json:"amount,omitempty"`
	// Values carries the changed numeric values keyed by name.
	Values map[string]int64 `json:"values,omitempty"`
	Note   string           `json:"note,omitempty"`
}
