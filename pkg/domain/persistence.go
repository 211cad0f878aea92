package domain

import (
	"context"
	"time"
)

// Transaction exposes the ledger operations that a persistence implementation
// must support within an atomic scope. Nothing written through a Transaction
// is visible outside it until the enclosing RunInTransaction returns nil.
type Transaction interface {
	Snapshot() TransactionView
	// Now is the instant captured when the transaction started.
	Now() time.Time

	CreateCooperative(Cooperative) (Cooperative, error)
	UpdateCooperative(id CooperativeID, mutator func(*Cooperative) error) (Cooperative, error)
	FindCooperative(id CooperativeID) (Cooperative, bool)

	CreateLoan(Loan) (Loan, error)
	UpdateLoan(coop CooperativeID, id LoanID, mutator func(*Loan) error) (Loan, error)
	FindLoan(coop CooperativeID, id LoanID) (Loan, bool)

	CreateProposal(Proposal) (Proposal, error)
	UpdateProposal(coop CooperativeID, id ProposalID, mutator func(*Proposal) error) (Proposal, error)
	FindProposal(coop CooperativeID, id ProposalID) (Proposal, bool)

	// AppendEvent assigns the event id, sequence and timestamp and adds it to
	// the cooperative journal.
	AppendEvent(Event) (Event, error)
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	RuleView
	ListEvents(coop CooperativeID) []Event
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetCooperative(id CooperativeID) (Cooperative, bool)
	ListCooperatives() []Cooperative
	GetLoan(coop CooperativeID, id LoanID) (Loan, bool)
	ListLoans(coop CooperativeID) []Loan
	GetProposal(coop CooperativeID, id ProposalID) (Proposal, bool)
	ListProposals(coop CooperativeID) []Proposal
	ListEvents(coop CooperativeID) []Event
	NowFunc() func() time.Time
}
