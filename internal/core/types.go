package core

import "coopledger/pkg/domain"

type (
	Identity        = domain.Identity
	AssetID         = domain.AssetID
	CooperativeID   = domain.CooperativeID
	LoanID          = domain.LoanID
	ProposalID      = domain.ProposalID
	Cooperative     = domain.Cooperative
	Member          = domain.Member
	AssetConfig     = domain.AssetConfig
	Loan            = domain.Loan
	LoanKind        = domain.LoanKind
	LoanStatus      = domain.LoanStatus
	Proposal        = domain.Proposal
	ProposalKind    = domain.ProposalKind
	ProposalStatus  = domain.ProposalStatus
	ParameterName   = domain.ParameterName
	Event           = domain.Event
	EventType       = domain.EventType
	Change          = domain.Change
	Violation       = domain.Violation
	Result          = domain.Result
	Rule            = domain.Rule
	RulesEngine     = domain.RulesEngine
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)

// NewRulesEngine constructs an empty engine instance.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}
