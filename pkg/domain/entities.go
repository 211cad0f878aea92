// Package domain defines the cooperative ledger entities, value types, error
// taxonomy and rule evaluation primitives used by coopledger.
package domain

import "time"

// Identity is an authenticated caller or account address.
type Identity string

// AssetID identifies an asset managed by a cooperative.
type AssetID string

// CooperativeID is the arena index of a cooperative. Valid ids start at 1.
type CooperativeID uint64

// LoanID is the index of a loan within its cooperative. Valid ids start at 1.
type LoanID uint64

// ProposalID is the index of a proposal within its cooperative. Valid ids start at 1.
type ProposalID uint64

// EntityType identifies the type of record stored in the ledger.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	EntityCooperative EntityType = "cooperative"
	EntityMember      EntityType = "member"
	EntityAsset       EntityType = "asset"
	EntityLoan        EntityType = "loan"
	EntityProposal    EntityType = "proposal"
	EntityEvent       EntityType = "event"
)

// MaxPercent bounds every percentage parameter.
const MaxPercent = 100

// Cooperative is a tenant grouping members, assets and funds.
type Cooperative struct {
	ID            CooperativeID           `json:"id"`
	Name          string                  `json:"name"`
	Creator       Identity                `json:"creator"`
	Treasurer     Identity                `json:"treasurer"`
	Secretary     Identity                `json:"secretary"`
	Guardians     [2]Identity             `json:"guardians"`
	MemberOrder   []Identity              `json:"member_order"`
	Members       map[Identity]Member     `json:"members"`
	Assets        map[AssetID]AssetConfig `json:"assets"`
	EnabledAssets []AssetID               `json:"enabled_assets"`
	SocialPct     int64                   `json:"social_pct"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// Member returns the member record for id.
func (c Cooperative) Member(id Identity) (Member, bool) {
	m, ok := c.Members[id]
	return m, ok
}

// IsActiveMember reports whether id holds an active membership.
func (c Cooperative) IsActiveMember(id Identity) bool {
	m, ok := c.Members[id]
	return ok && m.Active
}

// Asset returns the configuration of asset, which may be disabled.
func (c Cooperative) Asset(asset AssetID) (AssetConfig, bool) {
	cfg, ok := c.Assets[asset]
	return cfg, ok
}

// AssetEnabled reports whether asset is currently enabled.
func (c Cooperative) AssetEnabled(asset AssetID) bool {
	cfg, ok := c.Assets[asset]
	return ok && cfg.Enabled
}

// Member tracks an identity's per-asset deposit and withdrawal totals.
// Withdrawn never exceeds Deposited for any asset.
type Member struct {
	Identity  Identity          `json:"identity"`
	Deposited map[AssetID]int64 `json:"deposited"`
	Withdrawn map[AssetID]int64 `json:"withdrawn"`
	Active    bool              `json:"active"`
	JoinedAt  time.Time         `json:"joined_at"`
}

// Available returns the amount of asset the member may still withdraw.
func (m Member) Available(asset AssetID) int64 {
	return m.Deposited[asset] - m.Withdrawn[asset]
}

// AssetConfig holds per-asset parameters and pooled balances.
type AssetConfig struct {
	Enabled            bool  `json:"enabled"`
	InternalRate       int64 `json:"internal_rate"`
	ExternalRate       int64 `json:"external_rate"`
	ExternalFundPct    int64 `json:"external_fund_pct"`
	CommonFund         int64 `json:"common_fund"`
	SocialFund         int64 `json:"social_fund"`
	CumulativeDeposits int64 `json:"cumulative_deposits"`
	TotalWithdrawn     int64 `json:"total_withdrawn"`
	TotalLoaned        int64 `json:"total_loaned"`
}

// ParameterName names a governable asset parameter.
type ParameterName string

// Recognized governable parameters.
const (
	ParamInternalRate    ParameterName = "internalRate"
	ParamExternalRate    ParameterName = "externalRate"
	ParamExternalFundPct ParameterName = "externalFundPct"
)

// Valid reports whether p is one of the recognized parameter names.
func (p ParameterName) Valid() bool {
	switch p {
	case ParamInternalRate, ParamExternalRate, ParamExternalFundPct:
		return true
	}
	return false
}

// LoanStatus is the lifecycle state of a loan.
type LoanStatus string

// Loan lifecycle states. Status only advances in the listed order; Finalized
// and Defaulted are both terminal.
const (
	LoanPending   LoanStatus = "pending"
	LoanApproved  LoanStatus = "approved"
	LoanDisbursed LoanStatus = "disbursed"
	LoanFinalized LoanStatus = "finalized"
	LoanDefaulted LoanStatus = "defaulted"
)

// Rank orders loan statuses for progression checks.
func (s LoanStatus) Rank() int {
	switch s {
	case LoanPending:
		return 0
	case LoanApproved:
		return 1
	case LoanDisbursed:
		return 2
	case LoanFinalized, LoanDefaulted:
		return 3
	}
	return -1
}

// Terminal reports whether no further transition is possible.
func (s LoanStatus) Terminal() bool {
	return s == LoanFinalized || s == LoanDefaulted
}

// LoanKind selects which configured rate applies to a loan.
type LoanKind string

// Loan kinds.
const (
	LoanInternal LoanKind = "internal"
	LoanExternal LoanKind = "external"
)

// Loan records a member's borrowing against the common fund. Rate is captured
// at request time and is not affected by later parameter changes.
type Loan struct {
	ID            LoanID        `json:"id"`
	CooperativeID CooperativeID `json:"cooperative_id"`
	Asset         AssetID       `json:"asset"`
	Borrower      Identity      `json:"borrower"`
	Principal     int64         `json:"principal"`
	Rate          int64         `json:"rate"`
	Kind          LoanKind      `json:"kind"`
	Status        LoanStatus    `json:"status"`
	Repaid        int64         `json:"repaid"`
	Penalty       int64         `json:"penalty"`
	RequestedAt   time.Time     `json:"requested_at"`
	ApprovedAt    *time.Time    `json:"approved_at,omitempty"`
	DisbursedAt   *time.Time    `json:"disbursed_at,omitempty"`
	DueAt         time.Time     `json:"due_at"`
	ClosedAt      *time.Time    `json:"closed_at,omitempty"`
}

// ProposalStatus is the lifecycle state of a governance proposal.
type ProposalStatus string

// Proposal lifecycle states. Approved exists for vocabulary parity; execution
// moves a proposal from Pending straight to Executed or Rejected.
const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExecuted ProposalStatus = "executed"
)

// Terminal reports whether the proposal can no longer change.
func (s ProposalStatus) Terminal() bool {
	return s == ProposalRejected || s == ProposalExecuted
}

// ProposalKind identifies which asset parameter a proposal targets.
type ProposalKind string

// Recognized proposal kinds.
const (
	ProposalInternalRate    ProposalKind = "internalRate"
	ProposalExternalRate    ProposalKind = "externalRate"
	ProposalExternalFundPct ProposalKind = "externalFundPct"
)

// Parameter maps a proposal kind to the ledger parameter it changes.
func (k ProposalKind) Parameter() (ParameterName, bool) {
	switch k {
	case ProposalInternalRate:
		return ParamInternalRate, true
	case ProposalExternalRate:
		return ParamExternalRate, true
	case ProposalExternalFundPct:
		return ParamExternalFundPct, true
	}
	return "", false
}

// Proposal is a member vote on changing one asset parameter.
type Proposal struct {
	ID             ProposalID        `json:"id"`
	CooperativeID  CooperativeID     `json:"cooperative_id"`
	Asset          AssetID           `json:"asset"`
	Description    string            `json:"description"`
	Proposer       Identity          `json:"proposer"`
	Kind           ProposalKind      `json:"kind"`
	NewValue       int64             `json:"new_value"`
	Status         ProposalStatus    `json:"status"`
	YesVotes       int64             `json:"yes_votes"`
	NoVotes        int64             `json:"no_votes"`
	Voters         map[Identity]bool `json:"voters"`
	CreatedAt      time.Time         `json:"created_at"`
	VotingDeadline time.Time         `json:"voting_deadline"`
	ExecutedAt     *time.Time        `json:"executed_at,omitempty"`
}

// HasVoted reports whether id already voted on the proposal.
func (p Proposal) HasVoted(id Identity) bool {
	return p.Voters[id]
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions captured in the transaction change log.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)
