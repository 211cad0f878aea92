package core

import (
	"context"
	"fmt"

	"coopledger/pkg/domain"
)

// NewDefaultRulesEngine builds a rules engine with the built-in ledger invariants.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(NewMemberEntitlementRule())
	engine.Register(NewFundNonNegativeRule())
	engine.Register(NewFundConservationRule())
	engine.Register(NewSocialPctRangeRule())
	engine.Register(NewLoanStatusProgressionRule())
	engine.Register(NewProposalTerminalRule())
	return engine
}

func blocking(rule string, entity domain.EntityType, id string, format string, args ...any) domain.Violation {
	return domain.Violation{
		Rule:     rule,
		Severity: domain.SeverityBlock,
		Message:  fmt.Sprintf(format, args...),
		Entity:   entity,
		EntityID: id,
	}
}

// changedCooperatives returns the cooperatives touched by changes, as they
// stand after the transaction.
func changedCooperatives(changes []Change) []Cooperative {
	var out []Cooperative
	for _, ch := range changes {
		if ch.Entity != domain.EntityCooperative {
			continue
		}
		if c, ok := ch.After.(Cooperative); ok {
			out = append(out, c)
		}
	}
	return out
}

func coopKey(id CooperativeID) string { return fmt.Sprintf("%d", id) }

// NewMemberEntitlementRule blocks any member whose withdrawals exceed deposits.
func NewMemberEntitlementRule() domain.Rule { return memberEntitlementRule{} }

type memberEntitlementRule struct{}

func (memberEntitlementRule) Name() string { return "member_entitlement" }

func (r memberEntitlementRule) Evaluate(_ context.Context, _ domain.RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, c := range changedCooperatives(changes) {
		for id, m := range c.Members {
			for asset, withdrawn := range m.Withdrawn {
				if deposited := m.Deposited[asset]; withdrawn > deposited {
					res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityMember, string(id),
						"member %s of cooperative %d withdrew %d %s of %d deposited", id, c.ID, withdrawn, asset, deposited))
				}
			}
		}
	}
	return res, nil
}

// NewFundNonNegativeRule blocks negative common or social balances.
func NewFundNonNegativeRule() domain.Rule { return fundNonNegativeRule{} }

type fundNonNegativeRule struct{}

func (fundNonNegativeRule) Name() string { return "fund_non_negative" }

func (r fundNonNegativeRule) Evaluate(_ context.Context, _ domain.RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, c := range changedCooperatives(changes) {
		for asset, cfg := range c.Assets {
			if cfg.CommonFund < 0 || cfg.SocialFund < 0 {
				res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityAsset, string(asset),
					"cooperative %d asset %s has negative funds (common %d, social %d)", c.ID, asset, cfg.CommonFund, cfg.SocialFund))
			}
		}
	}
	return res, nil
}

// NewFundConservationRule requires the pooled balances of every asset to equal
// cumulative deposits less withdrawals and disbursed loans.
func NewFundConservationRule() domain.Rule { return fundConservationRule{} }

type fundConservationRule struct{}

func (fundConservationRule) Name() string { return "fund_conservation" }

func (r fundConservationRule) Evaluate(_ context.Context, _ domain.RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, c := range changedCooperatives(changes) {
		for asset, cfg := range c.Assets {
			pooled := cfg.CommonFund + cfg.SocialFund
			expected := cfg.CumulativeDeposits - cfg.TotalWithdrawn - cfg.TotalLoaned
			if pooled != expected {
				res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityAsset, string(asset),
					"cooperative %d asset %s pools %d, expected %d", c.ID, asset, pooled, expected))
			}
		}
	}
	return res, nil
}

// NewSocialPctRangeRule keeps the social percentage within [0,100] and
// unchanged after creation.
func NewSocialPctRangeRule() domain.Rule { return socialPctRangeRule{} }

type socialPctRangeRule struct{}

func (socialPctRangeRule) Name() string { return "social_pct_range" }

func (r socialPctRangeRule) Evaluate(_ context.Context, _ domain.RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, ch := range changes {
		if ch.Entity != domain.EntityCooperative {
			continue
		}
		after, ok := ch.After.(Cooperative)
		if !ok {
			continue
		}
		if after.SocialPct < 0 || after.SocialPct > domain.MaxPercent {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityCooperative, coopKey(after.ID),
				"social percentage %d outside [0,%d]", after.SocialPct, domain.MaxPercent))
		}
		if before, ok := ch.Before.(Cooperative); ok && before.SocialPct != after.SocialPct {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityCooperative, coopKey(after.ID),
				"social percentage changed from %d to %d", before.SocialPct, after.SocialPct))
		}
	}
	return res, nil
}

// NewLoanStatusProgressionRule blocks loan updates that move status backwards
// or leave a terminal status.
func NewLoanStatusProgressionRule() domain.Rule { return loanStatusProgressionRule{} }

type loanStatusProgressionRule struct{}

func (loanStatusProgressionRule) Name() string { return "loan_status_progression" }

func (r loanStatusProgressionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, ch := range changes {
		if ch.Entity != domain.EntityLoan || ch.Action != domain.ActionUpdate {
			continue
		}
		before, okBefore := ch.Before.(Loan)
		after, okAfter := ch.After.(Loan)
		if !okBefore || !okAfter || before.Status == after.Status {
			continue
		}
		if before.Status.Terminal() || after.Status.Rank() < before.Status.Rank() {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityLoan, fmt.Sprintf("%d/%d", after.CooperativeID, after.ID),
				"loan status cannot move from %s to %s", before.Status, after.Status))
		}
	}
	return res, nil
}

// NewProposalTerminalRule blocks changes to rejected or executed proposals.
func NewProposalTerminalRule() domain.Rule { return proposalTerminalRule{} }

type proposalTerminalRule struct{}

func (proposalTerminalRule) Name() string { return "proposal_terminal" }

func (r proposalTerminalRule) Evaluate(_ context.Context, _ domain.RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, ch := range changes {
		if ch.Entity != domain.EntityProposal || ch.Action != domain.ActionUpdate {
			continue
		}
		if before, ok := ch.Before.(Proposal); ok && before.Status.Terminal() {
			res.Violations = append(res.Violations, blocking(r.Name(), domain.EntityProposal, fmt.Sprintf("%d/%d", before.CooperativeID, before.ID),
				"proposal is %s and cannot change", before.Status))
		}
	}
	return res, nil
}
