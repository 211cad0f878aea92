package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"coopledger/pkg/domain"
)

func TestScenarioDepositSplitsIntoFunds(t *testing.T) {
	f := newFixture(t).withCooperative(t)
	f.deposit(t, alice, 1000)

	cfg := f.asset(t)
	if cfg.SocialFund != 100 || cfg.CommonFund != 900 {
		t.Fatalf("expected social 100 / common 900, got %d / %d", cfg.SocialFund, cfg.CommonFund)
	}
	if cfg.CumulativeDeposits != 1000 {
		t.Fatalf("expected cumulative deposits 1000, got %d", cfg.CumulativeDeposits)
	}
	if got := f.member(t, alice).Deposited[token]; got != 1000 {
		t.Fatalf("expected member deposit 1000, got %d", got)
	}
	if f.gateway.Custody(token) != 1000 {
		t.Fatalf("expected pulled funds in custody")
	}
}

func TestScenarioWithdrawLimitedByEntitlement(t *testing.T) {
	f := newFixture(t).withCooperative(t)
	f.deposit(t, alice, 1000)
	ctx := context.Background()
	ledger := f.svc.Ledger()

	if err := ledger.Withdraw(ctx, alice, f.coop, token, 900); err != nil {
		t.Fatalf("withdraw 900: %v", err)
	}
	if cfg := f.asset(t); cfg.CommonFund != 0 {
		t.Fatalf("expected common fund 0, got %d", cfg.CommonFund)
	}
	if got := f.member(t, alice).Withdrawn[token]; got != 900 {
		t.Fatalf("expected withdrawn 900, got %d", got)
	}
	if f.gateway.Balance(token, alice) != 900 {
		t.Fatalf("expected funds pushed to alice")
	}

	err := ledger.Withdraw(ctx, alice, f.coop, token, 200)
	if !errors.Is(err, domain.ErrInvariant) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if got := f.member(t, alice).Withdrawn[token]; got != 900 {
		t.Fatalf("expected withdrawn unchanged, got %d", got)
	}
}

func TestScenarioLoanRepaidWithHalfYearInterest(t *testing.T) {
	f := newFixture(t).withCooperative(t)
	f.deposit(t, alice, 2000)
	ctx := context.Background()
	loans := f.svc.Loans()

	id, err := loans.RequestLoan(ctx, bob, f.coop, token, 1000, f.clock.Now().Add(OneYear), domain.LoanInternal)
	if err != nil {
		t.Fatalf("request loan: %v", err)
	}
	if err := loans.ApproveLoan(ctx, treasurer, f.coop, id); err != nil {
		t.Fatalf("approve loan: %v", err)
	}
	if err := loans.DisburseLoan(ctx, treasurer, f.coop, id); err != nil {
		t.Fatalf("disburse loan: %v", err)
	}
	if cfg := f.asset(t); cfg.CommonFund != 800 || cfg.TotalLoaned != 1000 {
		t.Fatalf("expected common fund 800 after disbursement, got %+v", cfg)
	}

	f.clock.Advance(OneYear / 2)
	due, err := loans.AmountDue(ctx, f.coop, id)
	if err != nil {
		t.Fatalf("amount due: %v", err)
	}
	if due != 1025 {
		t.Fatalf("expected 1025 due, got %d", due)
	}

	finalized, err := loans.RepayLoan(ctx, bob, f.coop, id, 1024)
	if err != nil || finalized {
		t.Fatalf("expected partial repayment, finalized=%v err=%v", finalized, err)
	}
	finalized, err = loans.RepayLoan(ctx, bob, f.coop, id, 1)
	if err != nil || !finalized {
		t.Fatalf("expected final repayment, finalized=%v err=%v", finalized, err)
	}
	loan, _ := loans.GetLoan(ctx, f.coop, id)
	if loan.Status != domain.LoanFinalized || loan.Repaid != 1025 {
		t.Fatalf("unexpected loan %+v", loan)
	}
	if cfg := f.asset(t); cfg.CommonFund != 800 {
		t.Fatalf("expected repayments to stay out of the common fund, got %d", cfg.CommonFund)
	}
	types := f.eventTypes(t)
	if countEvents(types, domain.EventLoanRepaid) != 2 || countEvents(types, domain.EventLoanFinalized) != 1 {
		t.Fatalf("unexpected loan events %v", types)
	}
}

func TestScenarioProposalRaisesInternalRate(t *testing.T) {
	f := newFixture(t).withCooperative(t)
	ctx := context.Background()
	gov := f.svc.Governance()

	id, err := gov.CreateProposal(ctx, alice, f.coop, token, "raise internal rate", f.clock.Now().Add(24*time.Hour), 7, domain.ProposalInternalRate)
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	for _, voter := range []Identity{alice, bob, carol} {
		if err := gov.Vote(ctx, voter, f.coop, id, true); err != nil {
			t.Fatalf("vote by %s: %v", voter, err)
		}
	}
	if err := gov.Vote(ctx, "dave", f.coop, id, false); err != nil {
		t.Fatalf("vote against: %v", err)
	}

	f.clock.Advance(25 * time.Hour)
	status, err := gov.Execute(ctx, carol, f.coop, id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if status != domain.ProposalExecuted {
		t.Fatalf("expected executed, got %s", status)
	}
	if cfg := f.asset(t); cfg.InternalRate != 7 {
		t.Fatalf("expected internal rate 7, got %d", cfg.InternalRate)
	}
	p, _ := gov.GetProposal(ctx, f.coop, id)
	if p.Status != domain.ProposalExecuted || p.YesVotes != 3 || p.NoVotes != 1 {
		t.Fatalf("unexpected proposal %+v", p)
	}
	types := f.eventTypes(t)
	if countEvents(types, domain.EventParameterUpdated) != 1 || countEvents(types, domain.EventProposalExecuted) != 1 {
		t.Fatalf("unexpected governance events %v", types)
	}
}

func TestScenarioUnknownProposalKindNeverApplies(t *testing.T) {
	f := newFixture(t).withCooperative(t)
	ctx := context.Background()
	gov := f.svc.Governance()

	id, err := gov.CreateProposal(ctx, alice, f.coop, token, "mystery", f.clock.Now().Add(time.Hour), 42, domain.ProposalKind("bogus"))
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if err := gov.Vote(ctx, alice, f.coop, id, true); err != nil {
		t.Fatalf("vote: %v", err)
	}
	f.clock.Advance(2 * time.Hour)

	_, err = gov.Execute(ctx, alice, f.coop, id)
	if !errors.Is(err, domain.ErrUnrecognizedInput) {
		t.Fatalf("expected unrecognized input, got %v", err)
	}
	p, _ := gov.GetProposal(ctx, f.coop, id)
	if p.Status != domain.ProposalPending {
		t.Fatalf("expected proposal to stay pending, got %s", p.Status)
	}
	if cfg := f.asset(t); cfg.InternalRate != 5 || cfg.ExternalRate != 8 || cfg.ExternalFundPct != 20 {
		t.Fatalf("expected parameters untouched, got %+v", cfg)
	}
}
