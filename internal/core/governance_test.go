package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"coopledger/pkg/domain"
)

func (f *fixture) propose(t *testing.T, kind ProposalKind, value int64, window time.Duration) ProposalID {
	t.Helper()
	id, err := f.svc.Governance().CreateProposal(context.Background(), alice, f.coop, token, "change "+string(kind), f.clock.Now().Add(window), value, kind)
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return id
}

func TestVotingRules(t *testing.T) {
	f := newFixture(t).withCooperative(t)
	ctx := context.Background()
	gov := f.svc.Governance()
	id := f.propose(t, domain.ProposalExternalRate, 12, time.Hour)

	if err := gov.Vote(ctx, bob, f.coop, id, true); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := gov.Vote(ctx, bob, f.coop, id, false); !errors.Is(err, domain.ErrState) {
		t.Fatalf("expected state error on double vote, got %v", err)
	}
	if err := gov.Vote(ctx, "", f.coop, id, true); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("expected authorization error for anonymous vote, got %v", err)
	}
	if err := gov.Vote(ctx, bob, f.coop, 9, true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected proposal not found, got %v", err)
	}
	if _, err := gov.Execute(ctx, alice, f.coop, id); !errors.Is(err, domain.ErrState) {
		t.Fatalf("expected state error executing before deadline, got %v", err)
	}

	f.clock.Advance(time.Hour + time.Nanosecond)
	if err := gov.Vote(ctx, carol, f.coop, id, true); !errors.Is(err, domain.ErrState) {
		t.Fatalf("expected state error voting after deadline, got %v", err)
	}
	p, _ := gov.GetProposal(ctx, f.coop, id)
	if p.YesVotes != 1 || p.NoVotes != 0 || !p.HasVoted(bob) {
		t.Fatalf("unexpected tally %+v", p)
	}
}

func TestExecuteRejectsTiesAndIsFinal(t *testing.T) {
	f := newFixture(t).withCooperative(t)
	ctx := context.Background()
	gov := f.svc.Governance()
	id := f.propose(t, domain.ProposalExternalFundPct, 40, time.Hour)

	if err := gov.Vote(ctx, alice, f.coop, id, true); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := gov.Vote(ctx, bob, f.coop, id, false); err != nil {
		t.Fatalf("vote: %v", err)
	}
	f.clock.Advance(2 * time.Hour)

	status, err := gov.Execute(ctx, carol, f.coop, id)
	if err != nil || status != domain.ProposalRejected {
		t.Fatalf("expected tie to reject, status=%s err=%v", status, err)
	}
	if cfg := f.asset(t); cfg.ExternalFundPct != 20 {
		t.Fatalf("rejected proposal changed parameter: %+v", cfg)
	}
	if _, err := gov.Execute(ctx, carol, f.coop, id); !errors.Is(err, domain.ErrState) {
		t.Fatalf("expected state error on second execution, got %v", err)
	}
	if err := gov.Vote(ctx, carol, f.coop, id, true); !errors.Is(err, domain.ErrState) {
		t.Fatalf("expected state error voting on closed proposal, got %v", err)
	}
}

func TestExecuteFailsForDisabledAsset(t *testing.T) {
	f := newFixture(t).withCooperative(t)
	ctx := context.Background()
	gov := f.svc.Governance()
	id, err := gov.CreateProposal(ctx, alice, f.coop, "gold", "gold rate", f.clock.Now().Add(time.Minute), 3, domain.ProposalInternalRate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := gov.Vote(ctx, alice, f.coop, id, true); err != nil {
		t.Fatalf("vote: %v", err)
	}
	f.clock.Advance(time.Hour)

	if _, err := gov.Execute(ctx, alice, f.coop, id); !errors.Is(err, domain.ErrState) {
		t.Fatalf("expected state error for disabled asset, got %v", err)
	}
	p, _ := gov.GetProposal(ctx, f.coop, id)
	if p.Status != domain.ProposalPending {
		t.Fatalf("expected failed execution to leave proposal pending, got %s", p.Status)
	}
}

func TestProposalsListedPerCooperative(t *testing.T) {
	f := newFixture(t).withCooperative(t)
	ctx := context.Background()
	f.propose(t, domain.ProposalInternalRate, 1, time.Hour)
	f.propose(t, domain.ProposalExternalRate, 2, time.Hour)

	list, err := f.svc.Governance().ListProposals(ctx, f.coop)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != 1 || list[1].ID != 2 {
		t.Fatalf("unexpected proposals %+v", list)
	}
	if _, err := f.svc.Governance().ListProposals(ctx, 5); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected cooperative not found, got %v", err)
	}
	if _, err := f.svc.Governance().CreateProposal(ctx, alice, 5, token, "x", f.clock.Now(), 1, domain.ProposalInternalRate); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected cooperative not found on create, got %v", err)
	}
}
