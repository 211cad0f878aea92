package core

import (
	"context"
	"fmt"
	"time"

	"coopledger/pkg/domain"
)

// parameterUpdater is the single ledger entrypoint governance may call.
type parameterUpdater interface {
	UpdateParameter(tx Transaction, caller Identity, coop CooperativeID, asset AssetID, name ParameterName, value int64) error
}

// GovernanceEngine runs proposals and votes over asset parameters.
type GovernanceEngine struct {
	rt     *runtime
	ledger parameterUpdater
	self   Identity
}

func findProposal(op string, tx Transaction, coop CooperativeID, id ProposalID) (Proposal, error) {
	p, ok := tx.FindProposal(coop, id)
	if !ok {
		return Proposal{}, fmt.Errorf("%s: %w", op, domain.NotFound(domain.EntityProposal, uint64(id)))
	}
	return p, nil
}

// CreateProposal records a pending proposal. The kind is not validated here;
// an unrecognized kind fails when the proposal is executed.
func (g *GovernanceEngine) CreateProposal(ctx context.Context, caller Identity, coop CooperativeID, asset AssetID, description string, votingDeadline time.Time, newValue int64, kind ProposalKind) (ProposalID, error) {
	const op = "create_proposal"
	var id ProposalID
	err := g.rt.run(ctx, op, func(tx Transaction) error {
		if err := requireCaller(op, caller); err != nil {
			return err
		}
		if _, err := findCooperative(op, tx.Snapshot(), coop); err != nil {
			return err
		}
		created, err := tx.CreateProposal(Proposal{
			CooperativeID:  coop,
			Asset:          asset,
			Description:    description,
			Proposer:       caller,
			Kind:           kind,
			NewValue:       newValue,
			Status:         domain.ProposalPending,
			Voters:         make(map[Identity]bool),
			CreatedAt:      tx.Now(),
			VotingDeadline: votingDeadline,
		})
		if err != nil {
			return err
		}
		id = created.ID
		_, err = tx.AppendEvent(Event{
			CooperativeID: coop,
			Type:          domain.EventProposalCreated,
			Actor:         caller,
			Asset:         asset,
			ProposalID:    created.ID,
			Values:        map[string]int64{"new_value": newValue, "voting_deadline": votingDeadline.Unix()},
			Note:          string(kind),
		})
		return err
	})
	return id, err
}

// Vote tallies the caller's vote. Each identity votes at most once and only
// until the voting deadline.
func (g *GovernanceEngine) Vote(ctx context.Context, caller Identity, coop CooperativeID, id ProposalID, inFavor bool) error {
	const op = "vote"
	return g.rt.run(ctx, op, func(tx Transaction) error {
		if err := requireCaller(op, caller); err != nil {
			return err
		}
		p, err := findProposal(op, tx, coop, id)
		if err != nil {
			return err
		}
		if tx.Now().After(p.VotingDeadline) {
			return domain.InvalidState(op, "voting on proposal %d closed at %s", id, p.VotingDeadline.Format(time.RFC3339))
		}
		if p.Status != domain.ProposalPending {
			return domain.InvalidState(op, "proposal %d is %s", id, p.Status)
		}
		if p.HasVoted(caller) {
			return domain.InvalidState(op, "%s already voted on proposal %d", caller, id)
		}
		updated, err := tx.UpdateProposal(coop, id, func(p *Proposal) error {
			p.Voters[caller] = true
			if inFavor {
				p.YesVotes++
			} else {
				p.NoVotes++
			}
			return nil
		})
		if err != nil {
			return err
		}
		var favor int64
		if inFavor {
			favor = 1
		}
		_, err = tx.AppendEvent(Event{
			CooperativeID: coop,
			Type:          domain.EventVoteCast,
			Actor:         caller,
			ProposalID:    id,
			Values:        map[string]int64{"in_favor": favor, "yes": updated.YesVotes, "no": updated.NoVotes},
		})
		return err
	})
}

// Execute closes a proposal after its deadline. A majority in favor applies
// the parameter change and marks it Executed; otherwise it is Rejected. A
// proposal whose kind maps to no parameter fails and stays Pending.
func (g *GovernanceEngine) Execute(ctx context.Context, caller Identity, coop CooperativeID, id ProposalID) (ProposalStatus, error) {
	const op = "execute_proposal"
	var status ProposalStatus
	err := g.rt.run(ctx, op, func(tx Transaction) error {
		if err := requireCaller(op, caller); err != nil {
			return err
		}
		p, err := findProposal(op, tx, coop, id)
		if err != nil {
			return err
		}
		now := tx.Now()
		if !now.After(p.VotingDeadline) {
			return domain.InvalidState(op, "voting on proposal %d is open until %s", id, p.VotingDeadline.Format(time.RFC3339))
		}
		if p.Status != domain.ProposalPending {
			return domain.InvalidState(op, "proposal %d is %s", id, p.Status)
		}
		status = domain.ProposalRejected
		if p.YesVotes > p.NoVotes {
			name, ok := p.Kind.Parameter()
			if !ok {
				return domain.Unrecognized(op, "proposal %d has unknown kind %q", id, p.Kind)
			}
			if err := g.ledger.UpdateParameter(tx, g.self, coop, p.Asset, name, p.NewValue); err != nil {
				return err
			}
			status = domain.ProposalExecuted
		}
		if _, err := tx.UpdateProposal(coop, id, func(p *Proposal) error {
			p.Status = status
			p.ExecutedAt = timePtr(now)
			return nil
		}); err != nil {
			return err
		}
		_, err = tx.AppendEvent(Event{
			CooperativeID: coop,
			Type:          domain.EventProposalExecuted,
			Actor:         caller,
			Asset:         p.Asset,
			ProposalID:    id,
			Values:        map[string]int64{"yes": p.YesVotes, "no": p.NoVotes, "new_value": p.NewValue},
			Note:          string(status),
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// GetProposal returns a proposal record.
func (g *GovernanceEngine) GetProposal(ctx context.Context, coop CooperativeID, id ProposalID) (Proposal, error) {
	var out Proposal
	err := g.rt.view(ctx, func(v TransactionView) error {
		p, ok := v.FindProposal(coop, id)
		if !ok {
			return domain.NotFound(domain.EntityProposal, uint64(id))
		}
		out = p
		return nil
	})
	return out, err
}

// ListProposals returns the cooperative's proposals ordered by id.
func (g *GovernanceEngine) ListProposals(ctx context.Context, coop CooperativeID) ([]Proposal, error) {
	var out []Proposal
	err := g.rt.view(ctx, func(v TransactionView) error {
		if _, err := findCooperative("list_proposals", v, coop); err != nil {
			return err
		}
		out = v.ListProposals(coop)
		return nil
	})
	return out, err
}
