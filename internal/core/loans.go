package core

import (
	"context"
	"fmt"
	"time"

	"coopledger/pkg/domain"
)

// loanLedger is the part of the ledger the loan engine may use: reads within
// its own transaction and the common-fund debit.
type loanLedger interface {
	CooperativeIn(tx Transaction, coop CooperativeID) (Cooperative, error)
	ReduceCommonFund(tx Transaction, caller Identity, coop CooperativeID, asset AssetID, amount int64) error
}

// LoanEngine runs the loan lifecycle
// Pending → Approved → Disbursed → {Finalized | Defaulted}.
type LoanEngine struct {
	rt     *runtime
	ledger loanLedger
	self   Identity
}

func findLoan(op string, tx Transaction, coop CooperativeID, id LoanID) (Loan, error) {
	l, ok := tx.FindLoan(coop, id)
	if !ok {
		return Loan{}, fmt.Errorf("%s: %w", op, domain.NotFound(domain.EntityLoan, uint64(id)))
	}
	return l, nil
}

func requireLoanStatus(op string, l Loan, want LoanStatus) error {
	if l.Status != want {
		return domain.InvalidState(op, "loan %d is %s, want %s", l.ID, l.Status, want)
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }

// RequestLoan records a pending loan. The rate is captured now from the
// asset's internal or external rate according to kind.
func (e *LoanEngine) RequestLoan(ctx context.Context, caller Identity, coop CooperativeID, asset AssetID, amount int64, dueAt time.Time, kind LoanKind) (LoanID, error) {
	const op = "request_loan"
	var id LoanID
	err := e.rt.run(ctx, op, func(tx Transaction) error {
		if err := requireCaller(op, caller); err != nil {
			return err
		}
		c, err := e.ledger.CooperativeIn(tx, coop)
		if err != nil {
			return err
		}
		if err := requireActiveMember(op, c, caller); err != nil {
			return err
		}
		if !c.AssetEnabled(asset) {
			return domain.InvalidState(op, "asset %s is not enabled in cooperative %d", asset, coop)
		}
		if err := requirePositive(op, amount); err != nil {
			return err
		}
		cfg, _ := c.Asset(asset)
		var rate int64
		switch kind {
		case domain.LoanInternal:
			rate = cfg.InternalRate
		case domain.LoanExternal:
			rate = cfg.ExternalRate
		default:
			return domain.Unrecognized(op, "unknown loan kind %q", kind)
		}
		created, err := tx.CreateLoan(Loan{
			CooperativeID: coop,
			Asset:         asset,
			Borrower:      caller,
			Principal:     amount,
			Rate:          rate,
			Kind:          kind,
			Status:        domain.LoanPending,
			RequestedAt:   tx.Now(),
			DueAt:         dueAt,
		})
		if err != nil {
			return err
		}
		id = created.ID
		_, err = tx.AppendEvent(Event{
			CooperativeID: coop,
			Type:          domain.EventLoanRequested,
			Actor:         caller,
			Subject:       caller,
			Asset:         asset,
			LoanID:        created.ID,
			Amount:        amount,
			Values:        map[string]int64{"rate": rate, "due_at": dueAt.Unix()},
			Note:          string(kind),
		})
		return err
	})
	return id, err
}

// ApproveLoan moves a pending loan to Approved. Treasurer only.
func (e *LoanEngine) ApproveLoan(ctx context.Context, caller Identity, coop CooperativeID, id LoanID) error {
	const op = "approve_loan"
	return e.rt.run(ctx, op, func(tx Transaction) error {
		if err := requireCaller(op, caller); err != nil {
			return err
		}
		c, err := e.ledger.CooperativeIn(tx, coop)
		if err != nil {
			return err
		}
		if err := requireTreasurer(op, c, caller); err != nil {
			return err
		}
		l, err := findLoan(op, tx, coop, id)
		if err != nil {
			return err
		}
		if err := requireLoanStatus(op, l, domain.LoanPending); err != nil {
			return err
		}
		if _, err := tx.UpdateLoan(coop, id, func(l *Loan) error {
			l.Status = domain.LoanApproved
			l.ApprovedAt = timePtr(tx.Now())
			return nil
		}); err != nil {
			return err
		}
		_, err = tx.AppendEvent(Event{CooperativeID: coop, Type: domain.EventLoanApproved, Actor: caller, Subject: l.Borrower, Asset: l.Asset, LoanID: id})
		return err
	})
}

// DisburseLoan debits the principal from the common fund and moves an
// approved loan to Disbursed. Treasurer only.
func (e *LoanEngine) DisburseLoan(ctx context.Context, caller Identity, coop CooperativeID, id LoanID) error {
	const op = "disburse_loan"
	return e.rt.run(ctx, op, func(tx Transaction) error {
		if err := requireCaller(op, caller); err != nil {
			return err
		}
		c, err := e.ledger.CooperativeIn(tx, coop)
		if err != nil {
			return err
		}
		if err := requireTreasurer(op, c, caller); err != nil {
			return err
		}
		l, err := findLoan(op, tx, coop, id)
		if err != nil {
			return err
		}
		if err := requireLoanStatus(op, l, domain.LoanApproved); err != nil {
			return err
		}
		if cfg, _ := c.Asset(l.Asset); cfg.CommonFund < l.Principal {
			return domain.InvariantViolation(op, "principal %d exceeds common fund %d of %s", l.Principal, cfg.CommonFund, l.Asset)
		}
		if err := e.ledger.ReduceCommonFund(tx, e.self, coop, l.Asset, l.Principal); err != nil {
			return err
		}
		if _, err := tx.UpdateLoan(coop, id, func(l *Loan) error {
			l.Status = domain.LoanDisbursed
			l.DisbursedAt = timePtr(tx.Now())
			return nil
		}); err != nil {
			return err
		}
		_, err = tx.AppendEvent(Event{CooperativeID: coop, Type: domain.EventLoanDisbursed, Actor: caller, Subject: l.Borrower, Asset: l.Asset, LoanID: id, Amount: l.Principal})
		return err
	})
}

// RepayLoan records a repayment by the borrower and finalizes the loan once
// the cumulative repaid amount covers principal plus accrued interest.
// It reports whether the loan was finalized.
func (e *LoanEngine) RepayLoan(ctx context.Context, caller Identity, coop CooperativeID, id LoanID, payment int64) (bool, error) {
	const op = "repay_loan"
	var finalized bool
	err := e.rt.run(ctx, op, func(tx Transaction) error {
		if err := requireCaller(op, caller); err != nil {
			return err
		}
		if _, err := e.ledger.CooperativeIn(tx, coop); err != nil {
			return err
		}
		l, err := findLoan(op, tx, coop, id)
		if err != nil {
			return err
		}
		if caller != l.Borrower {
			return domain.Unauthorized(op, "caller %s is not the borrower of loan %d", caller, id)
		}
		if err := requireLoanStatus(op, l, domain.LoanDisbursed); err != nil {
			return err
		}
		if err := requirePositive(op, payment); err != nil {
			return err
		}
		now := tx.Now()
		interest := interestAt(l, now)
		owed, err := checkedAdd(op, l.Principal, interest)
		if err != nil {
			return err
		}
		repaid, err := checkedAdd(op, l.Repaid, payment)
		if err != nil {
			return err
		}
		updated, err := tx.UpdateLoan(coop, id, func(l *Loan) error {
			l.Repaid = repaid
			if l.Repaid >= owed {
				l.Status = domain.LoanFinalized
				l.ClosedAt = timePtr(now)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if _, err := tx.AppendEvent(Event{
			CooperativeID: coop,
			Type:          domain.EventLoanRepaid,
			Actor:         caller,
			Subject:       caller,
			Asset:         l.Asset,
			LoanID:        id,
			Amount:        payment,
			Values:        map[string]int64{"repaid": updated.Repaid, "interest": interest},
		}); err != nil {
			return err
		}
		if updated.Status != domain.LoanFinalized {
			return nil
		}
		finalized = true
		_, err = tx.AppendEvent(Event{
			CooperativeID: coop,
			Type:          domain.EventLoanFinalized,
			Actor:         caller,
			Subject:       caller,
			Asset:         l.Asset,
			LoanID:        id,
			Amount:        updated.Repaid,
			Values:        map[string]int64{"principal": l.Principal, "interest": interest},
		})
		return err
	})
	return finalized, err
}

// CheckDefault marks a disbursed loan Defaulted once its due date has passed,
// recording the penalty and raising the rate. Any identified caller may invoke it; it is
// a no-op for loans that are not overdue. It reports whether the loan defaulted.
func (e *LoanEngine) CheckDefault(ctx context.Context, caller Identity, coop CooperativeID, id LoanID) (bool, error) {
	const op = "check_default"
	var defaulted bool
	err := e.rt.run(ctx, op, func(tx Transaction) error {
		if err := requireCaller(op, caller); err != nil {
			return err
		}
		if _, err := e.ledger.CooperativeIn(tx, coop); err != nil {
			return err
		}
		l, err := findLoan(op, tx, coop, id)
		if err != nil {
			return err
		}
		now := tx.Now()
		if l.Status != domain.LoanDisbursed || !now.After(l.DueAt) {
			return nil
		}
		penalty := penaltyFor(l.Principal)
		updated, err := tx.UpdateLoan(coop, id, func(l *Loan) error {
			l.Status = domain.LoanDefaulted
			l.Penalty = penalty
			l.Rate += DefaultRateIncrease
			l.ClosedAt = timePtr(now)
			return nil
		})
		if err != nil {
			return err
		}
		defaulted = true
		if _, err := tx.AppendEvent(Event{
			CooperativeID: coop,
			Type:          domain.EventLoanDefaulted,
			Actor:         caller,
			Subject:       l.Borrower,
			Asset:         l.Asset,
			LoanID:        id,
			Values:        map[string]int64{"rate": updated.Rate, "repaid": l.Repaid},
		}); err != nil {
			return err
		}
		_, err = tx.AppendEvent(Event{
			CooperativeID: coop,
			Type:          domain.EventPenaltyApplied,
			Actor:         caller,
			Subject:       l.Borrower,
			Asset:         l.Asset,
			LoanID:        id,
			Amount:        penalty,
		})
		return err
	})
	return defaulted, err
}

// GetLoan returns a loan record.
func (e *LoanEngine) GetLoan(ctx context.Context, coop CooperativeID, id LoanID) (Loan, error) {
	var out Loan
	err := e.rt.view(ctx, func(v TransactionView) error {
		l, ok := v.FindLoan(coop, id)
		if !ok {
			return domain.NotFound(domain.EntityLoan, uint64(id))
		}
		out = l
		return nil
	})
	return out, err
}

// ListLoans returns the cooperative's loans ordered by id.
func (e *LoanEngine) ListLoans(ctx context.Context, coop CooperativeID) ([]Loan, error) {
	var out []Loan
	err := e.rt.view(ctx, func(v TransactionView) error {
		if _, err := findCooperative("list_loans", v, coop); err != nil {
			return err
		}
		out = v.ListLoans(coop)
		return nil
	})
	return out, err
}

// AmountDue is principal plus interest accrued up to the store clock plus any
// penalty, less what was repaid. Settled and never-disbursed loans owe nothing.
func (e *LoanEngine) AmountDue(ctx context.Context, coop CooperativeID, id LoanID) (int64, error) {
	l, err := e.GetLoan(ctx, coop, id)
	if err != nil {
		return 0, err
	}
	if l.Status != domain.LoanDisbursed && l.Status != domain.LoanDefaulted {
		return 0, nil
	}
	at := e.rt.now()
	if l.Status == domain.LoanDefaulted && l.ClosedAt != nil {
		at = *l.ClosedAt
	}
	due := l.Principal + interestAt(l, at) + l.Penalty - l.Repaid
	if due < 0 {
		return 0, nil
	}
	return due, nil
}
