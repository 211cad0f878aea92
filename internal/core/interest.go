package core

import (
	"time"

	"coopledger/pkg/domain"

	"github.com/shopspring/decimal"
)

// OneYear is the period over which a loan rate accrues in full.
const OneYear = 365 * 24 * time.Hour

const (
	// DefaultPenaltyPct is the share of principal recorded as penalty on default.
	DefaultPenaltyPct = 5
	// DefaultRateIncrease is added to a defaulted loan's rate, in percentage points.
	DefaultRateIncrease = 5
)

// AccruedInterest returns principal × rate × elapsed / (OneYear × 100),
// truncated toward zero. Non-positive elapsed time accrues nothing.
func AccruedInterest(principal, rate int64, elapsed time.Duration) int64 {
	if elapsed <= 0 || principal == 0 || rate == 0 {
		return 0
	}
	num := decimal.NewFromInt(principal).
		Mul(decimal.NewFromInt(rate)).
		Mul(decimal.NewFromInt(int64(elapsed)))
	den := decimal.NewFromInt(int64(OneYear)).Mul(decimal.NewFromInt(domain.MaxPercent))
	q, _ := num.QuoRem(den, 0)
	return q.IntPart()
}

// accrualStart is the instant interest starts accruing: approval, falling
// back to disbursement for records that lack an approval time.
func accrualStart(l Loan) (time.Time, bool) {
	switch {
	case l.ApprovedAt != nil:
		return *l.ApprovedAt, true
	case l.DisbursedAt != nil:
		return *l.DisbursedAt, true
	}
	return time.Time{}, false
}

// interestAt is the interest accrued on l at now.
func interestAt(l Loan, now time.Time) int64 {
	start, ok := accrualStart(l)
	if !ok {
		return 0
	}
	return AccruedInterest(l.Principal, l.Rate, now.Sub(start))
}

// penaltyFor is the default penalty on principal.
func penaltyFor(principal int64) int64 {
	return decimal.NewFromInt(principal).
		Mul(decimal.NewFromInt(DefaultPenaltyPct)).
		Div(decimal.NewFromInt(domain.MaxPercent)).
		IntPart()
}
