package ledger

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/ngoLedger/pkg/models"
	"github.com/mcclellann/ngoLedger/pkg/store"
	"github.com/shopspring/decimal"
)

// ReconciliationReport lists every aggregate that disagrees with its log.
type ReconciliationReport struct {
	CheckedAt  time.Time              `json:"checked_at"`
	Members    int                    `json:"members_checked"`
	Loans      int                    `json:"loans_checked"`
	Violations []ConsistencyViolation `json:"violations"`
	Repaired   bool                   `json:"repaired"`
}

func (r *ReconciliationReport) Consistent() bool {
	return len(r.Violations) == 0
}

// folded holds the aggregates recomputed from the logs.
type folded struct {
	members []*models.Member
	loans   []*models.Loan

	savings   map[uuid.UUID]decimal.Decimal // member -> clamped fold of its savings log
	owed      map[uuid.UUID]decimal.Decimal // member -> sum of remaining over its loans
	paid      map[uuid.UUID]decimal.Decimal // loan -> sum of applied payments
	remaining map[uuid.UUID]decimal.Decimal // loan -> total - paid
}

func fold(ctx context.Context, q store.Queries) (*folded, error) {
	members, err := q.GetAllMembers(ctx)
	if err != nil {
		return nil, err
	}
	txs, err := q.GetAllSavingsTransactions(ctx)
	if err != nil {
		return nil, err
	}
	loans, err := q.GetAllLoans(ctx)
	if err != nil {
		return nil, err
	}
	payments, err := q.GetAllLoanPayments(ctx)
	if err != nil {
		return nil, err
	}

	f := &folded{
		members:   members,
		loans:     loans,
		savings:   make(map[uuid.UUID]decimal.Decimal, len(members)),
		owed:      make(map[uuid.UUID]decimal.Decimal, len(members)),
		paid:      make(map[uuid.UUID]decimal.Decimal, len(loans)),
		remaining: make(map[uuid.UUID]decimal.Decimal, len(loans)),
	}

	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Sequence < txs[j].Sequence })
	for _, t := range txs {
		f.savings[t.MemberID] = applySavings(f.savings[t.MemberID], t)
	}

	for _, p := range payments {
		f.paid[p.LoanID] = f.paid[p.LoanID].Add(p.AppliedAmount)
	}
	for _, loan := range loans {
		remaining := decimal.Max(decimal.Zero, loan.TotalAmount.Sub(f.paid[loan.ID]))
		f.remaining[loan.ID] = remaining
		f.owed[loan.MemberID] = f.owed[loan.MemberID].Add(remaining)
	}
	return f, nil
}

func expectedStatus(stored models.LoanStatus, remaining decimal.Decimal) models.LoanStatus {
	if remaining.IsZero() {
		return models.LoanStatusPaid
	}
	if stored == models.LoanStatusPaid {
		return models.LoanStatusActive
	}
	return stored
}

func decimalViolation(entity string, id uuid.UUID, code, field string, stored, expected decimal.Decimal) ConsistencyViolation {
	return ConsistencyViolation{
		Entity:   entity,
		ID:       id.String(),
		Code:     code,
		Field:    field,
		Stored:   stored.String(),
		Expected: expected.String(),
	}
}

func (f *folded) violations() []ConsistencyViolation {
	var out []ConsistencyViolation
	for _, m := range f.members {
		if want := f.savings[m.ID]; !m.TotalSavings.Equal(want) {
			out = append(out, decimalViolation("member", m.ID, m.MemberCode, "total_savings", m.TotalSavings, want))
		}
		if want := f.owed[m.ID]; !m.TotalLoans.Equal(want) {
			out = append(out, decimalViolation("member", m.ID, m.MemberCode, "total_loans", m.TotalLoans, want))
		}
	}
	for _, loan := range f.loans {
		if want := f.paid[loan.ID]; !loan.PaidAmount.Equal(want) {
			out = append(out, decimalViolation("loan", loan.ID, loan.LoanCode, "paid_amount", loan.PaidAmount, want))
		}
		if want := f.remaining[loan.ID]; !loan.RemainingAmount.Equal(want) {
			out = append(out, decimalViolation("loan", loan.ID, loan.LoanCode, "remaining_amount", loan.RemainingAmount, want))
		}
		if want := expectedStatus(loan.Status, f.remaining[loan.ID]); loan.Status != want {
			out = append(out, ConsistencyViolation{
				Entity:   "loan",
				ID:       loan.ID.String(),
				Code:     loan.LoanCode,
				Field:    "status",
				Stored:   string(loan.Status),
				Expected: string(want),
			})
		}
	}
	return out
}

// Reconcile folds every log and reports the aggregates that drifted. It never writes.
func (l *Ledger) Reconcile(ctx context.Context) (*ReconciliationReport, error) {
	var report *ReconciliationReport
	err := l.inTx(ctx, "reconcile", func(q store.Queries) error {
		f, err := fold(ctx, q)
		if err != nil {
			return err
		}
		report = &ReconciliationReport{
			CheckedAt:  l.clock(),
			Members:    len(f.members),
			Loans:      len(f.loans),
			Violations: f.violations(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, v := range report.Violations {
		log.Printf("Consistency violation: %v", v)
	}
	return report, nil
}

// RebuildAggregates recomputes every aggregate from the logs in one
// transaction and returns what it had to fix.
func (l *Ledger) RebuildAggregates(ctx context.Context) (*ReconciliationReport, error) {
	var report *ReconciliationReport
	err := l.inTx(ctx, "rebuild aggregates", func(q store.Queries) error {
		f, err := fold(ctx, q)
		if err != nil {
			return err
		}
		now := l.clock()
		report = &ReconciliationReport{
			CheckedAt:  now,
			Members:    len(f.members),
			Loans:      len(f.loans),
			Violations: f.violations(),
			Repaired:   true,
		}

		for _, loan := range f.loans {
			paid, remaining := f.paid[loan.ID], f.remaining[loan.ID]
			status := expectedStatus(loan.Status, remaining)
			if loan.PaidAmount.Equal(paid) && loan.RemainingAmount.Equal(remaining) && loan.Status == status {
				continue
			}
			loan.PaidAmount, loan.RemainingAmount, loan.Status = paid, remaining, status
			loan.UpdatedAt = now
			if err := q.UpdateLoan(ctx, loan); err != nil {
				return err
			}
		}
		for _, m := range f.members {
			savings, owed := f.savings[m.ID], f.owed[m.ID]
			if m.TotalSavings.Equal(savings) && m.TotalLoans.Equal(owed) {
				continue
			}
			m.TotalSavings, m.TotalLoans = savings, owed
			m.UpdatedAt = now
			if err := q.UpdateMember(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.audit.LogError("REBUILD_AGGREGATES", "", err)
		return nil, err
	}
	if !report.Consistent() {
		l.audit.LogOperation("REBUILD_AGGREGATES", "", "", "", map[string]int{"repaired": len(report.Violations)})
	}
	return report, nil
}
