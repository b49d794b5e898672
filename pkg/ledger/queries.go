package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/ngoLedger/pkg/models"
	"github.com/mcclellann/ngoLedger/pkg/store"
	"github.com/shopspring/decimal"
)

const recentLimit = 5

func readErr(op string, err error, notFound error, id uuid.UUID) error {
	if notFound != nil && errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return &PersistenceError{Op: op, Err: err}
}

// matches is a case-insensitive substring test over fields. An empty query matches everything.
func matches(query string, fields ...string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), query) {
			return true
		}
	}
	return false
}

func (l *Ledger) memberNames(ctx context.Context) (map[uuid.UUID]*models.Member, error) {
	members, err := l.storage.GetAllMembers(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*models.Member, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}
	return byID, nil
}

func (l *Ledger) GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	m, err := l.storage.GetMember(ctx, id)
	if err != nil {
		return nil, readErr("get member", err, ErrMemberNotFound, id)
	}
	return m, nil
}

// ListMembers filters on name, member code and email.
func (l *Ledger) ListMembers(ctx context.Context, query string) ([]*models.Member, error) {
	members, err := l.storage.GetAllMembers(ctx)
	if err != nil {
		return nil, readErr("list members", err, nil, uuid.Nil)
	}
	out := make([]*models.Member, 0, len(members))
	for _, m := range members {
		if matches(query, m.Name, m.MemberCode, m.Email) {
			out = append(out, m)
		}
	}
	return out, nil
}

func newestSavingsFirst(txs []*models.SavingsTransaction) {
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Sequence > txs[j].Sequence })
}

// ListSavingsTransactions returns the savings log newest first, filtered on
// member name, member code and description.
func (l *Ledger) ListSavingsTransactions(ctx context.Context, query string) ([]*models.SavingsTransaction, error) {
	members, err := l.memberNames(ctx)
	if err != nil {
		return nil, readErr("list savings transactions", err, nil, uuid.Nil)
	}
	txs, err := l.storage.GetAllSavingsTransactions(ctx)
	if err != nil {
		return nil, readErr("list savings transactions", err, nil, uuid.Nil)
	}

	out := make([]*models.SavingsTransaction, 0, len(txs))
	for _, t := range txs {
		var code string
		if m, ok := members[t.MemberID]; ok {
			t.MemberName, code = m.Name, m.MemberCode
		}
		if matches(query, t.MemberName, code, t.Description) {
			out = append(out, t)
		}
	}
	newestSavingsFirst(out)
	return out, nil
}

// ListMemberSavings returns one member's savings history, newest first.
func (l *Ledger) ListMemberSavings(ctx context.Context, memberID uuid.UUID) ([]*models.SavingsTransaction, error) {
	member, err := l.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	txs, err := l.storage.GetSavingsTransactionsForMember(ctx, memberID)
	if err != nil {
		return nil, readErr("list member savings", err, nil, memberID)
	}
	for _, t := range txs {
		t.MemberName = member.Name
	}
	newestSavingsFirst(txs)
	return txs, nil
}

func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		return nil, readErr("get loan", err, ErrLoanNotFound, id)
	}
	if m, err := l.storage.GetMember(ctx, loan.MemberID); err == nil {
		loan.MemberName = m.Name
	}
	return loan, nil
}

// ListLoans returns loans newest first, filtered on member name, loan code and purpose.
func (l *Ledger) ListLoans(ctx context.Context, query string) ([]*models.Loan, error) {
	members, err := l.memberNames(ctx)
	if err != nil {
		return nil, readErr("list loans", err, nil, uuid.Nil)
	}
	loans, err := l.storage.GetAllLoans(ctx)
	if err != nil {
		return nil, readErr("list loans", err, nil, uuid.Nil)
	}

	out := make([]*models.Loan, 0, len(loans))
	for _, loan := range loans {
		if m, ok := members[loan.MemberID]; ok {
			loan.MemberName = m.Name
		}
		if matches(query, loan.MemberName, loan.LoanCode, loan.Purpose) {
			out = append(out, loan)
		}
	}
	return out, nil
}

// ListLoanPayments returns a loan's repayments, newest first.
func (l *Ledger) ListLoanPayments(ctx context.Context, loanID uuid.UUID) ([]*models.LoanPayment, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, readErr("list loan payments", err, ErrLoanNotFound, loanID)
	}
	payments, err := l.storage.GetPaymentsForLoan(ctx, loanID)
	if err != nil {
		return nil, readErr("list loan payments", err, nil, loanID)
	}
	for i, j := 0, len(payments)-1; i < j; i, j = i+1, j-1 {
		payments[i], payments[j] = payments[j], payments[i]
	}
	return payments, nil
}

// ListExpenses returns expenses newest first, filtered on description and category.
func (l *Ledger) ListExpenses(ctx context.Context, query string) ([]*models.Expense, error) {
	expenses, err := l.storage.GetAllExpenses(ctx)
	if err != nil {
		return nil, readErr("list expenses", err, nil, uuid.Nil)
	}
	out := make([]*models.Expense, 0, len(expenses))
	for _, e := range expenses {
		if matches(query, e.Description, e.Category) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Summary computes the dashboard figures from one consistent read.
func (l *Ledger) Summary(ctx context.Context) (*models.Summary, error) {
	s := &models.Summary{
		TotalSavings:     decimal.Zero,
		TotalDeposits:    decimal.Zero,
		TotalWithdrawals: decimal.Zero,
		TotalLoansIssued: decimal.Zero,
		TotalLoansPaid:   decimal.Zero,
		TotalOutstanding: decimal.Zero,
		TotalExpenses:    decimal.Zero,
	}

	err := l.inTx(ctx, "summary", func(q store.Queries) error {
		members, err := q.GetAllMembers(ctx)
		if err != nil {
			return err
		}
		txs, err := q.GetAllSavingsTransactions(ctx)
		if err != nil {
			return err
		}
		loans, err := q.GetAllLoans(ctx)
		if err != nil {
			return err
		}
		expenses, err := q.GetAllExpenses(ctx)
		if err != nil {
			return err
		}

		names := make(map[uuid.UUID]string, len(members))
		s.TotalMembers = len(members)
		for _, m := range members {
			names[m.ID] = m.Name
			s.TotalSavings = s.TotalSavings.Add(m.TotalSavings)
			if m.TotalSavings.Sign() > 0 || m.TotalLoans.Sign() > 0 {
				s.ActiveMembers++
			}
		}

		for _, t := range txs {
			t.MemberName = names[t.MemberID]
			switch t.Type {
			case models.SavingsTypeDeposit:
				s.DepositCount++
				s.TotalDeposits = s.TotalDeposits.Add(t.Amount)
			case models.SavingsTypeWithdrawal:
				s.WithdrawalCount++
				s.TotalWithdrawals = s.TotalWithdrawals.Add(t.Amount)
			}
		}

		for _, loan := range loans {
			loan.MemberName = names[loan.MemberID]
			s.TotalLoansIssued = s.TotalLoansIssued.Add(loan.TotalAmount)
			s.TotalLoansPaid = s.TotalLoansPaid.Add(loan.PaidAmount)
			s.TotalOutstanding = s.TotalOutstanding.Add(loan.RemainingAmount)
			switch loan.Status {
			case models.LoanStatusActive:
				s.ActiveLoans++
			case models.LoanStatusOverdue:
				s.OverdueLoans++
			}
		}

		for _, e := range expenses {
			s.TotalExpenses = s.TotalExpenses.Add(e.Amount)
		}
		s.NetBalance = s.TotalSavings.Sub(s.TotalOutstanding).Sub(s.TotalExpenses)

		newestSavingsFirst(txs)
		s.RecentSavings = txs[:min(recentLimit, len(txs))]
		s.RecentLoans = loans[:min(recentLimit, len(loans))]

		sort.SliceStable(expenses, func(i, j int) bool { return expenses[i].Date.After(expenses[j].Date) })
		s.RecentExpenses = expenses[:min(recentLimit, len(expenses))]

		sort.SliceStable(members, func(i, j int) bool {
			return members[i].TotalSavings.GreaterThan(members[j].TotalSavings)
		})
		s.TopSavers = members[:min(recentLimit, len(members))]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
