package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mcclellann/ngoLedger/pkg/models"
	"github.com/mcclellann/ngoLedger/pkg/store"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Policy turns the clamping rules into rejections.
type Policy struct {
	StrictWithdrawals  bool // reject withdrawals larger than the member's savings
	StrictOverpayments bool // reject payments larger than the loan's remaining amount
}

// Ledger keeps member and loan aggregates in step with the savings and
// repayment logs. Every write happens inside one store transaction.
type Ledger struct {
	storage  store.Storage
	policy   Policy
	validate *validator.Validate
	audit    *AuditLogger
	now      func() time.Time
}

type Option func(*Ledger)

func WithPolicy(p Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithAuditLogger(a *AuditLogger) Option {
	return func(l *Ledger) { l.audit = a }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:  s,
		validate: NewValidator(),
		audit:    NewAuditLogger(nil),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) clock() time.Time {
	return l.now().UTC()
}

func startOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// inTx runs fn in one store transaction. Store failures come back as
// *PersistenceError, ledger rule violations unchanged.
func (l *Ledger) inTx(ctx context.Context, op string, fn func(q store.Queries) error) error {
	err := l.storage.WithTx(ctx, fn)
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func lockMember(ctx context.Context, q store.Queries, id uuid.UUID) (*models.Member, error) {
	m, err := q.LockMember(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, id)
	}
	return m, err
}

func lockLoan(ctx context.Context, q store.Queries, id uuid.UUID) (*models.Loan, error) {
	loan, err := q.LockLoan(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrLoanNotFound, id)
	}
	return loan, err
}

// CreateMember registers a member with zero balances and the next MEM code.
func (l *Ledger) CreateMember(ctx context.Context, name, email, phone, address string) (*models.Member, error) {
	in := memberInput{
		Name:    strings.TrimSpace(name),
		Email:   strings.TrimSpace(email),
		Phone:   strings.TrimSpace(phone),
		Address: strings.TrimSpace(address),
	}
	if err := l.check(in); err != nil {
		return nil, err
	}

	now := l.clock()
	member := &models.Member{
		ID:           uuid.New(),
		Name:         in.Name,
		Email:        in.Email,
		Phone:        in.Phone,
		Address:      in.Address,
		JoinDate:     startOfDay(now),
		Status:       models.MemberStatusActive,
		TotalSavings: decimal.Zero,
		TotalLoans:   decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := l.inTx(ctx, "create member", func(q store.Queries) error {
		n, err := q.NextSequence(ctx, store.SequenceMember)
		if err != nil {
			return err
		}
		member.MemberCode = fmt.Sprintf("MEM%04d", n)
		return q.CreateMember(ctx, member)
	})
	if err != nil {
		l.audit.LogError("MEMBER_CREATE", member.ID.String(), err)
		return nil, err
	}

	l.audit.LogOperation("MEMBER_CREATE", member.ID.String(), member.MemberCode, "", nil)
	return member, nil
}

// applySavings folds one savings entry into a balance. Withdrawals clamp at zero.
func applySavings(balance decimal.Decimal, t *models.SavingsTransaction) decimal.Decimal {
	if t.Type == models.SavingsTypeDeposit {
		return balance.Add(t.Amount)
	}
	return decimal.Max(decimal.Zero, balance.Sub(t.Amount))
}

// RecordSavingsTransaction appends a deposit or withdrawal and updates the
// member's TotalSavings in the same transaction.
func (l *Ledger) RecordSavingsTransaction(ctx context.Context, memberID uuid.UUID, amount decimal.Decimal, typ models.SavingsType, paymentMethod, description string) (*models.SavingsTransaction, error) {
	in := savingsInput{
		Amount:        amount,
		Type:          string(typ),
		PaymentMethod: strings.TrimSpace(paymentMethod),
		Description:   strings.TrimSpace(description),
	}
	if err := l.check(in); err != nil {
		return nil, err
	}

	now := l.clock()
	entry := &models.SavingsTransaction{
		ID:            uuid.New(),
		MemberID:      memberID,
		Amount:        amount,
		Type:          typ,
		PaymentMethod: in.PaymentMethod,
		Description:   in.Description,
		Timestamp:     now,
	}

	var balance decimal.Decimal
	err := l.inTx(ctx, "record savings transaction", func(q store.Queries) error {
		member, err := lockMember(ctx, q, memberID)
		if err != nil {
			return err
		}
		if member.Status != models.MemberStatusActive {
			return fmt.Errorf("%w: %s", ErrMemberInactive, member.MemberCode)
		}
		if l.policy.StrictWithdrawals && typ == models.SavingsTypeWithdrawal && amount.GreaterThan(member.TotalSavings) {
			return invalid("amount", "withdrawal of %s exceeds savings balance %s", amount, member.TotalSavings)
		}

		seq, err := q.NextSequence(ctx, store.SequenceSavings)
		if err != nil {
			return err
		}
		entry.Sequence = seq
		if err := q.CreateSavingsTransaction(ctx, entry); err != nil {
			return err
		}

		member.TotalSavings = applySavings(member.TotalSavings, entry)
		member.UpdatedAt = now
		if err := q.UpdateMember(ctx, member); err != nil {
			return err
		}
		entry.MemberName = member.Name
		balance = member.TotalSavings
		return nil
	})
	if err != nil {
		l.audit.LogError("SAVINGS_"+strings.ToUpper(string(typ)), memberID.String(), err)
		return nil, err
	}

	l.audit.LogOperation("SAVINGS_"+strings.ToUpper(string(typ)), entry.ID.String(), "", amount.String(),
		map[string]string{"member_id": memberID.String(), "balance": balance.String()})
	return entry, nil
}

// TotalAmount is principal plus flat interest, in percent.
func TotalAmount(principal, ratePercent decimal.Decimal) decimal.Decimal {
	return principal.Add(principal.Mul(ratePercent).Div(hundred))
}

// IssueLoan creates a loan with a frozen TotalAmount and adds it to the
// member's TotalLoans in the same transaction.
func (l *Ledger) IssueLoan(ctx context.Context, memberID uuid.UUID, principal, ratePercent decimal.Decimal, dueDate time.Time, purpose string) (*models.Loan, error) {
	in := loanInput{Principal: principal, InterestRate: ratePercent, Purpose: strings.TrimSpace(purpose)}
	if err := l.check(in); err != nil {
		return nil, err
	}

	now := l.clock()
	if dueDate.IsZero() {
		return nil, invalid("due_date", "is required")
	}
	if dueDate.Before(startOfDay(now)) {
		return nil, invalid("due_date", "must not be before the issue date")
	}

	total := TotalAmount(principal, ratePercent)
	loan := &models.Loan{
		ID:              uuid.New(),
		MemberID:        memberID,
		Principal:       principal,
		InterestRate:    ratePercent,
		TotalAmount:     total,
		PaidAmount:      decimal.Zero,
		RemainingAmount: total,
		Status:          models.LoanStatusActive,
		IssueDate:       now,
		DueDate:         dueDate.UTC(),
		Purpose:         in.Purpose,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := l.inTx(ctx, "issue loan", func(q store.Queries) error {
		member, err := lockMember(ctx, q, memberID)
		if err != nil {
			return err
		}
		if member.Status != models.MemberStatusActive {
			return fmt.Errorf("%w: %s", ErrMemberInactive, member.MemberCode)
		}

		n, err := q.NextSequence(ctx, store.SequenceLoan)
		if err != nil {
			return err
		}
		loan.LoanCode = fmt.Sprintf("LOAN%04d", n)
		if err := q.CreateLoan(ctx, loan); err != nil {
			return err
		}

		member.TotalLoans = member.TotalLoans.Add(total)
		member.UpdatedAt = now
		if err := q.UpdateMember(ctx, member); err != nil {
			return err
		}
		loan.MemberName = member.Name
		return nil
	})
	if err != nil {
		l.audit.LogError("LOAN_ISSUE", memberID.String(), err)
		return nil, err
	}

	l.audit.LogOperation("LOAN_ISSUE", loan.ID.String(), loan.LoanCode, total.String(),
		map[string]string{"member_id": memberID.String(), "principal": principal.String(), "interest_rate": ratePercent.String()})
	return loan, nil
}

// RecordLoanPayment records a payment with no payment method.
func (l *Ledger) RecordLoanPayment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, description string) (*models.LoanPayment, error) {
	return l.RecordLoanPaymentWith(ctx, loanID, amount, "", description)
}

// RecordLoanPaymentWith appends a repayment, reduces the loan and the owning
// member's TotalLoans, and marks the loan paid once nothing remains. Only the
// part of amount that was still owed is applied.
func (l *Ledger) RecordLoanPaymentWith(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, paymentMethod, description string) (*models.LoanPayment, error) {
	in := paymentInput{
		Amount:        amount,
		PaymentMethod: strings.TrimSpace(paymentMethod),
		Description:   strings.TrimSpace(description),
	}
	if err := l.check(in); err != nil {
		return nil, err
	}

	now := l.clock()
	payment := &models.LoanPayment{
		ID:            uuid.New(),
		LoanID:        loanID,
		Amount:        amount,
		PaymentMethod: in.PaymentMethod,
		Description:   in.Description,
		PaymentDate:   now,
	}

	var loan *models.Loan
	err := l.inTx(ctx, "record loan payment", func(q store.Queries) error {
		var err error
		loan, err = lockLoan(ctx, q, loanID)
		if err != nil {
			return err
		}
		if !loan.Open() {
			return fmt.Errorf("%w: %s", ErrLoanClosed, loan.LoanCode)
		}
		if l.policy.StrictOverpayments && amount.GreaterThan(loan.RemainingAmount) {
			return invalid("amount", "payment of %s exceeds remaining balance %s", amount, loan.RemainingAmount)
		}
		member, err := lockMember(ctx, q, loan.MemberID)
		if err != nil {
			return err
		}

		applied := decimal.Min(amount, loan.RemainingAmount)
		payment.AppliedAmount = applied
		if err := q.CreateLoanPayment(ctx, payment); err != nil {
			return err
		}

		loan.PaidAmount = loan.PaidAmount.Add(applied)
		loan.RemainingAmount = loan.TotalAmount.Sub(loan.PaidAmount)
		if loan.RemainingAmount.Sign() <= 0 {
			loan.RemainingAmount = decimal.Zero
			loan.Status = models.LoanStatusPaid
		}
		loan.UpdatedAt = now
		if err := q.UpdateLoan(ctx, loan); err != nil {
			return err
		}

		member.TotalLoans = decimal.Max(decimal.Zero, member.TotalLoans.Sub(applied))
		member.UpdatedAt = now
		if err := q.UpdateMember(ctx, member); err != nil {
			return err
		}
		loan.MemberName = member.Name
		return nil
	})
	if err != nil {
		l.audit.LogError("LOAN_PAYMENT", loanID.String(), err)
		return nil, err
	}

	l.audit.LogOperation("LOAN_PAYMENT", payment.ID.String(), loan.LoanCode, amount.String(), map[string]string{
		"applied":   payment.AppliedAmount.String(),
		"remaining": loan.RemainingAmount.String(),
		"status":    string(loan.Status),
	})
	return payment, nil
}

// DeleteMember hard-deletes a member that owns no savings transactions or loans.
func (l *Ledger) DeleteMember(ctx context.Context, memberID uuid.UUID) error {
	var code string
	err := l.inTx(ctx, "delete member", func(q store.Queries) error {
		member, err := lockMember(ctx, q, memberID)
		if err != nil {
			return err
		}
		code = member.MemberCode
		n, err := q.CountMemberRecords(ctx, memberID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s has %d", ErrMemberHasRecords, member.MemberCode, n)
		}
		return q.DeleteMember(ctx, memberID)
	})
	if err != nil {
		l.audit.LogError("MEMBER_DELETE", memberID.String(), err)
		return err
	}
	l.audit.LogOperation("MEMBER_DELETE", memberID.String(), code, "", nil)
	return nil
}

// DeactivateMember marks a member inactive. Its history stays linked.
func (l *Ledger) DeactivateMember(ctx context.Context, memberID uuid.UUID) (*models.Member, error) {
	var member *models.Member
	changed := false
	err := l.inTx(ctx, "deactivate member", func(q store.Queries) error {
		var err error
		member, err = lockMember(ctx, q, memberID)
		if err != nil {
			return err
		}
		if member.Status == models.MemberStatusInactive {
			return nil
		}
		member.Status = models.MemberStatusInactive
		member.UpdatedAt = l.clock()
		changed = true
		return q.UpdateMember(ctx, member)
	})
	if err != nil {
		l.audit.LogError("MEMBER_DEACTIVATE", memberID.String(), err)
		return nil, err
	}
	if changed {
		l.audit.LogOperation("MEMBER_DEACTIVATE", memberID.String(), member.MemberCode, "", nil)
	}
	return member, nil
}

// RecordExpense stores an expense. A zero date means today.
func (l *Ledger) RecordExpense(ctx context.Context, description, category string, amount decimal.Decimal, date time.Time) (*models.Expense, error) {
	in := expenseInput{
		Description: strings.TrimSpace(description),
		Category:    strings.TrimSpace(category),
		Amount:      amount,
	}
	if err := l.check(in); err != nil {
		return nil, err
	}

	now := l.clock()
	if date.IsZero() {
		date = now
	}
	expense := &models.Expense{
		ID:          uuid.New(),
		Description: in.Description,
		Category:    in.Category,
		Amount:      amount,
		Date:        date.UTC(),
		CreatedAt:   now,
	}
	err := l.inTx(ctx, "record expense", func(q store.Queries) error {
		return q.CreateExpense(ctx, expense)
	})
	if err != nil {
		l.audit.LogError("EXPENSE", expense.ID.String(), err)
		return nil, err
	}
	l.audit.LogOperation("EXPENSE", expense.ID.String(), expense.Category, amount.String(), nil)
	return expense, nil
}

// MarkOverdueLoans promotes every active loan whose due date is a day before
// now. Paid loans are never touched. It returns the number of loans promoted.
func (l *Ledger) MarkOverdueLoans(ctx context.Context, now time.Time) (int, error) {
	cutoff := startOfDay(now)
	promoted := 0
	err := l.inTx(ctx, "mark overdue loans", func(q store.Queries) error {
		promoted = 0
		active, err := q.GetLoansByStatus(ctx, models.LoanStatusActive)
		if err != nil {
			return err
		}
		for _, candidate := range active {
			if !startOfDay(candidate.DueDate).Before(cutoff) {
				continue
			}
			loan, err := q.LockLoan(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if loan.Status != models.LoanStatusActive {
				continue
			}
			loan.Status = models.LoanStatusOverdue
			loan.UpdatedAt = l.clock()
			if err := q.UpdateLoan(ctx, loan); err != nil {
				return err
			}
			promoted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if promoted > 0 {
		l.audit.LogOperation("LOAN_OVERDUE", "", "", "", map[string]int{"promoted": promoted})
	}
	return promoted, nil
}
