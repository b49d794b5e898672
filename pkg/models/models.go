package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MemberStatus string

const (
	MemberStatusActive   MemberStatus = "active"
	MemberStatusInactive MemberStatus = "inactive"
)

type Member struct {
	ID           uuid.UUID       `json:"id"`
	MemberCode   string          `json:"member_code"` // Human-facing code, MEM0001
	Name         string          `json:"name"`
	Email        string          `json:"email"`
	Phone        string          `json:"phone"`
	Address      string          `json:"address"`
	JoinDate     time.Time       `json:"join_date"`
	Status       MemberStatus    `json:"status"`
	TotalSavings decimal.Decimal `json:"total_savings"` // Fold over savings_transactions
	TotalLoans   decimal.Decimal `json:"total_loans"`   // Sum of remaining amounts over the member's loans
	Version      int             `json:"version"`       // Optimistic lock
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type SavingsType string

const (
	SavingsTypeDeposit    SavingsType = "deposit"
	SavingsTypeWithdrawal SavingsType = "withdrawal"
)

func (t SavingsType) Valid() bool {
	return t == SavingsTypeDeposit || t == SavingsTypeWithdrawal
}

// SavingsTransaction is an immutable entry of the savings log. Amount is always
// the positive magnitude; the sign comes from Type.
type SavingsTransaction struct {
	ID            uuid.UUID       `json:"id"`
	Sequence      int64           `json:"sequence"` // Position in the savings log
	MemberID      uuid.UUID       `json:"member_id"`
	MemberName    string          `json:"member_name,omitempty"` // Filled on reads only
	Amount        decimal.Decimal `json:"amount"`
	Type          SavingsType     `json:"type"`
	PaymentMethod string          `json:"payment_method"`
	Description   string          `json:"description"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (t *SavingsTransaction) SignedAmount() decimal.Decimal {
	if t.Type == SavingsTypeWithdrawal {
		return t.Amount.Neg()
	}
	return t.Amount
}

type LoanStatus string

const (
	LoanStatusActive  LoanStatus = "active"
	LoanStatusPaid    LoanStatus = "paid"
	LoanStatusOverdue LoanStatus = "overdue"
)

type Loan struct {
	ID              uuid.UUID       `json:"id"`
	LoanCode        string          `json:"loan_code"` // Human-facing code, LOAN0001
	MemberID        uuid.UUID       `json:"member_id"`
	MemberName      string          `json:"member_name,omitempty"` // Filled on reads only
	Principal       decimal.Decimal `json:"amount"`
	InterestRate    decimal.Decimal `json:"interest_rate"` // Percent, e.g. 10 for 10%
	TotalAmount     decimal.Decimal `json:"total_amount"`  // Frozen at issue
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	Status          LoanStatus      `json:"status"`
	IssueDate       time.Time       `json:"issue_date"`
	DueDate         time.Time       `json:"due_date"`
	Purpose         string          `json:"purpose"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Open reports whether the loan still accepts payments.
func (l *Loan) Open() bool {
	return l.Status != LoanStatusPaid
}

// LoanPayment is an immutable entry of the repayment log. AppliedAmount is the
// part of Amount that reduced the loan; the rest was an overpayment.
type LoanPayment struct {
	ID            uuid.UUID       `json:"id"`
	LoanID        uuid.UUID       `json:"loan_id"`
	Amount        decimal.Decimal `json:"amount"`
	AppliedAmount decimal.Decimal `json:"applied_amount"`
	PaymentMethod string          `json:"payment_method"`
	Description   string          `json:"description"`
	PaymentDate   time.Time       `json:"payment_date"`
}

func (p *LoanPayment) Overpayment() decimal.Decimal {
	return p.Amount.Sub(p.AppliedAmount)
}

type Expense struct {
	ID          uuid.UUID       `json:"id"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Summary backs the dashboard.
type Summary struct {
	TotalMembers     int                   `json:"total_members"`
	ActiveMembers    int                   `json:"active_members"`
	TotalSavings     decimal.Decimal       `json:"total_savings"`
	DepositCount     int                   `json:"deposit_count"`
	WithdrawalCount  int                   `json:"withdrawal_count"`
	TotalDeposits    decimal.Decimal       `json:"total_deposits"`
	TotalWithdrawals decimal.Decimal       `json:"total_withdrawals"`
	TotalLoansIssued decimal.Decimal       `json:"total_loans_issued"`
	TotalLoansPaid   decimal.Decimal       `json:"total_loans_paid"`
	TotalOutstanding decimal.Decimal       `json:"total_outstanding"`
	ActiveLoans      int                   `json:"active_loans"`
	OverdueLoans     int                   `json:"overdue_loans"`
	TotalExpenses    decimal.Decimal       `json:"total_expenses"`
	NetBalance       decimal.Decimal       `json:"net_balance"`
	RecentSavings    []*SavingsTransaction `json:"recent_savings"`
	RecentLoans      []*Loan               `json:"recent_loans"`
	RecentExpenses   []*Expense            `json:"recent_expenses"`
	TopSavers        []*Member             `json:"top_savers"`
}
