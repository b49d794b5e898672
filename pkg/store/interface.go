package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/ngoLedger/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("optimistic lock failed")
)

// Sequence names used for human-facing codes.
const (
	SequenceMember  = "member"
	SequenceLoan    = "loan"
	SequenceSavings = "savings"
)

// Queries defines the database operations for every ledger collection. It is
// implemented both by a Storage and by the handle passed into WithTx.
type Queries interface {
	// NextSequence atomically increments the named counter and returns the new value.
	NextSequence(ctx context.Context, name string) (int64, error)

	CreateMember(ctx context.Context, member *models.Member) error
	GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error)
	// LockMember reads a member and holds a row lock until the transaction ends
	// where the backend supports it.
	LockMember(ctx context.Context, id uuid.UUID) (*models.Member, error)
	// UpdateMember writes the member if its stored version still equals
	// member.Version and bumps the version. ErrConflict otherwise.
	UpdateMember(ctx context.Context, member *models.Member) error
	DeleteMember(ctx context.Context, id uuid.UUID) error
	GetAllMembers(ctx context.Context) ([]*models.Member, error)
	CountMemberRecords(ctx context.Context, memberID uuid.UUID) (int, error)

	CreateSavingsTransaction(ctx context.Context, tx *models.SavingsTransaction) error
	GetAllSavingsTransactions(ctx context.Context) ([]*models.SavingsTransaction, error)
	GetSavingsTransactionsForMember(ctx context.Context, memberID uuid.UUID) ([]*models.SavingsTransaction, error)

	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	LockLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	UpdateLoan(ctx context.Context, loan *models.Loan) error
	GetAllLoans(ctx context.Context) ([]*models.Loan, error)
	GetLoansByStatus(ctx context.Context, status models.LoanStatus) ([]*models.Loan, error)

	CreateLoanPayment(ctx context.Context, payment *models.LoanPayment) error
	GetPaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.LoanPayment, error)
	GetAllLoanPayments(ctx context.Context) ([]*models.LoanPayment, error)

	CreateExpense(ctx context.Context, expense *models.Expense) error
	GetAllExpenses(ctx context.Context) ([]*models.Expense, error)
}

// Storage is a Queries bound to the whole database plus transaction control.
type Storage interface {
	Queries

	// WithTx runs fn inside a single transaction. Everything fn wrote is
	// committed if it returns nil and discarded otherwise.
	WithTx(ctx context.Context, fn func(q Queries) error) error

	Close() error
}

var (
	_ Storage = (*SQLiteStore)(nil)
	_ Storage = (*PostgresStore)(nil)
	_ Storage = (*MemoryStore)(nil)
)
