package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/ngoLedger/pkg/models"
	"github.com/shopspring/decimal"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test_store.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMember(code string) *models.Member {
	now := time.Now().UTC()
	return &models.Member{
		ID:           uuid.New(),
		MemberCode:   code,
		Name:         "Amina " + code,
		Email:        "amina@example.org",
		Phone:        "+254700000000",
		Address:      "Nairobi",
		JoinDate:     now.Truncate(24 * time.Hour),
		Status:       models.MemberStatusActive,
		TotalSavings: decimal.Zero,
		TotalLoans:   decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func testLoan(memberID uuid.UUID, code string) *models.Loan {
	now := time.Now().UTC()
	return &models.Loan{
		ID:              uuid.New(),
		LoanCode:        code,
		MemberID:        memberID,
		Principal:       decimal.NewFromInt(1000),
		InterestRate:    decimal.NewFromInt(10),
		TotalAmount:     decimal.NewFromInt(1100),
		PaidAmount:      decimal.Zero,
		RemainingAmount: decimal.NewFromInt(1100),
		Status:          models.LoanStatusActive,
		IssueDate:       now,
		DueDate:         now.AddDate(0, 6, 0),
		Purpose:         "Tailoring shop",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestSQLiteStore_CreateAndGetMember(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	member := testMember("MEM0001")
	member.TotalSavings = decimal.RequireFromString("1234.5678")
	if err := s.CreateMember(ctx, member); err != nil {
		t.Fatalf("Failed to create member: %v", err)
	}

	fetched, err := s.GetMember(ctx, member.ID)
	if err != nil {
		t.Fatalf("Failed to get member: %v", err)
	}

	if fetched.MemberCode != "MEM0001" {
		t.Errorf("Expected MemberCode MEM0001, got %s", fetched.MemberCode)
	}
	if !fetched.TotalSavings.Equal(member.TotalSavings) {
		t.Errorf("Expected TotalSavings %s, got %s", member.TotalSavings, fetched.TotalSavings)
	}
	if fetched.Status != models.MemberStatusActive {
		t.Errorf("Expected status active, got %s", fetched.Status)
	}

	if _, err := s.GetMember(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown member, got %v", err)
	}
}

func TestSQLiteStore_NextSequence(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.NextSequence(ctx, SequenceMember)
		if err != nil {
			t.Fatalf("Failed to advance sequence: %v", err)
		}
		if got != want {
			t.Errorf("Expected sequence value %d, got %d", want, got)
		}
	}

	got, err := s.NextSequence(ctx, SequenceLoan)
	if err != nil {
		t.Fatalf("Failed to advance loan sequence: %v", err)
	}
	if got != 1 {
		t.Errorf("Expected independent loan sequence to start at 1, got %d", got)
	}
}

func TestSQLiteStore_UpdateMemberVersionConflict(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	member := testMember("MEM0001")
	if err := s.CreateMember(ctx, member); err != nil {
		t.Fatalf("Failed to create member: %v", err)
	}

	stale := *member
	member.TotalSavings = decimal.NewFromInt(50)
	if err := s.UpdateMember(ctx, member); err != nil {
		t.Fatalf("Failed to update member: %v", err)
	}
	if member.Version != 1 {
		t.Errorf("Expected version 1 after update, got %d", member.Version)
	}

	stale.TotalSavings = decimal.NewFromInt(999)
	if err := s.UpdateMember(ctx, &stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected ErrConflict for stale update, got %v", err)
	}

	fetched, _ := s.GetMember(ctx, member.ID)
	if !fetched.TotalSavings.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Stale update must not overwrite, got %s", fetched.TotalSavings)
	}
}

func TestSQLiteStore_LoansAndPayments(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	member := testMember("MEM0001")
	if err := s.CreateMember(ctx, member); err != nil {
		t.Fatalf("Failed to create member: %v", err)
	}
	loan := testLoan(member.ID, "LOAN0001")
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	payment := &models.LoanPayment{
		ID:            uuid.New(),
		LoanID:        loan.ID,
		Amount:        decimal.NewFromInt(200),
		AppliedAmount: decimal.NewFromInt(200),
		PaymentMethod: "cash",
		PaymentDate:   time.Now().UTC(),
	}
	if err := s.CreateLoanPayment(ctx, payment); err != nil {
		t.Fatalf("Failed to create payment: %v", err)
	}

	payments, err := s.GetPaymentsForLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("Failed to get payments: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("Expected 1 payment, got %d", len(payments))
	}
	if !payments[0].Amount.Equal(decimal.NewFromInt(200)) {
		t.Errorf("Expected amount 200, got %s", payments[0].Amount)
	}

	active, err := s.GetLoansByStatus(ctx, models.LoanStatusActive)
	if err != nil {
		t.Fatalf("Failed to get active loans: %v", err)
	}
	if len(active) != 1 || active[0].LoanCode != "LOAN0001" {
		t.Errorf("Expected LOAN0001 to be active, got %+v", active)
	}

	count, err := s.CountMemberRecords(ctx, member.ID)
	if err != nil {
		t.Fatalf("Failed to count records: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 record for member, got %d", count)
	}
}

func TestSQLiteStore_ForeignKeys(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	orphan := &models.SavingsTransaction{
		ID:        uuid.New(),
		Sequence:  1,
		MemberID:  uuid.New(),
		Amount:    decimal.NewFromInt(10),
		Type:      models.SavingsTypeDeposit,
		Timestamp: time.Now().UTC(),
	}
	if err := s.CreateSavingsTransaction(ctx, orphan); err == nil {
		t.Error("Expected foreign key violation for unknown member")
	}
}

func TestSQLiteStore_WithTxRollsBack(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	member := testMember("MEM0001")
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(q Queries) error {
		if err := q.CreateMember(ctx, member); err != nil {
			return err
		}
		if _, err := q.NextSequence(ctx, SequenceMember); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	if _, err := s.GetMember(ctx, member.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected member insert to be rolled back, got %v", err)
	}
	next, err := s.NextSequence(ctx, SequenceMember)
	if err != nil {
		t.Fatalf("Failed to advance sequence: %v", err)
	}
	if next != 1 {
		t.Errorf("Expected sequence advance to be rolled back, got %d", next)
	}
}

func TestSQLiteStore_ExpensesOrdering(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, desc := range []string{"Rent", "Stationery", "Transport"} {
		e := &models.Expense{
			ID:          uuid.New(),
			Description: desc,
			Category:    "office",
			Amount:      decimal.NewFromFloat(10.25),
			Date:        base.AddDate(0, 0, i),
			CreatedAt:   base,
		}
		if err := s.CreateExpense(ctx, e); err != nil {
			t.Fatalf("Failed to create expense: %v", err)
		}
	}

	expenses, err := s.GetAllExpenses(ctx)
	if err != nil {
		t.Fatalf("Failed to get expenses: %v", err)
	}
	if len(expenses) != 3 {
		t.Fatalf("Expected 3 expenses, got %d", len(expenses))
	}
	if expenses[0].Description != "Transport" {
		t.Errorf("Expected newest expense first, got %s", expenses[0].Description)
	}
	if !expenses[0].Amount.Equal(decimal.RequireFromString("10.25")) {
		t.Errorf("Expected amount 10.25, got %s", expenses[0].Amount)
	}
}
