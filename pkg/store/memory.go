package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mcclellann/ngoLedger/pkg/models"
)

// ===== In-memory adapter =====

// memState is one consistent snapshot of every collection. Records are held
// by value so callers never alias stored data.
type memState struct {
	sequences map[string]int64
	members   map[uuid.UUID]models.Member
	savings   []models.SavingsTransaction
	loans     map[uuid.UUID]models.Loan
	payments  []models.LoanPayment
	expenses  []models.Expense
}

func newMemState() *memState {
	return &memState{
		sequences: make(map[string]int64),
		members:   make(map[uuid.UUID]models.Member),
		loans:     make(map[uuid.UUID]models.Loan),
	}
}

func (st *memState) clone() *memState {
	c := &memState{
		sequences: make(map[string]int64, len(st.sequences)),
		members:   make(map[uuid.UUID]models.Member, len(st.members)),
		loans:     make(map[uuid.UUID]models.Loan, len(st.loans)),
		savings:   append([]models.SavingsTransaction(nil), st.savings...),
		payments:  append([]models.LoanPayment(nil), st.payments...),
		expenses:  append([]models.Expense(nil), st.expenses...),
	}
	for k, v := range st.sequences {
		c.sequences[k] = v
	}
	for k, v := range st.members {
		c.members[k] = v
	}
	for k, v := range st.loans {
		c.loans[k] = v
	}
	return c
}

// MemoryStore keeps everything in process memory. A transaction works on a
// private snapshot that replaces the live state only when it succeeds.
type MemoryStore struct {
	mu sync.RWMutex
	st *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState()}
}

// WithTx serializes transactions behind the store mutex.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&memQueries{st: snapshot}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}
	s.st = snapshot
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) read() *memQueries {
	return &memQueries{st: s.st}
}

func (s *MemoryStore) write(fn func(q *memQueries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memQueries{st: s.st})
}

func (s *MemoryStore) NextSequence(ctx context.Context, name string) (int64, error) {
	var v int64
	err := s.write(func(q *memQueries) error {
		var err error
		v, err = q.NextSequence(ctx, name)
		return err
	})
	return v, err
}

func (s *MemoryStore) CreateMember(ctx context.Context, m *models.Member) error {
	return s.write(func(q *memQueries) error { return q.CreateMember(ctx, m) })
}

func (s *MemoryStore) GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetMember(ctx, id)
}

func (s *MemoryStore) LockMember(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	return s.GetMember(ctx, id)
}

func (s *MemoryStore) UpdateMember(ctx context.Context, m *models.Member) error {
	return s.write(func(q *memQueries) error { return q.UpdateMember(ctx, m) })
}

func (s *MemoryStore) DeleteMember(ctx context.Context, id uuid.UUID) error {
	return s.write(func(q *memQueries) error { return q.DeleteMember(ctx, id) })
}

func (s *MemoryStore) GetAllMembers(ctx context.Context) ([]*models.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetAllMembers(ctx)
}

func (s *MemoryStore) CountMemberRecords(ctx context.Context, memberID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().CountMemberRecords(ctx, memberID)
}

func (s *MemoryStore) CreateSavingsTransaction(ctx context.Context, t *models.SavingsTransaction) error {
	return s.write(func(q *memQueries) error { return q.CreateSavingsTransaction(ctx, t) })
}

func (s *MemoryStore) GetAllSavingsTransactions(ctx context.Context) ([]*models.SavingsTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetAllSavingsTransactions(ctx)
}

func (s *MemoryStore) GetSavingsTransactionsForMember(ctx context.Context, memberID uuid.UUID) ([]*models.SavingsTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetSavingsTransactionsForMember(ctx, memberID)
}

func (s *MemoryStore) CreateLoan(ctx context.Context, l *models.Loan) error {
	return s.write(func(q *memQueries) error { return q.CreateLoan(ctx, l) })
}

func (s *MemoryStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetLoan(ctx, id)
}

func (s *MemoryStore) LockLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return s.GetLoan(ctx, id)
}

func (s *MemoryStore) UpdateLoan(ctx context.Context, l *models.Loan) error {
	return s.write(func(q *memQueries) error { return q.UpdateLoan(ctx, l) })
}

func (s *MemoryStore) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetAllLoans(ctx)
}

func (s *MemoryStore) GetLoansByStatus(ctx context.Context, status models.LoanStatus) ([]*models.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetLoansByStatus(ctx, status)
}

func (s *MemoryStore) CreateLoanPayment(ctx context.Context, p *models.LoanPayment) error {
	return s.write(func(q *memQueries) error { return q.CreateLoanPayment(ctx, p) })
}

func (s *MemoryStore) GetPaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.LoanPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetPaymentsForLoan(ctx, loanID)
}

func (s *MemoryStore) GetAllLoanPayments(ctx context.Context) ([]*models.LoanPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetAllLoanPayments(ctx)
}

func (s *MemoryStore) CreateExpense(ctx context.Context, e *models.Expense) error {
	return s.write(func(q *memQueries) error { return q.CreateExpense(ctx, e) })
}

func (s *MemoryStore) GetAllExpenses(ctx context.Context) ([]*models.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetAllExpenses(ctx)
}

/* ---- unlocked queries over one snapshot ---- */

type memQueries struct{ st *memState }

func (q *memQueries) NextSequence(_ context.Context, name string) (int64, error) {
	q.st.sequences[name]++
	return q.st.sequences[name], nil
}

func (q *memQueries) CreateMember(_ context.Context, m *models.Member) error {
	if _, ok := q.st.members[m.ID]; ok {
		return fmt.Errorf("failed to create member: duplicate id %s", m.ID)
	}
	for _, existing := range q.st.members {
		if existing.MemberCode == m.MemberCode {
			return fmt.Errorf("failed to create member: duplicate member code %s", m.MemberCode)
		}
	}
	q.st.members[m.ID] = *m
	return nil
}

func (q *memQueries) GetMember(_ context.Context, id uuid.UUID) (*models.Member, error) {
	m, ok := q.st.members[id]
	if !ok {
		return nil, fmt.Errorf("member %s: %w", id, ErrNotFound)
	}
	return &m, nil
}

func (q *memQueries) LockMember(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	return q.GetMember(ctx, id)
}

func (q *memQueries) UpdateMember(_ context.Context, m *models.Member) error {
	stored, ok := q.st.members[m.ID]
	if !ok || stored.Version != m.Version {
		return fmt.Errorf("member %s: %w", m.ID, ErrConflict)
	}
	m.Version++
	q.st.members[m.ID] = *m
	return nil
}

func (q *memQueries) DeleteMember(_ context.Context, id uuid.UUID) error {
	if _, ok := q.st.members[id]; !ok {
		return fmt.Errorf("member %s: %w", id, ErrNotFound)
	}
	delete(q.st.members, id)
	return nil
}

func (q *memQueries) GetAllMembers(_ context.Context) ([]*models.Member, error) {
	out := make([]*models.Member, 0, len(q.st.members))
	for _, m := range q.st.members {
		m := m
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].MemberCode < out[j].MemberCode
	})
	return out, nil
}

func (q *memQueries) CountMemberRecords(_ context.Context, memberID uuid.UUID) (int, error) {
	count := 0
	for _, t := range q.st.savings {
		if t.MemberID == memberID {
			count++
		}
	}
	for _, l := range q.st.loans {
		if l.MemberID == memberID {
			count++
		}
	}
	return count, nil
}

func (q *memQueries) CreateSavingsTransaction(_ context.Context, t *models.SavingsTransaction) error {
	if _, ok := q.st.members[t.MemberID]; !ok {
		return fmt.Errorf("failed to create savings transaction: member %s: %w", t.MemberID, ErrNotFound)
	}
	q.st.savings = append(q.st.savings, *t)
	return nil
}

func (q *memQueries) savingsWhere(keep func(t *models.SavingsTransaction) bool) []*models.SavingsTransaction {
	var out []*models.SavingsTransaction
	for i := range q.st.savings {
		t := q.st.savings[i]
		if keep(&t) {
			out = append(out, &t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (q *memQueries) GetAllSavingsTransactions(_ context.Context) ([]*models.SavingsTransaction, error) {
	return q.savingsWhere(func(*models.SavingsTransaction) bool { return true }), nil
}

func (q *memQueries) GetSavingsTransactionsForMember(_ context.Context, memberID uuid.UUID) ([]*models.SavingsTransaction, error) {
	return q.savingsWhere(func(t *models.SavingsTransaction) bool { return t.MemberID == memberID }), nil
}

func (q *memQueries) CreateLoan(_ context.Context, l *models.Loan) error {
	if _, ok := q.st.members[l.MemberID]; !ok {
		return fmt.Errorf("failed to create loan: member %s: %w", l.MemberID, ErrNotFound)
	}
	if _, ok := q.st.loans[l.ID]; ok {
		return fmt.Errorf("failed to create loan: duplicate id %s", l.ID)
	}
	q.st.loans[l.ID] = *l
	return nil
}

func (q *memQueries) GetLoan(_ context.Context, id uuid.UUID) (*models.Loan, error) {
	l, ok := q.st.loans[id]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	return &l, nil
}

func (q *memQueries) LockLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return q.GetLoan(ctx, id)
}

func (q *memQueries) UpdateLoan(_ context.Context, l *models.Loan) error {
	stored, ok := q.st.loans[l.ID]
	if !ok || stored.Version != l.Version {
		return fmt.Errorf("loan %s: %w", l.ID, ErrConflict)
	}
	l.Version++
	q.st.loans[l.ID] = *l
	return nil
}

func (q *memQueries) loansWhere(keep func(l *models.Loan) bool) []*models.Loan {
	var out []*models.Loan
	for _, l := range q.st.loans {
		l := l
		if keep(&l) {
			out = append(out, &l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssueDate.Equal(out[j].IssueDate) {
			return out[i].IssueDate.After(out[j].IssueDate)
		}
		return out[i].LoanCode > out[j].LoanCode
	})
	return out
}

func (q *memQueries) GetAllLoans(_ context.Context) ([]*models.Loan, error) {
	return q.loansWhere(func(*models.Loan) bool { return true }), nil
}

func (q *memQueries) GetLoansByStatus(_ context.Context, status models.LoanStatus) ([]*models.Loan, error) {
	return q.loansWhere(func(l *models.Loan) bool { return l.Status == status }), nil
}

func (q *memQueries) CreateLoanPayment(_ context.Context, p *models.LoanPayment) error {
	if _, ok := q.st.loans[p.LoanID]; !ok {
		return fmt.Errorf("failed to create loan payment: loan %s: %w", p.LoanID, ErrNotFound)
	}
	q.st.payments = append(q.st.payments, *p)
	return nil
}

func (q *memQueries) paymentsWhere(keep func(p *models.LoanPayment) bool) []*models.LoanPayment {
	var out []*models.LoanPayment
	for i := range q.st.payments {
		p := q.st.payments[i]
		if keep(&p) {
			out = append(out, &p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PaymentDate.Before(out[j].PaymentDate) })
	return out
}

func (q *memQueries) GetPaymentsForLoan(_ context.Context, loanID uuid.UUID) ([]*models.LoanPayment, error) {
	return q.paymentsWhere(func(p *models.LoanPayment) bool { return p.LoanID == loanID }), nil
}

func (q *memQueries) GetAllLoanPayments(_ context.Context) ([]*models.LoanPayment, error) {
	return q.paymentsWhere(func(*models.LoanPayment) bool { return true }), nil
}

func (q *memQueries) CreateExpense(_ context.Context, e *models.Expense) error {
	q.st.expenses = append(q.st.expenses, *e)
	return nil
}

func (q *memQueries) GetAllExpenses(_ context.Context) ([]*models.Expense, error) {
	out := make([]*models.Expense, 0, len(q.st.expenses))
	for i := range q.st.expenses {
		e := q.st.expenses[i]
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}
