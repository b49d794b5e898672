package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/ngoLedger/pkg/models"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect captures the few places where SQLite and Postgres differ.
type dialect struct {
	numbered   bool   // $1 placeholders instead of ?
	lockSuffix string // appended to row-locking selects
}

// sqlQueries implements Queries on top of database/sql for a given dialect.
type sqlQueries struct {
	db dbtx
	d  dialect
}

// sqlStore wraps a *sql.DB and adds transaction handling.
type sqlStore struct {
	*sqlQueries
	conn *sql.DB
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{
		sqlQueries: &sqlQueries{db: db, d: d},
		conn:       db,
	}
}

// WithTx runs fn inside a database transaction.
func (s *sqlStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlQueries{db: tx, d: s.d}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.conn.Close()
}

// rebind rewrites ? placeholders into $n when the dialect needs it.
func (q *sqlQueries) rebind(query string) string {
	if !q.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (q *sqlQueries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.rebind(query), args...)
}

func (q *sqlQueries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.rebind(query), args...)
}

func (q *sqlQueries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.rebind(query), args...)
}

// expectOneRow turns a zero-row write into err.
func expectOneRow(result sql.Result, err error) error {
	rowsAffected, rerr := result.RowsAffected()
	if rerr != nil {
		return fmt.Errorf("failed to check rows affected: %w", rerr)
	}
	if rowsAffected == 0 {
		return err
	}
	return nil
}

// NextSequence increments and returns the named counter.
func (q *sqlQueries) NextSequence(ctx context.Context, name string) (int64, error) {
	var value int64
	err := q.queryRow(ctx,
		`INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET value = sequences.value + 1
		RETURNING value`, name).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", name, err)
	}
	return value, nil
}

/* ---- members ---- */

const memberColumns = `id, member_code, name, email, phone, address, join_date, status, total_savings, total_loans, version, created_at, updated_at`

func scanMember(row interface{ Scan(...any) error }) (*models.Member, error) {
	var m models.Member
	err := row.Scan(&m.ID, &m.MemberCode, &m.Name, &m.Email, &m.Phone, &m.Address, &m.JoinDate, &m.Status,
		&m.TotalSavings, &m.TotalLoans, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMember inserts a new member.
func (q *sqlQueries) CreateMember(ctx context.Context, m *models.Member) error {
	_, err := q.exec(ctx,
		`INSERT INTO members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.MemberCode, m.Name, m.Email, m.Phone, m.Address, m.JoinDate, m.Status,
		m.TotalSavings, m.TotalLoans, m.Version, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create member: %w", err)
	}
	return nil
}

func (q *sqlQueries) getMember(ctx context.Context, id uuid.UUID, lock bool) (*models.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE id = ?`
	if lock {
		query += q.d.lockSuffix
	}
	m, err := scanMember(q.queryRow(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("member %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// GetMember retrieves a member by its ID.
func (q *sqlQueries) GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	return q.getMember(ctx, id, false)
}

// LockMember retrieves a member with a row lock.
func (q *sqlQueries) LockMember(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	return q.getMember(ctx, id, true)
}

// UpdateMember updates a member guarded by its version.
func (q *sqlQueries) UpdateMember(ctx context.Context, m *models.Member) error {
	result, err := q.exec(ctx,
		`UPDATE members SET name = ?, email = ?, phone = ?, address = ?, status = ?, total_savings = ?, total_loans = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		m.Name, m.Email, m.Phone, m.Address, m.Status, m.TotalSavings, m.TotalLoans, m.UpdatedAt, m.ID.String(), m.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	if err := expectOneRow(result, fmt.Errorf("member %s: %w", m.ID, ErrConflict)); err != nil {
		return err
	}
	m.Version++
	return nil
}

// DeleteMember removes a member row. Log entries are left alone.
func (q *sqlQueries) DeleteMember(ctx context.Context, id uuid.UUID) error {
	result, err := q.exec(ctx, `DELETE FROM members WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete member: %w", err)
	}
	return expectOneRow(result, fmt.Errorf("member %s: %w", id, ErrNotFound))
}

// GetAllMembers retrieves all members ordered by name.
func (q *sqlQueries) GetAllMembers(ctx context.Context) ([]*models.Member, error) {
	rows, err := q.query(ctx, `SELECT `+memberColumns+` FROM members ORDER BY name ASC, member_code ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all members: %w", err)
	}
	defer rows.Close()

	var members []*models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member row: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return members, nil
}

// CountMemberRecords counts the savings transactions and loans referencing a member.
func (q *sqlQueries) CountMemberRecords(ctx context.Context, memberID uuid.UUID) (int, error) {
	var count int
	err := q.queryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM savings_transactions WHERE member_id = ?) + (SELECT COUNT(*) FROM loans WHERE member_id = ?)`,
		memberID.String(), memberID.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records for member %s: %w", memberID, err)
	}
	return count, nil
}

/* ---- savings transactions ---- */

const savingsColumns = `id, seq, member_id, amount, type, payment_method, description, timestamp`

// CreateSavingsTransaction appends to the savings log.
func (q *sqlQueries) CreateSavingsTransaction(ctx context.Context, t *models.SavingsTransaction) error {
	_, err := q.exec(ctx,
		`INSERT INTO savings_transactions (`+savingsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.Sequence, t.MemberID.String(), t.Amount, t.Type, t.PaymentMethod, t.Description, t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create savings transaction: %w", err)
	}
	return nil
}

func (q *sqlQueries) scanSavings(rows *sql.Rows) ([]*models.SavingsTransaction, error) {
	defer rows.Close()

	var txs []*models.SavingsTransaction
	for rows.Next() {
		var t models.SavingsTransaction
		if err := rows.Scan(&t.ID, &t.Sequence, &t.MemberID, &t.Amount, &t.Type, &t.PaymentMethod, &t.Description, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan savings row: %w", err)
		}
		txs = append(txs, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for savings: %w", err)
	}
	return txs, nil
}

// GetAllSavingsTransactions returns the whole savings log in log order.
func (q *sqlQueries) GetAllSavingsTransactions(ctx context.Context) ([]*models.SavingsTransaction, error) {
	rows, err := q.query(ctx, `SELECT `+savingsColumns+` FROM savings_transactions ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get savings transactions: %w", err)
	}
	return q.scanSavings(rows)
}

// GetSavingsTransactionsForMember returns one member's savings log in log order.
func (q *sqlQueries) GetSavingsTransactionsForMember(ctx context.Context, memberID uuid.UUID) ([]*models.SavingsTransaction, error) {
	rows, err := q.query(ctx, `SELECT `+savingsColumns+` FROM savings_transactions WHERE member_id = ? ORDER BY seq ASC`, memberID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get savings transactions for member %s: %w", memberID, err)
	}
	return q.scanSavings(rows)
}

/* ---- loans ---- */

const loanColumns = `id, loan_code, member_id, principal, interest_rate, total_amount, paid_amount, remaining_amount, status, issue_date, due_date, purpose, version, created_at, updated_at`

func scanLoan(row interface{ Scan(...any) error }) (*models.Loan, error) {
	var l models.Loan
	err := row.Scan(&l.ID, &l.LoanCode, &l.MemberID, &l.Principal, &l.InterestRate, &l.TotalAmount, &l.PaidAmount,
		&l.RemainingAmount, &l.Status, &l.IssueDate, &l.DueDate, &l.Purpose, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateLoan inserts a new loan.
func (q *sqlQueries) CreateLoan(ctx context.Context, l *models.Loan) error {
	_, err := q.exec(ctx,
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(), l.LoanCode, l.MemberID.String(), l.Principal, l.InterestRate, l.TotalAmount, l.PaidAmount,
		l.RemainingAmount, l.Status, l.IssueDate, l.DueDate, l.Purpose, l.Version, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

func (q *sqlQueries) getLoan(ctx context.Context, id uuid.UUID, lock bool) (*models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE id = ?`
	if lock {
		query += q.d.lockSuffix
	}
	l, err := scanLoan(q.queryRow(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return l, nil
}

// GetLoan retrieves a loan by its ID.
func (q *sqlQueries) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return q.getLoan(ctx, id, false)
}

// LockLoan retrieves a loan with a row lock.
func (q *sqlQueries) LockLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return q.getLoan(ctx, id, true)
}

// UpdateLoan updates the mutable loan fields guarded by its version.
func (q *sqlQueries) UpdateLoan(ctx context.Context, l *models.Loan) error {
	result, err := q.exec(ctx,
		`UPDATE loans SET paid_amount = ?, remaining_amount = ?, status = ?, due_date = ?, purpose = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		l.PaidAmount, l.RemainingAmount, l.Status, l.DueDate, l.Purpose, l.UpdatedAt, l.ID.String(), l.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if err := expectOneRow(result, fmt.Errorf("loan %s: %w", l.ID, ErrConflict)); err != nil {
		return err
	}
	l.Version++
	return nil
}

func (q *sqlQueries) scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// GetAllLoans retrieves all loans, newest first.
func (q *sqlQueries) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	rows, err := q.query(ctx, `SELECT `+loanColumns+` FROM loans ORDER BY issue_date DESC, loan_code DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	return q.scanLoans(rows)
}

// GetLoansByStatus retrieves all loans in the given status.
func (q *sqlQueries) GetLoansByStatus(ctx context.Context, status models.LoanStatus) ([]*models.Loan, error) {
	rows, err := q.query(ctx, `SELECT `+loanColumns+` FROM loans WHERE status = ? ORDER BY issue_date DESC, loan_code DESC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s loans: %w", status, err)
	}
	return q.scanLoans(rows)
}

/* ---- loan payments ---- */

const paymentColumns = `id, loan_id, amount, applied_amount, payment_method, description, payment_date`

// CreateLoanPayment appends to the repayment log.
func (q *sqlQueries) CreateLoanPayment(ctx context.Context, p *models.LoanPayment) error {
	_, err := q.exec(ctx,
		`INSERT INTO loan_payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.LoanID.String(), p.Amount, p.AppliedAmount, p.PaymentMethod, p.Description, p.PaymentDate,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan payment: %w", err)
	}
	return nil
}

func (q *sqlQueries) scanPayments(rows *sql.Rows) ([]*models.LoanPayment, error) {
	defer rows.Close()

	var payments []*models.LoanPayment
	for rows.Next() {
		var p models.LoanPayment
		if err := rows.Scan(&p.ID, &p.LoanID, &p.Amount, &p.AppliedAmount, &p.PaymentMethod, &p.Description, &p.PaymentDate); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for payments: %w", err)
	}
	return payments, nil
}

// GetPaymentsForLoan retrieves all payments for a given loan ID.
func (q *sqlQueries) GetPaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.LoanPayment, error) {
	rows, err := q.query(ctx, `SELECT `+paymentColumns+` FROM loan_payments WHERE loan_id = ? ORDER BY payment_date ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %s: %w", loanID, err)
	}
	return q.scanPayments(rows)
}

// GetAllLoanPayments retrieves the whole repayment log.
func (q *sqlQueries) GetAllLoanPayments(ctx context.Context) ([]*models.LoanPayment, error) {
	rows, err := q.query(ctx, `SELECT `+paymentColumns+` FROM loan_payments ORDER BY payment_date ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get loan payments: %w", err)
	}
	return q.scanPayments(rows)
}

/* ---- expenses ---- */

const expenseColumns = `id, description, category, amount, date, created_at`

// CreateExpense inserts a new expense.
func (q *sqlQueries) CreateExpense(ctx context.Context, e *models.Expense) error {
	_, err := q.exec(ctx,
		`INSERT INTO expenses (`+expenseColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Description, e.Category, e.Amount, e.Date, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create expense: %w", err)
	}
	return nil
}

// GetAllExpenses retrieves all expenses, newest first.
func (q *sqlQueries) GetAllExpenses(ctx context.Context) ([]*models.Expense, error) {
	rows, err := q.query(ctx, `SELECT `+expenseColumns+` FROM expenses ORDER BY date DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get expenses: %w", err)
	}
	defer rows.Close()

	var expenses []*models.Expense
	for rows.Next() {
		var e models.Expense
		if err := rows.Scan(&e.ID, &e.Description, &e.Category, &e.Amount, &e.Date, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan expense row: %w", err)
		}
		expenses = append(expenses, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for expenses: %w", err)
	}
	return expenses, nil
}
