package store

import (
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	*sqlStore
}

var sqliteDialect = dialect{}

// sqliteDSN turns a file path into a DSN with foreign keys, WAL and immediate
// write transactions enabled on every pooled connection.
func sqliteDSN(path string) string {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_txlock", "immediate")
	return "file:" + path + "?" + params.Encode()
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{sqlStore: newSQLStore(db, sqliteDialect)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.Println("SQLite connection established and schema initialized.")
	return s, nil
}

// initSchema creates the database tables if they don't already exist and adds new columns if necessary.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sequences (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		member_code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		join_date DATETIME NOT NULL,
		status TEXT NOT NULL,
		total_savings TEXT NOT NULL DEFAULT '0',
		total_loans TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS savings_transactions (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL UNIQUE,
		member_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		type TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL,
		FOREIGN KEY(member_id) REFERENCES members(id)
	);
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		loan_code TEXT NOT NULL UNIQUE,
		member_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		remaining_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		issue_date DATETIME NOT NULL,
		due_date DATETIME NOT NULL,
		purpose TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(member_id) REFERENCES members(id)
	);
	CREATE TABLE IF NOT EXISTS loan_payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		applied_amount TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		payment_date DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		date DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_savings_member_id ON savings_transactions(member_id);
	CREATE INDEX IF NOT EXISTS idx_loans_member_id ON loans(member_id);
	CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status);
	CREATE INDEX IF NOT EXISTS idx_loan_payments_loan_id ON loan_payments(loan_id);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release. Older databases get them here.
	columns := map[string][]string{
		"loan_payments": {
			"applied_amount TEXT NOT NULL DEFAULT '0'",
			"payment_method TEXT NOT NULL DEFAULT ''",
		},
		"expenses": {
			"category TEXT NOT NULL DEFAULT ''",
		},
	}

	for table, cols := range columns {
		for _, col := range cols {
			_, err := s.conn.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, col))
			if err != nil && !isDuplicateColumnError(err) {
				return fmt.Errorf("failed to add column %s to %s: %w", col, table, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error indicates a duplicate column.
func isDuplicateColumnError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "duplicate column name")
}
