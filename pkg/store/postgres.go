package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig holds database configuration
type PostgresConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN renders the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// PostgresStore is the hosted relational backend. Row-locking reads use
// SELECT ... FOR UPDATE.
type PostgresStore struct {
	*sqlStore
}

var postgresDialect = dialect{numbered: true, lockSuffix: " FOR UPDATE"}

// NewPostgresStore opens the database, configures the pool and applies the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := NewPostgresStoreFromDB(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.Println("Postgres connection established and schema initialized.")
	return s, nil
}

// NewPostgresStoreFromDB wraps an already opened connection without touching the schema.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore: newSQLStore(db, postgresDialect)}
}

// Migrate creates the tables if they don't exist. NUMERIC keeps full decimal precision.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sequences (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS members (
			id UUID PRIMARY KEY,
			member_code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			join_date TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			total_savings NUMERIC NOT NULL DEFAULT 0,
			total_loans NUMERIC NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS savings_transactions (
			id UUID PRIMARY KEY,
			seq BIGINT NOT NULL UNIQUE,
			member_id UUID NOT NULL REFERENCES members(id),
			amount NUMERIC NOT NULL,
			type TEXT NOT NULL,
			payment_method TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS loans (
			id UUID PRIMARY KEY,
			loan_code TEXT NOT NULL UNIQUE,
			member_id UUID NOT NULL REFERENCES members(id),
			principal NUMERIC NOT NULL,
			interest_rate NUMERIC NOT NULL,
			total_amount NUMERIC NOT NULL,
			paid_amount NUMERIC NOT NULL DEFAULT 0,
			remaining_amount NUMERIC NOT NULL,
			status TEXT NOT NULL,
			issue_date TIMESTAMPTZ NOT NULL,
			due_date TIMESTAMPTZ NOT NULL,
			purpose TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS loan_payments (
			id UUID PRIMARY KEY,
			loan_id UUID NOT NULL REFERENCES loans(id),
			amount NUMERIC NOT NULL,
			applied_amount NUMERIC NOT NULL,
			payment_method TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			payment_date TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS expenses (
			id UUID PRIMARY KEY,
			description TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			amount NUMERIC NOT NULL,
			date TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_savings_member_id ON savings_transactions(member_id)`,
		`CREATE INDEX IF NOT EXISTS idx_loans_member_id ON loans(member_id)`,
		`CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status)`,
		`CREATE INDEX IF NOT EXISTS idx_loan_payments_loan_id ON loan_payments(loan_id)`,
		`ALTER TABLE loan_payments ADD COLUMN IF NOT EXISTS payment_method TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE expenses ADD COLUMN IF NOT EXISTS category TEXT NOT NULL DEFAULT ''`,
	}

	for _, stmt := range statements {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
