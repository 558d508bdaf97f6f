package directory

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLite is a local customer directory, mostly used in development and by
// the directory CLI commands.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(dsn string) (*SQLite, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite directory: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS customers (
		phone_number TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		balance TEXT NOT NULL DEFAULT '',
		account_status TEXT NOT NULL DEFAULT 'active'
	);`)
	return errors.Wrap(err, "sqlite directory: migrate")
}

func (s *SQLite) Lookup(ctx context.Context, e164 string) (CustomerProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, balance, account_status FROM customers WHERE phone_number = ?`, e164)
	p := CustomerProfile{CallerID: e164}
	if err := row.Scan(&p.Name, &p.Balance, &p.AccountStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CustomerProfile{}, ErrNotFound
		}
		return CustomerProfile{}, errors.Wrap(err, "sqlite directory: lookup")
	}
	return p, nil
}

// Put inserts or replaces a customer row.
func (s *SQLite) Put(ctx context.Context, p CustomerProfile) error {
	if p.CallerID == "" {
		return errors.New("sqlite directory: empty phone number")
	}
	status := p.AccountStatus
	if status == "" {
		status = "active"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (phone_number, name, balance, account_status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(phone_number) DO UPDATE SET
			name = excluded.name,
			balance = excluded.balance,
			account_status = excluded.account_status
	`, p.CallerID, p.Name, p.Balance, status)
	return errors.Wrap(err, "sqlite directory: put")
}
