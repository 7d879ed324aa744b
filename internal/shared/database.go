package shared

import (
	"fmt"
	"net/url"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// NewDatabase opens a Postgres connection pool through the pgx stdlib driver.
// Statement and idle-in-transaction timeouts are pushed into the DSN so every
// pooled connection carries them.
func NewDatabase(cfg DatabaseConfig) (*sqlx.DB, error) {
	dsn, err := withSessionTimeouts(cfg.DSN, cfg.StatementTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 15
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// withSessionTimeouts appends statement_timeout and
// idle_in_transaction_session_timeout options to the DSN.
func withSessionTimeouts(dsn string, statementTimeout int) (string, error) {
	if statementTimeout <= 0 {
		statementTimeout = 30
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}

	q := u.Query()
	opts := fmt.Sprintf("-c statement_timeout=%ds -c idle_in_transaction_session_timeout=5min", statementTimeout)
	if existing := q.Get("options"); existing != "" {
		opts = existing + " " + opts
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
