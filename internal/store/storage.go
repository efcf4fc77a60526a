// Package store persists the user's calendar preferences and connected
// accounts in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/beekhof/hangout-calendar/internal/calendar"
)

const DriverName = "sqlite3"

const keyDefaultProvider = "default_provider"

// Account is a provider account the user connected.
type Account struct {
	Source      calendar.Source `db:"source"`
	Identity    string          `db:"identity"`
	ConnectedAt time.Time       `db:"connected_at"`
}

type Storage struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the SQLite database at path and runs the
// migrations.
func Open(path string) (*Storage, error) {
	db, err := sqlx.Open(DriverName, path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}
	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// DefaultProvider returns the preferred provider for new events, SourceLocal
// when none has been chosen yet.
func (s *Storage) DefaultProvider(ctx context.Context) (calendar.Source, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM preferences WHERE key = ?`, keyDefaultProvider)
	if errors.Is(err, sql.ErrNoRows) {
		return calendar.SourceLocal, nil
	}
	if err != nil {
		return "", err
	}
	return calendar.ParseSource(value)
}

func (s *Storage) SetDefaultProvider(ctx context.Context, source calendar.Source) error {
	if _, err := calendar.ParseSource(string(source)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value;
	`, keyDefaultProvider, string(source))
	return err
}

// SaveAccount records the identity connected for a provider. Saving the same
// provider again replaces the identity instead of adding a second row.
func (s *Storage) SaveAccount(ctx context.Context, source calendar.Source, identity string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (source, identity, connected_at) VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE
			SET identity = excluded.identity;
	`, string(source), identity, time.Now().UTC())
	return err
}

func (s *Storage) RemoveAccount(ctx context.Context, source calendar.Source) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE source = ?`, string(source))
	return err
}

func (s *Storage) Accounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	err := s.db.SelectContext(ctx, &accounts, `
		SELECT source, identity, connected_at
		FROM accounts
		ORDER BY source
	`)
	return accounts, err
}
