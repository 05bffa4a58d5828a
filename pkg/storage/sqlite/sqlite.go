// Package sqlite implements the storage.Store contract on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/synclab/collabd/pkg/storage"
)

// Store wraps a SQLite connection.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens a SQLite database at uri and runs migrations.
func New(uri string) (*Store, error) {
	db, err := sql.Open("sqlite3", uri+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetUserFromToken resolves a bearer token to its user.
func (s *Store) GetUserFromToken(ctx context.Context, token string) (storage.User, error) {
	var (
		u       storage.User
		id      string
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.name, u.created_at
		FROM tokens t JOIN users u ON u.id = t.user_id
		WHERE t.token = ?`, token,
	).Scan(&id, &u.Name, &created)
	if err == sql.ErrNoRows {
		return storage.User{}, storage.ErrInvalidToken
	}
	if err != nil {
		return storage.User{}, fmt.Errorf("query token: %w", err)
	}

	u.ID, err = uuid.Parse(id)
	if err != nil {
		return storage.User{}, fmt.Errorf("parse user id: %w", err)
	}
	u.CreatedAt = time.Unix(created, 0)
	return u, nil
}

// CreateUser provisions a user row. The identity backend proper is external;
// this exists so deployments and tests can seed identities.
func (s *Store) CreateUser(ctx context.Context, name string) (storage.User, error) {
	u := storage.User{ID: uuid.New(), Name: name, CreatedAt: time.Now()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)`,
		u.ID.String(), u.Name, u.CreatedAt.Unix(),
	)
	if err != nil {
		return storage.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// IssueToken stores a bearer token for a user.
func (s *Store) IssueToken(ctx context.Context, userID uuid.UUID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (token, user_id, created_at) VALUES (?, ?, ?)`,
		token, userID.String(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}
