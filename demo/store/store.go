// Package store is the sqlite-backed storage behind the demo's
// database service: JSON items plus the demo user table.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when an item or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a user that already exists.
	ErrExists = errors.New("already exists")
)

// Item is one stored data entry. Data is an opaque JSON document.
type Item struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// User is a demo credential record.
type User struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// defaultUsers are seeded on first open so the demo works out of the
// box.
var defaultUsers = []User{
	{Username: "admin", Password: "admin123"},
	{Username: "user1", Password: "password1"},
	{Username: "testuser", Password: "testpass"},
}

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	password TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Store wraps the sqlite database. Latency, if nonzero, is injected
// before every operation to make the demo's traces interesting.
type Store struct {
	db      *sql.DB
	latency time.Duration
}

// Open opens (creating if needed) the database at path and seeds the
// default users.
func Open(path string, latency time.Duration) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	s := &Store{db: db, latency: latency}
	for _, u := range defaultUsers {
		if _, err := db.Exec(
			"INSERT OR IGNORE INTO users (username, password) VALUES (?, ?)",
			u.Username, u.Password,
		); err != nil {
			db.Close()
			return nil, fmt.Errorf("seeding users: %w", err)
		}
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) injectLatency(ctx context.Context) {
	if s.latency <= 0 {
		return
	}
	select {
	case <-time.After(s.latency):
	case <-ctx.Done():
	}
}

// InsertItem stores a new item and returns it with ID and timestamps
// filled in.
func (s *Store) InsertItem(ctx context.Context, data json.RawMessage) (*Item, error) {
	s.injectLatency(ctx)

	now := time.Now().UTC()
	item := &Item{
		ID:        uuid.NewString(),
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO items (id, data, created_at, updated_at) VALUES (?, ?, ?, ?)",
		item.ID, string(data), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting item: %w", err)
	}
	return item, nil
}

// GetItem fetches an item by ID.
func (s *Store) GetItem(ctx context.Context, id string) (*Item, error) {
	s.injectLatency(ctx)

	var (
		item Item
		data string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, data, created_at, updated_at FROM items WHERE id = ?", id,
	).Scan(&item.ID, &data, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying item: %w", err)
	}
	item.Data = json.RawMessage(data)
	return &item, nil
}

// ListItems returns up to limit items, newest first.
func (s *Store) ListItems(ctx context.Context, limit int) ([]Item, error) {
	s.injectLatency(ctx)

	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, data, created_at, updated_at FROM items ORDER BY created_at DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var (
			item Item
			data string
		)
		if err := rows.Scan(&item.ID, &data, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.Data = json.RawMessage(data)
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeleteItem removes an item by ID.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	s.injectLatency(ctx)

	res, err := s.db.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUser fetches a user record by username.
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	s.injectLatency(ctx)

	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT username, password FROM users WHERE username = ?", username,
	).Scan(&u.Username, &u.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &u, nil
}

// CreateUser adds a new user record.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	s.injectLatency(ctx)

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, password) VALUES (?, ?)",
		u.Username, u.Password,
	)
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}
