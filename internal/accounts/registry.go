package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no account matches the lookup.
var ErrNotFound = errors.New("account not found")

// Account is one registered mailbox.
type Account struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry stores registered accounts in its own sqlite database, separate
// from the sync store.
type Registry struct {
	db *sql.DB
}

// Open opens (and migrates) the account registry at dbPath.
func Open(dbPath string) (*Registry, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		address TEXT UNIQUE NOT NULL,
		provider TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate registry db: %w", err)
	}

	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Create registers a new account and returns it with a generated id.
func (r *Registry) Create(ctx context.Context, address, provider string) (*Account, error) {
	acct := &Account{
		ID:        uuid.New().String(),
		Address:   address,
		Provider:  provider,
		CreatedAt: time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO accounts (id, address, provider, created_at) VALUES (?, ?, ?, ?)",
		acct.ID, acct.Address, acct.Provider, acct.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return acct, nil
}

// Get looks up an account by id.
func (r *Registry) Get(ctx context.Context, id string) (*Account, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, address, provider, created_at FROM accounts WHERE id = ?", id)

	var acct Account
	err := row.Scan(&acct.ID, &acct.Address, &acct.Provider, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &acct, nil
}

// GetByAddress looks up an account by mailbox address.
func (r *Registry) GetByAddress(ctx context.Context, address string) (*Account, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, address, provider, created_at FROM accounts WHERE address = ?", address)

	var acct Account
	err := row.Scan(&acct.ID, &acct.Address, &acct.Provider, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &acct, nil
}

// List returns all registered accounts.
func (r *Registry) List(ctx context.Context) ([]*Account, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, address, provider, created_at FROM accounts ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		var acct Account
		if err := rows.Scan(&acct.ID, &acct.Address, &acct.Provider, &acct.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &acct)
	}
	return out, rows.Err()
}

// Delete removes an account from the registry.
func (r *Registry) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
