package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Account is an upstream provider endpoint with an optional stored
// credential. At most one account is active at a time.
type Account struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	BaseURL    string `json:"base_url"`
	Credential string `json:"-"`
	CreatedAt  int64  `json:"created_at"`
	IsActive   bool   `json:"is_active"`
}

// CreateAccount registers a new account. The first account ever created
// becomes active automatically.
func (s *Store) CreateAccount(name, baseURL, credential string) (*Account, error) {
	acct := &Account{
		ID:         uuid.NewString(),
		Name:       name,
		BaseURL:    baseURL,
		Credential: credential,
		CreatedAt:  nowUnix(),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&count); err != nil {
		return nil, fmt.Errorf("count accounts: %w", err)
	}
	acct.IsActive = count == 0

	_, err = tx.Exec(
		`INSERT INTO accounts (id, name, base_url, credential, created_at, is_active) VALUES (?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.Name, acct.BaseURL, acct.Credential, acct.CreatedAt, acct.IsActive,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return acct, nil
}

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.BaseURL, &a.Credential, &a.CreatedAt, &a.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(id string) (*Account, error) {
	row := s.db.QueryRow(
		`SELECT id, name, base_url, credential, created_at, is_active FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetActiveAccount returns the currently active account, or ErrNotFound
// when none is configured.
func (s *Store) GetActiveAccount() (*Account, error) {
	row := s.db.QueryRow(
		`SELECT id, name, base_url, credential, created_at, is_active FROM accounts WHERE is_active = 1 LIMIT 1`)
	return scanAccount(row)
}

// ListAccounts returns all accounts ordered by creation time.
func (s *Store) ListAccounts() ([]Account, error) {
	rows, err := s.db.Query(
		`SELECT id, name, base_url, credential, created_at, is_active FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Name, &a.BaseURL, &a.Credential, &a.CreatedAt, &a.IsActive); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SwitchAccount activates the given account and deactivates every other in
// one transaction. Concurrent readers always observe exactly one active
// account before and after.
func (s *Store) SwitchAccount(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE accounts SET is_active = (id = ?)`, id)
	if err != nil {
		return fmt.Errorf("switch account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	var active int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM accounts WHERE is_active = 1`).Scan(&active); err != nil {
		return fmt.Errorf("verify switch: %w", err)
	}
	if active != 1 {
		return ErrNotFound
	}
	return tx.Commit()
}

// DeleteAccount removes an account. Sessions pointing at it keep their
// override; routing for them fails closed until the override is cleared.
func (s *Store) DeleteAccount(id string) error {
	res, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAccountCredential replaces the stored credential.
func (s *Store) UpdateAccountCredential(id, credential string) error {
	res, err := s.db.Exec(`UPDATE accounts SET credential = ? WHERE id = ?`, credential, id)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
