// Package accounts exposes the read contract the presence relay needs from
// the flat JSON-file account store: one <accountId>.json document per
// account under a single directory.
package accounts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

type Account struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
}

type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Lookup loads an account document. Account ids containing path separators
// are rejected outright.
func (s *Store) Lookup(accountID string) (*Account, error) {
	if accountID == "" || strings.ContainsAny(accountID, `/\`) || strings.Contains(accountID, "..") {
		return nil, ErrNotFound
	}
	b, err := os.ReadFile(filepath.Join(s.dir, accountID+".json"))
	if err != nil {
		return nil, ErrNotFound
	}
	var acct Account
	if err := json.Unmarshal(b, &acct); err != nil {
		return nil, ErrNotFound
	}
	if acct.AccountID == "" {
		acct.AccountID = accountID
	}
	return &acct, nil
}

// Errors
var (
	ErrNotFound = &StoreError{Message: "account not found"}
)

// StoreError represents an account store error
type StoreError struct {
	Message string
}

func (e *StoreError) Error() string {
	return e.Message
}
