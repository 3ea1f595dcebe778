package accounts

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"igcrawler/internal/secret"
)

const sealedPrefix = "enc:"

// Store persists accounts as {"accounts": [...], "updated_at": ...}. When a
// passphrase is configured, passwords are written sealed.
type Store struct {
	mu         sync.Mutex
	path       string
	passphrase string
	now        func() time.Time
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithPassphrase enables password sealing
func WithPassphrase(passphrase string) StoreOption {
	return func(s *Store) { s.passphrase = passphrase }
}

type poolFile struct {
	Accounts  []Account `json:"accounts"`
	UpdatedAt time.Time `json:"updated_at"`
	Salt      string    `json:"salt,omitempty"`
}

// NewStore creates a store backed by path
func NewStore(path string, opts ...StoreOption) *Store {
	s := &Store{path: path, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the backing file path
func (s *Store) Path() string {
	return s.path
}

func (s *Store) read() (*poolFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var pf poolFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	return &pf, nil
}

func (s *Store) sealer(salt string) (*secret.Sealer, error) {
	raw, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	return secret.NewSealer(s.passphrase, raw)
}

// Load returns the stored accounts. A missing file yields an empty list.
func (s *Store) Load() ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pf, err := s.read()
	if os.IsNotExist(err) {
		return []Account{}, nil
	}
	if err != nil {
		return nil, err
	}

	var sealer *secret.Sealer
	for i := range pf.Accounts {
		acc := &pf.Accounts[i]
		if acc.Status == "" {
			acc.Status = StatusActive
		}
		if !strings.HasPrefix(acc.Password, sealedPrefix) {
			continue
		}
		if s.passphrase == "" {
			return nil, fmt.Errorf("account %s has a sealed password but no passphrase is configured", acc.Username)
		}
		if sealer == nil {
			if sealer, err = s.sealer(pf.Salt); err != nil {
				return nil, err
			}
		}
		plain, err := sealer.OpenString(strings.TrimPrefix(acc.Password, sealedPrefix))
		if err != nil {
			return nil, fmt.Errorf("failed to unseal password for %s: %w", acc.Username, err)
		}
		acc.Password = plain
	}

	return pf.Accounts, nil
}

// Save writes accounts atomically
func (s *Store) Save(accounts []Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pf := poolFile{
		Accounts:  make([]Account, len(accounts)),
		UpdatedAt: s.now(),
	}
	copy(pf.Accounts, accounts)

	if s.passphrase != "" {
		// keep the existing salt so other readers stay valid
		if existing, err := s.read(); err == nil && existing.Salt != "" {
			pf.Salt = existing.Salt
		} else {
			salt, err := secret.NewSalt()
			if err != nil {
				return err
			}
			pf.Salt = base64.StdEncoding.EncodeToString(salt)
		}

		sealer, err := s.sealer(pf.Salt)
		if err != nil {
			return err
		}
		for i := range pf.Accounts {
			sealed, err := sealer.SealString(pf.Accounts[i].Password)
			if err != nil {
				return fmt.Errorf("failed to seal password for %s: %w", pf.Accounts[i].Username, err)
			}
			pf.Accounts[i].Password = sealedPrefix + sealed
		}
	}

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal accounts: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create accounts directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write accounts file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace accounts file: %w", err)
	}
	return nil
}
