// Package auth stores the Instagram session cookies of each pool account and
// obtains new ones through a browser login when none are stored.
package auth

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"igcrawler/internal/secret"
)

// Session holds the cookies that authenticate one account
type Session struct {
	Username     string            `json:"username"`
	SessionID    string            `json:"sessionid"`
	CSRFToken    string            `json:"csrftoken"`
	DSUserID     string            `json:"ds_user_id,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Validate checks the cookies needed by the private API are present
func (s *Session) Validate() error {
	switch {
	case s == nil || s.Username == "":
		return errors.New("username is required")
	case s.SessionID == "":
		return errors.New("session ID is required")
	case s.CSRFToken == "":
		return errors.New("CSRF token is required")
	}
	return nil
}

// Cookies returns every cookie as name -> value
func (s *Session) Cookies() map[string]string {
	out := make(map[string]string, len(s.Extra)+3)
	for k, v := range s.Extra {
		out[k] = v
	}
	out["sessionid"] = s.SessionID
	out["csrftoken"] = s.CSRFToken
	if s.DSUserID != "" {
		out["ds_user_id"] = s.DSUserID
	}
	return out
}

// CookieHeader renders the Cookie request header, names sorted
func (s *Session) CookieHeader() string {
	cookies := s.Cookies()
	names := make([]string, 0, len(cookies))
	for name, value := range cookies {
		if value != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + cookies[name]
	}
	return strings.Join(parts, "; ")
}

// CredentialStore is the interface for storing and retrieving sessions
type CredentialStore interface {
	Store(session *Session) error
	Retrieve(username string) (*Session, error)
	List() ([]*Session, error)
	Delete(username string) error
	Exists(username string) bool
}

// ManagerOptions selects the stores NewManager assembles
type ManagerOptions struct {
	// CookieDir holds ig_cookies_<username>.json files
	CookieDir string
	// UseKeyring puts the system keychain first in the chain
	UseKeyring bool
	// ConfigDir defaults to secret.ConfigDir()
	ConfigDir string
}

// Manager handles session storage with fallback mechanisms
type Manager struct {
	stores []CredentialStore
}

// NewManager builds the store chain: keyring (optional), encrypted file,
// plain cookie files, environment.
func NewManager(opts ManagerOptions) (*Manager, error) {
	var stores []CredentialStore

	if opts.UseKeyring {
		if ks, err := NewKeyringStore(); err == nil {
			stores = append(stores, ks)
		}
	}

	dir := opts.ConfigDir
	if dir == "" {
		var err error
		if dir, err = secret.ConfigDir(); err != nil {
			return nil, fmt.Errorf("failed to get config directory: %w", err)
		}
	}

	encrypted, err := NewEncryptedFileStore(filepath.Join(dir, "sessions.enc"), dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypted store: %w", err)
	}
	stores = append(stores, encrypted)

	if opts.CookieDir != "" {
		stores = append(stores, NewFileStore(opts.CookieDir))
	}
	stores = append(stores, NewEnvironmentStore())

	return &Manager{stores: stores}, nil
}

// NewManagerWithStores creates a Manager over explicit stores
func NewManagerWithStores(stores ...CredentialStore) *Manager {
	return &Manager{stores: stores}
}

// Store saves the session in the first store that accepts it
func (m *Manager) Store(session *Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	session.LastModified = time.Now()

	var lastErr error
	for _, store := range m.stores {
		if err := store.Store(session); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	if lastErr != nil {
		return fmt.Errorf("failed to store session: %w", lastErr)
	}
	return ErrStoreUnavailable
}

// Retrieve gets the session from the first store that has it
func (m *Manager) Retrieve(username string) (*Session, error) {
	for _, store := range m.stores {
		if s, err := store.Retrieve(username); err == nil && s != nil {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCredentialsNotFound, username)
}

// List returns the newest session per username across stores
func (m *Manager) List() ([]*Session, error) {
	byUser := make(map[string]*Session)

	for _, store := range m.stores {
		sessions, err := store.List()
		if err != nil {
			continue
		}
		for _, s := range sessions {
			if existing, ok := byUser[s.Username]; !ok || s.LastModified.After(existing.LastModified) {
				byUser[s.Username] = s
			}
		}
	}

	result := make([]*Session, 0, len(byUser))
	for _, s := range byUser {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
}

// Delete removes the session from all stores
func (m *Manager) Delete(username string) error {
	var deleted bool
	var lastErr error

	for _, store := range m.stores {
		if err := store.Delete(username); err == nil {
			deleted = true
		} else if !errors.Is(err, ErrCredentialsNotFound) && !errors.Is(err, ErrStoreUnavailable) {
			lastErr = err
		}
	}

	if !deleted && lastErr != nil {
		return fmt.Errorf("failed to delete session: %w", lastErr)
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrCredentialsNotFound, username)
	}
	return nil
}

// DeleteAll removes all stored sessions
func (m *Manager) DeleteAll() error {
	sessions, err := m.List()
	if err != nil {
		return err
	}
	for _, s := range sessions {
		_ = m.Delete(s.Username)
	}
	return nil
}

// SanitizeSession masks cookie values for display
func SanitizeSession(s *Session) *Session {
	if s == nil {
		return nil
	}
	return &Session{
		Username:     s.Username,
		SessionID:    maskString(s.SessionID),
		CSRFToken:    maskString(s.CSRFToken),
		DSUserID:     s.DSUserID,
		UserAgent:    s.UserAgent,
		LastModified: s.LastModified,
	}
}

// maskString masks all but the first 4 and last 4 characters of a string
func maskString(s string) string {
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

var (
	ErrCredentialsNotFound = errors.New("session not found")
	ErrInvalidCredentials  = errors.New("invalid session")
	ErrStoreUnavailable    = errors.New("session store unavailable")
)
