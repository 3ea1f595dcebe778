// Package accounts manages the pool of Instagram accounts used by the
// crawler: persistence of credentials, per-account request bookkeeping,
// cooldowns and round-robin selection.
package accounts

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Status marks whether an account may be selected at all
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// MaskedPassword replaces passwords in listings
const MaskedPassword = "***"

var (
	ErrDuplicateAccount = errors.New("account already exists")
	ErrAccountNotFound  = errors.New("account not found")
	ErrInvalidAccount   = errors.New("username and password are required")
)

// Account is one persisted credential record
type Account struct {
	Username     string     `json:"username"`
	Password     string     `json:"password"`
	Proxy        string     `json:"proxy,omitempty"`
	AddedAt      time.Time  `json:"added_at"`
	LastUsed     *time.Time `json:"last_used"`
	RequestCount int        `json:"request_count"`
	Status       Status     `json:"status"`
	CookieFile   string     `json:"cookie_file"`
}

// State is the in-memory bookkeeping for one account. It is not persisted.
type State struct {
	RequestsMade  int       `json:"requests_made"`
	LastRequest   time.Time `json:"last_request"`
	CooldownUntil time.Time `json:"cooldown_until"`
	Errors        int       `json:"errors"`
}

// InCooldown reports whether the cooldown is still running at now
func (s State) InCooldown(now time.Time) bool {
	return !s.CooldownUntil.IsZero() && now.Before(s.CooldownUntil)
}

// Masked returns a copy with the password hidden
func (a Account) Masked() Account {
	a.Password = MaskedPassword
	return a
}

// NormalizeUsername strips a leading @, surrounding space and trailing slashes
func NormalizeUsername(username string) string {
	username = strings.TrimSpace(username)
	username = strings.TrimPrefix(username, "@")
	return strings.TrimRight(username, "/ ")
}

// CookieFileName is the per-account session cookie file inside dir
func CookieFileName(dir, username string) string {
	return filepath.Join(dir, fmt.Sprintf("ig_cookies_%s.json", username))
}
