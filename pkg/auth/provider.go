package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"igcrawler/pkg/accounts"
	"igcrawler/pkg/logger"
)

// ErrNoSession is returned when an account has no stored session and no
// Authenticator is configured
var ErrNoSession = errors.New("no session available")

// Provider hands out sessions for pool accounts, logging in on demand
type Provider struct {
	manager *Manager
	login   Authenticator
	logger  logger.Logger

	mu      sync.Mutex
	cache   map[string]*Session
	loginMu sync.Mutex
}

// NewProvider creates a provider. login may be nil.
func NewProvider(manager *Manager, login Authenticator, log logger.Logger) *Provider {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Provider{
		manager: manager,
		login:   login,
		logger:  log.WithField("component", "sessions"),
		cache:   make(map[string]*Session),
	}
}

// Session returns the cached or stored session for acc, logging in when
// neither exists
func (p *Provider) Session(ctx context.Context, acc accounts.Account) (*Session, error) {
	p.mu.Lock()
	if s, ok := p.cache[acc.Username]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	if s, err := p.manager.Retrieve(acc.Username); err == nil && s.Validate() == nil {
		p.put(s)
		return s, nil
	}

	if p.login == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoSession, acc.Username)
	}

	p.loginMu.Lock()
	defer p.loginMu.Unlock()

	// another goroutine may have logged in while we waited
	p.mu.Lock()
	if s, ok := p.cache[acc.Username]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := p.login.Login(ctx, acc.Username, acc.Password, acc.Proxy)
	if err != nil {
		return nil, err
	}
	if err := p.manager.Store(s); err != nil {
		p.logger.WithError(err).Warn("Failed to persist session")
	}
	p.put(s)
	return s, nil
}

func (p *Provider) put(s *Session) {
	p.mu.Lock()
	p.cache[s.Username] = s
	p.mu.Unlock()
}

// Invalidate forgets username's session everywhere. The next Session call
// logs in again.
func (p *Provider) Invalidate(username string) {
	p.mu.Lock()
	delete(p.cache, username)
	p.mu.Unlock()

	if err := p.manager.Delete(username); err != nil && !errors.Is(err, ErrCredentialsNotFound) {
		p.logger.WithError(err).WithField("account", username).Warn("Failed to delete session")
		return
	}
	p.logger.WithField("account", username).Info("Session invalidated")
}
