package accounts

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"igcrawler/pkg/config"
	"igcrawler/pkg/logger"
)

// Options holds the rotation thresholds
type Options struct {
	ErrorThreshold   int
	ErrorCooldown    time.Duration
	RequestThreshold int
	VolumeCooldown   time.Duration
	CookieDir        string
}

// DefaultOptions mirrors config.DefaultConfig
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig())
}

// OptionsFromConfig extracts pool options from cfg
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ErrorThreshold:   cfg.Rotation.ErrorThreshold,
		ErrorCooldown:    cfg.Rotation.ErrorCooldown,
		RequestThreshold: cfg.Rotation.RequestThreshold,
		VolumeCooldown:   cfg.Rotation.VolumeCooldown,
		CookieDir:        cfg.Accounts.CookieDir,
	}
}

// StatusReport is a point-in-time view of the pool
type StatusReport struct {
	TotalAccounts int              `json:"total_accounts"`
	Available     int              `json:"available_accounts"`
	AccountStates map[string]State `json:"account_states"`
	Timestamp     time.Time        `json:"timestamp"`
}

// Pool is the account manager. All methods are safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	store    *Store
	opts     Options
	accounts []Account
	states   map[string]*State
	index    int
	now      func() time.Time
	logger   logger.Logger
	onRemove []func(Account)
}

// NewPool loads the accounts in store
func NewPool(store *Store, opts Options, log logger.Logger) (*Pool, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = 5
	}
	if opts.RequestThreshold <= 0 {
		opts.RequestThreshold = 50
	}

	p := &Pool{
		store:  store,
		opts:   opts,
		states: make(map[string]*State),
		now:    time.Now,
		logger: log.WithField("component", "account_pool"),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// SetClock replaces the time source
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// Options returns the thresholds the pool was built with
func (p *Pool) Options() Options {
	return p.opts
}

// Now returns the pool's current time
func (p *Pool) Now() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now()
}

// OnRemove registers a callback run after an account is removed
func (p *Pool) OnRemove(fn func(Account)) {
	p.mu.Lock()
	p.onRemove = append(p.onRemove, fn)
	p.mu.Unlock()
}

// Reload re-reads the store. In-memory states survive for accounts that
// are still present.
func (p *Pool) Reload() error {
	accounts, err := p.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range accounts {
		if j := p.find(accounts[i].Username); j >= 0 {
			mergeUsage(&accounts[i], p.accounts[j])
		}
	}
	p.accounts = accounts
	keep := make(map[string]*State, len(accounts))
	for _, acc := range accounts {
		if st, ok := p.states[acc.Username]; ok {
			keep[acc.Username] = st
		} else {
			keep[acc.Username] = &State{}
		}
	}
	p.states = keep

	p.logger.DebugWithFields("accounts loaded", map[string]interface{}{
		"count": len(accounts),
		"file":  p.store.Path(),
	})
	return nil
}

func (p *Pool) find(username string) int {
	for i := range p.accounts {
		if p.accounts[i].Username == username {
			return i
		}
	}
	return -1
}

// Add registers a new account and persists the pool
func (p *Pool) Add(username, password, proxy string) (Account, error) {
	username = NormalizeUsername(username)
	if username == "" || password == "" {
		return Account{}, ErrInvalidAccount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.find(username) >= 0 {
		return Account{}, fmt.Errorf("%w: %s", ErrDuplicateAccount, username)
	}

	acc := Account{
		Username:   username,
		Password:   password,
		Proxy:      proxy,
		AddedAt:    p.now(),
		Status:     StatusActive,
		CookieFile: CookieFileName(p.opts.CookieDir, username),
	}

	next := append(append([]Account(nil), p.accounts...), acc)
	if err := p.store.Save(next); err != nil {
		return Account{}, err
	}
	p.accounts = next
	p.states[username] = &State{}

	p.logger.WithField("account", username).Info("Account added")
	return acc, nil
}

// Remove deletes an account, its state and its cookie file
func (p *Pool) Remove(username string) error {
	username = NormalizeUsername(username)

	p.mu.Lock()
	i := p.find(username)
	if i < 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAccountNotFound, username)
	}
	removed := p.accounts[i]

	next := make([]Account, 0, len(p.accounts)-1)
	next = append(next, p.accounts[:i]...)
	next = append(next, p.accounts[i+1:]...)
	if err := p.store.Save(next); err != nil {
		p.mu.Unlock()
		return err
	}
	p.accounts = next
	delete(p.states, username)
	hooks := append([]func(Account){}, p.onRemove...)
	p.mu.Unlock()

	if removed.CookieFile != "" {
		if err := os.Remove(removed.CookieFile); err != nil && !os.IsNotExist(err) {
			p.logger.WithError(err).Warn("Failed to remove cookie file")
		}
	}
	for _, fn := range hooks {
		fn(removed)
	}

	p.logger.WithField("account", username).Info("Account removed")
	return nil
}

// Get returns the full account record, password included
func (p *Pool) Get(username string) (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i := p.find(NormalizeUsername(username)); i >= 0 {
		return p.accounts[i], true
	}
	return Account{}, false
}

// First returns the first registered account, password included. It backs
// single-account crawls.
func (p *Pool) First() (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.accounts) == 0 {
		return Account{}, false
	}
	return p.accounts[0], true
}

// List returns all accounts with passwords masked
func (p *Pool) List() []Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Account, len(p.accounts))
	for i, acc := range p.accounts {
		out[i] = acc.Masked()
	}
	return out
}

// Len returns the number of registered accounts
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

func (p *Pool) state(username string) *State {
	st, ok := p.states[username]
	if !ok {
		st = &State{}
		p.states[username] = st
	}
	return st
}

// isAvailable must be called with p.mu held. An account whose error cooldown
// has expired gets a fresh error budget.
func (p *Pool) isAvailable(acc Account, now time.Time) bool {
	if acc.Status != StatusActive {
		return false
	}
	st := p.state(acc.Username)
	if st.InCooldown(now) {
		return false
	}
	if !st.CooldownUntil.IsZero() {
		st.CooldownUntil = time.Time{}
		if st.Errors >= p.opts.ErrorThreshold {
			st.Errors = 0
		}
	}
	return st.Errors < p.opts.ErrorThreshold
}

// Select returns the next available account in round-robin order. It
// returns false when every account is cooling down or over its error budget.
func (p *Pool) Select() (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	available := make([]int, 0, len(p.accounts))
	for i, acc := range p.accounts {
		if p.isAvailable(acc, now) {
			available = append(available, i)
		}
	}
	if len(available) == 0 {
		return Account{}, false
	}

	i := available[p.index%len(available)]
	p.index++

	used := now
	p.accounts[i].LastUsed = &used
	return p.accounts[i], true
}

// IsAvailable reports whether username could be selected right now
func (p *Pool) IsAvailable(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.find(username)
	return i >= 0 && p.isAvailable(p.accounts[i], p.now())
}

// Record books one request made with username. Failures count toward the
// error threshold, successes reset it. Every RequestThreshold requests the
// account rests for VolumeCooldown.
func (p *Pool) Record(username string, success bool) State {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	st := p.state(username)
	st.RequestsMade++
	st.LastRequest = now

	if i := p.find(username); i >= 0 {
		p.accounts[i].RequestCount++
	}

	if success {
		st.Errors = 0
	} else {
		st.Errors++
		if st.Errors >= p.opts.ErrorThreshold {
			p.extendCooldown(st, now.Add(p.opts.ErrorCooldown))
			logger.LogCooldown(p.logger, username, "errors", st.CooldownUntil)
		}
	}

	if st.RequestsMade%p.opts.RequestThreshold == 0 {
		p.extendCooldown(st, now.Add(p.opts.VolumeCooldown))
		logger.LogCooldown(p.logger, username, "volume", st.CooldownUntil)
	}

	return *st
}

// extendCooldown never shortens a running cooldown
func (p *Pool) extendCooldown(st *State, until time.Time) {
	if until.After(st.CooldownUntil) {
		st.CooldownUntil = until
	}
}

// Cooldown forces username into cooldown for d
func (p *Pool) Cooldown(username string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state(username)
	p.extendCooldown(st, p.now().Add(d))
	logger.LogCooldown(p.logger, username, "forced", st.CooldownUntil)
}

// State returns a copy of username's state
func (p *Pool) State(username string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.state(username)
}

// Available counts the accounts that could be selected now
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := 0
	for _, acc := range p.accounts {
		if p.isAvailable(acc, now) {
			n++
		}
	}
	return n
}

// NextAvailableAt returns the earliest cooldown expiry among active
// accounts. It returns false if no active account has a running cooldown.
func (p *Pool) NextAvailableAt() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var earliest time.Time
	for _, acc := range p.accounts {
		if acc.Status != StatusActive {
			continue
		}
		st := p.state(acc.Username)
		if !st.InCooldown(now) {
			continue
		}
		if earliest.IsZero() || st.CooldownUntil.Before(earliest) {
			earliest = st.CooldownUntil
		}
	}
	return earliest, !earliest.IsZero()
}

// Status snapshots every account's state
func (p *Pool) Status() StatusReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	report := StatusReport{
		TotalAccounts: len(p.accounts),
		AccountStates: make(map[string]State, len(p.accounts)),
		Timestamp:     now,
	}
	for _, acc := range p.accounts {
		if p.isAvailable(acc, now) {
			report.Available++
		}
		report.AccountStates[acc.Username] = *p.state(acc.Username)
	}
	return report
}

// Usernames returns the registered usernames sorted
func (p *Pool) Usernames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, len(p.accounts))
	for i, acc := range p.accounts {
		names[i] = acc.Username
	}
	sort.Strings(names)
	return names
}

// Flush persists last-used timestamps and request counts. Accounts added to
// the file by another process since the last reload are kept.
func (p *Pool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	onDisk, err := p.store.Load()
	if err != nil {
		return err
	}
	for i := range onDisk {
		if j := p.find(onDisk[i].Username); j >= 0 {
			mergeUsage(&onDisk[i], p.accounts[j])
		}
	}
	return p.store.Save(onDisk)
}

// mergeUsage keeps the larger request count and the later last-used time,
// so neither side's unflushed usage is lost
func mergeUsage(dst *Account, src Account) {
	if src.RequestCount > dst.RequestCount {
		dst.RequestCount = src.RequestCount
	}
	if src.LastUsed != nil && (dst.LastUsed == nil || src.LastUsed.After(*dst.LastUsed)) {
		t := *src.LastUsed
		dst.LastUsed = &t
	}
}
