// Package session owns the per-account browser sessions.
//
// The Manager is the only place that creates, probes or destroys a browser
// for an account. Each account has at most one live session and one lock;
// dispatch holds the lock for the whole send loop of a job.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sender/internal/broadcast"
	"sender/internal/browser"
	"sender/internal/metrics"
	"sender/internal/platform"
	logx "sender/pkg/logx"
)

// ErrNoSession is returned by Probe for an account without a ready session.
var ErrNoSession = errors.New("no session for account")

type Config struct {
	// ProfileRoot holds one persistent browser profile directory per account.
	ProfileRoot string
	// Browser is the profile template; ProfileDir is filled per account.
	Browser       browser.Options
	LaunchTimeout time.Duration
	LockPolicy    LockPolicy
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.ProfileRoot) == "" {
		c.ProfileRoot = "./data/profiles"
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 60 * time.Second
	}
	if c.LockPolicy == "" {
		c.LockPolicy = PolicyWait
	}
	return c
}

// Session is a live browser bound to one account.
type Session struct {
	AccountID  string
	Platform   broadcast.Platform
	ProfileDir string
	CreatedAt  time.Time
	Driver     browser.Driver

	authenticated atomic.Bool
	probedAt      atomic.Int64
}

func (s *Session) Authenticated() bool { return s.authenticated.Load() }

func (s *Session) setProbe(ok bool, at time.Time) {
	s.authenticated.Store(ok)
	s.probedAt.Store(at.UnixNano())
}

// SessionInfo is a read-only view of a Session for diagnostics.
type SessionInfo struct {
	AccountID     string             `json:"account_id"`
	Platform      broadcast.Platform `json:"platform"`
	Authenticated bool               `json:"authenticated"`
	Busy          bool               `json:"busy"`
	CreatedAt     time.Time          `json:"created_at"`
	ProbedAt      time.Time          `json:"probed_at"`
	ProfileDir    string             `json:"profile_dir"`
}

// entry is a session slot. ready is closed once creation finished, after
// which sess or err is set and never changes.
type entry struct {
	ready chan struct{}
	sess  *Session
	err   error
}

type Manager struct {
	cfg      Config
	launcher browser.Launcher
	adapters *platform.Registry
	log      logx.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	locks   map[string]*accountLock
}

type Option func(*Manager)

func WithLogger(l logx.Logger) Option         { return func(m *Manager) { m.log = l } }
func WithMetrics(c *metrics.Collector) Option { return func(m *Manager) { m.metrics = c } }
func WithClock(now func() time.Time) Option   { return func(m *Manager) { m.now = now } }

func NewManager(cfg Config, launcher browser.Launcher, adapters *platform.Registry, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		launcher: launcher,
		adapters: adapters,
		log:      logx.Nop(),
		now:      time.Now,
		entries:  map[string]*entry{},
		locks:    map[string]*accountLock{},
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	m.log = m.log.With(logx.String("comp", "session"))
	return m
}

// Acquire returns the account's session, creating and probing it on first
// use. Concurrent first calls share one launch.
func (m *Manager) Acquire(ctx context.Context, accountID string, p broadcast.Platform) (*Session, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: empty account id", broadcast.ErrInvalidConfiguration)
	}
	adapter, err := m.adapters.Lookup(p)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	e, ok := m.entries[accountID]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		m.entries[accountID] = e
	}
	m.mu.Unlock()

	if !ok {
		m.create(ctx, accountID, adapter, e)
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	if e.sess.Platform != p {
		return nil, fmt.Errorf("%w: account %s is bound to %s, not %s",
			broadcast.ErrInvalidConfiguration, accountID, e.sess.Platform, p)
	}
	return e.sess, nil
}

func (m *Manager) create(ctx context.Context, accountID string, adapter platform.Adapter, e *entry) {
	log := m.log.With(logx.String("account", accountID), logx.String("platform", string(adapter.Platform())))
	defer close(e.ready)

	sess, err := m.launch(ctx, accountID, adapter, log)
	if err != nil {
		e.err = err
		// Forget the failed slot so the next Acquire retries.
		m.mu.Lock()
		if m.entries[accountID] == e {
			delete(m.entries, accountID)
		}
		m.mu.Unlock()
		log.Error("session creation failed", logx.Err(err))
		return
	}
	e.sess = sess
	m.metrics.SetSessions(m.count())
}

func (m *Manager) launch(ctx context.Context, accountID string, adapter platform.Adapter, log logx.Logger) (*Session, error) {
	opt := m.cfg.Browser
	opt.ProfileDir = filepath.Join(m.cfg.ProfileRoot, profileName(accountID))
	if err := os.MkdirAll(opt.ProfileDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: profile dir: %v", broadcast.ErrSessionCreation, err)
	}

	lctx, cancel := context.WithTimeout(ctx, m.cfg.LaunchTimeout)
	defer cancel()
	started := m.now()
	drv, err := m.launcher.Launch(lctx, opt)
	if err != nil {
		return nil, fmt.Errorf("%w: account %s: %v", broadcast.ErrSessionCreation, accountID, err)
	}
	log.Info("browser launched", logx.String("profile", opt.ProfileDir), logx.Duration("took", m.now().Sub(started)))

	sess := &Session{
		AccountID:  accountID,
		Platform:   adapter.Platform(),
		ProfileDir: opt.ProfileDir,
		CreatedAt:  m.now(),
		Driver:     drv,
	}
	ok, err := adapter.ProbeAuthenticated(ctx, drv)
	switch {
	case err != nil:
		log.Warn("authentication probe failed", logx.Err(err))
	case !ok:
		log.Warn("account requires authorization")
	default:
		log.Info("account is authorized")
	}
	sess.setProbe(ok && err == nil, m.now())
	m.metrics.SessionProbe(string(adapter.Platform()), ok && err == nil)
	return sess, nil
}

// Lock takes the account's exclusive lock for one job. With PolicyWait it
// blocks until the lock is free, ctx is done or stop fires
// (broadcast.ErrStopped). With PolicyReject a busy account fails at once
// with broadcast.ErrAccountBusy. The returned func is safe to call twice.
func (m *Manager) Lock(ctx context.Context, accountID string, stop *broadcast.StopToken) (func(), error) {
	l := m.lockFor(accountID)
	if l.tryAcquire() {
		return l.unlocker(), nil
	}
	if m.cfg.LockPolicy == PolicyReject {
		return nil, fmt.Errorf("%w: %s", broadcast.ErrAccountBusy, accountID)
	}
	m.log.Info("waiting for account lock", logx.String("account", accountID))
	if err := l.acquire(ctx, stop); err != nil {
		return nil, err
	}
	return l.unlocker(), nil
}

// TryLock takes the account lock only if it is free.
func (m *Manager) TryLock(accountID string) (func(), bool) {
	l := m.lockFor(accountID)
	if !l.tryAcquire() {
		return nil, false
	}
	return l.unlocker(), true
}

func (m *Manager) lockFor(accountID string) *accountLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.locks[accountID]
	if l == nil {
		l = newAccountLock()
		m.locks[accountID] = l
	}
	return l
}

// Release closes the account's browser and forgets its session and lock.
// Releasing an unknown account is a no-op. An account whose lock is held by
// a running job is left alone and broadcast.ErrAccountBusy is returned.
func (m *Manager) Release(accountID string) error {
	return m.release(accountID, false)
}

// ReleaseAll releases every known session, busy or not. It is meant for
// shutdown, after the jobs have been stopped.
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.release(id, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) release(accountID string, force bool) error {
	m.mu.Lock()
	l := m.locks[accountID]
	if l != nil && !force {
		// Holding the token while the entry goes away keeps a concurrent Lock
		// from slipping in between the check and the delete.
		if !l.tryAcquire() {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", broadcast.ErrAccountBusy, accountID)
		}
		defer l.unlocker()()
	}
	e := m.entries[accountID]
	delete(m.entries, accountID)
	delete(m.locks, accountID)
	m.mu.Unlock()
	if e == nil {
		return nil
	}

	<-e.ready
	m.metrics.SetSessions(m.count())
	if e.sess == nil {
		return nil
	}
	if err := e.sess.Driver.Close(); err != nil {
		m.log.Warn("browser close failed", logx.String("account", accountID), logx.Err(err))
		return fmt.Errorf("release %s: %w", accountID, err)
	}
	m.log.Info("session released", logx.String("account", accountID))
	return nil
}

// Lookup returns a ready session without creating one.
func (m *Manager) Lookup(accountID string) (*Session, bool) {
	m.mu.Lock()
	e := m.entries[accountID]
	m.mu.Unlock()
	if e == nil {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.sess, e.sess != nil
	default:
		return nil, false
	}
}

// Probe re-runs the authentication probe for an idle session. A session
// that is busy with a job is not touched (broadcast.ErrAccountBusy).
func (m *Manager) Probe(ctx context.Context, accountID string) (bool, error) {
	sess, ok := m.Lookup(accountID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoSession, accountID)
	}
	unlock, ok := m.TryLock(accountID)
	if !ok {
		return sess.Authenticated(), broadcast.ErrAccountBusy
	}
	defer unlock()

	adapter, err := m.adapters.Lookup(sess.Platform)
	if err != nil {
		return false, err
	}
	authed, err := adapter.ProbeAuthenticated(ctx, sess.Driver)
	if err != nil {
		return sess.Authenticated(), err
	}
	if authed != sess.Authenticated() {
		m.log.Info("authentication state changed",
			logx.String("account", accountID), logx.Bool("authenticated", authed))
	}
	sess.setProbe(authed, m.now())
	m.metrics.SessionProbe(string(sess.Platform), authed)
	return authed, nil
}

// Snapshot lists ready sessions ordered by account id.
func (m *Manager) Snapshot() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.entries))
	for id, e := range m.entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.sess == nil {
			continue
		}
		info := SessionInfo{
			AccountID:     id,
			Platform:      e.sess.Platform,
			Authenticated: e.sess.Authenticated(),
			CreatedAt:     e.sess.CreatedAt,
			ProfileDir:    e.sess.ProfileDir,
		}
		if at := e.sess.probedAt.Load(); at > 0 {
			info.ProbedAt = time.Unix(0, at)
		}
		if l := m.locks[id]; l != nil {
			info.Busy = l.busy()
		}
		out = append(out, info)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (m *Manager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// profileName maps an account id to a safe directory name.
func profileName(accountID string) string {
	var b strings.Builder
	for _, r := range accountID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	return "account_" + name
}
