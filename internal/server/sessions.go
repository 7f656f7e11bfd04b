package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gigboard/gigboard/internal/applications"
	"github.com/gigboard/gigboard/internal/eligibility"
	"github.com/gigboard/gigboard/internal/identity"
	"github.com/gigboard/gigboard/internal/notify"
	"github.com/gigboard/gigboard/internal/store"
	"github.com/gigboard/gigboard/internal/walletauth"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultIdleTTL    = 30 * time.Minute
	defaultSweepEvery = time.Minute
)

var errMissingSessionStore = errors.New("session manager: store required")

// legacyState is one browser session's view of the database-backed login.
// The login handler sets it, the reconciler reads and clears it.
type legacyState struct {
	mu     sync.Mutex
	claims *identity.SessionClaims
}

func (l *legacyState) CurrentSession(_ context.Context) (*identity.SessionClaims, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claims == nil {
		return nil, nil
	}
	copied := *l.claims
	return &copied, nil
}

func (l *legacyState) ClearSession(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.claims = nil
	return nil
}

func (l *legacyState) Set(claims *identity.SessionClaims) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if claims == nil {
		l.claims = nil
		return
	}
	copied := *claims
	l.claims = &copied
}

func (l *legacyState) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claims == nil
}

// Session bundles the per-browser-session state machines: the provider
// bridge, the reconciler consuming it, the eligibility gate, the notice
// feed, and the submission service bound to that feed.
type Session struct {
	ID           string
	Bridge       *walletauth.Bridge
	Reconciler   *identity.Reconciler
	Gate         *eligibility.Gate
	Feed         *notify.Feed
	Applications *applications.Service

	legacy *legacyState

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) seen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// RehydrateLegacy installs validated legacy claims on a bundle that has
// none yet, so a restarted server picks the session back up from the
// cookie. Claims already present win; a later login replaces them.
func (s *Session) RehydrateLegacy(claims *identity.SessionClaims) {
	if claims == nil || !s.legacy.Empty() {
		return
	}
	s.legacy.Set(claims)
	s.Reconciler.NotifySessionChange(claims)
}

// SetLegacy records a fresh legacy login and feeds it to the reconciler.
func (s *Session) SetLegacy(claims *identity.SessionClaims) {
	s.legacy.Set(claims)
	s.Reconciler.NotifySessionChange(claims)
}

func (s *Session) close() {
	s.Gate.Close()
	s.Reconciler.Close()
}

// SessionManagerConfig carries the shared collaborators every session
// bundle is built from.
type SessionManagerConfig struct {
	Store     *store.Store
	Enricher  identity.Enricher
	Tracker   identity.Tracker
	Intervals identity.Intervals
	Logger    *zap.Logger
	Clock     func() time.Time
	// IdleTTL evicts bundles with no request activity; zero uses the default.
	IdleTTL time.Duration
}

// SessionManager owns one Session per opaque browser cookie and evicts
// idle bundles so abandoned tabs do not leak reconcilers.
type SessionManager struct {
	cfg    SessionManagerConfig
	logger *zap.Logger
	clock  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	quit chan struct{}
	done chan struct{}
}

// NewSessionManager constructs the manager and starts its eviction loop.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Store == nil {
		return nil, errMissingSessionStore
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}

	manager := &SessionManager{
		cfg:      cfg,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		sessions: make(map[string]*Session),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go manager.sweepLoop()
	return manager, nil
}

// Acquire returns the bundle for an existing session id, refreshing its
// idle deadline.
func (m *SessionManager) Acquire(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	session.touch(m.clock())
	return session, true
}

// Create builds a fresh bundle under a new opaque id.
func (m *SessionManager) Create() (*Session, error) {
	legacy := &legacyState{}
	feed := notify.NewFeed(m.logger)

	// The bridge needs the reconciler to forward state pushes, and the
	// reconciler needs the bridge as its capability source; the closure
	// breaks the cycle. The bridge is not reachable by requests until
	// Create returns, so the nil window is not observable.
	var reconciler *identity.Reconciler
	bridge := walletauth.NewBridge(walletauth.BridgeConfig{
		OnState: func(authenticated bool, user *identity.ProviderUser) {
			if reconciler != nil {
				reconciler.NotifySourceState(authenticated, user)
			}
		},
		Logger: m.logger,
	})

	reconciler, err := identity.NewReconciler(identity.ReconcilerConfig{
		Source:       bridge,
		Store:        m.cfg.Store,
		Enricher:     m.cfg.Enricher,
		Sessions:     legacy,
		Destinations: identity.NewMemoryDestinations(),
		Notifier:     feed,
		Tracker:      m.cfg.Tracker,
		Intervals:    m.cfg.Intervals,
		Logger:       m.logger,
		Clock:        m.cfg.Clock,
	})
	if err != nil {
		return nil, err
	}

	gate, err := eligibility.NewGate(eligibility.GateConfig{
		Identity: reconciler,
		Logger:   m.logger,
	})
	if err != nil {
		reconciler.Close()
		return nil, err
	}

	submissions, err := applications.NewService(applications.ServiceConfig{
		Store:    m.cfg.Store,
		Notifier: feed,
		Tracker:  m.cfg.Tracker,
		Logger:   m.logger,
		Clock:    m.cfg.Clock,
	})
	if err != nil {
		gate.Close()
		reconciler.Close()
		return nil, err
	}

	session := &Session{
		ID:           uuid.NewString(),
		Bridge:       bridge,
		Reconciler:   reconciler,
		Gate:         gate,
		Feed:         feed,
		Applications: submissions,
		legacy:       legacy,
		lastSeen:     m.clock(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		session.close()
		return nil, errors.New("session manager: closed")
	}
	m.sessions[session.ID] = session
	return session, nil
}

// Drop tears a bundle down immediately, canceling its timers.
func (m *SessionManager) Drop(id string) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		session.close()
	}
}

// Close tears down every bundle and stops the eviction loop.
func (m *SessionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	remaining := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		remaining = append(remaining, session)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	close(m.quit)
	<-m.done
	for _, session := range remaining {
		session.close()
	}
}

func (m *SessionManager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(defaultSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *SessionManager) evictIdle() {
	cutoff := m.clock().Add(-m.cfg.IdleTTL)
	m.mu.Lock()
	var expired []*Session
	for id, session := range m.sessions {
		if session.seen().Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, session)
		}
	}
	m.mu.Unlock()
	for _, session := range expired {
		m.logger.Debug("idle session evicted", zap.String("session_id", session.ID))
		session.close()
	}
}
