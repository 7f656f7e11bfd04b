// Package eligibility derives the apply-workflow readiness state from the
// reconciled identity. A missing wallet never blocks applying; wallet
// acquisition is deferred into the apply step itself.
package eligibility

import (
	"errors"
	"sync"
	"time"

	"github.com/gigboard/gigboard/internal/identity"
	"go.uber.org/zap"
)

const defaultSettleDelay = 100 * time.Millisecond

var errMissingIdentity = errors.New("eligibility: identity source required")

// IdentitySource is the reconciler surface the gate observes.
type IdentitySource interface {
	Snapshot() identity.Snapshot
	Subscribe(fn func(identity.Snapshot)) func()
}

// GateConfig describes the gate's dependencies.
type GateConfig struct {
	Identity IdentitySource
	// SettleDelay is the window between a settled authenticated snapshot and
	// the gate reporting ready; it absorbs the flash while asynchronous
	// enrichment fields are still arriving.
	SettleDelay time.Duration
	Logger      *zap.Logger
}

// Gate tracks the debounced readiness state for the apply workflow.
type Gate struct {
	identity IdentitySource
	settle   time.Duration
	logger   *zap.Logger

	mu          sync.Mutex
	snapshot    identity.Snapshot
	isReady     bool
	settleTimer *time.Timer
	closed      bool
	unsubscribe func()
}

// NewGate constructs a gate and subscribes it to identity snapshots.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	g := &Gate{
		identity: cfg.Identity,
		settle:   cfg.SettleDelay,
		logger:   cfg.Logger,
	}
	g.observe(cfg.Identity.Snapshot())
	g.unsubscribe = cfg.Identity.Subscribe(g.observe)
	return g, nil
}

// Close detaches the gate and cancels any pending settle timer.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.cancelSettleLocked()
	unsubscribe := g.unsubscribe
	g.unsubscribe = nil
	g.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (g *Gate) observe(snap identity.Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.snapshot = snap

	switch {
	case !snap.Loading && snap.User != nil:
		if g.isReady || g.settleTimer != nil {
			return
		}
		g.settleTimer = time.AfterFunc(g.settle, g.settled)
	case !snap.Loading && snap.User == nil:
		g.isReady = false
		g.cancelSettleLocked()
	}
}

func (g *Gate) settled() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settleTimer = nil
	if g.closed {
		return
	}
	if g.snapshot.Loading || g.snapshot.User == nil {
		return
	}
	g.isReady = true
}

func (g *Gate) cancelSettleLocked() {
	if g.settleTimer != nil {
		g.settleTimer.Stop()
		g.settleTimer = nil
	}
}

// RequirementsStatus is the per-capability view handed to the presentation
// layer.
type RequirementsStatus struct {
	IsAuthenticated bool `json:"isAuthenticated"`
	HasGithub       bool `json:"hasGithub"`
	HasWallet       bool `json:"hasWallet"`
	CanApply        bool `json:"canApply"`
}

// Report is the read-mostly facade the presentation layer consumes.
type Report struct {
	User          *identity.UnifiedUser
	Loading       bool
	HasGithub     bool
	HasWallet     bool
	CanApply      bool
	Requirements  RequirementsStatus
	StatusMessage string
}

// Report computes the current readiness view.
func (g *Gate) Report() Report {
	g.mu.Lock()
	snap := g.snapshot
	isReady := g.isReady
	g.mu.Unlock()

	var hasGithub, hasWallet bool
	if snap.User != nil {
		hasGithub = snap.User.HasGithub()
		hasWallet = snap.User.HasWallet()
	}

	canApply := snap.User != nil && isReady && hasGithub

	// The not-ready debounce only matters while a user is present; a settled
	// anonymous state should read as signed out, not as loading.
	notReady := snap.User != nil && !isReady

	report := Report{
		User:      snap.User,
		Loading:   snap.Loading || notReady,
		HasGithub: hasGithub,
		HasWallet: hasWallet,
		CanApply:  canApply,
		Requirements: RequirementsStatus{
			IsAuthenticated: snap.User != nil && isReady,
			HasGithub:       hasGithub,
			HasWallet:       hasWallet,
			CanApply:        canApply,
		},
		StatusMessage: statusMessage(snap, notReady, hasGithub, hasWallet),
	}
	return report
}

// statusMessage picks the first matching user-facing status line.
func statusMessage(snap identity.Snapshot, notReady, hasGithub, hasWallet bool) string {
	switch {
	case snap.Loading || notReady:
		return "Loading..."
	case snap.User == nil:
		return "Please sign in to apply"
	case !hasGithub:
		return "GitHub account required"
	case !hasWallet:
		return "Wallet will be set up when you apply"
	default:
		return "Ready to apply"
	}
}
