package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gigboard/gigboard/internal/notify"
	"go.uber.org/zap"
)

var (
	// ErrNoActiveUser indicates an operation that requires an authenticated
	// user was invoked without one.
	ErrNoActiveUser = errors.New("identity: no active user")
	// ErrAlreadyAuthenticated indicates a sign-in was refused because a
	// capability-source session is already active. Linking an additional
	// provider requires an explicit sign-out first.
	ErrAlreadyAuthenticated = errors.New("identity: already authenticated, sign out first")
	errMissingSource        = errors.New("identity: capability source required")
	errMissingStore         = errors.New("identity: profile store required")
)

// CapabilitySource is the embedded-wallet/social-login provider surface the
// reconciler consumes. Login, Logout, ConnectWallet and CreateWallet are
// asynchronous, UI-surfacing operations that complete outside this core's
// control; their effects arrive later as state updates.
type CapabilitySource interface {
	Ready() bool
	Authenticated() bool
	User() (*ProviderUser, bool)
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	CreateWallet(ctx context.Context) error
	ConnectWallet(ctx context.Context) error
}

// ProfileStore is the persistence gateway surface the reconciler needs.
// UpsertProfile must apply the preserve-existing-email merge rule and return
// the persisted row so the reconciler can merge gaps back in.
type ProfileStore interface {
	UpsertProfile(ctx context.Context, user UnifiedUser) (UnifiedUser, error)
	UpdateProfileEmail(ctx context.Context, id, email string) error
	UpdateProfileWallet(ctx context.Context, id, address, walletType string) error
}

// Enrichment is the best-available identity data resolved for a linked
// GitHub account.
type Enrichment struct {
	Email          string
	Name           string
	AvatarURL      string
	GithubUsername string
}

// Enricher resolves enrichment data for a linked GitHub account. It runs as
// a fire-and-forget refinement and must never block the optimistic snapshot.
type Enricher interface {
	Resolve(ctx context.Context, account GithubAccount) (Enrichment, error)
}

// SessionClaims is the reconciler's view of a legacy database-backed session.
type SessionClaims struct {
	UserID          string
	Email           string
	Name            string
	AvatarURL       string
	GithubUsername  string
	LinkedinProfile string
}

// LegacySessions reads and clears the legacy session path.
type LegacySessions interface {
	CurrentSession(ctx context.Context) (*SessionClaims, error)
	ClearSession(ctx context.Context) error
}

// DestinationStore persists the intended post-auth destination so it
// survives a page reload.
type DestinationStore interface {
	SaveDestination(destination string)
	TakeDestination() (string, bool)
	ClearDestination()
}

// Tracker records analytics events. A nil tracker disables tracking.
type Tracker interface {
	Track(event string, properties map[string]any)
}

// Opportunity is the minimal posting descriptor carried through the apply flow.
type Opportunity struct {
	ID    string
	Title string
}

// Snapshot is the read-only view handed to consumers. User is a copy; the
// reconciler remains the only writer.
type Snapshot struct {
	User    *UnifiedUser
	Loading bool
}

// Intervals bundles the timer bounds driving loading convergence and wallet
// provisioning. Tests shrink these to keep runs fast.
type Intervals struct {
	// StuckSignOut forces a legacy-session sign-out when loading has not
	// converged after this bound.
	StuckSignOut time.Duration
	// DefinitiveBound latches loading to false when no definitive signal
	// arrived in time.
	DefinitiveBound time.Duration
	// HardBound unconditionally latches loading to false.
	HardBound time.Duration
	// ConnectGrace is the window granted to the external wallet-connect flow.
	ConnectGrace time.Duration
	// EmbeddedGrace is the window granted to embedded wallet auto-provisioning.
	EmbeddedGrace time.Duration
}

// DefaultIntervals returns the production timer bounds.
func DefaultIntervals() Intervals {
	return Intervals{
		StuckSignOut:    time.Second,
		DefinitiveBound: 3 * time.Second,
		HardBound:       5 * time.Second,
		ConnectGrace:    3 * time.Second,
		EmbeddedGrace:   2 * time.Second,
	}
}

func (i Intervals) withDefaults() Intervals {
	defaults := DefaultIntervals()
	if i.StuckSignOut <= 0 {
		i.StuckSignOut = defaults.StuckSignOut
	}
	if i.DefinitiveBound <= 0 {
		i.DefinitiveBound = defaults.DefinitiveBound
	}
	if i.HardBound <= 0 {
		i.HardBound = defaults.HardBound
	}
	if i.ConnectGrace <= 0 {
		i.ConnectGrace = defaults.ConnectGrace
	}
	if i.EmbeddedGrace <= 0 {
		i.EmbeddedGrace = defaults.EmbeddedGrace
	}
	return i
}

// ReconcilerConfig describes the collaborators of a session reconciler.
type ReconcilerConfig struct {
	Source       CapabilitySource
	Store        ProfileStore
	Enricher     Enricher
	Sessions     LegacySessions
	Destinations DestinationStore
	Notifier     notify.Notifier
	Tracker      Tracker
	Intervals    Intervals
	Logger       *zap.Logger
	Clock        func() time.Time
}

// Reconciler merges the capability source and the legacy session path into a
// single UnifiedUser. All state transitions flow through one ordered event
// queue consumed by a single goroutine; asynchronous completions carry the
// sign-in epoch they were started under and are dropped when stale.
type Reconciler struct {
	cfg    ReconcilerConfig
	logger *zap.Logger

	events chan envelope
	quit   chan struct{}
	done   chan struct{}

	mu              sync.Mutex
	user            *UnifiedUser
	loading         bool
	latched         bool
	epoch           uint64
	sessionSeen     bool
	walletPersist   string
	pendingRedirect string
	subscribers     map[int]func(Snapshot)
	nextSubscriber  int
	timers          []*time.Timer
	closed          bool
}

type envelope struct {
	epoch uint64
	ev    any
	ack   chan struct{}
}

type evSourceState struct {
	authenticated bool
	user          *ProviderUser
}

type evSessionChange struct {
	claims *SessionClaims
	// initial marks the construction-time probe, which reads the session
	// before any notification and must never override one.
	initial bool
}

type evEnrichment struct {
	userID string
	data   Enrichment
}

type evPersisted struct {
	userID    string
	persisted UnifiedUser
}

type evWalletObserved struct {
	address    string
	walletType string
}

type evWalletPersisted struct {
	userID     string
	address    string
	walletType string
	ok         bool
}

type evEmailUpdated struct {
	userID string
	email  string
}

type timerKind int

const (
	timerStuckSignOut timerKind = iota
	timerDefinitiveBound
	timerHardBound
)

type evTimer struct {
	kind timerKind
}

type evSignIn struct{}

type evSignOut struct {
	prior chan Provider
}

// NewReconciler constructs and starts a session reconciler. The instance
// begins in the loading state with its convergence timers armed, and pulls
// the current legacy session once in the background.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	cfg.Intervals = cfg.Intervals.withDefaults()

	r := &Reconciler{
		cfg:         cfg,
		logger:      cfg.Logger,
		events:      make(chan envelope, 64),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		loading:     true,
		subscribers: map[int]func(Snapshot){},
	}

	r.mu.Lock()
	r.armTimersLocked()
	r.mu.Unlock()

	go r.run()
	go r.checkLegacySession()

	return r, nil
}

// Close stops the event loop and cancels all owned timers. Pending events
// are discarded.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.cancelTimersLocked()
	r.mu.Unlock()
	close(r.quit)
	<-r.done
}

// Snapshot returns the current unified user view.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) snapshotLocked() Snapshot {
	snap := Snapshot{Loading: r.loading}
	if r.user != nil {
		copied := *r.user
		snap.User = &copied
	}
	return snap
}

// Subscribe registers a snapshot listener and returns its cancel function.
// Listeners are invoked from the event loop after every applied transition.
func (r *Reconciler) Subscribe(fn func(Snapshot)) func() {
	r.mu.Lock()
	id := r.nextSubscriber
	r.nextSubscriber++
	r.subscribers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

// ConsumeRedirect returns the one-shot post-auth redirect destination, if a
// sign-in recorded one and a legacy session has since been established.
func (r *Reconciler) ConsumeRedirect() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingRedirect == "" {
		return "", false
	}
	destination := r.pendingRedirect
	r.pendingRedirect = ""
	return destination, true
}

// NotifySourceState feeds a capability-source state update into the event
// queue. The bridge calls this whenever the browser SDK pushes new state.
func (r *Reconciler) NotifySourceState(authenticated bool, user *ProviderUser) {
	r.enqueue(evSourceState{authenticated: authenticated, user: user}, nil)
}

// NotifySessionChange feeds a legacy-session change notification into the
// event queue. A nil claims value means the session ended.
func (r *Reconciler) NotifySessionChange(claims *SessionClaims) {
	r.enqueue(evSessionChange{claims: claims}, nil)
}

// SignIn records the caller's current location as the intended post-auth
// destination and asks the capability source to start its login flow. A
// sign-in while a capability-source session is active is refused; the user
// must sign out before authenticating with an additional provider.
func (r *Reconciler) SignIn(ctx context.Context, destination string) error {
	r.mu.Lock()
	alreadyWallet := r.user != nil && r.user.AuthProvider == ProviderWallet
	r.mu.Unlock()
	if alreadyWallet {
		r.notice(notify.Notice{
			Level:  notify.LevelError,
			Title:  "Already signed in",
			Detail: "Sign out first to connect a different account.",
		})
		return ErrAlreadyAuthenticated
	}

	if r.cfg.Destinations != nil && destination != "" {
		r.cfg.Destinations.SaveDestination(destination)
	}

	r.enqueueAck(evSignIn{})

	if err := r.cfg.Source.Login(ctx); err != nil {
		r.logger.Warn("capability source login failed", zap.Error(err))
		r.notice(notify.Notice{
			Level:  notify.LevelError,
			Title:  "Authentication failed",
			Detail: "Failed to sign in. Please try again.",
		})
		return fmt.Errorf("identity: login: %w", err)
	}
	return nil
}

// SignOut clears the unified identity. In-memory state is cleared through
// the event queue before the active provider's own logout is awaited, so any
// late-arriving provider callback finds a cleared state and is dropped by
// the epoch guard. Calling with no active session clears state without error.
func (r *Reconciler) SignOut(ctx context.Context) error {
	prior := make(chan Provider, 1)
	r.enqueueAck(evSignOut{prior: prior})

	var active Provider
	select {
	case active = <-prior:
	case <-ctx.Done():
		return ctx.Err()
	}

	var err error
	switch active {
	case ProviderWallet:
		err = r.cfg.Source.Logout(ctx)
	case ProviderSession:
		if r.cfg.Sessions != nil {
			err = r.cfg.Sessions.ClearSession(ctx)
		}
	}

	if err != nil {
		r.logger.Warn("provider logout failed", zap.Error(err))
		r.notice(notify.Notice{
			Level:  notify.LevelError,
			Title:  "Sign out failed",
			Detail: "There was an error signing you out. Please try again.",
		})
		return fmt.Errorf("identity: sign out: %w", err)
	}

	r.notice(notify.Notice{
		Level:  notify.LevelSuccess,
		Title:  "Signed out",
		Detail: "You have been successfully signed out.",
	})
	return nil
}

// UpdateEmail updates the persisted profile's email and then the in-memory
// snapshot. It reports false, without touching the store, when no user is
// active; it never propagates store failures past its boundary.
func (r *Reconciler) UpdateEmail(ctx context.Context, email string) bool {
	r.mu.Lock()
	var userID string
	if r.user != nil {
		userID = r.user.ID
	}
	r.mu.Unlock()
	if userID == "" {
		r.logger.Warn("email update without active user")
		return false
	}

	if err := r.cfg.Store.UpdateProfileEmail(ctx, userID, email); err != nil {
		r.logger.Warn("email update failed", zap.String("user_id", userID), zap.Error(err))
		r.notice(notify.Notice{
			Level:  notify.LevelError,
			Title:  "Email update failed",
			Detail: "Could not save your email. Please try again.",
		})
		return false
	}

	r.enqueueAck(evEmailUpdated{userID: userID, email: email})
	return true
}

// HandleApply gates the apply workflow. It requires an authenticated user
// with a linked GitHub account; a missing wallet does not block — wallet
// provisioning is kicked off in the background and navigation proceeds
// immediately. The returned string is the apply destination, carrying the
// opportunity id and title when provided.
func (r *Reconciler) HandleApply(ctx context.Context, opportunity *Opportunity) (string, bool) {
	snap := r.Snapshot()
	if snap.User == nil {
		r.notice(notify.Notice{
			Level:  notify.LevelError,
			Title:  "Authentication required",
			Detail: "Please sign in to apply for opportunities.",
		})
		return "", false
	}
	if !snap.User.HasGithub() {
		r.notice(notify.Notice{
			Level:  notify.LevelError,
			Title:  "GitHub required",
			Detail: "Please connect your GitHub account to apply.",
		})
		return "", false
	}

	if !snap.User.HasWallet() {
		go func() {
			walletCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Intervals.ConnectGrace+r.cfg.Intervals.EmbeddedGrace+time.Second)
			defer cancel()
			r.SetupWallet(walletCtx)
		}()
	}

	destination := "/apply"
	if opportunity != nil {
		params := url.Values{}
		params.Set("id", opportunity.ID)
		params.Set("title", opportunity.Title)
		destination = "/apply?" + params.Encode()
	}
	return destination, true
}

func (r *Reconciler) notice(n notify.Notice) {
	if r.cfg.Notifier != nil {
		r.cfg.Notifier.Push(n)
	}
}

func (r *Reconciler) track(event string, properties map[string]any) {
	if r.cfg.Tracker != nil {
		r.cfg.Tracker.Track(event, properties)
	}
}

// enqueue captures the current epoch and queues the event. Events enqueued
// before a sign-out keep the old epoch and are dropped by the loop.
func (r *Reconciler) enqueue(ev any, ack chan struct{}) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if ack != nil {
			close(ack)
		}
		return
	}
	epoch := r.epoch
	r.mu.Unlock()

	select {
	case r.events <- envelope{epoch: epoch, ev: ev, ack: ack}:
	case <-r.quit:
		if ack != nil {
			close(ack)
		}
	}
}

// enqueueAck queues the event and waits until the loop has applied it.
func (r *Reconciler) enqueueAck(ev any) {
	ack := make(chan struct{})
	r.enqueue(ev, ack)
	<-ack
}

func (r *Reconciler) checkLegacySession() {
	if r.cfg.Sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Intervals.DefinitiveBound)
	defer cancel()
	claims, err := r.cfg.Sessions.CurrentSession(ctx)
	if err != nil {
		r.logger.Debug("legacy session check failed", zap.Error(err))
		claims = nil
	}
	r.enqueue(evSessionChange{claims: claims, initial: true}, nil)
}

func (r *Reconciler) run() {
	defer close(r.done)
	for {
		select {
		case env := <-r.events:
			r.apply(env)
			if env.ack != nil {
				close(env.ack)
			}
		case <-r.quit:
			return
		}
	}
}

func (r *Reconciler) apply(env envelope) {
	r.mu.Lock()

	// Sign-out and sign-in events always pass; everything else is checked
	// against the epoch it was enqueued or started under.
	switch env.ev.(type) {
	case evSignOut, evSignIn:
	default:
		if env.epoch != r.epoch {
			r.mu.Unlock()
			return
		}
	}

	switch ev := env.ev.(type) {
	case evSourceState:
		r.applySourceStateLocked(env.epoch, ev)
	case evSessionChange:
		r.applySessionChangeLocked(ev)
	case evEnrichment:
		r.applyEnrichmentLocked(env.epoch, ev)
	case evPersisted:
		r.applyPersistedLocked(ev)
	case evWalletObserved:
		r.observeWalletLocked(env.epoch, ev.address, ev.walletType)
	case evWalletPersisted:
		r.applyWalletPersistedLocked(ev)
	case evEmailUpdated:
		if r.user != nil && r.user.ID == ev.userID {
			updated := *r.user
			updated.Email = ev.email
			r.user = &updated
		}
	case evTimer:
		r.applyTimerLocked(ev)
	case evSignIn:
		r.applySignInLocked()
	case evSignOut:
		r.applySignOutLocked(ev)
	}

	snap := r.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

func (r *Reconciler) applySourceStateLocked(epoch uint64, ev evSourceState) {
	if !ev.authenticated || ev.user == nil {
		// Definitive unauthenticated answer from a ready source. Leave a
		// legacy-session user untouched.
		if r.user != nil && r.user.AuthProvider == ProviderWallet {
			r.user = nil
		}
		r.resolveLoadingLocked("source unauthenticated")
		return
	}

	providerUser := ev.user

	// Switching providers fully resets the unified user first.
	if r.user != nil && r.user.AuthProvider == ProviderSession {
		r.user = nil
	}

	// The wallet-change comparison must run against the snapshot as it was
	// before this update installs the candidate, or a wallet arriving
	// inside the payload would always compare equal to itself.
	priorWallet := ""
	if r.user != nil {
		priorWallet = r.user.WalletAddress
	}

	github, hasGithub := FindGithub(providerUser.LinkedAccounts)
	linkedin, _ := FindLinkedin(providerUser.LinkedAccounts)

	candidate := UnifiedUser{
		ID:              providerUser.ID,
		Email:           providerUser.Email,
		GithubUsername:  github.Username,
		LinkedinProfile: linkedin.Username,
		AuthProvider:    ProviderWallet,
		ProviderUserID:  providerUser.ID,
	}
	if providerUser.Wallet != nil {
		candidate.WalletAddress = providerUser.Wallet.Address
		candidate.WalletType = walletClientType(providerUser.Wallet)
	}
	candidate.Name = displayName(github.Name, github.Username, candidate.Email)

	newUser := r.user == nil || r.user.ID != candidate.ID
	if newUser {
		priorWallet = ""
	}
	if !newUser {
		// Re-emission for the same identity: keep already-enriched fields.
		candidate = candidate.mergeGaps(*r.user)
	}

	// Optimistic update: the snapshot must not block on network enrichment.
	r.user = &candidate
	r.resolveLoadingLocked("source authenticated")

	if newUser {
		properties := map[string]any{
			"provider":  string(ProviderWallet),
			"userId":    candidate.ID,
			"hasGithub": candidate.HasGithub(),
			"hasWallet": candidate.HasWallet(),
		}
		r.track("Connected", properties)
		r.track("HireConnected", properties)
	}

	go r.persistProfile(epoch, candidate)

	if hasGithub && candidate.Email == "" && r.cfg.Enricher != nil {
		go r.enrich(epoch, candidate.ID, github)
	}

	if providerUser.Wallet != nil && providerUser.Wallet.Address != priorWallet {
		r.persistWalletLocked(epoch, providerUser.Wallet.Address, walletClientType(providerUser.Wallet))
	}
}

func (r *Reconciler) applySessionChangeLocked(ev evSessionChange) {
	if ev.initial && r.sessionSeen {
		// The probe read state older than a notification that has already
		// been applied; the later definitive signal wins.
		r.resolveLoadingLocked("session check superseded")
		return
	}
	if !ev.initial {
		r.sessionSeen = true
	}
	if ev.claims == nil {
		if r.user != nil && r.user.AuthProvider == ProviderSession {
			r.user = nil
		}
		r.resolveLoadingLocked("session check resolved")
		return
	}

	// A capability-source user stays authoritative over a background
	// legacy-session echo; the two providers are mutually exclusive.
	if r.user != nil && r.user.AuthProvider == ProviderWallet {
		r.resolveLoadingLocked("session check resolved")
		return
	}

	claims := ev.claims
	r.user = &UnifiedUser{
		ID:              claims.UserID,
		Email:           claims.Email,
		Name:            displayName(claims.Name, claims.GithubUsername, claims.Email),
		AvatarURL:       claims.AvatarURL,
		GithubUsername:  claims.GithubUsername,
		LinkedinProfile: claims.LinkedinProfile,
		AuthProvider:    ProviderSession,
	}
	r.resolveLoadingLocked("session established")

	if r.cfg.Destinations != nil {
		if destination, ok := r.cfg.Destinations.TakeDestination(); ok {
			r.pendingRedirect = destination
		}
	}
}

func (r *Reconciler) applyEnrichmentLocked(epoch uint64, ev evEnrichment) {
	if r.user == nil || r.user.ID != ev.userID {
		return
	}
	merged := *r.user
	changed := false
	if merged.Email == "" && ev.data.Email != "" {
		merged.Email = ev.data.Email
		changed = true
	}
	if (merged.Name == "" || merged.Name == "User" || merged.Name == merged.GithubUsername) && ev.data.Name != "" {
		merged.Name = ev.data.Name
		changed = true
	}
	if merged.AvatarURL == "" && ev.data.AvatarURL != "" {
		merged.AvatarURL = ev.data.AvatarURL
		changed = true
	}
	if merged.GithubUsername == "" && ev.data.GithubUsername != "" {
		merged.GithubUsername = ev.data.GithubUsername
		changed = true
	}
	if !changed {
		return
	}
	r.user = &merged
	go r.persistProfile(epoch, merged)
}

func (r *Reconciler) applyPersistedLocked(ev evPersisted) {
	if r.user == nil || r.user.ID != ev.userID {
		return
	}
	merged := r.user.mergeGaps(ev.persisted)
	r.user = &merged
}

func (r *Reconciler) applyWalletPersistedLocked(ev evWalletPersisted) {
	r.walletPersist = ""
	if !ev.ok || r.user == nil || r.user.ID != ev.userID {
		return
	}
	if r.user.WalletAddress == ev.address && r.user.WalletType == ev.walletType {
		return
	}
	updated := *r.user
	updated.WalletAddress = ev.address
	updated.WalletType = ev.walletType
	r.user = &updated
	r.notice(notify.Notice{
		Level:  notify.LevelSuccess,
		Title:  "Wallet created",
		Detail: fmt.Sprintf("Your %s wallet has been created and stored.", ev.walletType),
	})
}

func (r *Reconciler) applyTimerLocked(ev evTimer) {
	if r.latched {
		return
	}
	switch ev.kind {
	case timerStuckSignOut:
		// Loading stuck with no definitive signal: clear any inconsistent
		// legacy session rather than leave the user hanging.
		r.logger.Warn("loading stuck, forcing sign out")
		r.user = nil
		r.resolveLoadingLocked("stuck sign-out")
		if r.cfg.Sessions != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := r.cfg.Sessions.ClearSession(ctx); err != nil {
					r.logger.Warn("forced session clear failed", zap.Error(err))
				}
			}()
		}
	case timerDefinitiveBound:
		r.resolveLoadingLocked("definitive bound elapsed")
	case timerHardBound:
		r.logger.Warn("loading hard bound reached")
		r.resolveLoadingLocked("hard bound elapsed")
	}
}

func (r *Reconciler) applySignInLocked() {
	// A new sign-in attempt is the only transition allowed to re-arm the
	// loading latch.
	r.epoch++
	r.loading = true
	r.latched = false
	r.cancelTimersLocked()
	r.armTimersLocked()
}

func (r *Reconciler) applySignOutLocked(ev evSignOut) {
	var active Provider
	if r.user != nil {
		active = r.user.AuthProvider
	}
	r.epoch++
	r.user = nil
	r.loading = false
	r.latched = true
	r.walletPersist = ""
	r.pendingRedirect = ""
	r.cancelTimersLocked()
	if r.cfg.Destinations != nil {
		r.cfg.Destinations.ClearDestination()
	}
	ev.prior <- active
}

// resolveLoadingLocked latches loading to false. The latch releases only via
// an explicit new sign-in attempt, so loading reaches false exactly once per
// attempt regardless of which signal wins the race.
func (r *Reconciler) resolveLoadingLocked(reason string) {
	if r.latched {
		return
	}
	r.loading = false
	r.latched = true
	r.cancelTimersLocked()
	r.logger.Debug("loading resolved", zap.String("reason", reason))
}

func (r *Reconciler) armTimersLocked() {
	epoch := r.epoch
	arm := func(d time.Duration, kind timerKind) *time.Timer {
		return time.AfterFunc(d, func() {
			r.mu.Lock()
			stale := r.closed || epoch != r.epoch
			r.mu.Unlock()
			if stale {
				return
			}
			r.enqueue(evTimer{kind: kind}, nil)
		})
	}
	r.timers = []*time.Timer{
		arm(r.cfg.Intervals.StuckSignOut, timerStuckSignOut),
		arm(r.cfg.Intervals.DefinitiveBound, timerDefinitiveBound),
		arm(r.cfg.Intervals.HardBound, timerHardBound),
	}
}

func (r *Reconciler) cancelTimersLocked() {
	for _, timer := range r.timers {
		timer.Stop()
	}
	r.timers = nil
}

func (r *Reconciler) persistProfile(epoch uint64, user UnifiedUser) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	persisted, err := r.cfg.Store.UpsertProfile(ctx, user)
	if err != nil {
		// Background reconciliation degrades silently; the optimistic
		// snapshot stays valid.
		r.logger.Warn("profile upsert failed", zap.String("user_id", user.ID), zap.Error(err))
		return
	}
	r.enqueueAt(epoch, evPersisted{userID: user.ID, persisted: persisted})
}

func (r *Reconciler) enrich(epoch uint64, userID string, account GithubAccount) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data, err := r.cfg.Enricher.Resolve(ctx, account)
	if err != nil {
		r.logger.Debug("github enrichment failed", zap.String("username", account.Username), zap.Error(err))
		return
	}
	r.enqueueAt(epoch, evEnrichment{userID: userID, data: data})
}

// enqueueAt queues a completion under the epoch its work was started under,
// so the loop can drop it if the session has since changed.
func (r *Reconciler) enqueueAt(epoch uint64, ev any) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	select {
	case r.events <- envelope{epoch: epoch, ev: ev}:
	case <-r.quit:
	}
}

func walletClientType(wallet *ProviderWalletInfo) string {
	if wallet == nil {
		return ""
	}
	if wallet.WalletClientType == "" {
		return "embedded"
	}
	return wallet.WalletClientType
}
