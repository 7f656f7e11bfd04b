// Package walletauth bridges the embedded-wallet provider's browser SDK to
// the server-side reconciler. The front end pushes the SDK's raw state to
// the backend and polls for UI directives; login, logout and the wallet
// flows surface their UI in the browser and complete outside this core's
// control, arriving later as new state pushes.
package walletauth

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gigboard/gigboard/internal/identity"
	"go.uber.org/zap"
)

// Directive is one UI command queued for the front end.
type Directive string

const (
	// DirectiveLogin asks the front end to open the provider's login modal.
	DirectiveLogin Directive = "login"
	// DirectiveLogout asks the front end to run the provider's logout.
	DirectiveLogout Directive = "logout"
	// DirectiveConnectWallet asks the front end to open the external
	// wallet-connect flow.
	DirectiveConnectWallet Directive = "connect_wallet"
	// DirectiveCreateWallet asks the front end to create an embedded wallet.
	DirectiveCreateWallet Directive = "create_wallet"
)

const directiveLimit = 16

// StatePayload is the raw state pushed by the browser SDK.
type StatePayload struct {
	Ready         bool            `json:"ready"`
	Authenticated bool            `json:"authenticated"`
	User          json.RawMessage `json:"user"`
}

// BridgeConfig describes the bridge's collaborators.
type BridgeConfig struct {
	// OnState receives every accepted state update, already decoded.
	OnState func(authenticated bool, user *identity.ProviderUser)
	Logger  *zap.Logger
}

// Bridge mirrors one browser session's provider state and implements the
// capability-source contract the reconciler consumes.
type Bridge struct {
	onState func(bool, *identity.ProviderUser)
	logger  *zap.Logger

	mu            sync.Mutex
	ready         bool
	authenticated bool
	user          *identity.ProviderUser
	directives    []Directive
}

// NewBridge constructs a bridge for one session.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{onState: cfg.OnState, logger: logger}
}

// ApplyState ingests a state push from the SDK, decoding the linked-accounts
// array once at this boundary. The first push marks the source ready.
func (b *Bridge) ApplyState(payload StatePayload) error {
	var user *identity.ProviderUser
	if payload.Authenticated && len(payload.User) > 0 {
		decoded, err := identity.DecodeProviderUser(payload.User)
		if err != nil {
			return err
		}
		user = decoded
	}

	b.mu.Lock()
	b.ready = true
	b.authenticated = payload.Authenticated && user != nil
	b.user = user
	authenticated := b.authenticated
	onState := b.onState
	b.mu.Unlock()

	b.logger.Debug("provider state applied",
		zap.Bool("authenticated", authenticated),
		zap.Bool("has_user", user != nil),
	)

	if onState != nil {
		onState(authenticated, user)
	}
	return nil
}

// Ready reports whether the SDK has pushed state at least once.
func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Authenticated reports the mirrored authentication state.
func (b *Bridge) Authenticated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authenticated
}

// User returns the mirrored provider user, if authenticated.
func (b *Bridge) User() (*identity.ProviderUser, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.user == nil {
		return nil, false
	}
	copied := *b.user
	return &copied, true
}

// Login queues the login directive.
func (b *Bridge) Login(_ context.Context) error {
	b.push(DirectiveLogin)
	return nil
}

// Logout clears the mirrored state immediately and queues the logout
// directive; the SDK confirms with a later unauthenticated state push.
func (b *Bridge) Logout(_ context.Context) error {
	b.mu.Lock()
	b.authenticated = false
	b.user = nil
	b.mu.Unlock()
	b.push(DirectiveLogout)
	return nil
}

// ConnectWallet queues the external wallet-connect directive.
func (b *Bridge) ConnectWallet(_ context.Context) error {
	b.push(DirectiveConnectWallet)
	return nil
}

// CreateWallet queues the embedded wallet creation directive.
func (b *Bridge) CreateWallet(_ context.Context) error {
	b.push(DirectiveCreateWallet)
	return nil
}

// Directives returns and clears the queued UI commands in order.
func (b *Bridge) Directives() []Directive {
	b.mu.Lock()
	defer b.mu.Unlock()
	drained := b.directives
	b.directives = nil
	return drained
}

func (b *Bridge) push(directive Directive) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Collapse immediate repeats; polling clients replay the queue anyway.
	if n := len(b.directives); n > 0 && b.directives[n-1] == directive {
		return
	}
	if len(b.directives) >= directiveLimit {
		b.directives = b.directives[1:]
	}
	b.directives = append(b.directives, directive)
}
