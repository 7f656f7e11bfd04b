package walletauth

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/gigboard/gigboard/internal/identity"
)

func TestApplyStateMarksReadyAndDecodesUser(t *testing.T) {
	var mu sync.Mutex
	var seenAuthenticated bool
	var seenUser *identity.ProviderUser

	bridge := NewBridge(BridgeConfig{
		OnState: func(authenticated bool, user *identity.ProviderUser) {
			mu.Lock()
			defer mu.Unlock()
			seenAuthenticated = authenticated
			seenUser = user
		},
	})
	if bridge.Ready() {
		t.Fatal("ready before first push")
	}

	err := bridge.ApplyState(StatePayload{
		Authenticated: true,
		User: json.RawMessage(`{
			"id": "user-1",
			"email": {"address": "a@y.com"},
			"linkedAccounts": [{"type": "github_oauth", "username": "octocat"}]
		}`),
	})
	if err != nil {
		t.Fatalf("ApplyState: %v", err)
	}

	if !bridge.Ready() || !bridge.Authenticated() {
		t.Fatal("bridge not ready/authenticated after push")
	}
	user, ok := bridge.User()
	if !ok || user.ID != "user-1" || user.Email != "a@y.com" {
		t.Fatalf("user = %+v ok=%v", user, ok)
	}

	mu.Lock()
	defer mu.Unlock()
	if !seenAuthenticated || seenUser == nil || seenUser.ID != "user-1" {
		t.Fatalf("callback saw authenticated=%v user=%+v", seenAuthenticated, seenUser)
	}
}

func TestApplyStateUnauthenticatedPush(t *testing.T) {
	bridge := NewBridge(BridgeConfig{})

	if err := bridge.ApplyState(StatePayload{Authenticated: false}); err != nil {
		t.Fatalf("ApplyState: %v", err)
	}
	if !bridge.Ready() {
		t.Fatal("unauthenticated push must still mark ready")
	}
	if bridge.Authenticated() {
		t.Fatal("authenticated without user")
	}
	if _, ok := bridge.User(); ok {
		t.Fatal("user present on unauthenticated push")
	}
}

func TestApplyStateRejectsMalformedUser(t *testing.T) {
	bridge := NewBridge(BridgeConfig{})
	err := bridge.ApplyState(StatePayload{
		Authenticated: true,
		User:          json.RawMessage(`{"email": "no id"}`),
	})
	if err == nil {
		t.Fatal("expected decode error")
	}
	if bridge.Ready() {
		t.Fatal("rejected push must not mark ready")
	}
}

func TestLogoutClearsMirrorBeforeConfirmation(t *testing.T) {
	bridge := NewBridge(BridgeConfig{})
	if err := bridge.ApplyState(StatePayload{
		Authenticated: true,
		User:          json.RawMessage(`{"id": "user-1"}`),
	}); err != nil {
		t.Fatalf("ApplyState: %v", err)
	}

	if err := bridge.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if bridge.Authenticated() {
		t.Fatal("still authenticated after logout")
	}
	if _, ok := bridge.User(); ok {
		t.Fatal("user survives logout")
	}

	directives := bridge.Directives()
	if len(directives) != 1 || directives[0] != DirectiveLogout {
		t.Fatalf("directives = %v", directives)
	}
}

func TestDirectivesDrainInOrder(t *testing.T) {
	bridge := NewBridge(BridgeConfig{})
	ctx := context.Background()

	bridge.Login(ctx)         //nolint:errcheck
	bridge.ConnectWallet(ctx) //nolint:errcheck
	bridge.CreateWallet(ctx)  //nolint:errcheck

	directives := bridge.Directives()
	want := []Directive{DirectiveLogin, DirectiveConnectWallet, DirectiveCreateWallet}
	if len(directives) != len(want) {
		t.Fatalf("directives = %v", directives)
	}
	for i := range want {
		if directives[i] != want[i] {
			t.Fatalf("directive[%d] = %q, want %q", i, directives[i], want[i])
		}
	}

	if again := bridge.Directives(); len(again) != 0 {
		t.Fatalf("drain not destructive: %v", again)
	}
}

func TestDirectivesCollapseRepeats(t *testing.T) {
	bridge := NewBridge(BridgeConfig{})
	ctx := context.Background()

	bridge.Login(ctx) //nolint:errcheck
	bridge.Login(ctx) //nolint:errcheck
	bridge.Login(ctx) //nolint:errcheck

	if directives := bridge.Directives(); len(directives) != 1 {
		t.Fatalf("directives = %v, want single login", directives)
	}
}

func TestDirectivesBounded(t *testing.T) {
	bridge := NewBridge(BridgeConfig{})
	ctx := context.Background()

	for i := 0; i < directiveLimit+4; i++ {
		bridge.Login(ctx)         //nolint:errcheck
		bridge.ConnectWallet(ctx) //nolint:errcheck
	}

	if directives := bridge.Directives(); len(directives) > directiveLimit {
		t.Fatalf("queue grew to %d, limit %d", len(directives), directiveLimit)
	}
}
