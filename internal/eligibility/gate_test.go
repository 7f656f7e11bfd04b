package eligibility

import (
	"sync"
	"testing"
	"time"

	"github.com/gigboard/gigboard/internal/identity"
)

type scriptedIdentity struct {
	mu        sync.Mutex
	snapshot  identity.Snapshot
	listeners []func(identity.Snapshot)
}

func (s *scriptedIdentity) Snapshot() identity.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *scriptedIdentity) Subscribe(fn func(identity.Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
	return func() {}
}

func (s *scriptedIdentity) emit(snap identity.Snapshot) {
	s.mu.Lock()
	s.snapshot = snap
	listeners := append([]func(identity.Snapshot){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func newTestGate(t *testing.T, source *scriptedIdentity) *Gate {
	t.Helper()
	gate, err := NewGate(GateConfig{Identity: source, SettleDelay: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	t.Cleanup(gate.Close)
	return gate
}

func waitReport(t *testing.T, gate *Gate, condition func(Report) bool) Report {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		report := gate.Report()
		if condition(report) {
			return report
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("report condition not met; last: %+v", gate.Report())
	return Report{}
}

func githubOnlyUser() *identity.UnifiedUser {
	return &identity.UnifiedUser{
		ID:             "user-1",
		GithubUsername: "octocat",
		AuthProvider:   identity.ProviderWallet,
	}
}

func TestGateLoadingState(t *testing.T) {
	source := &scriptedIdentity{snapshot: identity.Snapshot{Loading: true}}
	gate := newTestGate(t, source)

	report := gate.Report()
	if !report.Loading {
		t.Fatal("expected loading")
	}
	if report.CanApply {
		t.Fatal("can-apply while loading")
	}
	if report.StatusMessage != "Loading..." {
		t.Fatalf("status = %q", report.StatusMessage)
	}
}

func TestGateSignedOutState(t *testing.T) {
	source := &scriptedIdentity{snapshot: identity.Snapshot{Loading: true}}
	gate := newTestGate(t, source)

	source.emit(identity.Snapshot{Loading: false})
	report := waitReport(t, gate, func(r Report) bool { return !r.Loading })
	if report.CanApply {
		t.Fatal("can-apply while signed out")
	}
	if report.StatusMessage != "Please sign in to apply" {
		t.Fatalf("status = %q", report.StatusMessage)
	}
}

func TestGateSettleDelayBeforeReady(t *testing.T) {
	source := &scriptedIdentity{snapshot: identity.Snapshot{Loading: true}}
	gate := newTestGate(t, source)

	source.emit(identity.Snapshot{User: githubOnlyUser()})

	// Immediately after the snapshot settles the gate still reports
	// loading: enrichment fields may still be arriving.
	if report := gate.Report(); report.CanApply {
		t.Fatal("can-apply before settle delay elapsed")
	}

	report := waitReport(t, gate, func(r Report) bool { return r.CanApply })
	if report.StatusMessage != "Wallet will be set up when you apply" {
		t.Fatalf("status = %q", report.StatusMessage)
	}
	if !report.Requirements.IsAuthenticated || !report.Requirements.HasGithub {
		t.Fatalf("requirements = %+v", report.Requirements)
	}
}

func TestGateWalletIndependence(t *testing.T) {
	source := &scriptedIdentity{snapshot: identity.Snapshot{Loading: true}}
	gate := newTestGate(t, source)

	user := githubOnlyUser()
	source.emit(identity.Snapshot{User: user})
	waitReport(t, gate, func(r Report) bool { return r.CanApply })

	// Gaining a wallet keeps the gate open and flips only the wallet bit.
	withWallet := *user
	withWallet.WalletAddress = "0xabc"
	source.emit(identity.Snapshot{User: &withWallet})

	report := waitReport(t, gate, func(r Report) bool { return r.HasWallet })
	if !report.CanApply {
		t.Fatal("wallet gain closed the gate")
	}
	if report.StatusMessage != "Ready to apply" {
		t.Fatalf("status = %q", report.StatusMessage)
	}
}

func TestGateRequiresGithub(t *testing.T) {
	source := &scriptedIdentity{snapshot: identity.Snapshot{Loading: true}}
	gate := newTestGate(t, source)

	source.emit(identity.Snapshot{User: &identity.UnifiedUser{
		ID:           "db-1",
		Email:        "d@example.com",
		AuthProvider: identity.ProviderSession,
	}})

	report := waitReport(t, gate, func(r Report) bool { return !r.Loading })
	if report.CanApply {
		t.Fatal("can-apply without github")
	}
	if report.StatusMessage != "GitHub account required" {
		t.Fatalf("status = %q", report.StatusMessage)
	}
}

func TestGateResetsOnSignOut(t *testing.T) {
	source := &scriptedIdentity{snapshot: identity.Snapshot{Loading: true}}
	gate := newTestGate(t, source)

	source.emit(identity.Snapshot{User: githubOnlyUser()})
	waitReport(t, gate, func(r Report) bool { return r.CanApply })

	source.emit(identity.Snapshot{})
	report := waitReport(t, gate, func(r Report) bool { return !r.CanApply && !r.Loading })
	if report.User != nil {
		t.Fatalf("user survived sign-out: %+v", report.User)
	}
	if report.StatusMessage != "Please sign in to apply" {
		t.Fatalf("status = %q", report.StatusMessage)
	}
}
