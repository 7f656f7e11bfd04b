package identity

import (
	"context"
	"testing"
	"time"
)

func TestSetupWalletPreconditions(t *testing.T) {
	fixture := newFixture(t, nil)

	if fixture.reconciler.SetupWallet(context.Background()) {
		t.Fatal("setup succeeded without active user")
	}

	fixture.pushSource(githubUser("user-1", "a@y.com"))
	waitFor(t, func() bool { return fixture.reconciler.Snapshot().User != nil })

	fixture.source.mu.Lock()
	fixture.source.ready = false
	fixture.source.mu.Unlock()
	if fixture.reconciler.SetupWallet(context.Background()) {
		t.Fatal("setup succeeded before source ready")
	}
}

func TestSetupWalletExternalConnect(t *testing.T) {
	fixture := newFixture(t, nil)

	user := githubUser("user-1", "a@y.com")
	user.Wallet = &ProviderWalletInfo{Address: "0xabc", WalletClientType: "metamask"}
	fixture.pushSource(user)
	waitFor(t, func() bool {
		snap := fixture.reconciler.Snapshot()
		return snap.User != nil && snap.User.WalletAddress == "0xabc"
	})

	// Re-running setup with the wallet already connected still reports
	// success and surfaces the connected notice.
	if !fixture.reconciler.SetupWallet(context.Background()) {
		t.Fatal("setup failed with connected wallet")
	}
	if fixture.source.connectCount() == 0 {
		t.Fatal("connect flow never surfaced")
	}
	if !fixture.notifier.hasTitle("Wallet connected") {
		t.Fatal("missing wallet-connected notice")
	}
}

func TestSetupWalletEmbeddedFallback(t *testing.T) {
	fixture := newFixture(t, func(cfg *ReconcilerConfig) {
		intervals := testIntervals()
		intervals.EmbeddedGrace = 200 * time.Millisecond
		cfg.Intervals = intervals
	})

	fixture.pushSource(githubUser("user-1", "a@y.com"))
	waitFor(t, func() bool { return fixture.reconciler.Snapshot().User != nil })

	done := make(chan bool, 1)
	go func() {
		done <- fixture.reconciler.SetupWallet(context.Background())
	}()

	// The embedded wallet materializes during the second grace window.
	waitFor(t, func() bool { return fixture.notifier.hasTitle("Wallet setup") })
	user := githubUser("user-1", "a@y.com")
	user.Wallet = &ProviderWalletInfo{Address: "0xdef"}
	fixture.source.setUser(user)

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("setup reported failure")
		}
	case <-time.After(testWait):
		t.Fatal("setup did not return")
	}
	if !fixture.notifier.hasTitle("Wallet setup") {
		t.Fatal("missing embedded-wallet notice")
	}

	waitFor(t, func() bool {
		snap := fixture.reconciler.Snapshot()
		return snap.User != nil && snap.User.WalletAddress == "0xdef" && snap.User.WalletType == "embedded"
	})
}

func TestSetupWalletAbortsOnContextCancel(t *testing.T) {
	fixture := newFixture(t, nil)

	fixture.pushSource(githubUser("user-1", "a@y.com"))
	waitFor(t, func() bool { return fixture.reconciler.Snapshot().User != nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if fixture.reconciler.SetupWallet(ctx) {
		t.Fatal("setup succeeded with canceled context")
	}
}

func TestWalletMonitorPersistsOncePerAddress(t *testing.T) {
	fixture := newFixture(t, nil)
	block := make(chan struct{})
	fixture.store.mu.Lock()
	fixture.store.walletBlock = block
	fixture.store.mu.Unlock()

	user := githubUser("user-1", "a@y.com")
	user.Wallet = &ProviderWalletInfo{Address: "0xabc"}
	fixture.pushSource(user)
	waitFor(t, func() bool {
		snap := fixture.reconciler.Snapshot()
		return snap.User != nil && snap.User.WalletAddress == "0xabc"
	})

	// Re-observations of the same address while the first write is still
	// in flight must not start a second write.
	fixture.reconciler.NotifySourceState(true, user)
	fixture.reconciler.NotifySourceState(true, user)
	time.Sleep(20 * time.Millisecond)

	fixture.store.mu.Lock()
	fixture.store.walletBlock = nil
	fixture.store.mu.Unlock()
	close(block)

	waitFor(t, func() bool { return fixture.store.walletCallCount() == 1 })
	waitFor(t, func() bool {
		fixture.store.mu.Lock()
		defer fixture.store.mu.Unlock()
		return fixture.store.profiles["user-1"].WalletAddress == "0xabc"
	})

	// The address now matches the snapshot; another observation is a no-op.
	fixture.reconciler.NotifySourceState(true, user)
	time.Sleep(20 * time.Millisecond)
	if got := fixture.store.walletCallCount(); got != 1 {
		t.Fatalf("wallet persisted %d times after settled state, want 1", got)
	}
}

func TestWalletMonitorIgnoresEmptyAddress(t *testing.T) {
	fixture := newFixture(t, nil)

	fixture.pushSource(githubUser("user-1", "a@y.com"))
	waitFor(t, func() bool { return fixture.reconciler.Snapshot().User != nil })

	time.Sleep(20 * time.Millisecond)
	if got := fixture.store.walletCallCount(); got != 0 {
		t.Fatalf("wallet persisted %d times for wallet-less user, want 0", got)
	}
}

func TestWalletClientTypeDefaultsToEmbedded(t *testing.T) {
	if got := walletClientType(&ProviderWalletInfo{Address: "0xabc"}); got != "embedded" {
		t.Fatalf("walletClientType = %q, want embedded", got)
	}
	if got := walletClientType(&ProviderWalletInfo{Address: "0xabc", WalletClientType: "metamask"}); got != "metamask" {
		t.Fatalf("walletClientType = %q, want metamask", got)
	}
	if got := walletClientType(nil); got != "" {
		t.Fatalf("walletClientType(nil) = %q, want empty", got)
	}
}
