package identity

import (
	"context"
	"time"

	"github.com/gigboard/gigboard/internal/notify"
	"go.uber.org/zap"
)

// SetupWallet drives the two-phase wallet acquisition flow: it surfaces the
// capability source's external-wallet-connect flow, waits a grace window for
// the user to complete or dismiss it, and otherwise relies on the source
// auto-provisioning an embedded wallet during a second grace window.
//
// It returns false only on precondition failure (no user, source not ready).
// A wallet that has not visibly materialized within the grace windows is not
// a failure: provisioning may complete after this call returns, at which
// point the wallet-change monitor persists it.
func (r *Reconciler) SetupWallet(ctx context.Context) bool {
	snap := r.Snapshot()
	if snap.User == nil {
		r.logger.Warn("wallet setup without active user")
		return false
	}
	if !r.cfg.Source.Ready() {
		r.logger.Warn("wallet setup before capability source ready")
		return false
	}

	if err := r.cfg.Source.ConnectWallet(ctx); err != nil {
		r.logger.Warn("wallet connect flow failed to start", zap.Error(err))
	}

	if !r.waitGrace(ctx, r.cfg.Intervals.ConnectGrace) {
		return false
	}

	if address, clientType, ok := r.sourceWallet(); ok {
		r.enqueue(evWalletObserved{address: address, walletType: clientType}, nil)
		r.notice(notify.Notice{
			Level:  notify.LevelSuccess,
			Title:  "Wallet connected",
			Detail: "Your external wallet has been connected successfully.",
		})
		return true
	}

	// No external wallet: the source auto-provisions an embedded wallet for
	// wallet-less authenticated users.
	r.notice(notify.Notice{
		Level:  notify.LevelInfo,
		Title:  "Wallet setup",
		Detail: "An embedded wallet will be created for you automatically.",
	})

	if !r.waitGrace(ctx, r.cfg.Intervals.EmbeddedGrace) {
		return false
	}

	if address, clientType, ok := r.sourceWallet(); ok {
		r.enqueue(evWalletObserved{address: address, walletType: clientType}, nil)
	}
	return true
}

// ConnectWallet asks the capability source to surface its wallet-connect
// flow and reports whether the request was accepted.
func (r *Reconciler) ConnectWallet(ctx context.Context) bool {
	if err := r.cfg.Source.ConnectWallet(ctx); err != nil {
		r.logger.Warn("wallet connect failed", zap.Error(err))
		return false
	}
	return true
}

// CreateWallet runs the full provisioning sequence. The original product
// aliased its wallet-create entry point to the sequencer; keep that contract.
func (r *Reconciler) CreateWallet(ctx context.Context) bool {
	return r.SetupWallet(ctx)
}

// waitGrace sleeps for the given window, aborting early on context
// cancellation or reconciler teardown so no grace callback acts on a stale
// session.
func (r *Reconciler) waitGrace(ctx context.Context, window time.Duration) bool {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-r.quit:
		return false
	}
}

func (r *Reconciler) sourceWallet() (string, string, bool) {
	user, ok := r.cfg.Source.User()
	if !ok || user == nil || user.Wallet == nil || user.Wallet.Address == "" {
		return "", "", false
	}
	return user.Wallet.Address, walletClientType(user.Wallet), true
}

// observeWalletLocked is the wallet-change monitor. It persists the observed
// address only when it differs from the snapshot.
func (r *Reconciler) observeWalletLocked(epoch uint64, address, clientType string) {
	if address == "" || r.user == nil {
		return
	}
	if r.user.WalletAddress == address {
		return
	}
	r.persistWalletLocked(epoch, address, clientType)
}

// persistWalletLocked starts the dedicated wallet write, recording the
// in-flight address so overlapping observations of the same wallet write
// exactly once.
func (r *Reconciler) persistWalletLocked(epoch uint64, address, clientType string) {
	if address == "" || r.user == nil {
		return
	}
	if r.walletPersist == address {
		return
	}
	r.walletPersist = address

	userID := r.user.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := r.cfg.Store.UpdateProfileWallet(ctx, userID, address, clientType)
		if err != nil {
			r.logger.Warn("wallet persistence failed",
				zap.String("user_id", userID),
				zap.String("address", address),
				zap.Error(err),
			)
		}
		r.enqueueAt(epoch, evWalletPersisted{
			userID:     userID,
			address:    address,
			walletType: clientType,
			ok:         err == nil,
		})
	}()
}
