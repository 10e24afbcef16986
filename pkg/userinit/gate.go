// Package userinit guards one-shot per-user setup across the fleet. Exactly
// one pod runs the initialization function; concurrent callers wait for the
// winner instead of duplicating the work.
package userinit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirix-ai/mirixd/pkg/store"
)

// defaultPollInterval paces waiters observing another pod's initialization.
const defaultPollInterval = 100 * time.Millisecond

// InitFunc performs the actual first-time setup for a user.
type InitFunc func(ctx context.Context, userID string) error

// Gate serializes per-user initialization through the coordinator.
type Gate struct {
	store        *store.Store
	pollInterval time.Duration
}

// NewGate creates an initialization gate over the shared store.
func NewGate(st *store.Store) *Gate {
	return &Gate{store: st, pollInterval: defaultPollInterval}
}

// EnsureInitialized runs initFn exactly once per user across all pods. The
// returned flag reports whether this call performed the work. Losers block
// until the winner finishes, the winner's lock expires, or ctx ends. A
// failed initFn leaves no done marker, so a later call retries.
func (g *Gate) EnsureInitialized(ctx context.Context, userID string, initFn InitFunc) (bool, error) {
	done, err := g.store.IsUserInitialized(ctx, userID)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	for {
		acquired, err := g.store.TryAcquireInitLock(ctx, userID)
		if err != nil {
			return false, err
		}
		if acquired {
			return true, g.initialize(ctx, userID, initFn)
		}

		performed, err := g.waitForWinner(ctx, userID)
		if err != nil {
			return false, err
		}
		if performed {
			return false, nil
		}
		// Lock vanished without a done marker: the winner crashed or its
		// initFn failed. Contend again.
		slog.Warn("Initialization lock released without completion, retrying",
			"user_id", userID)
	}
}

// initialize runs setup while holding the lock, marks completion, and
// releases the lock in all paths.
func (g *Gate) initialize(ctx context.Context, userID string, initFn InitFunc) error {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.store.ReleaseInitLock(releaseCtx, userID); err != nil {
			slog.Warn("Failed to release initialization lock",
				"user_id", userID, "error", err)
		}
	}()

	// Re-check under the lock: the previous holder may have finished
	// between our fast-path check and acquisition.
	done, err := g.store.IsUserInitialized(ctx, userID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	if err := initFn(ctx, userID); err != nil {
		return fmt.Errorf("initialize user %s: %w", userID, err)
	}
	if err := g.store.MarkUserInitialized(ctx, userID); err != nil {
		return fmt.Errorf("mark user %s initialized: %w", userID, err)
	}
	slog.Info("User initialized", "user_id", userID)
	return nil
}

// waitForWinner polls until the done marker appears (true), the lock
// disappears without one (false), or ctx ends.
func (g *Gate) waitForWinner(ctx context.Context, userID string) (bool, error) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}

		done, err := g.store.IsUserInitialized(ctx, userID)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}

		held, err := g.store.InitLockHeld(ctx, userID)
		if err != nil {
			return false, err
		}
		if !held {
			return false, nil
		}
	}
}
