package store

import (
	"context"
	"errors"

	"github.com/mirix-ai/mirixd/pkg/coordinator"
)

var lockValue = []byte("1")

// AcquireAbsorbLock attempts to take the per-user absorption lock. Returns
// false without blocking when another pod holds it. The TTL bounds how long
// a dead pod can stall absorption.
func (s *Store) AcquireAbsorbLock(ctx context.Context, userID string) (bool, error) {
	if err := validateUserID(userID); err != nil {
		return false, err
	}
	return s.coord.SetIfAbsent(ctx, coordinator.AbsorbLockKey(userID), lockValue, s.cfg.AbsorbLockTTL)
}

// ReleaseAbsorbLock drops the absorption lock. Safe to call when the lock
// already expired.
func (s *Store) ReleaseAbsorbLock(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	return s.coord.Del(ctx, coordinator.AbsorbLockKey(userID))
}

// AbsorbLockHeld reports whether some pod currently holds the absorption
// lock for the user.
func (s *Store) AbsorbLockHeld(ctx context.Context, userID string) (bool, error) {
	if err := validateUserID(userID); err != nil {
		return false, err
	}
	return s.coord.Exists(ctx, coordinator.AbsorbLockKey(userID))
}

// TryAcquireInitLock attempts to take the one-shot initialization lock.
func (s *Store) TryAcquireInitLock(ctx context.Context, userID string) (bool, error) {
	if err := validateUserID(userID); err != nil {
		return false, err
	}
	return s.coord.SetIfAbsent(ctx, coordinator.InitLockKey(userID), lockValue, s.cfg.InitLockTTL)
}

// ReleaseInitLock drops the initialization lock.
func (s *Store) ReleaseInitLock(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	return s.coord.Del(ctx, coordinator.InitLockKey(userID))
}

// InitLockHeld reports whether the initialization lock is currently held.
func (s *Store) InitLockHeld(ctx context.Context, userID string) (bool, error) {
	if err := validateUserID(userID); err != nil {
		return false, err
	}
	return s.coord.Exists(ctx, coordinator.InitLockKey(userID))
}

// IsUserInitialized reports whether first-time setup has completed for the
// user somewhere in the fleet.
func (s *Store) IsUserInitialized(ctx context.Context, userID string) (bool, error) {
	if err := validateUserID(userID); err != nil {
		return false, err
	}
	_, err := s.coord.Get(ctx, coordinator.InitDoneKey(userID))
	if errors.Is(err, coordinator.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkUserInitialized sets the initialization marker. Idempotent: repeated
// calls refresh the TTL.
func (s *Store) MarkUserInitialized(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	return s.coord.SetEx(ctx, coordinator.InitDoneKey(userID), lockValue, s.cfg.InitDoneTTL)
}

// ResetUserInitialization clears the initialization marker. Operational
// hook for re-running first-time setup; also used by tests.
func (s *Store) ResetUserInitialization(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	return s.coord.Del(ctx, coordinator.InitDoneKey(userID))
}
