// Package boot holds the flag bookkeeping the boot path performs
// around each start: attempt counting, boot-loop detection, and the
// validated-boot handshake that refreshes the last-known-good slot.
package boot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"obr/internal/backup"
	"obr/internal/config"
	"obr/internal/nvm"
	"obr/internal/slot"
)

// FailThreshold is how many consecutive unvalidated boots trip the
// recovery-requested flag.
const FailThreshold = 3

// EnsureDeviceID assigns a device identifier on first boot.
func EnsureDeviceID(store *nvm.Store) string {
	if id := store.GetString(nvm.KeyDeviceID); id != "" {
		return id
	}
	id := uuid.NewString()
	store.Set(nvm.KeyDeviceID, nvm.String(id))
	return id
}

// MarkAttempt records the start of a boot. The counter only goes back
// to zero through MarkValidated; enough unvalidated attempts in a row
// mean the main application never comes up, and recovery is requested.
func MarkAttempt(store *nvm.Store) (recoveryRequested bool, err error) {
	count := store.GetCounter(nvm.KeyBootFailCount)
	if count < 255 {
		count++
	}
	store.Set(nvm.KeyBootFailCount, nvm.Counter(count))
	store.Set(nvm.KeyLastBootStatus, nvm.String(nvm.BootStatusFailed))

	if count >= FailThreshold {
		store.Set(nvm.KeyRecoveryRequested, nvm.Bool(true))
		slog.Warn("Boot loop detected", "attempts", count)
	}

	if err := store.Flush(); err != nil {
		return false, fmt.Errorf("failed to persist boot attempt: %w", err)
	}
	return store.GetBool(nvm.KeyRecoveryRequested), nil
}

// MarkValidated records a successful boot: counters clear, status goes
// clean, and the last-known-good slot is refreshed from the now-proven
// filesystem. LKG refresh failure is reported but does not fail the
// boot; the previous LKG container stays in place.
func MarkValidated(ctx context.Context, cfg *config.Config, store *nvm.Store) error {
	store.Set(nvm.KeyBootFailCount, nvm.Counter(0))
	store.Set(nvm.KeyLastBootStatus, nvm.String(nvm.BootStatusClean))
	store.Set(nvm.KeyRecoveryRequested, nvm.Bool(false))
	if !store.GetBool(nvm.KeyFirstBootDone) {
		store.Set(nvm.KeyFirstBootDone, nvm.Bool(true))
	}
	if err := store.Flush(); err != nil {
		return fmt.Errorf("failed to persist validated boot: %w", err)
	}

	if _, err := backup.Run(ctx, cfg, store, slot.LastKnownGood); err != nil {
		slog.Warn("Last-known-good refresh failed after validated boot", "error", err)
	}
	return nil
}
