package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
)

const lockRetryInterval = 100 * time.Millisecond

// AcquireInstanceLock takes the per-instance advisory lock, retrying until
// timeout. Advisory locks are session-scoped, so the lock is held on a
// dedicated pooled connection; the returned release func unlocks and returns
// the connection. Times out with LOCK_UNAVAILABLE.
func (r *InstanceRepository) AcquireInstanceLock(ctx context.Context, instanceID string, timeout time.Duration) (func(), error) {
	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to acquire connection for instance lock")
	}

	deadline := time.Now().Add(timeout)
	for {
		var locked bool
		err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, instanceID).Scan(&locked)
		if err != nil {
			conn.Release()
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to acquire instance lock")
		}
		if locked {
			break
		}
		if time.Now().After(deadline) {
			conn.Release()
			return nil, apperrors.Newf(apperrors.CodeLockUnavailable,
				"could not lock approval instance %s within %s", instanceID, timeout)
		}
		select {
		case <-ctx.Done():
			conn.Release()
			return nil, apperrors.Wrap(ctx.Err(), apperrors.CodeLockUnavailable, "canceled while waiting for instance lock")
		case <-time.After(lockRetryInterval):
		}
	}

	release := func() {
		// Unlock on a background context: the request context may already be
		// canceled, and the connection must not go back to the pool locked.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, instanceID)
		conn.Release()
	}
	return release, nil
}
