package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockRetryInterval = time.Second
	lockTimeout       = 5 * time.Minute
)

// acquireProvisionLock takes the exclusive provision file lock, retrying
// once per second until the timeout. Only one worker may rewrite the
// devices.csv master at a time.
func acquireProvisionLock(ctx context.Context, path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lock := flock.New(path)

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	ok, err := lock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire provision lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("provision lock timeout after %s", lockTimeout)
	}
	return lock, nil
}
