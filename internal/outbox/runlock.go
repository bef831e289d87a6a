package outbox

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrRunLocked is returned by LockRun while another drain of the same
// outbox, in this process or another, holds the run lock.
var ErrRunLocked = errors.New("outbox: another sync run holds the lock")

const (
	runLockSuffix = ".run.lock"
	runLockPerms  = 0o600
)

// LockRun takes an exclusive, non-blocking flock on a lock file next to the
// database. Every drain holds it, so two processes never upload the same
// record at once. Inserts do not take it.
func (s *Store) LockRun() (unlock func(), err error) {
	path := s.path + runLockSuffix

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, runLockPerms)
	if err != nil {
		return nil, fmt.Errorf("outbox: opening run lock %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrRunLocked
		}

		return nil, fmt.Errorf("outbox: locking %s: %w", path, err)
	}

	// The file stays on disk: removing it would let a second process lock a
	// fresh inode while the first still holds the old one.
	return func() { f.Close() }, nil
}
