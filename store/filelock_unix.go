//go:build !windows

package store

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// acquireFileLock takes an advisory exclusive flock on lockPath, retrying
// until timeout. The returned release func unlocks, closes and removes it.
func acquireFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return func() error {
				unlockErr := unix.Flock(fd, unix.LOCK_UN)
				closeErr := f.Close()
				_ = os.Remove(lockPath)
				return errors.Join(unlockErr, closeErr)
			}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) || time.Now().After(deadline) {
			_ = f.Close()
			return nil, err
		}
		time.Sleep(25 * time.Millisecond)
	}
}
