//go:build !windows

package file

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

type fileLock struct {
	path string
}

// acquire takes an exclusive flock on the lock file and returns its release.
func (l fileLock) acquire() (func(), error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())
	for {
		err = unix.Flock(fd, unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
