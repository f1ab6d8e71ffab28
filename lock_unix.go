//go:build !windows

package niledb

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// dirLock holds an advisory flock(2) on the database directory's lock
// file for the lifetime of an open DB, rejecting a second process from
// opening the same directory concurrently.
type dirLock struct {
	f *os.File
}

func lockDir(dir string) (*dirLock, error) {
	path := dir + "/LOCK"
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, newErr(KindIO, "lockDir", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, newErr(KindIO, "lockDir", fmt.Errorf("directory %q is already open by another process: %w", dir, err))
	}
	return &dirLock{f: f}, nil
}

func (l *dirLock) unlock() error {
	if l == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return newErr(KindIO, "unlock", err)
	}
	return l.f.Close()
}
