//go:build windows

package niledb

// dirLock is a no-op on windows: there is no portable flock(2)
// equivalent wired into this module, and single-process use is left to
// the caller to enforce. See DESIGN.md.
type dirLock struct{}

func lockDir(dir string) (*dirLock, error) { return &dirLock{}, nil }

func (l *dirLock) unlock() error { return nil }
