// Package lockfile guards a data dir against concurrent use by more than one
// process.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// Filename is the name of the lock file created inside a locked dir.
const Filename = "LOCK"

// DirLock is an exclusive lock over a dir.
type DirLock struct {
	path string
	f    *lockedfile.File
}

// Path is the path to the lock file.
func (l *DirLock) Path() string {
	return l.path
}

// Release releases the lock.
func (l *DirLock) Release() error {
	if l.f == nil {
		return fmt.Errorf("lock %s already released", l.path)
	}
	err := l.f.Close()
	l.f = nil
	return err
}

type lockResult struct {
	f   *lockedfile.File
	err error
}

// Acquire locks dir, creating it if needed. It blocks until the lock is
// obtained or ctx is done.
func Acquire(ctx context.Context, dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, Filename)

	// lockedfile.Create blocks without a way to cancel it, so it is
	// done in a separate goroutine.
	c := make(chan lockResult, 1)
	go func() {
		f, err := lockedfile.Create(path)
		c <- lockResult{f: f, err: err}
	}()

	select {
	case res := <-c:
		if res.err != nil {
			return nil, res.err
		}
		host, _ := os.Hostname()
		fmt.Fprintf(res.f, "PID=%d\nHost=%q\n", os.Getpid(), host)
		return &DirLock{path: path, f: res.f}, nil

	case <-ctx.Done():
		// The file may still be locked later on, in which case it is
		// released right away.
		go func() {
			if res := <-c; res.f != nil {
				res.f.Close()
			}
		}()
		return nil, fmt.Errorf("unable to lock %s: %w", dir, ctx.Err())
	}
}
