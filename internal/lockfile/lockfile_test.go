package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/companyzero/groupinvite/internal/assert"
)

// TestAcquireRelease tests locking and unlocking a dir that does not exist
// yet.
func TestAcquireRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "root")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l, err := Acquire(ctx, dir)
	assert.NilErr(t, err)
	assert.DeepEqual(t, l.Path(), filepath.Join(dir, Filename))

	b, err := os.ReadFile(l.Path())
	assert.NilErr(t, err)
	if !strings.HasPrefix(string(b), "PID=") {
		t.Fatalf("unexpected lock file contents %q", b)
	}

	assert.NilErr(t, l.Release())
	assert.NonNilErr(t, l.Release())
}

// TestAcquireContended tests that a second lock on the same dir waits for
// the first one to be released.
func TestAcquireContended(t *testing.T) {
	dir := t.TempDir()
	testCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l1, err := Acquire(testCtx, dir)
	assert.NilErr(t, err)

	// A canceled attempt returns the ctx error.
	ctx2, cancel2 := context.WithTimeout(testCtx, 50*time.Millisecond)
	defer cancel2()
	_, err = Acquire(ctx2, dir)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A pending attempt is unblocked once the lock is released.
	c := make(chan *DirLock, 1)
	go func() {
		l, err := Acquire(testCtx, dir)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			close(c)
			return
		}
		c <- l
	}()
	assert.ChanNotWritten(t, c, 200*time.Millisecond)

	assert.NilErr(t, l1.Release())
	l3 := assert.ChanWritten(t, c)
	assert.NilErr(t, l3.Release())
}
