package mount

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	serrors "github.com/stratumdb/stratum/internal/errors"
)

func TestSession_Lifecycle(t *testing.T) {
	d := newMountedDB(t)
	s := NewSession(d, t.TempDir(), SessionOptions{})

	assert.Equal(t, StateUnmounted, s.State())
	assert.NoError(t, s.activate())
	assert.Equal(t, StateMounted, s.State())

	s.deactivate()
	assert.Equal(t, StateUnmounted, s.State())
}

func TestSession_BaselinePinsSnapshot(t *testing.T) {
	d := newMountedDB(t)
	_, err := d.Insert(context.Background(), mountBatch(t, 1))
	assert.NoError(t, err)

	s := NewSession(d, t.TempDir(), SessionOptions{})
	assert.NoError(t, s.activate())

	assert.Equal(t, 1, d.Index().LiveSnapshots())
	assert.Len(t, s.Baseline().Files(), 1)

	s.deactivate()
	assert.Equal(t, 0, d.Index().LiveSnapshots())
}

func TestSession_MountpointMustBeEmptyDir(t *testing.T) {
	d := newMountedDB(t)

	// Mounting over a non-empty directory would hide its contents.
	mp := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(mp, "keep.txt"), []byte("x"), 0644))
	s := NewSession(d, mp, SessionOptions{})
	err := s.activate()
	assert.True(t, serrors.IsKind(err, serrors.KindMountFailed))
	assert.Equal(t, StateUnmounted, s.State())

	// A missing path fails the same way.
	s = NewSession(d, filepath.Join(t.TempDir(), "missing"), SessionOptions{})
	err = s.activate()
	assert.True(t, serrors.IsKind(err, serrors.KindMountFailed))
	assert.Equal(t, StateUnmounted, s.State())

	// So does a regular file.
	file := filepath.Join(t.TempDir(), "plain")
	assert.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	s = NewSession(d, file, SessionOptions{})
	err = s.activate()
	assert.True(t, serrors.IsKind(err, serrors.KindMountFailed))
	assert.Equal(t, StateUnmounted, s.State())
}

func TestSession_MountpointConflict(t *testing.T) {
	d := newMountedDB(t)
	mp := t.TempDir()

	a := NewSession(d, mp, SessionOptions{})
	assert.NoError(t, a.activate())
	defer a.deactivate()

	b := NewSession(d, mp, SessionOptions{})
	err := b.activate()
	assert.True(t, serrors.IsKind(err, serrors.KindMountFailed))
	assert.Equal(t, StateUnmounted, b.State())

	// The registry reflects the single live session.
	got, ok := LookupSession(mp)
	assert.True(t, ok)
	assert.Same(t, a, got)
}

func TestSession_MountpointFreedAfterUnmount(t *testing.T) {
	d := newMountedDB(t)
	mp := t.TempDir()

	a := NewSession(d, mp, SessionOptions{})
	assert.NoError(t, a.activate())
	a.deactivate()

	_, ok := LookupSession(mp)
	assert.False(t, ok)

	b := NewSession(d, mp, SessionOptions{})
	assert.NoError(t, b.activate())
	b.deactivate()
}

func TestSession_RequestsRejectedWhileClosing(t *testing.T) {
	d := newMountedDB(t)
	s := NewSession(d, t.TempDir(), SessionOptions{})
	assert.NoError(t, s.activate())

	assert.NoError(t, s.beginOp())
	s.endOp()

	s.deactivate()

	err := s.beginOp()
	assert.True(t, serrors.IsKind(err, serrors.KindSessionClosing))
}

func TestSession_UnmountDrainsInflight(t *testing.T) {
	d := newMountedDB(t)
	s := NewSession(d, t.TempDir(), SessionOptions{})
	assert.NoError(t, s.activate())

	assert.NoError(t, s.beginOp())

	done := make(chan struct{})
	go func() {
		s.deactivate()
		close(done)
	}()

	// Unmount must not finish while a request is in flight.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("deactivate returned before in-flight request finished")
	default:
	}

	s.endOp()
	<-done
	assert.Equal(t, StateUnmounted, s.State())
}

func TestSession_UnmountIdempotent(t *testing.T) {
	d := newMountedDB(t)
	s := NewSession(d, t.TempDir(), SessionOptions{})
	assert.NoError(t, s.activate())

	assert.NoError(t, s.Unmount())
	assert.NoError(t, s.Unmount())
	assert.Equal(t, StateUnmounted, s.State())
}

func TestSession_WorkerPoolBounds(t *testing.T) {
	d := newMountedDB(t)
	s := NewSession(d, t.TempDir(), SessionOptions{MaxWorkers: 2})
	assert.NoError(t, s.activate())
	defer func() {
		s.endOp()
		s.endOp()
		s.deactivate()
	}()

	assert.NoError(t, s.beginOp())
	assert.NoError(t, s.beginOp())

	// The third request blocks until a slot frees or the session closes;
	// it must not be admitted immediately.
	admitted := make(chan error, 1)
	go func() {
		err := s.beginOp()
		if err == nil {
			s.endOp()
		}
		admitted <- err
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-admitted:
		t.Fatal("request admitted beyond the worker bound")
	default:
	}

	s.endOp()
	assert.NoError(t, <-admitted)
	assert.NoError(t, s.beginOp())
}

func TestSession_ConcurrentRequestsDuringUnmount(t *testing.T) {
	d := newMountedDB(t)
	s := NewSession(d, t.TempDir(), SessionOptions{MaxWorkers: 4})
	assert.NoError(t, s.activate())

	// Hammer admission while the session shuts down: every request is
	// either fully served or rejected with SessionClosing, and the drain
	// never returns with a request still in flight.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if err := s.beginOp(); err != nil {
					assert.True(t, serrors.IsKind(err, serrors.KindSessionClosing))
					return
				}
				s.endOp()
			}
		}()
	}

	s.deactivate()
	wg.Wait()

	assert.Equal(t, StateUnmounted, s.State())
	err := s.beginOp()
	assert.True(t, serrors.IsKind(err, serrors.KindSessionClosing))
}

func TestSession_ActivateTwiceFails(t *testing.T) {
	d := newMountedDB(t)
	s := NewSession(d, t.TempDir(), SessionOptions{})
	assert.NoError(t, s.activate())
	defer s.deactivate()

	err := s.activate()
	assert.True(t, serrors.IsKind(err, serrors.KindMountFailed))
}
