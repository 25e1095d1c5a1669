package mount

import (
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/stratumdb/stratum/internal/db"
	serrors "github.com/stratumdb/stratum/internal/errors"
	"github.com/stratumdb/stratum/internal/inventory"
)

// State is a session's lifecycle position.
type State int32

const (
	StateUnmounted State = iota
	StateMounting
	StateMounted
	StateUnmounting
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateMounting:
		return "mounting"
	case StateMounted:
		return "mounted"
	case StateUnmounting:
		return "unmounting"
	}
	return "unknown"
}

// DefaultMaxWorkers bounds concurrent filesystem requests per session.
const DefaultMaxWorkers = 16

// SessionOptions tunes a mount session. The zero value is usable.
type SessionOptions struct {
	// MaxWorkers bounds concurrent requests; 0 means DefaultMaxWorkers.
	MaxWorkers int

	// Debug enables FUSE protocol tracing.
	Debug bool
}

// Session is one mount of a database at one mountpoint. It moves
// Unmounted -> Mounting -> Mounted -> Unmounting -> Unmounted; requests
// are only served in Mounted, and Unmount drains in-flight requests
// before the mountpoint is released.
type Session struct {
	db         *db.Database
	mountpoint string
	opts       SessionOptions

	proj     *Projection
	baseline *inventory.Snapshot

	state int32

	// admitMu orders request admission against shutdown: inflight.Add
	// happens only while closing is observably open, so the drain in
	// deactivate can never race a late arrival.
	admitMu  sync.RWMutex
	closing  chan struct{}
	workers  chan struct{}
	inflight sync.WaitGroup

	server fuseServer
}

// fuseServer is the slice of the FUSE server the session drives.
type fuseServer interface {
	Unmount() error
}

// NewSession creates an unmounted session for a database.
func NewSession(database *db.Database, mountpoint string, opts SessionOptions) *Session {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	return &Session{
		db:         database,
		mountpoint: mountpoint,
		opts:       opts,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// Mountpoint returns the session's mountpoint path.
func (s *Session) Mountpoint() string {
	return s.mountpoint
}

// Baseline returns the snapshot pinned for the session's lifetime. The
// files it references stay readable until the session unmounts, even if
// they are superseded while mounted.
func (s *Session) Baseline() *inventory.Snapshot {
	return s.baseline
}

// Mount claims the mountpoint and serves the projection over FUSE.
func (s *Session) Mount() error {
	if err := s.activate(); err != nil {
		return err
	}

	srv, err := serveFUSE(s)
	if err != nil {
		s.deactivate()
		return serrors.Wrap(serrors.KindMountFailed,
			"mount: failed to start filesystem server", err)
	}
	s.server = srv

	log.Printf("mount: %s mounted at %s", s.db.Path(), s.mountpoint)
	return nil
}

// activate transitions Unmounted -> Mounted, claiming the mountpoint
// and pinning the baseline snapshot. Split from Mount so the lifecycle
// is exercisable without a kernel mount.
func (s *Session) activate() error {
	if !atomic.CompareAndSwapInt32(&s.state, int32(StateUnmounted), int32(StateMounting)) {
		return serrors.Newf(serrors.KindMountFailed,
			"session is %s, expected unmounted", s.State())
	}
	if err := checkMountpoint(s.mountpoint); err != nil {
		atomic.StoreInt32(&s.state, int32(StateUnmounted))
		return err
	}
	if err := register(s.mountpoint, s); err != nil {
		atomic.StoreInt32(&s.state, int32(StateUnmounted))
		return err
	}

	s.proj = NewProjection(s.db)
	s.baseline = s.db.Snapshot()
	s.closing = make(chan struct{})
	s.workers = make(chan struct{}, s.opts.MaxWorkers)

	atomic.StoreInt32(&s.state, int32(StateMounted))
	return nil
}

// deactivate transitions Mounted -> Unmounted: stops admitting
// requests, drains in-flight ones, and releases the baseline pin and
// the mountpoint. Idempotent.
func (s *Session) deactivate() {
	if !atomic.CompareAndSwapInt32(&s.state, int32(StateMounted), int32(StateUnmounting)) {
		return
	}

	s.admitMu.Lock()
	close(s.closing)
	s.admitMu.Unlock()
	s.inflight.Wait()

	s.baseline.Release()
	s.baseline = nil
	unregister(s.mountpoint)

	atomic.StoreInt32(&s.state, int32(StateUnmounted))
}

// Unmount detaches the filesystem and releases the session's resources.
// Safe to call more than once; later calls are no-ops.
func (s *Session) Unmount() error {
	if s.State() == StateUnmounted {
		return nil
	}

	var unmountErr error
	if s.server != nil {
		unmountErr = s.server.Unmount()
		s.server = nil
	}
	s.deactivate()

	if unmountErr != nil {
		return serrors.Wrap(serrors.KindIOFailure, "mount: unmount failed", unmountErr)
	}
	log.Printf("mount: %s detached", s.mountpoint)
	return nil
}

// beginOp admits one filesystem request: it fails once the session is
// closing, and blocks while all worker slots are busy. Every successful
// beginOp must be paired with endOp.
func (s *Session) beginOp() error {
	s.admitMu.RLock()
	select {
	case <-s.closing:
		s.admitMu.RUnlock()
		return serrors.New(serrors.KindSessionClosing, "mount session is shutting down")
	default:
	}
	s.inflight.Add(1)
	s.admitMu.RUnlock()

	select {
	case s.workers <- struct{}{}:
	case <-s.closing:
		s.inflight.Done()
		return serrors.New(serrors.KindSessionClosing, "mount session is shutting down")
	}

	return nil
}

// endOp releases the worker slot taken by beginOp.
func (s *Session) endOp() {
	<-s.workers
	s.inflight.Done()
}

// checkMountpoint verifies the mountpoint is an accessible, empty
// directory before anything is mounted over it. Mounting over a
// non-empty directory would hide its contents.
func checkMountpoint(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return serrors.Wrap(serrors.KindMountFailed,
			"mountpoint "+path+" is not accessible", err)
	}
	if !info.IsDir() {
		return serrors.Newf(serrors.KindMountFailed,
			"mountpoint %s is not a directory", path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return serrors.Wrap(serrors.KindMountFailed,
			"mountpoint "+path+" is not readable", err)
	}
	if len(entries) > 0 {
		return serrors.Newf(serrors.KindMountFailed,
			"mountpoint %s is not empty", path)
	}
	return nil
}
