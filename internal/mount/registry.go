package mount

import (
	"sync"

	serrors "github.com/stratumdb/stratum/internal/errors"
)

// registry is the process-wide mount table. A mountpoint hosts at most
// one session at a time.
var registry = struct {
	mu       sync.Mutex
	sessions map[string]*Session
}{sessions: make(map[string]*Session)}

// register claims a mountpoint for a session.
func register(mountpoint string, s *Session) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, busy := registry.sessions[mountpoint]; busy {
		return serrors.Newf(serrors.KindMountFailed, "mountpoint %s is already in use", mountpoint)
	}
	registry.sessions[mountpoint] = s
	return nil
}

// unregister releases a mountpoint. Releasing an unclaimed mountpoint
// is a no-op.
func unregister(mountpoint string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.sessions, mountpoint)
}

// LookupSession returns the session mounted at mountpoint, if any.
func LookupSession(mountpoint string) (*Session, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	s, ok := registry.sessions[mountpoint]
	return s, ok
}

// ActiveMounts returns the mountpoints with live sessions.
func ActiveMounts() []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	mounts := make([]string, 0, len(registry.sessions))
	for mp := range registry.sessions {
		mounts = append(mounts, mp)
	}
	return mounts
}
