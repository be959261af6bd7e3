package gateway

import (
	"sync"

	"github.com/edgewasm/fleet/internal/wire"
)

// Registry is the read side of the session map: get/visit operations any
// component (the admin API, controllers) can use concurrently.
type Registry interface {
	Get(deviceID string) (*Session, bool)
	VisitAll(func(deviceID string, s *Session))
	Len() int
}

// Router enqueues a command onto a specific device's session.
type Router interface {
	Route(deviceID string, msg wire.Message) error
}

// Connector accepts a raw connection and drives it through the
// enrollment state machine until Ready or closed.
type Connector interface {
	Accept(conn WireConn) (*Session, error)
}

// ErrDeviceNotConnected is returned by Route when no live session exists
// for deviceID (spec §4.5.4).
type ErrDeviceNotConnected struct{ DeviceID string }

func (e *ErrDeviceNotConnected) Error() string {
	return "gateway: device not connected: " + e.DeviceID
}

// sessionRegistry is a writer-serialized, reader-concurrent map of
// deviceID -> *Session, mirroring webpa-common/device/manager.go's
// registry type (add/remove/get/visitAll over a sync.RWMutex).
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*Session)}
}

// add installs s under deviceID, returning the previous session if one
// existed (the caller closes it with ReasonSupersededBySameKey — spec
// §4.5.1's "second successful handshake with the same key closes the
// previous session" / §3's at-most-one-live-session invariant).
func (r *sessionRegistry) add(deviceID string, s *Session) (previous *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous = r.sessions[deviceID]
	r.sessions[deviceID] = s
	return previous
}

func (r *sessionRegistry) remove(deviceID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[deviceID]; ok && cur == s {
		delete(r.sessions, deviceID)
	}
}

func (r *sessionRegistry) Get(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

func (r *sessionRegistry) VisitAll(fn func(deviceID string, s *Session)) {
	r.mu.RLock()
	snapshot := make(map[string]*Session, len(r.sessions))
	for k, v := range r.sessions {
		snapshot[k] = v
	}
	r.mu.RUnlock()
	for k, v := range snapshot {
		fn(k, v)
	}
}

func (r *sessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
