package server

import (
	"math/rand"
	"net"
	"sync"
)

// connSet is the server's active-connection set: the sockets currently
// owned by a normal handler. Sampled by the chaos task and mutated by
// accept/close under a single mutex, per §3/§5. Admission against the
// pool's Cs bound is also owned by this type, via TryAdd/WaitAdd, so
// that the check and the insert are never two separate lock
// acquisitions a second connection could race between.
type connSet struct {
	mu    sync.Mutex
	cond  *sync.Cond
	conns map[net.Conn]struct{}
}

func newConnSet() *connSet {
	s := &connSet{conns: make(map[net.Conn]struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// TryAdd checks the pool's current size against maxLen and, only if
// there is room, registers c — both under the same lock acquisition.
// It reports whether c was admitted.
func (s *connSet) TryAdd(c net.Conn, maxLen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) >= maxLen {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

// WaitAdd blocks until the pool has room for c under maxLen, then
// registers it. Used by the overflow path's fallback so a connection
// that could not be redirected to a peer waits for a free slot instead
// of running as an extra handler above the Cs bound.
func (s *connSet) WaitAdd(c net.Conn, maxLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.conns) >= maxLen {
		s.cond.Wait()
	}
	s.conns[c] = struct{}{}
}

// Remove unregisters c and wakes any handler blocked in WaitAdd.
func (s *connSet) Remove(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Snapshot returns a randomized copy of the currently active
// connections, so the chaos task can try candidates in order without
// holding the lock across a Close call.
func (s *connSet) Snapshot() []net.Conn {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	rand.Shuffle(len(conns), func(i, j int) {
		conns[i], conns[j] = conns[j], conns[i]
	})
	return conns
}
