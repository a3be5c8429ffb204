package services

import (
	"sync"

	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
)

// ConnectionStore tracks live channels by logical identity. Two identities
// never share a slot; a second Put for the same identity replaces the first
// (last write wins, since identities are self-reported by the remote side).
type ConnectionStore[C ports.Connection] struct {
	name   string
	logger *logger.Logger
	mu     sync.RWMutex
	conns  map[string]C
}

type (
	AgentConnectionStore = ConnectionStore[ports.AgentConnection]
	UIConnectionStore    = ConnectionStore[ports.UIConnection]
)

func NewConnectionStore[C ports.Connection](name string, log *logger.Logger) *ConnectionStore[C] {
	return &ConnectionStore[C]{
		name:   name,
		logger: log,
		conns:  make(map[string]C),
	}
}

func NewAgentConnectionStore(log *logger.Logger) *AgentConnectionStore {
	return NewConnectionStore[ports.AgentConnection]("agent", log)
}

func NewUIConnectionStore(log *logger.Logger) *UIConnectionStore {
	return NewConnectionStore[ports.UIConnection]("ui", log)
}

// Put stores conn under id and returns the connection it displaced, if
// any. The displaced connection is not closed here; its own lifecycle
// hook is responsible for that.
func (s *ConnectionStore[C]) Put(id string, conn C) (C, bool) {
	s.mu.Lock()
	prev, replaced := s.conns[id]
	s.conns[id] = conn
	s.mu.Unlock()

	if replaced && !sameConn(prev, conn) {
		s.logger.Warnw("connection_replaced", "store", s.name, "id", id)
		return prev, true
	}
	s.logger.Infow("connection_registered", "store", s.name, "id", id)
	var zero C
	return zero, false
}

// Get returns the live connection for id. A connection found closed is
// evicted and reported as absent.
func (s *ConnectionStore[C]) Get(id string) (C, bool) {
	s.mu.RLock()
	conn, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		var zero C
		return zero, false
	}
	if !conn.IsActive() {
		s.RemoveIf(id, conn)
		var zero C
		return zero, false
	}
	return conn, true
}

func (s *ConnectionStore[C]) Remove(id string) {
	s.mu.Lock()
	_, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if ok {
		s.logger.Infow("connection_removed", "store", s.name, "id", id)
	}
}

// RemoveIf removes id only while it still maps to conn, so a stale
// channel's close hook cannot evict the connection that replaced it.
func (s *ConnectionStore[C]) RemoveIf(id string, conn C) bool {
	s.mu.Lock()
	cur, ok := s.conns[id]
	if !ok || !sameConn(cur, conn) {
		s.mu.Unlock()
		return false
	}
	delete(s.conns, id)
	s.mu.Unlock()
	s.logger.Infow("connection_removed", "store", s.name, "id", id)
	return true
}

// All returns a snapshot of the live connections.
func (s *ConnectionStore[C]) All() []C {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]C, 0, len(s.conns))
	for _, c := range s.conns {
		if c.IsActive() {
			out = append(out, c)
		}
	}
	return out
}

func (s *ConnectionStore[C]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func sameConn[C ports.Connection](a, b C) bool {
	return any(a) == any(b)
}
