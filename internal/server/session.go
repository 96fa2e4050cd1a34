package server

import (
	"sync"

	"github.com/google/uuid"
)

// tunnel session states.
const (
	statePending = "pending" // connect received, awaiting tunnel_accept
	stateReady   = "ready"   // tunnel_accept received, tunnel_ready forwarded
)

// TunnelSession is the server's authoritative row for one tunnel: it exists
// only while both endpoints' control channels are open (invariant 2).
type TunnelSession struct {
	ID         string
	Agent      *Channel
	AgentID    string
	Controller *Channel
	RemoteHost string
	RemotePort int
	State      string
}

// SessionManager maps SessionId to TunnelSession. IDs are never reused
// within the server's uptime (invariant 4): they are minted from uuid.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*TunnelSession
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*TunnelSession)}
}

// Create mints a new pending TunnelSession for a controller's connect
// request against the given agent.
func (m *SessionManager) Create(agent *Channel, agentID, remoteHost string, remotePort int, controller *Channel) *TunnelSession {
	s := &TunnelSession{
		ID:         uuid.NewString(),
		Agent:      agent,
		AgentID:    agentID,
		Controller: controller,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
		State:      statePending,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get returns the session for id, if it still exists.
func (m *SessionManager) Get(id string) (*TunnelSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// MarkReady transitions a session from pending to ready.
func (m *SessionManager) MarkReady(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.State = stateReady
	}
}

// Remove deletes a session unconditionally. Removing a session that is
// already gone is a no-op, giving tunnel_close idempotence (testable
// property 3).
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// RemoveByChannel removes and returns every session referencing ch on
// either side, for channel-disconnect cleanup (§4.2.7).
func (m *SessionManager) RemoveByChannel(ch *Channel) []*TunnelSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []*TunnelSession
	for id, s := range m.sessions {
		if s.Agent == ch || s.Controller == ch {
			removed = append(removed, s)
			delete(m.sessions, id)
		}
	}
	return removed
}
