package server

import (
	"sync"
	"time"
)

// AgentSession is the registry's row for one connected, registered agent.
type AgentSession struct {
	AgentID  string
	Channel  *Channel
	lastSeen time.Time
}

// Registry maps agent IDs to their currently connected AgentSession. At
// most one AgentSession exists per AgentID at any instant (invariant 1):
// a second register for the same ID evicts the first.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentSession
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*AgentSession)}
}

// Register inserts ch under agentID, replacing any prior session for the
// same ID. It does not close the replaced channel; it returns it, if any, so
// the caller can close it and tear down its tunnels after the registry lock
// is released.
func (r *Registry) Register(agentID string, ch *Channel) (evicted *Channel) {
	r.mu.Lock()
	if old, ok := r.agents[agentID]; ok {
		evicted = old.Channel
	}
	r.agents[agentID] = &AgentSession{AgentID: agentID, Channel: ch, lastSeen: time.Now()}
	r.mu.Unlock()
	return evicted
}

// Get returns the AgentSession registered for agentID, if any.
func (r *Registry) Get(agentID string) (*AgentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.agents[agentID]
	return s, ok
}

// Remove deletes the registry row for agentID, but only if it still points
// at ch (a displaced session must not remove the session that replaced it).
func (r *Registry) Remove(agentID string, ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[agentID]; ok && existing.Channel == ch {
		delete(r.agents, agentID)
	}
}

// Touch refreshes the last-seen timestamp for agentID.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.agents[agentID]; ok {
		s.lastSeen = time.Now()
	}
}

// List returns the currently registered agent IDs, for /api/agents.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}
