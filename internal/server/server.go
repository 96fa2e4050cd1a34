// Package server implements the relay: the agent registry and tunnel
// session manager described in spec §4.2, reachable over a single
// websocket control-channel endpoint plus a read-only inspection endpoint.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/manhpham90vn/tunnel/internal/protocol"
)

// Server is the relay process: it accepts control channels from endpoints
// and dispatches every inbound message based on session routing.
type Server struct {
	cfg      *Config
	registry *Registry
	sessions *SessionManager
	upgrader websocket.Upgrader
}

// NewServer creates a relay server from cfg.
func NewServer(cfg *Config) *Server {
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		sessions: NewSessionManager(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the relay's HTTP listener and blocks until it exits.
func (s *Server) Run() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Tunnel.Path, s.handleWS)
	mux.HandleFunc("/api/agents", s.handleAgents)

	slog.Info("relay server starting", "addr", s.cfg.Listen.Addr, "tls", s.cfg.TLS.Enabled)

	if s.cfg.TLS.Enabled {
		return http.ListenAndServeTLS(s.cfg.Listen.Addr, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile, mux)
	}
	return http.ListenAndServe(s.cfg.Listen.Addr, mux)
}

// handleWS upgrades a control-channel connection and hands it to a Channel.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if secret := s.cfg.Auth.SharedSecret; secret != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("X-Auth-Token")
		}
		if err := ValidateToken(secret, token); err != nil {
			slog.Warn("channel auth failed", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "err", err)
		return
	}

	slog.Info("channel connected", "remote", r.RemoteAddr)
	newChannel(s, conn, r.RemoteAddr)
}

// handleAgents serves the read-only list of currently registered agent IDs.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.registry.List())
}

// dispatch routes one inbound message from ch per §4.2.
func (s *Server) dispatch(ch *Channel, m *protocol.Message) {
	switch m.Type {
	case protocol.TypeRegister:
		s.handleRegister(ch, m)
	case protocol.TypeConnect:
		s.handleConnect(ch, m)
	case protocol.TypeTunnelAccept:
		s.handleTunnelAccept(ch, m)
	case protocol.TypeTunnelClose:
		s.handleTunnelClose(ch, m)
	case protocol.TypeStreamOpen, protocol.TypeStreamClose:
		s.forwardToPeer(ch, m)
	case protocol.TypeData:
		s.forwardData(ch, m)
	case protocol.TypePing:
		ch.send(&protocol.Message{Type: protocol.TypePong})
	case protocol.TypePong:
		if id := ch.AgentID(); id != "" {
			s.registry.Touch(id)
		}
	default:
		slog.Warn("unknown message type", "type", m.Type, "remote", ch.remoteAddr)
	}
}

func (s *Server) handleRegister(ch *Channel, m *protocol.Message) {
	if m.AgentID == "" {
		ch.send(protocol.Error("register requires a non-empty agent_id"))
		return
	}
	ch.setAgentID(m.AgentID)
	if evicted := s.registry.Register(m.AgentID, ch); evicted != nil {
		slog.Info("agent displaced by new registration", "agent_id", m.AgentID)
		evicted.Close()
	}
	slog.Info("agent registered", "agent_id", m.AgentID)
	ch.send(&protocol.Message{Type: protocol.TypeRegisterOK})
}

func (s *Server) handleConnect(ch *Channel, m *protocol.Message) {
	agentSession, ok := s.registry.Get(m.TargetID)
	if !ok {
		ch.send(protocol.Error("agent not found: %s", m.TargetID))
		return
	}

	session := s.sessions.Create(agentSession.Channel, m.TargetID, m.RemoteHost, m.RemotePort, ch)
	slog.Info("tunnel requested", "session_id", session.ID, "target", m.TargetID,
		"remote_host", m.RemoteHost, "remote_port", m.RemotePort)

	agentSession.Channel.send(&protocol.Message{
		Type:       protocol.TypeTunnelRequest,
		SessionID:  session.ID,
		RemoteHost: m.RemoteHost,
		RemotePort: m.RemotePort,
	})
}

func (s *Server) handleTunnelAccept(ch *Channel, m *protocol.Message) {
	session, ok := s.sessions.Get(m.SessionID)
	if !ok {
		ch.send(protocol.Error("unknown session: %s", m.SessionID))
		return
	}
	if session.Agent != ch {
		ch.send(protocol.Error("tunnel_accept from non-owning agent for session %s", m.SessionID))
		return
	}

	s.sessions.MarkReady(m.SessionID)
	slog.Info("tunnel ready", "session_id", session.ID)
	session.Controller.send(&protocol.Message{
		Type:       protocol.TypeTunnelReady,
		SessionID:  session.ID,
		RemoteHost: session.RemoteHost,
		RemotePort: session.RemotePort,
	})
}

func (s *Server) handleTunnelClose(ch *Channel, m *protocol.Message) {
	session, ok := s.sessions.Get(m.SessionID)
	if !ok {
		// idempotent: a second tunnel_close for an already-gone session is a no-op.
		return
	}
	s.sessions.Remove(m.SessionID)

	peer := session.Agent
	if session.Agent == ch {
		peer = session.Controller
	}
	if peer != nil && peer != ch {
		peer.send(&protocol.Message{Type: protocol.TypeTunnelClose, SessionID: session.ID})
	}
}

// forwardToPeer relays stream_open/stream_close verbatim to the other
// party of the session, chosen by matching the sender against the
// session's recorded agent/controller channel.
func (s *Server) forwardToPeer(ch *Channel, m *protocol.Message) {
	session, ok := s.sessions.Get(m.SessionID)
	if !ok {
		ch.send(protocol.Error("unknown session: %s", m.SessionID))
		return
	}
	peer := session.Agent
	if session.Agent == ch {
		peer = session.Controller
	}
	if peer == nil {
		return
	}
	peer.send(m)
}

// forwardData relays a data frame away from the party named by its Role
// field (the origin of the bytes): controller data goes to the agent, agent
// data to the controller, regardless of which channel sent it (§4.1, §9's
// Role note).
func (s *Server) forwardData(ch *Channel, m *protocol.Message) {
	session, ok := s.sessions.Get(m.SessionID)
	if !ok {
		ch.send(protocol.Error("unknown session: %s", m.SessionID))
		return
	}
	var dest *Channel
	switch m.Role {
	case protocol.RoleController:
		dest = session.Agent
	case protocol.RoleAgent:
		dest = session.Controller
	default:
		ch.send(protocol.Error("data frame missing role for session %s", m.SessionID))
		return
	}
	if dest == nil {
		return
	}
	dest.send(m)
}
