// Package endpoint implements the combined agent+controller process: the
// control-channel state machine, the TCP↔stream bridge, and the small
// public surface a UI/CLI shim drives (§4.3, §4.4, §6).
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/manhpham90vn/tunnel/internal/endpoint/store"
	"github.com/manhpham90vn/tunnel/internal/protocol"
	"github.com/manhpham90vn/tunnel/internal/server"
)

// ErrNotConnected is returned by operations that require an active control
// channel when none is currently established.
var ErrNotConnected = errors.New("not connected to relay")

// AgentInfo is the snapshot returned by GetAgentInfo.
type AgentInfo struct {
	AgentID   string
	Connected bool
	ServerURL string
}

// pendingConnect tracks a controller-issued connect awaiting its
// tunnel_ready, matched on arrival by remote target (the wire protocol
// carries no client-side correlation token, per §4.1).
type pendingConnect struct {
	remoteHost string
	remotePort int
	localPort  int
}

// Endpoint is the combined agent+controller process driving one control
// channel to the relay.
type Endpoint struct {
	store *store.Store
	dialer *ProxyDialer

	tunnels *tunnelTable
	events  *Events

	mu       sync.Mutex
	cfg      Config
	curLink  *link
	pending  []*pendingConnect
}

// New creates an endpoint from cfg. If cfg.Proxy.URL is set, the control
// channel is dialled through that proxy.
func New(cfg Config, st *store.Store) (*Endpoint, error) {
	ep := &Endpoint{
		store:   st,
		cfg:     cfg,
		tunnels: newTunnelTable(),
		events:  newEvents(),
	}
	if cfg.Proxy.URL != "" {
		d, err := NewProxyDialer(cfg.Proxy.URL, cfg.Proxy.HealthTimeout)
		if err != nil {
			return nil, err
		}
		ep.dialer = d
	}
	return ep, nil
}

// Events returns the endpoint's notification channels for a UI/CLI to consume.
func (ep *Endpoint) Events() *Events { return ep.events }

// Run drives the control-channel state machine of §4.3 until ctx is
// cancelled: dial, register, run the connected link, tear down, wait the
// fixed reconnect delay, repeat.
func (ep *Endpoint) Run(ctx context.Context) error {
	var stopHealthCheck func()
	defer func() {
		if stopHealthCheck != nil {
			stopHealthCheck()
		}
	}()

	for {
		l, err := ep.dialAndRegister(ctx)
		if err != nil {
			slog.Warn("connecting to relay failed", "err", err)
			ep.events.emitServerError(err.Error())
			if !ep.sleep(ctx, ep.cfg.ReconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		ep.setLink(l)
		ep.events.emitConnectionStatus(true)
		slog.Info("connected to relay", "agent_id", ep.cfg.AgentID)

		if ep.dialer != nil && ep.cfg.Proxy.RecheckInterval > 0 {
			checker := NewHealthChecker(ep.dialer, httpBaseURL(ep.RelayURL()), ep.cfg.Proxy.HealthTimeout)
			var failed <-chan error
			stopHealthCheck, failed = StartPeriodicCheck(checker, ep.cfg.Proxy.RecheckInterval)
			go func(l *link, failed <-chan error) {
				select {
				case err := <-failed:
					slog.Error("proxy health check failed, closing link", "err", err)
					l.close()
				case <-l.done:
				}
			}(l, failed)
		}

		runErr := l.run(ctx, ep.cfg.HeartbeatInterval, ep.cfg.HeartbeatMisses)
		if stopHealthCheck != nil {
			stopHealthCheck()
			stopHealthCheck = nil
		}

		ep.setLink(nil)
		ep.events.emitConnectionStatus(false)
		ep.teardownAllTunnels()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("disconnected from relay, reconnecting", "err", runErr, "delay", ep.cfg.ReconnectDelay)
		if !ep.sleep(ctx, ep.cfg.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

func (ep *Endpoint) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (ep *Endpoint) dialAndRegister(ctx context.Context) (*link, error) {
	wsDialer := websocket.Dialer{HandshakeTimeout: ep.cfg.DialTimeout}
	if ep.dialer != nil {
		wsDialer.NetDialContext = ep.dialer.DialContext
	}

	dialCtx, cancel := context.WithTimeout(ctx, ep.cfg.DialTimeout)
	defer cancel()

	url := ep.RelayURL()
	if secret := ep.authSecret(); secret != "" {
		url += "?token=" + server.GenerateToken(secret)
	}

	conn, _, err := wsDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialling relay: %w", err)
	}

	l := newLink(ep, conn)
	if err := l.register(ep.cfg.AgentID, ep.cfg.DialTimeout); err != nil {
		l.close()
		return nil, err
	}
	return l, nil
}

func (ep *Endpoint) setLink(l *link) {
	ep.mu.Lock()
	ep.curLink = l
	ep.mu.Unlock()
}

func (ep *Endpoint) activeLink() (*link, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.curLink, ep.curLink != nil
}

// RelayURL returns the current dial target.
func (ep *Endpoint) RelayURL() string {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.cfg.RelayURL
}

// authSecret returns the configured relay access-gate secret, if any.
func (ep *Endpoint) authSecret() string {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.cfg.Auth.SharedSecret
}

// teardownAllTunnels fires a local tunnel_close for every tunnel on the
// channel that just closed (§4.3 "closing" state entry action).
func (ep *Endpoint) teardownAllTunnels() {
	for _, tun := range ep.tunnels.removeAll() {
		ep.closeTunnel(tun)
	}
	ep.events.emitTunnelsUpdated()
}

func (ep *Endpoint) closeTunnel(tun *Tunnel) {
	for _, s := range tun.allStreams() {
		s.close()
	}
	if tun.listener != nil {
		tun.listener.Close()
	}
}

// dispatch handles one inbound message that isn't a bare ping/pong (§4.3
// "Message dispatch from reader").
func (ep *Endpoint) dispatch(l *link, m *protocol.Message) {
	switch m.Type {
	case protocol.TypeTunnelRequest:
		ep.handleTunnelRequest(l, m)
	case protocol.TypeTunnelReady:
		ep.handleTunnelReady(l, m)
	case protocol.TypeStreamOpen:
		ep.handleStreamOpen(l, m)
	case protocol.TypeData:
		ep.handleData(m)
	case protocol.TypeStreamClose:
		ep.handleStreamClose(m)
	case protocol.TypeTunnelClose:
		ep.handleTunnelClose(m)
	case protocol.TypeError:
		slog.Warn("server error", "message", m.Message)
		ep.events.emitServerError(m.Message)
	default:
		slog.Warn("unknown message type from relay", "type", m.Type)
	}
}

func (ep *Endpoint) handleTunnelRequest(l *link, m *protocol.Message) {
	tun := &Tunnel{
		SessionID:  m.SessionID,
		Role:       RoleIncoming,
		RemoteHost: m.RemoteHost,
		RemotePort: m.RemotePort,
		Status:     StatusConnecting,
	}
	ep.tunnels.add(tun)
	l.send(&protocol.Message{Type: protocol.TypeTunnelAccept, SessionID: m.SessionID})
	ep.tunnels.setStatus(m.SessionID, StatusActive)
	ep.events.emitTunnelsUpdated()
	slog.Info("tunnel accepted", "session_id", m.SessionID, "remote", fmt.Sprintf("%s:%d", m.RemoteHost, m.RemotePort))
}

func (ep *Endpoint) handleTunnelReady(l *link, m *protocol.Message) {
	pc := ep.popPending(m.RemoteHost, m.RemotePort)
	tun := &Tunnel{
		SessionID: m.SessionID,
		Role:      RoleOutgoing,
		Status:    StatusConnecting,
	}
	if pc != nil {
		tun.RemoteHost = pc.remoteHost
		tun.RemotePort = pc.remotePort
		tun.LocalPort = pc.localPort
	}
	ep.tunnels.add(tun)

	if err := ep.startListener(tun, l); err != nil {
		slog.Error("binding local listener failed", "session_id", m.SessionID, "err", err)
		ep.tunnels.setStatus(m.SessionID, StatusError)
		ep.events.emitServerError(err.Error())
		ep.events.emitTunnelsUpdated()
		return
	}
	ep.tunnels.setStatus(m.SessionID, StatusActive)
	ep.events.emitTunnelsUpdated()
	slog.Info("tunnel ready", "session_id", m.SessionID, "local_port", tun.LocalPort)
}

// popPending is matched by remote target since tunnel_ready carries no
// request-correlation token on the wire (§4.1 design note).
func (ep *Endpoint) popPending(remoteHost string, remotePort int) *pendingConnect {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for i, pc := range ep.pending {
		if pc.remoteHost == remoteHost && pc.remotePort == remotePort {
			ep.pending = append(ep.pending[:i], ep.pending[i+1:]...)
			return pc
		}
	}
	return nil
}

func (ep *Endpoint) handleStreamOpen(l *link, m *protocol.Message) {
	tun, ok := ep.tunnels.get(m.SessionID)
	if !ok {
		l.send(&protocol.Message{Type: protocol.TypeStreamClose, SessionID: m.SessionID, StreamID: m.StreamID})
		return
	}
	ep.dialAndBridge(tun, l, m.StreamID)
}

func (ep *Endpoint) handleData(m *protocol.Message) {
	tun, ok := ep.tunnels.get(m.SessionID)
	if !ok {
		return
	}
	writeToSocket(tun, m)
}

func (ep *Endpoint) handleStreamClose(m *protocol.Message) {
	tun, ok := ep.tunnels.get(m.SessionID)
	if !ok {
		return
	}
	tun.removeStream(m.StreamID)
}

func (ep *Endpoint) handleTunnelClose(m *protocol.Message) {
	tun, ok := ep.tunnels.remove(m.SessionID)
	if !ok {
		return
	}
	ep.closeTunnel(tun)
	ep.events.emitTunnelsUpdated()
	slog.Info("tunnel closed by peer", "session_id", m.SessionID)
}

// --- public surface (§4.3, §6) ---

// GetAgentInfo returns this endpoint's identity and connection state.
func (ep *Endpoint) GetAgentInfo() AgentInfo {
	_, connected := ep.activeLink()
	return AgentInfo{AgentID: ep.cfg.AgentID, Connected: connected, ServerURL: ep.RelayURL()}
}

// SetServerURL updates the dial target, persisting it; the change takes
// effect on the next reconnect.
func (ep *Endpoint) SetServerURL(url string) error {
	ep.mu.Lock()
	ep.cfg.RelayURL = url
	ep.mu.Unlock()

	st, err := ep.store.Load()
	if err != nil {
		return err
	}
	st.ServerURL = url
	return ep.store.Save(st)
}

// ConnectToAgent requests a tunnel to targetID's remoteHost:remotePort,
// to be exposed locally on localPort once ready. Returns once the connect
// message is sent; binding is deferred until tunnel_ready arrives.
func (ep *Endpoint) ConnectToAgent(targetID, remoteHost string, remotePort, localPort int) error {
	l, ok := ep.activeLink()
	if !ok {
		return ErrNotConnected
	}

	ep.mu.Lock()
	ep.pending = append(ep.pending, &pendingConnect{remoteHost: remoteHost, remotePort: remotePort, localPort: localPort})
	ep.mu.Unlock()

	l.send(&protocol.Message{
		Type:       protocol.TypeConnect,
		TargetID:   targetID,
		RemoteHost: remoteHost,
		RemotePort: remotePort,
	})
	return nil
}

// DisconnectTunnel requests the relay tear down sessionID and drops it
// locally immediately.
func (ep *Endpoint) DisconnectTunnel(sessionID string) error {
	l, ok := ep.activeLink()
	if !ok {
		return ErrNotConnected
	}
	l.send(&protocol.Message{Type: protocol.TypeTunnelClose, SessionID: sessionID})

	if tun, ok := ep.tunnels.remove(sessionID); ok {
		ep.closeTunnel(tun)
		ep.events.emitTunnelsUpdated()
	}
	return nil
}

// GetTunnels returns a snapshot of the endpoint's current tunnels.
func (ep *Endpoint) GetTunnels() []TunnelInfo {
	return ep.tunnels.snapshot()
}

// newStreamID is exposed for tests that need a fresh opaque identifier in
// the same format the listener acceptor mints.
func newStreamID() string { return uuid.NewString() }

func httpBaseURL(relayWS string) string {
	// ws(s)://host:port/ws -> http(s)://host:port
	switch {
	case len(relayWS) > 5 && relayWS[:5] == "wss:/":
		return "https:/" + trimPath(relayWS[5:])
	case len(relayWS) > 4 && relayWS[:4] == "ws:/":
		return "http:/" + trimPath(relayWS[4:])
	default:
		return relayWS
	}
}

func trimPath(hostAndPath string) string {
	for i, c := range hostAndPath {
		if c == '/' && i > 1 {
			return hostAndPath[:i]
		}
	}
	return hostAndPath
}
