package endpoint

import (
	"net"
	"sync"
)

// Role distinguishes which side of a tunnel this endpoint is playing.
type Role string

const (
	RoleOutgoing Role = "outgoing" // this endpoint is the controller: it issued connect
	RoleIncoming Role = "incoming" // this endpoint is the agent: it received tunnel_request
)

// Status is a tunnel's lifecycle stage on this endpoint.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive      Status = "active"
	StatusError       Status = "error"
)

// stream is one TCP-level connection multiplexed inside a tunnel.
type stream struct {
	conn      net.Conn
	closeOnce sync.Once
}

func (s *stream) close() {
	s.closeOnce.Do(func() { s.conn.Close() })
}

// Tunnel is the endpoint-side record for one tunnel session (§3).
type Tunnel struct {
	SessionID  string
	Role       Role
	RemoteHost string
	RemotePort int
	LocalPort  int // controller-role only
	Status     Status

	mu       sync.Mutex
	streams  map[string]*stream
	listener net.Listener // controller-role only, bound on tunnel_ready
}

// TunnelInfo is the read-only snapshot shape returned by GetTunnels.
type TunnelInfo struct {
	SessionID  string
	Role       Role
	RemoteHost string
	RemotePort int
	LocalPort  int
	Status     Status
}

// tunnelTable is the endpoint's single lock-protected map of active tunnels,
// shared by the channel reader, the public query path, and bridge tasks (§5).
type tunnelTable struct {
	mu      sync.Mutex
	tunnels map[string]*Tunnel
}

func newTunnelTable() *tunnelTable {
	return &tunnelTable{tunnels: make(map[string]*Tunnel)}
}

func (t *tunnelTable) add(tun *Tunnel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tun.streams = make(map[string]*stream)
	t.tunnels[tun.SessionID] = tun
}

func (t *tunnelTable) get(sessionID string) (*Tunnel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tun, ok := t.tunnels[sessionID]
	return tun, ok
}

// remove deletes a tunnel and returns it so the caller can tear down its
// streams and listener outside the table lock.
func (t *tunnelTable) remove(sessionID string) (*Tunnel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tun, ok := t.tunnels[sessionID]
	if ok {
		delete(t.tunnels, sessionID)
	}
	return tun, ok
}

func (t *tunnelTable) setStatus(sessionID string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tun, ok := t.tunnels[sessionID]; ok {
		tun.Status = status
	}
}

// snapshot returns the current tunnels for GetTunnels.
func (t *tunnelTable) snapshot() []TunnelInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	infos := make([]TunnelInfo, 0, len(t.tunnels))
	for _, tun := range t.tunnels {
		infos = append(infos, TunnelInfo{
			SessionID:  tun.SessionID,
			Role:       tun.Role,
			RemoteHost: tun.RemoteHost,
			RemotePort: tun.RemotePort,
			LocalPort:  tun.LocalPort,
			Status:     tun.Status,
		})
	}
	return infos
}

// removeAll drains the table, returning every tunnel it held, for channel
// teardown (§4.3 closing state).
func (t *tunnelTable) removeAll() []*Tunnel {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]*Tunnel, 0, len(t.tunnels))
	for id, tun := range t.tunnels {
		all = append(all, tun)
		delete(t.tunnels, id)
	}
	return all
}

// addStream registers a socket under (sessionID, streamID).
func (tun *Tunnel) addStream(streamID string, conn net.Conn) *stream {
	tun.mu.Lock()
	defer tun.mu.Unlock()
	s := &stream{conn: conn}
	tun.streams[streamID] = s
	return s
}

// getStream looks up a previously registered socket.
func (tun *Tunnel) getStream(streamID string) (*stream, bool) {
	tun.mu.Lock()
	defer tun.mu.Unlock()
	s, ok := tun.streams[streamID]
	return s, ok
}

// removeStream drops and closes the socket for streamID, if present.
func (tun *Tunnel) removeStream(streamID string) {
	tun.mu.Lock()
	s, ok := tun.streams[streamID]
	if ok {
		delete(tun.streams, streamID)
	}
	tun.mu.Unlock()
	if ok {
		s.close()
	}
}

// allStreams returns every registered stream, for tunnel teardown.
func (tun *Tunnel) allStreams() []*stream {
	tun.mu.Lock()
	defer tun.mu.Unlock()
	all := make([]*stream, 0, len(tun.streams))
	for _, s := range tun.streams {
		all = append(all, s)
	}
	return all
}
