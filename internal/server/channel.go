package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manhpham90vn/tunnel/internal/protocol"
)

// outboundQueueSize bounds the per-channel writer queue (§9 open question on
// unbounded server-side growth toward a slow agent): a full queue blocks the
// sender's dispatch path rather than growing memory without limit.
const outboundQueueSize = 256

// Channel is one endpoint's duplex control connection on the server side:
// one reader task, one writer task draining a bounded outbound queue, as
// specified in §5. A Channel may be anonymous (controller-only, no
// register yet) or own an AgentID once registered.
type Channel struct {
	srv  *Server
	conn *websocket.Conn
	codec *protocol.Codec

	remoteAddr string

	mu      sync.Mutex
	agentID string

	sendCh    chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(srv *Server, conn *websocket.Conn, remoteAddr string) *Channel {
	c := &Channel{
		srv:        srv,
		conn:       conn,
		codec:      protocol.NewCodec(conn),
		remoteAddr: remoteAddr,
		sendCh:     make(chan *protocol.Message, outboundQueueSize),
		done:       make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// AgentID returns the agent ID this channel registered under, or "" if
// still anonymous.
func (c *Channel) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

func (c *Channel) setAgentID(id string) {
	c.mu.Lock()
	c.agentID = id
	c.mu.Unlock()
}

// send enqueues m for delivery, blocking if the outbound queue is full
// (backpressure) until either a slot frees up or the channel closes.
func (c *Channel) send(m *protocol.Message) {
	select {
	case c.sendCh <- m:
	case <-c.done:
	}
}

// Close tears down the channel: the websocket, any registry row it owns,
// and every tunnel session it participates in, notifying surviving peers.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.codec.Close()

		if id := c.AgentID(); id != "" {
			c.srv.registry.Remove(id, c)
		}

		for _, s := range c.srv.sessions.RemoveByChannel(c) {
			peer := s.Agent
			if s.Agent == c {
				peer = s.Controller
			}
			if peer != nil && peer != c {
				peer.send(&protocol.Message{Type: protocol.TypeTunnelClose, SessionID: s.ID})
			}
		}

		slog.Info("channel closed", "remote", c.remoteAddr, "agent_id", c.AgentID())
	})
}

func (c *Channel) writeLoop() {
	for {
		select {
		case m := <-c.sendCh:
			if err := c.codec.WriteMessage(m); err != nil {
				slog.Warn("channel write failed", "remote", c.remoteAddr, "err", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Channel) readLoop() {
	defer c.Close()
	timeout := c.srv.cfg.Tunnel.HeartbeatTimeout
	for {
		if timeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(timeout))
		}
		m, err := c.codec.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				slog.Debug("channel read ended", "remote", c.remoteAddr, "err", err)
			}
			return
		}
		c.srv.dispatch(c, m)
	}
}
