package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manhpham90vn/tunnel/internal/protocol"
)

// linkOutboundQueueSize bounds the endpoint's own writer queue, mirroring
// the relay's bounded per-channel queue.
const linkOutboundQueueSize = 256

// link is one connected generation of the control channel: the dialled
// websocket plus its reader, writer, and heartbeat tasks (§4.3 "connected"
// state). A new link is created for every reconnect.
type link struct {
	ep    *Endpoint
	conn  *websocket.Conn
	codec *protocol.Codec

	sendCh chan *protocol.Message
	done   chan struct{}
	once   sync.Once

	misses atomic.Int32
}

func newLink(ep *Endpoint, conn *websocket.Conn) *link {
	return &link{
		ep:     ep,
		conn:   conn,
		codec:  protocol.NewCodec(conn),
		sendCh: make(chan *protocol.Message, linkOutboundQueueSize),
		done:   make(chan struct{}),
	}
}

func (l *link) send(m *protocol.Message) {
	select {
	case l.sendCh <- m:
	case <-l.done:
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.codec.Close()
	})
}

// register sends register and blocks for register_ok or error, bounded by
// timeout (the "registering" state of §4.3).
func (l *link) register(agentID string, timeout time.Duration) error {
	if err := l.codec.WriteMessage(&protocol.Message{Type: protocol.TypeRegister, AgentID: agentID}); err != nil {
		return fmt.Errorf("sending register: %w", err)
	}
	l.conn.SetReadDeadline(time.Now().Add(timeout))
	defer l.conn.SetReadDeadline(time.Time{})

	m, err := l.codec.ReadMessage()
	if err != nil {
		return fmt.Errorf("awaiting register_ok: %w", err)
	}
	switch m.Type {
	case protocol.TypeRegisterOK:
		return nil
	case protocol.TypeError:
		return fmt.Errorf("registration rejected: %s", m.Message)
	default:
		return fmt.Errorf("unexpected message while registering: %s", m.Type)
	}
}

// run starts the reader, writer, and heartbeat tasks and blocks until the
// link closes, returning the reason.
func (l *link) run(ctx context.Context, heartbeatInterval time.Duration, heartbeatMisses int) error {
	errCh := make(chan error, 1)
	go l.writeLoop()
	go l.heartbeatLoop(heartbeatInterval, heartbeatMisses)
	go func() { errCh <- l.readLoop() }()

	select {
	case err := <-errCh:
		l.close()
		return err
	case <-ctx.Done():
		l.close()
		return ctx.Err()
	case <-l.done:
		return fmt.Errorf("link closed")
	}
}

func (l *link) writeLoop() {
	for {
		select {
		case m := <-l.sendCh:
			if err := l.codec.WriteMessage(m); err != nil {
				slog.Warn("endpoint write failed", "err", err)
				l.close()
				return
			}
		case <-l.done:
			return
		}
	}
}

func (l *link) heartbeatLoop(interval time.Duration, missLimit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if int(l.misses.Add(1)) > missLimit {
				slog.Warn("heartbeat missed too many times, closing link", "misses", l.misses.Load())
				l.close()
				return
			}
			l.send(&protocol.Message{Type: protocol.TypePing})
		case <-l.done:
			return
		}
	}
}

func (l *link) readLoop() error {
	for {
		m, err := l.codec.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
				return nil
			default:
				return fmt.Errorf("reading message: %w", err)
			}
		}

		switch m.Type {
		case protocol.TypePing:
			l.send(&protocol.Message{Type: protocol.TypePong})
		case protocol.TypePong:
			l.misses.Store(0)
		default:
			l.ep.dispatch(l, m)
		}
	}
}
