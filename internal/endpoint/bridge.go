package endpoint

import (
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"github.com/manhpham90vn/tunnel/internal/protocol"
)

// startListener binds the controller-side local port once tunnel_ready
// arrives and accepts local TCP connections for the tunnel's lifetime,
// each becoming a new multiplexed stream (§4.4 controller listener side).
func (ep *Endpoint) startListener(tun *Tunnel, l *link) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", tun.LocalPort))
	if err != nil {
		return fmt.Errorf("binding local port %d: %w", tun.LocalPort, err)
	}
	tun.listener = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			streamID := uuid.NewString()
			tun.addStream(streamID, conn)
			l.send(&protocol.Message{Type: protocol.TypeStreamOpen, SessionID: tun.SessionID, StreamID: streamID})
			go ep.readFromSocket(tun, l, streamID, conn, protocol.RoleController)
		}
	}()
	return nil
}

// dialAndBridge is the agent-side response to an inbound stream_open: dial
// the tunnel's remote target and start bridging (§4.4 agent peer side).
func (ep *Endpoint) dialAndBridge(tun *Tunnel, l *link, streamID string) {
	dialer := net.Dialer{Timeout: ep.cfg.DialTimeout}
	conn, err := dialer.Dial("tcp", fmt.Sprintf("%s:%d", tun.RemoteHost, tun.RemotePort))
	if err != nil {
		slog.Warn("dial to remote failed", "session_id", tun.SessionID, "stream_id", streamID, "err", err)
		l.send(&protocol.Message{Type: protocol.TypeStreamClose, SessionID: tun.SessionID, StreamID: streamID})
		return
	}
	tun.addStream(streamID, conn)
	go ep.readFromSocket(tun, l, streamID, conn, protocol.RoleAgent)
}

// readFromSocket is the bridge task's read loop: bytes read from the local
// TCP socket become data frames tagged with this endpoint's role, in order.
func (ep *Endpoint) readFromSocket(tun *Tunnel, l *link, streamID string, conn net.Conn, role protocol.Role) {
	buf := make([]byte, protocol.MaxPayloadSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := base64.StdEncoding.EncodeToString(buf[:n])
			l.send(&protocol.Message{
				Type:      protocol.TypeData,
				SessionID: tun.SessionID,
				StreamID:  streamID,
				Role:      role,
				Payload:   payload,
			})
		}
		if err != nil {
			tun.removeStream(streamID)
			if err != io.EOF {
				slog.Debug("stream read ended", "session_id", tun.SessionID, "stream_id", streamID, "err", err)
			}
			l.send(&protocol.Message{Type: protocol.TypeStreamClose, SessionID: tun.SessionID, StreamID: streamID})
			return
		}
	}
}

// writeToSocket decodes an incoming data frame's payload and writes it to
// the matching local socket; the write half is always driven synchronously
// by the control channel reader, per §4.4.
func writeToSocket(tun *Tunnel, m *protocol.Message) {
	s, ok := tun.getStream(m.StreamID)
	if !ok {
		return
	}
	data, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		slog.Warn("dropping data frame with invalid base64 payload", "session_id", tun.SessionID, "stream_id", m.StreamID)
		return
	}
	if _, err := s.conn.Write(data); err != nil {
		tun.removeStream(m.StreamID)
	}
}
