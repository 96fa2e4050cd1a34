package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Codec handles reading and writing JSON-framed messages over a single
// websocket text-frame connection.
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewCodec wraps a websocket connection with message encoding/decoding.
func NewCodec(conn *websocket.Conn) *Codec {
	return &Codec{conn: conn}
}

// WriteMessage serialises and sends a message as a single websocket text frame.
func (c *Codec) WriteMessage(m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadMessage reads and deserialises the next message from the websocket.
// A malformed JSON body is a protocol error and should cause the caller to
// drop the channel, per §4.1.
func (c *Codec) ReadMessage() (*Message, error) {
	wsType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading websocket frame: %w", err)
	}
	if wsType != websocket.TextMessage {
		return nil, fmt.Errorf("unexpected websocket frame type: %d", wsType)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &m, nil
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
