package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ensemblelabs/ensemble-core/internal/protocol"
)

const writeTimeout = 10 * time.Second

// Conn wraps a websocket connection as the client message channel: JSON
// envelopes for control and metadata, binary frames for raw PCM. Writes
// are serialized; reads happen from the session's read loop only.
type Conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex
}

func NewConn(ws *websocket.Conn, log *slog.Logger) *Conn {
	return &Conn{ws: ws, log: log.With(slog.String("component", "transport"))}
}

// SendEvent marshals data into an envelope and writes it as one text frame.
func (c *Conn) SendEvent(_ context.Context, msgType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	frame, err := json.Marshal(protocol.Envelope{Type: msgType, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

// SendBinary writes one raw binary frame.
func (c *Conn) SendBinary(_ context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("send binary frame: %w", err)
	}
	return nil
}

// Frame is one inbound client frame: either a parsed envelope or raw PCM.
type Frame struct {
	Envelope *protocol.Envelope
	Binary   []byte
}

// ReadFrame blocks for the next client frame. A normal close surfaces as
// an error like any other; the session treats every read failure as
// disconnect.
func (c *Conn) ReadFrame() (Frame, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		switch messageType {
		case websocket.TextMessage:
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.log.Warn("dropping malformed client message", slog.String("error", err.Error()))
				continue
			}
			return Frame{Envelope: &env}, nil
		case websocket.BinaryMessage:
			return Frame{Binary: data}, nil
		default:
			continue
		}
	}
}

// Close sends a close frame and tears the connection down.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(2*time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
