package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 << 10
	sendQueueSize  = 64
)

// Client wraps one gorilla socket: a buffered send queue drained by the
// write pump, so broadcasts never block on a slow consumer.
type Client struct {
	id   string
	conn *websocket.Conn

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
}

// Enqueue pushes a frame for the write pump. Full queue drops the frame;
// the transport layer owns any deeper backpressure.
func (c *Client) Enqueue(b []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		log.Warn().Str("conn", c.id).Msg("send queue full, dropping frame")
		return false
	}
}

// Ping writes a transport-level ping control frame.
func (c *Client) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Terminate sends a close frame with the given code and reason, then tears
// the socket down. Safe to call more than once.
func (c *Client) Terminate(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			log.Debug().Err(err).Str("conn", c.id).Msg("write close frame")
		}
		_ = c.conn.Close()
	})
}

// Open reports whether the client can still accept frames.
func (c *Client) Open() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// writePump drains the send queue onto the wire. One goroutine per client;
// exits when the client terminates.
func (c *Client) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Terminate(websocket.CloseAbnormalClosure, "write deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Terminate(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}
