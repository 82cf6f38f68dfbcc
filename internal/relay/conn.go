package relay

import (
	"sync/atomic"

	"github.com/coder/websocket"
)

// conn is one member of the active set.
type conn struct {
	// id is unique per connection and only used for logging.
	id string
	// userID is the unvalidated tag taken from the connect request.
	userID string
	ws     *websocket.Conn
	// send is the outbound queue drained by writePump. Only the Run loop
	// writes to or closes it.
	send chan []byte
	// open is cleared as soon as either pump sees the transport fail, so
	// fan-out can skip the connection before it is unregistered.
	open atomic.Bool

	// Written by the Run loop before send is closed.
	closeCode   websocket.StatusCode
	closeReason string
}

func newConn(id, userID string, ws *websocket.Conn, buffer int) *conn {
	c := &conn{
		id:          id,
		userID:      userID,
		ws:          ws,
		send:        make(chan []byte, buffer),
		closeCode:   websocket.StatusNormalClosure,
		closeReason: "Server-side cleanup",
	}
	c.open.Store(true)
	return c
}

// enqueue offers payload to the outbound queue without blocking.
func (c *conn) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// release marks the connection closed and stops its writePump, which then
// closes the transport with the given status.
func (c *conn) release(code websocket.StatusCode, reason string) {
	c.open.Store(false)
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}
