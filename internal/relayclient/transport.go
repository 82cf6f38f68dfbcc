package relayclient

import (
	"context"

	"github.com/coder/websocket"

	"github.com/nfrund/communityrelay/internal/relay"
)

// DefaultReadLimit leaves room for the envelope around a payload of the
// relay's default inbound limit.
const DefaultReadLimit = 2 * relay.DefaultReadLimit

// Conn is the transport a Context drives. Implementations must allow Write
// and Close to be called while a Read is in progress.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Close() error
}

// Dialer opens a Conn to a relay URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials relays with coder/websocket.
type WebsocketDialer struct {
	Options *websocket.DialOptions
	// ReadLimit caps inbound frames. Zero means DefaultReadLimit.
	ReadLimit int64
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, d.Options)
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, payload, err := w.conn.Read(ctx)
	return payload, err
}

func (w *wsConn) Write(ctx context.Context, payload []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, payload)
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
