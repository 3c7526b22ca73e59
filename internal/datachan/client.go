// Package datachan implements the per-terminal binary WebSocket client: one
// connection carrying a terminal's PTY input/output plus its resize,
// pause/resume, and snapshot control messages.
package datachan

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/saurabhdas/pair-claudeing/internal/wire"
)

const queueCapacity = 64

// Client is one terminal's data channel. The handshake frame is guaranteed
// to be the first bytes written on the underlying socket.
type Client struct {
	outbound chan wire.AgentFrame
	inbound  chan wire.RelayFrame

	done     chan struct{} // closed once the link is gone, either side
	doneOnce sync.Once

	stop     chan struct{} // closed by Close() to request a graceful shutdown
	stopOnce sync.Once
}

// Dial opens a new data-channel WebSocket to url, sends handshake as the
// first binary frame, and starts the outbound/inbound halves. If token is
// non-empty it is sent as a bearer token on the upgrade request.
func Dial(ctx context.Context, url, token string, handshake wire.HandshakeFrame) (*Client, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Write(ctx, websocket.MessageBinary, handshake.Encode()); err != nil {
		conn.CloseNow()
		return nil, err
	}

	c := &Client{
		outbound: make(chan wire.AgentFrame, queueCapacity),
		inbound:  make(chan wire.RelayFrame, queueCapacity),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	go c.outboundLoop(conn)
	go c.inboundLoop(conn)
	return c, nil
}

// Send enqueues a frame for the relay. It returns false if the link is
// already gone or Close has been called, instead of blocking forever.
func (c *Client) Send(f wire.AgentFrame) bool {
	select {
	case c.outbound <- f:
		return true
	case <-c.done:
		return false
	case <-c.stop:
		return false
	}
}

// Inbound returns the stream of decoded relay→agent frames. It is closed
// when the relay disconnects.
func (c *Client) Inbound() <-chan wire.RelayFrame { return c.inbound }

// Done is closed once the link is gone, signalling "relay disconnected" to
// the owner regardless of which side initiated the close.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close asks the outbound half to send a normal close frame and stop. Safe
// to call more than once.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) outboundLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		select {
		case f := <-c.outbound:
			if err := conn.Write(ctx, websocket.MessageBinary, f.Encode()); err != nil {
				log.Debug().Err(err).Msg("datachan: write failed")
				c.markDone()
				return
			}
		case <-c.stop:
			conn.Close(websocket.StatusNormalClosure, "client shutdown")
			c.markDone()
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) inboundLoop(conn *websocket.Conn) {
	defer close(c.inbound)
	defer c.markDone()

	ctx := context.Background()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		// Binary frames are the normal path. Text frames are tolerated and
		// decoded through the same codec for backward compatibility with
		// relay builds that echo control bytes as text frames; ambiguous
		// but harmless since both directions share the same tag-byte space.
		if typ != websocket.MessageBinary && typ != websocket.MessageText {
			continue
		}
		frame, err := wire.DecodeRelayFrame(data)
		if err != nil {
			log.Warn().Err(err).Msg("datachan: dropping malformed frame")
			continue
		}
		select {
		case c.inbound <- frame:
		case <-c.stop:
			return
		case <-c.done:
			return
		}
	}
}
