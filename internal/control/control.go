// Package control implements the agent's single persistent control-channel
// connection: an authenticated JSON duplex link that receives terminal
// lifecycle commands from the relay and emits status notifications back.
//
// A Client is single-shot: it does not reconnect itself. Reconnection is
// owned by the caller, which should wrap Connect in its own backoff loop
// (see internal/reconnect) and rebuild a Client after each Disconnected
// event.
package control

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/saurabhdas/pair-claudeing/internal/wire"
)

const queueCapacity = 64

// Event is anything the control channel reports to its owner.
type Event interface {
	isEvent()
}

// StartTerminalEvent asks the owner to spawn a new terminal.
type StartTerminalEvent struct {
	Frame wire.StartTerminalFrame
}

// CloseTerminalEvent asks the owner to tear down a terminal.
type CloseTerminalEvent struct {
	Frame wire.CloseTerminalFrame
}

// DisconnectedEvent reports that the link ended. Clean is true iff a close
// frame was received rather than a raw socket error.
type DisconnectedEvent struct {
	CloseCode *int
	Clean     bool
}

func (StartTerminalEvent) isEvent() {}
func (CloseTerminalEvent) isEvent() {}
func (DisconnectedEvent) isEvent()  {}

// Client is one connected control channel.
type Client struct {
	outbound chan wire.ControlFrame
	events   chan Event

	done     chan struct{}
	doneOnce sync.Once

	stop     chan struct{}
	stopOnce sync.Once
}

// Connect dials the control channel, sends handshake as the first text
// frame, and starts the duplex actor. If token is non-empty it is sent as a
// bearer token on the upgrade request.
func Connect(ctx context.Context, url, token string, handshake wire.ControlHandshakeFrame) (*Client, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, err
	}

	body, err := wire.EncodeControlFrame(handshake)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("control: encode handshake: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, body); err != nil {
		conn.CloseNow()
		return nil, err
	}

	c := &Client{
		outbound: make(chan wire.ControlFrame, queueCapacity),
		events:   make(chan Event, queueCapacity),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	go c.outboundLoop(conn)
	go c.inboundLoop(conn)
	return c, nil
}

// Events returns the stream of lifecycle events. It is closed after the
// final DisconnectedEvent has been delivered.
func (c *Client) Events() <-chan Event { return c.events }

// Send enqueues a command frame (TerminalStarted, TerminalClosed). It
// returns false if the link is already gone or Shutdown has been called.
func (c *Client) Send(f wire.ControlFrame) bool {
	select {
	case c.outbound <- f:
		return true
	case <-c.done:
		return false
	case <-c.stop:
		return false
	}
}

// Shutdown sends a normal close frame with reason "client shutdown" and
// ends the actor. Safe to call more than once.
func (c *Client) Shutdown() {
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
			body, err := wire.EncodeControlFrame(f)
			if err != nil {
				log.Warn().Err(err).Msg("control: dropping unencodable frame")
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, body); err != nil {
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
	defer c.markDone()
	defer close(c.events)

	ctx := context.Background()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.emit(disconnectedFrom(err))
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		frame, err := wire.DecodeControlFrame(data)
		if err != nil {
			log.Warn().Err(err).Msg("control: dropping malformed frame")
			continue
		}
		switch f := frame.(type) {
		case wire.StartTerminalFrame:
			c.emit(StartTerminalEvent{Frame: f})
		case wire.CloseTerminalFrame:
			c.emit(CloseTerminalEvent{Frame: f})
		default:
			log.Warn().Str("type", fmt.Sprintf("%T", f)).Msg("control: unexpected frame direction")
		}
	}
}

func disconnectedFrom(err error) DisconnectedEvent {
	code := websocket.CloseStatus(err)
	if code == -1 {
		return DisconnectedEvent{Clean: false}
	}
	ic := int(code)
	return DisconnectedEvent{CloseCode: &ic, Clean: true}
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.stop:
	}
}
