package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/saurabhdas/pair-claudeing/internal/wire"
)

func newServer(t *testing.T, onAccept func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		onAccept(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectSendsHandshakeFirst(t *testing.T) {
	received := make(chan []byte, 1)
	srv := newServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		received <- data
		<-ctx.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hs := wire.ControlHandshakeFrame{Version: "1", Hostname: "box", Username: "dev", WorkingDir: "/home/dev"}
	c, err := Connect(ctx, wsURL(srv), "", hs)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Shutdown()

	select {
	case data := <-received:
		if !strings.Contains(string(data), `"type":"control_handshake"`) {
			t.Fatalf("first frame was not the handshake: %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
}

func TestEventsDeliversStartAndCloseTerminal(t *testing.T) {
	srv := newServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		conn.Read(ctx) // handshake
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"start_terminal","name":"t1","cols":80,"rows":24,"request_id":"r1"}`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"close_terminal","name":"t1"}`))
		<-ctx.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Connect(ctx, wsURL(srv), "", wire.ControlHandshakeFrame{Version: "1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Shutdown()

	var gotStart, gotClose bool
	deadline := time.After(2 * time.Second)
	for !gotStart || !gotClose {
		select {
		case evt := <-c.Events():
			switch e := evt.(type) {
			case StartTerminalEvent:
				if e.Frame.Name != "t1" || e.Frame.RequestID != "r1" {
					t.Fatalf("unexpected start frame: %+v", e.Frame)
				}
				gotStart = true
			case CloseTerminalEvent:
				if e.Frame.Name != "t1" {
					t.Fatalf("unexpected close frame: %+v", e.Frame)
				}
				gotClose = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestSendEncodesCommandAsTextFrame(t *testing.T) {
	received := make(chan []byte, 1)
	srv := newServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		conn.Read(ctx) // handshake
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		received <- data
		<-ctx.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Connect(ctx, wsURL(srv), "", wire.ControlHandshakeFrame{Version: "1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Shutdown()

	if !c.Send(wire.TerminalStartedFrame{Name: "t1", RequestID: "r1", Success: true}) {
		t.Fatal("Send returned false")
	}

	select {
	case data := <-received:
		if !strings.Contains(string(data), `"type":"terminal_started"`) {
			t.Fatalf("got %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sent frame")
	}
}

func TestDisconnectCleanOnCloseFrame(t *testing.T) {
	srv := newServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		conn.Read(ctx) // handshake
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Connect(ctx, wsURL(srv), "", wire.ControlHandshakeFrame{Version: "1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Shutdown()

	select {
	case evt := <-c.Events():
		d, ok := evt.(DisconnectedEvent)
		if !ok {
			t.Fatalf("expected DisconnectedEvent, got %T", evt)
		}
		if !d.Clean {
			t.Fatal("expected a clean disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnected event")
	}

	if _, open := <-c.Events(); open {
		t.Fatal("expected Events channel to be closed")
	}
}

func TestShutdownSendsNormalClosure(t *testing.T) {
	closed := make(chan websocket.StatusCode, 1)
	srv := newServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		conn.Read(ctx) // handshake
		_, _, err := conn.Read(ctx)
		closed <- websocket.CloseStatus(err)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Connect(ctx, wsURL(srv), "", wire.ControlHandshakeFrame{Version: "1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Shutdown()

	select {
	case code := <-closed:
		if code != websocket.StatusNormalClosure {
			t.Fatalf("got close code %v", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close frame")
	}
}
