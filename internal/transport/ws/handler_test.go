package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/enscrypted/gecko/internal/transport"
)

func startTestServer(t *testing.T) (*Handler, string, *transport.CommandQueue, *transport.EventQueue) {
	t.Helper()

	commands := transport.NewCommandQueue(16)
	events := transport.NewEventQueue(16)
	h := NewHandler(commands, events)

	e := echo.New()
	h.Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return h, wsURL, commands, events
}

func connectClient(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) transport.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt transport.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return evt
}

func TestCommandRelayedToQueue(t *testing.T) {
	_, wsURL, commands, _ := startTestServer(t)
	conn := connectClient(t, wsURL)

	cmd := transport.Command{Type: transport.CmdSetAppBandGain, Identity: "Firefox", Band: 5, GainDB: 6}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("write command: %v", err)
	}

	select {
	case got := <-commands.Chan():
		if got != cmd {
			t.Errorf("relayed command: got %+v, want %+v", got, cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the queue")
	}
}

func TestInvalidCommandRepliesErrorWithoutEnqueueing(t *testing.T) {
	_, wsURL, commands, _ := startTestServer(t)
	conn := connectClient(t, wsURL)

	if err := conn.WriteJSON(transport.Command{Type: "reboot"}); err != nil {
		t.Fatalf("write command: %v", err)
	}

	evt := readEvent(t, conn)
	if evt.Type != transport.EvtError {
		t.Errorf("reply type: got %s, want %s", evt.Type, transport.EvtError)
	}
	if evt.Message == "" {
		t.Error("error reply has empty message")
	}

	select {
	case got := <-commands.Chan():
		t.Errorf("invalid command reached the queue: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventBroadcastToAllClients(t *testing.T) {
	_, wsURL, _, events := startTestServer(t)
	a := connectClient(t, wsURL)
	b := connectClient(t, wsURL)

	// Connections register asynchronously with the broadcast loop; give
	// the server a moment to observe both before publishing.
	time.Sleep(50 * time.Millisecond)

	events.Push(transport.Event{Type: transport.EvtStreamDiscovered, Identity: "Spotify", PID: 4242, Capturable: true})

	for _, conn := range []*websocket.Conn{a, b} {
		evt := readEvent(t, conn)
		if evt.Type != transport.EvtStreamDiscovered || evt.Identity != "Spotify" {
			t.Errorf("broadcast event: got %+v", evt)
		}
	}
}
