package hub_test

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"bakerstreet/internal/hub"
	"bakerstreet/internal/hub/hubtest"
	"bakerstreet/internal/reactor"
	"bakerstreet/internal/registry"
)

// fakeRegistry is a websocket registry in the style of a gin NoRoute upgrader.
type fakeRegistry struct {
	srv      *httptest.Server
	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan registry.Message
	auth     chan string
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	gin.SetMode(gin.TestMode)
	fr := &fakeRegistry{received: make(chan registry.Message, 16), auth: make(chan string, 4)}
	upgrader := websocket.Upgrader{}
	r := gin.New()
	r.GET(hub.ServicesPath, func(c *gin.Context) {
		fr.auth <- c.GetHeader("Authorization")
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		fr.mu.Lock()
		fr.conns = append(fr.conns, conn)
		fr.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := registry.DecodeMessage(data)
			if err != nil {
				t.Errorf("registry got bad message: %v", err)
				return
			}
			fr.received <- msg
		}
	})
	fr.srv = httptest.NewServer(r)
	t.Cleanup(fr.srv.Close)
	return fr
}

func (fr *fakeRegistry) options(t *testing.T) hub.GatewayOptions {
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(fr.srv.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return hub.GatewayOptions{Host: host, Port: port, Token: "s3cret"}
}

// latest waits for the server side of the handshake to register its conn.
func (fr *fakeRegistry) latest(t *testing.T) *websocket.Conn {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		fr.mu.Lock()
		n := len(fr.conns)
		var conn *websocket.Conn
		if n > 0 {
			conn = fr.conns[n-1]
		}
		fr.mu.Unlock()
		if conn != nil {
			return conn
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("registry never accepted a session")
	return nil
}

func (fr *fakeRegistry) push(t *testing.T, data string) {
	conn := fr.latest(t)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		t.Fatal(err)
	}
}

// recorder collects events dispatched on the reactor goroutine.
type recorder struct{ events chan registry.Event }

func (r recorder) HandleEvent(ev registry.Event) { r.events <- ev }

func (r recorder) next(t *testing.T) registry.Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for registry event")
	}
	return registry.Event{}
}

func startReactor(t *testing.T) *reactor.Reactor {
	r := reactor.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
	return r
}

func onLoop(t *testing.T, r *reactor.Reactor, fn func()) {
	t.Helper()
	if err := r.Call(context.Background(), fn); err != nil {
		t.Fatal(err)
	}
}

func TestWebsocketSubscribeAndSync(t *testing.T) {
	fr := newFakeRegistry(t)
	r := startReactor(t)
	client := hub.NewClient(hub.NewWebsocketDialer(fr.options(t)), r, nil)
	rec := recorder{events: make(chan registry.Event, 16)}

	onLoop(t, r, func() { client.Subscribe(rec) })
	if ev := rec.next(t); ev.Type != registry.EventJoin {
		t.Fatalf("expect join, got %v", ev.Type)
	}
	if got := <-fr.auth; got != "Bearer s3cret" {
		t.Fatalf("expect bearer token, got %q", got)
	}

	var sendErr error
	onLoop(t, r, func() { sendErr = client.Send(registry.NewSubscribe()) })
	if sendErr != nil {
		t.Fatal(sendErr)
	}
	select {
	case msg := <-fr.received:
		if msg.Type != registry.MsgSubscribe {
			t.Fatalf("expect subscribe, got %s", msg.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("registry never received subscribe")
	}

	fr.push(t, `{"type":"sync","data":{"services":{"users":[{"name":"users","address":{"host":"10.0.0.1","type":"ipv4"},"port":{"name":"http","port":5000},"path":"/"}]}}}`)
	ev := rec.next(t)
	if ev.Type != registry.EventSync {
		t.Fatalf("expect sync, got %v", ev.Type)
	}
	services, err := registry.ParseServices(ev.Data)
	if err != nil {
		t.Fatal(err)
	}
	if len(services["users"]) != 1 {
		t.Fatalf("unexpected services: %v", services)
	}

	// Unknown types are dispatched as generic events and keep the session.
	fr.push(t, `{"type":"gossip"}`)
	if ev := rec.next(t); ev.Type != registry.EventGeneric || ev.Tag != "gossip" {
		t.Fatalf("expect generic gossip event, got %v/%s", ev.Type, ev.Tag)
	}
	var connected bool
	onLoop(t, r, func() { connected = client.IsConnected() })
	if !connected {
		t.Fatal("unknown event type must not close the session")
	}
}

func TestProtocolErrorClosesSession(t *testing.T) {
	fr := newFakeRegistry(t)
	r := startReactor(t)
	client := hub.NewClient(hub.NewWebsocketDialer(fr.options(t)), r, nil)
	rec := recorder{events: make(chan registry.Event, 16)}

	onLoop(t, r, func() { client.Subscribe(rec) })
	rec.next(t) // join

	fr.push(t, `{"data":{}}`)
	if ev := rec.next(t); ev.Type != registry.EventLeave {
		t.Fatalf("expect leave after protocol error, got %v", ev.Type)
	}
	var connected bool
	onLoop(t, r, func() { connected = client.IsConnected() })
	if connected {
		t.Fatal("session should be unusable after a protocol error")
	}
}

func TestRegistryCloseDispatchesLeave(t *testing.T) {
	fr := newFakeRegistry(t)
	r := startReactor(t)
	client := hub.NewClient(hub.NewWebsocketDialer(fr.options(t)), r, nil)
	rec := recorder{events: make(chan registry.Event, 16)}

	onLoop(t, r, func() { client.Subscribe(rec) })
	rec.next(t)

	fr.latest(t).Close()
	if ev := rec.next(t); ev.Type != registry.EventLeave {
		t.Fatalf("expect leave, got %v", ev.Type)
	}
}

func TestTransportDropReleasesConn(t *testing.T) {
	m := reactor.NewManual(time.Unix(0, 0))
	dialer := &hubtest.Dialer{}
	client := hub.NewClient(dialer, m, nil)
	var leaves int
	client.Subscribe(hub.HandlerFunc(func(ev registry.Event) {
		if ev.Type == registry.EventLeave {
			leaves++
		}
	}))
	if !m.DrainUntil(client.IsConnected, time.Second) {
		t.Fatal("client never connected")
	}
	conn := dialer.Last()

	conn.Drop()
	if !m.DrainUntil(func() bool { return leaves == 1 }, time.Second) {
		t.Fatal("expect leave after transport drop")
	}
	if !conn.Closed() || client.IsConnected() {
		t.Fatalf("dropped session must be closed: closed=%v connected=%v", conn.Closed(), client.IsConnected())
	}
}

func TestDialFailureDispatchesLeave(t *testing.T) {
	r := startReactor(t)
	dialer := &hubtest.Dialer{}
	dialer.SetFail(errors.New("connection refused"))
	client := hub.NewClient(dialer, r, nil)
	rec := recorder{events: make(chan registry.Event, 4)}

	onLoop(t, r, func() { client.Subscribe(rec) })
	if ev := rec.next(t); ev.Type != registry.EventLeave {
		t.Fatalf("expect leave on dial failure, got %v", ev.Type)
	}
}

func TestSendAfterDisconnectIsSilent(t *testing.T) {
	m := reactor.NewManual(time.Unix(0, 0))
	dialer := &hubtest.Dialer{}
	client := hub.NewClient(dialer, m, nil)
	var events []registry.EventType
	h := hub.HandlerFunc(func(ev registry.Event) { events = append(events, ev.Type) })

	// Sending before any session exists reaches nobody.
	if err := client.Send(registry.NewHeartbeat()); err != nil {
		t.Fatalf("expect silent no-op, got %v", err)
	}

	client.Subscribe(h)
	if !m.DrainUntil(client.IsConnected, time.Second) {
		t.Fatal("client never connected")
	}
	conn := dialer.Last()
	if err := client.Send(registry.NewHeartbeat()); err != nil {
		t.Fatal(err)
	}

	client.Disconnect()
	if client.IsConnected() {
		t.Fatal("expect disconnected")
	}
	if err := client.Send(registry.NewHeartbeat()); err != nil {
		t.Fatalf("send after disconnect must not error, got %v", err)
	}
	if n := len(conn.Sent()); n != 1 {
		t.Fatalf("expect exactly 1 delivered message, got %d", n)
	}
	if !conn.Closed() {
		t.Fatal("expect transport closed")
	}

	// The owner tore the session down: no leave is dispatched for it.
	m.DrainUntil(func() bool { return false }, 20*time.Millisecond)
	if len(events) != 1 || events[0] != registry.EventJoin {
		t.Fatalf("expect only join, got %v", events)
	}
}

func TestResubscribeDropsStaleSession(t *testing.T) {
	m := reactor.NewManual(time.Unix(0, 0))
	dialer := &hubtest.Dialer{}
	client := hub.NewClient(dialer, m, nil)
	var leaves int
	h := hub.HandlerFunc(func(ev registry.Event) {
		if ev.Type == registry.EventLeave {
			leaves++
		}
	})

	client.Subscribe(h)
	m.DrainUntil(client.IsConnected, time.Second)
	first := dialer.Last()

	client.Subscribe(h)
	m.DrainUntil(func() bool { return client.IsConnected() && dialer.Dials() == 2 }, time.Second)
	if !first.Closed() {
		t.Fatal("expect previous session closed on resubscribe")
	}
	first.Drop()
	m.DrainUntil(func() bool { return false }, 20*time.Millisecond)
	if leaves != 0 {
		t.Fatalf("stale session must not dispatch leave, got %d", leaves)
	}
	if !client.IsConnected() {
		t.Fatal("current session should be unaffected")
	}
}

func TestGatewayOptionsURL(t *testing.T) {
	o := hub.GatewayOptions{Host: "registry.local", Port: 52689}
	if got := o.URL(); got != "ws://registry.local:52689/v1/services" {
		t.Fatalf("unexpected url %s", got)
	}
	o.Secure = true
	if got := o.URL(); got != "wss://registry.local:52689/v1/services" {
		t.Fatalf("unexpected url %s", got)
	}
	if o.Header().Get("Authorization") != "" {
		t.Fatal("no token means no auth header")
	}
}
