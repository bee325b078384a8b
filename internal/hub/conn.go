// Package hub is the client side of the service registry: a single
// message-oriented session (Conn) and the Client that owns it and turns
// transport callbacks into registry events.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ServicesPath is the registry endpoint every session is opened against.
const ServicesPath = "/v1/services"

var (
	// ErrClosed is returned by a Conn used after Close.
	ErrClosed = errors.New("hub: connection closed")
	// ErrOutboxFull is returned when a Conn cannot queue another write.
	ErrOutboxFull = errors.New("hub: outbox full")
)

// Conn is one session with the registry. ReadMessage is called from a single
// reader goroutine; WriteMessage only from the owning loop and must not block
// on the network. Close may be called from anywhere and unblocks the reader.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// GatewayOptions locate the registry (directly or through a gateway) and
// carry the opaque credential token.
type GatewayOptions struct {
	Token  string
	Host   string
	Port   int
	Secure bool
}

// URL returns ws[s]://host:port/v1/services.
func (o GatewayOptions) URL() string {
	scheme := "ws"
	if o.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: o.Host + ":" + strconv.Itoa(o.Port), Path: ServicesPath}
	return u.String()
}

// Header returns the handshake headers; the token is sent as a bearer token.
func (o GatewayOptions) Header() http.Header {
	h := http.Header{}
	if o.Token != "" {
		h.Set("Authorization", "Bearer "+o.Token)
	}
	return h
}

// WebsocketDialer opens websocket sessions to the registry.
type WebsocketDialer struct {
	Options          GatewayOptions
	HandshakeTimeout time.Duration
}

func NewWebsocketDialer(opts GatewayOptions) *WebsocketDialer {
	return &WebsocketDialer{Options: opts, HandshakeTimeout: 10 * time.Second}
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	target := d.Options.URL()
	c, resp, err := wd.DialContext(ctx, target, d.Options.Header())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return newWSConn(c), nil
}

const (
	writeWait   = 10 * time.Second
	flushWait   = time.Second
	outboxDepth = 64
)

// wsConn queues writes for a writer goroutine so a stalled peer never holds
// up the owning loop.
type wsConn struct {
	conn    *websocket.Conn
	outbox  chan []byte
	done    chan struct{}
	flushed chan struct{}
	once    sync.Once
}

func newWSConn(c *websocket.Conn) *wsConn {
	w := &wsConn{
		conn:    c,
		outbox:  make(chan []byte, outboxDepth),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
	go w.writeLoop()
	return w
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// The registry speaks JSON text frames; binary frames are ignored.
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

// WriteMessage queues data and returns at once. A write that later fails
// closes the connection, which the reader reports as the session ending.
func (c *wsConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outbox <- data:
		return nil
	default:
		return ErrOutboxFull
	}
}

func (c *wsConn) writeLoop() {
	defer close(c.flushed)
	for {
		select {
		case data := <-c.outbox:
			if err := c.write(data); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-c.done:
			// Deliver what was queued before Close, e.g. a final remove-service.
			for {
				select {
				case data := <-c.outbox:
					if err := c.write(data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *wsConn) write(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close flushes queued messages for up to flushWait, then closes.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		select {
		case <-c.flushed:
		case <-time.After(flushWait):
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
