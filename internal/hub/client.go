package hub

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"bakerstreet/internal/registry"
	"bakerstreet/internal/reactor"
)

// Handler receives registry events on the owning loop. Implementations keep
// a single switch over registry.EventType.
type Handler interface {
	HandleEvent(ev registry.Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev registry.Event)

func (f HandlerFunc) HandleEvent(ev registry.Event) { f(ev) }

// Client owns at most one session with the registry. All methods must be
// called from the scheduler's loop; transport activity is posted back onto
// that loop so handlers never run concurrently with the owner.
//
// There is no retry inside the client: reconnect policy belongs to the loop
// that owns it.
type Client struct {
	dialer  Dialer
	sched   reactor.Scheduler
	logger  hclog.Logger
	current *session
	nextID  uint64
}

type session struct {
	id      uint64
	handler Handler
	conn    Conn // nil while dialing
	cancel  context.CancelFunc
}

// NewClient creates a disconnected client.
func NewClient(dialer Dialer, sched reactor.Scheduler, logger hclog.Logger) *Client {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Client{dialer: dialer, sched: sched, logger: logger}
}

// Subscribe opens a new session bound to h, replacing any existing one.
// Join is dispatched once the transport is up; Leave if it never comes up or
// later closes.
func (c *Client) Subscribe(h Handler) {
	c.Disconnect()
	c.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{id: c.nextID, handler: h, cancel: cancel}
	c.current = s
	c.logger.Debug("opening registry session", "session", s.id)
	go c.run(ctx, s)
}

// run dials and then reads until the session ends. It is the only goroutine
// reading from the session's Conn, so events are posted in transport order.
func (c *Client) run(ctx context.Context, s *session) {
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		c.sched.Post(func() { c.closed(s, err) })
		return
	}
	c.sched.Post(func() { c.opened(s, conn) })

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			// A failed read does not release the transport.
			_ = conn.Close()
			c.sched.Post(func() { c.closed(s, err) })
			return
		}
		ev, err := registry.DecodeEvent(data)
		if err != nil {
			// Protocol error: the session is unusable.
			_ = conn.Close()
			c.sched.Post(func() { c.closed(s, err) })
			return
		}
		c.sched.Post(func() { c.received(s, ev) })
	}
}

func (c *Client) opened(s *session, conn Conn) {
	if c.current != s {
		// Superseded or disconnected while dialing.
		_ = conn.Close()
		return
	}
	s.conn = conn
	c.logger.Debug("registry session open", "session", s.id)
	s.handler.HandleEvent(registry.NewEvent(registry.EventJoin))
}

func (c *Client) received(s *session, ev registry.Event) {
	if c.current != s || s.conn == nil {
		return
	}
	s.handler.HandleEvent(ev)
}

func (c *Client) closed(s *session, err error) {
	if c.current != s {
		return
	}
	c.current = nil
	s.cancel()
	c.logger.Debug("registry session closed", "session", s.id, "error", err)
	s.handler.HandleEvent(registry.NewEvent(registry.EventLeave))
}

// Send writes msg if a session is open and silently drops it otherwise.
// Nothing is buffered: delivery is at most once per call.
func (c *Client) Send(msg registry.Message) error {
	if !c.IsConnected() {
		return nil
	}
	data, err := registry.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := c.current.conn.WriteMessage(data); err != nil {
		c.logger.Warn("registry send failed", "type", msg.Type, "error", err)
		return err
	}
	return nil
}

// Disconnect closes the session if there is one. The caller tore the session
// down itself, so no Leave is dispatched for it.
func (c *Client) Disconnect() {
	s := c.current
	if s == nil {
		return
	}
	c.current = nil
	s.cancel()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// IsConnected reports whether a live session exists.
func (c *Client) IsConnected() bool {
	return c.current != nil && c.current.conn != nil
}

// IsConnecting reports whether a session is being dialed.
func (c *Client) IsConnecting() bool {
	return c.current != nil && c.current.conn == nil
}
