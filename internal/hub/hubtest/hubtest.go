// Package hubtest provides an in-memory registry transport for tests.
package hubtest

import (
	"context"
	"errors"
	"sync"

	"bakerstreet/internal/hub"
	"bakerstreet/internal/registry"
)

var errDropped = errors.New("hubtest: connection dropped")

// Dialer hands out in-memory Conns. Set Fail to make dials fail.
type Dialer struct {
	mu    sync.Mutex
	fail  error
	conns []*Conn
}

func (d *Dialer) Dial(ctx context.Context) (hub.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	c := &Conn{in: make(chan []byte, 64), done: make(chan struct{})}
	d.conns = append(d.conns, c)
	return c, nil
}

// SetFail makes subsequent dials fail with err (nil restores success).
func (d *Dialer) SetFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

// Dials returns how many sessions were opened.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Sent returns every message written across all sessions, in order.
func (d *Dialer) Sent() []registry.Message {
	d.mu.Lock()
	conns := append([]*Conn(nil), d.conns...)
	d.mu.Unlock()
	var out []registry.Message
	for _, c := range conns {
		out = append(out, c.Sent()...)
	}
	return out
}

// Conn is one fake session.
type Conn struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	sent   []registry.Message
	err    error
	closed bool
	closes int
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	msg, err := registry.DecodeMessage(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return hub.ErrClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.shut(hub.ErrClosed)
	return nil
}

// Drop simulates the registry side closing the session.
func (c *Conn) Drop() { c.shut(errDropped) }

func (c *Conn) shut(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Closed reports whether the client side called Close. Drop alone does not
// count: the owner still has to release the session.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes > 0
}

// Push delivers a raw inbound message.
func (c *Conn) Push(data []byte) { c.in <- data }

// PushSync delivers a sync snapshot of s.
func (c *Conn) PushSync(s registry.Services) {
	data, err := registry.EncodeSync(s)
	if err != nil {
		panic(err)
	}
	c.Push(data)
}

// Sent returns the messages written to this session.
func (c *Conn) Sent() []registry.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]registry.Message(nil), c.sent...)
}

// Types lists the message types written to this session.
func (c *Conn) Types() []registry.MessageType {
	sent := c.Sent()
	out := make([]registry.MessageType, len(sent))
	for i, m := range sent {
		out[i] = m.Type
	}
	return out
}
