package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"bakerstreet/internal/registry"
)

// EtcdDialer opens sessions against an etcd key space instead of a registry
// server. The session speaks the same message protocol:
//
//	Key:   {Prefix}/{service}/{host:port}
//	Value: JSON-encoded ServiceEndpoint
//
// add-service puts the key under a lease, heartbeat keeps the lease alive,
// remove-service deletes it, and subscribe turns the prefix watch into full
// sync snapshots. If the process dies the lease expires and the entry goes
// away on its own.
type EtcdDialer struct {
	Endpoints      []string
	Prefix         string
	LeaseTTL       time.Duration
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Username       string
	Password       string
}

const defaultEtcdPrefix = "/bakerstreet/services"

func (d *EtcdDialer) prefix() string {
	p := strings.TrimSuffix(d.Prefix, "/")
	if p == "" {
		p = defaultEtcdPrefix
	}
	return p + "/"
}

func (d *EtcdDialer) Dial(ctx context.Context) (Conn, error) {
	if len(d.Endpoints) == 0 {
		return nil, errors.New("hub: no etcd endpoints")
	}
	dialTimeout := d.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   d.Endpoints,
		DialTimeout: dialTimeout,
		Username:    d.Username,
		Password:    d.Password,
		Context:     ctx,
	})
	if err != nil {
		return nil, err
	}
	// clientv3 connects lazily; a status call makes an unreachable cluster
	// fail the dial instead of the first write.
	sctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if _, err := cli.Status(sctx, d.Endpoints[0]); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("etcd %v: %w", d.Endpoints, err)
	}
	return newEtcdConn(cli, d), nil
}

type etcdConn struct {
	cli     *clientv3.Client
	prefix  string
	ttl     int64
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan []byte
	outbox chan registry.Message

	mu       sync.Mutex
	err      error
	leases   map[string]clientv3.LeaseID
	watching bool
}

func newEtcdConn(cli *clientv3.Client, d *EtcdDialer) *etcdConn {
	ttl := int64(d.LeaseTTL / time.Second)
	if ttl <= 0 {
		ttl = 15
	}
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &etcdConn{
		cli:     cli,
		prefix:  d.prefix(),
		ttl:     ttl,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan []byte, 16),
		outbox:  make(chan registry.Message, 64),
		leases:  make(map[string]clientv3.LeaseID),
	}
	go c.writeLoop()
	return c
}

func (c *etcdConn) key(ep registry.ServiceEndpoint) string {
	return c.prefix + ep.Name + "/" + ep.HostPort()
}

func (c *etcdConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.ctx.Done():
		return nil, c.closeErr()
	}
}

// WriteMessage hands the message to the writer goroutine so the caller's
// loop never waits on etcd round trips. Order is preserved.
func (c *etcdConn) WriteMessage(data []byte) error {
	msg, err := registry.DecodeMessage(data)
	if err != nil {
		return err
	}
	if err := c.ctx.Err(); err != nil {
		return c.closeErr()
	}
	select {
	case c.outbox <- msg:
		return nil
	default:
		return ErrOutboxFull
	}
}

func (c *etcdConn) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *etcdConn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	if c.ctx.Err() == nil {
		c.cancel()
		_ = c.cli.Close()
	}
}

func (c *etcdConn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

func (c *etcdConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.outbox:
			if err := c.apply(msg); err != nil {
				c.fail(fmt.Errorf("etcd %s: %w", msg.Type, err))
				return
			}
		}
	}
}

func (c *etcdConn) apply(msg registry.Message) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	switch msg.Type {
	case registry.MsgSubscribe:
		c.mu.Lock()
		started := c.watching
		c.watching = true
		c.mu.Unlock()
		if !started {
			go c.watchLoop()
		}
		return nil

	case registry.MsgAddService:
		if msg.Endpoint == nil {
			return nil
		}
		val, err := json.Marshal(msg.Endpoint)
		if err != nil {
			return err
		}
		lease, err := c.cli.Grant(ctx, c.ttl)
		if err != nil {
			return err
		}
		k := c.key(*msg.Endpoint)
		if _, err := c.cli.Put(ctx, k, string(val), clientv3.WithLease(lease.ID)); err != nil {
			return err
		}
		c.mu.Lock()
		old, had := c.leases[k]
		c.leases[k] = lease.ID
		c.mu.Unlock()
		if had {
			_, _ = c.cli.Revoke(ctx, old)
		}
		return nil

	case registry.MsgHeartbeat:
		c.mu.Lock()
		ids := make([]clientv3.LeaseID, 0, len(c.leases))
		for _, id := range c.leases {
			ids = append(ids, id)
		}
		c.mu.Unlock()
		for _, id := range ids {
			if _, err := c.cli.KeepAliveOnce(ctx, id); err != nil {
				return err
			}
		}
		return nil

	case registry.MsgRemoveService:
		if msg.Endpoint == nil {
			return nil
		}
		k := c.key(*msg.Endpoint)
		if _, err := c.cli.Delete(ctx, k); err != nil {
			return err
		}
		c.mu.Lock()
		id, had := c.leases[k]
		delete(c.leases, k)
		c.mu.Unlock()
		if had {
			_, _ = c.cli.Revoke(ctx, id)
		}
		return nil
	}
	return nil
}

// watchLoop emits a full snapshot, then a fresh snapshot after every change
// under the prefix. Re-reading the prefix is simpler than folding individual
// watch events and keeps every message a full-state sync.
func (c *etcdConn) watchLoop() {
	rev, err := c.emitSnapshot()
	if err != nil {
		c.fail(err)
		return
	}
	wch := c.cli.Watch(c.ctx, c.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			c.fail(err)
			return
		}
		if _, err := c.emitSnapshot(); err != nil {
			c.fail(err)
			return
		}
	}
	c.fail(errors.New("etcd watch closed"))
}

func (c *etcdConn) emitSnapshot() (int64, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	resp, err := c.cli.Get(ctx, c.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	values := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, kv.Value)
	}
	data, err := registry.EncodeSync(servicesFromValues(values))
	if err != nil {
		return 0, err
	}
	select {
	case c.inbox <- data:
	case <-c.ctx.Done():
		return 0, c.closeErr()
	}
	return resp.Header.Revision, nil
}

// servicesFromValues groups stored endpoints by service name, keeping key
// order. Malformed entries are skipped.
func servicesFromValues(values [][]byte) registry.Services {
	out := registry.Services{}
	for _, v := range values {
		var ep registry.ServiceEndpoint
		if err := json.Unmarshal(v, &ep); err != nil || ep.Name == "" {
			continue
		}
		out[ep.Name] = append(out[ep.Name], ep)
	}
	return out
}
