// Package sherlock follows the registry and keeps the HAProxy configuration
// in step with it.
package sherlock

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"bakerstreet/internal/haproxy"
	"bakerstreet/internal/hub"
	"bakerstreet/internal/reactor"
	"bakerstreet/internal/registry"
	"bakerstreet/internal/telemetry"
)

// Writer applies a snapshot. *haproxy.ReloadManager implements it.
type Writer interface {
	Write(s registry.Services) (haproxy.Outcome, error)
	RetryReload() (haproxy.Outcome, error)
	LastApplied() string
}

type Options struct {
	Client         *hub.Client
	Writer         Writer
	Scheduler      reactor.Scheduler
	SyncDelay      time.Duration
	Debounce       time.Duration
	ReconnectDelay time.Duration
	Logger         hclog.Logger
	Metrics        *telemetry.Telemetry
}

// Sherlock must only be used from its scheduler's loop. It keeps a single
// outstanding evaluation timer; re-arming replaces it.
type Sherlock struct {
	client         *hub.Client
	writer         Writer
	sched          reactor.Scheduler
	syncDelay      time.Duration
	debounce       time.Duration
	reconnectDelay time.Duration
	logger         hclog.Logger
	metrics        *telemetry.Telemetry

	services         registry.Services
	syncs            int
	updatePending    bool
	updateReceivedAt time.Time
	lastWrite        time.Time
	lastError        string
	eval             reactor.Timer
	retry            reactor.Timer
	stopped          bool
}

func New(o Options) *Sherlock {
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	if o.SyncDelay <= 0 {
		o.SyncDelay = 3 * time.Second
	}
	if o.Debounce < 0 {
		o.Debounce = 0
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	return &Sherlock{
		client:         o.Client,
		writer:         o.Writer,
		sched:          o.Scheduler,
		syncDelay:      o.SyncDelay,
		debounce:       o.Debounce,
		reconnectDelay: o.ReconnectDelay,
		logger:         o.Logger,
		metrics:        o.Metrics,
		services:       registry.Services{},
	}
}

// Start opens the registry session; Join subscribes.
func (s *Sherlock) Start() {
	s.logger.Info("following registry", "sync_delay", s.syncDelay, "debounce", s.debounce)
	s.client.Subscribe(s)
}

func (s *Sherlock) Stop() {
	s.stopped = true
	stopTimer(s.eval)
	stopTimer(s.retry)
	s.client.Disconnect()
}

func (s *Sherlock) arm(d time.Duration) {
	stopTimer(s.eval)
	s.eval = s.sched.Schedule(d, s.evaluate)
}

// HandleEvent implements hub.Handler.
func (s *Sherlock) HandleEvent(ev registry.Event) {
	if s.stopped {
		return
	}
	switch ev.Type {
	case registry.EventJoin:
		s.logger.Info("connected to registry")
		if err := s.client.Send(registry.NewSubscribe()); err != nil {
			s.logger.Warn("subscribe failed", "error", err)
		}
	case registry.EventLeave:
		s.logger.Warn("registry connection lost", "reconnect_in", s.reconnectDelay)
		s.arm(s.reconnectDelay)
	case registry.EventSync, registry.EventUpdate:
		// Update is treated as a full snapshot, same as sync.
		s.syncs++
		s.metrics.Incr("registry", "syncs")
		services, err := registry.ParseServices(ev.Data)
		if err != nil {
			s.logger.Warn("dropping malformed snapshot", "type", ev.Tag, "error", err)
			return
		}
		if !services.Equal(s.services) {
			s.services = services
			s.updatePending = true
			s.updateReceivedAt = s.sched.Now()
			s.metrics.Gauge(float32(len(services)), "registry", "services")
			s.logger.Debug("registry state changed", "services", len(services), "endpoints", services.Count())
		}
		s.arm(s.syncDelay)
	default:
		s.logger.Debug("registry event ignored", "type", ev.Tag)
	}
}

func (s *Sherlock) evaluate() {
	if s.stopped {
		return
	}
	if !s.client.IsConnected() {
		if !s.client.IsConnecting() {
			s.logger.Info("reconnecting to registry")
			s.client.Subscribe(s)
		}
		return
	}
	if !s.updatePending {
		return
	}
	if wait := s.debounce - s.sched.Now().Sub(s.updateReceivedAt); wait > 0 {
		s.arm(wait)
		return
	}
	s.updatePending = false
	out, err := s.writer.Write(s.services)
	s.afterWrite(out, err)
}

func (s *Sherlock) afterWrite(out haproxy.Outcome, err error) {
	if out.Written {
		s.lastWrite = s.sched.Now()
	}
	if err != nil {
		s.lastError = err.Error()
		s.logger.Error("applying config failed", "error", err)
	} else if out.Written || out.Reloaded {
		s.lastError = ""
	}
	if out.RetryAfter > 0 {
		stopTimer(s.retry)
		s.retry = s.sched.Schedule(out.RetryAfter, s.retryReload)
	}
}

func (s *Sherlock) retryReload() {
	if s.stopped {
		return
	}
	out, err := s.writer.RetryReload()
	s.afterWrite(out, err)
}

// Status is a point-in-time copy of the loop state.
type Status struct {
	Connected        bool              `json:"connected"`
	UpdatePending    bool              `json:"update_pending"`
	UpdateReceivedAt time.Time         `json:"update_received_at"`
	Syncs            int               `json:"syncs"`
	LastWrite        time.Time         `json:"last_write"`
	LastFingerprint  string            `json:"last_fingerprint"`
	LastError        string            `json:"last_error,omitempty"`
	ServiceCount     int               `json:"service_count"`
	EndpointCount    int               `json:"endpoint_count"`
	Services         registry.Services `json:"-"`
}

// Snapshot copies the state; call it on the loop (reactor.Call).
func (s *Sherlock) Snapshot() Status {
	return Status{
		Connected:        s.client.IsConnected(),
		UpdatePending:    s.updatePending,
		UpdateReceivedAt: s.updateReceivedAt,
		Syncs:            s.syncs,
		LastWrite:        s.lastWrite,
		LastFingerprint:  s.writer.LastApplied(),
		LastError:        s.lastError,
		ServiceCount:     len(s.services),
		EndpointCount:    s.services.Count(),
		Services:         s.services.Clone(),
	}
}

func stopTimer(t reactor.Timer) {
	if t != nil {
		t.Stop()
	}
}
