// Package watson keeps a local service registered while it is healthy.
//
// Every tick runs the health probe off-loop, folds the result into the
// checker's hysteresis and turns state changes into registry messages:
// add-service on DEAD -> LIVE, heartbeat while LIVE, remove-service on
// LIVE -> DEAD. Going DEAD withdraws the registration but keeps the
// transport, so coming back needs no new handshake.
package watson

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"bakerstreet/internal/health"
	"bakerstreet/internal/hub"
	"bakerstreet/internal/reactor"
	"bakerstreet/internal/registry"
	"bakerstreet/internal/telemetry"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

type Options struct {
	Client    *hub.Client
	Checker   *health.Checker
	Endpoint  registry.ServiceEndpoint
	URL       string
	Frequency time.Duration
	Scheduler reactor.Scheduler
	Logger    hclog.Logger
	Metrics   *telemetry.Telemetry
}

// Watson must only be used from its scheduler's loop.
type Watson struct {
	client    *hub.Client
	checker   *health.Checker
	endpoint  registry.ServiceEndpoint
	url       string
	frequency time.Duration
	sched     reactor.Scheduler
	logger    hclog.Logger
	metrics   *telemetry.Telemetry
	spawn     func(func())

	registered bool
	firstRun   bool
	stopped    bool
	tick       reactor.Timer
	reconnect  reactor.Timer
	backoff    time.Duration
}

func New(o Options) *Watson {
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	if o.Frequency <= 0 {
		o.Frequency = time.Second
	}
	if o.URL == "" {
		o.URL = o.Endpoint.String()
	}
	return &Watson{
		client:    o.Client,
		checker:   o.Checker,
		endpoint:  o.Endpoint,
		url:       o.URL,
		frequency: o.Frequency,
		sched:     o.Scheduler,
		logger:    o.Logger,
		metrics:   o.Metrics,
		spawn:     func(fn func()) { go fn() },
		firstRun:  true,
	}
}

// Start schedules the first health evaluation immediately.
func (w *Watson) Start() {
	w.logger.Info("watching service", "service", w.endpoint.Name, "url", w.url, "probe", w.checker.String(), "frequency", w.frequency)
	w.arm(0)
}

// Stop withdraws the registration if there is one and closes the session.
func (w *Watson) Stop() {
	if w.stopped {
		return
	}
	w.stopped = true
	stopTimer(w.tick)
	stopTimer(w.reconnect)
	if w.registered {
		w.send(registry.NewRemoveService(w.endpoint))
		w.registered = false
	}
	w.client.Disconnect()
}

func (w *Watson) Registered() bool { return w.registered }

func (w *Watson) arm(d time.Duration) {
	stopTimer(w.tick)
	w.tick = w.sched.Schedule(d, w.probe)
}

func (w *Watson) probe() {
	if w.stopped {
		return
	}
	start := w.sched.Now()
	w.spawn(func() {
		err := w.checker.Run(context.Background())
		w.sched.Post(func() { w.evaluate(err, start) })
	})
}

func (w *Watson) evaluate(probeErr error, started time.Time) {
	if w.stopped {
		return
	}
	w.metrics.Since(started, "health", "probe")
	if probeErr != nil {
		w.logger.Debug("probe failed", "url", w.url, "error", probeErr)
	}
	healthy := w.checker.Observe(probeErr == nil)

	switch {
	case healthy && !w.registered:
		w.transition("DEAD", "LIVE")
		w.registered = true
		if w.client.IsConnected() {
			w.send(registry.NewAddService(w.endpoint))
		} else if !w.client.IsConnecting() {
			// Join sends the registration.
			w.client.Subscribe(w)
		}
	case healthy:
		w.send(registry.NewHeartbeat())
	case w.registered:
		w.transition("LIVE", "DEAD")
		w.send(registry.NewRemoveService(w.endpoint))
		w.registered = false
	case w.firstRun:
		w.transition("START", "DEAD")
	}
	w.firstRun = false
	w.arm(w.frequency)
}

func (w *Watson) transition(from, to string) {
	w.logger.Info(fmt.Sprintf("%s -> %s (%s)", from, to, w.url))
	w.metrics.Incr("health", to)
}

func (w *Watson) send(msg registry.Message) {
	if !w.client.IsConnected() {
		return
	}
	if err := w.client.Send(msg); err == nil {
		w.metrics.Incr("messages", string(msg.Type))
	}
}

// HandleEvent implements hub.Handler.
func (w *Watson) HandleEvent(ev registry.Event) {
	switch ev.Type {
	case registry.EventJoin:
		w.backoff = 0
		w.logger.Info("connected to registry")
		if w.registered {
			w.send(registry.NewAddService(w.endpoint))
		}
	case registry.EventLeave:
		if w.stopped {
			return
		}
		w.logger.Warn("registry connection lost", "registered", w.registered)
		if !w.registered {
			// Nothing is announced while unhealthy, so no session is needed;
			// the next healthy tick reconnects.
			return
		}
		delay := w.backoff
		w.backoff = nextBackoff(w.backoff)
		stopTimer(w.reconnect)
		w.reconnect = w.sched.Schedule(delay, w.redial)
		if delay > 0 {
			w.logger.Info("reconnecting to registry", "in", delay)
		}
	default:
		w.logger.Debug("registry event ignored", "type", ev.Tag)
	}
}

func (w *Watson) redial() {
	if w.stopped || !w.registered || w.client.IsConnected() || w.client.IsConnecting() {
		return
	}
	w.client.Subscribe(w)
}

func nextBackoff(d time.Duration) time.Duration {
	if d < minBackoff {
		return minBackoff
	}
	return min(2*d, maxBackoff)
}

func stopTimer(t reactor.Timer) {
	if t != nil {
		t.Stop()
	}
}
