// Package health probes a local service and damps flapping results.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Probe performs one check. A nil error means the service answered healthy.
type Probe interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

var ErrThreshold = errors.New("health: thresholds must be >= 1")

// Checker applies hysteresis to probe results. Reported health changes to
// unhealthy only after failuresAllowed consecutive failures, and back to
// healthy only after successesRequired consecutive successes.
//
// Both counters start at their thresholds, so the first probe is believed
// immediately. A Checker is not safe for concurrent use.
type Checker struct {
	probe   Probe
	timeout time.Duration

	consecutiveFailures  int
	consecutiveSuccesses int
	failuresAllowed      int
	successesRequired    int
}

func NewChecker(probe Probe, failuresAllowed, successesRequired int, timeout time.Duration) (*Checker, error) {
	if failuresAllowed < 1 || successesRequired < 1 {
		return nil, fmt.Errorf("%w (failures=%d successes=%d)", ErrThreshold, failuresAllowed, successesRequired)
	}
	return &Checker{
		probe:                probe,
		timeout:              timeout,
		consecutiveFailures:  failuresAllowed,
		consecutiveSuccesses: successesRequired,
		failuresAllowed:      failuresAllowed,
		successesRequired:    successesRequired,
	}, nil
}

// Observe folds one probe result into the state and returns reported health.
func (c *Checker) Observe(ok bool) bool {
	if ok {
		c.consecutiveFailures = 0
		c.consecutiveSuccesses = min(c.consecutiveSuccesses+1, c.successesRequired)
		return c.consecutiveSuccesses >= c.successesRequired
	}
	c.consecutiveSuccesses = 0
	c.consecutiveFailures = min(c.consecutiveFailures+1, c.failuresAllowed)
	return c.consecutiveFailures < c.failuresAllowed
}

// Run executes the probe under the configured timeout. A timed-out probe is
// a failed probe.
func (c *Checker) Run(ctx context.Context) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.probe.Probe(ctx)
}

// Check runs the probe and observes the result.
func (c *Checker) Check(ctx context.Context) bool {
	return c.Observe(c.Run(ctx) == nil)
}

// Counters returns (consecutive failures, consecutive successes).
func (c *Checker) Counters() (int, int) {
	return c.consecutiveFailures, c.consecutiveSuccesses
}

func (c *Checker) String() string {
	return fmt.Sprintf("%v", c.probe)
}
