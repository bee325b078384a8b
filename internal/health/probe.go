package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"slices"
	"strings"

	"bakerstreet/internal/config"
)

var (
	ErrMethodNotAllowed  = errors.New("health: unsupported HTTP method")
	ErrNoHealthyStatuses = errors.New("health: at least one healthy status code is required")
)

var allowedMethods = []string{
	http.MethodDelete, http.MethodGet, http.MethodHead, http.MethodOptions,
	http.MethodPut, http.MethodPost, http.MethodTrace,
}

// StatusError is returned when the service answered outside the healthy set.
type StatusError struct{ Code int }

func (e *StatusError) Error() string { return fmt.Sprintf("unhealthy status %d", e.Code) }

// HTTPProbe issues one request and accepts only the configured statuses.
type HTTPProbe struct {
	method   string
	url      string
	statuses []int
	client   *http.Client
}

func NewHTTPProbe(method, url string, statuses []int) (*HTTPProbe, error) {
	method = strings.ToUpper(method)
	if !slices.Contains(allowedMethods, method) {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotAllowed, method)
	}
	if len(statuses) == 0 {
		return nil, ErrNoHealthyStatuses
	}
	if url == "" {
		return nil, errors.New("health: empty probe url")
	}
	return &HTTPProbe{
		method:   method,
		url:      url,
		statuses: slices.Clone(statuses),
		// the checker's context carries the timeout
		client: &http.Client{},
	}, nil
}

func (p *HTTPProbe) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, p.method, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if !slices.Contains(p.statuses, resp.StatusCode) {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (p *HTTPProbe) String() string { return "HTTPProbe(" + p.method + " " + p.url + ")" }

// TCPProbe succeeds when a TCP connection can be opened.
type TCPProbe struct {
	Address string
}

func (p *TCPProbe) Probe(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p *TCPProbe) String() string { return "TCPProbe(" + p.Address + ")" }

// CommandProbe runs a shell command; exit status 0 is healthy.
type CommandProbe struct {
	Command string
}

func (p *CommandProbe) Probe(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "sh", "-c", p.Command).CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
		}
		return err
	}
	return nil
}

func (p *CommandProbe) String() string { return "CommandProbe(" + p.Command + ")" }

// NewProbe builds the probe a health_check section describes.
func NewProbe(cfg config.HealthCheck) (Probe, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "http":
		return NewHTTPProbe(cfg.Method, cfg.URL, cfg.HealthyStatuses)
	case "tcp":
		if cfg.Address == "" {
			return nil, errors.New("health: tcp probe needs an address")
		}
		return &TCPProbe{Address: cfg.Address}, nil
	case "command":
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, errors.New("health: command probe needs a command")
		}
		return &CommandProbe{Command: cfg.Command}, nil
	}
	return nil, fmt.Errorf("health: unknown probe kind %q", cfg.Kind)
}

// NewCheckerFromConfig wires probe, thresholds and timeout together.
func NewCheckerFromConfig(cfg config.HealthCheck) (*Checker, error) {
	p, err := NewProbe(cfg)
	if err != nil {
		return nil, err
	}
	return NewChecker(p, cfg.UnhealthyThreshold, cfg.HealthyThreshold, cfg.Timeout.D())
}
