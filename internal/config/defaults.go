package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultRegistryPort   = 52689
	DefaultFrequency      = Duration(time.Second)
	DefaultProbeTimeout   = Duration(3 * time.Second)
	DefaultSyncDelay      = Duration(3 * time.Second)
	DefaultDebounce       = Duration(5 * time.Second)
	DefaultReconnectDelay = Duration(time.Second)
	DefaultReloadTimeout  = Duration(10 * time.Second)
	DefaultReloadInterval = Duration(2 * time.Second)
)

func (r *Registry) setDefaults() {
	if r.Transport == "" {
		r.Transport = "websocket"
	}
	if r.Host == "" {
		r.Host = "127.0.0.1"
	}
	if r.Port == 0 {
		r.Port = DefaultRegistryPort
	}
}

func (r Registry) validate() []error {
	var errs []error
	switch r.Transport {
	case "websocket":
		if r.Port < 1 || r.Port > 65535 {
			errs = append(errs, fmt.Errorf("registry.port out of range: %d", r.Port))
		}
	case "etcd":
		if len(r.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("registry.etcd.endpoints is required for the etcd transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry.transport %q", r.Transport))
	}
	return errs
}

func (c *Watson) SetDefaults() {
	c.Registry.setDefaults()
	if c.Frequency <= 0 {
		c.Frequency = DefaultFrequency
	}
	h := &c.HealthCheck
	if h.Kind == "" {
		h.Kind = "http"
	}
	if h.Method == "" {
		h.Method = "GET"
	}
	h.Method = strings.ToUpper(h.Method)
	if h.URL == "" && h.Kind == "http" {
		h.URL = c.Service.URL
	}
	if h.Timeout <= 0 {
		h.Timeout = DefaultProbeTimeout
	}
	if h.UnhealthyThreshold == 0 {
		h.UnhealthyThreshold = 1
	}
	if h.HealthyThreshold == 0 {
		h.HealthyThreshold = 1
	}
	if len(h.HealthyStatuses) == 0 {
		h.HealthyStatuses = []int{200}
	}
	if c.Service.Path == "" {
		c.Service.Path = "/"
	}
}

// Validate reports every missing or malformed option at once.
func (c *Watson) Validate() error {
	errs := c.Registry.validate()
	if c.Service.Name == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	if c.Service.URL == "" {
		errs = append(errs, errors.New("service.url is required"))
	}
	h := c.HealthCheck
	if h.UnhealthyThreshold < 1 {
		errs = append(errs, fmt.Errorf("health_check.unhealthy_threshold must be >= 1, got %d", h.UnhealthyThreshold))
	}
	if h.HealthyThreshold < 1 {
		errs = append(errs, fmt.Errorf("health_check.healthy_threshold must be >= 1, got %d", h.HealthyThreshold))
	}
	switch h.Kind {
	case "http":
		if h.URL == "" {
			errs = append(errs, errors.New("health_check.url is required"))
		}
	case "tcp":
		if h.Address == "" {
			errs = append(errs, errors.New("health_check.address is required for tcp checks"))
		}
	case "command":
		if strings.TrimSpace(h.Command) == "" {
			errs = append(errs, errors.New("health_check.command is required for command checks"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown health_check.kind %q", h.Kind))
	}
	return errors.Join(errs...)
}

func (c *Sherlock) SetDefaults() {
	c.Registry.setDefaults()
	if c.SyncDelay <= 0 {
		c.SyncDelay = DefaultSyncDelay
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	p := &c.Proxy
	if p.FrontendPort == 0 {
		p.FrontendPort = 80
	}
	if p.ReloadTimeout <= 0 {
		p.ReloadTimeout = DefaultReloadTimeout
	}
	if p.ReloadInterval <= 0 {
		p.ReloadInterval = DefaultReloadInterval
	}
	if p.ReloadBurst <= 0 {
		p.ReloadBurst = 1
	}
	if p.Executable != "" && p.ReloadCommand == "" {
		p.ReloadCommand = "-f {config_path} -p {pid_path} -sf {pid}"
	}
}

func (c *Sherlock) Validate() error {
	errs := c.Registry.validate()
	if c.Proxy.ConfigPath == "" {
		errs = append(errs, errors.New("haproxy.config_path is required"))
	}
	if c.Proxy.FrontendPort < 1 || c.Proxy.FrontendPort > 65535 {
		errs = append(errs, fmt.Errorf("haproxy.frontend_port out of range: %d", c.Proxy.FrontendPort))
	}
	if c.Proxy.Executable != "" && c.Proxy.PIDPath == "" && strings.Contains(c.Proxy.ReloadCommand, "{pid") {
		errs = append(errs, errors.New("haproxy.pid_path is required by the reload command"))
	}
	return errors.Join(errs...)
}
