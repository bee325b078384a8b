// Package config loads the JSON configuration files of watson and sherlock.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that decodes from "5s"-style strings or from
// a plain number of seconds.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(x * float64(time.Second))
	case string:
		if x == "" {
			*d = 0
			return nil
		}
		if secs, err := strconv.ParseFloat(x, 64); err == nil {
			*d = Duration(secs * float64(time.Second))
			return nil
		}
		p, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(p)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Registry locates the registry. Transport is "websocket" (default) or "etcd".
type Registry struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Token     string `json:"token"`
	Secure    bool   `json:"secure"`
	Transport string `json:"transport"`
	Etcd      Etcd   `json:"etcd"`
}

type Etcd struct {
	Endpoints   []string `json:"endpoints"`
	Prefix      string   `json:"prefix"`
	LeaseTTL    Duration `json:"lease_ttl"`
	DialTimeout Duration `json:"dial_timeout"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
}

type Log struct {
	Level string `json:"level"`
	JSON  bool   `json:"json"`
}

// HealthCheck describes the probe watson runs. Kind is "http" (default),
// "tcp" or "command".
type HealthCheck struct {
	Kind               string   `json:"kind"`
	URL                string   `json:"url"`
	Method             string   `json:"method"`
	Timeout            Duration `json:"timeout"`
	UnhealthyThreshold int      `json:"unhealthy_threshold"`
	HealthyThreshold   int      `json:"healthy_threshold"`
	HealthyStatuses    []int    `json:"healthy_statuses"`
	Address            string   `json:"address"`
	Command            string   `json:"command"`
}

// Service is the identity watson announces.
type Service struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Path string `json:"path"`
}

type Watson struct {
	Registry    Registry    `json:"registry"`
	Service     Service     `json:"service"`
	HealthCheck HealthCheck `json:"health_check"`
	Frequency   Duration    `json:"frequency"`
	Log         Log         `json:"log"`
}

// Proxy configures rendering and reloading of HAProxy.
type Proxy struct {
	Executable     string   `json:"executable"`
	RunDir         string   `json:"run_dir"`
	ReloadCommand  string   `json:"reload_command"`
	ConfigTemplate string   `json:"config_template"`
	ConfigPath     string   `json:"config_path"`
	PIDPath        string   `json:"pid_path"`
	FrontendPort   int      `json:"frontend_port"`
	ReloadTimeout  Duration `json:"reload_timeout"`
	ReloadInterval Duration `json:"reload_interval"`
	ReloadBurst    int      `json:"reload_burst"`
}

type Status struct {
	Listen string `json:"listen"`
}

type Sherlock struct {
	Registry       Registry `json:"registry"`
	Proxy          Proxy    `json:"haproxy"`
	SyncDelay      Duration `json:"sync_delay"`
	Debounce       Duration `json:"debounce"`
	ReconnectDelay Duration `json:"reconnect_delay"`
	StatePath      string   `json:"state_path"`
	Status         Status   `json:"status"`
	Log            Log      `json:"log"`
}

var (
	envRef  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	erbRef  = regexp.MustCompile(`<%=\s*ENV\[['"]([A-Za-z_][A-Za-z0-9_]*)['"]\]\s*%>`)
	ErrPath = errors.New("config: empty path")
)

// Interpolate replaces ${VAR} and <%= ENV['VAR'] %> with values from lookup.
// Unset variables expand to the empty string.
func Interpolate(data []byte, lookup func(string) (string, bool)) []byte {
	expand := func(re *regexp.Regexp) func([]byte) []byte {
		return func(m []byte) []byte {
			name := re.FindSubmatch(m)[1]
			v, _ := lookup(string(name))
			return []byte(v)
		}
	}
	data = envRef.ReplaceAllFunc(data, expand(envRef))
	return erbRef.ReplaceAllFunc(data, expand(erbRef))
}

// Load reads path, expands environment references and decodes it into v.
func Load(path string, v any) error {
	if strings.TrimSpace(path) == "" {
		return ErrPath
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	b = Interpolate(b, os.LookupEnv)
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func LoadWatson(path string) (*Watson, error) {
	var c Watson
	if err := Load(path, &c); err != nil {
		return nil, err
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func LoadSherlock(path string) (*Sherlock, error) {
	var c Sherlock
	if err := Load(path, &c); err != nil {
		return nil, err
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
