// Package haproxy turns a registry snapshot into an HAProxy configuration,
// writes it and asks the running proxy to reload.
package haproxy

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"text/template"

	"github.com/hashicorp/go-hclog"

	"bakerstreet/internal/registry"
)

// DefaultTemplate is used when no config_template is configured. The
// generated ACLs are appended to the trailing frontend section.
const DefaultTemplate = `global
    daemon
    maxconn 4096
{{- if .PIDPath}}
    pidfile {{.PIDPath}}
{{- end}}

defaults
    mode http
    option httplog
    timeout connect 5s
    timeout client 50s
    timeout server 50s

frontend http-in
    bind *:{{.FrontendPort}}
`

// Params are the values the base template can reference.
type Params struct {
	PIDPath      string
	FrontendPort int
	RunDir       string
}

// Rendered is one rendering of a snapshot.
type Rendered struct {
	Text        string
	Fingerprint [16]byte
	Backends    []string
}

func (r Rendered) Hex() string { return hex.EncodeToString(r.Fingerprint[:]) }

type Renderer struct {
	base   *template.Template
	params Params
	logger hclog.Logger
}

// NewRenderer parses base; an empty base selects DefaultTemplate.
func NewRenderer(base string, params Params, logger hclog.Logger) (*Renderer, error) {
	if strings.TrimSpace(base) == "" {
		base = DefaultTemplate
	}
	tmpl, err := template.New("haproxy").Option("missingkey=error").Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Renderer{base: tmpl, params: params, logger: logger}, nil
}

// LoadTemplate reads a base template file.
func LoadTemplate(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read config template: %w", err)
	}
	return string(b), nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeName maps a service name onto characters HAProxy accepts in
// identifiers and path prefixes.
func SanitizeName(name string) string {
	return unsafeName.ReplaceAllString(name, "_")
}

type backend struct {
	name    string
	path    string
	servers []string
}

// Render is a pure function of s: services are visited in name order and
// endpoints in registry order.
func (r *Renderer) Render(s registry.Services) (Rendered, error) {
	var buf bytes.Buffer
	if err := r.base.Execute(&buf, r.params); err != nil {
		return Rendered{}, fmt.Errorf("execute config template: %w", err)
	}
	if buf.Len() > 0 && buf.Bytes()[buf.Len()-1] != '\n' {
		buf.WriteByte('\n')
	}

	var backends []backend
	seen := make(map[string]string)
	for _, name := range s.Names() {
		endpoints := s[name]
		if len(endpoints) == 0 {
			r.logger.Warn("skipping service with no endpoints", "service", name)
			continue
		}
		id := SanitizeName(name)
		if prev, dup := seen[id]; dup {
			r.logger.Warn("skipping service whose name collides after sanitising", "service", name, "other", prev)
			continue
		}
		b := backend{name: id}
		for _, ep := range endpoints {
			if ep.Port.Name != "http" {
				r.logger.Debug("skipping non-http endpoint", "service", name, "endpoint", ep.String())
				continue
			}
			if b.path == "" {
				b.path = ep.PathOrDefault()
			}
			b.servers = append(b.servers, fmt.Sprintf("server %s-%d %s check", id, len(b.servers)+1, ep.HostPort()))
		}
		if len(b.servers) == 0 {
			r.logger.Warn("skipping service with no http endpoints", "service", name)
			continue
		}
		seen[id] = name
		backends = append(backends, b)
	}

	for _, b := range backends {
		// Same-named ACLs are ORed. Matching on a segment boundary keeps
		// /user from capturing /users/...
		fmt.Fprintf(&buf, "    acl svc_%s path /%s\n", b.name, b.name)
		fmt.Fprintf(&buf, "    acl svc_%s path_beg /%s/\n", b.name, b.name)
		fmt.Fprintf(&buf, "    use_backend %s if svc_%s\n", b.name, b.name)
	}
	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.name)
		fmt.Fprintf(&buf, "\nbackend %s\n", b.name)
		buf.WriteString("    mode http\n")
		buf.WriteString("    balance roundrobin\n")
		fmt.Fprintf(&buf, "    http-request replace-path ^/%s(/|$)(.*) %s\\2\n", regexp.QuoteMeta(b.name), rewriteTarget(b.path))
		for _, srv := range b.servers {
			buf.WriteString("    " + srv + "\n")
		}
	}

	text := buf.String()
	return Rendered{Text: text, Fingerprint: md5.Sum([]byte(text)), Backends: names}, nil
}

// rewriteTarget makes the endpoint path usable as a replace-path prefix.
func rewriteTarget(path string) string {
	if path == "" {
		path = registry.DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path
}
