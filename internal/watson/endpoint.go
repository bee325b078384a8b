package watson

import (
	"fmt"
	"net/url"
	"strconv"

	"bakerstreet/internal/registry"
)

var defaultPorts = map[string]uint16{"http": 80, "https": 443}

// EndpointFromURL derives the advertised endpoint from the service URL. The
// scheme names the port; a missing port falls back to the scheme default.
func EndpointFromURL(name, rawURL, path string) (registry.ServiceEndpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return registry.ServiceEndpoint{}, fmt.Errorf("service url: %w", err)
	}
	if u.Hostname() == "" {
		return registry.ServiceEndpoint{}, fmt.Errorf("service url %q has no host", rawURL)
	}
	def, known := defaultPorts[u.Scheme]
	if !known {
		return registry.ServiceEndpoint{}, fmt.Errorf("service url %q: unsupported scheme %q", rawURL, u.Scheme)
	}
	port := def
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return registry.ServiceEndpoint{}, fmt.Errorf("service url %q: bad port %q", rawURL, p)
		}
		port = uint16(n)
	}
	ep := registry.NewServiceEndpoint(name,
		registry.NewNetworkAddress(u.Hostname()),
		registry.ServicePort{Name: u.Scheme, Port: port, Secure: u.Scheme == "https"})
	if path != "" {
		ep.Path = path
	}
	return ep, nil
}
