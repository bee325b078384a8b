package registry

import (
	"fmt"
	"net"
	"strconv"
)

// Basic model: addresses, ports and the endpoints a service advertises.

// AddressType tells the registry how to interpret NetworkAddress.Host.
type AddressType string

const (
	AddressIPv4 AddressType = "ipv4"
	AddressIPv6 AddressType = "ipv6"
	AddressDNS  AddressType = "dns"
)

// DefaultPath is used when an endpoint does not declare a path.
const DefaultPath = "/"

// NetworkAddress is the IP or DNS name of a service endpoint.
type NetworkAddress struct {
	Host string      `json:"host"`
	Type AddressType `json:"type"`
}

// NewNetworkAddress detects the address type from host.
func NewNetworkAddress(host string) NetworkAddress {
	return NetworkAddress{Host: host, Type: DetectAddressType(host)}
}

// DetectAddressType classifies host as an IPv4/IPv6 literal or a DNS name.
func DetectAddressType(host string) AddressType {
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		return AddressDNS
	case ip.To4() != nil:
		return AddressIPv4
	default:
		return AddressIPv6
	}
}

func (a NetworkAddress) String() string { return a.Host }

// ServicePort is a port plus the protocol tag it speaks ("http", "https", ...).
type ServicePort struct {
	Name   string `json:"name"`
	Port   uint16 `json:"port"`
	Secure bool   `json:"secure"`
}

func (p ServicePort) String() string {
	return p.Name + "-" + strconv.Itoa(int(p.Port))
}

// ServiceEndpoint is one advertisable instance of a named service.
// Endpoints are never edited after construction; changes are expressed by
// sending new add/remove messages.
type ServiceEndpoint struct {
	Name    string         `json:"name"`
	Address NetworkAddress `json:"address"`
	Port    ServicePort    `json:"port"`
	Path    string         `json:"path"`
}

// NewServiceEndpoint builds an endpoint with the default path.
func NewServiceEndpoint(name string, address NetworkAddress, port ServicePort) ServiceEndpoint {
	return ServiceEndpoint{Name: name, Address: address, Port: port, Path: DefaultPath}
}

// EndpointKey identifies an endpoint: (name, host, port).
type EndpointKey struct {
	Name string
	Host string
	Port uint16
}

func (e ServiceEndpoint) Key() EndpointKey {
	return EndpointKey{Name: e.Name, Host: e.Address.Host, Port: e.Port.Port}
}

// HostPort returns "host:port", bracketing IPv6 literals.
func (e ServiceEndpoint) HostPort() string {
	return net.JoinHostPort(e.Address.Host, strconv.Itoa(int(e.Port.Port)))
}

// PathOrDefault returns Path, falling back to "/".
func (e ServiceEndpoint) PathOrDefault() string {
	if e.Path == "" {
		return DefaultPath
	}
	return e.Path
}

func (e ServiceEndpoint) String() string {
	return fmt.Sprintf("%s://%s", e.Port.Name, e.HostPort())
}
