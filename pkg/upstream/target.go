// Package upstream describes where a routed connection goes and opens the
// outbound leg to it.
package upstream

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"

	"snirelay.dev/snirelay/pkg/resolver"
)

type Kind int

const (
	// Direct connects to Host:Port, through Via when it is set.
	Direct Kind = iota
	// Ban closes the client connection without an outbound leg.
	Ban
	// Echo sends the client's bytes back to it.
	Echo
	// Health answers a single HTTP/1.1 request with 200 OK.
	Health
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Ban:
		return "ban"
	case Echo:
		return "echo"
	case Health:
		return "health"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Names of the upstreams that always exist.
const (
	BanName    = "ban"
	EchoName   = "echo"
	HealthName = "health"
)

// Header is one request header sent to an upstream HTTP proxy.
type Header struct {
	Name  string
	Value string
}

// ProxyDescriptor is an upstream HTTP proxy reached with CONNECT. Header
// values are final; any templating happened at load time.
type ProxyDescriptor struct {
	Addr    string
	Headers []Header
}

// Target is a resolved routing destination.
type Target struct {
	Name string
	Kind Kind
	// Network is tcp, tcp4 or tcp6 and selects the address family.
	Network string
	Host    string
	Port    uint16
	Via     *ProxyDescriptor
}

// Addr returns host:port of the destination.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// Through returns t routed via proxy. Only Direct targets are affected.
func (t Target) Through(proxy *ProxyDescriptor) Target {
	if t.Kind == Direct {
		t.Via = proxy
	}
	return t
}

func (t Target) String() string {
	switch {
	case t.Kind != Direct:
		return t.Kind.String()
	case t.Via != nil:
		return fmt.Sprintf("%s://%s via %s", t.Network, t.Addr(), t.Via.Addr)
	default:
		return fmt.Sprintf("%s://%s", t.Network, t.Addr())
	}
}

func (t Target) resolverNetwork() string {
	switch t.Network {
	case "tcp4":
		return resolver.IP4
	case "tcp6":
		return resolver.IP6
	}
	return resolver.IP
}

// Builtin returns the upstreams every configuration has.
func Builtin() map[string]Target {
	return map[string]Target{
		BanName:    {Name: BanName, Kind: Ban},
		EchoName:   {Name: EchoName, Kind: Echo},
		HealthName: {Name: HealthName, Kind: Health},
	}
}

// Parse reads an upstream definition of the form tcp://host:port (tcp4 and
// tcp6 restrict the address family).
func Parse(name, raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("invalid upstream url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
	default:
		return Target{}, fmt.Errorf("invalid upstream scheme %q in %q", u.Scheme, raw)
	}
	host := u.Hostname()
	if host == "" {
		return Target{}, fmt.Errorf("invalid upstream url %q: missing host", raw)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.User != nil {
		return Target{}, fmt.Errorf("invalid upstream url %q: only scheme, host and port are allowed", raw)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if (u.Scheme == "tcp4" && !addr.Is4()) || (u.Scheme == "tcp6" && addr.Is4()) {
			return Target{}, fmt.Errorf("invalid upstream url %q: %s is not a %s address", raw, host, u.Scheme)
		}
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil || port == 0 {
		return Target{}, fmt.Errorf("invalid upstream url %q: missing or bad port", raw)
	}
	return Target{
		Name:    name,
		Kind:    Direct,
		Network: u.Scheme,
		Host:    host,
		Port:    uint16(port),
	}, nil
}
