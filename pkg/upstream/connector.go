package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"snirelay.dev/snirelay/pkg/failure"
	"snirelay.dev/snirelay/pkg/resolver"
)

const DefaultConnectTimeout = 10 * time.Second

// NetConn is an outbound leg that supports half-close.
type NetConn interface {
	net.Conn

	CloseRead() error
	CloseWrite() error
}

// Connector opens outbound legs for Direct targets. It never retries.
type Connector struct {
	resolver *resolver.Cache
	timeout  time.Duration
	dialer   net.Dialer
}

func NewConnector(cache *resolver.Cache, timeout time.Duration) *Connector {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Connector{resolver: cache, timeout: timeout}
}

// Dial connects to t within the connect timeout. Ban targets fail with
// failure.DeliberateReject; Echo and Health have no outbound leg and are
// rejected as programming errors.
func (c *Connector) Dial(ctx context.Context, t Target) (NetConn, error) {
	switch t.Kind {
	case Direct:
	case Ban:
		return nil, failure.Errorf(failure.DeliberateReject, "upstream %q bans this connection", t.Name)
	default:
		return nil, fmt.Errorf("upstream %q (%s) has no outbound connection", t.Name, t.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if t.Via != nil {
		return c.dialViaProxy(ctx, t)
	}
	return c.dialDirect(ctx, t)
}

func (c *Connector) dialDirect(ctx context.Context, t Target) (NetConn, error) {
	addr, err := c.resolver.Pick(ctx, t.resolverNetwork(), t.Host)
	if err != nil {
		return nil, failure.New(failure.ResolutionFailure, err)
	}

	conn, err := c.dial(ctx, t.Network, netip.AddrPortFrom(addr, t.Port))
	if err != nil {
		if isTimeout(err) {
			return nil, failure.Errorf(failure.DirectConnectTimeout, "connecting to %s: %w", t.Addr(), err)
		}
		return nil, failure.Errorf(failure.DirectConnectFailure, "connecting to %s: %w", t.Addr(), err)
	}
	klog.V(4).Infof("connected to %s (%s)", t, conn.RemoteAddr())
	return conn, nil
}

func (c *Connector) dialViaProxy(ctx context.Context, t Target) (NetConn, error) {
	host, portStr, err := net.SplitHostPort(t.Via.Addr)
	if err != nil {
		return nil, failure.Errorf(failure.ProxyConnectFailure, "bad proxy address %q: %w", t.Via.Addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, failure.Errorf(failure.ProxyConnectFailure, "bad proxy port %q: %w", t.Via.Addr, err)
	}

	addr, err := c.resolver.Pick(ctx, resolver.IP, host)
	if err != nil {
		return nil, failure.New(failure.ResolutionFailure, err)
	}

	conn, err := c.dial(ctx, "tcp", netip.AddrPortFrom(addr, uint16(port)))
	if err != nil {
		return nil, failure.Errorf(failure.ProxyConnectFailure, "connecting to proxy %s: %w", t.Via.Addr, err)
	}

	tunnel, err := openTunnel(ctx, conn, t.Addr(), t.Via.Headers)
	if err != nil {
		conn.Close()
		return nil, err
	}
	klog.V(4).Infof("tunnel to %s established through %s", t.Addr(), t.Via.Addr)
	return tunnel, nil
}

func (c *Connector) dial(ctx context.Context, network string, addr netip.AddrPort) (*net.TCPConn, error) {
	conn, err := c.dialer.DialContext(ctx, network, addr.String())
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
