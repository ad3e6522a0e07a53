package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	proxyproto "github.com/armon/go-proxyproto"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"snirelay.dev/snirelay/pkg/failure"
	"snirelay.dev/snirelay/pkg/sni"
	"snirelay.dev/snirelay/pkg/upstream"
)

// State is a step in the life of one client connection.
type State int

const (
	Accepted State = iota
	Admitted
	Sniffing
	Routed
	Connecting
	Relaying
	Closed
	Failed
)

var stateNames = [...]string{"accepted", "admitted", "sniffing", "routed", "connecting", "relaying", "closed", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// A Conn handles the proxying of one client connection.
type Conn struct {
	net.Conn
	id     string
	proxy  *Proxy
	server *Server

	state  State
	hello  sni.Result
	prefix []byte
	target upstream.Target

	counters relayCounters
}

func newConn(p *Proxy, srv *Server, c net.Conn) *Conn {
	if srv.AcceptProxyProtocol {
		c = &proxiedConn{Conn: proxyproto.NewConn(c, DefaultProxyHeaderTimeout), raw: c}
	}
	return &Conn{
		Conn:   c,
		id:     uuid.NewString(),
		proxy:  p,
		server: srv,
	}
}

func (c *Conn) logf(level klog.Level, msg string, args ...interface{}) {
	if !klog.V(level).Enabled() {
		return
	}
	msg = fmt.Sprintf(msg, args...)
	klog.InfoDepth(1, fmt.Sprintf("%s %s <> %s: %s", c.id, c.RemoteAddr(), c.LocalAddr(), msg))
}

func (c *Conn) setState(s State) {
	c.logf(4, "%s -> %s", c.state, s)
	c.state = s
}

// serve runs the connection to completion and closes the client side.
func (c *Conn) serve(ctx context.Context) {
	start := time.Now()
	err := c.run(ctx)
	c.Close()

	c.proxy.metrics.relayed(c.server.Name, &c.counters)
	c.proxy.metrics.finished(c.server.Name, err)

	if err != nil {
		c.setState(Failed)
		reason := failure.ReasonOf(err)
		switch reason {
		case failure.AdmissionRejected, failure.DeliberateReject, failure.ClientClosed:
			c.logf(1, "closed (%s): %v", reason, err)
		default:
			elapsed := time.Since(start).Round(time.Millisecond)
			if c.target.Name == "" {
				c.logf(0, "failed (%s) after %s: %v", reason, elapsed, err)
			} else {
				c.logf(0, "failed (%s) after %s, sni %q, target %s: %v", reason, elapsed, c.hello.ServerName, c.target, err)
			}
		}
		return
	}
	c.setState(Closed)
	c.logf(2, "done after %s, %d bytes up, %d bytes down", time.Since(start).Round(time.Millisecond), c.counters.up.Load(), c.counters.down.Load())
}

func (c *Conn) run(ctx context.Context) error {
	slot, ok := c.server.gate.Acquire()
	if !ok {
		return failure.Errorf(failure.AdmissionRejected, "server %s is at its limit of %d connections", c.server.Name, c.server.gate.Max())
	}
	defer slot.Release()
	active := c.proxy.metrics.active.WithLabelValues(c.server.Name)
	active.Inc()
	defer active.Dec()
	c.setState(Admitted)

	if pc, ok := c.Conn.(*proxiedConn); ok {
		// the header read sets and clears its own deadline, so it has to
		// finish before the hello deadline is armed
		pc.readHeader()
	}

	if c.server.TLS {
		c.setState(Sniffing)
		hello, prefix, err := c.proxy.extractor.Extract(c.Conn)
		c.prefix = prefix
		if err != nil {
			return err
		}
		c.hello = hello
	}

	name := c.server.router.Match(c.hello.ServerName)
	c.target = c.server.targets[name]
	c.setState(Routed)
	if c.hello.HasServerName() {
		c.logf(2, "sni %q routed to %s (%s)", c.hello.ServerName, name, c.target)
	} else {
		c.logf(2, "no sni, routed to %s (%s)", name, c.target)
	}

	switch c.target.Kind {
	case upstream.Ban:
		// no TLS alert, the client only sees the close
		return failure.Errorf(failure.DeliberateReject, "banned by upstream %s", name)
	case upstream.Echo:
		c.setState(Relaying)
		return echo(c.Conn, c.prefix, &c.counters)
	case upstream.Health:
		c.setState(Relaying)
		if err := upstream.ServeHealth(c.Conn, c.prefix, c.proxy.opts.HelloTimeout); err != nil {
			return failure.New(failure.ClientClosed, err)
		}
		return nil
	}

	c.setState(Connecting)
	backendConn, err := c.proxy.connector.Dial(ctx, c.target)
	if err != nil {
		return err
	}
	defer backendConn.Close()
	c.logf(3, "connected to %s at %s", c.target, backendConn.RemoteAddr())

	// If the backend supports the HAProxy PROXY protocol, give it the
	// real source information about the connection.
	if c.server.SendProxyProtocol {
		header := proxyHeader(c.RemoteAddr(), c.LocalAddr())
		n, err := io.WriteString(backendConn, header)
		c.counters.up.Add(int64(n))
		if err != nil {
			return failure.Errorf(failure.RelayIOError, "sending PROXY header to %s: %w", c.target, err)
		}
	}

	// Replay the piece of the handshake we had to read to do the
	// routing, then blindly proxy any other bytes.
	c.setState(Relaying)
	return relay(c.Conn, backendConn, c.prefix, &c.counters)
}

// proxiedConn reads an inbound PROXY header and keeps the accepted conn
// around for half-closes.
type proxiedConn struct {
	*proxyproto.Conn
	raw net.Conn
}

// readHeader consumes the PROXY header, if any. A malformed header closes
// the conn and later reads fail.
func (c *proxiedConn) readHeader() {
	c.Conn.RemoteAddr()
}

func (c *proxiedConn) CloseWrite() error {
	if cw, ok := c.raw.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return errHalfClose
}

func (c *proxiedConn) CloseRead() error {
	if cr, ok := c.raw.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return errHalfClose
}

var errHalfClose = errors.New("connection does not support half-close")
