package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"snirelay.dev/snirelay/pkg/config"
	"snirelay.dev/snirelay/pkg/resolver"
	"snirelay.dev/snirelay/pkg/router"
	"snirelay.dev/snirelay/pkg/sni"
	"snirelay.dev/snirelay/pkg/upstream"
)

const (
	DefaultHelloTimeout = sni.DefaultTimeout
	// DefaultProxyHeaderTimeout bounds the wait for an inbound PROXY header.
	DefaultProxyHeaderTimeout = 5 * time.Second
)

// Options tune a Proxy. Zero values select defaults.
type Options struct {
	HelloTimeout   time.Duration
	MaxHelloBytes  int
	ConnectTimeout time.Duration
	// Registerer receives the connection metrics. Nil uses a private
	// registry.
	Registerer prometheus.Registerer
}

// Server is the runtime form of one configured server.
type Server struct {
	Name   string
	Listen []string
	TLS    bool

	SendProxyProtocol   bool
	AcceptProxyProtocol bool

	router  *router.Router
	targets map[string]upstream.Target
	gate    *Gate
}

func newServer(spec config.Server, upstreams map[string]upstream.Target) (*Server, error) {
	var rules []router.Rule
	if spec.TLS {
		rules = spec.Rules
	}
	r, err := router.New(rules, spec.Default)
	if err != nil {
		return nil, err
	}

	targets := map[string]upstream.Target{}
	names := []string{spec.Default}
	for _, rule := range rules {
		names = append(names, rule.Target)
	}
	for _, name := range names {
		target, ok := upstreams[name]
		if !ok {
			return nil, fmt.Errorf("upstream %q is not defined", name)
		}
		targets[name] = target.Through(spec.Via)
	}

	return &Server{
		Name:                spec.Name,
		Listen:              spec.Listen,
		TLS:                 spec.TLS,
		SendProxyProtocol:   spec.SendProxyProtocol,
		AcceptProxyProtocol: spec.AcceptProxyProtocol,
		router:              r,
		targets:             targets,
		gate:                NewGate(spec.MaxClients),
	}, nil
}

// Active returns the number of connections holding an admission slot.
func (s *Server) Active() int64 { return s.gate.Active() }

// Proxy routes connections of every configured server to its upstreams.
type Proxy struct {
	opts      Options
	servers   []*Server
	extractor sni.Extractor
	connector *upstream.Connector
	metrics   *metrics

	mutex sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// New builds a Proxy for cfg. Outbound names are resolved through cache.
func New(cfg *config.Config, cache *resolver.Cache, opts Options) (*Proxy, error) {
	if opts.HelloTimeout == 0 {
		opts.HelloTimeout = DefaultHelloTimeout
	}
	if opts.MaxHelloBytes == 0 {
		opts.MaxHelloBytes = sni.DefaultMaxBytes
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = upstream.DefaultConnectTimeout
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	p := &Proxy{
		opts:      opts,
		extractor: sni.Extractor{Timeout: opts.HelloTimeout, MaxBytes: opts.MaxHelloBytes},
		connector: upstream.NewConnector(cache, opts.ConnectTimeout),
		metrics:   m,
		conns:     map[*Conn]struct{}{},
	}
	for _, spec := range cfg.Servers {
		srv, err := newServer(spec, cfg.Upstreams)
		if err != nil {
			return nil, fmt.Errorf("server %q: %w", spec.Name, err)
		}
		p.servers = append(p.servers, srv)
	}
	return p, nil
}

// Servers returns the configured servers in configuration order.
func (p *Proxy) Servers() []*Server { return p.servers }

// Server returns the server called name, or nil.
func (p *Proxy) Server(name string) *Server {
	for _, srv := range p.servers {
		if srv.Name == name {
			return srv
		}
	}
	return nil
}

// Serve accepts connections from l for srv until ctx is done. It closes l.
func (p *Proxy) Serve(ctx context.Context, srv *Server, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer l.Close()

	// in-flight connections outlive the listener and are drained by Shutdown
	connCtx := context.WithoutCancel(ctx)
	klog.Infof("server %s listening on %s", srv.Name, l.Addr())
	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept new conn on %s: %w", l.Addr(), err)
		}
		// counted before the goroutine starts so Shutdown cannot miss it
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.HandleConnection(connCtx, srv, c)
		}()
	}
}

// HandleConnection proxies c on behalf of srv and returns once the
// connection is finished. c is always closed.
func (p *Proxy) HandleConnection(ctx context.Context, srv *Server, c net.Conn) {
	conn := newConn(p, srv, c)

	p.mutex.Lock()
	p.conns[conn] = struct{}{}
	p.mutex.Unlock()
	defer func() {
		p.mutex.Lock()
		delete(p.conns, conn)
		p.mutex.Unlock()
	}()

	conn.serve(ctx)
}

// ListenAndServe listens on every address of every server and serves
// until ctx is done or a listener fails.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	type bound struct {
		srv *Server
		l   net.Listener
	}
	var listeners []bound
	for _, srv := range p.servers {
		for _, addr := range srv.Listen {
			l, err := lc.Listen(ctx, "tcp", addr)
			if err != nil {
				for _, b := range listeners {
					b.l.Close()
				}
				return fmt.Errorf("create listener for server %s: %w", srv.Name, err)
			}
			listeners = append(listeners, bound{srv: srv, l: l})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range listeners {
		b := b
		g.Go(func() error {
			return p.Serve(gctx, b.srv, b.l)
		})
	}
	return g.Wait()
}

// Shutdown waits for the connections accepted by Serve to finish. When ctx is done
// first, the remaining client connections are closed and ctx's error is
// returned once they have unwound. Listeners are stopped by cancelling
// the context given to Serve.
func (p *Proxy) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	p.mutex.Lock()
	klog.Warningf("closing %d connections still open after the shutdown grace period", len(p.conns))
	for conn := range p.conns {
		conn.Close()
	}
	p.mutex.Unlock()

	<-done
	return ctx.Err()
}

// Active returns the number of connections being handled.
func (p *Proxy) Active() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.conns)
}

// ErrNoServers is returned by Run when the configuration has no servers.
var ErrNoServers = errors.New("no servers configured")

// Run serves until ctx is done, then drains in-flight connections for at
// most grace.
func (p *Proxy) Run(ctx context.Context, grace time.Duration) error {
	if len(p.servers) == 0 {
		return ErrNoServers
	}
	serveErr := p.ListenAndServe(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if active := p.Active(); active > 0 {
		klog.Infof("draining %d connections", active)
		for _, srv := range p.Servers() {
			if n := srv.Active(); n > 0 {
				klog.V(1).Infof("server %s: %d connections admitted", srv.Name, n)
			}
		}
	}
	if err := p.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		klog.Warningf("shutdown: %v", err)
	}
	return serveErr
}
