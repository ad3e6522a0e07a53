// Package resolver caches DNS answers for upstream host names and keeps
// them fresh in the background.
//
// The first lookup of a name blocks; later lookups are served from the
// cache. A failed refresh keeps the previous answer so a resolver outage
// does not break routes that already work.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

const (
	DefaultRefreshInterval = time.Minute
	DefaultFailureTTL      = 3 * time.Second
	DefaultLookupTimeout   = 5 * time.Second
)

// Network values accepted by Resolve, as understood by net.Resolver.
const (
	IP  = "ip"
	IP4 = "ip4"
	IP6 = "ip6"
)

var ErrClosed = errors.New("resolver cache closed")

// Lookuper is satisfied by *net.Resolver.
type Lookuper interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type Options struct {
	RefreshInterval time.Duration
	// FailureTTL is how long a failed first lookup is remembered.
	FailureTTL    time.Duration
	LookupTimeout time.Duration
	// Registerer receives the cache metrics when set.
	Registerer prometheus.Registerer
}

type key struct {
	network string
	host    string
}

func (k key) String() string { return k.network + "/" + k.host }

type entry struct {
	key
	current atomic.Pointer[snapshot]
	next    atomic.Uint64
}

// Cache is safe for concurrent use.
type Cache struct {
	lookuper Lookuper
	opts     Options

	failures *cache.Cache
	group    singleflight.Group

	mutex   sync.RWMutex
	entries map[key]*entry
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lookups         *prometheus.CounterVec
	refreshFailures prometheus.Counter
}

// New builds a Cache. A nil lookuper means net.DefaultResolver.
func New(lookuper Lookuper, opts Options) *Cache {
	if lookuper == nil {
		lookuper = net.DefaultResolver
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = DefaultFailureTTL
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		lookuper: lookuper,
		opts:     opts,
		failures: cache.New(opts.FailureTTL, 2*opts.FailureTTL),
		entries:  make(map[key]*entry),
		ctx:      ctx,
		cancel:   cancel,
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snirelay_dns_lookups_total",
			Help: "DNS lookups performed by the upstream resolver cache.",
		}, []string{"kind", "result"}),
		refreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snirelay_dns_refresh_failures_total",
			Help: "Background refreshes that failed and kept the stale answer.",
		}),
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(c.lookups, c.refreshFailures, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "snirelay_dns_cached_hosts",
			Help: "Host names currently kept fresh by the resolver cache.",
		}, func() float64 { return float64(c.Len()) }))
	}
	return c
}

// Len returns the number of cached host names.
func (c *Cache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.entries)
}

// Resolve returns the cached addresses for host, looking them up first if
// the host has never been resolved. The returned list must not be modified.
func (c *Cache) Resolve(ctx context.Context, network, host string) (AddrList, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return AddrList{addr.Unmap()}, nil
	}
	e, err := c.entry(ctx, key{network: network, host: host})
	if err != nil {
		return nil, err
	}
	return e.current.Load().addrs, nil
}

// Pick returns one address for host, rotating through the cached set on
// successive calls. Literal IP addresses are returned as is.
func (c *Cache) Pick(ctx context.Context, network, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}

	e, err := c.entry(ctx, key{network: network, host: host})
	if err != nil {
		return netip.Addr{}, err
	}
	addrs := e.current.Load().addrs
	i := e.next.Add(1) - 1
	return addrs[i%uint64(len(addrs))], nil
}

// ResolvedAt reports when host was last successfully resolved.
func (c *Cache) ResolvedAt(network, host string) (time.Time, bool) {
	c.mutex.RLock()
	e := c.entries[key{network: network, host: host}]
	c.mutex.RUnlock()
	if e == nil {
		return time.Time{}, false
	}
	return e.current.Load().resolvedAt, true
}

// Close stops every background refresh and waits for them to exit.
func (c *Cache) Close() {
	c.mutex.Lock()
	c.closed = true
	c.mutex.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Cache) entry(ctx context.Context, k key) (*entry, error) {
	c.mutex.RLock()
	e := c.entries[k]
	c.mutex.RUnlock()
	if e != nil {
		return e, nil
	}

	if cached, found := c.failures.Get(k.String()); found {
		return nil, cached.(error)
	}

	ch := c.group.DoChan(k.String(), func() (interface{}, error) {
		return c.prime(k)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// prime performs the first lookup of k and starts its refresh loop.
func (c *Cache) prime(k key) (*entry, error) {
	c.mutex.RLock()
	e, closed := c.entries[k], c.closed
	c.mutex.RUnlock()
	if e != nil {
		return e, nil
	}
	if closed {
		return nil, ErrClosed
	}

	snap, err := c.lookup(k)
	if err != nil {
		c.lookups.WithLabelValues("initial", "error").Inc()
		c.failures.Set(k.String(), err, cache.DefaultExpiration)
		return nil, err
	}
	c.lookups.WithLabelValues("initial", "ok").Inc()

	e = &entry{key: k}
	e.current.Store(snap)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return e, nil
	}
	c.entries[k] = e
	c.wg.Add(1)
	go c.refreshLoop(e)

	klog.V(2).Infof("resolved %s to %s", k, snap.addrs)
	return e, nil
}

func (c *Cache) refreshLoop(e *entry) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.refresh(e); err != nil {
			klog.Warningf("refreshing %s failed, keeping %d cached addresses: %v", e.key, len(e.current.Load().addrs), err)
		}
	}
}

// refresh replaces e's addresses; on error the old ones stay in place.
func (c *Cache) refresh(e *entry) error {
	snap, err := c.lookup(e.key)
	if err != nil {
		c.lookups.WithLabelValues("refresh", "error").Inc()
		c.refreshFailures.Inc()
		return err
	}
	c.lookups.WithLabelValues("refresh", "ok").Inc()

	old := e.current.Swap(snap)
	if klog.V(4).Enabled() {
		klog.Infof("refreshed %s: %s -> %s", e.key, old.addrs, snap.addrs)
	}
	return nil
}

func (c *Cache) lookup(k key) (*snapshot, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.LookupTimeout)
	defer cancel()

	addrs, err := c.lookuper.LookupNetIP(ctx, k.network, k.host)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", k.host, err)
	}
	list := newAddrList(filter(k.network, addrs))
	if len(list) == 0 {
		return nil, fmt.Errorf("looking up %s: no %s addresses", k.host, k.network)
	}
	return &snapshot{addrs: list, resolvedAt: time.Now()}, nil
}

func filter(network string, addrs []netip.Addr) []netip.Addr {
	if network != IP4 && network != IP6 {
		return addrs
	}
	out := addrs[:0:0]
	for _, a := range addrs {
		a = a.Unmap()
		if (network == IP4) == a.Is4() {
			out = append(out, a)
		}
	}
	return out
}
