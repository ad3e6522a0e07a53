package resolver

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookuper struct {
	mutex   sync.Mutex
	answers map[string][]netip.Addr
	err     error
	delay   time.Duration
	calls   atomic.Int32
}

func (f *fakeLookuper) set(host string, addrs ...string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var list []netip.Addr
	for _, a := range addrs {
		list = append(list, netip.MustParseAddr(a))
	}
	f.answers[host] = list
}

func (f *fakeLookuper) fail(err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.err = err
}

func (f *fakeLookuper) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	addrs, ok := f.answers[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return append([]netip.Addr(nil), addrs...), nil
}

func newFake() *fakeLookuper {
	return &fakeLookuper{answers: make(map[string][]netip.Addr)}
}

func TestResolveCachesFirstAnswer(t *testing.T) {
	f := newFake()
	f.set("backend.internal", "10.0.0.1", "10.0.0.2")
	c := New(f, Options{RefreshInterval: time.Hour})
	defer c.Close()

	addrs, err := c.Resolve(context.Background(), IP, "backend.internal")
	require.NoError(t, err)
	assert.Equal(t, "[10.0.0.1 10.0.0.2]", addrs.String())

	_, err = c.Resolve(context.Background(), IP, "backend.internal")
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.calls.Load())
	assert.Equal(t, 1, c.Len())

	at, ok := c.ResolvedAt(IP, "backend.internal")
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), at, time.Minute)
}

func TestRefreshFailureKeepsStaleAnswer(t *testing.T) {
	f := newFake()
	f.set("backend.internal", "10.0.0.1")
	c := New(f, Options{RefreshInterval: time.Hour})
	defer c.Close()

	_, err := c.Resolve(context.Background(), IP, "backend.internal")
	require.NoError(t, err)

	f.fail(errors.New("SERVFAIL"))
	e := c.entries[key{network: IP, host: "backend.internal"}]
	require.NotNil(t, e)
	assert.Error(t, c.refresh(e))

	addrs, err := c.Resolve(context.Background(), IP, "backend.internal")
	require.NoError(t, err)
	assert.Equal(t, AddrList{netip.MustParseAddr("10.0.0.1")}, addrs)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.refreshFailures))
}

func TestBackgroundRefreshSwapsAnswer(t *testing.T) {
	f := newFake()
	f.set("backend.internal", "10.0.0.1")
	c := New(f, Options{RefreshInterval: 10 * time.Millisecond})
	defer c.Close()

	_, err := c.Resolve(context.Background(), IP, "backend.internal")
	require.NoError(t, err)

	f.set("backend.internal", "10.0.0.9")
	assert.Eventually(t, func() bool {
		addrs, err := c.Resolve(context.Background(), IP, "backend.internal")
		return err == nil && addrs.Contains(netip.MustParseAddr("10.0.0.9"))
	}, 2*time.Second, 5*time.Millisecond)

	f.fail(errors.New("timeout"))
	time.Sleep(50 * time.Millisecond)
	addrs, err := c.Resolve(context.Background(), IP, "backend.internal")
	require.NoError(t, err)
	assert.Equal(t, "[10.0.0.9]", addrs.String())
}

func TestFirstLookupFailureIsNotCached(t *testing.T) {
	f := newFake()
	f.fail(errors.New("SERVFAIL"))
	c := New(f, Options{RefreshInterval: time.Hour, FailureTTL: 20 * time.Millisecond})
	defer c.Close()

	_, err := c.Resolve(context.Background(), IP, "backend.internal")
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())

	// Within the failure TTL the error is served without asking DNS again.
	_, err = c.Resolve(context.Background(), IP, "backend.internal")
	require.Error(t, err)
	assert.EqualValues(t, 1, f.calls.Load())

	f.fail(nil)
	f.set("backend.internal", "10.0.0.1")
	assert.Eventually(t, func() bool {
		_, err := c.Resolve(context.Background(), IP, "backend.internal")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPickRoundRobin(t *testing.T) {
	f := newFake()
	f.set("backend.internal", "10.0.0.1", "10.0.0.2", "10.0.0.3")
	c := New(f, Options{RefreshInterval: time.Hour})
	defer c.Close()

	var got []string
	for i := 0; i < 6; i++ {
		addr, err := c.Pick(context.Background(), IP, "backend.internal")
		require.NoError(t, err)
		got = append(got, addr.String())
	}
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.1", "10.0.0.2", "10.0.0.3"}, got)
}

func TestPickLiteralSkipsDNS(t *testing.T) {
	f := newFake()
	c := New(f, Options{})
	defer c.Close()

	addr, err := c.Pick(context.Background(), IP, "::ffff:127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", addr.String())
	assert.EqualValues(t, 0, f.calls.Load())
}

func TestAddressFamilyFilter(t *testing.T) {
	f := newFake()
	f.set("dual.internal", "10.0.0.1", "2001:db8::1")
	c := New(f, Options{RefreshInterval: time.Hour})
	defer c.Close()

	v4, err := c.Resolve(context.Background(), IP4, "dual.internal")
	require.NoError(t, err)
	assert.Equal(t, "[10.0.0.1]", v4.String())

	v6, err := c.Resolve(context.Background(), IP6, "dual.internal")
	require.NoError(t, err)
	assert.Equal(t, "[2001:db8::1]", v6.String())

	f.set("v4only.internal", "10.0.0.2")
	_, err = c.Resolve(context.Background(), IP6, "v4only.internal")
	assert.Error(t, err)
}

func TestConcurrentFirstLookupsCollapse(t *testing.T) {
	f := newFake()
	f.delay = 20 * time.Millisecond
	f.set("backend.internal", "10.0.0.1")
	c := New(f, Options{RefreshInterval: time.Hour})
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Resolve(context.Background(), IP, "backend.internal")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestResolveHonoursCallerContext(t *testing.T) {
	f := newFake()
	f.delay = 200 * time.Millisecond
	f.set("slow.internal", "10.0.0.1")
	c := New(f, Options{RefreshInterval: time.Hour})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Resolve(ctx, IP, "slow.internal")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFake()
	f.set("backend.internal", "10.0.0.1")
	c := New(f, Options{RefreshInterval: time.Hour, Registerer: reg})
	defer c.Close()

	_, err := c.Resolve(context.Background(), IP, "backend.internal")
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "snirelay_dns_lookups_total", "snirelay_dns_cached_hosts")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCloseStopsRefresh(t *testing.T) {
	f := newFake()
	f.set("backend.internal", "10.0.0.1")
	c := New(f, Options{RefreshInterval: 5 * time.Millisecond})

	_, err := c.Resolve(context.Background(), IP, "backend.internal")
	require.NoError(t, err)
	c.Close()

	calls := f.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, f.calls.Load())

	_, err = c.Resolve(context.Background(), IP, "other.internal")
	assert.ErrorIs(t, err, ErrClosed)
}
