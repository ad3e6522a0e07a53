package proxy

import (
	"errors"
	"io"
	"net"
	"sync/atomic"

	"snirelay.dev/snirelay/pkg/failure"
)

const relayBufferSize = 32 * 1024

type closeWriter interface {
	CloseWrite() error
}

// relayCounters receives the byte counts of one relay.
type relayCounters struct {
	up   atomic.Int64 // client -> backend, prefix included
	down atomic.Int64 // backend -> client
}

// relay writes prefix to backend, then copies both ways until both
// directions have ended. A direction that reaches EOF half-closes its
// destination and the other keeps going. Any I/O error ends both.
func relay(client, backend net.Conn, prefix []byte, counters *relayCounters) error {
	if len(prefix) > 0 {
		n, err := backend.Write(prefix)
		counters.up.Add(int64(n))
		if err != nil {
			return failure.Errorf(failure.RelayIOError, "replaying %d buffered bytes: %w", len(prefix), err)
		}
	}

	var closing atomic.Bool
	abort := func() {
		closing.Store(true)
		client.Close()
		backend.Close()
	}

	errc := make(chan error, 2)
	go func() { errc <- pipe(backend, client, &counters.up, abort) }()
	go func() { errc <- pipe(client, backend, &counters.down, abort) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		err := <-errc
		if err == nil || firstErr != nil {
			continue
		}
		if closing.Load() && errors.Is(err, net.ErrClosed) {
			// closed by our own abort
			continue
		}
		firstErr = err
		abort()
	}
	return firstErr
}

// pipe copies src to dst. On EOF it half-closes dst, or calls abort when
// dst cannot be half-closed.
func pipe(dst, src net.Conn, counter *atomic.Int64, abort func()) error {
	// plain reader and writer keep io.CopyBuffer on the counted path
	n, err := io.CopyBuffer(writerOnly{dst}, readerOnly{src}, make([]byte, relayBufferSize))
	counter.Add(n)
	if err != nil {
		return failure.New(failure.RelayIOError, err)
	}
	if cw, ok := dst.(closeWriter); ok {
		if err := cw.CloseWrite(); err == nil || errors.Is(err, net.ErrClosed) {
			return nil
		}
	}
	abort()
	return nil
}

type readerOnly struct{ io.Reader }

type writerOnly struct{ io.Writer }

// echo writes prefix back to client and then loops everything it sends.
func echo(client net.Conn, prefix []byte, counters *relayCounters) error {
	if len(prefix) > 0 {
		n, err := client.Write(prefix)
		counters.down.Add(int64(n))
		if err != nil {
			return failure.Errorf(failure.RelayIOError, "echoing %d buffered bytes: %w", len(prefix), err)
		}
	}
	n, err := io.CopyBuffer(writerOnly{client}, readerOnly{client}, make([]byte, relayBufferSize))
	counters.up.Add(n)
	counters.down.Add(n)
	if err != nil {
		return failure.New(failure.RelayIOError, err)
	}
	return nil
}
