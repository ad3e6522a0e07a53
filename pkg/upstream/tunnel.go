package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"snirelay.dev/snirelay/pkg/failure"
)

const (
	// maxProxyResponseBytes bounds what is read while waiting for the end of
	// the proxy's response headers.
	maxProxyResponseBytes = 16 * 1024
	maxProxyHeaderLines   = 100
)

// openTunnel sends CONNECT for dest on conn and waits for a 2xx answer.
// Bytes the proxy sent after its header block are kept and returned by
// the first reads on the tunnel.
func openTunnel(ctx context.Context, conn *net.TCPConn, dest string, headers []Header) (NetConn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, failure.Errorf(failure.ProxyConnectFailure, "setting proxy handshake deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		// unblocks the handshake when the caller gives up early
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := io.WriteString(conn, connectRequest(dest, headers)); err != nil {
		return nil, failure.Errorf(failure.ProxyConnectFailure, "sending CONNECT %s: %w", dest, err)
	}

	br := bufio.NewReader(io.LimitReader(conn, maxProxyResponseBytes))
	if err := readConnectResponse(textproto.NewReader(br)); err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, failure.Errorf(failure.ProxyConnectFailure, "clearing proxy handshake deadline: %w", err)
	}

	var peeked []byte
	if n := br.Buffered(); n > 0 {
		peeked, _ = br.Peek(n)
	}
	return &tunnelConn{conn: conn, peeked: peeked}, nil
}

func connectRequest(dest string, headers []Header) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\n", dest)
	hasHost := false
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Host") {
			hasHost = true
		}
	}
	if !hasHost {
		fmt.Fprintf(&b, "Host: %s\r\n", dest)
	}
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")
	return b.String()
}

// readConnectResponse consumes the status line and header block and
// nothing more. Header contents are ignored.
func readConnectResponse(tp *textproto.Reader) error {
	line, err := tp.ReadLine()
	if err != nil {
		return failure.Errorf(failure.ProxyConnectFailure, "reading CONNECT response: %w", err)
	}
	code, err := parseStatusLine(line)
	if err != nil {
		return failure.New(failure.ProxyRejected, err)
	}
	if code < 200 || code > 299 {
		return failure.Errorf(failure.ProxyRejected, "proxy answered %q", line)
	}

	for i := 0; ; i++ {
		if i == maxProxyHeaderLines {
			return failure.Errorf(failure.ProxyRejected, "more than %d header lines in CONNECT response", maxProxyHeaderLines)
		}
		line, err := tp.ReadLine()
		if err != nil {
			return failure.Errorf(failure.ProxyRejected, "reading CONNECT response headers: %w", err)
		}
		if line == "" {
			return nil
		}
	}
}

func parseStatusLine(line string) (int, error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return 0, fmt.Errorf("malformed CONNECT status line %q", line)
	}
	status, _, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(status)
	if err != nil || len(status) != 3 {
		return 0, fmt.Errorf("malformed CONNECT status code in %q", line)
	}
	return code, nil
}

// tunnelConn is a proxy connection after a successful CONNECT. Reads
// return the proxy's early bytes first.
type tunnelConn struct {
	conn   *net.TCPConn
	peeked []byte
}

var _ NetConn = &tunnelConn{}

func (c *tunnelConn) Read(b []byte) (int, error) {
	if len(c.peeked) > 0 {
		n := copy(b, c.peeked)
		c.peeked = c.peeked[n:]
		if len(c.peeked) == 0 {
			c.peeked = nil
		}
		return n, nil
	}
	return c.conn.Read(b)
}

func (c *tunnelConn) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

func (c *tunnelConn) Close() error {
	return c.conn.Close()
}

func (c *tunnelConn) CloseRead() error {
	return c.conn.CloseRead()
}

func (c *tunnelConn) CloseWrite() error {
	return c.conn.CloseWrite()
}

func (c *tunnelConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *tunnelConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *tunnelConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *tunnelConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *tunnelConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
