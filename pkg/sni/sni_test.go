package sni

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"

	"snirelay.dev/snirelay/pkg/failure"
)

// clientHelloMessage builds a handshake message (type + 24-bit length +
// body). An empty serverName omits the server_name extension.
func clientHelloMessage(serverName string) []byte {
	var b cryptobyte.Builder
	b.AddUint8(handshakeTypeClientHello)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(0x0303)
		b.AddBytes(make([]byte, 32))
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(bytes.Repeat([]byte{0xaa}, 32))
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(0x1301)
			b.AddUint16(0xc02f)
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8(0)
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			// supported_versions
			b.AddUint16(0x002b)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16(0x0304)
				})
			})
			if serverName == "" {
				return
			}
			b.AddUint16(extensionServerName)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint8(nameTypeHostName)
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(serverName))
					})
				})
			})
		})
	})
	return b.BytesOrPanic()
}

// inRecords wraps a handshake message in TLS records of at most size bytes.
func inRecords(msg []byte, size int) []byte {
	var out []byte
	for len(msg) > 0 {
		n := size
		if n > len(msg) {
			n = len(msg)
		}
		out = append(out, recordTypeHandshake, 3, 1, byte(n>>8), byte(n))
		out = append(out, msg[:n]...)
		msg = msg[n:]
	}
	return out
}

func clientHello(serverName string) []byte {
	return inRecords(clientHelloMessage(serverName), maxPlaintextLen)
}

// chunkReader returns data in reads of the given sizes, cycling through them.
type chunkReader struct {
	data  []byte
	sizes []int
	i     int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.sizes[r.i%len(r.sizes)]
	r.i++
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

// captureConn records what crypto/tls writes and fails the handshake.
type captureConn struct {
	net.Conn
	buf bytes.Buffer
}

var errCaptured = errors.New("captured")

func (c *captureConn) Write(p []byte) (int, error) {
	c.buf.Write(p)
	return 0, errCaptured
}

func TestParseSingleRead(t *testing.T) {
	hello := clientHello("api.svc")

	res, buf, err := ReadClientHello(bytes.NewReader(hello), DefaultMaxBytes)
	require.NoError(t, err)
	assert.True(t, res.TLS)
	assert.Equal(t, "api.svc", res.ServerName)
	assert.Equal(t, hello, buf)
}

func TestParseRealClientHello(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	conn := &captureConn{Conn: a}
	err := tls.Client(conn, &tls.Config{ServerName: "Backend.Example.COM"}).Handshake()
	require.Error(t, err)

	res, err := Parse(conn.buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "Backend.Example.COM", res.ServerName)
}

func TestParseFragmentationTransparency(t *testing.T) {
	hello := clientHello("fragmented.example.com")
	want, wantBuf, err := ReadClientHello(bytes.NewReader(hello), DefaultMaxBytes)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	splits := [][]int{{1}, {2}, {3, 7}, {5}, {len(hello) - 1, 1}}
	for i := 0; i < 20; i++ {
		splits = append(splits, []int{1 + rng.Intn(40), 1 + rng.Intn(40), 1 + rng.Intn(40)})
	}

	for _, sizes := range splits {
		got, gotBuf, err := ReadClientHello(&chunkReader{data: hello, sizes: sizes}, DefaultMaxBytes)
		require.NoError(t, err, "sizes %v", sizes)
		assert.Equal(t, want, got, "sizes %v", sizes)
		assert.Equal(t, wantBuf, gotBuf, "sizes %v", sizes)
	}
}

func TestParseHandshakeSplitAcrossRecords(t *testing.T) {
	for _, size := range []int{1, 3, 4, 17, 100} {
		hello := inRecords(clientHelloMessage("records.example.org"), size)
		res, buf, err := ReadClientHello(&chunkReader{data: hello, sizes: []int{11}}, DefaultMaxBytes)
		require.NoError(t, err, "record size %d", size)
		assert.Equal(t, "records.example.org", res.ServerName)
		assert.Equal(t, hello, buf)
	}
}

func TestParseKeepsTrailingBytes(t *testing.T) {
	data := append(clientHello("api.svc"), []byte("early data")...)

	res, buf, err := ReadClientHello(bytes.NewReader(data), DefaultMaxBytes)
	require.NoError(t, err)
	assert.Equal(t, "api.svc", res.ServerName)
	assert.Equal(t, data, buf)
}

func TestParseNoServerName(t *testing.T) {
	res, err := Parse(clientHello(""))
	require.NoError(t, err)
	assert.True(t, res.TLS)
	assert.False(t, res.HasServerName())
}

func TestParseNotTLS(t *testing.T) {
	data := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")

	res, buf, err := ReadClientHello(bytes.NewReader(data), DefaultMaxBytes)
	require.NoError(t, err)
	assert.False(t, res.TLS)
	assert.False(t, res.HasServerName())
	assert.Equal(t, data, buf)
}

func TestParseIncomplete(t *testing.T) {
	hello := clientHello("api.svc")
	for _, n := range []int{1, 4, 5, 9, len(hello) - 1} {
		_, err := Parse(hello[:n])
		assert.ErrorIs(t, err, ErrIncomplete, "prefix %d", n)
	}
}

func TestParseMalformed(t *testing.T) {
	msg := clientHelloMessage("api.svc")

	badType := append([]byte(nil), msg...)
	badType[0] = 2

	truncatedBody := append([]byte{handshakeTypeClientHello, 0, 0, 10}, make([]byte, 10)...)

	tests := []struct {
		name string
		data []byte
	}{
		{"bad record version", []byte{0x16, 0x09, 0x01, 0x00, 0x05, 1, 2, 3, 4, 5}},
		{"zero length record", []byte{0x16, 0x03, 0x01, 0x00, 0x00}},
		{"oversized record", []byte{0x16, 0x03, 0x01, 0x50, 0x00}},
		{"not a ClientHello", inRecords(badType, maxPlaintextLen)},
		{"truncated body", inRecords(truncatedBody, maxPlaintextLen)},
		{"alert record after handshake fragment", append(inRecords(msg[:10], 10), 0x15, 3, 1, 0, 2, 2, 40)},
		{"control byte in host name", clientHello("bad\x00name")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadClientHello(bytes.NewReader(tt.data), DefaultMaxBytes)
			var merr *MalformedError
			assert.True(t, errors.As(err, &merr), "got %v", err)
		})
	}
}

func TestReadClientHelloBufferLimit(t *testing.T) {
	hello := clientHello("limit.example.com")
	limit := 64

	_, buf, err := ReadClientHello(&chunkReader{data: hello, sizes: []int{7}}, limit)
	assert.ErrorIs(t, err, ErrBufferLimit)
	assert.LessOrEqual(t, len(buf), limit)
	assert.Equal(t, hello[:len(buf)], buf)
}

func TestReadClientHelloEOF(t *testing.T) {
	hello := clientHello("api.svc")

	_, buf, err := ReadClientHello(bytes.NewReader(hello[:20]), DefaultMaxBytes)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, hello[:20], buf)
}

func TestExtractorTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go client.Write([]byte{0x16, 0x03})

	start := time.Now()
	_, _, err := Extractor{Timeout: 50 * time.Millisecond}.Extract(server)
	assert.True(t, failure.Is(err, failure.SniffTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExtractorClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		limit  int
		reason failure.Reason
	}{
		{"malformed", []byte{0x16, 0x03, 0x01, 0x00, 0x00}, 0, failure.SniffParseFailure},
		{"too large", clientHello("big.example.com"), 32, failure.BufferLimitExceeded},
		{"closed early", clientHello("api.svc")[:12], 0, failure.ClientClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, client := net.Pipe()
			defer server.Close()

			go func() {
				client.Write(tt.data)
				client.Close()
			}()

			_, _, err := Extractor{Timeout: time.Second, MaxBytes: tt.limit}.Extract(server)
			assert.Equal(t, tt.reason, failure.ReasonOf(err), "got %v", err)
		})
	}
}

func TestExtractorSuccessClearsDeadline(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	hello := clientHello("api.svc")
	go client.Write(hello)

	res, buf, err := Extractor{Timeout: 100 * time.Millisecond}.Extract(server)
	require.NoError(t, err)
	assert.Equal(t, "api.svc", res.ServerName)
	assert.Equal(t, hello, buf)

	time.Sleep(150 * time.Millisecond)
	go client.Write([]byte("x"))
	one := make([]byte, 1)
	_, err = server.Read(one)
	assert.NoError(t, err)
}
