package sni

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"snirelay.dev/snirelay/pkg/failure"
)

const (
	DefaultTimeout  = 3 * time.Second
	DefaultMaxBytes = 16 * 1024

	initialBufSize = 1024
)

// ErrBufferLimit is returned when the byte limit is reached before the
// end of the ClientHello.
var ErrBufferLimit = errors.New("ClientHello exceeds buffer limit")

// ReadClientHello reads from r until Parse can decide. It never holds more
// than limit bytes. The returned slice is everything read from r, on success
// and on failure.
func ReadClientHello(r io.Reader, limit int) (Result, []byte, error) {
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	size := initialBufSize
	if size > limit {
		size = limit
	}
	buf := make([]byte, 0, size)

	for {
		if len(buf) == cap(buf) {
			if cap(buf) >= limit {
				return Result{}, buf, ErrBufferLimit
			}
			grown := cap(buf) * 2
			if grown > limit {
				grown = limit
			}
			next := make([]byte, len(buf), grown)
			copy(next, buf)
			buf = next
		}

		n, err := r.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if n > 0 {
			res, perr := Parse(buf)
			if perr == nil {
				return res, buf, nil
			}
			if !errors.Is(perr, ErrIncomplete) {
				return res, buf, perr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Result{}, buf, io.ErrUnexpectedEOF
			}
			return Result{}, buf, err
		}
	}
}

// Extractor runs ReadClientHello against a connection under a deadline.
type Extractor struct {
	// Timeout bounds the whole sniff phase, not a single read.
	Timeout  time.Duration
	MaxBytes int
}

// Extract reads the start of conn and returns the sniffing result and the
// bytes consumed. Errors carry a failure.Reason.
func (e Extractor) Extract(conn net.Conn) (Result, []byte, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Result{}, nil, failure.Errorf(failure.ClientClosed, "setting read deadline for ClientHello: %w", err)
	}

	res, buf, err := ReadClientHello(conn, e.MaxBytes)
	if err != nil {
		return res, buf, classify(err)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return res, buf, failure.Errorf(failure.ClientClosed, "clearing read deadline for ClientHello: %w", err)
	}
	return res, buf, nil
}

func classify(err error) error {
	var (
		merr *MalformedError
		nerr net.Error
	)
	switch {
	case errors.As(err, &merr):
		return failure.New(failure.SniffParseFailure, err)
	case errors.Is(err, ErrBufferLimit):
		return failure.New(failure.BufferLimitExceeded, err)
	case errors.As(err, &nerr) && nerr.Timeout():
		return failure.New(failure.SniffTimeout, err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return failure.New(failure.ClientClosed, err)
	default:
		return failure.New(failure.ClientClosed, fmt.Errorf("reading ClientHello: %w", err))
	}
}
