package upstream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

const healthBody = "OK\n"

// ServeHealth answers one HTTP/1.1 request read from prefix followed by
// conn with 200 OK. It does not close conn.
func ServeHealth(conn net.Conn, prefix []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("setting health check deadline: %w", err)
		}
	}

	br := bufio.NewReader(io.MultiReader(bytes.NewReader(prefix), conn))
	req, err := http.ReadRequest(br)
	if err != nil {
		return fmt.Errorf("reading health check request: %w", err)
	}
	defer req.Body.Close()
	klog.V(4).Infof("health check %s %s from %s", req.Method, req.URL, conn.RemoteAddr())

	resp := &http.Response{
		StatusCode:    http.StatusOK,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Request:       req,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(healthBody)),
		ContentLength: int64(len(healthBody)),
		Close:         true,
	}
	if err := resp.Write(conn); err != nil {
		return fmt.Errorf("writing health check response: %w", err)
	}
	return nil
}
