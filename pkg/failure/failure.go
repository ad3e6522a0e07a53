// Package failure classifies why a proxied connection ended early.
package failure

import (
	"errors"
	"fmt"
)

type Reason int

const (
	Unknown Reason = iota
	AdmissionRejected
	SniffTimeout
	SniffParseFailure
	BufferLimitExceeded
	ClientClosed
	ResolutionFailure
	ProxyConnectFailure
	ProxyRejected
	DirectConnectTimeout
	DirectConnectFailure
	RelayIOError
	DeliberateReject
)

var reasonNames = map[Reason]string{
	Unknown:              "unknown",
	AdmissionRejected:    "admission_rejected",
	SniffTimeout:         "sniff_timeout",
	SniffParseFailure:    "sniff_parse_failure",
	BufferLimitExceeded:  "buffer_limit_exceeded",
	ClientClosed:         "client_closed",
	ResolutionFailure:    "resolution_failure",
	ProxyConnectFailure:  "proxy_connect_failure",
	ProxyRejected:        "proxy_rejected",
	DirectConnectTimeout: "direct_connect_timeout",
	DirectConnectFailure: "direct_connect_failure",
	RelayIOError:         "relay_io_error",
	DeliberateReject:     "deliberate_reject",
}

// String returns the snake_case name used in logs and metric labels.
func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Error ties an underlying error to a Reason.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason.String()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with reason. A nil err is allowed.
func New(reason Reason, err error) error {
	return &Error{Reason: reason, Err: err}
}

// Errorf is shorthand for New(reason, fmt.Errorf(format, args...)).
func Errorf(reason Reason, format string, args ...interface{}) error {
	return &Error{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// ReasonOf returns the outermost Reason found in err's chain, or Unknown.
func ReasonOf(err error) Reason {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return Unknown
}

// Is reports whether err carries reason.
func Is(err error, reason Reason) bool {
	return err != nil && ReasonOf(err) == reason
}
