// Package sni extracts the Server Name Indication from a TLS ClientHello
// without consuming anything the caller cannot replay.
//
// Parse works on whatever bytes have been read so far and reports
// ErrIncomplete when it needs more; ReadClientHello and Extractor drive
// the reads. The bytes handed back are exactly the bytes read from the
// client, to be written verbatim to the chosen backend.
package sni

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

const (
	recordHeaderLen     = 5
	recordTypeHandshake = 0x16
	// RFC 8446 5.1: TLSPlaintext.length MUST NOT exceed 2^14.
	maxPlaintextLen = 1 << 14

	handshakeHeaderLen       = 4
	handshakeTypeClientHello = 1

	extensionServerName = 0
	nameTypeHostName    = 0
)

// ErrIncomplete means the buffer holds a valid prefix of a ClientHello
// and more bytes are required.
var ErrIncomplete = errors.New("incomplete ClientHello")

// MalformedError is a definite parse failure; reading more cannot help.
type MalformedError struct {
	msg string
}

func (e *MalformedError) Error() string { return "malformed ClientHello: " + e.msg }

func malformed(format string, args ...interface{}) error {
	return &MalformedError{msg: fmt.Sprintf(format, args...)}
}

// Result describes what was learned from the start of a client stream.
type Result struct {
	// TLS is false when the first byte is not a TLS handshake record, i.e.
	// the client speaks some other protocol.
	TLS bool
	// ServerName is empty when the ClientHello has no host_name entry.
	ServerName string
}

// HasServerName reports whether an SNI host name was found.
func (r Result) HasServerName() bool { return r.ServerName != "" }

// Parse inspects buf, which must start at the first byte received from the
// client. It returns ErrIncomplete if buf ends before the ClientHello does,
// a *MalformedError if the bytes cannot be a ClientHello, or a Result.
//
// A ClientHello fragmented over several handshake records is reassembled.
func Parse(buf []byte) (Result, error) {
	if len(buf) == 0 {
		return Result{}, ErrIncomplete
	}
	if buf[0] != recordTypeHandshake {
		return Result{TLS: false}, nil
	}

	res := Result{TLS: true}
	var handshake []byte
	for first := true; ; first = false {
		if len(buf) < recordHeaderLen {
			return res, ErrIncomplete
		}
		if buf[0] != recordTypeHandshake {
			return res, malformed("unexpected record type %d inside ClientHello", buf[0])
		}
		if buf[1] != 3 {
			return res, malformed("unsupported record version %d.%d", buf[1], buf[2])
		}
		n := int(buf[3])<<8 | int(buf[4])
		if n == 0 || n > maxPlaintextLen {
			return res, malformed("bad record length %d", n)
		}
		if len(buf) < recordHeaderLen+n {
			return res, ErrIncomplete
		}
		fragment := buf[recordHeaderLen : recordHeaderLen+n]
		buf = buf[recordHeaderLen+n:]

		if first {
			handshake = fragment
		} else {
			handshake = append(handshake[:len(handshake):len(handshake)], fragment...)
		}

		if len(handshake) < handshakeHeaderLen {
			continue
		}
		if handshake[0] != handshakeTypeClientHello {
			return res, malformed("handshake type %d is not ClientHello", handshake[0])
		}
		msgLen := int(handshake[1])<<16 | int(handshake[2])<<8 | int(handshake[3])
		if len(handshake) < handshakeHeaderLen+msgLen {
			continue
		}

		name, err := parseClientHello(handshake[handshakeHeaderLen : handshakeHeaderLen+msgLen])
		if err != nil {
			return res, err
		}
		res.ServerName = name
		return res, nil
	}
}

// parseClientHello walks the ClientHello body (RFC 8446 4.1.2) and returns
// the first host_name from the server_name extension (RFC 6066 3).
func parseClientHello(body []byte) (string, error) {
	s := cryptobyte.String(body)

	var (
		legacyVersion uint16
		random        []byte
		sessionID     cryptobyte.String
		cipherSuites  cryptobyte.String
		compression   cryptobyte.String
	)
	if !s.ReadUint16(&legacyVersion) ||
		!s.ReadBytes(&random, 32) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16LengthPrefixed(&cipherSuites) ||
		!s.ReadUint8LengthPrefixed(&compression) {
		return "", malformed("truncated ClientHello body")
	}
	if len(sessionID) > 32 {
		return "", malformed("session id too long")
	}
	if len(cipherSuites) == 0 || len(cipherSuites)%2 != 0 {
		return "", malformed("bad cipher suites length %d", len(cipherSuites))
	}
	if len(compression) == 0 {
		return "", malformed("no compression methods")
	}

	// Extensions are optional before TLS 1.3.
	if s.Empty() {
		return "", nil
	}

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return "", malformed("bad extensions block")
	}

	for !extensions.Empty() {
		var (
			extType uint16
			extData cryptobyte.String
		)
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return "", malformed("truncated extension")
		}
		if extType != extensionServerName {
			continue
		}
		return parseServerName(extData)
	}
	return "", nil
}

func parseServerName(data cryptobyte.String) (string, error) {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) || !data.Empty() || list.Empty() {
		return "", malformed("bad server_name extension")
	}
	for !list.Empty() {
		var (
			nameType uint8
			name     cryptobyte.String
		)
		if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
			return "", malformed("truncated server_name entry")
		}
		if nameType != nameTypeHostName {
			continue
		}
		if len(name) == 0 {
			return "", malformed("empty host_name")
		}
		for _, b := range name {
			if b <= ' ' || b >= 0x7f {
				return "", malformed("invalid byte 0x%02x in host_name", b)
			}
		}
		return string(name), nil
	}
	return "", nil
}
