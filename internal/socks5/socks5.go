// Package socks5 parses and encodes the SOCKS5 frames exchanged during
// method negotiation and the CONNECT request. All functions work on byte
// slices that may hold a partially received frame and never perform I/O.
package socks5

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"strconv"
)

const (
	Version = 0x05

	MethodNoAuth       = 0x00
	MethodNoAcceptable = 0xFF

	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03

	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	reserved = 0x00
)

// Status is the REP field of a reply frame.
type Status byte

const (
	StatusSuccess             Status = 0x00
	StatusGeneralFailure      Status = 0x01
	StatusHostUnreachable     Status = 0x04
	StatusCommandNotSupported Status = 0x07
	StatusAddressNotSupported Status = 0x08
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "succeeded"
	case StatusGeneralFailure:
		return "general failure"
	case StatusHostUnreachable:
		return "host unreachable"
	case StatusCommandNotSupported:
		return "command not supported"
	case StatusAddressNotSupported:
		return "address type not supported"
	default:
		return "unknown"
	}
}

const (
	// ReplyLen is the size of every reply frame this server emits.
	ReplyLen = 10
	// MethodReplyLen is the size of the method selection reply.
	MethodReplyLen = 2
	// MaxMethodsLen is the largest possible method negotiation frame.
	MaxMethodsLen = 2 + 255
	// MaxRequestLen is the largest possible CONNECT request (domain form).
	MaxRequestLen = 4 + 1 + 255 + 2
)

var (
	ErrIncomplete          = errors.New("socks5: incomplete frame")
	ErrVersion             = errors.New("socks5: unsupported protocol version")
	ErrCommandNotSupported = errors.New("socks5: command not supported")
	ErrAddressNotSupported = errors.New("socks5: address type not supported")
	ErrBadAddress          = errors.New("socks5: malformed destination address")
)

// StatusFor maps a request parsing error to the reply status sent back.
func StatusFor(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrCommandNotSupported):
		return StatusCommandNotSupported
	case errors.Is(err, ErrAddressNotSupported):
		return StatusAddressNotSupported
	default:
		return StatusGeneralFailure
	}
}

// ParseMethods inspects a method negotiation frame
//
//	+----+----------+----------+
//	|VER | NMETHODS | METHODS  |
//	+----+----------+----------+
//
// and returns the selected method together with the frame length. The
// selected method is MethodNoAuth when offered and MethodNoAcceptable
// otherwise. ErrIncomplete is returned until the whole frame is present.
func ParseMethods(b []byte) (method byte, n int, err error) {
	if len(b) < 2 {
		return MethodNoAcceptable, 0, ErrIncomplete
	}
	n = 2 + int(b[1])
	if len(b) < n {
		return MethodNoAcceptable, 0, ErrIncomplete
	}
	if b[0] != Version {
		return MethodNoAcceptable, n, ErrVersion
	}
	for _, m := range b[2:n] {
		if m == MethodNoAuth {
			return MethodNoAuth, n, nil
		}
	}
	return MethodNoAcceptable, n, nil
}

// AppendMethodReply appends the two byte method selection reply to dst.
func AppendMethodReply(dst []byte, method byte) []byte {
	return append(dst, Version, method)
}

// Request is a parsed CONNECT request. Exactly one of Addr and Domain is set,
// according to Atyp.
type Request struct {
	Cmd    byte
	Atyp   byte
	Addr   netip.Addr
	Domain string
	Port   uint16
}

// Target renders the destination as host:port for logging.
func (r Request) Target() string {
	if r.Atyp == AtypDomain {
		return net.JoinHostPort(r.Domain, strconv.Itoa(int(r.Port)))
	}
	return netip.AddrPortFrom(r.Addr, r.Port).String()
}

// ParseRequest parses a request frame
//
//	+----+-----+-------+------+----------+----------+
//	|VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+----+-----+-------+------+----------+----------+
//
// The command and address type are validated as soon as the four byte header
// is available, so an unsupported request is rejected before its address
// arrives. ErrIncomplete is returned while more bytes are needed.
func ParseRequest(b []byte) (Request, int, error) {
	var req Request
	if len(b) < 4 {
		return req, 0, ErrIncomplete
	}
	if b[0] != Version {
		return req, 0, ErrVersion
	}
	req.Cmd, req.Atyp = b[1], b[3]
	if req.Cmd != CmdConnect {
		return req, 0, ErrCommandNotSupported
	}

	switch req.Atyp {
	case AtypIPv4:
		const n = 4 + 4 + 2
		if len(b) < n {
			return req, 0, ErrIncomplete
		}
		req.Addr = netip.AddrFrom4([4]byte(b[4:8]))
		req.Port = binary.BigEndian.Uint16(b[8:10])
		return req, n, nil
	case AtypDomain:
		if len(b) < 5 {
			return req, 0, ErrIncomplete
		}
		dLen := int(b[4])
		if dLen == 0 {
			return req, 0, ErrBadAddress
		}
		n := 5 + dLen + 2
		if len(b) < n {
			return req, 0, ErrIncomplete
		}
		req.Domain = string(b[5 : 5+dLen])
		req.Port = binary.BigEndian.Uint16(b[5+dLen : n])
		return req, n, nil
	default:
		return req, 0, ErrAddressNotSupported
	}
}

// AppendReply appends a reply frame carrying status to dst. The bound address
// is always reported as 0.0.0.0:0.
func AppendReply(dst []byte, status Status) []byte {
	return append(dst, Version, byte(status), reserved, AtypIPv4, 0, 0, 0, 0, 0, 0)
}
