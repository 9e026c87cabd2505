package domain

import (
	"net/netip"

	"socks-proxy/internal/pkg/buffer"
)

type ClientState int

const (
	StateAwaitingAuthMethods ClientState = iota
	StateSendingAuthReply
	StateAwaitingRequest
	StateSendingReply
	StateForwarding // relay, or parked until the upstream connects
	StateSendingError
)

func (s ClientState) String() string {
	switch s {
	case StateAwaitingAuthMethods:
		return "awaiting-auth-methods"
	case StateSendingAuthReply:
		return "sending-auth-reply"
	case StateAwaitingRequest:
		return "awaiting-request"
	case StateSendingReply:
		return "sending-reply"
	case StateForwarding:
		return "forwarding"
	case StateSendingError:
		return "sending-error"
	default:
		return "unknown"
	}
}

type UpstreamState int

const (
	UpstreamConnecting UpstreamState = iota
	UpstreamForwarding
)

func (s UpstreamState) String() string {
	switch s {
	case UpstreamConnecting:
		return "connecting"
	case UpstreamForwarding:
		return "forwarding"
	default:
		return "unknown"
	}
}

// Session is the part shared by both ends of a pair: one socket, one buffer
// and the interest currently registered for the socket.
type Session struct {
	FD       int
	Buf      *buffer.Buffer
	Interest EventType

	// EOF is set once a read returned end-of-stream.
	EOF bool
	// WriteShut is set once the write half of FD was shut down.
	WriteShut bool
	// ShutdownPending defers the write-half shutdown until the session is
	// done flushing its own reply.
	ShutdownPending bool
}

type ClientSession struct {
	Session
	State ClientState

	// Domain and Port are kept while a domain lookup is in flight.
	Domain string
	Port   uint16
}

type UpstreamSession struct {
	Session
	State  UpstreamState
	Target netip.AddrPort
}

type PairID uint64

// Pair is the arena entry for one client connection and, once a connect
// attempt starts, its upstream connection. Sessions never point at each
// other; the peer is always reached through the pair.
type Pair struct {
	ID       PairID
	Client   *ClientSession
	Upstream *UpstreamSession
}

// Resolution is the outcome of a domain lookup, delivered to the pair that
// requested it.
type Resolution struct {
	Pair   PairID
	Domain string
	Addr   netip.Addr
	Err    error
}
