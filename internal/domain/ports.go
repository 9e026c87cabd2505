package domain

import "context"

type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4 // EPOLLOUT
	// EventError is reported for socket errors and never requested.
	EventError EventType = 0x8
)

func (e EventType) Has(ev EventType) bool { return e&ev != 0 }

type EventHandler interface {
	HandleEvent(fd int, event EventType) error
	// HandleBatchEnd runs after every event of one poll cycle was dispatched.
	HandleBatchEnd()
}

// EventLoop is a readiness multiplexer. Setting an fd's interest to zero
// keeps it known to the loop but stops all notifications for it.
type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(ctx context.Context, handler EventHandler) error
	Stop()
}

type DNSResolver interface {
	Resolve(domain string, pair PairID)
	// Completed hands over resolutions finished since the last call.
	Completed() []Resolution
}
