package epoll

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
)

const maxEvents = 128

// LinuxEventLoop is a level-triggered epoll multiplexer. Interest is toggled
// by the handler between dispatches, so every readiness condition that is
// still pending is reported again on the next poll.
type LinuxEventLoop struct {
	epollFD int
	wakeFD  int

	// armed records whether a known fd currently sits in the epoll set.
	// An fd with zero interest is removed so that HUP conditions on parked
	// sockets cannot wake the loop.
	armed map[int]bool
}

func New() (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	evt := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wfd, evt); err != nil {
		unix.Close(wfd)
		unix.Close(fd)
		return nil, fmt.Errorf("register eventfd: %w", err)
	}

	return &LinuxEventLoop{epollFD: fd, wakeFD: wfd, armed: make(map[int]bool)}, nil
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	if _, ok := l.armed[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}
	l.armed[fd] = false
	return l.Modify(fd, events)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	armed, ok := l.armed[fd]
	if !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}

	var err error
	switch {
	case events == 0 && armed:
		err = unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
		armed = false
	case events == 0:
	case armed:
		err = unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, epollEvent(fd, events))
	default:
		err = unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, epollEvent(fd, events))
		armed = true
	}
	if err != nil {
		return fmt.Errorf("epoll ctl fd %d: %w", fd, err)
	}
	l.armed[fd] = armed
	return nil
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	armed, ok := l.armed[fd]
	if !ok {
		return nil
	}
	delete(l.armed, fd)
	if !armed {
		return nil
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run polls until Stop is called or ctx is done. Every batch returned by one
// epoll_wait is dispatched completely before HandleBatchEnd and the next poll.
func (l *LinuxEventLoop) Run(ctx context.Context, handler domain.EventHandler) error {
	stop := context.AfterFunc(ctx, l.Stop)
	defer stop()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(l.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll wait: %w", err)
		}

		stopped := false
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFD {
				stopped = true
				continue
			}

			if err := handler.HandleEvent(fd, translate(events[i].Events)); err != nil {
				return err
			}
		}
		handler.HandleBatchEnd()

		if stopped {
			return nil
		}
	}
}

// Stop wakes a running loop and makes Run return. Safe to call from any
// goroutine.
func (l *LinuxEventLoop) Stop() {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, _ = unix.Write(l.wakeFD, b[:])
}

// Close releases the epoll instance. The loop must not be running.
func (l *LinuxEventLoop) Close() error {
	unix.Close(l.wakeFD)
	return unix.Close(l.epollFD)
}

func epollEvent(fd int, events domain.EventType) *unix.EpollEvent {
	var mask uint32
	if events.Has(domain.EventRead) {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events.Has(domain.EventWrite) {
		mask |= unix.EPOLLOUT
	}
	return &unix.EpollEvent{Events: mask, Fd: int32(fd)}
}

func translate(mask uint32) domain.EventType {
	var ev domain.EventType
	if mask&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		ev |= domain.EventRead
	}
	// A hung-up socket fails whichever operation the handler is waiting on.
	if mask&unix.EPOLLHUP != 0 {
		ev |= domain.EventRead | domain.EventWrite
	}
	if mask&unix.EPOLLOUT != 0 {
		ev |= domain.EventWrite
	}
	if mask&unix.EPOLLERR != 0 {
		ev |= domain.EventError
	}
	return ev
}
