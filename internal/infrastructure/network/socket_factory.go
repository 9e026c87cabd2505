package network

import (
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const listenBacklog = 128

// ListenTCP opens a non-blocking IPv4 listening socket and returns it with
// the address actually bound (useful when addr carries port 0).
func ListenTCP(addr netip.AddrPort) (int, netip.AddrPort, error) {
	if !addr.Addr().Is4() {
		return 0, netip.AddrPort{}, errors.Errorf("listen %s: only IPv4 is supported", addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, netip.AddrPort{}, errors.Wrap(err, "socket")
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, netip.AddrPort{}, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}

	if err := unix.Bind(fd, Sockaddr(addr)); err != nil {
		unix.Close(fd)
		return 0, netip.AddrPort{}, errors.Wrapf(err, "bind %s", addr)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return 0, netip.AddrPort{}, errors.Wrapf(err, "listen %s", addr)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return 0, netip.AddrPort{}, errors.Wrap(err, "getsockname")
	}

	return fd, AddrPort(sa), nil
}

// Accept takes one pending connection off a listening socket. The returned
// socket is already non-blocking.
func Accept(lfd int) (int, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return nfd, AddrPort(sa), nil
}

func BindUDP() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, errors.Wrap(err, "udp socket")
	}
	return fd, nil
}

// ConnectTCP starts a non-blocking connect to addr. Completion is signalled by
// writability of the returned socket and checked with SocketError.
func ConnectTCP(addr netip.AddrPort) (int, error) {
	if !addr.Addr().Is4() {
		return 0, errors.Errorf("connect %s: only IPv4 is supported", addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, errors.Wrap(err, "socket")
	}

	err = unix.Connect(fd, Sockaddr(addr))
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return 0, errors.Wrapf(err, "connect %s", addr)
	}
	return fd, nil
}

// SocketError returns and clears the pending error of a socket. After a
// non-blocking connect it reports the outcome of the attempt.
func SocketError(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "getsockopt SO_ERROR")
	}
	if val != 0 {
		return errors.WithStack(unix.Errno(val))
	}
	return nil
}

func ShutdownWrite(fd int) error {
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

func Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

// Write sends on a stream socket without raising SIGPIPE when the peer is
// gone; the failure is reported as EPIPE instead.
func Write(fd int, p []byte) (int, error) {
	return unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL)
}

func SendTo(fd int, p []byte, addr netip.AddrPort) error {
	return unix.Sendto(fd, p, 0, Sockaddr(addr))
}

func RecvFrom(fd int, p []byte) (int, netip.AddrPort, error) {
	n, sa, err := unix.Recvfrom(fd, p, 0)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, AddrPort(sa), nil
}

func Close(fd int) error {
	return unix.Close(fd)
}

// IsTemporary reports whether err only means the operation would block.
func IsTemporary(err error) bool {
	err = errors.Cause(err)
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

func Sockaddr(addr netip.AddrPort) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
}

func AddrPort(sa unix.Sockaddr) netip.AddrPort {
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port))
	}
	return netip.AddrPort{}
}
