package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Socket is the byte stream of one client. Read and Write never block: they
// return ErrWouldBlock when the kernel has nothing to give or no room to take.
// Read returns io.EOF once the peer has closed its side.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Fd() int
}

type fdSocket struct {
	fd     int
	closed bool
}

func (s *fdSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

func (s *fdSocket) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if n < 0 {
		n = 0
	}
	if err == unix.EAGAIN || err == unix.EINTR {
		return n, ErrWouldBlock
	}
	return n, err
}

func (s *fdSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

func (s *fdSocket) Fd() int {
	return s.fd
}

// listener is a bound, listening, non-blocking TCP socket.
type listener struct {
	fd   int
	addr *net.TCPAddr
}

func sockaddr(host string, port int) (int, unix.Sockaddr, error) {
	ip := net.IPv4zero
	if host != "" {
		if parsed := net.ParseIP(host); parsed != nil {
			ip = parsed
		} else {
			addrs, err := net.LookupIP(host)
			if err != nil || len(addrs) == 0 {
				return 0, nil, fmt.Errorf("resolving %q: %w", host, err)
			}
			ip = addrs[0]
			for _, a := range addrs {
				if a.To4() != nil {
					ip = a
					break
				}
			}
		}
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, sa, nil
}

// listen creates the server socket for host:port. Port 0 picks a free port.
func listen(host string, port int) (*listener, error) {
	domain, sa, err := sockaddr(host, port)
	if err != nil {
		return nil, newError(KindBind, "resolve", -1, err)
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, newError(KindSocket, "create", -1, err)
	}
	fail := func(kind Kind, op string, err error) (*listener, error) {
		return nil, multierr.Combine(newError(kind, op, fd, err), unix.Close(fd))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail(KindSocket, "setsockopt SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail(KindBind, net.JoinHostPort(host, strconv.Itoa(port)), err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail(KindListen, "", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail(KindNonBlock, "listener", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail(KindSocket, "getsockname", err)
	}
	return &listener{fd: fd, addr: tcpAddr(bound)}, nil
}

// accept takes one pending connection and makes it non-blocking. A socket
// that cannot be made non-blocking is closed rather than served.
func (l *listener) accept() (*fdSocket, string, error) {
	fd, sa, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			return nil, "", ErrWouldBlock
		}
		return nil, "", newError(KindAccept, "", l.fd, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, "", multierr.Combine(newError(KindNonBlock, "accepted socket", fd, err), unix.Close(fd))
	}
	remote := ""
	if addr := tcpAddr(sa); addr != nil {
		remote = addr.String()
	}
	return &fdSocket{fd: fd}, remote, nil
}

func (l *listener) close() error {
	return unix.Close(l.fd)
}

func tcpAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	}
	return nil
}
