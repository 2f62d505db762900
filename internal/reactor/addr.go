package reactor

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/pmartin-io/echttp/pkg/errors"
)

// dupFd extracts the raw file descriptor backing a net.Conn obtained from
// net.FileConn, so the reactor can register the exact fd the connection
// performs I/O on rather than the original descriptor it was built from.
func dupFd(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, errors.NewIOError("syscall conn", nil)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, errors.NewIOError("syscall conn", err)
	}
	var fd int
	ctrlErr := raw.Control(func(p uintptr) { fd = int(p) })
	if ctrlErr != nil {
		return 0, errors.NewIOError("syscall control", ctrlErr)
	}
	return fd, nil
}

// resolveTCPAddr turns a "host:port" string into a raw unix.Sockaddr and
// address family, reusing net.ResolveTCPAddr for name resolution (DNS,
// "" meaning all interfaces) rather than reimplementing it.
func resolveTCPAddr(addr string) (unix.Sockaddr, int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, errors.NewDNSError(addr, err)
	}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	ip6 := tcpAddr.IP.To16()
	if ip6 == nil {
		ip6 = net.IPv6zero
	}
	sa := &unix.SockaddrInet6{Port: tcpAddr.Port}
	copy(sa.Addr[:], ip6)
	return sa, unix.AF_INET6, nil
}

// dialTCP opens a non-blocking outbound TCP connection, returning the fd
// immediately after connect() reports EINPROGRESS (treated as
// success-in-progress) so the reactor can watch it for writability
// instead of blocking the caller.
func dialTCP(addr string) (int, bool, error) {
	sa, family, err := resolveTCPAddr(addr)
	if err != nil {
		return 0, false, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, false, errors.NewIOError("socket", err)
	}
	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, true, nil
	}
	if err == unix.EINPROGRESS {
		return fd, false, nil
	}
	unix.Close(fd)
	return 0, false, errors.NewConnectionError(addr, 0, err)
}
