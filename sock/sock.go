// Package sock builds local-endpoint sockets for the mapping controller:
// address reuse, interface binding, firewall mark, and forced port
// reclamation when a bind collides with a socket held by another process.
//
// Sockets are bound immediately at construction (resolving an ephemeral
// port-zero request right away) but left unconnected; the caller connects
// them to a remote address afterwards. This mirrors the way the reference
// implementation binds a raw socket2.Socket before handing it to tokio.
package sock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"github.com/nyat-dev/nyat"
	"golang.org/x/sys/unix"
)

// maxIfaceName is the boundary asserted by the spec: an interface name of
// length 16 is accepted, 17 is rejected.
const maxIfaceName = 16

// Config is immutable configuration for producing bound sockets,
// equivalent to the spec's LocalBind. Build it with NewConfig and the
// With* chained methods, then call Build to validate.
type Config struct {
	addr       netip.AddrPort
	mark       uint32
	hasMark    bool
	iface      string
	hasIface   bool
	forceReuse bool
	built      bool
}

// NewConfig starts a Config for the given local address. Port zero means
// "assign an ephemeral port".
func NewConfig(addr netip.AddrPort) *Config {
	return &Config{addr: addr}
}

// WithFirewallMark sets the socket's firewall mark (SO_MARK). Linux-only;
// Build rejects this option on other platforms.
func (c *Config) WithFirewallMark(mark uint32) *Config {
	c.mark = mark
	c.hasMark = true
	return c
}

// WithInterface binds the socket to the named network interface
// (SO_BINDTODEVICE) before the address bind. Linux-only; Build rejects
// names of 17 bytes or more and rejects this option on other platforms.
func (c *Config) WithInterface(name string) *Config {
	c.iface = name
	c.hasIface = true
	return c
}

// WithForceReuse enables the port-reclamation fallback: if bind fails with
// "address in use", retrofit SO_REUSEPORT onto the process that holds it
// and retry once. Linux-only.
func (c *Config) WithForceReuse(force bool) *Config {
	c.forceReuse = force
	return c
}

// Addr returns the configured local address.
func (c *Config) Addr() netip.AddrPort {
	return c.addr
}

// Rebind returns an unbuilt copy of c targeting a different local address,
// keeping every other option. Used to bind a second socket to the concrete
// port the first one resolved from ":0".
func (c *Config) Rebind(addr netip.AddrPort) *Config {
	clone := *c
	clone.addr = addr
	clone.built = false
	return &clone
}

// Build validates the configuration. Interface name length and platform
// support for mark/interface/force-reuse are construction-time errors, not
// runtime panics.
func (c *Config) Build() (*Config, error) {
	if c.hasIface && len(c.iface) > maxIfaceName {
		return nil, nyat.NewError(nyat.KindSocket, "sock.Config.Build",
			fmt.Errorf("interface name %q exceeds %d bytes", c.iface, maxIfaceName))
	}
	if c.hasMark && !markSupported {
		return nil, nyat.NewError(nyat.KindSocket, "sock.Config.Build",
			errors.New("firewall mark is not supported on this platform"))
	}
	if c.hasIface && !ifaceBindSupported {
		return nil, nyat.NewError(nyat.KindSocket, "sock.Config.Build",
			errors.New("interface binding is not supported on this platform"))
	}
	if c.forceReuse && !forceReuseSupported {
		return nil, nyat.NewError(nyat.KindSocket, "sock.Config.Build",
			errors.New("force-reuse port reclamation is not supported on this platform"))
	}
	built := *c
	built.built = true
	return &built, nil
}

// Socket is a bound, not-yet-connected socket produced by Config.Socket.
// It is owned exclusively by its creator; Close releases the descriptor if
// Connect/PacketConn was never called to hand ownership to a net.Conn.
type Socket struct {
	fd    int
	proto nyat.Protocol
	local netip.AddrPort
}

// LocalAddr returns the concrete local address, including the kernel's
// choice of port if the Config requested port zero.
func (s *Socket) LocalAddr() netip.AddrPort {
	return s.local
}

// Close releases the socket. A no-op once Connect or PacketConn has
// transferred ownership to a net.Conn / net.PacketConn.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// Connect completes a stream (TCP) or datagram (UDP) connect to remote and
// returns a net.Conn. For UDP this is a datagram-connect: subsequent reads
// on the returned conn drop datagrams from any other source.
func (s *Socket) Connect(ctx context.Context, remote netip.AddrPort) (net.Conn, error) {
	sa, err := sockaddr(remote)
	if err != nil {
		return nil, nyat.NewError(nyat.KindConnection, "sock.Socket.Connect", err)
	}

	connErr := unix.Connect(s.fd, sa)
	if connErr != nil && !errors.Is(connErr, unix.EINPROGRESS) {
		return nil, nyat.NewError(nyat.KindConnection, "sock.Socket.Connect", connErr)
	}

	conn, err := s.toConn()
	if err != nil {
		return nil, nyat.NewError(nyat.KindConnection, "sock.Socket.Connect", err)
	}

	if connErr == nil {
		return conn, nil
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	if err := waitConnected(conn); err != nil {
		conn.Close()
		return nil, nyat.NewError(nyat.KindConnection, "sock.Socket.Connect", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// PacketConn hands the unconnected datagram socket off as a net.PacketConn,
// for callers that write to an address with WriteTo rather than connecting.
func (s *Socket) PacketConn() (net.PacketConn, error) {
	conn, err := s.toConn()
	if err != nil {
		return nil, nyat.NewError(nyat.KindSocket, "sock.Socket.PacketConn", err)
	}
	pc, ok := conn.(net.PacketConn)
	if !ok {
		conn.Close()
		return nil, nyat.NewError(nyat.KindSocket, "sock.Socket.PacketConn", errors.New("not a packet-oriented socket"))
	}
	return pc, nil
}

// toConn hands the raw fd to the runtime poller via os.NewFile + net.FileConn,
// which duplicates the descriptor; the Socket's own fd is then closed.
func (s *Socket) toConn() (net.Conn, error) {
	name := "nyat-tcp"
	if s.proto == nyat.UDP {
		name = "nyat-udp"
	}
	f := os.NewFile(uintptr(s.fd), name)
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	// f.Close (via defer) closes our original fd; net.FileConn already
	// duplicated it, so the Socket no longer owns a live descriptor.
	s.fd = -1
	return conn, nil
}

// Socket builds a non-blocking socket of the requested protocol, bound to
// the configured local address. Two sockets built from the same Config can
// share the same local port because SO_REUSEADDR and SO_REUSEPORT are set
// on every socket before bind; failing to set either is a socket error.
func (c *Config) Socket(proto nyat.Protocol) (*Socket, error) {
	if !c.built {
		return nil, nyat.NewError(nyat.KindSocket, "sock.Config.Socket",
			errors.New("Config must be finalized with Build before use"))
	}

	sock, err := c.bind(proto)
	if err == nil {
		return sock, nil
	}

	if !c.forceReuse || !errors.Is(err, unix.EADDRINUSE) {
		return nil, nyat.NewError(nyat.KindSocket, "sock.Config.Socket", err)
	}

	if rerr := reclaimPort(proto, c.addr.Port()); rerr != nil {
		return nil, nyat.NewError(nyat.KindSocket, "sock.Config.Socket",
			fmt.Errorf("port reclamation failed: %w (original bind error: %v)", rerr, err))
	}

	sock, err = c.bind(proto)
	if err != nil {
		return nil, nyat.NewError(nyat.KindSocket, "sock.Config.Socket", err)
	}
	return sock, nil
}

// bind creates the socket, applies options, and binds it, returning the
// raw bind error (unwrapped) so Socket can detect EADDRINUSE.
func (c *Config) bind(proto nyat.Protocol) (*Socket, error) {
	domain := unix.AF_INET
	if c.addr.Addr().Is6() && !c.addr.Addr().Is4In6() {
		domain = unix.AF_INET6
	}
	sotype := unix.SOCK_STREAM
	if proto == nyat.UDP {
		sotype = unix.SOCK_DGRAM
	}

	fd, err := unix.Socket(domain, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := applySockOpts(fd, c); err != nil {
		unix.Close(fd)
		return nil, err
	}

	sa, err := sockaddr(c.addr)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}

	local, err := boundAddr(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}

	return &Socket{fd: fd, proto: proto, local: local}, nil
}

func applySockOpts(fd int, c *Config) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if err := setReusePort(fd); err != nil {
		return fmt.Errorf("SO_REUSEPORT: %w", err)
	}
	if c.hasMark {
		if err := setMark(fd, c.mark); err != nil {
			return fmt.Errorf("SO_MARK: %w", err)
		}
	}
	if c.hasIface {
		if err := setBindToDevice(fd, c.iface); err != nil {
			return fmt.Errorf("SO_BINDTODEVICE: %w", err)
		}
	}
	return nil
}

func sockaddr(addr netip.AddrPort) (unix.Sockaddr, error) {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}, nil
	}
	if addr.Addr().Is6() {
		return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}, nil
	}
	return nil, fmt.Errorf("invalid address %s", addr)
}

func boundAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("unsupported sockaddr type %T", sa)
	}
}

// waitConnected blocks until the connecting socket is writable, then
// checks SO_ERROR to learn whether the connect actually succeeded. This is
// the standard non-blocking-connect completion idiom: Connect returns
// EINPROGRESS immediately, and the runtime poller wakes the Write callback
// once the kernel resolves the connection one way or the other.
func waitConnected(conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("connection does not support raw access")
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	werr := rc.Write(func(fd uintptr) bool {
		errno, gerr := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			sockErr = gerr
			return true
		}
		if errno != 0 {
			sockErr = syscall.Errno(errno)
		}
		return true
	})
	if werr != nil {
		return werr
	}
	return sockErr
}
