package nyat

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// IPVersion is a preference hint used when resolving a domain that may
// answer with both address families. IPVersionNone means "take whatever
// the resolver returns first".
type IPVersion int

const (
	IPVersionNone IPVersion = iota
	IPVersionV4
	IPVersionV6
)

// RemoteEndpoint is a target address for outbound traffic: either an
// already-resolved socket address, or a domain name resolved lazily on
// every call to SocketAddr so that DNS changes propagate.
type RemoteEndpoint interface {
	// SocketAddr resolves the endpoint to a concrete address. For a
	// resolved endpoint this never blocks or fails; for a host endpoint it
	// performs a DNS lookup on every call.
	SocketAddr(ctx context.Context) (netip.AddrPort, error)

	// Host returns the textual host to use in the keepalive request's
	// Host: header — the domain name if known, otherwise the resolved IP.
	Host() string

	// IsResolved reports whether this endpoint is already a bare address
	// (no DNS lookup is ever required).
	IsResolved() bool
}

// FromResolved builds a RemoteEndpoint from an already-known address.
func FromResolved(addr netip.AddrPort) RemoteEndpoint {
	return resolvedEndpoint{addr: addr}
}

// FromHost builds a RemoteEndpoint that resolves domain:port via DNS on
// every SocketAddr call. pref restricts which address family is accepted;
// IPVersionNone accepts the resolver's first answer.
func FromHost(domain string, port uint16, pref IPVersion) RemoteEndpoint {
	return hostEndpoint{domain: domain, port: port, pref: pref}
}

type resolvedEndpoint struct {
	addr netip.AddrPort
}

func (r resolvedEndpoint) SocketAddr(context.Context) (netip.AddrPort, error) {
	return r.addr, nil
}

func (r resolvedEndpoint) Host() string {
	return r.addr.Addr().String()
}

func (r resolvedEndpoint) IsResolved() bool {
	return true
}

type hostEndpoint struct {
	domain string
	port   uint16
	pref   IPVersion
}

func (h hostEndpoint) SocketAddr(ctx context.Context) (netip.AddrPort, error) {
	var resolver net.Resolver
	addrs, err := resolver.LookupIPAddr(ctx, h.domain)
	if err != nil {
		return netip.AddrPort{}, NewError(KindDNS, "resolve "+h.domain, err)
	}

	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP.To4())
		isV4 := ok
		if !isV4 {
			ip, ok = netip.AddrFromSlice(a.IP.To16())
			if !ok {
				continue
			}
		}
		switch h.pref {
		case IPVersionV4:
			if !isV4 {
				continue
			}
		case IPVersionV6:
			if isV4 {
				continue
			}
		}
		return netip.AddrPortFrom(ip, h.port), nil
	}

	return netip.AddrPort{}, NewError(KindDNS, "resolve "+h.domain, fmt.Errorf("no address of the requested family"))
}

func (h hostEndpoint) Host() string {
	return h.domain
}

func (h hostEndpoint) IsResolved() bool {
	return false
}

// MappingInfo is the observed public/local socket-address pair reported to
// a MappingHandler. It is emitted only on transitions of the public
// address.
type MappingInfo struct {
	Public netip.AddrPort
	Local  netip.AddrPort
}
