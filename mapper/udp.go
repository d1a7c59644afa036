package mapper

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/nyat-dev/nyat"
	"github.com/nyat-dev/nyat/sock"
	"github.com/nyat-dev/nyat/stun"
)

// UDPMapper holds a single UDP socket open against a STUN server,
// re-probing its mapped address periodically and sending a keepalive nudge
// on the ticks in between. Build with Builder.BuildUDP.
type UDPMapper struct {
	local     *sock.Config
	stunAddr  nyat.RemoteEndpoint
	interval  time.Duration
	checkTick int
}

func (*UDPMapper) isMapper() {}

// Run discovers and maintains the mapping until ctx is cancelled, a socket
// error occurs (fatal, returned immediately), or RetryLimit consecutive
// recoverable errors occur (the last one is returned).
func (m *UDPMapper) Run(ctx context.Context, handler MappingHandler) error {
	var retry retryState
	var current netip.AddrPort

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := m.runOnce(ctx, handler, &retry, &current)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isFatal(err) {
			return err
		}
		if retry.next() {
			return err
		}
		if serr := sleepOrDone(ctx, Backoff); serr != nil {
			return serr
		}
	}
}

// runOnce builds a fresh socket, performs an initial probe, then runs the
// keepalive tick loop until it returns an error (recoverable or fatal) or
// ctx is cancelled. current is updated in place across calls so a flapping
// address is only reported to handler on the tick it actually changes.
func (m *UDPMapper) runOnce(ctx context.Context, handler MappingHandler, retry *retryState, current *netip.AddrPort) error {
	remote, err := m.stunAddr.SocketAddr(ctx)
	if err != nil {
		return err
	}

	sk, err := m.local.Socket(nyat.UDP)
	if err != nil {
		return err
	}
	conn, err := sk.Connect(ctx, remote)
	if err != nil {
		return err
	}
	defer conn.Close()

	local := sk.LocalAddr()

	if err := m.probe(ctx, conn, local, handler, current); err != nil {
		return err
	}
	retry.reset()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick++
			if tick >= m.checkTick {
				tick = 0
				if err := m.probe(ctx, conn, local, handler, current); err != nil {
					return err
				}
				continue
			}
			if _, err := conn.Write(keepaliveProbe); err != nil {
				return nyat.NewError(nyat.KindKeepalive, "mapper.UDPMapper keepalive", err)
			}
		}
	}
}

func (m *UDPMapper) probe(ctx context.Context, conn net.Conn, local netip.AddrPort, handler MappingHandler, current *netip.AddrPort) error {
	public, err := stun.UDPDiscover(ctx, conn)
	if err != nil {
		return nyat.NewError(classifyStunErr(err), "mapper.UDPMapper probe", err)
	}
	if public != *current {
		*current = public
		handler.OnChange(nyat.MappingInfo{Public: public, Local: local})
	}
	return nil
}
