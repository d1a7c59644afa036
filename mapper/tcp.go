package mapper

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/nyat-dev/nyat"
	"github.com/nyat-dev/nyat/sock"
	"github.com/nyat-dev/nyat/stun"
	"golang.org/x/sync/errgroup"
)

// TCPMapper holds a TCP connection open against a keepalive remote while a
// second connection, sharing the same local port, discovers the mapped
// address from a STUN server once per connection cycle. Build with
// Builder.TCPRemote(...).BuildTCP().
type TCPMapper struct {
	local    *sock.Config
	stunAddr nyat.RemoteEndpoint
	remote   nyat.RemoteEndpoint
	interval time.Duration
}

func (*TCPMapper) isMapper() {}

// Run discovers and maintains the mapping until ctx is cancelled, a socket
// error occurs (fatal, returned immediately), or RetryLimit consecutive
// recoverable errors occur (the last one is returned).
func (m *TCPMapper) Run(ctx context.Context, handler MappingHandler) error {
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

// runOnce resolves both remotes, builds two sockets sharing a local port,
// connects both, performs the STUN discovery, and then runs the keepalive
// loop on the first connection until it fails or ctx is cancelled.
func (m *TCPMapper) runOnce(ctx context.Context, handler MappingHandler, retry *retryState, current *netip.AddrPort) error {
	var remoteAddr, stunRemoteAddr netip.AddrPort

	resolve, rctx := errgroup.WithContext(ctx)
	resolve.Go(func() error {
		addr, err := m.remote.SocketAddr(rctx)
		if err != nil {
			return err
		}
		remoteAddr = addr
		return nil
	})
	resolve.Go(func() error {
		addr, err := m.stunAddr.SocketAddr(rctx)
		if err != nil {
			return err
		}
		stunRemoteAddr = addr
		return nil
	})
	if err := resolve.Wait(); err != nil {
		return err
	}

	kaSock, err := m.local.Socket(nyat.TCP)
	if err != nil {
		return err
	}

	stCfg, err := m.local.Rebind(kaSock.LocalAddr()).Build()
	if err != nil {
		kaSock.Close()
		return err
	}
	stSock, err := stCfg.Socket(nyat.TCP)
	if err != nil {
		kaSock.Close()
		return err
	}

	var kaConn, stConn net.Conn
	connect, cctx := errgroup.WithContext(ctx)
	connect.Go(func() error {
		c, err := kaSock.Connect(cctx, remoteAddr)
		if err != nil {
			return err
		}
		kaConn = c
		return nil
	})
	connect.Go(func() error {
		c, err := stSock.Connect(cctx, stunRemoteAddr)
		if err != nil {
			return err
		}
		stConn = c
		return nil
	})
	if err := connect.Wait(); err != nil {
		if kaConn != nil {
			kaConn.Close()
		} else {
			kaSock.Close()
		}
		if stConn != nil {
			stConn.Close()
		} else {
			stSock.Close()
		}
		return err
	}
	defer stConn.Close()
	defer kaConn.Close()

	local := kaSock.LocalAddr()

	public, err := stun.TCPDiscover(ctx, stConn)
	if err != nil {
		return nyat.NewError(classifyStunErr(err), "mapper.TCPMapper probe", err)
	}
	if public != *current {
		*current = public
		handler.OnChange(nyat.MappingInfo{Public: public, Local: local})
	}
	retry.reset()

	return m.keepalive(ctx, kaConn)
}

// keepalive sends a literal HTTP HEAD request on every tick and discards
// whatever the remote writes back, matching the reference implementation's
// nudge-and-drain loop. A zero-byte read (the remote's FIN) or any read
// error ends the loop with a recoverable error so the caller reconnects.
func (m *TCPMapper) keepalive(ctx context.Context, conn net.Conn) error {
	req := []byte(fmt.Sprintf("HEAD / HTTP/1.1\r\nHost: %s\r\nConnection: keep-alive\r\n\r\n", m.remote.Host()))

	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 512)
		for {
			_, err := conn.Read(buf)
			if err != nil {
				readDone <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rerr := <-readDone:
			if rerr == io.EOF {
				return nyat.NewError(nyat.KindKeepalive, "mapper.TCPMapper keepalive", fmt.Errorf("remote closed the connection"))
			}
			return nyat.NewError(nyat.KindKeepalive, "mapper.TCPMapper keepalive", rerr)
		case <-ticker.C:
			if _, err := conn.Write(req); err != nil {
				return nyat.NewError(nyat.KindKeepalive, "mapper.TCPMapper keepalive", err)
			}
		}
	}
}
